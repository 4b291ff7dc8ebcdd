package kling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionbrush/internal/pathextract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "secret", nil)
	c.HTTP = srv.Client()
	return c
}

func TestSubmitSendsMotionBrushPayload(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/task", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"code":200,"data":{"task_id":"abc-123","status":"pending"}}`))
	})

	id, err := c.Submit(context.Background(), TaskRequest{
		Prompt:   "walk",
		ImageURL: "https://example.com/bg.jpg",
		MaskURL:  "https://example.com/mask.png",
		Points:   pathextract.WaypointSequence{{X: 1, Y: 2}, {X: 3, Y: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)

	assert.Equal(t, "kling", got["model"])
	assert.Equal(t, "video_generation", got["task_type"])
	input := got["input"].(map[string]any)
	assert.Equal(t, "walk", input["prompt"])
	assert.Equal(t, 0.5, input["cfg_scale"])
	assert.Equal(t, float64(5), input["duration"])
	assert.Equal(t, "std", input["mode"])
	assert.Equal(t, "1.0", input["version"])
	brush := input["motion_brush"].(map[string]any)
	assert.Equal(t, "https://example.com/mask.png", brush["mask_url"])
	static := brush["static_masks"].([]any)[0].(map[string]any)
	assert.Empty(t, static["points"])
	dynamic := brush["dynamic_masks"].([]any)[0].(map[string]any)
	points := dynamic["points"].([]any)
	require.Len(t, points, 2)
	assert.Equal(t, map[string]any{"x": float64(3), "y": float64(4)}, points[1])
}

func TestSubmitErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	_, err := c.Submit(context.Background(), TaskRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	})
	_, err = c.Submit(context.Background(), TaskRequest{})
	assert.ErrorIs(t, err, ErrNoTaskID)

	c.APIKey = ""
	_, err = c.Submit(context.Background(), TaskRequest{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestWaitPollsUntilCompleted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/task/abc", r.URL.Path)
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"data":{"task_id":"abc","status":"processing"}}`))
			return
		}
		w.Write([]byte(`{"data":{"task_id":"abc","status":"completed","output":{"video_url":"https://cdn/v.mp4"}}}`))
	})

	var seen []string
	url, err := c.Wait(context.Background(), "abc", PollOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		OnPoll:   func(task Task) { seen = append(seen, task.Status) },
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v.mp4", url)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"processing", "processing"}, seen)
}

func TestWaitReportsFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"task_id":"abc","status":"failed","error":{"message":"bad mask"}}}`))
	})
	_, err := c.Wait(context.Background(), "abc", PollOptions{Interval: time.Millisecond})
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "bad mask", failed.Reason)
}

func TestWaitTimesOut(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"task_id":"abc","status":"pending"}}`))
	})
	_, err := c.Wait(context.Background(), "abc", PollOptions{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestWaitHonoursCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"task_id":"abc","status":"pending"}}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Wait(ctx, "abc", PollOptions{Interval: time.Hour})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSubmitThenWait(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"data":{"task_id":"t1"}}`))
			return
		}
		w.Write([]byte(`{"data":{"task_id":"t1","status":"completed","output":{"video_url":"v"}}}`))
	})
	id, err := c.Submit(context.Background(), TaskRequest{Prompt: "walk"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	video, err := c.Wait(context.Background(), id, PollOptions{Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "v", video)
}

func TestParsePoints(t *testing.T) {
	pts, err := ParsePoints(`[{'x': 1, 'y': 2}, {'x': 3, 'y': 4}]`)
	require.NoError(t, err)
	assert.Equal(t, pathextract.WaypointSequence{{X: 1, Y: 2}, {X: 3, Y: 4}}, pts)

	empty, err := ParsePoints("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParsePoints("{")
	assert.Error(t, err)

	assert.Equal(t, `[{"x":1,"y":2}]`, FormatPoints(pathextract.WaypointSequence{{X: 1, Y: 2}}))
	assert.Equal(t, `[]`, FormatPoints(nil))
}
