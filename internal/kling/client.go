package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"motionbrush/internal/metrics"
	"motionbrush/internal/pathextract"
)

const (
	DefaultBaseURL      = "https://api.goapi.ai"
	DefaultPollInterval = 10 * time.Second
	DefaultPollTimeout  = 10 * time.Minute

	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNoTaskID is returned when a submission succeeds without a task id.
	ErrNoTaskID = errors.New("response did not include a task id")
	// ErrPollTimeout is returned when a task does not finish in time.
	ErrPollTimeout = errors.New("timed out waiting for task")
	// ErrMissingAPIKey is returned before any request when no key is set.
	ErrMissingAPIKey = errors.New("api key is not configured")
)

// APIError is a non-200 response from the task API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: request failed, status code: %d", e.Method, e.URL, e.StatusCode)
}

// TaskFailedError reports a task that reached the failed state.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

// TaskRequest describes one motion-brush video generation.
type TaskRequest struct {
	Prompt         string
	NegativePrompt string
	ImageURL       string
	ImageTailURL   string
	MaskURL        string
	Points         pathextract.WaypointSequence
	CFGScale       float64
	Duration       int
	Mode           string
	Version        string
}

// Task is the subset of task state we track.
type Task struct {
	ID       string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Client talks to the hosted video-generation task API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Log     *slog.Logger
}

// New returns a Client with default transport settings.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Log:     logger,
	}
}

type pointList struct {
	Points pathextract.WaypointSequence `json:"points"`
}

type motionBrush struct {
	MaskURL      string      `json:"mask_url"`
	StaticMasks  []pointList `json:"static_masks"`
	DynamicMasks []pointList `json:"dynamic_masks"`
}

type taskInput struct {
	Prompt         string      `json:"prompt"`
	NegativePrompt string      `json:"negative_prompt"`
	CFGScale       float64     `json:"cfg_scale"`
	Duration       int         `json:"duration"`
	ImageURL       string      `json:"image_url"`
	ImageTailURL   string      `json:"image_tail_url"`
	Mode           string      `json:"mode"`
	Version        string      `json:"version"`
	MotionBrush    motionBrush `json:"motion_brush"`
}

type taskPayload struct {
	Model    string    `json:"model"`
	TaskType string    `json:"task_type"`
	Input    taskInput `json:"input"`
}

type taskEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Output struct {
			VideoURL string `json:"video_url"`
		} `json:"output"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"data"`
}

// buildPayload fills API defaults for any zero field.
func buildPayload(req TaskRequest) taskPayload {
	points := req.Points
	if points == nil {
		points = pathextract.WaypointSequence{}
	}
	in := taskInput{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		CFGScale:       req.CFGScale,
		Duration:       req.Duration,
		ImageURL:       req.ImageURL,
		ImageTailURL:   req.ImageTailURL,
		Mode:           req.Mode,
		Version:        req.Version,
		MotionBrush: motionBrush{
			MaskURL:      req.MaskURL,
			StaticMasks:  []pointList{{Points: pathextract.WaypointSequence{}}},
			DynamicMasks: []pointList{{Points: points}},
		},
	}
	if in.CFGScale == 0 {
		in.CFGScale = 0.5
	}
	if in.Duration == 0 {
		in.Duration = 5
	}
	if in.Mode == "" {
		in.Mode = "std"
	}
	if in.Version == "" {
		in.Version = "1.0"
	}
	return taskPayload{Model: "kling", TaskType: "video_generation", Input: in}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*taskEnvelope, error) {
	if c.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	metrics.ObserveAPICall(method, resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Method: method, URL: endpoint, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

// Submit creates a video-generation task and returns its id.
func (c *Client) Submit(ctx context.Context, req TaskRequest) (string, error) {
	env, err := c.do(ctx, http.MethodPost, c.BaseURL+"/api/v1/task", buildPayload(req))
	if err != nil {
		return "", err
	}
	if env.Data.TaskID == "" {
		return "", ErrNoTaskID
	}
	c.Log.Info("task submitted", "task_id", env.Data.TaskID, "points", len(req.Points))
	return env.Data.TaskID, nil
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (Task, error) {
	env, err := c.do(ctx, http.MethodGet, c.BaseURL+"/api/v1/task/"+url.PathEscape(taskID), nil)
	if err != nil {
		return Task{}, err
	}
	t := Task{
		ID:       taskID,
		Status:   env.Data.Status,
		VideoURL: env.Data.Output.VideoURL,
		Error:    env.Data.Error.Message,
	}
	return t, nil
}

// PollOptions bounds Wait.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnPoll observes every non-terminal status.
	OnPoll func(Task)
}

// Wait polls a task until it completes, fails, ctx is cancelled or the
// timeout elapses. It returns the video URL of a completed task.
func (c *Client) Wait(ctx context.Context, taskID string, opts PollOptions) (string, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		task, err := c.Status(ctx, taskID)
		metrics.TaskPolls.Inc()
		switch {
		case err != nil && ctx.Err() != nil:
			return "", c.waitErr(ctx, taskID)
		case err != nil:
			return "", err
		case task.Status == StatusCompleted:
			if task.VideoURL == "" {
				return "", fmt.Errorf("task %s completed without a video url", taskID)
			}
			return task.VideoURL, nil
		case task.Status == StatusFailed:
			return "", &TaskFailedError{TaskID: taskID, Reason: task.Error}
		}

		c.Log.Info("task pending", "task_id", taskID, "status", task.Status, "retry_in", opts.Interval)
		if opts.OnPoll != nil {
			opts.OnPoll(task)
		}

		select {
		case <-ctx.Done():
			return "", c.waitErr(ctx, taskID)
		case <-ticker.C:
		}
	}
}

func (c *Client) waitErr(ctx context.Context, taskID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("task %s: %w", taskID, ErrPollTimeout)
	}
	return ctx.Err()
}
