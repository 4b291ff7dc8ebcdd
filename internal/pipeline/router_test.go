package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"motionbrush/internal/config"
	"motionbrush/internal/kling"
	"motionbrush/internal/layers"
	"motionbrush/internal/pathextract"
	"motionbrush/internal/storage"
)

type stubPublisher struct {
	keys []string
	err  error
}

func (s *stubPublisher) PutPNG(ctx context.Context, key string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if len(data) == 0 {
		return "", errors.New("empty upload")
	}
	s.keys = append(s.keys, key)
	return "https://masks.example/" + key, nil
}

type stubGenerator struct {
	lastReq   kling.TaskRequest
	submitErr error
	waitErr   error
	polls     []string
}

func (s *stubGenerator) Submit(ctx context.Context, req kling.TaskRequest) (string, error) {
	s.lastReq = req
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return "task-42", nil
}

func (s *stubGenerator) Wait(ctx context.Context, taskID string, opts kling.PollOptions) (string, error) {
	for _, st := range s.polls {
		opts.OnPoll(kling.Task{ID: taskID, Status: st})
	}
	if s.waitErr != nil {
		return "", s.waitErr
	}
	return "https://video.example/" + taskID + ".mp4", nil
}

func lineLayer(w int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, 4))
	for x := 0; x < w; x++ {
		img.SetNRGBA(x, 2, color.NRGBA{255, 255, 255, 255})
	}
	return img
}

func brushLayer(w int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, 4))
	for x := 0; x < w/2; x++ {
		img.SetNRGBA(x, 1, color.NRGBA{200, 200, 200, 255})
	}
	return img
}

func newTestRouter(t *testing.T, store *storage.Store, pub MaskPublisher, gen VideoGenerator) *router {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.TempDir = t.TempDir()
	return NewRouter(slog.Default(), store, cfg, pub, gen).(*router)
}

func TestRouterExtractInMemoryLayers(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	job := Job{
		ID:   "extract-1",
		Type: JobExtract,
		Options: map[string]any{
			OptLayers:    layers.NewSet(brushLayer(30), nil, lineLayer(30)),
			OptDirection: "Right to Left",
		},
	}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	pts, ok := res.Meta["points"].(pathextract.WaypointSequence)
	if !ok {
		t.Fatalf("points meta has type %T", res.Meta["points"])
	}
	if len(pts) == 0 || len(pts) > pathextract.MaxWaypoints {
		t.Fatalf("unexpected waypoint count %d", len(pts))
	}
	if pts[0] != (pathextract.Point{X: 29, Y: 2}) {
		t.Fatalf("right-to-left path should start at the right edge, got %+v", pts[0])
	}
	if res.Meta["direction"] != "Right to Left" {
		t.Fatalf("unexpected direction meta %v", res.Meta["direction"])
	}
	if _, err := os.Stat(res.Meta["composite"].(string)); err != nil {
		t.Fatalf("composite not written: %v", err)
	}
	if _, ok := res.Meta["mask_url"]; ok {
		t.Fatalf("mask_url should be absent without upload")
	}
}

func TestRouterExtractFromFiles(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	dir := t.TempDir()
	out := filepath.Join(dir, "out", "composite.png")
	loaded := map[string]image.Image{
		"scene.path.png":    lineLayer(8),
		"scene.dynamic.png": brushLayer(8),
	}
	r.load = func(_ context.Context, path string) (image.Image, error) {
		img, ok := loaded[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return img, nil
	}

	res := r.Process(context.Background(), Job{
		ID:        "extract-2",
		Type:      JobExtract,
		InputPath: "scene.path.png",
		Output:    out,
		Options:   map[string]any{OptDynamic: "scene.dynamic.png"},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["composite"] != out {
		t.Fatalf("expected composite at %s, got %v", out, res.Meta["composite"])
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("composite not written: %v", err)
	}

	res = r.Process(context.Background(), Job{
		ID:        "extract-3",
		Type:      JobExtract,
		InputPath: "scene.path.png",
		Options:   map[string]any{OptDynamic: "scene.dynamic.png", OptStatic: "missing.static.png"},
	})
	if !errors.Is(res.Error, os.ErrNotExist) {
		t.Fatalf("expected missing static file error, got %v", res.Error)
	}
}

func TestRouterExtractMissingDynamicLayer(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	res := r.Process(context.Background(), Job{
		ID:      "extract-4",
		Type:    JobExtract,
		Options: map[string]any{OptLayers: layers.NewSet(nil, nil, lineLayer(4))},
	})
	var missing *layers.MissingLayerError
	if !errors.As(res.Error, &missing) || missing.Surface != layers.SurfaceDynamic {
		t.Fatalf("expected missing dynamic layer, got %v", res.Error)
	}
	if !errors.Is(res.Error, pathextract.ErrMissingLayer) {
		t.Fatalf("expected error to match ErrMissingLayer")
	}
}

func TestRouterExtractInvalidDirection(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	res := r.Process(context.Background(), Job{
		ID:   "extract-5",
		Type: JobExtract,
		Options: map[string]any{
			OptLayers:    layers.NewSet(brushLayer(4), nil, lineLayer(4)),
			OptDirection: "Diagonal",
		},
	})
	if !errors.Is(res.Error, pathextract.ErrInvalidDirection) {
		t.Fatalf("expected invalid direction, got %v", res.Error)
	}
}

func TestRouterExtractUpload(t *testing.T) {
	job := Job{
		ID:   "extract-6",
		Type: JobExtract,
		Options: map[string]any{
			OptLayers: layers.NewSet(brushLayer(6), brushLayer(6), lineLayer(6)),
			OptUpload: true,
		},
	}

	r := newTestRouter(t, nil, nil, nil)
	if res := r.Process(context.Background(), job); !errors.Is(res.Error, ErrNoPublisher) {
		t.Fatalf("expected ErrNoPublisher, got %v", res.Error)
	}

	pub := &stubPublisher{}
	r = newTestRouter(t, nil, pub, nil)
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["mask_url"] != "https://masks.example/extract-6/mask.png" {
		t.Fatalf("unexpected mask url %v", res.Meta["mask_url"])
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouterGenerateWithLayers(t *testing.T) {
	store := newTestStore(t)
	pub := &stubPublisher{}
	gen := &stubGenerator{polls: []string{"pending", ""}}
	r := newTestRouter(t, store, pub, gen)

	res := r.Process(context.Background(), Job{
		ID:   "generate-1",
		Type: JobGenerate,
		Options: map[string]any{
			OptLayers:   layers.NewSet(brushLayer(10), nil, lineLayer(10)),
			OptImageURL: "https://img.example/scene.png",
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if gen.lastReq.MaskURL != "https://masks.example/generate-1/mask.png" {
		t.Fatalf("mask url not forwarded: %q", gen.lastReq.MaskURL)
	}
	if gen.lastReq.Prompt != "walk" {
		t.Fatalf("expected default prompt, got %q", gen.lastReq.Prompt)
	}
	if len(gen.lastReq.Points) != 10 {
		t.Fatalf("expected extracted points forwarded, got %d", len(gen.lastReq.Points))
	}
	if res.Meta["video_url"] != "https://video.example/task-42.mp4" {
		t.Fatalf("unexpected video url %v", res.Meta["video_url"])
	}

	g, err := store.Generation("generate-1")
	if err != nil {
		t.Fatalf("load generation: %v", err)
	}
	if g.Status != kling.StatusCompleted || g.TaskID != "task-42" || g.VideoURL == "" {
		t.Fatalf("unexpected generation %+v", g)
	}
	if g.Direction != pathextract.LeftToRight.String() {
		t.Fatalf("expected default direction recorded, got %q", g.Direction)
	}
}

func TestRouterGenerateExplicitPoints(t *testing.T) {
	gen := &stubGenerator{}
	r := newTestRouter(t, nil, nil, gen)

	res := r.Process(context.Background(), Job{
		ID:   "generate-2",
		Type: JobGenerate,
		Options: map[string]any{
			OptImageURL: "https://img.example/a.png",
			OptMaskURL:  "https://masks.example/a.png",
			OptPoints:   "[{'x': 1, 'y': 2}, {'x': 3, 'y': 4}]",
			OptPrompt:   "run",
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := pathextract.WaypointSequence{{X: 1, Y: 2}, {X: 3, Y: 4}}
	if len(gen.lastReq.Points) != 2 || gen.lastReq.Points[1] != want[1] {
		t.Fatalf("unexpected points %+v", gen.lastReq.Points)
	}
	if gen.lastReq.Prompt != "run" || gen.lastReq.CFGScale != 0.5 || gen.lastReq.Duration != 5 {
		t.Fatalf("unexpected request %+v", gen.lastReq)
	}
}

func TestRouterGenerateFailures(t *testing.T) {
	opts := map[string]any{
		OptImageURL: "https://img.example/a.png",
		OptMaskURL:  "https://masks.example/a.png",
	}

	r := newTestRouter(t, nil, nil, nil)
	if res := r.Process(context.Background(), Job{ID: "g", Type: JobGenerate, Options: opts}); !errors.Is(res.Error, kling.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", res.Error)
	}

	r = newTestRouter(t, nil, nil, &stubGenerator{})
	if res := r.Process(context.Background(), Job{ID: "g", Type: JobGenerate, Options: map[string]any{OptMaskURL: "x"}}); res.Error == nil {
		t.Fatalf("expected error without image url")
	}
	if res := r.Process(context.Background(), Job{ID: "g", Type: JobGenerate, Options: map[string]any{OptImageURL: "x"}}); res.Error == nil {
		t.Fatalf("expected error without mask")
	}

	store := newTestStore(t)
	failed := &kling.TaskFailedError{TaskID: "task-42", Reason: "nsfw"}
	r = newTestRouter(t, store, nil, &stubGenerator{waitErr: failed})
	res := r.Process(context.Background(), Job{ID: "generate-3", Type: JobGenerate, Options: opts})
	var tfe *kling.TaskFailedError
	if !errors.As(res.Error, &tfe) {
		t.Fatalf("expected task failure, got %v", res.Error)
	}
	if res.Meta["task_id"] != "task-42" {
		t.Fatalf("task id should be reported on failure")
	}
	g, err := store.Generation("generate-3")
	if err != nil {
		t.Fatalf("load generation: %v", err)
	}
	if g.Status != kling.StatusFailed || g.Error == "" {
		t.Fatalf("unexpected generation %+v", g)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := newTestRouter(t, nil, nil, nil)
	if res := r.Process(context.Background(), Job{ID: "x", Type: "stack"}); res.Error == nil {
		t.Fatalf("expected error for unknown type")
	}
}

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func TestPipelineSubmitAndSubscribe(t *testing.T) {
	store := newTestStore(t)
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.Type == JobGenerate {
			return Result{Error: errors.New("boom")}
		}
		return Result{Meta: map[string]any{"waypoints": 3}}
	})
	p := New(context.Background(), 2, slog.Default(), store, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "ok-1", Type: JobExtract, Options: map[string]any{OptLayers: layers.Set{}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Submit(Job{ID: "bad-1", Type: JobGenerate}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	seen := map[string]Result{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 2 {
		select {
		case res := <-results:
			seen[res.Job.ID] = res
		case <-timeout:
			t.Fatalf("timed out waiting for results, got %d", len(seen))
		}
	}
	if seen["ok-1"].Status() != "completed" || seen["bad-1"].Status() != "failed" {
		t.Fatalf("unexpected statuses %+v", seen)
	}

	rec, err := store.Job("bad-1")
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("unexpected job record %+v", rec)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(context.Background(), 1, slog.Default(), nil, funcProcessor(func(ctx context.Context, job Job) Result {
		<-block
		return Result{}
	}))
	defer func() {
		close(block)
		p.Stop()
	}()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(Job{Type: JobExtract})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull once the queue saturates, got %v", err)
	}
}

func TestPipelineLogsUnencodableOptions(t *testing.T) {
	store := newTestStore(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	p := New(context.Background(), 1, logger, store, funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{}
	}))

	err := p.Submit(Job{ID: "opts-1", Type: JobExtract, Options: map[string]any{OptDirection: pathextract.Direction(99)}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Stop()

	if !strings.Contains(logs.String(), "failed to encode job options") {
		t.Fatalf("expected encode failure to be logged, got %q", logs.String())
	}
	rec, err := store.Job("opts-1")
	if err != nil {
		t.Fatalf("job should still be recorded: %v", err)
	}
	if rec.OptionsJSON != "" {
		t.Fatalf("expected empty options, got %q", rec.OptionsJSON)
	}
}
