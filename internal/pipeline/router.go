package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"motionbrush/internal/config"
	"motionbrush/internal/kling"
	"motionbrush/internal/layers"
	"motionbrush/internal/logging"
	"motionbrush/internal/mask"
	"motionbrush/internal/metrics"
	"motionbrush/internal/pathextract"
	"motionbrush/internal/storage"
)

// Option keys understood by the router.
const (
	OptDynamic        = "dynamic"
	OptStatic         = "static"
	OptDirection      = "direction"
	OptUpload         = "upload"
	OptLayers         = "layers"
	OptPrompt         = "prompt"
	OptNegativePrompt = "negative_prompt"
	OptImageURL       = "image_url"
	OptImageTailURL   = "image_tail_url"
	OptMaskURL        = "mask_url"
	OptPoints         = "points"
)

// ErrNoPublisher is returned when a job needs a public mask URL but no
// object storage is configured.
var ErrNoPublisher = errors.New("object storage is not configured")

// MaskPublisher stores an encoded mask and returns a URL the generation
// service can fetch.
type MaskPublisher interface {
	PutPNG(ctx context.Context, key string, data []byte) (string, error)
}

// VideoGenerator submits and awaits motion-brush generation tasks.
type VideoGenerator interface {
	Submit(ctx context.Context, req kling.TaskRequest) (string, error)
	Wait(ctx context.Context, taskID string, opts kling.PollOptions) (string, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	publisher MaskPublisher
	generator VideoGenerator
	api       config.API
	tempDir   string
	direction pathextract.Direction
	load      func(ctx context.Context, ref string) (image.Image, error)
}

// NewRouter returns the Processor used by the worker pool. publisher and
// generator may be nil; jobs that need them then fail with a clear error.
func NewRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, publisher MaskPublisher, generator VideoGenerator) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:       logger,
		store:     store,
		publisher: publisher,
		generator: generator,
		api:       cfg.API,
		tempDir:   cfg.Processing.TempDir,
		direction: cfg.DefaultDirection(),
		load: func(ctx context.Context, ref string) (image.Image, error) {
			return layers.Load(ctx, nil, ref)
		},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobExtract:
		return r.handleExtract(ctx, job)
	case JobGenerate:
		return r.handleGenerate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// Extraction is the outcome of compositing and path extraction.
type Extraction struct {
	Direction     pathextract.Direction
	Points        pathextract.WaypointSequence
	CompositePath string
	MaskURL       string
}

// Meta renders the extraction for job results.
func (e Extraction) Meta() map[string]any {
	meta := map[string]any{
		"direction":   e.Direction.String(),
		"points":      e.Points,
		"points_text": kling.FormatPoints(e.Points),
		"waypoints":   len(e.Points),
		"composite":   e.CompositePath,
	}
	if e.MaskURL != "" {
		meta["mask_url"] = e.MaskURL
	}
	return meta
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	ex, err := r.extract(ctx, job, optBool(job.Options, OptUpload))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: ex.Meta()}
}

func (r *router) extract(ctx context.Context, job Job, upload bool) (Extraction, error) {
	dir, err := r.jobDirection(job)
	if err != nil {
		return Extraction{}, err
	}
	set, err := r.jobLayers(ctx, job)
	if err != nil {
		return Extraction{}, err
	}
	resolved, err := set.Resolve()
	if err != nil {
		return Extraction{}, err
	}

	points, err := pathextract.Extract(resolved.Path, dir)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract path: %w", err)
	}
	logging.LogExtraction(r.log, job.ID, dir.String(), len(points))
	metrics.ExtractionsTotal.WithLabelValues(dir.String()).Inc()
	metrics.WaypointsExtracted.Observe(float64(len(points)))

	composite, err := mask.Composite(resolved.Dynamic, resolved.Static, mask.DefaultOptions())
	if err != nil {
		return Extraction{}, fmt.Errorf("composite mask: %w", err)
	}
	data, err := mask.EncodePNG(composite)
	if err != nil {
		return Extraction{}, err
	}

	ex := Extraction{Direction: dir, Points: points}
	if job.Output != "" {
		if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
			return Extraction{}, fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(job.Output, data, 0644); err != nil {
			return Extraction{}, fmt.Errorf("write composite: %w", err)
		}
		ex.CompositePath = job.Output
	} else {
		path, err := mask.WriteTemp(r.tempDir, composite)
		if err != nil {
			return Extraction{}, err
		}
		ex.CompositePath = path
	}
	logging.LogProcessingStep(r.log, job.ID, "composite", "written", map[string]any{"path": ex.CompositePath})

	if upload {
		if r.publisher == nil {
			return Extraction{}, ErrNoPublisher
		}
		url, err := r.publisher.PutPNG(ctx, job.ID+"/mask.png", data)
		if err != nil {
			return Extraction{}, fmt.Errorf("publish mask: %w", err)
		}
		metrics.MasksUploaded.Inc()
		ex.MaskURL = url
		logging.LogProcessingStep(r.log, job.ID, "mask", "uploaded", map[string]any{"url": url})
	}
	return ex, nil
}

func (r *router) jobDirection(job Job) (pathextract.Direction, error) {
	switch v := job.Options[OptDirection].(type) {
	case nil:
		return r.direction, nil
	case pathextract.Direction:
		if !v.Valid() {
			return 0, pathextract.ErrInvalidDirection
		}
		return v, nil
	case string:
		if v == "" {
			return r.direction, nil
		}
		return pathextract.ParseDirection(v)
	default:
		return 0, fmt.Errorf("%w: %v", pathextract.ErrInvalidDirection, v)
	}
}

// jobLayers returns in-memory layers when the job carries them, otherwise
// loads the path layer from InputPath and the brush layers from options.
// Each reference may be a local file or an http(s) URL.
func (r *router) jobLayers(ctx context.Context, job Job) (layers.Set, error) {
	if set, ok := job.Options[OptLayers].(layers.Set); ok {
		return set, nil
	}
	load := func(path string) (image.Image, error) {
		if path == "" {
			return nil, nil
		}
		return r.load(ctx, path)
	}
	path, err := load(job.InputPath)
	if err != nil {
		return layers.Set{}, fmt.Errorf("load path layer: %w", err)
	}
	dynamic, err := load(optString(job.Options, OptDynamic))
	if err != nil {
		return layers.Set{}, fmt.Errorf("load dynamic layer: %w", err)
	}
	static, err := load(optString(job.Options, OptStatic))
	if err != nil {
		return layers.Set{}, fmt.Errorf("load static layer: %w", err)
	}
	return layers.NewSet(dynamic, static, path), nil
}

func (r *router) hasLayers(job Job) bool {
	if _, ok := job.Options[OptLayers].(layers.Set); ok {
		return true
	}
	return job.InputPath != "" || optString(job.Options, OptDynamic) != ""
}

func (r *router) handleGenerate(ctx context.Context, job Job) Result {
	if r.generator == nil {
		return Result{Job: job, Error: kling.ErrMissingAPIKey}
	}
	imageURL := optString(job.Options, OptImageURL)
	if imageURL == "" {
		return Result{Job: job, Error: errors.New("image_url is required")}
	}

	req := kling.TaskRequest{
		Prompt:         optString(job.Options, OptPrompt),
		NegativePrompt: optString(job.Options, OptNegativePrompt),
		ImageURL:       imageURL,
		ImageTailURL:   optString(job.Options, OptImageTailURL),
		MaskURL:        optString(job.Options, OptMaskURL),
		CFGScale:       r.api.CFGScale,
		Duration:       r.api.Duration,
		Mode:           r.api.Mode,
		Version:        r.api.Version,
	}
	if req.Prompt == "" {
		req.Prompt = r.api.Prompt
	}
	if req.NegativePrompt == "" {
		req.NegativePrompt = r.api.NegativePrompt
	}

	meta := map[string]any{}
	direction := ""
	points, err := optPoints(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	req.Points = points

	// Without a mask URL the layers are composited, uploaded and traced here.
	// With one, layers are only traced when no points were given.
	if req.MaskURL == "" && !r.hasLayers(job) {
		return Result{Job: job, Error: errors.New("mask_url or mask layers are required")}
	}
	if req.MaskURL == "" || (req.Points == nil && r.hasLayers(job)) {
		ex, err := r.extract(ctx, job, req.MaskURL == "")
		if err != nil {
			return Result{Job: job, Error: err}
		}
		if req.MaskURL == "" {
			req.MaskURL = ex.MaskURL
		}
		if req.Points == nil {
			req.Points = ex.Points
		}
		direction = ex.Direction.String()
		for k, v := range ex.Meta() {
			meta[k] = v
		}
	}
	if req.Points == nil {
		req.Points = pathextract.WaypointSequence{}
	}

	pointsJSON, _ := json.Marshal(req.Points)
	gen := storage.Generation{
		ID:         job.ID,
		JobID:      job.ID,
		Prompt:     req.Prompt,
		Direction:  direction,
		PointsJSON: string(pointsJSON),
		ImageURL:   req.ImageURL,
		MaskURL:    req.MaskURL,
		Status:     "submitting",
	}
	if err := r.store.RecordGeneration(gen); err != nil {
		r.log.Warn("failed to record generation", "id", gen.ID, "error", err)
	}

	taskID, err := r.generator.Submit(ctx, req)
	if err != nil {
		r.updateGeneration(gen.ID, "", kling.StatusFailed, "", err)
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["task_id"] = taskID
	r.updateGeneration(gen.ID, taskID, "processing", "", nil)
	logging.LogProcessingStep(r.log, job.ID, "submit", "accepted", map[string]any{"task_id": taskID})

	videoURL, err := r.generator.Wait(ctx, taskID, kling.PollOptions{
		Interval: r.api.PollInterval,
		Timeout:  r.api.PollTimeout,
		OnPoll: func(t kling.Task) {
			status := t.Status
			if status == "" {
				status = "processing"
			}
			r.updateGeneration(gen.ID, "", status, "", nil)
		},
	})
	if err != nil {
		r.updateGeneration(gen.ID, "", kling.StatusFailed, "", err)
		return Result{Job: job, Error: err, Meta: meta}
	}
	r.updateGeneration(gen.ID, "", kling.StatusCompleted, videoURL, nil)
	meta["video_url"] = videoURL
	return Result{Job: job, Meta: meta}
}

func (r *router) updateGeneration(id, taskID, status, videoURL string, err error) {
	if uerr := r.store.UpdateGeneration(id, taskID, status, videoURL, errString(err)); uerr != nil {
		r.log.Warn("failed to update generation", "id", id, "status", status, "error", uerr)
	}
}

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optBool(opts map[string]any, key string) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return false
}

// optPoints accepts points as a sequence or in their textual form. A nil
// sequence means none were supplied.
func optPoints(opts map[string]any) (pathextract.WaypointSequence, error) {
	switch v := opts[OptPoints].(type) {
	case nil:
		return nil, nil
	case pathextract.WaypointSequence:
		return v, nil
	case []pathextract.Point:
		return pathextract.WaypointSequence(v), nil
	case string:
		if v == "" {
			return nil, nil
		}
		return kling.ParsePoints(v)
	default:
		return nil, fmt.Errorf("unsupported points value %T", v)
	}
}
