package cli

import (
	"context"
	"fmt"
	"log/slog"

	"motionbrush/internal/config"
	"motionbrush/internal/kling"
	"motionbrush/internal/pipeline"
	"motionbrush/internal/server"
	"motionbrush/internal/storage"
)

// TaskStatuser looks up remote generation tasks.
type TaskStatuser interface {
	Status(ctx context.Context, taskID string) (kling.Task, error)
}

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipeline.Queue, log *slog.Logger) error

func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipeline.Queue, log *slog.Logger) error {
	return server.Serve(ctx, cfg, store, pipe, log)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipeline.Queue
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	tasks    TaskStatuser
	serveFn  serverFunc
}

// NewRoot constructs the CLI root. tasks may be nil when no API key is
// configured.
func NewRoot(pl pipeline.Queue, cfg *config.Config, logger *slog.Logger, store *storage.Store, tasks TaskStatuser) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		tasks:    tasks,
		serveFn:  defaultServe,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if job.ID == "" {
		job.ID = pipeline.NewJobID(string(job.Type))
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	res, err := pipeline.SubmitAndWait(ctx, r.pipeline, job)
	if err != nil {
		return res, fmt.Errorf("%s job %s: %w", job.Type, job.ID, err)
	}
	return res, nil
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}
