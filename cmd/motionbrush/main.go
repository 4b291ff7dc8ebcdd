package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"motionbrush/internal/cli"
	"motionbrush/internal/config"
	"motionbrush/internal/kling"
	"motionbrush/internal/logging"
	"motionbrush/internal/objectstore"
	"motionbrush/internal/pipeline"
	"motionbrush/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var publisher pipeline.MaskPublisher
	if pub := newPublisher(ctx, cfg, logger); pub != nil {
		publisher = pub
	}

	var (
		generator pipeline.VideoGenerator
		tasks     cli.TaskStatuser
	)
	if cfg.API.Key != "" {
		client := kling.New(cfg.API.BaseURL, cfg.API.Key, logger)
		client.HTTP.Timeout = cfg.API.RequestTimeout
		generator, tasks = client, client
	} else {
		logger.Debug("api key not configured, generation disabled")
	}

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store,
		pipeline.NewRouter(logger, store, cfg, publisher, generator))
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe, tasks).ExecuteContext(ctx)
}

// newPublisher connects to object storage when it is configured. Failures
// are logged and leave uploads disabled.
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) *objectstore.Storage {
	oc := objectstore.Config{
		Endpoint:      cfg.Storage.Endpoint,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		UseSSL:        cfg.Storage.UseSSL,
		Bucket:        cfg.Storage.Bucket,
		Region:        cfg.Storage.Region,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		PresignExpiry: cfg.Storage.PresignExpiry,
	}
	if !oc.Enabled() {
		return nil
	}
	st, err := objectstore.NewStorage(oc)
	if err != nil {
		logger.Warn("object storage unavailable", "endpoint", oc.Endpoint, "error", err)
		return nil
	}
	if err := st.EnsureBucket(ctx); err != nil {
		logger.Warn("object storage bucket check failed", "bucket", oc.Bucket, "error", err)
		return nil
	}
	return st
}
