package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/assembler"
	cfgpkg "github.com/local/combinepdf/internal/config"
	"github.com/local/combinepdf/internal/dispatcher"
	logpkg "github.com/local/combinepdf/internal/logger"
	"github.com/local/combinepdf/internal/metrics"
	"github.com/local/combinepdf/internal/orchestrator"
	"github.com/local/combinepdf/internal/queue"
	"github.com/local/combinepdf/internal/resource"
	"github.com/local/combinepdf/internal/statuscheck"
	"github.com/local/combinepdf/internal/storage"
	"github.com/local/combinepdf/internal/store"
)

func main() {
	cfg := cfgpkg.Load()

	// Init logging
	logOpts := logpkg.FromConfig("combinepdf", cfg)
	if err := logpkg.Init(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "log file disabled: %v\n", err)
		logOpts.File = ""
		if err := logpkg.Init(logOpts); err != nil {
			fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
			os.Exit(1)
		}
	}
	defer logpkg.Close()
	metrics.Init()

	// Queue
	rq, err := queue.NewRedisQueue(queue.Options{
		RedisURL:     cfg.Queue.RedisURL,
		Stream:       cfg.Queue.Stream,
		Group:        cfg.Queue.Group,
		PollInterval: cfg.Queue.PollInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rq.Close()

	// Status store
	rs, err := store.NewRedisStatus(cfg.Queue.RedisURL, cfg.Queue.StatusTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init redis status store")
	}
	defer rs.Close()

	// Object storage is optional; s3:// references fail without it
	var objects resource.ObjectStore
	var s3Pinger statuscheck.Pinger
	if cfg.Storage.Bucket != "" {
		s3c, err := storage.NewS3Client(context.Background(), storage.Options{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UsePathStyle:    cfg.Storage.UsePathStyle,
		})
		if err != nil {
			log.Error().Err(err).Msg("S3 disabled")
		} else {
			objects = s3c
			s3Pinger = s3c
		}
	}

	for _, dir := range []string{cfg.Storage.ResultDir, cfg.Storage.InputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("cannot create storage dir")
		}
	}
	// clients only reach local files below these directories
	roots := resource.Roots{Inputs: cfg.Storage.InputDir, Outputs: cfg.Storage.ResultDir}
	httpClient := &http.Client{Timeout: cfg.Storage.FetchTimeout}
	newWorkspace := func() (*resource.Workspace, error) {
		return resource.NewWorkspace(resource.Options{
			TempDir:    cfg.Storage.TempDir,
			HTTPClient: httpClient,
			Store:      objects,
			MaxBytes:   cfg.Storage.MaxFetchBytes,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator.CleanupWorkspaces(cfg.Storage.TempDir, time.Hour)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orchestrator.CleanupWorkspaces(cfg.Storage.TempDir, 2*cfg.Worker.JobTimeout)
			}
		}
	}()
	go orchestrator.MonitorQueue(ctx, rq, 15*time.Second)

	// Orchestrator HTTP server
	bucket := ""
	if objects != nil {
		bucket = objects.Bucket()
	}
	orch := orchestrator.New(orchestrator.Dependencies{
		Queue:  rq,
		Status: rs,
		Health: statuscheck.New(statuscheck.Options{
			Redis:     rs,
			S3:        s3Pinger,
			Queue:     rq,
			ResultDir: cfg.Storage.ResultDir,
		}),
		Pages:          orchestrator.WorkspacePageCounter(newWorkspace),
		DefaultBucket:  bucket,
		ResultDir:      cfg.Storage.ResultDir,
		MaxRequestBody: cfg.Server.MaxRequestBody,
		Roots:          roots,
		Render: assembler.Options{
			Landscape:    cfg.Render.Landscape,
			Margin:       cfg.Render.Margin,
			StretchSmall: cfg.Render.StretchSmall,
		},
	})
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)

	// Dispatcher worker (optional)
	var disp *dispatcher.Worker
	if cfg.Server.RunDispatcher {
		host, _ := os.Hostname()
		disp = dispatcher.New(dispatcher.Config{
			Concurrency:    cfg.Worker.Concurrency,
			JobTimeout:     cfg.Worker.JobTimeout,
			MaxAttempts:    cfg.Worker.JobMaxAttempts,
			RetryBaseDelay: cfg.Worker.RetryBaseDelay,
			DequeueTimeout: cfg.Worker.DequeueTimeout,
			ResultDir:      cfg.Storage.ResultDir,
			DoneTTL:        cfg.Queue.StatusTTL,
			Consumer:       fmt.Sprintf("%s-%d", host, os.Getpid()),
			DefaultBucket:  bucket,
			Roots:          roots,
		}, rq, rs, newWorkspace).WithBreaker(dispatcher.NewCircuitBreaker(rq.Client(), 30*time.Second, 5*time.Minute))
		disp.Start()
	}

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if disp != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Worker.JobTimeout)
		if err := disp.Stop(drainCtx); err != nil {
			log.Warn().Err(err).Msg("workers still running at shutdown")
		}
		drainCancel()
	}
	log.Info().Msg("shutdown complete")
}
