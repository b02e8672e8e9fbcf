// main package for the voice-clone-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/cleanup"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fault"
	"github.com/book-expert/voice-clone-service/internal/hfhub"
	"github.com/book-expert/voice-clone-service/internal/httpapi"
	"github.com/book-expert/voice-clone-service/internal/langdetect"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/observability"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/reference"
	"github.com/book-expert/voice-clone-service/internal/synthesis"
	"github.com/book-expert/voice-clone-service/internal/validation"
	"github.com/book-expert/voice-clone-service/internal/worker"
	"github.com/book-expert/voice-clone-service/internal/xtts"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
)

const (
	outputFileName     = "output.wav"
	healthCheckWindow  = 10 * time.Second
	readHeaderTimeout  = 10 * time.Second
	sweepsPerRetention = 4
)

// ErrUnknownOption indicates an unsupported backend or restart mode.
var ErrUnknownOption = errors.New("unknown configuration option")

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), "voice-clone-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// Secrets may come from a local .env file; its absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "voice-clone-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	js, err := jetstream.New(natsConnection)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	audioStore, err := objectstore.New(ctx, js, cfg.NATS.AudioObjectStoreName)
	if err != nil {
		return err
	}

	datasetStore, closeDataset, err := buildDatasetStore(ctx, cfg, js)
	if err != nil {
		return err
	}
	defer closeDataset()

	restarter, err := buildRestarter(cfg, log)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace, nil)

	service, err := buildPipeline(ctx, cfg, datasetStore, restarter, metrics, log)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Options{
		Predictor:      service,
		Languages:      validation.SupportedLanguages,
		Limits:         validation.Limits{MinChars: cfg.Validation.MinChars, MaxChars: cfg.Validation.MaxChars},
		UploadDir:      cfg.Reference.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		Metrics:        metrics.Handler(),
		Log:            log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, cfg.NATS.SynthesisSubject, audioStore, service,
		cfg.Reference.UploadDir, cfg.ModelTimeout(), log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("Voice-clone service listening on %s and subject %s", cfg.Server.BindAddr, cfg.NATS.SynthesisSubject)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		listenErr := httpServer.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", listenErr)
		}

		return nil
	})

	group.Go(func() error {
		return natsWorker.Run(groupCtx)
	})

	group.Go(func() error {
		retention := cfg.UploadRetention()
		reference.RunSweeper(groupCtx, cfg.Reference.UploadDir, retention, retention/sweepsPerRetention, log)

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), cfg.ShutdownTimeout())
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	waitErr := group.Wait()

	log.System("Voice-clone service stopped")

	return waitErr
}

func buildPipeline(
	ctx context.Context,
	cfg *config.Config,
	datasetStore core.ObjectStore,
	restarter core.Restarter,
	metrics *observability.Metrics,
	log *logger.Logger,
) (*pipeline.Service, error) {
	model := xtts.NewClient(cfg.Model.ServiceURL, cfg.ModelTimeout(), cfg.Model.StreamChunkSize)

	healthCtx, cancel := context.WithTimeout(ctx, healthCheckWindow)
	defer cancel()

	healthErr := model.HealthCheck(healthCtx)
	if healthErr != nil {
		log.Warn("XTTS server at %s is not reachable yet: %v", cfg.Model.ServiceURL, healthErr)
	}

	cleanser, err := cleanup.NewFFmpegCleanser(cfg.Cleanup.BinaryPath, cleanup.FilterSpec{
		Bandpass:         !cfg.Cleanup.SkipBandpass,
		HighPassHz:       cfg.Cleanup.HighPassHz,
		LowPassHz:        cfg.Cleanup.LowPassHz,
		TrimSilence:      !cfg.Cleanup.SkipTrimSilence,
		SilenceThreshold: cfg.Cleanup.SilenceThreshold,
	}, cfg.CleanupTimeout(), metrics, log)
	if err != nil {
		return nil, fmt.Errorf("failed to configure cleanup filter: %w", err)
	}

	orchestrator, err := synthesis.NewOrchestrator(
		model, filepath.Join(cfg.Paths.OutputDir, outputFileName), cfg.Model.SampleRate, nil, log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	recorder, err := fault.NewRecorder(fault.NewState(), datasetStore, restarter, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create fault recorder: %w", err)
	}

	service, err := pipeline.NewService(pipeline.Options{
		Validator: validation.NewValidator(validation.SupportedLanguages, validation.Limits{
			MinChars: cfg.Validation.MinChars,
			MaxChars: cfg.Validation.MaxChars,
		}),
		Gate:             langdetect.NewGate(langdetect.NewLinguaClassifier(), cfg.Validation.AutoDetectAbove),
		Cleanser:         cleanser,
		Synthesizer:      orchestrator,
		Recorder:         recorder,
		Observer:         metrics,
		DefaultReference: cfg.Reference.DefaultPath,
		WaveformBuckets:  pipeline.DefaultWaveformBuckets,
		Now:              time.Now,
		Log:              log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return service, nil
}

// buildDatasetStore opens the store flagged requests are written to and
// returns the function that releases it.
func buildDatasetStore(
	ctx context.Context,
	cfg *config.Config,
	js jetstream.JetStream,
) (core.ObjectStore, func(), error) {
	noop := func() {}

	switch cfg.Dataset.Backend {
	case config.DatasetBackendNATS:
		store, err := objectstore.New(ctx, js, cfg.NATS.FlaggedBucket)
		if err != nil {
			return nil, noop, err
		}

		return store, noop, nil
	case config.DatasetBackendHuggingFace:
		store, err := hfhub.NewDatasetStore(cfg.Dataset.HubURL, cfg.Dataset.RepoID, cfg.Dataset.Token, nil)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to configure Hub dataset store: %w", err)
		}

		return store, noop, nil
	case config.DatasetBackendPostgres:
		store, err := objectstore.NewPostgresStore(ctx, cfg.Dataset.DSN)
		if err != nil {
			return nil, noop, err
		}

		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: dataset backend %q", ErrUnknownOption, cfg.Dataset.Backend)
	}
}

func buildRestarter(cfg *config.Config, log *logger.Logger) (core.Restarter, error) {
	switch cfg.Hosting.RestartMode {
	case config.RestartModeSpace:
		restarter, err := hfhub.NewSpaceRestarter(cfg.Dataset.HubURL, cfg.Hosting.SpaceID, cfg.Dataset.Token, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Space restarter: %w", err)
		}

		return restarter, nil
	case config.RestartModeExit:
		return fault.NewExitRestarter(cfg.Hosting.ExitCode, nil, log), nil
	default:
		return nil, fmt.Errorf("%w: restart mode %q", ErrUnknownOption, cfg.Hosting.RestartMode)
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
