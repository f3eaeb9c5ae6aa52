package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshubenok/audio-transcription-service/internal/classifier"
	"github.com/dshubenok/audio-transcription-service/internal/config"
	"github.com/dshubenok/audio-transcription-service/internal/dispatch"
	"github.com/dshubenok/audio-transcription-service/internal/metrics"
	"github.com/dshubenok/audio-transcription-service/internal/server"
	"github.com/dshubenok/audio-transcription-service/internal/session"
	"github.com/dshubenok/audio-transcription-service/internal/transcription"
	"github.com/dshubenok/audio-transcription-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audio-transcription-service"
	serviceVersion    = "1.0.0"
)

var (
	configPath string
	logLevel   string
	port       int
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Streaming audio transcription server",
	Long:          `Accepts binary audio chunks over WebSocket, processes them on a bounded worker pool and streams transcripts back to each client.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.Flags().IntVar(&port, "port", 0, "Override server.port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides. A missing
// default file falls back to built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.Default()
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run wires the pipeline and blocks until ctx is cancelled or the HTTP server fails
func run(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("websocket_path", cfg.WebSocket.Path),
		slog.Int("min_audio_size", cfg.WebSocket.MinAudioSize),
		slog.Duration("dispatch_timeout", cfg.WebSocket.GetTimeoutDuration()),
		slog.Int("pool_size", cfg.Workers.PoolSize),
		slog.Int("queue_size", cfg.Workers.QueueSize),
		slog.String("processor_mode", cfg.Processor.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	processor, client, err := newProcessor(cfg)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(worker.PoolConfig{
		Size:         cfg.Workers.PoolSize,
		QueueSize:    cfg.Workers.QueueSize,
		ResultBuffer: cfg.Workers.ResultBuffer,
	}, processor, logger.With(slog.String("component", "worker_pool")))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	router := dispatch.NewRouter(pool, logger.With(slog.String("component", "router")),
		dispatch.WithObserver(appMetrics))

	sessions := session.NewManager(session.Config{
		MinAudioSize:    cfg.WebSocket.MinAudioSize,
		DispatchTimeout: cfg.WebSocket.GetTimeoutDuration(),
		Language:        cfg.WebSocket.Language,
	}, router, logger.With(slog.String("component", "sessions")),
		session.WithRecorder(appMetrics))

	deps := server.Dependencies{
		Sessions: sessions,
		Pool:     pool,
		Router:   router,
		Metrics:  appMetrics,
	}
	if client != nil {
		deps.Transcription = client
	}
	httpServer := server.NewHTTPServer(cfg, deps, logger.With(slog.String("component", "http")))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")
		shutdown(logger, cfg, httpServer, sessions, router, pool, client)
		return nil
	})

	err = g.Wait()

	stats := pool.Stats()
	logger.Info("Final worker statistics",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("processed", stats.Processed),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("rejected", stats.Rejected),
	)
	logger.Info("Service stopped")

	return err
}

// shutdown stops components in dependency order: no new connections, then no
// new chunks, then no new results, then the workers themselves
func shutdown(logger *slog.Logger, cfg *config.Config, httpServer *server.HTTPServer,
	sessions *session.Manager, router *dispatch.Router, pool *worker.Pool, client *transcription.Client) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := sessions.Close(ctx); err != nil {
		logger.Error("Error closing sessions", slog.String("error", err.Error()))
	}

	router.Close()

	if err := pool.Stop(cfg.Workers.GetShutdownTimeoutDuration()); err != nil {
		logger.Warn("Worker pool did not drain", slog.String("error", err.Error()))
	}

	if client != nil {
		if err := client.Close(ctx); err != nil {
			logger.Warn("Transcription client did not drain", slog.String("error", err.Error()))
		}
	}
}

// newProcessor builds what workers run for each chunk. The transcription
// client is returned separately so its statistics can be exposed.
func newProcessor(cfg *config.Config) (worker.Processor, *transcription.Client, error) {
	if cfg.Processor.Mode == config.ProcessorModeHTTP {
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Processor.Endpoint,
			APIKey:        cfg.Processor.APIKey,
			Language:      cfg.WebSocket.Language,
			AudioFormat:   cfg.Processor.AudioFormat,
			SampleRate:    cfg.Processor.SampleRate,
			Timeout:       cfg.Processor.GetTimeoutDuration(),
			MaxRetries:    cfg.Processor.MaxRetries,
			MaxConcurrent: cfg.Processor.MaxConcurrent,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create transcription client: %w", err)
		}
		return client, client, nil
	}

	clf, err := classifier.New(classifier.Thresholds{
		Short:  cfg.Classifier.Thresholds.Short,
		Medium: cfg.Classifier.Thresholds.Medium,
		Long:   cfg.Classifier.Thresholds.Long,
	}, classifier.Texts{
		classifier.CategoryTooSmall: cfg.Classifier.Transcripts.TooSmall,
		classifier.CategoryShort:    cfg.Classifier.Transcripts.Short,
		classifier.CategoryMedium:   cfg.Classifier.Transcripts.Medium,
		classifier.CategoryLong:     cfg.Classifier.Transcripts.Long,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	return &worker.MockProcessor{Classifier: clf, Language: cfg.WebSocket.Language}, nil, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
