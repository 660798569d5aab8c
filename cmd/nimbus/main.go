package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/giovanniandreuzza/nimbus/internal/cleanup"
	"github.com/giovanniandreuzza/nimbus/internal/config"
	"github.com/giovanniandreuzza/nimbus/internal/downloader"
	"github.com/giovanniandreuzza/nimbus/internal/events"
	"github.com/giovanniandreuzza/nimbus/internal/http/client"
	"github.com/giovanniandreuzza/nimbus/internal/http/rest"
	"github.com/giovanniandreuzza/nimbus/internal/localfs"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/manager"
	"github.com/giovanniandreuzza/nimbus/internal/notifier"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/storage/filestore"
	"github.com/giovanniandreuzza/nimbus/internal/storage/sqlite"
	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("nimbus starting...", "log_level", cfg.LogLevel, "store_driver", cfg.StoreDriver)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Storage
	files := localfs.New(afero.NewOsFs())

	repo, closeRepo, err := openRepository(cfg, files)
	if err != nil {
		return err
	}
	defer closeRepo()

	instrumentedRepo := storage.NewInstrumentedRepository(repo, tel)

	// =========================================================================
	// Start Downloads
	httpClient := client.NewClient(client.Options{
		Timeout:         cfg.HTTPTimeout,
		RetryAttempts:   cfg.HTTPRetryAttempts,
		RetryBackoff:    500 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Second,
	})
	transport := transfer.NewInstrumentedTransport(httpClient, tel, "http")

	scheduler := downloader.NewScheduler(transport, files, tel, downloader.Config{
		MaxParallel:      cfg.MaxParallel,
		NotifyEveryBytes: cfg.NotifyEveryBytes,
		BufferSize:       cfg.BufferSize,
	})

	bus := events.NewBus()
	downloads := manager.New(instrumentedRepo, bus, transport, files, scheduler, tel)

	if err := downloads.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore downloads: %w", err)
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		notif := &notifier.DiscordNotifier{
			WebhookURL: cfg.DiscordWebhookURL,
			Client: &http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		}

		unsubscribe := notifier.Subscribe(bus, downloads, notif)
		defer unsubscribe()
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, downloads, tel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(ctx, downloads, cfg.SweepInterval, cfg.KeepFinishedFor)

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_parallel", cfg.MaxParallel,
		"sweep_interval", cfg.SweepInterval.String(),
		"retention", cfg.KeepFinishedFor.String(),
	)

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		var errs []error

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
			}
		}

		if err := downloads.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("could not stop downloads: %w", err))
		}

		return errors.Join(errs...)
	})

	return g.Wait()
}

// openRepository builds the task store selected by STORE_DRIVER.
func openRepository(cfg *config.Config, files transfer.Storage) (storage.TaskRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}

		return sqlite.NewTaskRepository(database, files), func() { database.Close() }, nil
	default:
		store, err := filestore.Open(cfg.StorePath, files)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}

		return store, func() { store.Close() }, nil
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, downloads *manager.Manager, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewDownloadsHandler(downloads, cfg.DownloadDir, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
