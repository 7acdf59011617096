package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/cleanup"
	"github.com/ackermanmoriii/Idontknow/internal/config"
	"github.com/ackermanmoriii/Idontknow/internal/cookies"
	"github.com/ackermanmoriii/Idontknow/internal/delivery"
	"github.com/ackermanmoriii/Idontknow/internal/downloader"
	"github.com/ackermanmoriii/Idontknow/internal/extractor"
	"github.com/ackermanmoriii/Idontknow/internal/http/rest"
	"github.com/ackermanmoriii/Idontknow/internal/http/web"
	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/notifier"
	"github.com/ackermanmoriii/Idontknow/internal/session"
	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/storage/memory"
	"github.com/ackermanmoriii/Idontknow/internal/storage/sqlite"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const systemMetricsInterval = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("songfetch starting...", "log_level", cfg.LogLevel, "version", cfg.Telemetry.ServiceVersion)

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
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Prepare Extractor
	if ok, err := cookies.Ensure(ctx, cfg.CookieFile, cfg.YoutubeCookies); err != nil {
		logger.Warn("failed to write cookie jar, continuing without it", "err", err)
	} else if ok {
		logger.Info("using cookie jar", "file", cfg.CookieFile)
	}

	if cfg.Extractor.AutoInstall {
		if err := extractor.Install(ctx); err != nil {
			return err
		}
	}

	engine := extractor.NewInstrumentedEngine(extractor.NewYtdlp(extractor.Options{
		Executable:          cfg.Extractor.Executable,
		Format:              cfg.Extractor.Format,
		CookieFile:          cfg.CookieFile,
		SourceAddress:       cfg.Extractor.SourceAddress,
		SocketTimeout:       cfg.Extractor.SocketTimeout,
		Retries:             cfg.Extractor.Retries,
		FragmentRetries:     cfg.Extractor.FragmentRetries,
		RetrySleep:          cfg.Extractor.RetrySleep,
		HTTPChunkSize:       cfg.Extractor.HTTPChunkSize,
		ConcurrentFragments: cfg.Extractor.ConcurrentFragments,
		LimitRate:           cfg.Extractor.LimitRate,
	}), tel, "")

	// =========================================================================
	// Start Storage
	store, err := session.NewStore(cfg.DownloadDir)
	if err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}

	registry, closeRegistry, err := buildRegistry(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build status registry: %w", err)
	}
	defer closeRegistry()

	// =========================================================================
	// Start Downloader
	dl := downloader.NewDownloader(engine, registry, store, tel, cfg.JobTimeout)

	waiter := delivery.NewWaiter(registry, store, delivery.Config{
		FetchPollInterval:  cfg.Fetch.PollInterval,
		FetchMaxWait:       cfg.Fetch.MaxWait,
		StreamPollInterval: cfg.Stream.PollInterval,
		StreamMaxWait:      cfg.Stream.MaxWait,
		StreamMinBytes:     cfg.Stream.MinBytes,
		ChunkSize:          cfg.Stream.ChunkSize,
		TailInterval:       cfg.Stream.TailInterval,
		IdleTimeout:        cfg.Stream.IdleTimeout,
	}, tel)

	// =========================================================================
	// Start Cleanup
	reaper := cleanup.NewReaper(store.Dir(), cfg.KeepDownloadedFor, cfg.CleanupInterval, cfg.RegistryTTL, tel)
	reaper.AddEvictor("registry", registry)
	reaper.AddEvictor("jobs", dl)

	// =========================================================================
	// Start API Service
	page, err := web.NewHandler("")
	if err != nil {
		return fmt.Errorf("failed to setup web handler: %w", err)
	}

	songs := rest.NewSongHandler(engine, store, dl, waiter, tel, cfg.Extractor.SearchLimit, cfg.AttachmentName)
	server := setupServer(ctx, cfg, tel, songs, page)

	logger.Info("waiting for requests...",
		"download_dir", store.Dir(),
		"retention", cfg.KeepDownloadedFor.String(),
		"cleanup_interval", cfg.CleanupInterval.String(),
		"registry", cfg.RegistryBackend,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		reaper.Run(gctx)

		return nil
	})

	g.Go(func() error {
		tel.CollectSystemMetrics(gctx, systemMetricsInterval, store.Usage)

		return nil
	})

	g.Go(func() error {
		notifyFailures(gctx, dl, buildNotifier(cfg))

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := dl.Shutdown(shutdownCtx); err != nil {
			logger.Warn("downloads cancelled during shutdown", "err", err)
		}

		return nil
	})

	return g.Wait()
}

// buildRegistry picks the status registry backend. The returned func
// releases its resources.
func buildRegistry(cfg *config.Config, tel *telemetry.Telemetry) (storage.StatusRegistry, func(), error) {
	switch cfg.RegistryBackend {
	case "memory":
		return memory.NewRegistry(), func() {}, nil
	case "sqlite":
		database, err := sqlite.InitDB(cfg.RegistryDSN)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewInstrumentedRegistry(database, tel), func() { closeDB(database) }, nil
	}

	return nil, nil, fmt.Errorf("invalid registry backend: %s", cfg.RegistryBackend)
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close registry database", "err", err)
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL != "" {
		return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	return notifier.Nop{}
}

func notifyFailures(ctx context.Context, dl *downloader.Downloader, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-dl.OnJobFailed:
			logger.Error("song download failed", "file_id", job.FileID, "url", job.SourceURL, "err", job.Err())

			if err := notif.Notify(ctx, notifier.DownloadFailed(job.SourceURL, job.Err())); err != nil {
				logger.Error("failed to send notification", "file_id", job.FileID, "err", err)
			}
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, songs *rest.SongHandler, page *web.Handler) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())

	songRoutes := songs.Routes()
	for _, p := range []string{"/search", "/fetch_song", "/stream_song", "/end_session"} {
		r.Handle(p, songRoutes)
	}

	r.Mount("/", page.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
