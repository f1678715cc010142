package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/qqmusic_downloader/internal/cleanup"
	"github.com/italolelis/qqmusic_downloader/internal/config"
	"github.com/italolelis/qqmusic_downloader/internal/downloader"
	"github.com/italolelis/qqmusic_downloader/internal/http/rest"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/notifier"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, withHistory())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := logctx.LoggerFromContext(ctx)
	cfg := a.cfg

	server := setupServer(ctx, a)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	g.Go(func() error {
		return cleanup.Run(gctx, cfg.MusicDir(), cfg.CleanupInterval, cfg.StaleTempAfter)
	})

	g.Go(func() error {
		notifyEvents(gctx, a.dl, buildNotifier(cfg))

		return nil
	})

	logger.Info("waiting for downloads...",
		"music_dir", cfg.MusicDir(),
		"lyrics_dir", cfg.LyricsDir(),
		"default_quality", cfg.Quality(),
	)

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app) *http.Server {
	cfg := a.cfg

	h := rest.NewDownloadHandler(ctx, a.catalog, a.dl, cfg.Quality(),
		rest.WithBasicAuth(cfg.Web.Username, cfg.Web.Password),
		rest.WithHistory(a.history),
		rest.WithMetrics(a.tel.Handler()),
	)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(a.tel.Middleware)
	r.Use(middleware.Recoverer)
	r.Mount("/api", h.Routes())

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

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.NopNotifier{}
	}

	return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
}

// notifyEvents forwards downloader events to notif until ctx is done.
func notifyEvents(ctx context.Context, dl *downloader.Downloader, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	send := func(content string) {
		if err := notif.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dl.OnDownloadFinished:
			if !ok {
				return
			}

			logger.Info("download finished", "task_id", ev.TaskID, "song", ev.Song.Filename(), "file", ev.FilePath)
			send("✅ Download finished: " + ev.Song.Filename())
		case ev, ok := <-dl.OnDownloadFailed:
			if !ok {
				return
			}

			logger.Warn("download did not complete", "task_id", ev.TaskID, "song", ev.Song.Filename(), "status", ev.Status)
			send("❌ Download " + ev.Status + ": " + ev.Song.Filename())
		case res, ok := <-dl.OnBatchFinished:
			if !ok {
				return
			}

			send(fmt.Sprintf("📦 Batch finished: %d of %d downloaded", len(res.Succeeded), res.Requested))
		}
	}
}
