package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/italolelis/qqmusic_downloader/internal/auth"
	"github.com/italolelis/qqmusic_downloader/internal/catalog"
	"github.com/italolelis/qqmusic_downloader/internal/config"
	"github.com/italolelis/qqmusic_downloader/internal/cryptobridge"
	"github.com/italolelis/qqmusic_downloader/internal/downloader"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/storage/sqlite"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	sidecar *cryptobridge.Sidecar
	catalog *catalog.Client
	engine  *transfer.Engine
	db      *sql.DB
	history *sqlite.InstrumentedDownloadRepository
	dl      *downloader.Downloader
}

type appOptions struct {
	history bool
}

type appOption func(*appOptions)

// withHistory opens the download history database.
func withHistory() appOption {
	return func(o *appOptions) { o.history = true }
}

func newApp(ctx context.Context, cfg *config.Config, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.RequireCookie(); err != nil {
		return nil, err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel}

	a.sidecar = cryptobridge.NewNodeSidecar(cfg.Crypto.NodePath, cfg.Crypto.ScriptPath,
		cryptobridge.WithTimeout(cfg.Crypto.Timeout),
		cryptobridge.WithLogger(logctx.LoggerFromContext(ctx).With("component", "crypto_sidecar")))

	a.catalog = catalog.NewClient(
		auth.New(cfg.Cookie),
		cryptobridge.NewInstrumentedBridge(a.sidecar, tel),
		catalog.WithHTTPClient(vendorHTTPClient(cfg)),
		catalog.WithRetry(cfg.RetryTimes, cfg.RetryDelay),
		catalog.WithTelemetry(tel),
	)

	a.engine = transfer.NewEngine(cfg.MusicDir(), cfg.LyricsDir(), a.catalog,
		transfer.WithHTTPClient(cdnHTTPClient(cfg)),
		transfer.WithHeaders(a.catalog.BrowserHeaders()),
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithRateLimit(cfg.RateLimit),
		transfer.WithTelemetry(tel),
	)

	dlOpts := []downloader.Option{downloader.WithTelemetry(tel)}

	if o.history {
		a.db, err = sqlite.InitDB(cfg.DBPath)
		if err != nil {
			a.Close(ctx)

			return nil, fmt.Errorf("failed to open history database: %w", err)
		}

		a.history = sqlite.NewInstrumentedDownloadRepository(a.db, tel)
		dlOpts = append(dlOpts, downloader.WithHistory(a.history))
	}

	a.dl = downloader.New(a.catalog, a.engine, dlOpts...)

	logctx.LoggerFromContext(ctx).Debug("application wired",
		"music_dir", cfg.MusicDir(),
		"lyrics_dir", cfg.LyricsDir(),
		"quality", cfg.Quality(),
		"history", o.history,
	)

	return a, nil
}

// Close waits for a running download, then stops the sidecar and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if a.dl != nil {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
		err := a.dl.Wait(waitCtx)
		cancel()

		if err != nil {
			logger.Warn("download still running at exit", "err", err)
		} else {
			a.dl.Close()
		}
	}

	var errs []error

	if a.sidecar != nil {
		errs = append(errs, a.sidecar.Close())
	}

	if a.db != nil {
		errs = append(errs, a.db.Close())
	}

	errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))

	if err := errors.Join(errs...); err != nil {
		logger.Error("failed to release resources", "err", err)
	}
}

// vendorHTTPClient is used for signed catalog calls, which are short.
func vendorHTTPClient(cfg *config.Config) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.Telemetry.Enabled {
		rt = otelhttp.NewTransport(rt)
	}

	return &http.Client{Timeout: cfg.HTTPTimeout, Transport: rt}
}

// cdnHTTPClient bounds only the wait for response headers so that large
// lossless files are not cut off mid-stream.
func cdnHTTPClient(cfg *config.Config) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.HTTPTimeout

	var rt http.RoundTripper = t
	if cfg.Telemetry.Enabled {
		rt = otelhttp.NewTransport(rt)
	}

	return &http.Client{Transport: rt}
}
