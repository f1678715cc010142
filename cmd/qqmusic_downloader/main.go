package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/qqmusic_downloader/internal/config"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/spf13/cobra"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	dir string
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "qqmusic_downloader",
		Short:         "Search and download songs from QQ Music",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			if opts.dir != "" {
				cfg.DownloadDir = opts.dir
			}

			format := cfg.LogFormat
			if format == "" {
				format = logctx.FormatText
				if cmd.Name() == "serve" {
					format = logctx.FormatJSON
				}
			}

			logger := logctx.New(os.Stderr, format, cfg.SlogLevel())
			slog.SetDefault(logger)

			opts.cfg = cfg
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "base download directory (overrides DOWNLOAD_DIR)")

	cmd.AddCommand(
		newValidateCmd(opts),
		newSearchCmd(opts),
		newDownloadCmd(opts),
		newServeCmd(opts),
	)

	return cmd
}
