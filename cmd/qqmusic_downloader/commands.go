package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/spf13/cobra"
)

var errDownloadFailed = errors.New("download failed")

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the configured session cookie is accepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if !a.catalog.ValidateSession(ctx) {
				return errors.New("session is not valid, refresh QQMUSIC_COOKIE")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "session is valid (uin %s)\n", a.catalog.Auth().UIN)

			return nil
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			songs, err := a.dl.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if len(songs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")

				return nil
			}

			renderSongs(cmd.OutOrStdout(), songs)

			return nil
		},
	}
}

type downloadFlags struct {
	picks   string
	quality int
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var flags downloadFlags

	cmd := &cobra.Command{
		Use:   "download <keyword>",
		Short: "Search, then download the picked results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logctx.LoggerFromContext(ctx)

			picks, err := parsePicks(flags.picks)
			if err != nil {
				return err
			}

			quality := opts.cfg.Quality()
			if flags.quality != 0 {
				quality = music.Quality(flags.quality)
				if !quality.Valid() {
					return fmt.Errorf("invalid quality %d: expected 1, 2 or 3", flags.quality)
				}
			}

			a, err := newApp(ctx, opts.cfg, withHistory())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			songs, err := a.dl.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			out := cmd.OutOrStdout()
			renderSongs(out, songs)

			if quality.MayServeM4A() {
				fmt.Fprintf(out, "note: %s may still be served as m4a for some tracks\n", quality)
			}

			sink := newBarSink(cmd.ErrOrStderr())

			if len(picks) == 1 {
				ok, err := a.dl.DownloadSong(ctx, picks[0], quality, sink)
				if err != nil {
					return err
				}

				if !ok {
					return errDownloadFailed
				}

				fmt.Fprintf(out, "saved %s to %s\n", songs[picks[0]].Filename(), a.cfg.MusicDir())

				return nil
			}

			result, err := a.dl.BatchDownload(ctx, picks, quality, sink)
			if err != nil {
				return err
			}

			logger.Info("batch finished",
				"requested", result.Requested,
				"succeeded", len(result.Succeeded),
				"failed", len(result.Failures),
				"canceled", result.Canceled,
			)

			fmt.Fprintf(out, "%d of %d downloaded to %s\n", len(result.Succeeded), result.Requested, a.cfg.MusicDir())

			for _, name := range result.Failures {
				fmt.Fprintf(out, "failed: %s\n", name)
			}

			if !result.OK() {
				return errDownloadFailed
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.picks, "pick", "p", "1", "1-based result numbers, e.g. 1,3,5-7")
	cmd.Flags().IntVarP(&flags.quality, "quality", "q", 0, "1 standard, 2 high, 3 lossless (default DEFAULT_QUALITY)")

	return cmd
}
