package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/logctx"
)

const tempSuffix = ".tmp"

// DeleteStaleTempFiles removes partial downloads in dir whose last write is
// older than olderThan and returns how many were deleted.
func DeleteStaleTempFiles(ctx context.Context, dir string, olderThan time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tempSuffix) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", filePath, "err", err)

			return deleted, err
		}

		if now.Sub(info.ModTime()) <= olderThan {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Error("failed to delete stale temp file", "file", filePath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("deleted stale temp file", "file", filePath, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return deleted, nil
}

// Run sweeps dir every interval until ctx is done.
func Run(ctx context.Context, dir string, interval, olderThan time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := DeleteStaleTempFiles(ctx, dir, olderThan); err != nil {
			logger.Error("temp file cleanup failed", "dir", dir, "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down temp file cleanup")

			return nil
		case <-ticker.C:
		}
	}
}
