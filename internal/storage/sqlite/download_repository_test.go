package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/storage"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	return NewInstrumentedDownloadRepository(db, tel)
}

func TestDownloadRepository_History(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.repo.now = func() time.Time { return fixed }

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		TaskID:  "task-1",
		SongMID: "0039MnYb0qxYhV",
		Title:   "晴天",
		Singer:  "周杰伦",
		Quality: 2,
	}))
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		TaskID:  "task-2",
		SongMID: "002",
		Title:   "稻香",
		Singer:  "周杰伦",
		Quality: 1,
	}))

	require.NoError(t, repo.UpdateDownloadStatus(ctx, "task-1", storage.StatusCompleted, "/music/晴天 - 周杰伦.mp3"))
	require.NoError(t, repo.UpdateDownloadStatus(ctx, "task-2", storage.StatusFailed, ""))

	records, err := repo.GetDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// newest first
	assert.Equal(t, "task-2", records[0].TaskID)
	assert.Equal(t, storage.StatusFailed, records[0].Status)
	assert.Empty(t, records[0].FilePath)

	first := records[1]
	assert.Equal(t, "task-1", first.TaskID)
	assert.Equal(t, "晴天", first.Title)
	assert.Equal(t, 2, first.Quality)
	assert.Equal(t, storage.StatusCompleted, first.Status)
	assert.Equal(t, "/music/晴天 - 周杰伦.mp3", first.FilePath)
	assert.Equal(t, "2024-05-01T12:00:00Z", first.StartedAt)
	assert.Equal(t, "2024-05-01T12:00:00Z", first.FinishedAt)
	assert.NotEmpty(t, first.InstanceID)
}

func TestDownloadRepository_Limit(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{TaskID: id}))
	}

	records, err := repo.GetDownloads(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].TaskID)
	assert.Equal(t, storage.StatusDownloading, records[0].Status)
	assert.Empty(t, records[0].FinishedAt)
}

func TestDownloadRepository_Empty(t *testing.T) {
	records, err := newTestRepo(t).GetDownloads(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestDownloadRepository_UpdateUnknownTask(t *testing.T) {
	err := newTestRepo(t).UpdateDownloadStatus(context.Background(), "missing", storage.StatusCompleted, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_DuplicateTaskID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{TaskID: "dup"}))
	assert.Error(t, repo.TrackDownload(ctx, storage.DownloadRecord{TaskID: "dup"}))
}
