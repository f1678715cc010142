package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/storage"
)

const defaultHistoryLimit = 100

type DownloadRepository struct {
	db         *sql.DB
	instanceID string
	now        func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		db:         dbConn,
		instanceID: storage.GenerateInstanceID(),
		now:        time.Now,
	}
}

// GetDownloads returns the most recent downloads first.
func (r *DownloadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT
			id,
			task_id,
			song_mid,
			title,
			singer,
			quality,
			file_path,
			status,
			instance_id,
			started_at,
			finished_at
		FROM downloads
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	downloads := []storage.DownloadRecord{}

	for rows.Next() {
		var record storage.DownloadRecord

		var filePath, finishedAt sql.NullString

		err := rows.Scan(
			&record.ID,
			&record.TaskID,
			&record.SongMID,
			&record.Title,
			&record.Singer,
			&record.Quality,
			&filePath,
			&record.Status,
			&record.InstanceID,
			&record.StartedAt,
			&finishedAt,
		)
		if err != nil {
			return nil, err
		}

		record.FilePath = filePath.String
		record.FinishedAt = finishedAt.String

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// TrackDownload inserts a new history row for a task that is starting.
func (r *DownloadRepository) TrackDownload(ctx context.Context, record storage.DownloadRecord) error {
	status := record.Status
	if status == "" {
		status = storage.StatusDownloading
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (task_id, song_mid, title, singer, quality, file_path, status, instance_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TaskID, record.SongMID, record.Title, record.Singer, record.Quality, record.FilePath,
		status, r.instanceID, r.now().Format(time.RFC3339),
	)

	return err
}

// UpdateDownloadStatus sets the final status of a task. An empty filePath
// keeps the stored one.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, taskID, status, filePath string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads
		SET status = ?, file_path = COALESCE(NULLIF(?, ''), file_path), finished_at = ?
		WHERE task_id = ?`,
		status, filePath, r.now().Format(time.RFC3339), taskID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
