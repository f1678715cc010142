package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
)

// Download statuses.
const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// ErrNotFound is returned when no history row matches a task.
var ErrNotFound = errors.New("download not found")

// DownloadRecord is one row of download history.
type DownloadRecord struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	SongMID    string `json:"songmid"`
	Title      string `json:"title"`
	Singer     string `json:"singer"`
	Quality    int    `json:"quality"`
	FilePath   string `json:"file_path"`
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, record DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, taskID, status, filePath string) error
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
