package downloader

import (
	"slices"
	"sync"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
)

// TaskStatus is the lifecycle of a Task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Task is one registered song transfer.
type Task struct {
	ID        string
	Index     int
	Song      music.Song
	Quality   music.Quality
	StartedAt time.Time

	gate *transfer.Gate

	mu       sync.Mutex
	status   TaskStatus
	progress Progress
}

// Progress is the latest transfer report of a task.
type Progress struct {
	Done    int64   `json:"done"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
	KBps    float64 `json:"kbps"`
	ETA     float64 `json:"eta_seconds"`
}

// Status returns the current lifecycle state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *Task) setStatus(s TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = s
}

// TaskSnapshot is the read-only view of a Task.
type TaskSnapshot struct {
	ID        string        `json:"id"`
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Singer    string        `json:"singer"`
	Quality   music.Quality `json:"quality"`
	Status    TaskStatus    `json:"status"`
	Progress  Progress      `json:"progress"`
	Paused    bool          `json:"paused"`
	StartedAt time.Time     `json:"started_at"`
}

func (t *Task) snapshot() TaskSnapshot {
	t.mu.Lock()
	status, progress := t.status, t.progress
	t.mu.Unlock()

	return TaskSnapshot{
		ID:        t.ID,
		Index:     t.Index,
		Name:      t.Song.Name,
		Singer:    t.Song.Singer,
		Quality:   t.Quality,
		Status:    status,
		Progress:  progress,
		Paused:    !t.gate.IsOpen(),
		StartedAt: t.StartedAt,
	}
}

// taskSink records progress on the task before forwarding it.
type taskSink struct {
	task *Task
	next transfer.ProgressSink
}

func (s taskSink) OnBytes(done, total int64) {
	s.task.mu.Lock()
	s.task.progress.Done = done
	s.task.progress.Total = total
	s.task.mu.Unlock()

	if bs, ok := s.next.(transfer.ByteSink); ok {
		bs.OnBytes(done, total)
	}
}

func (s taskSink) OnProgress(percent, kbps, eta float64) {
	s.task.mu.Lock()
	s.task.progress.Percent = percent
	s.task.progress.KBps = kbps
	s.task.progress.ETA = eta
	s.task.mu.Unlock()

	s.next.OnProgress(percent, kbps, eta)
}

func (s taskSink) OnStatus(message string) {
	s.next.OnStatus(message)
}

func sortSnapshots(s []TaskSnapshot) {
	slices.SortFunc(s, func(a, b TaskSnapshot) int { return a.Index - b.Index })
}

// Event reports a finished task.
type Event struct {
	TaskID   string
	Index    int
	Song     music.Song
	Quality  music.Quality
	Status   string // a storage.Status* value
	FilePath string
	At       time.Time
}

// BatchResult summarizes a batch. Failures holds song titles, or "#<index>"
// when the index could not be resolved to a song.
type BatchResult struct {
	Requested int      `json:"requested"`
	Succeeded []string `json:"succeeded"`
	Failures  []string `json:"failures"`
	Empty     bool     `json:"empty"`
	Canceled  bool     `json:"canceled"`
}

// OK reports whether a non-empty batch finished without failures.
func (r BatchResult) OK() bool {
	return !r.Empty && !r.Canceled && len(r.Failures) == 0
}
