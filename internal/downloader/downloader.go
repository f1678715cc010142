package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/storage"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
	"github.com/samber/lo"
)

const (
	defaultEventBuffer = 16
	dirPerm            = 0755
)

// Catalog is the part of the vendor client the downloader needs.
type Catalog interface {
	Search(ctx context.Context, keyword string) ([]music.Song, error)
	ResolveDownloadURL(ctx context.Context, songMID, mediaMID string, quality music.Quality) (string, bool)
}

// Engine performs one transfer.
type Engine interface {
	Download(ctx context.Context, req transfer.Request, sink transfer.ProgressSink, gates ...*transfer.Gate) (bool, error)
	Dirs() (musicDir, lyricsDir string)
	SetDirs(musicDir, lyricsDir string)
}

type state int

const (
	stateIdle state = iota
	stateSingle
	stateBatch
)

func (s state) String() string {
	switch s {
	case stateSingle:
		return "downloading single"
	case stateBatch:
		return "downloading batch"
	default:
		return "idle"
	}
}

// Downloader runs at most one single or batch download at a time against the
// current search results.
type Downloader struct {
	catalog   Catalog
	engine    Engine
	history   storage.DownloadWriteRepository
	telemetry *telemetry.Telemetry

	mu    sync.Mutex
	state state
	songs []music.Song
	tasks map[int]*Task
	gate  *transfer.Gate

	running sync.WaitGroup
	closed  bool

	OnDownloadFinished chan Event
	OnDownloadFailed   chan Event
	OnBatchFinished    chan BatchResult
}

type Option func(*downloaderOptions)

type downloaderOptions struct {
	history     storage.DownloadWriteRepository
	telemetry   *telemetry.Telemetry
	eventBuffer int
}

// WithHistory records every finished task.
func WithHistory(repo storage.DownloadWriteRepository) Option {
	return func(o *downloaderOptions) { o.history = repo }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *downloaderOptions) { o.telemetry = tel }
}

// WithEventBuffer sets the capacity of the event channels. Events are dropped
// when a channel is full.
func WithEventBuffer(n int) Option {
	return func(o *downloaderOptions) { o.eventBuffer = n }
}

func New(catalog Catalog, engine Engine, opts ...Option) *Downloader {
	o := downloaderOptions{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	return &Downloader{
		catalog:            catalog,
		engine:             engine,
		history:            o.history,
		telemetry:          o.telemetry,
		tasks:              make(map[int]*Task),
		gate:               transfer.NewGate(),
		OnDownloadFinished: make(chan Event, o.eventBuffer),
		OnDownloadFailed:   make(chan Event, o.eventBuffer),
		OnBatchFinished:    make(chan BatchResult, o.eventBuffer),
	}
}

// Wait blocks until the running download or batch returns, or ctx is done.
func (d *Downloader) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the event channels. Later downloads are rejected with
// ErrClosed, and events from a download still running are dropped.
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true

	close(d.OnDownloadFinished)
	close(d.OnDownloadFailed)
	close(d.OnBatchFinished)
}

// Search replaces the current result set.
func (d *Downloader) Search(ctx context.Context, keyword string) ([]music.Song, error) {
	songs, err := d.catalog.Search(ctx, keyword)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	d.SetSongs(songs)

	return songs, nil
}

// SetSongs replaces the current result set without searching.
func (d *Downloader) SetSongs(songs []music.Song) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.songs = append([]music.Song(nil), songs...)
}

// Songs returns a copy of the current result set.
func (d *Downloader) Songs() []music.Song {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]music.Song{}, d.songs...)
}

func (d *Downloader) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state != stateIdle
}

// State describes what the downloader is doing.
func (d *Downloader) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state.String()
}

// DownloadSong downloads the song at index in the current result set.
func (d *Downloader) DownloadSong(ctx context.Context, index int, quality music.Quality, sink transfer.ProgressSink) (bool, error) {
	if sink == nil {
		sink = transfer.NopSink{}
	}

	logger := logctx.LoggerFromContext(ctx).With("index", index)

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return false, ErrClosed
	}

	if d.state != stateIdle {
		current := d.state
		d.mu.Unlock()

		logger.Warn("download rejected, another download is running", "state", current.String())

		return false, ErrBusy
	}

	task, err := newTask(d.songs, index, quality)
	if err != nil {
		d.mu.Unlock()

		logSelectionError(logger, err)

		return false, err
	}

	d.state = stateSingle
	d.registerLocked(task)
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	defer d.setState(stateIdle)

	return d.runTask(ctx, task, sink)
}

// BatchDownload downloads the songs at indices one after another. Duplicate
// indices are dropped and the result set is snapshotted when the batch starts.
func (d *Downloader) BatchDownload(ctx context.Context, indices []int, quality music.Quality, sink transfer.ProgressSink) (BatchResult, error) {
	if sink == nil {
		sink = transfer.NopSink{}
	}

	logger := logctx.LoggerFromContext(ctx)

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()

		return BatchResult{}, ErrClosed
	}

	if d.state != stateIdle {
		current := d.state
		d.mu.Unlock()

		logger.Warn("batch rejected, another download is running", "state", current.String())

		return BatchResult{}, ErrBusy
	}

	indices = lo.Uniq(indices)
	if len(indices) == 0 {
		d.mu.Unlock()

		logger.Info("nothing to do")

		return BatchResult{Empty: true}, nil
	}

	songs := append([]music.Song(nil), d.songs...)
	d.state = stateBatch
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	defer d.setState(stateIdle)

	logger.Info("batch started", "items", len(indices))

	result := BatchResult{Requested: len(indices)}

	var batchErr error

	for _, index := range indices {
		if err := ctx.Err(); err != nil {
			batchErr = &transfer.CanceledError{Filename: "batch", Err: err}

			break
		}

		task, err := newTask(songs, index, quality)
		if err != nil {
			logSelectionError(logger.With("index", index), err)

			result.Failures = append(result.Failures, failureLabel(songs, index))

			continue
		}

		d.register(task)

		ok, err := d.runTask(ctx, task, sink)
		if err != nil {
			result.Failures = append(result.Failures, failureLabel(songs, index))
			batchErr = err

			break
		}

		if !ok {
			result.Failures = append(result.Failures, failureLabel(songs, index))

			continue
		}

		result.Succeeded = append(result.Succeeded, task.Song.Name)
	}

	result.Canceled = batchErr != nil

	status := "success"

	switch {
	case result.Canceled:
		status = "canceled"
	case !result.OK():
		status = "partial"
	}

	d.telemetry.RecordBatch(status, result.Requested)

	logger.Info("batch finished",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failures),
		"canceled", result.Canceled)

	d.mu.Lock()
	if !d.closed {
		select {
		case d.OnBatchFinished <- result:
		default:
		}
	}
	d.mu.Unlock()

	return result, batchErr
}

// PauseAll closes the global gate and every registered task gate.
func (d *Downloader) PauseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate.Close()

	for _, t := range d.tasks {
		t.gate.Close()
	}
}

// ResumeAll opens the global gate and every registered task gate.
func (d *Downloader) ResumeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate.Open()

	for _, t := range d.tasks {
		t.gate.Open()
	}
}

// Paused reports whether the global gate is closed.
func (d *Downloader) Paused() bool {
	return !d.gate.IsOpen()
}

// PauseTask pauses the registered task for index.
func (d *Downloader) PauseTask(index int) error {
	return d.toggleTask(index, (*transfer.Gate).Close)
}

// ResumeTask resumes the registered task for index. The task still waits on
// the global gate.
func (d *Downloader) ResumeTask(index int) error {
	return d.toggleTask(index, (*transfer.Gate).Open)
}

func (d *Downloader) toggleTask(index int, fn func(*transfer.Gate)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[index]
	if !ok {
		return &SelectionError{Index: index, Len: len(d.songs)}
	}

	fn(t.gate)

	return nil
}

// DownloadDirs returns the directories the next download writes to.
func (d *Downloader) DownloadDirs() (musicDir, lyricsDir string) {
	return d.engine.Dirs()
}

// SetDownloadDir moves future downloads under base. It creates the music and
// lyrics subdirectories and is rejected with ErrBusy while a download runs.
func (d *Downloader) SetDownloadDir(base string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateIdle {
		return ErrBusy
	}

	musicDir, lyricsDir := transfer.Layout(base)
	for _, dir := range []string{musicDir, lyricsDir} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	d.engine.SetDirs(musicDir, lyricsDir)

	return nil
}

// Tasks returns a snapshot of the registered tasks ordered by index.
func (d *Downloader) Tasks() []TaskSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshots := lo.MapToSlice(d.tasks, func(_ int, t *Task) TaskSnapshot {
		return t.snapshot()
	})

	sortSnapshots(snapshots)

	return snapshots
}

func (d *Downloader) setState(s state) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = s
}

func (d *Downloader) register(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.registerLocked(t)
}

func (d *Downloader) registerLocked(t *Task) {
	d.tasks[t.Index] = t
}

func (d *Downloader) unregister(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.tasks[t.Index]; ok && current == t {
		delete(d.tasks, t.Index)
	}
}

// runTask resolves and transfers one registered task. A panic in the transfer
// is converted into a failed result.
func (d *Downloader) runTask(ctx context.Context, task *Task, sink transfer.ProgressSink) (ok bool, err error) {
	logger := logctx.LoggerFromContext(ctx).With(
		"task_id", task.ID,
		"index", task.Index,
		"song", task.Song.Name,
		"songmid", task.Song.SongMID,
		"quality", task.Quality.String(),
	)
	ctx = logctx.WithLogger(ctx, logger)

	var filePath string

	d.trackStart(ctx, task)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("download panicked", "panic", r, "stack", string(debug.Stack()))

			ok, err = false, nil
		}

		status, taskStatus := storage.StatusCompleted, TaskCompleted

		var canceled *transfer.CanceledError

		switch {
		case errors.As(err, &canceled):
			status, taskStatus = storage.StatusCanceled, TaskCancelled
		case !ok:
			status, taskStatus = storage.StatusFailed, TaskFailed
		}

		task.setStatus(taskStatus)

		if status != storage.StatusCompleted {
			filePath = ""
		}

		d.trackFinish(ctx, task, status, filePath)
		d.emit(task, status, filePath)
		d.unregister(task)

		sink.OnProgress(0, 0, 0)
		sink.OnStatus("idle")
	}()

	if task.Quality.MayServeM4A() {
		logger.Debug("vendor may serve m4a for this quality")
	}

	sink.OnStatus("resolving download url")

	url, found := d.catalog.ResolveDownloadURL(ctx, task.Song.SongMID, task.Song.StorageID(), task.Quality)
	if !found {
		logger.Error("no download url available")
		sink.OnStatus("no download url available")

		return false, nil
	}

	req := transfer.Request{
		URL:      url,
		Filename: task.Song.Filename(),
		Quality:  task.Quality,
		SongMID:  task.Song.SongMID,
	}

	musicDir, _ := d.engine.Dirs()
	filePath = filepath.Join(musicDir, music.SanitizeFilename(req.Filename)+"."+req.Quality.Ext())

	task.setStatus(TaskDownloading)

	ok, err = d.engine.Download(ctx, req, taskSink{task: task, next: sink}, d.gate, task.gate)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", task.Song.Name, err)
	}

	return ok, nil
}

func (d *Downloader) trackStart(ctx context.Context, task *Task) {
	if d.history == nil {
		return
	}

	err := d.history.TrackDownload(ctx, storage.DownloadRecord{
		TaskID:  task.ID,
		SongMID: task.Song.SongMID,
		Title:   task.Song.Name,
		Singer:  task.Song.Singer,
		Quality: int(task.Quality),
		Status:  storage.StatusDownloading,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to track download", "err", err)
	}
}

func (d *Downloader) trackFinish(ctx context.Context, task *Task, status, filePath string) {
	if d.history == nil {
		return
	}

	// the task context may already be cancelled; the history row must still be written.
	ctx = context.WithoutCancel(ctx)

	if err := d.history.UpdateDownloadStatus(ctx, task.ID, status, filePath); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to update download status", "status", status, "err", err)
	}
}

func (d *Downloader) emit(task *Task, status, filePath string) {
	ev := Event{
		TaskID:   task.ID,
		Index:    task.Index,
		Song:     task.Song,
		Quality:  task.Quality,
		Status:   status,
		FilePath: filePath,
		At:       time.Now(),
	}

	ch := d.OnDownloadFailed
	if status == storage.StatusCompleted {
		ch = d.OnDownloadFinished
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	select {
	case ch <- ev:
	default:
	}
}

func newTask(songs []music.Song, index int, quality music.Quality) (*Task, error) {
	if index < 0 || index >= len(songs) {
		return nil, &SelectionError{Index: index, Len: len(songs)}
	}

	song := songs[index]
	if song.SongMID == "" {
		return nil, &MissingIDError{Name: song.Name}
	}

	return &Task{
		ID:        uuid.NewString(),
		Index:     index,
		Song:      song,
		Quality:   quality,
		StartedAt: time.Now(),
		gate:      transfer.NewGate(),
		status:    TaskPending,
	}, nil
}

func failureLabel(songs []music.Song, index int) string {
	if index >= 0 && index < len(songs) {
		return songs[index].Name
	}

	return fmt.Sprintf("#%d", index)
}
