package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/storage"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu       sync.Mutex
	songs    []music.Song
	urls     map[string]string // songmid -> url; missing means unresolvable
	resolved []string
}

func (c *fakeCatalog) Search(context.Context, string) ([]music.Song, error) {
	return c.songs, nil
}

func (c *fakeCatalog) ResolveDownloadURL(_ context.Context, songMID, _ string, _ music.Quality) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resolved = append(c.resolved, songMID)
	url, ok := c.urls[songMID]

	return url, ok
}

func (c *fakeCatalog) Resolved() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.resolved...)
}

// blockingEngine parks every download until release is closed or ctx ends.
type blockingEngine struct {
	started chan transfer.Request
	release chan struct{}
	panic   bool
	result  bool
	report  bool // send one progress report before parking

	mu                  sync.Mutex
	musicDir, lyricsDir string
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan transfer.Request, 8), release: make(chan struct{}), result: true}
}

func (e *blockingEngine) Download(ctx context.Context, req transfer.Request, sink transfer.ProgressSink, gates ...*transfer.Gate) (bool, error) {
	if e.panic {
		panic("boom")
	}

	if e.report {
		if bs, ok := sink.(transfer.ByteSink); ok {
			bs.OnBytes(512, 1024)
		}

		sink.OnProgress(50, 64, 8)
	}

	e.started <- req

	select {
	case <-e.release:
	case <-ctx.Done():
		return false, &transfer.CanceledError{Filename: req.Filename, Err: ctx.Err()}
	}

	for _, g := range gates {
		if err := g.Wait(ctx); err != nil {
			return false, &transfer.CanceledError{Filename: req.Filename, Err: err}
		}
	}

	return e.result, nil
}

func (e *blockingEngine) Dirs() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.musicDir == "" {
		return "/music", "/lyrics"
	}

	return e.musicDir, e.lyricsDir
}

func (e *blockingEngine) SetDirs(musicDir, lyricsDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.musicDir, e.lyricsDir = musicDir, lyricsDir
}

type sinkCall struct {
	progress []float64
	status   string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) OnProgress(percent, kbps, eta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sinkCall{progress: []float64{percent, kbps, eta}})
}

func (s *recordingSink) OnStatus(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sinkCall{status: message})
}

func (s *recordingSink) last(n int) []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.calls) < n {
		return s.calls
	}

	return append([]sinkCall(nil), s.calls[len(s.calls)-n:]...)
}

type historyCall struct {
	taskID, status, filePath string
}

type fakeHistory struct {
	mu      sync.Mutex
	tracked []storage.DownloadRecord
	updates []historyCall
}

func (h *fakeHistory) TrackDownload(_ context.Context, r storage.DownloadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tracked = append(h.tracked, r)

	return nil
}

func (h *fakeHistory) UpdateDownloadStatus(_ context.Context, taskID, status, filePath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.updates = append(h.updates, historyCall{taskID, status, filePath})

	return nil
}

func songs(n int) []music.Song {
	out := make([]music.Song, n)
	for i := range out {
		out[i] = music.Song{
			Name:     "song" + strconv.Itoa(i),
			Singer:   "artist",
			SongMID:  "mid" + strconv.Itoa(i),
			MediaMID: "media" + strconv.Itoa(i),
		}
	}

	return out
}

func urlsFor(base string, s []music.Song) map[string]string {
	urls := map[string]string{}
	for _, song := range s {
		urls[song.SongMID] = base + "/" + song.SongMID
	}

	return urls
}

func waitStarted(t *testing.T, e *blockingEngine) transfer.Request {
	t.Helper()

	select {
	case req := <-e.started:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")

		return transfer.Request{}
	}
}

func TestDownloadSong_IndexOutOfRange(t *testing.T) {
	cat := &fakeCatalog{urls: map[string]string{}}
	d := New(cat, newBlockingEngine())
	d.SetSongs(songs(1))

	ok, err := d.DownloadSong(context.Background(), 99, music.QualityStandard, nil)
	assert.False(t, ok)

	var selErr *SelectionError
	require.ErrorAs(t, err, &selErr)
	assert.Equal(t, 99, selErr.Index)
	assert.Equal(t, 1, selErr.Len)

	assert.Empty(t, d.Tasks())
	assert.False(t, d.Active())
	assert.Empty(t, cat.Resolved())

	_, err = d.DownloadSong(context.Background(), -1, music.QualityStandard, nil)
	assert.ErrorAs(t, err, &selErr)
}

func TestDownloadSong_MissingSongMID(t *testing.T) {
	d := New(&fakeCatalog{}, newBlockingEngine())
	d.SetSongs([]music.Song{{Name: "orphan"}})

	ok, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
	assert.False(t, ok)

	var missing *MissingIDError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "orphan", missing.Name)
	assert.Empty(t, d.Tasks())
}

func TestDownloadSong_Success(t *testing.T) {
	list := songs(2)
	engine := newBlockingEngine()
	close(engine.release)

	history := &fakeHistory{}
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine, WithHistory(history))
	d.SetSongs(list)

	sink := &recordingSink{}

	ok, err := d.DownloadSong(context.Background(), 1, music.QualityHigh, sink)
	require.NoError(t, err)
	assert.True(t, ok)

	req := waitStarted(t, engine)
	assert.Equal(t, "https://cdn/mid1", req.URL)
	assert.Equal(t, "song1 - artist", req.Filename)
	assert.Equal(t, music.QualityHigh, req.Quality)
	assert.Equal(t, "mid1", req.SongMID)

	assert.False(t, d.Active())
	assert.Empty(t, d.Tasks())
	assert.Equal(t, []sinkCall{{progress: []float64{0, 0, 0}}, {status: "idle"}}, sink.last(2))

	require.Len(t, history.tracked, 1)
	assert.Equal(t, "song1", history.tracked[0].Title)
	assert.Equal(t, storage.StatusDownloading, history.tracked[0].Status)
	require.Len(t, history.updates, 1)
	assert.Equal(t, history.tracked[0].TaskID, history.updates[0].taskID)
	assert.Equal(t, storage.StatusCompleted, history.updates[0].status)
	assert.Equal(t, filepath.Join("/music", "song1 - artist.mp3"), history.updates[0].filePath)

	select {
	case ev := <-d.OnDownloadFinished:
		assert.Equal(t, 1, ev.Index)
		assert.Equal(t, storage.StatusCompleted, ev.Status)
	default:
		t.Fatal("expected a finished event")
	}
}

func TestDownloadSong_Unresolvable(t *testing.T) {
	history := &fakeHistory{}
	d := New(&fakeCatalog{urls: map[string]string{}}, newBlockingEngine(), WithHistory(history))
	d.SetSongs(songs(1))

	ok, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, history.updates, 1)
	assert.Equal(t, storage.StatusFailed, history.updates[0].status)
	assert.Empty(t, history.updates[0].filePath)

	select {
	case ev := <-d.OnDownloadFailed:
		assert.Equal(t, storage.StatusFailed, ev.Status)
	default:
		t.Fatal("expected a failed event")
	}
}

func TestDownloadSong_BusyRejects(t *testing.T) {
	list := songs(3)
	engine := newBlockingEngine()
	cat := &fakeCatalog{urls: urlsFor("https://cdn", list)}
	d := New(cat, engine)
	d.SetSongs(list)

	done := make(chan error, 1)

	go func() {
		_, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
		done <- err
	}()

	waitStarted(t, engine)
	assert.True(t, d.Active())
	assert.Equal(t, "downloading single", d.State())

	ok, err := d.DownloadSong(context.Background(), 1, music.QualityStandard, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = d.BatchDownload(context.Background(), []int{1, 2}, music.QualityStandard, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(engine.release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"mid0"}, cat.Resolved(), "rejected requests are not queued")
	assert.False(t, d.Active())
}

func TestPauseAll_TogglesTaskGates(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	done := make(chan bool, 1)

	go func() {
		ok, _ := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
		done <- ok
	}()

	waitStarted(t, engine)

	d.PauseAll()
	assert.True(t, d.Paused())

	tasks := d.Tasks()
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Paused)
	assert.Equal(t, "song0", tasks[0].Name)

	close(engine.release)

	select {
	case <-done:
		t.Fatal("download finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	d.ResumeAll()
	assert.False(t, d.Paused())

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not resume")
	}
}

func TestPauseTask(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	var selErr *SelectionError
	assert.ErrorAs(t, d.PauseTask(0), &selErr, "no task registered yet")

	done := make(chan bool, 1)

	go func() {
		ok, _ := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
		done <- ok
	}()

	waitStarted(t, engine)

	require.NoError(t, d.PauseTask(0))
	assert.True(t, d.Tasks()[0].Paused)
	assert.False(t, d.Paused(), "the global gate stays open")

	close(engine.release)

	select {
	case <-done:
		t.Fatal("download finished while its task was paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, d.ResumeTask(0))
	assert.True(t, <-done)
	assert.ErrorAs(t, d.ResumeTask(0), &selErr, "task is unregistered after it finishes")
}

func TestDownloadSong_PanicIsRecovered(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	engine.panic = true

	history := &fakeHistory{}
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine, WithHistory(history))
	d.SetSongs(list)

	sink := &recordingSink{}

	ok, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, sink)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, d.Active())
	assert.Empty(t, d.Tasks())
	assert.Equal(t, []sinkCall{{progress: []float64{0, 0, 0}}, {status: "idle"}}, sink.last(2))
	assert.Equal(t, storage.StatusFailed, history.updates[0].status)
}

func TestDownloadSong_Canceled(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	history := &fakeHistory{}
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine, WithHistory(history))
	d.SetSongs(list)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		waitStarted(t, engine)
		cancel()
	}()

	ok, err := d.DownloadSong(ctx, 0, music.QualityStandard, nil)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled))

	var canceled *transfer.CanceledError
	assert.ErrorAs(t, err, &canceled)

	assert.Equal(t, storage.StatusCanceled, history.updates[0].status)
	assert.False(t, d.Active())
}

func TestBatchDownload_Empty(t *testing.T) {
	d := New(&fakeCatalog{}, newBlockingEngine())

	result, err := d.BatchDownload(context.Background(), nil, music.QualityStandard, nil)
	require.NoError(t, err)
	assert.True(t, result.Empty)
	assert.False(t, result.OK())
	assert.False(t, d.Active())
}

func TestBatchDownload_PartialFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := []byte("audio for " + r.URL.Path)

		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	list := songs(3)
	urls := urlsFor(ts.URL, list)
	delete(urls, "mid1")

	base := t.TempDir()
	musicDir := filepath.Join(base, "Music")
	engine := transfer.NewEngine(musicDir, filepath.Join(base, "Lyrics"), nil, transfer.WithHTTPClient(ts.Client()))

	d := New(&fakeCatalog{urls: urls}, engine)
	d.SetSongs(list)

	result, err := d.BatchDownload(context.Background(), []int{0, 1, 2}, music.QualityStandard, nil)
	require.NoError(t, err)

	assert.False(t, result.OK())
	assert.Equal(t, []string{"song1"}, result.Failures)
	assert.Equal(t, []string{"song0", "song2"}, result.Succeeded)
	assert.Equal(t, 3, result.Requested)

	assert.FileExists(t, filepath.Join(musicDir, "song0 - artist.m4a"))
	assert.NoFileExists(t, filepath.Join(musicDir, "song1 - artist.m4a"))
	assert.FileExists(t, filepath.Join(musicDir, "song2 - artist.m4a"))

	select {
	case got := <-d.OnBatchFinished:
		assert.Equal(t, result, got)
	default:
		t.Fatal("expected a batch finished event")
	}
}

func TestBatchDownload_DedupAndBadIndices(t *testing.T) {
	list := songs(2)
	engine := newBlockingEngine()
	close(engine.release)

	cat := &fakeCatalog{urls: urlsFor("https://cdn", list)}
	d := New(cat, engine)
	d.SetSongs(list)

	result, err := d.BatchDownload(context.Background(), []int{1, 7, 1, 0}, music.QualityStandard, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Requested)
	assert.Equal(t, []string{"#7"}, result.Failures)
	assert.Equal(t, []string{"song1", "song0"}, result.Succeeded)
	assert.Equal(t, []string{"mid1", "mid0"}, cat.Resolved())
}

func TestBatchDownload_SnapshotsSongs(t *testing.T) {
	list := songs(2)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	done := make(chan BatchResult, 1)

	go func() {
		result, _ := d.BatchDownload(context.Background(), []int{0, 1}, music.QualityStandard, nil)
		done <- result
	}()

	waitStarted(t, engine)
	assert.Equal(t, "downloading batch", d.State())

	d.SetSongs(nil)
	close(engine.release)

	result := <-done
	assert.True(t, result.OK())
	assert.Equal(t, []string{"song0", "song1"}, result.Succeeded)
}

func TestBatchDownload_CancelStops(t *testing.T) {
	list := songs(3)
	engine := newBlockingEngine()
	cat := &fakeCatalog{urls: urlsFor("https://cdn", list)}
	d := New(cat, engine)
	d.SetSongs(list)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		waitStarted(t, engine)
		cancel()
	}()

	result, err := d.BatchDownload(ctx, []int{0, 1, 2}, music.QualityStandard, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, result.Canceled)
	assert.False(t, result.OK())
	assert.Equal(t, []string{"song0"}, result.Failures)
	assert.Equal(t, []string{"mid0"}, cat.Resolved())
	assert.False(t, d.Active())
}

func TestSearch_ReplacesResultSet(t *testing.T) {
	d := New(&fakeCatalog{songs: songs(2)}, newBlockingEngine())
	d.SetSongs(songs(5))

	got, err := d.Search(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, d.Songs(), 2)
}

func TestClose_IsIdempotent(t *testing.T) {
	d := New(&fakeCatalog{}, newBlockingEngine())
	d.Close()
	d.Close()

	_, ok := <-d.OnDownloadFinished
	assert.False(t, ok)
}

func TestWait(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	require.NoError(t, d.Wait(context.Background()), "idle downloader returns immediately")

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
	}()

	waitStarted(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(engine.release)
	require.NoError(t, d.Wait(context.Background()))
	<-done
}

func runningTask(t *testing.T, d *Downloader, index int) *Task {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[index]
	require.True(t, ok, "task %d is not registered", index)

	return task
}

func TestNewTask_StartsPending(t *testing.T) {
	task, err := newTask(songs(1), 0, music.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status())
	assert.Equal(t, TaskPending, task.snapshot().Status)
}

func TestTasks_ReportStatusAndProgress(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	engine.report = true
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	sink := &recordingSink{}
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = d.DownloadSong(context.Background(), 0, music.QualityStandard, sink)
	}()

	waitStarted(t, engine)
	task := runningTask(t, d, 0)

	tasks := d.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskDownloading, tasks[0].Status)
	assert.Equal(t, Progress{Done: 512, Total: 1024, Percent: 50, KBps: 64, ETA: 8}, tasks[0].Progress)

	close(engine.release)
	<-done

	assert.Equal(t, TaskCompleted, task.Status())
	assert.Contains(t, sink.calls, sinkCall{progress: []float64{50, 64, 8}}, "progress is still forwarded to the caller")
}

func TestTasks_FinalStatus(t *testing.T) {
	tests := []struct {
		name   string
		result bool
		cancel bool
		want   TaskStatus
	}{
		{name: "failed", result: false, want: TaskFailed},
		{name: "cancelled", result: true, cancel: true, want: TaskCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := songs(1)
			engine := newBlockingEngine()
			engine.result = tt.result
			d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
			d.SetSongs(list)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan struct{})

			go func() {
				defer close(done)

				_, _ = d.DownloadSong(ctx, 0, music.QualityStandard, nil)
			}()

			waitStarted(t, engine)
			task := runningTask(t, d, 0)

			if tt.cancel {
				cancel()
			} else {
				close(engine.release)
			}

			<-done
			assert.Equal(t, tt.want, task.Status())
		})
	}
}

func TestClose_RejectsLaterDownloads(t *testing.T) {
	list := songs(2)
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, newBlockingEngine())
	d.SetSongs(list)
	d.Close()

	assert.NotPanics(t, func() {
		ok, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrClosed)

		_, err = d.BatchDownload(context.Background(), []int{0, 1}, music.QualityStandard, nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestClose_WhileDownloadRuns(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	done := make(chan error, 1)

	go func() {
		_, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
		done <- err
	}()

	waitStarted(t, engine)
	d.Close()
	close(engine.release)

	require.NoError(t, <-done, "the finished event is dropped instead of sent on a closed channel")
}

func TestSetDownloadDir(t *testing.T) {
	list := songs(1)
	engine := newBlockingEngine()
	d := New(&fakeCatalog{urls: urlsFor("https://cdn", list)}, engine)
	d.SetSongs(list)

	base := t.TempDir()
	require.NoError(t, d.SetDownloadDir(base))

	musicDir, lyricsDir := d.DownloadDirs()
	assert.Equal(t, filepath.Join(base, "Music"), musicDir)
	assert.Equal(t, filepath.Join(base, "Lyrics"), lyricsDir)
	assert.DirExists(t, musicDir)
	assert.DirExists(t, lyricsDir)

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
	}()

	waitStarted(t, engine)
	assert.ErrorIs(t, d.SetDownloadDir(t.TempDir()), ErrBusy)

	close(engine.release)
	<-done
}

func TestDownloadSong_ResolvesWithStorageID(t *testing.T) {
	list := []music.Song{{Name: "a", Singer: "b", SongMID: "mid0"}}
	cat := &mediaRecordingCatalog{}
	engine := newBlockingEngine()
	close(engine.release)

	d := New(cat, engine)
	d.SetSongs(list)

	ok, err := d.DownloadSong(context.Background(), 0, music.QualityStandard, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "mid0", cat.mediaMID, "a song without media_mid resolves with its songmid")
}

type mediaRecordingCatalog struct {
	mediaMID string
}

func (c *mediaRecordingCatalog) Search(context.Context, string) ([]music.Song, error) {
	return nil, nil
}

func (c *mediaRecordingCatalog) ResolveDownloadURL(_ context.Context, _, mediaMID string, _ music.Quality) (string, bool) {
	c.mediaMID = mediaMID

	return "https://cdn/x", true
}
