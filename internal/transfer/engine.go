// Package transfer streams a resolved CDN URL to disk with pause gates,
// progress reporting and an atomic rename on completion.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/telemetry"
	"github.com/italolelis/qqmusic_downloader/internal/transfer/progress"
	"golang.org/x/time/rate"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	tempSuffix   = ".tmp"
	lyricsExt    = ".lrc"
	defaultChunk = 8192

	defaultProgressInterval = 100 * time.Millisecond
)

// Subdirectories of the base download directory.
const (
	MusicSubdir  = "Music"
	LyricsSubdir = "Lyrics"
)

// LyricsFetcher returns the lyric text for a song. ok is false when the track
// has none.
type LyricsFetcher interface {
	FetchLyrics(ctx context.Context, songMID string) (string, bool)
}

// Request describes one song to download.
type Request struct {
	URL      string
	Filename string // "Title - Artist", sanitized before use
	Quality  music.Quality
	SongMID  string
}

type Engine struct {
	mu        sync.RWMutex
	musicDir  string
	lyricsDir string

	lyrics           LyricsFetcher
	httpClient       *http.Client
	headers          http.Header
	chunkSize        int
	progressInterval time.Duration
	rateLimit        int
	limiter          *rate.Limiter
	telemetry        *telemetry.Telemetry
}

type Option func(*Engine)

func WithHTTPClient(hc *http.Client) Option {
	return func(e *Engine) { e.httpClient = hc }
}

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) { e.progressInterval = d }
}

// WithRateLimit caps throughput in bytes per second. Zero disables the cap.
func WithRateLimit(bytesPerSecond int) Option {
	return func(e *Engine) { e.rateLimit = bytesPerSecond }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) { e.telemetry = tel }
}

// WithHeaders sets the headers sent with every CDN request.
func WithHeaders(h http.Header) Option {
	return func(e *Engine) { e.headers = h.Clone() }
}

func NewEngine(musicDir, lyricsDir string, lyrics LyricsFetcher, opts ...Option) *Engine {
	e := &Engine{
		musicDir:         musicDir,
		lyricsDir:        lyricsDir,
		lyrics:           lyrics,
		httpClient:       http.DefaultClient,
		headers:          http.Header{},
		chunkSize:        defaultChunk,
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.rateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.rateLimit), max(e.rateLimit, e.chunkSize))
	}

	return e
}

// Layout returns the music and lyrics directories kept under a base download directory.
func Layout(base string) (musicDir, lyricsDir string) {
	return filepath.Join(base, MusicSubdir), filepath.Join(base, LyricsSubdir)
}

// SetDirs changes the output directories for subsequent downloads.
func (e *Engine) SetDirs(musicDir, lyricsDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.musicDir = musicDir
	e.lyricsDir = lyricsDir
}

func (e *Engine) Dirs() (musicDir, lyricsDir string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.musicDir, e.lyricsDir
}

// Download fetches req into the music directory. It returns false with a nil
// error for every ordinary failure; the only error is *CanceledError, in which
// case the partial .tmp file is kept.
func (e *Engine) Download(ctx context.Context, req Request, sink ProgressSink, gates ...*Gate) (bool, error) {
	if sink == nil {
		sink = NopSink{}
	}

	musicDir, lyricsDir := e.Dirs()
	name := music.SanitizeFilename(req.Filename)
	final := filepath.Join(musicDir, name+"."+req.Quality.Ext())
	tmp := final + tempSuffix

	logger := logctx.LoggerFromContext(ctx).With("file_path", final, "songmid", req.SongMID)
	ctx = logctx.WithLogger(ctx, logger)

	if _, err := os.Stat(final); err == nil {
		logger.Info("file already exists, skipping download")
		sink.OnStatus("file already exists")

		return true, nil
	}

	sink.OnStatus("downloading")

	err := e.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return e.fetch(ctx, req.URL, tmp, final, sink, gates)
	})

	var canceled *CanceledError

	switch {
	case errors.As(err, &canceled):
		logger.Warn("download canceled, keeping partial file", "tmp_path", tmp)
		sink.OnStatus("canceled")

		return false, err
	case err != nil:
		logger.Error("download failed", "err", err)

		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove partial file", "tmp_path", tmp, "err", rmErr)
		}

		sink.OnStatus("download failed")

		return false, nil
	}

	logger.Info("downloaded and saved file")
	sink.OnStatus("download complete")

	e.saveLyrics(ctx, lyricsDir, name, req.SongMID)

	return true, nil
}

func (e *Engine) fetch(ctx context.Context, url, tmp, final string, sink ProgressSink, gates []*Gate) error {
	logger := logctx.LoggerFromContext(ctx)
	base := filepath.Base(final)

	canceled := func(err error) error {
		return &CanceledError{Filename: base, TempPath: tmp, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &NetworkError{Operation: "request", APIMessage: "invalid url", Err: err}
	}

	for k, v := range e.headers {
		req.Header[k] = v
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}

		return &NetworkError{Operation: "request", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{Operation: "request", Err: fmt.Errorf("cdn returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return &NetworkError{Operation: "request", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	case resp.ContentLength <= 0:
		return &InvalidContentError{Filename: base, Reason: "missing content length"}
	}

	total := resp.ContentLength

	logger.Info("downloading file", "file_size", humanize.Bytes(uint64(total)))

	if err := os.MkdirAll(filepath.Dir(tmp), dirPerm); err != nil {
		return &DirectoryError{DirectoryName: filepath.Dir(tmp), Reason: "failed to create directory", Err: err}
	}

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return &DirectoryError{DirectoryName: filepath.Dir(tmp), Reason: "failed to create temp file", Err: err}
	}

	written, err := e.copyChunks(ctx, out, resp.Body, total, sink, gates)

	closeErr := out.Close()

	switch {
	case err != nil && ctx.Err() != nil:
		return canceled(ctx.Err())
	case err != nil:
		return err
	case closeErr != nil:
		return &DirectoryError{DirectoryName: filepath.Dir(tmp), Reason: "failed to close temp file", Err: closeErr}
	case written != total:
		return &InvalidContentError{
			Filename: base,
			Reason:   fmt.Sprintf("short body: %s of %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total))),
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return &DirectoryError{DirectoryName: filepath.Dir(final), Reason: "failed to rename temp file", Err: err}
	}

	return nil
}

// copyChunks streams body into out, waiting on every gate before each write.
func (e *Engine) copyChunks(
	ctx context.Context,
	out io.Writer,
	body io.Reader,
	total int64,
	sink ProgressSink,
	gates []*Gate,
) (int64, error) {
	byteSink, _ := sink.(ByteSink)

	tracker := progress.NewTracker(total, e.progressInterval, func(s progress.Snapshot) {
		if byteSink != nil {
			byteSink.OnBytes(s.Done, s.Total)
		}

		sink.OnProgress(s.Percent, s.KBps, s.ETA)
	})

	buf := make([]byte, e.chunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, g := range gates {
				if g == nil {
					continue
				}

				if err := g.Wait(ctx); err != nil {
					return tracker.Done(), err
				}
			}

			if err := e.throttle(ctx, n); err != nil {
				return tracker.Done(), err
			}

			if _, err := out.Write(buf[:n]); err != nil {
				return tracker.Done(), &DirectoryError{DirectoryName: "temp file", Reason: "write failed", Err: err}
			}

			tracker.Add(int64(n))
			e.telemetry.AddDownloadedBytes(int64(n))
		}

		if errors.Is(readErr, io.EOF) {
			return tracker.Done(), nil
		}

		if readErr != nil {
			return tracker.Done(), &NetworkError{Operation: "read_body", APIMessage: readErr.Error(), Err: readErr}
		}
	}
}

// throttle blocks until the limiter admits n bytes. Unlike rate.Limiter.WaitN
// it does not give up early when ctx has a deadline; it only fails once ctx is done.
func (e *Engine) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}

	r := e.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return fmt.Errorf("rate limit: chunk of %d bytes exceeds burst %d", n, e.limiter.Burst())
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()

		return ctx.Err()
	}
}

func (e *Engine) saveLyrics(ctx context.Context, lyricsDir, name, songMID string) {
	if e.lyrics == nil || songMID == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	text, ok := e.lyrics.FetchLyrics(ctx, songMID)
	if !ok {
		logger.Info("no lyrics saved")

		return
	}

	if err := os.MkdirAll(lyricsDir, dirPerm); err != nil {
		logger.Warn("failed to create lyrics directory", "dir", lyricsDir, "err", err)

		return
	}

	path := filepath.Join(lyricsDir, name+lyricsExt)
	if err := os.WriteFile(path, []byte(text), filePerm); err != nil {
		logger.Warn("failed to write lyrics", "lyrics_path", path, "err", err)

		return
	}

	logger.Info("lyrics saved", "lyrics_path", path)
}
