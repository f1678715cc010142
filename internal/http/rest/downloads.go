package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/qqmusic_downloader/internal/downloader"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/italolelis/qqmusic_downloader/internal/storage"
	"github.com/italolelis/qqmusic_downloader/internal/transfer"
)

const defaultHistoryLimit = 50

// SessionValidator checks the vendor session.
type SessionValidator interface {
	ValidateSession(ctx context.Context) bool
}

// Coordinator is the download surface exposed over HTTP.
type Coordinator interface {
	Search(ctx context.Context, keyword string) ([]music.Song, error)
	Songs() []music.Song
	DownloadSong(ctx context.Context, index int, quality music.Quality, sink transfer.ProgressSink) (bool, error)
	BatchDownload(ctx context.Context, indices []int, quality music.Quality, sink transfer.ProgressSink) (downloader.BatchResult, error)
	PauseAll()
	ResumeAll()
	Paused() bool
	PauseTask(index int) error
	ResumeTask(index int) error
	Tasks() []downloader.TaskSnapshot
	Active() bool
	State() string
	DownloadDirs() (musicDir, lyricsDir string)
	SetDownloadDir(base string) error
}

type DownloadRequest struct {
	Index   *int `json:"index"`
	Quality int  `json:"quality"`
}

type BatchRequest struct {
	Indices []int `json:"indices"`
	Quality int   `json:"quality"`
}

type DirRequest struct {
	Path string `json:"path"`
}

type DirResponse struct {
	MusicDir  string `json:"music_dir"`
	LyricsDir string `json:"lyrics_dir"`
}

type StatusResponse struct {
	State  string                    `json:"state"`
	Active bool                      `json:"active"`
	Paused bool                      `json:"paused"`
	Tasks  []downloader.TaskSnapshot `json:"tasks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadHandler struct {
	session        SessionValidator
	dl             Coordinator
	history        storage.DownloadReadRepository
	defaultQuality music.Quality
	username       string
	password       string
	metrics        http.Handler

	// background downloads run on this context so they outlive the request.
	baseCtx context.Context
}

type Option func(*DownloadHandler)

// WithBasicAuth protects every route when username is non-empty.
func WithBasicAuth(username, password string) Option {
	return func(h *DownloadHandler) {
		h.username = username
		h.password = password
	}
}

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(dh *DownloadHandler) { dh.metrics = h }
}

func WithHistory(repo storage.DownloadReadRepository) Option {
	return func(h *DownloadHandler) { h.history = repo }
}

// NewDownloadHandler creates the control API handler. Downloads started
// through it run on baseCtx.
func NewDownloadHandler(
	baseCtx context.Context,
	session SessionValidator,
	dl Coordinator,
	defaultQuality music.Quality,
	opts ...Option,
) *DownloadHandler {
	h := &DownloadHandler{
		baseCtx:        baseCtx,
		session:        session,
		dl:             dl,
		defaultQuality: defaultQuality,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/session", h.HandleSession)
	r.Get("/search", h.HandleSearch)
	r.Get("/songs", h.HandleSongs)
	r.Post("/downloads", h.HandleDownload)
	r.Post("/batches", h.HandleBatch)
	r.Post("/pause", h.HandlePause)
	r.Post("/resume", h.HandleResume)
	r.Get("/tasks", h.HandleTasks)
	r.Post("/tasks/{index}/pause", h.HandleTaskPause)
	r.Post("/tasks/{index}/resume", h.HandleTaskResume)
	r.Get("/history", h.HandleHistory)
	r.Get("/dir", h.HandleGetDir)
	r.Put("/dir", h.HandleSetDir)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	return r
}

func (h *DownloadHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]bool{"valid": h.session.ValidateSession(r.Context())})
}

func (h *DownloadHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		writeError(w, r, http.StatusBadRequest, "missing query parameter q")

		return
	}

	songs, err := h.dl.Search(r.Context(), keyword)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("search failed", "keyword", keyword, "err", err)
		writeError(w, r, http.StatusBadGateway, "search failed")

		return
	}

	writeJSON(w, r, http.StatusOK, songs)
}

func (h *DownloadHandler) HandleSongs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.dl.Songs())
}

// HandleDownload validates the request and starts a single download in the
// background. It answers 202 once the download is accepted.
func (h *DownloadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	quality, ok := h.quality(req.Quality)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid quality")

		return
	}

	index := *req.Index
	if songs := h.dl.Songs(); index < 0 || index >= len(songs) {
		writeError(w, r, http.StatusBadRequest, (&downloader.SelectionError{Index: index, Len: len(songs)}).Error())

		return
	}

	if h.dl.Active() {
		writeError(w, r, http.StatusConflict, downloader.ErrBusy.Error())

		return
	}

	ctx := h.backgroundContext(r)
	sink := transfer.LogSink{Logger: logctx.LoggerFromContext(ctx)}

	go func() {
		if _, err := h.dl.DownloadSong(ctx, index, quality, sink); err != nil {
			logctx.LoggerFromContext(ctx).Error("background download failed", "index", index, "err", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, map[string]any{"index": index, "quality": quality})
}

func (h *DownloadHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	if len(req.Indices) == 0 {
		writeError(w, r, http.StatusBadRequest, "nothing to do")

		return
	}

	quality, ok := h.quality(req.Quality)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid quality")

		return
	}

	if h.dl.Active() {
		writeError(w, r, http.StatusConflict, downloader.ErrBusy.Error())

		return
	}

	ctx := h.backgroundContext(r)
	sink := transfer.LogSink{Logger: logctx.LoggerFromContext(ctx)}

	go func() {
		if _, err := h.dl.BatchDownload(ctx, req.Indices, quality, sink); err != nil {
			logctx.LoggerFromContext(ctx).Error("background batch failed", "err", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, map[string]any{"indices": req.Indices, "quality": quality})
}

func (h *DownloadHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.dl.PauseAll()
	h.writeStatus(w, r)
}

func (h *DownloadHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.dl.ResumeAll()
	h.writeStatus(w, r)
}

func (h *DownloadHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w, r)
}

func (h *DownloadHandler) HandleTaskPause(w http.ResponseWriter, r *http.Request) {
	h.toggleTask(w, r, h.dl.PauseTask)
}

func (h *DownloadHandler) HandleTaskResume(w http.ResponseWriter, r *http.Request) {
	h.toggleTask(w, r, h.dl.ResumeTask)
}

func (h *DownloadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, r, http.StatusOK, []storage.DownloadRecord{})

		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")

			return
		}

		limit = n
	}

	records, err := h.history.GetDownloads(r.Context(), limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read history", "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to read history")

		return
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *DownloadHandler) HandleGetDir(w http.ResponseWriter, r *http.Request) {
	musicDir, lyricsDir := h.dl.DownloadDirs()
	writeJSON(w, r, http.StatusOK, DirResponse{MusicDir: musicDir, LyricsDir: lyricsDir})
}

// HandleSetDir moves future downloads under a new base directory. It answers
// 409 while a download runs.
func (h *DownloadHandler) HandleSetDir(w http.ResponseWriter, r *http.Request) {
	var req DirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := h.dl.SetDownloadDir(req.Path); err != nil {
		if errors.Is(err, downloader.ErrBusy) {
			writeError(w, r, http.StatusConflict, err.Error())

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to change download dir", "path", req.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to change download dir")

		return
	}

	h.HandleGetDir(w, r)
}

func (h *DownloadHandler) toggleTask(w http.ResponseWriter, r *http.Request, fn func(int) error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid index")

		return
	}

	if err := fn(index); err != nil {
		var selErr *downloader.SelectionError
		if errors.As(err, &selErr) {
			writeError(w, r, http.StatusNotFound, "no running task for index "+strconv.Itoa(index))

			return
		}

		writeError(w, r, http.StatusInternalServerError, err.Error())

		return
	}

	h.writeStatus(w, r)
}

func (h *DownloadHandler) writeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, StatusResponse{
		State:  h.dl.State(),
		Active: h.dl.Active(),
		Paused: h.dl.Paused(),
		Tasks:  h.dl.Tasks(),
	})
}

func (h *DownloadHandler) quality(q int) (music.Quality, bool) {
	if q == 0 {
		return h.defaultQuality, true
	}

	quality := music.Quality(q)

	return quality, quality.Valid()
}

// backgroundContext carries the request's logger onto the handler's base context.
func (h *DownloadHandler) backgroundContext(r *http.Request) context.Context {
	return logctx.WithLogger(h.baseCtx, logctx.LoggerFromContext(r.Context()))
}

func (h *DownloadHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}
