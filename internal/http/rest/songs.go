package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ackermanmoriii/Idontknow/internal/delivery"
	"github.com/ackermanmoriii/Idontknow/internal/downloader"
	"github.com/ackermanmoriii/Idontknow/internal/extractor"
	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/session"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

const (
	SessionHeader = "X-Session-ID"

	modeBlocking = "blocking"
	modeStream   = "stream"

	maxBodySize    = 64 << 10
	defaultContent = "audio/mp4"
)

var audioTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".webm": "audio/webm",
	".mp3":  "audio/mpeg",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
}

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type SearchResults struct {
	Results []extractor.Track `json:"results"`
}

type EndSessionRequest struct {
	SessionID string `json:"session_id"`
}

type EndSessionResponse struct {
	Status  string `json:"status"`
	Deleted int    `json:"deleted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SongHandler serves search, fetch and session teardown.
type SongHandler struct {
	engine         extractor.Engine
	store          *session.Store
	downloader     *downloader.Downloader
	waiter         *delivery.Waiter
	telemetry      *telemetry.Telemetry
	searchLimit    int
	attachmentName string
}

// NewSongHandler creates a new song handler. searchLimit caps the number of
// results a single search may ask for.
func NewSongHandler(
	engine extractor.Engine,
	store *session.Store,
	dl *downloader.Downloader,
	waiter *delivery.Waiter,
	t *telemetry.Telemetry,
	searchLimit int,
	attachmentName string,
) *SongHandler {
	if searchLimit < 1 {
		searchLimit = 1
	}

	if attachmentName == "" {
		attachmentName = "song.m4a"
	}

	return &SongHandler{
		engine:         engine,
		store:          store,
		downloader:     dl,
		waiter:         waiter,
		telemetry:      t,
		searchLimit:    searchLimit,
		attachmentName: attachmentName,
	}
}

func (h *SongHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/search", h.HandleSearch)
	r.Get("/fetch_song", h.HandleFetch)
	r.Get("/stream_song", h.HandleStream)
	r.Post("/end_session", h.HandleEndSession)

	return r
}

// HandleSearch resolves a free-text query into playable tracks. A session
// header starts a new song for that session, so its old files are dropped.
func (h *SongHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req SearchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.WarnContext(ctx, "failed to decode search request", "err", err)
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "No query"})

		return
	}

	if sid := r.Header.Get(SessionHeader); sid != "" {
		h.telemetry.RecordFilesReclaimed(ctx, "search", h.store.DeleteSession(ctx, sid))
	}

	limit := min(max(req.Limit, 1), h.searchLimit)

	tracks, err := h.engine.Search(ctx, req.Query, limit)
	if err != nil {
		if errors.Is(err, extractor.ErrNoResults) {
			writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "No results"})

			return
		}

		logger.ErrorContext(ctx, "search failed", "query", req.Query, "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	if len(tracks) == 0 {
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "No results"})

		return
	}

	if req.Limit <= 1 {
		writeJSON(ctx, w, http.StatusOK, tracks[0])

		return
	}

	writeJSON(ctx, w, http.StatusOK, SearchResults{Results: tracks})
}

// HandleFetch downloads a source URL for a session and returns it, either as
// a complete file or, with mode=stream, while it is still being written.
func (h *SongHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	mode := modeBlocking
	if r.URL.Query().Get("mode") == modeStream {
		mode = modeStream
	}

	h.fetch(w, r, mode)
}

// HandleStream is HandleFetch in streaming mode.
func (h *SongHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	h.fetch(w, r, modeStream)
}

func (h *SongHandler) fetch(w http.ResponseWriter, r *http.Request, mode string) {
	ctx := r.Context()

	sourceURL := strings.TrimSpace(r.URL.Query().Get("url"))
	sid := strings.TrimSpace(r.URL.Query().Get("session_id"))

	if sourceURL == "" || sid == "" {
		h.telemetry.RecordFetch(ctx, mode, "bad_request")
		http.Error(w, "Missing Data", http.StatusBadRequest)

		return
	}

	fileID, err := session.NewFileID(sid)
	if err != nil {
		h.telemetry.RecordFetch(ctx, mode, "bad_request")
		http.Error(w, "Invalid Session", http.StatusBadRequest)

		return
	}

	ctx, logger := logctx.With(ctx, "file_id", fileID, "session_id", sid, "mode", mode)

	job, err := h.downloader.Start(ctx, sourceURL, fileID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start download", "err", err)
		h.telemetry.RecordFetch(ctx, mode, "download_error")
		http.Error(w, "Download Error", http.StatusInternalServerError)

		return
	}

	if mode == modeStream {
		h.serveStream(ctx, w, fileID, job)

		return
	}

	h.serveFile(ctx, w, r, fileID, job)
}

func (h *SongHandler) serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, fileID string, job *downloader.Job) {
	logger := logctx.LoggerFromContext(ctx)

	path, err := h.waiter.AwaitCompleted(ctx, fileID, job.Done())
	if err != nil {
		h.writeWaitError(ctx, w, modeBlocking, err)

		return
	}

	f, err := os.Open(path)
	if err != nil {
		logger.ErrorContext(ctx, "failed to open downloaded file", "file", path, "err", err)
		h.telemetry.RecordFetch(ctx, modeBlocking, "timeout")
		http.Error(w, "Timeout or File Missing", http.StatusGatewayTimeout)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logger.ErrorContext(ctx, "failed to stat downloaded file", "file", path, "err", err)
		h.telemetry.RecordFetch(ctx, modeBlocking, "timeout")
		http.Error(w, "Timeout or File Missing", http.StatusGatewayTimeout)

		return
	}

	h.setAudioHeaders(w, filepath.Ext(path))

	logger.InfoContext(ctx, "serving song", "size", humanize.Bytes(uint64(info.Size())))
	h.telemetry.RecordFetch(ctx, modeBlocking, "ok")

	http.ServeContent(w, r, h.attachmentName, info.ModTime(), f)
}

func (h *SongHandler) serveStream(ctx context.Context, w http.ResponseWriter, fileID string, job *downloader.Job) {
	logger := logctx.LoggerFromContext(ctx)

	tail, err := h.waiter.AwaitReady(ctx, fileID, job.Done())
	if err != nil {
		h.writeWaitError(ctx, w, modeStream, err)

		return
	}
	defer tail.Close()

	h.setAudioHeaders(w, tail.Ext())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	sent, err := tail.Drain(ctx, newFlushWriter(w))

	attrs := []any{"sent", humanize.Bytes(uint64(sent))}

	switch {
	case err == nil:
		logger.InfoContext(ctx, "stream finished", attrs...)
		h.telemetry.RecordFetch(ctx, modeStream, "ok")
	case errors.Is(err, delivery.ErrClientGone), errors.Is(err, context.Canceled):
		logger.InfoContext(ctx, "client left during stream", append(attrs, "err", err)...)
		h.telemetry.RecordFetch(ctx, modeStream, "client_gone")
	default:
		logger.WarnContext(ctx, "stream ended early", append(attrs, "err", err)...)
		h.telemetry.RecordFetch(ctx, modeStream, "truncated")
	}
}

// writeWaitError maps a failed wait to a response. Nothing has been written
// to w yet.
func (h *SongHandler) writeWaitError(ctx context.Context, w http.ResponseWriter, mode string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	switch {
	case errors.Is(err, delivery.ErrDownloadFailed):
		logger.WarnContext(ctx, "download failed before delivery")
		h.telemetry.RecordFetch(ctx, mode, "download_error")
		http.Error(w, "Download Error", http.StatusInternalServerError)
	case errors.Is(err, delivery.ErrTimeout):
		logger.WarnContext(ctx, "gave up waiting for download")
		h.telemetry.RecordFetch(ctx, mode, "timeout")
		http.Error(w, "Timeout or File Missing", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.InfoContext(ctx, "client left while waiting", "err", err)
		h.telemetry.RecordFetch(ctx, mode, "client_gone")
	default:
		logger.ErrorContext(ctx, "failed waiting for download", "err", err)
		h.telemetry.RecordFetch(ctx, mode, "download_error")
		http.Error(w, "Download Error", http.StatusInternalServerError)
	}
}

func (h *SongHandler) setAudioHeaders(w http.ResponseWriter, ext string) {
	w.Header().Set("Content-Type", contentType(ext))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": h.attachmentName}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// HandleEndSession deletes every file of a session. It accepts a JSON body
// or the bare session id as sent by navigator.sendBeacon.
func (h *SongHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		logger.WarnContext(ctx, "failed to read end session body", "err", err)
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	sid, err := parseSessionID(r.Header.Get("Content-Type"), body)
	if err != nil {
		logger.WarnContext(ctx, "failed to decode end session body", "err", err)
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}

	if sid == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "No session"})

		return
	}

	deleted := h.store.DeleteSession(ctx, sid)
	h.telemetry.RecordFilesReclaimed(ctx, "session_end", deleted)

	writeJSON(ctx, w, http.StatusOK, EndSessionResponse{Status: "ok", Deleted: deleted})
}

func parseSessionID(contentType string, body []byte) (string, error) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/json" || body[0] == '{' {
		var req EndSessionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", fmt.Errorf("failed to decode json body: %w", err)
		}

		return strings.TrimSpace(req.SessionID), nil
	}

	return string(body), nil
}

func contentType(ext string) string {
	if ct, ok := audioTypes[strings.ToLower(ext)]; ok {
		return ct
	}

	return defaultContent
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// flushWriter pushes every write to the client through the response
// controller, which reaches the connection through wrapping middleware.
type flushWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *flushWriter) Flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	return nil
}
