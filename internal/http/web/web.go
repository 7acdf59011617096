// Package web serves the single-page player and its PWA assets.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const SessionCookie = "session_id"

//go:embed assets
var assets embed.FS

type pageData struct {
	Title     string
	SessionID string
}

type Handler struct {
	index *template.Template
	title string
}

func NewHandler(title string) (*Handler, error) {
	index, err := template.ParseFS(assets, "assets/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse index template: %w", err)
	}

	if title == "" {
		title = "Song Fetch"
	}

	return &Handler{index: index, title: title}, nil
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleIndex)
	r.Get("/manifest.json", h.serveAsset("assets/manifest.json", "application/manifest+json"))
	r.Get("/sw.js", h.HandleServiceWorker)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// HandleIndex renders the player. Browsers without a valid session cookie get
// a fresh one.
func (h *Handler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sid := ""
	if c, err := r.Cookie(SessionCookie); err == nil && session.ValidateSession(c.Value) == nil {
		sid = c.Value
	}

	if sid == "" {
		sid = uuid.NewString()

		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if err := h.index.Execute(w, pageData{Title: h.title, SessionID: sid}); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to render index", "err", err)
	}
}

func (h *Handler) HandleServiceWorker(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Service-Worker-Allowed", "/")
	h.serveAsset("assets/sw.js", "text/javascript; charset=utf-8")(w, r)
}

func (h *Handler) serveAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := assets.ReadFile(name)
		if err != nil {
			logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "missing embedded asset", "asset", name, "err", err)
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(data)
	}
}
