package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/dustin/go-humanize"
)

// Probe endpoints are logged at debug level unless they fail.
var quietPaths = map[string]bool{
	"/healthz":     true,
	"/metrics":     true,
	"/favicon.ico": true,
}

// HTTPLogging logs every request once it completes, at a level chosen by
// status code. Requests carrying a session token are tagged with it so a
// browser's search, fetch and end_session calls can be followed together.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		status := wrapped.status
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", wrapped.bytesWritten,
			"size", humanize.Bytes(uint64(wrapped.bytesWritten)),
			"duration_ms", time.Since(start).Milliseconds(),
		}

		if sid := sessionOf(r); sid != "" {
			attrs = append(attrs, "session_id", sid)
		}

		level := slog.LevelInfo

		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}

		logger.Log(ctx, level, "http request completed", attrs...)
	})
}

// sessionOf finds the session token wherever the client put it: the fetch
// query string, the search header or the player's cookie. The body of
// end_session is never read here.
func sessionOf(r *http.Request) string {
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		return sid
	}

	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}

	if c, err := r.Cookie("session_id"); err == nil {
		return c.Value
	}

	return ""
}
