package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/delivery"
	"github.com/ackermanmoriii/Idontknow/internal/downloader"
	"github.com/ackermanmoriii/Idontknow/internal/extractor"
	"github.com/ackermanmoriii/Idontknow/internal/session"
	"github.com/ackermanmoriii/Idontknow/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEngine implements extractor.Engine for testing.
type mockEngine struct {
	searchFunc   func(ctx context.Context, query string, limit int) ([]extractor.Track, error)
	downloadFunc func(ctx context.Context, req extractor.DownloadRequest) error
	lastLimit    int
}

func (m *mockEngine) Search(ctx context.Context, query string, limit int) ([]extractor.Track, error) {
	m.lastLimit = limit
	if m.searchFunc != nil {
		return m.searchFunc(ctx, query, limit)
	}

	tracks := make([]extractor.Track, 0, limit)
	for i := 0; i < limit; i++ {
		tracks = append(tracks, extractor.Track{
			Title:     query,
			URL:       "https://example.com/watch?v=" + string(rune('a'+i)),
			Thumbnail: "https://example.com/thumb.jpg",
		})
	}

	return tracks, nil
}

func (m *mockEngine) Download(ctx context.Context, req extractor.DownloadRequest) error {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, req)
	}

	return nil
}

func outputPath(req extractor.DownloadRequest, ext string) string {
	return strings.Replace(req.OutputTemplate, "%(ext)s", ext, 1)
}

// writeInStages mimics the engine: write a partial file in chunks, then
// rename it to its final name.
func writeInStages(payload []byte, chunks int, pause time.Duration) func(context.Context, extractor.DownloadRequest) error {
	return func(_ context.Context, req extractor.DownloadRequest) error {
		final := outputPath(req, "m4a")
		part := final + ".part"

		f, err := os.Create(part)
		if err != nil {
			return err
		}

		step := len(payload) / chunks
		for i := 0; i < chunks; i++ {
			end := (i + 1) * step
			if i == chunks-1 {
				end = len(payload)
			}

			if _, err := f.Write(payload[i*step : end]); err != nil {
				f.Close()

				return err
			}

			time.Sleep(pause)
		}

		if err := f.Close(); err != nil {
			return err
		}

		return os.Rename(part, final)
	}
}

type testEnv struct {
	engine  *mockEngine
	store   *session.Store
	handler http.Handler
}

func newTestEnv(t *testing.T, engine *mockEngine, tune func(*delivery.Config)) *testEnv {
	t.Helper()

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	reg := memory.NewRegistry()
	dl := downloader.NewDownloader(engine, reg, store, nil, time.Minute)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = dl.Shutdown(ctx)
	})

	cfg := delivery.Config{
		FetchPollInterval:  10 * time.Millisecond,
		FetchMaxWait:       3 * time.Second,
		StreamPollInterval: 10 * time.Millisecond,
		StreamMaxWait:      3 * time.Second,
		StreamMinBytes:     1024,
		ChunkSize:          512,
		TailInterval:       5 * time.Millisecond,
		IdleTimeout:        3 * time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}

	waiter := delivery.NewWaiter(reg, store, cfg, nil)
	h := NewSongHandler(engine, store, dl, waiter, nil, 5, "song.m4a")

	return &testEnv{engine: engine, store: store, handler: h.Routes()}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func fetchURL(path, sourceURL, sid string, extra url.Values) string {
	q := url.Values{}
	if sourceURL != "" {
		q.Set("url", sourceURL)
	}

	if sid != "" {
		q.Set("session_id", sid)
	}

	for k, v := range extra {
		q[k] = v
	}

	return path + "?" + q.Encode()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestHandleSearch(t *testing.T) {
	t.Run("missing query", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"  "}`)))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No query", decodeBody(t, rec)["error"])
	})

	t.Run("empty body", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", http.NoBody))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No query", decodeBody(t, rec)["error"])
	})

	t.Run("invalid json", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":`)))

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("single result", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"bohemian rhapsody"}`)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		body := decodeBody(t, rec)
		assert.Equal(t, "bohemian rhapsody", body["title"])
		assert.Equal(t, "https://example.com/watch?v=a", body["url"])
		assert.Equal(t, "https://example.com/thumb.jpg", body["thumbnail"])
		assert.NotContains(t, body, "duration")
		assert.Equal(t, 1, env.engine.lastLimit)
	})

	t.Run("result list is capped", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"queen","limit":50}`)))

		require.Equal(t, http.StatusOK, rec.Code)

		var res SearchResults
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Len(t, res.Results, 5)
		assert.Equal(t, 5, env.engine.lastLimit)
	})

	t.Run("no results", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{
			searchFunc: func(_ context.Context, q string, _ int) ([]extractor.Track, error) {
				return nil, &extractor.ResolutionError{Query: q, Reason: "no results", Err: extractor.ErrNoResults}
			},
		}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"zzzz"}`)))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("engine failure", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{
			searchFunc: func(_ context.Context, q string, _ int) ([]extractor.Track, error) {
				return nil, &extractor.ResolutionError{Query: q, Reason: "ERROR: Sign in to confirm"}
			},
		}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"queen"}`)))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["error"], "Sign in to confirm")
	})

	t.Run("session header drops old files", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		old := filepath.Join(env.store.Dir(), "abc_old.m4a")
		other := filepath.Join(env.store.Dir(), "xyz_old.m4a")
		require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

		req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"queen"}`))
		req.Header.Set(SessionHeader, "abc")

		rec := env.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NoFileExists(t, old)
		assert.FileExists(t, other)
	})
}

func TestHandleFetch_Validation(t *testing.T) {
	env := newTestEnv(t, &mockEngine{}, nil)

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no url", fetchURL("/fetch_song", "", "abc", nil), "Missing Data"},
		{"no session", fetchURL("/fetch_song", "https://example.com/v", "", nil), "Missing Data"},
		{"bad session", fetchURL("/fetch_song", "https://example.com/v", "a_b", nil), "Invalid Session"},
		{"stream no url", fetchURL("/stream_song", "", "abc", nil), "Missing Data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.url, nil))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestHandleFetch_Blocking(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)

	env := newTestEnv(t, &mockEngine{downloadFunc: writeInStages(payload, 4, 5*time.Millisecond)}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL("/fetch_song", "https://example.com/v", "abc", nil), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
	assert.Equal(t, "10000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "audio/mp4", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "song.m4a")

	matches, err := filepath.Glob(filepath.Join(env.store.Dir(), "abc_*.m4a"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestHandleFetch_DownloadError(t *testing.T) {
	env := newTestEnv(t, &mockEngine{
		downloadFunc: func(_ context.Context, req extractor.DownloadRequest) error {
			return &extractor.TransferError{SourceURL: req.SourceURL, Reason: "Video unavailable"}
		},
	}, func(c *delivery.Config) { c.FetchPollInterval = time.Hour })

	start := time.Now()
	rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL("/fetch_song", "https://example.com/v", "abc", nil), nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Download Error", strings.TrimSpace(rec.Body.String()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandleFetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	env := newTestEnv(t, &mockEngine{
		downloadFunc: func(ctx context.Context, _ extractor.DownloadRequest) error {
			select {
			case <-release:
			case <-ctx.Done():
			}

			return nil
		},
	}, func(c *delivery.Config) { c.FetchMaxWait = 100 * time.Millisecond })

	rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL("/fetch_song", "https://example.com/v", "abc", nil), nil))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "Timeout or File Missing", strings.TrimSpace(rec.Body.String()))
}

func TestHandleFetch_Stream(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefghij"), 2000)

	for _, path := range []string{"/stream_song", "/fetch_song"} {
		t.Run(path, func(t *testing.T) {
			env := newTestEnv(t, &mockEngine{downloadFunc: writeInStages(payload, 10, 10*time.Millisecond)}, nil)

			var extra url.Values
			if path == "/fetch_song" {
				extra = url.Values{"mode": {"stream"}}
			}

			rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL(path, "https://example.com/v", "abc", extra), nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, payload, rec.Body.Bytes())
			assert.Empty(t, rec.Header().Get("Content-Length"))
			assert.Equal(t, "audio/mp4", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("Content-Disposition"), "song.m4a")
			assert.True(t, rec.Flushed)
		})
	}
}

func TestHandleFetch_StreamDownloadError(t *testing.T) {
	env := newTestEnv(t, &mockEngine{
		downloadFunc: func(context.Context, extractor.DownloadRequest) error {
			return &extractor.TransferError{SourceURL: "u", Reason: "Video unavailable"}
		},
	}, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL("/stream_song", "https://example.com/v", "abc", nil), nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Download Error", strings.TrimSpace(rec.Body.String()))
}

func TestHandleFetch_StreamTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	env := newTestEnv(t, &mockEngine{
		downloadFunc: func(ctx context.Context, _ extractor.DownloadRequest) error {
			select {
			case <-release:
			case <-ctx.Done():
			}

			return nil
		},
	}, func(c *delivery.Config) { c.StreamMaxWait = 100 * time.Millisecond })

	rec := env.do(httptest.NewRequest(http.MethodGet, fetchURL("/stream_song", "https://example.com/v", "abc", nil), nil))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandleEndSession(t *testing.T) {
	seed := func(t *testing.T, env *testEnv) (string, string) {
		t.Helper()

		mine := filepath.Join(env.store.Dir(), "abc_1.m4a")
		other := filepath.Join(env.store.Dir(), "abcd_1.m4a")
		require.NoError(t, os.WriteFile(mine, []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

		return mine, other
	}

	t.Run("json body", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)
		mine, other := seed(t, env)

		req := httptest.NewRequest(http.MethodPost, "/end_session", strings.NewReader(`{"session_id":"abc"}`))
		req.Header.Set("Content-Type", "application/json")

		rec := env.do(req)

		require.Equal(t, http.StatusOK, rec.Code)

		var res EndSessionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, EndSessionResponse{Status: "ok", Deleted: 1}, res)
		assert.NoFileExists(t, mine)
		assert.FileExists(t, other)
	})

	t.Run("beacon text body", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)
		mine, _ := seed(t, env)

		req := httptest.NewRequest(http.MethodPost, "/end_session", strings.NewReader("abc"))
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

		rec := env.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NoFileExists(t, mine)
	})

	t.Run("unknown session deletes nothing", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)
		mine, other := seed(t, env)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/end_session", strings.NewReader("nobody")))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 0, decodeBody(t, rec)["deleted"])
		assert.FileExists(t, mine)
		assert.FileExists(t, other)
	})

	t.Run("missing session", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		rec := env.do(httptest.NewRequest(http.MethodPost, "/end_session", http.NoBody))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		env := newTestEnv(t, &mockEngine{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/end_session", strings.NewReader(`{"session_id":`))
		req.Header.Set("Content-Type", "application/json")

		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/mp4", contentType(".m4a"))
	assert.Equal(t, "audio/webm", contentType(".WEBM"))
	assert.Equal(t, "audio/mpeg", contentType(".mp3"))
	assert.Equal(t, "audio/ogg", contentType(".opus"))
	assert.Equal(t, "audio/mp4", contentType(""))
}
