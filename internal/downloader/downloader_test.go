package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/extractor"
	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirNamer string

func (d dirNamer) OutputTemplate(fileID string) string {
	return filepath.Join(string(d), fileID+".%(ext)s")
}

// scriptedEngine writes payload to the output file and then waits for
// release (if set) before returning err.
type scriptedEngine struct {
	payload []byte
	release chan struct{}
	err     error
	panics  bool
}

func (e *scriptedEngine) Search(context.Context, string, int) ([]extractor.Track, error) {
	return nil, extractor.ErrNoResults
}

func (e *scriptedEngine) Download(ctx context.Context, req extractor.DownloadRequest) error {
	if e.panics {
		panic("engine exploded")
	}

	path := strings.Replace(req.OutputTemplate, "%(ext)s", "m4a", 1)
	if err := os.WriteFile(path, e.payload, 0o644); err != nil {
		return err
	}

	if req.OnProgress != nil {
		req.OnProgress(int64(len(e.payload)), int64(len(e.payload)))
	}

	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.err
}

func newTestDownloader(t *testing.T, engine extractor.Engine, timeout time.Duration) (*Downloader, *memory.Registry, string) {
	t.Helper()

	dir := t.TempDir()
	reg := memory.NewRegistry()
	d := NewDownloader(engine, reg, dirNamer(dir), nil, timeout)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = d.Shutdown(ctx)
	})

	return d, reg, dir
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
}

func TestStart_SetsDownloadingSynchronously(t *testing.T) {
	engine := &scriptedEngine{payload: []byte("audio"), release: make(chan struct{})}
	d, reg, dir := newTestDownloader(t, engine, time.Minute)

	ctx := context.Background()

	job, err := d.Start(ctx, "https://example.com/v", "abc_1")
	require.NoError(t, err)

	status, ok, err := reg.GetStatus(ctx, "abc_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.StatusDownloading, status)
	assert.Equal(t, storage.StatusDownloading, job.Status())
	assert.True(t, job.FinishedAt().IsZero())

	close(engine.release)
	waitDone(t, job)

	status, _, err = reg.GetStatus(ctx, "abc_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status)
	assert.Equal(t, storage.StatusCompleted, job.Status())
	assert.NoError(t, job.Err())
	assert.EqualValues(t, 5, job.Downloaded())
	assert.FileExists(t, filepath.Join(dir, "abc_1.m4a"))
}

func TestStart_OutlivesRequestContext(t *testing.T) {
	engine := &scriptedEngine{payload: []byte("audio"), release: make(chan struct{})}
	d, reg, _ := newTestDownloader(t, engine, time.Minute)

	reqCtx, cancel := context.WithCancel(context.Background())

	job, err := d.Start(reqCtx, "https://example.com/v", "abc_1")
	require.NoError(t, err)

	cancel()
	close(engine.release)
	waitDone(t, job)

	status, _, _ := reg.GetStatus(context.Background(), "abc_1")
	assert.Equal(t, storage.StatusCompleted, status)
}

func TestStart_EngineError(t *testing.T) {
	cause := &extractor.TransferError{SourceURL: "u", Reason: "unavailable"}
	d, reg, _ := newTestDownloader(t, &scriptedEngine{err: cause}, time.Minute)

	job, err := d.Start(context.Background(), "u", "abc_1")
	require.NoError(t, err)
	waitDone(t, job)

	status, _, _ := reg.GetStatus(context.Background(), "abc_1")
	assert.Equal(t, storage.StatusError, status)
	assert.ErrorIs(t, job.Err(), cause)

	select {
	case failed := <-d.OnJobFailed:
		assert.Same(t, job, failed)
	case <-time.After(time.Second):
		t.Fatal("no failure notification")
	}
}

func TestStart_PanicBecomesError(t *testing.T) {
	d, reg, _ := newTestDownloader(t, &scriptedEngine{panics: true}, time.Minute)

	job, err := d.Start(context.Background(), "u", "abc_1")
	require.NoError(t, err)
	waitDone(t, job)

	status, _, _ := reg.GetStatus(context.Background(), "abc_1")
	assert.Equal(t, storage.StatusError, status)
	assert.ErrorContains(t, job.Err(), "engine exploded")
}

func TestStart_JobTimeout(t *testing.T) {
	engine := &scriptedEngine{release: make(chan struct{})}
	d, reg, _ := newTestDownloader(t, engine, 50*time.Millisecond)

	job, err := d.Start(context.Background(), "u", "abc_1")
	require.NoError(t, err)
	waitDone(t, job)

	status, _, _ := reg.GetStatus(context.Background(), "abc_1")
	assert.Equal(t, storage.StatusError, status)
	assert.ErrorIs(t, job.Err(), context.DeadlineExceeded)
}

func TestStart_Duplicate(t *testing.T) {
	engine := &scriptedEngine{release: make(chan struct{})}
	d, reg, _ := newTestDownloader(t, engine, time.Minute)

	ctx := context.Background()

	job, err := d.Start(ctx, "u", "abc_1")
	require.NoError(t, err)

	_, err = d.Start(ctx, "u", "abc_1")
	require.ErrorIs(t, err, ErrDuplicateJob)

	// A file id known only to the registry is rejected as well.
	require.NoError(t, reg.SetStatus(ctx, "abc_2", storage.StatusDownloading))

	_, err = d.Start(ctx, "u", "abc_2")
	require.ErrorIs(t, err, ErrDuplicateJob)

	close(engine.release)
	waitDone(t, job)
}

func TestJobAndEvict(t *testing.T) {
	d, _, _ := newTestDownloader(t, &scriptedEngine{}, time.Minute)

	ctx := context.Background()

	job, err := d.Start(ctx, "u", "abc_1")
	require.NoError(t, err)
	waitDone(t, job)

	got, ok := d.Job("abc_1")
	require.True(t, ok)
	assert.Same(t, job, got)

	evicted, err := d.Evict(ctx, job.FinishedAt())
	require.NoError(t, err)
	assert.Zero(t, evicted)

	evicted, err = d.Evict(ctx, job.FinishedAt().Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, ok = d.Job("abc_1")
	assert.False(t, ok)
}

func TestEvict_KeepsRunningJobs(t *testing.T) {
	engine := &scriptedEngine{release: make(chan struct{})}
	d, _, _ := newTestDownloader(t, engine, time.Minute)

	job, err := d.Start(context.Background(), "u", "abc_1")
	require.NoError(t, err)

	evicted, err := d.Evict(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, evicted)

	close(engine.release)
	waitDone(t, job)
}

func TestShutdown_CancelsStragglers(t *testing.T) {
	engine := &scriptedEngine{release: make(chan struct{})}
	d, reg, _ := newTestDownloader(t, engine, time.Minute)

	job, err := d.Start(context.Background(), "u", "abc_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = d.Shutdown(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	waitDone(t, job)

	status, _, _ := reg.GetStatus(context.Background(), "abc_1")
	assert.Equal(t, storage.StatusError, status)
	assert.ErrorIs(t, job.Err(), context.Canceled)
}
