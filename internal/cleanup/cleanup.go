package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
	"github.com/dustin/go-humanize"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultRetention = 10 * time.Minute
)

// DeleteExpiredFiles deletes regular files in dir last written more than
// retention before now. Files removed concurrently are skipped; other
// per-file failures are logged and the sweep goes on. It returns the number
// of files and bytes reclaimed.
func DeleteExpiredFiles(ctx context.Context, dir string, retention time.Duration, now time.Time) (int, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read directory: %w", err)
	}

	var (
		deleted   int
		reclaimed int64
	)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		filePath := filepath.Join(dir, e.Name())

		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.ErrorContext(ctx, "failed to stat file", "file", filePath, "err", err)
			}

			continue
		}

		// Age counts from the last write, so a file still growing is kept.
		if now.Sub(info.ModTime()) <= retention {
			continue
		}

		if err := os.Remove(filePath); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.ErrorContext(ctx, "failed to delete expired file", "file", filePath, "err", err)
			}

			continue
		}

		deleted++
		reclaimed += info.Size()

		logger.DebugContext(ctx, "deleted expired file", "file", filePath, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return deleted, reclaimed, nil
}

// Evictor drops in-memory bookkeeping older than a cutoff.
type Evictor interface {
	Evict(ctx context.Context, before time.Time) (int, error)
}

// Reaper periodically removes expired downloads and evicts stale state.
type Reaper struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	stateTTL  time.Duration
	evictors  map[string]Evictor
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewReaper(dir string, retention, interval, stateTTL time.Duration, tel *telemetry.Telemetry) *Reaper {
	if retention <= 0 {
		retention = DefaultRetention
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Reaper{
		dir:       dir,
		retention: retention,
		interval:  interval,
		stateTTL:  stateTTL,
		evictors:  make(map[string]Evictor),
		telemetry: tel,
		now:       time.Now,
	}
}

// AddEvictor registers state evicted on every sweep. Call before Run.
func (r *Reaper) AddEvictor(name string, e Evictor) {
	r.evictors[name] = e
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "starting cleanup", "interval", r.interval, "retention", r.retention)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping cleanup")

			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. Nothing that goes wrong inside a sweep,
// panics included, escapes it.
func (r *Reaper) Sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "cleanup sweep panicked", "panic", rec, "stack", string(debug.Stack()))
			r.telemetry.RecordSystemError(ctx, "cleanup", "panic")
		}
	}()

	now := r.now()

	deleted, reclaimed, err := DeleteExpiredFiles(ctx, r.dir, r.retention, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete expired files", "err", err)
		r.telemetry.RecordSystemError(ctx, "cleanup", "sweep")
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "deleted expired files", "count", deleted, "reclaimed", humanize.Bytes(uint64(reclaimed)))
		r.telemetry.RecordFilesReclaimed(ctx, "expired", deleted)
	}

	if r.stateTTL <= 0 {
		return
	}

	for name, e := range r.evictors {
		evicted, err := e.Evict(ctx, now.Add(-r.stateTTL))
		if err != nil {
			logger.ErrorContext(ctx, "failed to evict state", "state", name, "err", err)

			continue
		}

		if evicted > 0 {
			logger.DebugContext(ctx, "evicted state", "state", name, "count", evicted)
		}
	}
}
