// Package delivery decides when a download can be handed to a client: either
// once it is complete or, in streaming mode, as soon as enough of it exists
// on disk to start tailing the file.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/session"
	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
)

var (
	ErrTimeout        = errors.New("timed out waiting for download")
	ErrDownloadFailed = errors.New("download failed")
	ErrClientGone     = errors.New("client went away")
)

// Config holds the polling and streaming tunables.
type Config struct {
	FetchPollInterval  time.Duration
	FetchMaxWait       time.Duration
	StreamPollInterval time.Duration
	StreamMaxWait      time.Duration
	StreamMinBytes     int64
	ChunkSize          int
	TailInterval       time.Duration
	IdleTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		FetchPollInterval:  time.Second,
		FetchMaxWait:       120 * time.Second,
		StreamPollInterval: 500 * time.Millisecond,
		StreamMaxWait:      60 * time.Second,
		StreamMinBytes:     2 << 10,
		ChunkSize:          64 << 10,
		TailInterval:       150 * time.Millisecond,
		IdleTimeout:        120 * time.Second,
	}
}

// Locator finds output files on disk.
type Locator interface {
	Locate(ctx context.Context, fileID string) (string, error)
	LocatePartial(ctx context.Context, fileID string) (string, error)
}

// Waiter observes the registry and the download directory on behalf of a
// client. It never changes either.
type Waiter struct {
	registry  storage.StatusReader
	files     Locator
	cfg       Config
	telemetry *telemetry.Telemetry
}

func NewWaiter(registry storage.StatusReader, files Locator, cfg Config, tel *telemetry.Telemetry) *Waiter {
	return &Waiter{
		registry:  registry,
		files:     files,
		cfg:       cfg,
		telemetry: tel,
	}
}

// AwaitCompleted blocks until fileID is completed and its output file exists,
// and returns the file path. done, when not nil, wakes the wait as soon as the
// job ends; the registry stays the source of truth.
func (w *Waiter) AwaitCompleted(ctx context.Context, fileID string, done <-chan struct{}) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	deadline := time.NewTimer(w.cfg.FetchMaxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(w.cfg.FetchPollInterval)
	defer ticker.Stop()

	for {
		status, _, err := w.registry.GetStatus(ctx, fileID)
		if err != nil {
			return "", fmt.Errorf("failed to read download status: %w", err)
		}

		switch status {
		case storage.StatusError:
			return "", ErrDownloadFailed
		case storage.StatusCompleted:
			path, err := w.files.Locate(ctx, fileID)
			if err == nil {
				return path, nil
			}

			if !errors.Is(err, session.ErrNotFound) {
				return "", err
			}

			logger.WarnContext(ctx, "download completed but output file is missing")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrTimeout
		case <-done:
			done = nil
		case <-ticker.C:
		}
	}
}

// AwaitReady blocks until the output of fileID, finished or not, holds at
// least the configured minimum number of bytes, and opens it for tailing. A
// download that completes below the threshold is served as is.
func (w *Waiter) AwaitReady(ctx context.Context, fileID string, done <-chan struct{}) (*Tail, error) {
	deadline := time.NewTimer(w.cfg.StreamMaxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(w.cfg.StreamPollInterval)
	defer ticker.Stop()

	var path string

	for {
		status, _, err := w.registry.GetStatus(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("failed to read download status: %w", err)
		}

		if status == storage.StatusError {
			return nil, ErrDownloadFailed
		}

		tail, resolved, err := w.tryOpen(ctx, fileID, path, status)
		if err != nil {
			return nil, err
		}

		if tail != nil {
			return tail, nil
		}

		path = resolved

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case <-done:
			done = nil
		case <-ticker.C:
		}
	}
}

// tryOpen returns a Tail when the file is ready, otherwise the path to
// remember for the next attempt. The path is resolved again only when the
// cached one disappeared, which happens when the engine renames its partial
// file.
func (w *Waiter) tryOpen(ctx context.Context, fileID, path string, status storage.Status) (*Tail, string, error) {
	completed := status == storage.StatusCompleted

	for attempt := 0; attempt < 2; attempt++ {
		if path == "" || (completed && session.IsPartial(fileID, path)) {
			resolved, err := w.files.LocatePartial(ctx, fileID)
			if errors.Is(err, session.ErrNotFound) {
				return nil, "", nil
			}

			if err != nil {
				return nil, "", err
			}

			path = resolved
		}

		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			path = ""

			continue
		}

		if err != nil {
			return nil, "", fmt.Errorf("failed to stat output file: %w", err)
		}

		if info.Size() < w.cfg.StreamMinBytes && !completed {
			return nil, path, nil
		}

		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			path = ""

			continue
		}

		if err != nil {
			return nil, "", fmt.Errorf("failed to open output file: %w", err)
		}

		logctx.LoggerFromContext(ctx).DebugContext(ctx, "stream ready", "file", path, "size", info.Size(), "completed", completed)

		return newTail(f, fileID, w.registry, w.cfg, w.telemetry), path, nil
	}

	return nil, "", nil
}
