package downloader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/downloader/progress"
	"github.com/ackermanmoriii/Idontknow/internal/extractor"
	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
	"github.com/dustin/go-humanize"
)

const (
	DefaultJobTimeout = 8 * time.Minute

	progressInterval = int64(1 << 20) // 1MB
	failedBuffer     = 16
)

var ErrDuplicateJob = errors.New("download already started for file id")

// OutputNamer maps a file id to the engine output template.
type OutputNamer interface {
	OutputTemplate(fileID string) string
}

type Downloader struct {
	engine     extractor.Engine
	registry   storage.StatusRegistry
	namer      OutputNamer
	telemetry  *telemetry.Telemetry
	jobTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup

	stop   context.Context
	cancel context.CancelFunc

	// OnJobFailed receives failed jobs. Sends never block: when nobody keeps
	// up with the channel the notification is dropped.
	OnJobFailed chan *Job
}

func NewDownloader(
	engine extractor.Engine,
	registry storage.StatusRegistry,
	namer OutputNamer,
	tel *telemetry.Telemetry,
	jobTimeout time.Duration,
) *Downloader {
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	stop, cancel := context.WithCancel(context.Background())

	return &Downloader{
		engine:      engine,
		registry:    registry,
		namer:       namer,
		telemetry:   tel,
		jobTimeout:  jobTimeout,
		jobs:        make(map[string]*Job),
		stop:        stop,
		cancel:      cancel,
		OnJobFailed: make(chan *Job, failedBuffer),
	}
}

// Start marks fileID as downloading and runs the download in the background.
// The job outlives ctx: it is bounded only by the job timeout and Shutdown.
func (d *Downloader) Start(ctx context.Context, sourceURL, fileID string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[fileID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, fileID)
	}

	if err := d.registry.SetStatus(ctx, fileID, storage.StatusDownloading); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, fileID)
		}

		return nil, fmt.Errorf("failed to register download: %w", err)
	}

	job := newJob(fileID, sourceURL)
	d.jobs[fileID] = job

	jobCtx, _ := logctx.With(context.WithoutCancel(ctx), "file_id", fileID)

	d.wg.Add(1)

	go d.run(jobCtx, job)

	return job, nil
}

// Job returns the handle of a started download.
func (d *Downloader) Job(fileID string) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[fileID]

	return job, ok
}

// Evict forgets finished jobs that ended before the given time.
func (d *Downloader) Evict(_ context.Context, before time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0

	for id, job := range d.jobs {
		finished := job.FinishedAt()
		if finished.IsZero() || !finished.Before(before) {
			continue
		}

		delete(d.jobs, id)

		evicted++
	}

	return evicted, nil
}

// Shutdown waits for running jobs. When ctx ends first, the remaining jobs are
// cancelled and ctx's error is returned.
func (d *Downloader) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()

		return ctx.Err()
	}
}

func (d *Downloader) run(ctx context.Context, job *Job) {
	defer d.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "download started", "source_url", job.SourceURL)

	err := d.download(ctx, job)

	status := storage.StatusCompleted
	if err != nil {
		status = storage.StatusError
	}

	// The registry must turn terminal before Done is closed, so a woken
	// consumer never reads a stale status.
	if setErr := d.registry.SetStatus(ctx, job.FileID, status); setErr != nil {
		logger.ErrorContext(ctx, "failed to record download status", "status", status, "err", setErr)
		d.telemetry.RecordSystemError(ctx, "downloader", "registry")
	}

	job.finish(status, err)

	elapsed := job.FinishedAt().Sub(job.StartedAt)

	if err != nil {
		logger.ErrorContext(ctx, "download failed", "source_url", job.SourceURL, "duration", elapsed, "err", err)

		select {
		case d.OnJobFailed <- job:
		default:
			logger.WarnContext(ctx, "dropping failure notification")
		}

		return
	}

	logger.InfoContext(ctx, "download completed",
		"duration", elapsed,
		"downloaded", humanize.Bytes(uint64(job.Downloaded())))
}

func (d *Downloader) download(ctx context.Context, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	stop := context.AfterFunc(d.stop, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download panicked", "panic", r, "stack", string(debug.Stack()))
			d.telemetry.RecordSystemError(ctx, "downloader", "panic")

			err = fmt.Errorf("download panicked: %v", r)
		}
	}()

	logger := logctx.LoggerFromContext(ctx)

	reporter := progress.NewReporter(progressInterval, func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
		}
	})

	req := extractor.DownloadRequest{
		SourceURL:      job.SourceURL,
		OutputTemplate: d.namer.OutputTemplate(job.FileID),
		OnProgress: func(downloaded, total int64) {
			job.setDownloaded(downloaded)
			reporter.Update(downloaded, total)
		},
	}

	return d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return d.engine.Download(ctx, req)
	})
}
