package downloader

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/storage"
)

// Job is the supervised handle of one background download.
type Job struct {
	FileID    string
	SourceURL string
	StartedAt time.Time

	done       chan struct{}
	downloaded atomic.Int64

	mu         sync.RWMutex
	status     storage.Status
	err        error
	finishedAt time.Time
}

func newJob(fileID, sourceURL string) *Job {
	return &Job{
		FileID:    fileID,
		SourceURL: sourceURL,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		status:    storage.StatusDownloading,
	}
}

// Done is closed once the job reached a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Status() storage.Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.status
}

// Err returns the failure of a job that ended in error.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.err
}

// FinishedAt is zero while the job runs.
func (j *Job) FinishedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.finishedAt
}

// Downloaded is the last byte count reported by the engine.
func (j *Job) Downloaded() int64 {
	return j.downloaded.Load()
}

func (j *Job) setDownloaded(n int64) {
	j.downloaded.Store(n)
}

func (j *Job) finish(status storage.Status, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.finishedAt = time.Now()
	j.mu.Unlock()

	close(j.done)
}
