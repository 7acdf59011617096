package progress

import (
	"io"
	"sync"
)

// Reporter throttles progress callbacks: it fires every interval bytes and
// once when five percent of a known total is crossed.
type Reporter struct {
	mu             sync.Mutex
	OnProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // cumulative total at the last report
	reportInterval int64 // bytes
}

func NewReporter(interval int64, cb func(written int64, total int64)) *Reporter {
	return &Reporter{
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Update records the cumulative byte count. Counts lower than the last one
// seen are ignored.
func (r *Reporter) Update(written, total int64) {
	r.mu.Lock()

	if written <= r.totalRead {
		r.mu.Unlock()

		return
	}

	prev := r.totalRead
	r.totalRead = written

	fire := written-r.lastReport >= r.reportInterval ||
		(total > 0 && written*100/total >= 5 && prev*100/total < 5)
	if fire {
		r.lastReport = written
	}

	r.mu.Unlock()

	if fire && r.OnProgress != nil {
		r.OnProgress(written, total)
	}
}

// Written returns the last cumulative count.
func (r *Reporter) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.totalRead
}

// ProgressReader wraps an io.Reader and reports progress via a callback.
type ProgressReader struct {
	Reader   io.Reader
	Total    int64
	reporter *Reporter
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:   r,
		Total:    total,
		reporter: NewReporter(interval, cb),
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.reporter.Update(pr.reporter.Written()+int64(n), pr.Total)
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.reporter.Written()
}
