package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/downloader/progress"
	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
	"github.com/dustin/go-humanize"
)

const streamReportInterval = int64(4 << 20) // 4MB

// Flusher is implemented by writers that can push buffered bytes to the
// client.
type Flusher interface {
	Flush() error
}

// Tail reads an output file that may still be growing. The open handle keeps
// reading the same file when the engine renames it from its partial name.
type Tail struct {
	file      *os.File
	fileID    string
	registry  storage.StatusReader
	cfg       Config
	telemetry *telemetry.Telemetry
}

func newTail(f *os.File, fileID string, registry storage.StatusReader, cfg Config, tel *telemetry.Telemetry) *Tail {
	return &Tail{
		file:      f,
		fileID:    fileID,
		registry:  registry,
		cfg:       cfg,
		telemetry: tel,
	}
}

// Ext is the extension of the file as it was opened, without the partial
// suffix.
func (t *Tail) Ext() string {
	name := filepath.Base(t.file.Name())

	for ext := filepath.Ext(name); ext != ""; ext = filepath.Ext(name) {
		switch ext {
		case ".part", ".ytdl":
			name = name[:len(name)-len(ext)]
		default:
			return ext
		}
	}

	return ""
}

// Drain copies the file to w until the download is complete. Every block is
// flushed as soon as it was read. It returns the number of bytes written.
func (t *Tail) Drain(ctx context.Context, w io.Writer) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	reader := progress.NewReader(t.file, 0, streamReportInterval, func(written int64, _ int64) {
		logger.DebugContext(ctx, "stream progress", "sent", humanize.Bytes(uint64(written)))
	})

	chunk := t.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 64 << 10
	}

	buf := make([]byte, chunk)
	lastData := time.Now()

	defer func() {
		t.telemetry.RecordStreamedBytes(ctx, reader.BytesRead())
	}()

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if werr := write(w, buf[:n]); werr != nil {
				return reader.BytesRead() - int64(n), werr
			}

			lastData = time.Now()
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return reader.BytesRead(), fmt.Errorf("failed to read output file: %w", err)
		}

		if n > 0 {
			continue
		}

		status, _, err := t.registry.GetStatus(ctx, t.fileID)
		if err != nil {
			return reader.BytesRead(), fmt.Errorf("failed to read download status: %w", err)
		}

		switch status {
		case storage.StatusCompleted:
			if err := t.drainRest(reader, w, buf); err != nil {
				return reader.BytesRead(), err
			}

			return reader.BytesRead(), nil
		case storage.StatusError:
			return reader.BytesRead(), ErrDownloadFailed
		}

		if time.Since(lastData) >= t.cfg.IdleTimeout {
			return reader.BytesRead(), ErrTimeout
		}

		select {
		case <-ctx.Done():
			return reader.BytesRead(), ctx.Err()
		case <-time.After(t.cfg.TailInterval):
		}
	}
}

// drainRest reads whatever the writer appended between the last read and the
// terminal status.
func (t *Tail) drainRest(r io.Reader, w io.Writer, buf []byte) error {
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := write(w, buf[:n]); werr != nil {
				return werr
			}
		}

		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read output file: %w", err)
		}
	}
}

func (t *Tail) Close() error {
	return t.file.Close()
}

func write(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("%w: %w", ErrClientGone, err)
	}

	if f, ok := w.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrClientGone, err)
		}
	}

	return nil
}
