package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/lrstanley/go-ytdlp"
)

const (
	engineName       = "ytdlp"
	progressInterval = 500 * time.Millisecond
)

// Options configures every yt-dlp invocation.
type Options struct {
	// Executable overrides the yt-dlp binary looked up on PATH.
	Executable          string
	Format              string
	CookieFile          string
	SourceAddress       string
	SocketTimeout       time.Duration
	Retries             int
	FragmentRetries     int
	RetrySleep          time.Duration
	HTTPChunkSize       string
	ConcurrentFragments int
	LimitRate           string
}

// Ytdlp is an Engine backed by the yt-dlp command line tool.
type Ytdlp struct {
	opts Options
}

func NewYtdlp(opts Options) *Ytdlp {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}

	return &Ytdlp{opts: opts}
}

// Install makes sure a yt-dlp binary is available, downloading one into the
// user cache directory when none is found.
func Install(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to install yt-dlp: %w", err)
	}

	logger.InfoContext(ctx, "yt-dlp available", "path", resolved.Executable, "version", resolved.Version)

	return nil
}

func (y *Ytdlp) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	if limit < 1 {
		limit = 1
	}

	cmd := y.command(ctx).
		DefaultSearch(fmt.Sprintf("ytsearch%d", limit)).
		DumpJSON()

	res, err := cmd.Run(ctx, query)
	if err != nil {
		return nil, &ResolutionError{Query: query, Reason: failureReason(res, err), Err: err}
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, &ResolutionError{Query: query, Reason: "unreadable engine output", Err: err}
	}

	tracks := make([]Track, 0, len(infos))

	for _, info := range infos {
		if t, ok := trackFromInfo(info); ok {
			tracks = append(tracks, t)
		}

		if len(tracks) == limit {
			break
		}
	}

	if len(tracks) == 0 {
		return nil, &ResolutionError{Query: query, Reason: "no results", Err: ErrNoResults}
	}

	return tracks, nil
}

func (y *Ytdlp) Download(ctx context.Context, req DownloadRequest) error {
	cmd := y.command(ctx).
		Format(y.opts.Format).
		Output(req.OutputTemplate)

	if y.opts.Retries > 0 {
		cmd = cmd.Retries(strconv.Itoa(y.opts.Retries))
	}

	if y.opts.FragmentRetries > 0 {
		cmd = cmd.FragmentRetries(strconv.Itoa(y.opts.FragmentRetries))
	}

	if y.opts.RetrySleep > 0 {
		cmd = cmd.RetrySleep(retrySleepArg(y.opts.RetrySleep))
	}

	if y.opts.HTTPChunkSize != "" {
		cmd = cmd.HTTPChunkSize(y.opts.HTTPChunkSize)
	}

	if y.opts.ConcurrentFragments > 1 {
		cmd = cmd.ConcurrentFragments(y.opts.ConcurrentFragments)
	}

	if y.opts.LimitRate != "" {
		cmd = cmd.LimitRate(y.opts.LimitRate)
	}

	if req.OnProgress != nil {
		cmd = cmd.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
			req.OnProgress(int64(update.DownloadedBytes), int64(update.TotalBytes))
		})
	}

	res, err := cmd.Run(ctx, req.SourceURL)
	if err != nil {
		te := &TransferError{SourceURL: req.SourceURL, Reason: failureReason(res, err), Err: err}
		if res != nil {
			te.ExitCode = res.ExitCode
		}

		return te
	}

	return nil
}

// command builds the options shared by search and download.
func (y *Ytdlp) command(ctx context.Context) *ytdlp.Command {
	cmd := ytdlp.New().
		NoPlaylist().
		Quiet().
		NoWarnings()

	if y.opts.Executable != "" {
		cmd = cmd.SetExecutable(y.opts.Executable)
	}

	if y.opts.SourceAddress != "" {
		cmd = cmd.SourceAddress(y.opts.SourceAddress)
	}

	if y.opts.SocketTimeout > 0 {
		cmd = cmd.SocketTimeout(y.opts.SocketTimeout.Seconds())
	}

	// The cookie file may be created or removed while the process runs.
	if y.opts.CookieFile != "" {
		if _, err := os.Stat(y.opts.CookieFile); err == nil {
			cmd = cmd.Cookies(y.opts.CookieFile)
		} else {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "cookie file not available", "path", y.opts.CookieFile)
		}
	}

	return cmd
}

func trackFromInfo(info *ytdlp.ExtractedInfo) (Track, bool) {
	if info == nil {
		return Track{}, false
	}

	t := Track{
		ID:        info.ID,
		Title:     deref(info.Title),
		URL:       deref(info.WebpageURL),
		Thumbnail: deref(info.Thumbnail),
	}

	if info.Duration != nil {
		t.Duration = *info.Duration
	}

	if t.URL == "" {
		return Track{}, false
	}

	return t, true
}

func retrySleepArg(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// failureReason picks the last non-empty stderr line, which is where yt-dlp
// reports the fatal error.
func failureReason(res *ytdlp.Result, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err.Error()
	}

	if res != nil {
		lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}

	return err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
