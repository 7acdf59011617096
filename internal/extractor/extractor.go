// Package extractor resolves song queries into source URLs and fetches the
// best audio track of a source URL to local disk.
package extractor

import (
	"context"
	"errors"
)

// DefaultFormat prefers an m4a audio-only track and falls back to the best
// combined format.
const DefaultFormat = "bestaudio[ext=m4a]/best"

var ErrNoResults = errors.New("no results")

// Engine is the extraction engine behind search and download.
type Engine interface {
	// Search runs a metadata-only lookup and returns at most limit tracks.
	Search(ctx context.Context, query string, limit int) ([]Track, error)
	// Download writes the audio of req.SourceURL to req.OutputTemplate. It
	// blocks until the engine exits.
	Download(ctx context.Context, req DownloadRequest) error
}

type Track struct {
	ID        string  `json:"-"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration,omitempty"`
}

type DownloadRequest struct {
	SourceURL string
	// OutputTemplate is a yt-dlp style template; the engine fills in %(ext)s.
	OutputTemplate string
	// OnProgress, when set, receives cumulative byte counts. total is zero
	// when the engine does not know the final size.
	OnProgress func(downloaded, total int64)
}
