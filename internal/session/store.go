// Package session owns the download directory: it names files after the
// session that requested them, finds them again by prefix and deletes them
// per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ackermanmoriii/Idontknow/internal/logctx"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	dirPerm = 0755

	// Separator joins the session token and the unique suffix of a file id.
	// It is not allowed inside tokens, so "{session}_*" never matches files of
	// another session.
	Separator = "_"

	maxTokenLen = 128
)

var (
	ErrInvalidSession = errors.New("invalid session id")
	ErrNotFound       = errors.New("output file not found")
)

// partialMarkers identify files the extraction engine is still writing or
// uses as scratch space. They are only matched after the file id, since
// session tokens may contain them.
var partialMarkers = []string{".part", ".ytdl", "-Frag", ".temp."}

const partSuffix = ".part"

type fileKind int

const (
	kindFinal   fileKind = iota
	kindPart             // the single file the engine appends the download to
	kindScratch          // fragments, state files and other engine internals
)

// Store is the session-scoped view of the download directory.
type Store struct {
	dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download directory: %w", err)
	}

	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// ValidateSession accepts tokens made of ASCII letters, digits and '-'.
func ValidateSession(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}

	if len(token) > maxTokenLen {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSession, maxTokenLen)
	}

	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSession, c)
		}
	}

	return nil
}

// NewFileID returns a fresh "{session}_{uuid}" identifier.
func NewFileID(session string) (string, error) {
	if err := ValidateSession(session); err != nil {
		return "", err
	}

	return session + Separator + uuid.NewString(), nil
}

// SessionOf returns the session token a file id belongs to.
func SessionOf(fileID string) string {
	session, _, _ := strings.Cut(fileID, Separator)

	return session
}

// OutputTemplate is the yt-dlp output template for fileID; the engine picks
// the extension.
func (s *Store) OutputTemplate(fileID string) string {
	return filepath.Join(s.dir, fileID+".%(ext)s")
}

// Locate finds the finished output file of fileID. Several candidates
// resolve to the lexicographically first.
func (s *Store) Locate(ctx context.Context, fileID string) (string, error) {
	return s.locate(ctx, fileID, false)
}

// LocatePartial is Locate for readers that tail a file still being written:
// without a finished file it falls back to the "{fileID}.{ext}.part" file.
// Fragments and engine state files are never returned.
func (s *Store) LocatePartial(ctx context.Context, fileID string) (string, error) {
	return s.locate(ctx, fileID, true)
}

func (s *Store) locate(ctx context.Context, fileID string, allowPartial bool) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, fileID+".*"))
	if err != nil {
		return "", fmt.Errorf("failed to glob output file: %w", err)
	}

	var final, partial []string

	for _, m := range matches {
		switch classify(fileID, m) {
		case kindFinal:
			final = append(final, m)
		case kindPart:
			partial = append(partial, m)
		}
	}

	candidates := final
	if len(candidates) == 0 && allowPartial {
		candidates = partial
	}

	if len(candidates) == 0 {
		return "", ErrNotFound
	}

	sort.Strings(candidates)

	if len(candidates) > 1 {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "several output files match one file id",
			"file_id", fileID, "candidates", candidates, "chosen", candidates[0])
	}

	return candidates[0], nil
}

// IsPartial reports whether path, an output file of fileID, is unfinished or
// an engine scratch file.
func IsPartial(fileID, path string) bool {
	return classify(fileID, path) != kindFinal
}

func classify(fileID, path string) fileKind {
	suffix := strings.TrimPrefix(filepath.Base(path), fileID)
	if !hasMarker(suffix) {
		return kindFinal
	}

	if strings.HasSuffix(suffix, partSuffix) && !hasMarker(strings.TrimSuffix(suffix, partSuffix)) {
		return kindPart
	}

	return kindScratch
}

func hasMarker(s string) bool {
	for _, marker := range partialMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}

	return false
}

// DeleteSession removes every file of session. Failures are logged per file
// and never abort the batch. Returns the number of files removed.
func (s *Store) DeleteSession(ctx context.Context, session string) int {
	logger := logctx.LoggerFromContext(ctx).With("session_id", session)

	if err := ValidateSession(session); err != nil {
		logger.DebugContext(ctx, "skipping session cleanup", "err", err)

		return 0
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, session+Separator+"*"))
	if err != nil {
		logger.ErrorContext(ctx, "failed to list session files", "err", err)

		return 0
	}

	deleted := 0

	var reclaimed int64

	for _, path := range matches {
		info, statErr := os.Stat(path)

		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.WarnContext(ctx, "failed to delete session file", "file", path, "err", err)
			}

			continue
		}

		deleted++

		if statErr == nil {
			reclaimed += info.Size()
		}
	}

	if deleted > 0 {
		logger.InfoContext(ctx, "deleted session files", "count", deleted, "reclaimed", humanize.Bytes(uint64(reclaimed)))
	}

	return deleted
}

// Usage returns the number of bytes held by regular files in the directory.
func (s *Store) Usage() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read download directory: %w", err)
	}

	var total int64

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		total += info.Size()
	}

	return total, nil
}
