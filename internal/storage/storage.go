package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status write would move a download
// backwards or restart it.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of one download.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) String() string {
	return string(s)
}

// StatusRecord is one registry entry.
type StatusRecord struct {
	FileID    string
	Status    Status
	UpdatedAt time.Time
}

// StatusReader is the read side used by the consumers of a download.
type StatusReader interface {
	// GetStatus returns the status of fileID and false if it was never set.
	GetStatus(ctx context.Context, fileID string) (Status, bool, error)
}

// StatusRegistry maps file ids to their download status.
type StatusRegistry interface {
	StatusReader

	SetStatus(ctx context.Context, fileID string, status Status) error
	// Evict drops entries whose last update happened before the given time.
	Evict(ctx context.Context, before time.Time) (int, error)
}

// CheckTransition validates moving from the current status (absent when
// exists is false) to next.
func CheckTransition(current Status, exists bool, next Status) error {
	switch {
	case next == StatusDownloading && !exists:
		return nil
	case next.IsTerminal() && exists && current == StatusDownloading:
		return nil
	case !exists:
		return fmt.Errorf("%w: %s before %s", ErrInvalidTransition, next, StatusDownloading)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
}
