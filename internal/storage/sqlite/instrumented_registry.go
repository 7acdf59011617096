package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/storage"
	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
)

// InstrumentedRegistry wraps Registry with telemetry.
type InstrumentedRegistry struct {
	repo      *Registry
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRegistry creates a new instrumented status registry.
func NewInstrumentedRegistry(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRegistry {
	return &InstrumentedRegistry{
		repo:      NewRegistry(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRegistry) SetStatus(ctx context.Context, fileID string, status storage.Status) error {
	return r.telemetry.InstrumentRegistryOperation(ctx, "set_status", func(ctx context.Context) error {
		return r.repo.SetStatus(ctx, fileID, status)
	})
}

func (r *InstrumentedRegistry) GetStatus(ctx context.Context, fileID string) (storage.Status, bool, error) {
	var (
		status storage.Status
		ok     bool
	)

	err := r.telemetry.InstrumentRegistryOperation(ctx, "get_status", func(ctx context.Context) error {
		var err error

		status, ok, err = r.repo.GetStatus(ctx, fileID)

		return err
	})
	if err != nil {
		return "", false, err
	}

	return status, ok, nil
}

func (r *InstrumentedRegistry) Evict(ctx context.Context, before time.Time) (int, error) {
	var evicted int

	err := r.telemetry.InstrumentRegistryOperation(ctx, "evict", func(ctx context.Context) error {
		var err error

		evicted, err = r.repo.Evict(ctx, before)

		return err
	})
	if err != nil {
		return 0, err
	}

	return evicted, nil
}
