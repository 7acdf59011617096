package extractor

import (
	"context"

	"github.com/ackermanmoriii/Idontknow/internal/telemetry"
)

// InstrumentedEngine wraps an Engine with telemetry.
type InstrumentedEngine struct {
	engine    Engine
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedEngine creates a new instrumented engine. name labels the
// engine in metrics.
func NewInstrumentedEngine(engine Engine, tel *telemetry.Telemetry, name string) *InstrumentedEngine {
	if name == "" {
		name = engineName
	}

	return &InstrumentedEngine{
		engine:    engine,
		telemetry: tel,
		name:      name,
	}
}

// Search runs a lookup with telemetry.
func (e *InstrumentedEngine) Search(ctx context.Context, query string, limit int) ([]Track, error) {
	var result []Track

	err := e.telemetry.InstrumentEngineOperation(ctx, e.name, "search", func(ctx context.Context) error {
		var err error

		result, err = e.engine.Search(ctx, query, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Download runs a download with telemetry.
func (e *InstrumentedEngine) Download(ctx context.Context, req DownloadRequest) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.name, "download", func(ctx context.Context) error {
		return e.engine.Download(ctx, req)
	})
}
