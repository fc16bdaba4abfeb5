package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stoppagemap/internal/gps"
	"stoppagemap/internal/telemetry"
)

const sourcePrefix = "sqlite:"

// IsArchiveLocation reports whether a telemetry location names an archived trace.
func IsArchiveLocation(location string) bool {
	return strings.HasPrefix(strings.TrimSpace(location), sourcePrefix)
}

// ArchivedSource replays an archived trace through the telemetry loader.
// TraceID "latest" or "" picks the most recently loaded trace.
type ArchivedSource struct {
	Store   *Store
	TraceID string
}

func NewArchivedSource(store *Store, location string) *ArchivedSource {
	id := strings.TrimPrefix(strings.TrimSpace(location), sourcePrefix)
	return &ArchivedSource{Store: store, TraceID: id}
}

func (s *ArchivedSource) Name() string {
	id := s.TraceID
	if id == "" {
		id = "latest"
	}
	return sourcePrefix + id
}

func (s *ArchivedSource) Fetch(ctx context.Context) ([]gps.Sample, error) {
	if s.Store == nil {
		return nil, &telemetry.LoadError{Kind: telemetry.KindTransport, Source: s.Name(), Err: errors.New("archive not configured")}
	}

	id := s.TraceID
	if id == "" || id == "latest" {
		latest, err := s.Store.LatestTrace(ctx)
		if err != nil {
			return nil, s.loadError(err)
		}
		id = latest.ID
	}

	samples, err := s.Store.LoadTraceSamples(ctx, id)
	if err != nil {
		return nil, s.loadError(err)
	}
	return samples, nil
}

func (s *ArchivedSource) loadError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &telemetry.LoadError{Kind: telemetry.KindPayload, Source: s.Name(), Err: fmt.Errorf("trace not found: %w", err)}
	}
	return &telemetry.LoadError{Kind: telemetry.KindTransport, Source: s.Name(), Err: err}
}
