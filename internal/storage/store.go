package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"stoppagemap/internal/gps"
)

// Store archives loaded traces in sqlite.
type Store struct {
	db *sql.DB
}

type TraceRecord struct {
	ID          string
	Source      string
	LoadedAt    time.Time
	SampleCount int
	Fingerprint string
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// :memory: databases exist per connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	loaded_at INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS trace_samples (
	trace_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	speed REAL NOT NULL,
	generated_at INTEGER NOT NULL,
	event_date INTEGER NOT NULL,
	PRIMARY KEY (trace_id, seq)
);
CREATE INDEX IF NOT EXISTS traces_loaded_at ON traces (loaded_at);
CREATE INDEX IF NOT EXISTS traces_source ON traces (source, loaded_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// InsertTrace stores samples in order under a new trace. An empty ID is
// replaced with a random UUID; the stored ID is returned.
func (s *Store) InsertTrace(ctx context.Context, trace TraceRecord, samples []gps.Sample) (string, error) {
	if trace.Source == "" {
		return "", errors.New("trace source required")
	}
	if trace.ID == "" {
		trace.ID = uuid.NewString()
	}
	if trace.LoadedAt.IsZero() {
		trace.LoadedAt = time.Now()
	}
	if trace.Fingerprint == "" {
		trace.Fingerprint = Fingerprint(samples)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO traces (id, source, loaded_at, sample_count, fingerprint)
VALUES (?, ?, ?, ?, ?)
`, trace.ID, trace.Source, trace.LoadedAt.UnixNano(), len(samples), trace.Fingerprint); err != nil {
		return "", fmt.Errorf("insert trace: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO trace_samples (trace_id, seq, lat, lon, speed, generated_at, event_date)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, p := range samples {
		if _, err := stmt.ExecContext(ctx, trace.ID, i, p.Lat, p.Lon, p.Speed, p.EventGeneratedTime.UnixNano(), p.EventDate.UnixNano()); err != nil {
			return "", fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return trace.ID, nil
}

// LoadTraceSamples returns sql.ErrNoRows when the trace does not exist.
func (s *Store) LoadTraceSamples(ctx context.Context, traceID string) ([]gps.Sample, error) {
	if _, err := s.GetTrace(ctx, traceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT lat, lon, speed, generated_at, event_date
FROM trace_samples
WHERE trace_id = ?
ORDER BY seq
`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []gps.Sample{}
	for rows.Next() {
		var p gps.Sample
		var generated, date int64
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Speed, &generated, &date); err != nil {
			return nil, err
		}
		p.EventGeneratedTime = time.Unix(0, generated)
		p.EventDate = time.Unix(0, date)
		samples = append(samples, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func (s *Store) GetTrace(ctx context.Context, traceID string) (TraceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source, loaded_at, sample_count, fingerprint
FROM traces
WHERE id = ?
`, traceID)
	return scanTrace(row)
}

func (s *Store) LatestTrace(ctx context.Context) (TraceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source, loaded_at, sample_count, fingerprint
FROM traces
ORDER BY loaded_at DESC, rowid DESC
LIMIT 1
`)
	return scanTrace(row)
}

func (s *Store) ListTraces(ctx context.Context, limit int) ([]TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, loaded_at, sample_count, fingerprint
FROM traces
ORDER BY loaded_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []TraceRecord
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (TraceRecord, error) {
	var trace TraceRecord
	var loadedAt int64
	if err := row.Scan(&trace.ID, &trace.Source, &loadedAt, &trace.SampleCount, &trace.Fingerprint); err != nil {
		return TraceRecord{}, err
	}
	trace.LoadedAt = time.Unix(0, loadedAt)
	return trace, nil
}
