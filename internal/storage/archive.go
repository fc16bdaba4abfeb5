package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"stoppagemap/internal/gps"
)

// Fingerprint hashes samples in order. Identical traces hash identically.
func Fingerprint(samples []gps.Sample) string {
	d := xxhash.New()
	var buf [40]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(s.Lat))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(s.Lon))
		binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(s.Speed))
		binary.LittleEndian.PutUint64(buf[24:], uint64(s.EventGeneratedTime.UnixNano()))
		binary.LittleEndian.PutUint64(buf[32:], uint64(s.EventDate.UnixNano()))
		_, _ = d.Write(buf[:])
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// LatestTraceFrom returns the newest trace loaded from source, or
// sql.ErrNoRows.
func (s *Store) LatestTraceFrom(ctx context.Context, source string) (TraceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, source, loaded_at, sample_count, fingerprint
FROM traces
WHERE source = ?
ORDER BY loaded_at DESC, rowid DESC
LIMIT 1
`, source)
	return scanTrace(row)
}

// ArchiveTrace inserts samples unless the newest trace from the same source
// already holds identical samples, in which case that trace's ID is returned
// and inserted is false. After an insert only the newest retain traces are
// kept; retain <= 0 keeps everything.
func (s *Store) ArchiveTrace(ctx context.Context, trace TraceRecord, samples []gps.Sample, retain int) (id string, inserted bool, err error) {
	trace.Fingerprint = Fingerprint(samples)

	prev, err := s.LatestTraceFrom(ctx, trace.Source)
	switch {
	case err == nil && prev.Fingerprint == trace.Fingerprint && prev.SampleCount == len(samples):
		return prev.ID, false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("latest trace for %s: %w", trace.Source, err)
	}

	id, err = s.InsertTrace(ctx, trace, samples)
	if err != nil {
		return "", false, err
	}
	if retain > 0 {
		if _, err := s.PruneTraces(ctx, retain); err != nil {
			return id, true, fmt.Errorf("prune archive: %w", err)
		}
	}
	return id, true, nil
}

// PruneTraces deletes all but the newest keep traces and their samples. It
// returns the number of traces removed.
func (s *Store) PruneTraces(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const stale = `SELECT id FROM traces ORDER BY loaded_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM trace_samples WHERE trace_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("delete traces: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}
