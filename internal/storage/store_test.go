package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stoppagemap/internal/gps"
	"stoppagemap/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func testSamples() []gps.Sample {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return []gps.Sample{
		{Lat: 12.93, Lon: 74.91, Speed: 0, EventGeneratedTime: base, EventDate: base},
		{Lat: 12.94, Lon: 74.92, Speed: 21.5, EventGeneratedTime: base.Add(time.Minute), EventDate: base},
		{Lat: 12.95, Lon: 74.93, Speed: 0, EventGeneratedTime: base.Add(3 * time.Minute), EventDate: base},
	}
}

func TestInsertAndLoadTrace(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.InsertTrace(ctx, TraceRecord{Source: "dataset.json"}, testSamples())
	if err != nil {
		t.Fatalf("insert trace: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated trace id")
	}

	samples, err := store.LoadTraceSamples(ctx, id)
	if err != nil {
		t.Fatalf("load samples: %v", err)
	}
	want := testSamples()
	if len(samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if samples[i].Lat != want[i].Lat || samples[i].Speed != want[i].Speed {
			t.Fatalf("sample %d mismatch: %+v", i, samples[i])
		}
		if !samples[i].EventGeneratedTime.Equal(want[i].EventGeneratedTime) {
			t.Fatalf("sample %d time mismatch: %s", i, samples[i].EventGeneratedTime)
		}
	}

	trace, err := store.GetTrace(ctx, id)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if trace.SampleCount != 3 || trace.Source != "dataset.json" {
		t.Fatalf("unexpected trace record: %+v", trace)
	}
}

func TestInsertTraceRequiresSource(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.InsertTrace(context.Background(), TraceRecord{}, nil); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestLoadMissingTrace(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadTraceSamples(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListTracesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.InsertTrace(ctx, TraceRecord{ID: "a", Source: "first", LoadedAt: older}, nil); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := store.InsertTrace(ctx, TraceRecord{ID: "b", Source: "second", LoadedAt: older.Add(time.Hour)}, testSamples()); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	traces, err := store.ListTraces(ctx, 10)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 2 || traces[0].ID != "b" {
		t.Fatalf("unexpected order: %+v", traces)
	}

	latest, err := store.LatestTrace(ctx)
	if err != nil {
		t.Fatalf("latest trace: %v", err)
	}
	if latest.ID != "b" {
		t.Fatalf("expected latest b, got %s", latest.ID)
	}
}

func TestArchivedSource(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if !IsArchiveLocation("sqlite:latest") || IsArchiveLocation("dataset.json") {
		t.Fatalf("unexpected archive location detection")
	}

	empty := NewArchivedSource(store, "sqlite:latest")
	_, err := empty.Fetch(ctx)
	if telemetry.Kind(err) != telemetry.KindPayload {
		t.Fatalf("expected payload load error for empty archive, got %v", err)
	}

	id, err := store.InsertTrace(ctx, TraceRecord{Source: "dataset.json"}, testSamples())
	if err != nil {
		t.Fatalf("insert trace: %v", err)
	}

	for _, location := range []string{"sqlite:latest", "sqlite:" + id, "sqlite:"} {
		src := NewArchivedSource(store, location)
		samples, err := src.Fetch(ctx)
		if err != nil {
			t.Fatalf("%s: fetch: %v", location, err)
		}
		if len(samples) != 3 {
			t.Fatalf("%s: expected 3 samples, got %d", location, len(samples))
		}
	}

	if name := NewArchivedSource(store, "sqlite:").Name(); name != "sqlite:latest" {
		t.Fatalf("unexpected source name %q", name)
	}
}

func TestArchiveTraceSkipsUnchangedSamples(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first, inserted, err := store.ArchiveTrace(ctx, TraceRecord{Source: "dataset.json"}, testSamples(), 0)
	if err != nil || !inserted {
		t.Fatalf("first archive: inserted=%v err=%v", inserted, err)
	}
	for i := 0; i < 3; i++ {
		id, inserted, err := store.ArchiveTrace(ctx, TraceRecord{Source: "dataset.json"}, testSamples(), 0)
		if err != nil {
			t.Fatalf("repeat archive: %v", err)
		}
		if inserted || id != first {
			t.Fatalf("expected unchanged samples to reuse %s, got %s inserted=%v", first, id, inserted)
		}
	}

	changed := testSamples()
	changed[1].Speed = 30
	if _, inserted, err := store.ArchiveTrace(ctx, TraceRecord{Source: "dataset.json"}, changed, 0); err != nil || !inserted {
		t.Fatalf("changed samples: inserted=%v err=%v", inserted, err)
	}
	if _, inserted, err := store.ArchiveTrace(ctx, TraceRecord{Source: "other.json"}, testSamples(), 0); err != nil || !inserted {
		t.Fatalf("other source: inserted=%v err=%v", inserted, err)
	}

	traces, err := store.ListTraces(ctx, 10)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(traces))
	}
}

func TestArchiveTraceRetainsNewest(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 4; i++ {
		samples := testSamples()
		samples[0].Lat += float64(i)
		id, _, err := store.ArchiveTrace(ctx, TraceRecord{Source: "dataset.json", LoadedAt: base.Add(time.Duration(i) * time.Hour)}, samples, 2)
		if err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	traces, err := store.ListTraces(ctx, 10)
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(traces) != 2 || traces[0].ID != ids[3] || traces[1].ID != ids[2] {
		t.Fatalf("expected newest two traces, got %+v", traces)
	}
	if _, err := store.LoadTraceSamples(ctx, ids[0]); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected pruned trace to be gone, got %v", err)
	}

	var orphans int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_samples WHERE trace_id NOT IN (SELECT id FROM traces)`).Scan(&orphans); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected no orphaned samples, got %d", orphans)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(testSamples())
	if a != Fingerprint(testSamples()) {
		t.Fatalf("fingerprint is not stable")
	}
	reordered := testSamples()
	reordered[0], reordered[2] = reordered[2], reordered[0]
	if a == Fingerprint(reordered) {
		t.Fatalf("fingerprint ignores order")
	}
}
