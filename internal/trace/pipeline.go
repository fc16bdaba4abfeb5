package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stoppagemap/internal/display"
	"stoppagemap/internal/gps"
	"stoppagemap/internal/logging"
	"stoppagemap/internal/maps"
	"stoppagemap/internal/storage"
	"stoppagemap/internal/telemetry"
)

type Loader interface {
	Load(ctx context.Context) ([]gps.Sample, error)
	SourceName() string
}

type Archive interface {
	ArchiveTrace(ctx context.Context, trace storage.TraceRecord, samples []gps.Sample, retain int) (string, bool, error)
}

// Metrics is the subset of the metrics collector the pipeline reports to.
type Metrics interface {
	ObserveLoad(d time.Duration, kind string)
	ObserveDerive(d time.Duration)
	ObserveSnapshot(samples, stoppages int, dwellMinutes float64)
	StageFailed(stage string)
}

// Pipeline runs load cycles: load, derive, format, annotate, archive and
// publish. Archive, MapAPI and Metrics are optional. ArchiveRetain caps the
// number of archived traces; zero keeps all of them.
type Pipeline struct {
	Loader        Loader
	Options       gps.DeriveOptions
	Formatter     *display.Formatter
	Publisher     *Publisher
	Archive       Archive
	ArchiveRetain int
	MapAPI        maps.API
	Metrics       Metrics
	Logger        *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// Run executes one load cycle and publishes its snapshot. A LoadError still
// publishes an empty snapshot and is returned alongside it. If ctx ends while
// loading, nothing is published and the previous snapshot stays current.
func (p *Pipeline) Run(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	source := p.Loader.SourceName()
	loadedAt := p.clock()

	start := time.Now()
	samples, err := p.Loader.Load(ctx)
	if p.Metrics != nil {
		p.Metrics.ObserveLoad(time.Since(start), string(telemetry.Kind(err)))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		logging.LogError(p.logger(), "telemetry load failed", err,
			slog.String("source", source),
			slog.String("kind", string(telemetry.Kind(err))))
		snap := Empty(id, source, loadedAt, err)
		snap.EndPolicy = p.Options.EndPolicy.String()
		p.publish(ctx, snap)
		return snap, err
	}

	start = time.Now()
	derived := gps.Derive(samples, p.Options)
	runs := gps.GroupStationaryRuns(samples)
	if p.Metrics != nil {
		p.Metrics.ObserveDerive(time.Since(start))
	}

	stoppages := p.formatter().Stoppages(derived.Stoppages)
	p.annotate(ctx, stoppages)
	p.archive(ctx, id, source, loadedAt, samples)

	snap := &Snapshot{
		ID:        id,
		Source:    source,
		LoadedAt:  loadedAt,
		EndPolicy: p.Options.EndPolicy.String(),
		Path:      derived.Path,
		Stoppages: stoppages,
		Summary:   summarize(len(samples), stoppages, runs),
	}
	logging.LogOperation(p.logger(), "snapshot derived",
		slog.String("snapshot", id),
		slog.Int("samples", snap.Summary.Samples),
		slog.Int("stoppages", snap.Summary.Stoppages),
		slog.Float64("dwell_minutes", snap.Summary.TotalDwellMinutes))
	p.publish(ctx, snap)
	return snap, nil
}

func (p *Pipeline) publish(ctx context.Context, snap *Snapshot) {
	if p.Metrics != nil {
		p.Metrics.ObserveSnapshot(snap.Summary.Samples, snap.Summary.Stoppages, snap.Summary.TotalDwellMinutes)
	}
	if p.Publisher == nil {
		return
	}
	if failed := p.Publisher.Publish(ctx, snap); failed > 0 && p.Metrics != nil {
		for i := 0; i < failed; i++ {
			p.Metrics.StageFailed("notify")
		}
	}
}

// annotate marks stoppages near traffic signals with one batched lookup. A
// failed lookup leaves every stoppage unmarked.
func (p *Pipeline) annotate(ctx context.Context, stoppages []display.Stoppage) {
	if p.MapAPI == nil || len(stoppages) == 0 {
		return
	}
	points := make([]maps.Point, len(stoppages))
	for i, s := range stoppages {
		points[i] = maps.Point{Lat: s.Position.Lat(), Lon: s.Position.Lon()}
	}

	features, err := p.MapAPI.NearbyFeatures(ctx, points)
	if err == nil && len(features) != len(points) {
		err = fmt.Errorf("map lookup returned %d results for %d points", len(features), len(points))
	}
	if err != nil {
		logging.LogError(p.logger(), "stoppage annotation failed", err, slog.Int("stoppages", len(stoppages)))
		if p.Metrics != nil {
			p.Metrics.StageFailed("annotate")
		}
		return
	}
	for i := range stoppages {
		near := maps.HasFeature(features[i], maps.FeatureTrafficLight)
		stoppages[i].NearTrafficLight = &near
	}
}

// archive stores the loaded samples. Replays from the archive itself are
// never stored again.
func (p *Pipeline) archive(ctx context.Context, id, source string, loadedAt time.Time, samples []gps.Sample) {
	if p.Archive == nil || storage.IsArchiveLocation(source) {
		return
	}
	record := storage.TraceRecord{ID: id, Source: source, LoadedAt: loadedAt}
	stored, inserted, err := p.Archive.ArchiveTrace(ctx, record, samples, p.ArchiveRetain)
	if err != nil {
		logging.LogError(p.logger(), "trace archive failed", err, slog.String("snapshot", id))
		if p.Metrics != nil {
			p.Metrics.StageFailed("archive")
		}
		return
	}
	if !inserted {
		p.logger().Debug("trace unchanged, archive skipped",
			slog.String("snapshot", id),
			slog.String("trace", stored))
	}
}

func (p *Pipeline) formatter() *display.Formatter {
	if p.Formatter != nil {
		return p.Formatter
	}
	f, _ := display.NewFormatter("", time.UTC)
	return f
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
