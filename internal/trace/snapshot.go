package trace

import (
	"math"
	"time"

	"stoppagemap/internal/display"
	"stoppagemap/internal/gps"
)

// Snapshot is the immutable result of one load cycle. Handlers share it
// without copying, so nothing may modify a published snapshot.
type Snapshot struct {
	ID        string             `json:"id"`
	Source    string             `json:"source"`
	LoadedAt  time.Time          `json:"loadedAt"`
	EndPolicy string             `json:"endPolicy"`
	Path      []gps.LatLng       `json:"path"`
	Stoppages []display.Stoppage `json:"stoppages"`
	Summary   Summary            `json:"summary"`
	LoadError string             `json:"loadError,omitempty"`
}

type Summary struct {
	Samples           int     `json:"samples"`
	Stoppages         int     `json:"stoppages"`
	TotalDwellMinutes float64 `json:"totalDwellMinutes"`
	StationaryRuns    int     `json:"stationaryRuns"`
	LongestRunMinutes float64 `json:"longestRunMinutes"`
	NearTrafficLight  int     `json:"nearTrafficLight"`
}

// Empty returns the degraded snapshot: no path and no stoppages.
func Empty(id, source string, loadedAt time.Time, loadErr error) *Snapshot {
	snap := &Snapshot{
		ID:        id,
		Source:    source,
		LoadedAt:  loadedAt,
		Path:      []gps.LatLng{},
		Stoppages: []display.Stoppage{},
	}
	if loadErr != nil {
		snap.LoadError = loadErr.Error()
	}
	return snap
}

func summarize(samples int, stoppages []display.Stoppage, runs []gps.Run) Summary {
	summary := Summary{
		Samples:        samples,
		Stoppages:      len(stoppages),
		StationaryRuns: len(runs),
	}
	for _, s := range stoppages {
		summary.TotalDwellMinutes += s.DurationMinutes
		if s.NearTrafficLight != nil && *s.NearTrafficLight {
			summary.NearTrafficLight++
		}
	}
	summary.TotalDwellMinutes = round2(summary.TotalDwellMinutes)
	for _, r := range runs {
		if m := round2(r.Duration.Minutes()); m > summary.LongestRunMinutes {
			summary.LongestRunMinutes = m
		}
	}
	return summary
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
