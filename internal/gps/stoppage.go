package gps

import (
	"fmt"
	"math"
	"time"
)

// EndPolicy selects which neighbor closes a stoppage.
type EndPolicy int

const (
	// EndAtNextSample closes a stoppage at the next sample of the full trace.
	EndAtNextSample EndPolicy = iota
	// EndAtNextStoppage closes a stoppage at the next zero-speed sample,
	// skipping any moving samples in between.
	EndAtNextStoppage
)

func (p EndPolicy) String() string {
	switch p {
	case EndAtNextSample:
		return "next-sample"
	case EndAtNextStoppage:
		return "next-stoppage"
	default:
		return fmt.Sprintf("EndPolicy(%d)", int(p))
	}
}

func ParseEndPolicy(value string) (EndPolicy, error) {
	switch value {
	case "", "next-sample":
		return EndAtNextSample, nil
	case "next-stoppage":
		return EndAtNextStoppage, nil
	}
	return 0, fmt.Errorf("unknown end policy %q", value)
}

type DeriveOptions struct {
	EndPolicy EndPolicy
}

type Stoppage struct {
	Index           int
	Position        LatLng
	ReachTime       time.Time
	EndTime         time.Time
	DurationMinutes float64
	Speed           float64
	EventDate       time.Time
}

// Trace is the derived view of a sample sequence.
type Trace struct {
	Path      []LatLng
	Stoppages []Stoppage
}

// Derive projects samples into a path and one stoppage per zero-speed sample.
// Samples are assumed to be ordered by EventGeneratedTime.
func Derive(samples []Sample, opts DeriveOptions) Trace {
	trace := Trace{
		Path:      make([]LatLng, 0, len(samples)),
		Stoppages: []Stoppage{},
	}
	for _, s := range samples {
		trace.Path = append(trace.Path, s.Position())
	}

	var stationary []int
	for i, s := range samples {
		if s.Stationary() {
			stationary = append(stationary, i)
		}
	}

	for n, i := range stationary {
		s := samples[i]
		end := s.EventGeneratedTime
		switch opts.EndPolicy {
		case EndAtNextStoppage:
			if n < len(stationary)-1 {
				end = samples[stationary[n+1]].EventGeneratedTime
			}
		default:
			if i < len(samples)-1 {
				end = samples[i+1].EventGeneratedTime
			}
		}
		trace.Stoppages = append(trace.Stoppages, Stoppage{
			Index:           i,
			Position:        s.Position(),
			ReachTime:       s.EventGeneratedTime,
			EndTime:         end,
			DurationMinutes: dwellMinutes(s.EventGeneratedTime, end),
			Speed:           s.Speed,
			EventDate:       s.EventDate,
		})
	}

	return trace
}

func dwellMinutes(reach, end time.Time) float64 {
	d := end.Sub(reach)
	if d <= 0 {
		return 0
	}
	return math.Round(d.Minutes()*100) / 100
}
