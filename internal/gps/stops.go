package gps

import "time"

// Run is a maximal group of consecutive stationary samples.
type Run struct {
	Start    int
	End      int
	Position LatLng
	Duration time.Duration
}

// GroupStationaryRuns groups consecutive zero-speed samples. The run lasts
// from its first sample until the first moving sample after it, or until its
// own last sample when the trace ends stationary.
func GroupStationaryRuns(samples []Sample) []Run {
	if len(samples) == 0 {
		return nil
	}

	var runs []Run
	var inRun bool
	var start int

	for i, s := range samples {
		if s.Stationary() {
			if !inRun {
				inRun = true
				start = i
			}
			continue
		}
		if inRun {
			runs = append(runs, newRun(samples, start, i-1, samples[i].EventGeneratedTime))
			inRun = false
		}
	}

	if inRun {
		last := len(samples) - 1
		runs = append(runs, newRun(samples, start, last, samples[last].EventGeneratedTime))
	}

	return runs
}

func newRun(samples []Sample, start, end int, until time.Time) Run {
	d := until.Sub(samples[start].EventGeneratedTime)
	if d < 0 {
		d = 0
	}
	return Run{
		Start:    start,
		End:      end,
		Position: samples[start].Position(),
		Duration: d,
	}
}
