package gps

import "time"

// Sample is one reported GPS fix.
type Sample struct {
	Lat                float64
	Lon                float64
	Speed              float64
	EventGeneratedTime time.Time
	EventDate          time.Time
}

// LatLng marshals as a [lat, lon] pair, the shape map widgets expect.
type LatLng [2]float64

func (p LatLng) Lat() float64 { return p[0] }
func (p LatLng) Lon() float64 { return p[1] }

func (s Sample) Position() LatLng {
	return LatLng{s.Lat, s.Lon}
}

// Stationary reports whether the sample counts as a stoppage. Only an exact
// zero qualifies; negative and NaN speeds do not.
func (s Sample) Stationary() bool {
	return s.Speed == 0
}
