package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"stoppagemap/internal/gps"
)

// GPXSource reads track points from a GPX file. GPX carries no speed, so it
// is derived from the distance to the previous fix.
type GPXSource struct {
	Path string
}

func (s *GPXSource) Name() string {
	return s.Path
}

func (s *GPXSource) Fetch(ctx context.Context) ([]gps.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(s.Path, err)
	}
	doc, err := gpx.ParseFile(s.Path)
	if err != nil {
		return nil, payloadError(s.Path, fmt.Errorf("parse gpx: %w", err))
	}

	var points []gpx.GPXPoint
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			points = append(points, segment.Points...)
		}
	}

	samples, err := samplesFromGPX(points)
	if err != nil {
		return nil, payloadError(s.Path, err)
	}
	return samples, nil
}

func samplesFromGPX(points []gpx.GPXPoint) ([]gps.Sample, error) {
	samples := make([]gps.Sample, 0, len(points))
	var speed float64
	for i, p := range points {
		if p.Timestamp.IsZero() {
			return nil, fmt.Errorf("track point %d: %w", i, errors.New("missing time"))
		}
		switch {
		case i > 0:
			speed = segmentSpeed(points[i-1], p, speed)
		case len(points) > 1:
			speed = segmentSpeed(p, points[1], 0)
		}
		y, m, d := p.Timestamp.Date()
		samples = append(samples, gps.Sample{
			Lat:                p.Latitude,
			Lon:                p.Longitude,
			Speed:              speed,
			EventGeneratedTime: p.Timestamp,
			EventDate:          time.Date(y, m, d, 0, 0, 0, 0, p.Timestamp.Location()),
		})
	}
	return samples, nil
}

// segmentSpeed returns km/h between two fixes. A zero-length segment is an
// exact stop; a segment without elapsed time keeps the previous speed.
func segmentSpeed(from, to gpx.GPXPoint, previous float64) float64 {
	meters := gpx.Distance2D(from.Latitude, from.Longitude, to.Latitude, to.Longitude, true)
	elapsed := to.Timestamp.Sub(from.Timestamp)
	switch {
	case meters == 0:
		return 0
	case elapsed > 0:
		return meters / elapsed.Seconds() * 3.6
	default:
		return previous
	}
}
