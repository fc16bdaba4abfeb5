// Package maps answers "what is near this stoppage" from OpenStreetMap data.
package maps

import (
	"context"
	"math"
)

type FeatureType string

const FeatureTrafficLight FeatureType = "traffic_light"

type Feature struct {
	Type FeatureType
	Name string
	Lat  float64
	Lon  float64
}

type Point struct {
	Lat float64
	Lon float64
}

// API looks up features around many points in one call. The result is
// index-aligned with points.
type API interface {
	NearbyFeatures(ctx context.Context, points []Point) ([][]Feature, error)
}

// HasFeature reports whether features contains one of type t.
func HasFeature(features []Feature, t FeatureType) bool {
	for _, f := range features {
		if f.Type == t {
			return true
		}
	}
	return false
}

const earthRadiusMeters = 6371000.0

// distanceMeters is the haversine distance between a and b.
func distanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
