package maps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// signalServer answers every query with the given signals and records the
// queries it saw.
type signalServer struct {
	*httptest.Server
	mu      sync.Mutex
	queries []string
}

func newSignalServer(t *testing.T, signals ...signalNode) *signalServer {
	t.Helper()
	s := &signalServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		s.mu.Lock()
		s.queries = append(s.queries, r.PostForm.Get("data"))
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"elements": signals})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *signalServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func signal(lat, lon float64, name string) signalNode {
	return signalNode{Lat: lat, Lon: lon, Tags: map[string]string{"highway": "traffic_signals", "name": name}}
}

func TestNearbyFeaturesBatchesDistinctPositions(t *testing.T) {
	server := newSignalServer(t,
		signal(12.93001, 74.91001, "Junction"),
		signalNode{Lat: 12.93, Lon: 74.91, Tags: map[string]string{"amenity": "cafe"}},
	)
	client := &OverpassClient{BaseURL: server.URL, Radius: 25}

	points := []Point{
		{Lat: 12.93, Lon: 74.91},
		{Lat: 12.95, Lon: 74.95},
		{Lat: 12.93, Lon: 74.91},
	}
	features, err := client.NearbyFeatures(context.Background(), points)
	if err != nil {
		t.Fatalf("NearbyFeatures error: %v", err)
	}
	if len(features) != 3 {
		t.Fatalf("expected 3 results, got %d", len(features))
	}
	if !HasFeature(features[0], FeatureTrafficLight) || features[0][0].Name != "Junction" {
		t.Fatalf("expected signal near first point, got %+v", features[0])
	}
	if len(features[1]) != 0 {
		t.Fatalf("expected nothing near second point, got %+v", features[1])
	}
	if !HasFeature(features[2], FeatureTrafficLight) {
		t.Fatalf("expected repeated point to share the result")
	}

	queries := server.seen()
	if len(queries) != 1 {
		t.Fatalf("expected one batched query, got %d", len(queries))
	}
	if got := strings.Count(queries[0], "around:25,"); got != 2 {
		t.Fatalf("expected 2 around clauses, got %d in %q", got, queries[0])
	}
}

func TestNearbyFeaturesCachesRoundedPositions(t *testing.T) {
	server := newSignalServer(t)
	client := &OverpassClient{BaseURL: server.URL}
	ctx := context.Background()

	if _, err := client.NearbyFeatures(ctx, []Point{{Lat: 1.000001, Lon: 2.000001}}); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, err := client.NearbyFeatures(ctx, []Point{{Lat: 1.000002, Lon: 2.000002}}); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if got := len(server.seen()); got != 1 {
		t.Fatalf("expected same cell to hit the cache, got %d queries", got)
	}

	if _, err := client.NearbyFeatures(ctx, []Point{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}}); err != nil {
		t.Fatalf("third lookup: %v", err)
	}
	queries := server.seen()
	if len(queries) != 2 {
		t.Fatalf("expected one more query, got %d", len(queries))
	}
	if got := strings.Count(queries[1], "around:"); got != 1 {
		t.Fatalf("expected only the uncached point in the query, got %d clauses", got)
	}
}

func TestNearbyFeaturesSplitsLargeBatches(t *testing.T) {
	server := newSignalServer(t)
	client := &OverpassClient{BaseURL: server.URL, BatchSize: 2, DisableCache: true}

	points := make([]Point, 5)
	for i := range points {
		points[i] = Point{Lat: float64(i), Lon: float64(i)}
	}
	features, err := client.NearbyFeatures(context.Background(), points)
	if err != nil {
		t.Fatalf("NearbyFeatures error: %v", err)
	}
	if len(features) != 5 {
		t.Fatalf("expected 5 results, got %d", len(features))
	}
	if got := len(server.seen()); got != 3 {
		t.Fatalf("expected 3 batches, got %d", got)
	}
}

func TestNearbyFeaturesNoPoints(t *testing.T) {
	server := newSignalServer(t)
	client := &OverpassClient{BaseURL: server.URL}

	features, err := client.NearbyFeatures(context.Background(), nil)
	if err != nil || len(features) != 0 {
		t.Fatalf("unexpected result %v, %v", features, err)
	}
	if len(server.seen()) != 0 {
		t.Fatalf("expected no queries")
	}
}

func TestNearbyFeaturesFailsOverAndSticks(t *testing.T) {
	var downHits int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&downHits, 1)
		http.Error(w, "overpass down", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := newSignalServer(t, signal(0, 0, ""))

	client := &OverpassClient{
		MirrorURLs:   []string{down.URL, up.URL},
		BackoffBase:  time.Millisecond,
		DisableCache: true,
	}

	for i := 0; i < 2; i++ {
		features, err := client.NearbyFeatures(context.Background(), []Point{{Lat: 0, Lon: 0}})
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !HasFeature(features[0], FeatureTrafficLight) {
			t.Fatalf("lookup %d: expected signal", i)
		}
	}
	if got := atomic.LoadInt32(&downHits); got != 1 {
		t.Fatalf("expected the failed mirror to be skipped after one failure, got %d hits", got)
	}
	if got := len(up.seen()); got != 2 {
		t.Fatalf("expected 2 hits on the healthy mirror, got %d", got)
	}
}

func TestNearbyFeaturesRetriesRateLimit(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := &OverpassClient{BaseURL: server.URL, MaxAttempts: 3, BackoffBase: time.Millisecond}

	if _, err := client.NearbyFeatures(context.Background(), []Point{{Lat: 1, Lon: 1}}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNearbyFeaturesDoesNotRetryBadQuery(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer server.Close()

	client := &OverpassClient{BaseURL: server.URL, BackoffBase: time.Millisecond}

	if _, err := client.NearbyFeatures(context.Background(), []Point{{Lat: 1, Lon: 1}}); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestNearbyFeaturesCacheEvictsOldest(t *testing.T) {
	server := newSignalServer(t)
	client := &OverpassClient{BaseURL: server.URL, CacheSize: 1}

	for _, p := range []Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}, {Lat: 1, Lon: 1}} {
		if _, err := client.NearbyFeatures(context.Background(), []Point{p}); err != nil {
			t.Fatalf("NearbyFeatures error: %v", err)
		}
	}
	if got := len(server.seen()); got != 3 {
		t.Fatalf("expected 3 queries with a single-entry cache, got %d", got)
	}
}

func TestDistanceMeters(t *testing.T) {
	// One thousandth of a degree of latitude is about 111 m.
	d := distanceMeters(Point{Lat: 0, Lon: 0}, Point{Lat: 0.001, Lon: 0})
	if d < 110 || d > 112 {
		t.Fatalf("unexpected distance %f", d)
	}
	if distanceMeters(Point{Lat: 5, Lon: 5}, Point{Lat: 5, Lon: 5}) != 0 {
		t.Fatalf("expected zero distance")
	}
}

func TestNearbyFeaturesTimeoutBoundsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusGatewayTimeout)
	}))
	defer server.Close()

	client := &OverpassClient{
		BaseURL:     server.URL,
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 5,
		BackoffBase: time.Second,
	}

	start := time.Now()
	_, err := client.NearbyFeatures(context.Background(), []Point{{Lat: 1, Lon: 1}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the call to stop at its timeout, took %s", elapsed)
	}
}
