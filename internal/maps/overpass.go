package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultOverpassURL = "https://overpass-api.de/api/interpreter"

	defaultRadius      = 40
	defaultBatchSize   = 50
	defaultAttempts    = 3
	defaultCacheTTL    = 24 * time.Hour
	defaultCacheSize   = 4096
	maxBackoff         = 10 * time.Second
	cellsPerDegree     = 1e5
	radiusToleranceM   = 1.0
	serverTimeoutLimit = 25
)

// OverpassClient finds traffic signals around stoppages. Distinct positions
// are resolved together in batched union queries; results are cached per
// position rounded to 1e-5 degrees.
//
// Timeout bounds a whole NearbyFeatures call, retries and batches included.
type OverpassClient struct {
	BaseURL      string
	MirrorURLs   []string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Radius       int
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	DisableCache bool

	mu        sync.Mutex
	cache     *expirable.LRU[cell, []Feature]
	preferred int
}

// cell is a position snapped to the cache grid.
type cell struct {
	lat int32
	lon int32
}

func cellOf(p Point) cell {
	return cell{
		lat: int32(math.Round(p.Lat * cellsPerDegree)),
		lon: int32(math.Round(p.Lon * cellsPerDegree)),
	}
}

func (c *OverpassClient) NearbyFeatures(ctx context.Context, points []Point) ([][]Feature, error) {
	out := make([][]Feature, len(points))
	if len(points) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	resolved := make(map[cell][]Feature, len(points))
	var missing []cell
	centers := make(map[cell]Point)
	for _, p := range points {
		k := cellOf(p)
		if _, ok := resolved[k]; ok {
			continue
		}
		if _, ok := centers[k]; ok {
			continue
		}
		if features, ok := c.lookup(k); ok {
			resolved[k] = features
			continue
		}
		centers[k] = p
		missing = append(missing, k)
	}

	batch := c.batchSize()
	for start := 0; start < len(missing); start += batch {
		cells := missing[start:min(start+batch, len(missing))]
		batchCenters := make([]Point, len(cells))
		for i, k := range cells {
			batchCenters[i] = centers[k]
		}

		signals, err := c.signalsAround(ctx, batchCenters)
		if err != nil {
			return nil, err
		}
		for i, k := range cells {
			near := c.within(signals, batchCenters[i])
			resolved[k] = near
			c.remember(k, near)
		}
	}

	for i, p := range points {
		out[i] = resolved[cellOf(p)]
	}
	return out, nil
}

func (c *OverpassClient) within(signals []Feature, center Point) []Feature {
	limit := float64(c.radius()) + radiusToleranceM
	var near []Feature
	for _, s := range signals {
		if distanceMeters(center, Point{Lat: s.Lat, Lon: s.Lon}) <= limit {
			near = append(near, s)
		}
	}
	return near
}

// signalsAround runs one union query over centers, failing over between
// mirrors and backing off on retryable errors.
func (c *OverpassClient) signalsAround(ctx context.Context, centers []Point) ([]Feature, error) {
	query := signalQuery(centers, c.radius())
	mirrors := c.mirrors()
	attempts := c.attempts()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		mirror := c.mirror(len(mirrors))
		signals, err := c.post(ctx, mirrors[mirror], query)
		if err == nil {
			return signals, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("overpass: %w", ctx.Err())
		}
		if !retryable(err) {
			return nil, err
		}
		c.failed(mirror, len(mirrors))
		if attempt == attempts-1 {
			break
		}
		if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
			return nil, fmt.Errorf("overpass: %w", err)
		}
	}
	return nil, fmt.Errorf("overpass: %d attempts failed: %w", attempts, lastErr)
}

func signalQuery(centers []Point, radius int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];\n(\n", serverTimeoutLimit)
	for _, p := range centers {
		fmt.Fprintf(&b, "  node(around:%d,%.6f,%.6f)[\"highway\"=\"traffic_signals\"];\n", radius, p.Lat, p.Lon)
	}
	b.WriteString(");\nout body;")
	return b.String()
}

type signalNode struct {
	Lat  float64           `json:"lat"`
	Lon  float64           `json:"lon"`
	Tags map[string]string `json:"tags"`
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("overpass status %d: %s", e.Code, e.Body)
}

func (c *OverpassClient) post(ctx context.Context, endpoint, query string) ([]Feature, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		Elements []signalNode `json:"elements"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}

	signals := make([]Feature, 0, len(payload.Elements))
	for _, n := range payload.Elements {
		if n.Tags["highway"] != "traffic_signals" {
			continue
		}
		signals = append(signals, Feature{Type: FeatureTrafficLight, Name: n.Tags["name"], Lat: n.Lat, Lon: n.Lon})
	}
	return signals, nil
}

// retryable is false only for client errors other than 429; a rejected query
// fails the same way on every mirror.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

// mirror returns the index of the mirror to try next: the last one that
// answered, until it fails.
func (c *OverpassClient) mirror(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred % n
}

func (c *OverpassClient) failed(idx, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferred%n == idx {
		c.preferred = (idx + 1) % n
	}
}

func (c *OverpassClient) lookup(k cell) ([]Feature, bool) {
	if c.DisableCache {
		return nil, false
	}
	c.mu.Lock()
	cache := c.cache
	c.mu.Unlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(k)
}

func (c *OverpassClient) remember(k cell, features []Feature) {
	if c.DisableCache {
		return
	}
	c.mu.Lock()
	if c.cache == nil {
		size := c.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		ttl := c.CacheTTL
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		c.cache = expirable.NewLRU[cell, []Feature](size, nil, ttl)
	}
	cache := c.cache
	c.mu.Unlock()
	cache.Add(k, features)
}

func (c *OverpassClient) mirrors() []string {
	if len(c.MirrorURLs) > 0 {
		return c.MirrorURLs
	}
	if c.BaseURL != "" {
		return []string{c.BaseURL}
	}
	return []string{DefaultOverpassURL}
}

func (c *OverpassClient) backoff(attempt int) time.Duration {
	base := c.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *OverpassClient) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 15 * time.Second
}

func (c *OverpassClient) radius() int {
	if c.Radius > 0 {
		return c.Radius
	}
	return defaultRadius
}

func (c *OverpassClient) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

func (c *OverpassClient) attempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultAttempts
}
