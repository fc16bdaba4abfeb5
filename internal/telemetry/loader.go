package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"stoppagemap/internal/gps"
	"stoppagemap/internal/logging"
)

// Source yields one ordered trace per call. Failures must be *LoadError.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]gps.Sample, error)
}

type Loader struct {
	Source Source
	Logger *slog.Logger
}

// Load performs one read from the source. It never retries and never returns
// samples together with an error.
func (l *Loader) Load(ctx context.Context) ([]gps.Sample, error) {
	if l.Source == nil {
		return nil, transportError("", errors.New("telemetry source not configured"))
	}

	start := time.Now()
	samples, err := l.Source.Fetch(ctx)
	if err != nil {
		if !IsLoadError(err) {
			err = transportError(l.Source.Name(), err)
		}
		return nil, err
	}

	logging.LogOperation(l.logger(), "telemetry loaded",
		slog.String("source", l.Source.Name()),
		slog.Int("samples", len(samples)),
		slog.Duration("duration", time.Since(start)))
	return samples, nil
}

// SourceName identifies the configured source in logs and snapshots.
func (l *Loader) SourceName() string {
	if l.Source == nil {
		return ""
	}
	return l.Source.Name()
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// NewSource picks a source from a location string: http(s) URLs are fetched,
// .gpx paths are parsed as GPX and anything else is read as a JSON file.
// sqlite: locations are resolved by the caller because they need a store.
func NewSource(location string, client *http.Client, loc *time.Location, logger *slog.Logger) (Source, error) {
	location = strings.TrimSpace(location)
	switch {
	case location == "":
		return nil, errors.New("empty telemetry source")
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &HTTPSource{URL: location, HTTPClient: client, Location: loc, Logger: logger}, nil
	case strings.HasSuffix(strings.ToLower(location), ".gpx"):
		return &GPXSource{Path: location}, nil
	default:
		return &FileSource{Path: location, Location: loc}, nil
	}
}

type HTTPSource struct {
	URL        string
	HTTPClient *http.Client
	Location   *time.Location
	Logger     *slog.Logger
}

func (s *HTTPSource) Name() string {
	return redactURL(s.URL)
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]gps.Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, transportError(s.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	logRequest(s.Logger, req.Method, s.URL)

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &LoadError{
			Kind:       KindStatus,
			Source:     s.Name(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(s.Name(), err)
	}
	if s.Logger != nil {
		s.Logger.Debug("telemetry payload received", slog.String("size", humanize.Bytes(uint64(len(data)))))
	}

	samples, err := DecodeSamples(data, s.Location)
	if err != nil {
		return nil, payloadError(s.Name(), err)
	}
	return samples, nil
}

type FileSource struct {
	Path     string
	Location *time.Location
}

func (s *FileSource) Name() string {
	return s.Path
}

func (s *FileSource) Fetch(ctx context.Context) ([]gps.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(s.Path, err)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, transportError(s.Path, err)
	}
	samples, err := DecodeSamples(data, s.Location)
	if err != nil {
		return nil, payloadError(s.Path, err)
	}
	return samples, nil
}
