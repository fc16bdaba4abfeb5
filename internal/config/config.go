package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr           string
	MetricsAddr          string
	TelemetrySource      string
	TelemetryTimeoutSec  int
	ReloadIntervalSec    int
	StoppageEndPolicy    string
	DisplayLocale        string
	DisplayLocation      *time.Location
	ArchivePath          string
	ArchiveMaxTraces     int
	OverpassURL          string
	OverpassURLs         []string
	OverpassTimeoutSec   int
	OverpassCacheHours   int
	OverpassRadiusMeters int
	NATSURL              string
	NATSSubject          string
	LogLevel             string
	MapCenterLat         float64
	MapCenterLon         float64
	MapZoom              int
	MapTileURL           string
	MapIconURL           string
	MapIconRetinaURL     string
	MapShadowURL         string
}

// Load reads path as a .env file when it exists, then the environment.
// Variables already set in the environment win over the file.
func Load(path string) (Config, error) {
	cfg := Config{
		ServerAddr:           ":8080",
		TelemetrySource:      "dataset.json",
		TelemetryTimeoutSec:  15,
		StoppageEndPolicy:    "next-sample",
		DisplayLocale:        "en-US",
		DisplayLocation:      time.Local,
		ArchiveMaxTraces:     50,
		OverpassTimeoutSec:   15,
		OverpassCacheHours:   24,
		OverpassRadiusMeters: 40,
		NATSSubject:          "stoppagemap.snapshots",
		LogLevel:             "info",
		MapCenterLat:         12.9294916,
		MapCenterLon:         74.9173533,
		MapZoom:              13,
		MapTileURL:           "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		MapIconURL:           "https://cdnjs.cloudflare.com/ajax/libs/leaflet/1.7.1/images/marker-icon.png",
		MapIconRetinaURL:     "https://cdnjs.cloudflare.com/ajax/libs/leaflet/1.7.1/images/marker-icon-2x.png",
		MapShadowURL:         "https://cdnjs.cloudflare.com/ajax/libs/leaflet/1.7.1/images/marker-shadow.png",
	}

	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.TelemetrySource = getenv("TELEMETRY_SOURCE", cfg.TelemetrySource)
	cfg.StoppageEndPolicy = getenv("STOPPAGE_END_POLICY", cfg.StoppageEndPolicy)
	cfg.DisplayLocale = getenv("DISPLAY_LOCALE", cfg.DisplayLocale)
	cfg.ArchivePath = os.Getenv("ARCHIVE_PATH")
	cfg.OverpassURL = os.Getenv("OVERPASS_URL")
	if v := os.Getenv("OVERPASS_URLS"); v != "" {
		cfg.OverpassURLs = splitAndTrim(v)
	}
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubject = getenv("NATS_SUBJECT", cfg.NATSSubject)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.MapTileURL = getenv("MAP_TILE_URL", cfg.MapTileURL)
	cfg.MapIconURL = getenv("MAP_ICON_URL", cfg.MapIconURL)
	cfg.MapIconRetinaURL = getenv("MAP_ICON_RETINA_URL", cfg.MapIconRetinaURL)
	cfg.MapShadowURL = getenv("MAP_SHADOW_URL", cfg.MapShadowURL)

	switch cfg.StoppageEndPolicy {
	case "next-sample", "next-stoppage":
	default:
		return Config{}, fmt.Errorf("STOPPAGE_END_POLICY: unknown policy %q", cfg.StoppageEndPolicy)
	}

	if v := os.Getenv("DISPLAY_TZ"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return Config{}, fmt.Errorf("DISPLAY_TZ: %w", err)
		}
		cfg.DisplayLocation = loc
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"TELEMETRY_TIMEOUT_SECONDS", &cfg.TelemetryTimeoutSec},
		{"RELOAD_INTERVAL_SECONDS", &cfg.ReloadIntervalSec},
		{"ARCHIVE_MAX_TRACES", &cfg.ArchiveMaxTraces},
		{"OVERPASS_TIMEOUT_SECONDS", &cfg.OverpassTimeoutSec},
		{"OVERPASS_CACHE_HOURS", &cfg.OverpassCacheHours},
		{"OVERPASS_RADIUS_METERS", &cfg.OverpassRadiusMeters},
		{"MAP_ZOOM", &cfg.MapZoom},
	}
	for _, item := range ints {
		if v := os.Getenv(item.key); v != "" {
			if err := parseInt(item.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", item.key, err)
			}
		}
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{"MAP_CENTER_LAT", &cfg.MapCenterLat},
		{"MAP_CENTER_LON", &cfg.MapCenterLon},
	}
	for _, item := range floats {
		if v := os.Getenv(item.key); v != "" {
			if err := parseFloat(item.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", item.key, err)
			}
		}
	}

	return cfg, nil
}

// AnnotationEnabled reports whether any Overpass endpoint is configured.
func (c Config) AnnotationEnabled() bool {
	return c.OverpassURL != "" || len(c.OverpassURLs) > 0
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseInt(target *int, value string) error {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseFloat(target *float64, value string) error {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
