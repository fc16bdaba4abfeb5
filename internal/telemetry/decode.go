package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"stoppagemap/internal/gps"
)

var errNotArray = errors.New("payload is not a JSON array")

type wireSample struct {
	Latitude           *float64        `json:"latitude"`
	Longitude          *float64        `json:"longitude"`
	Speed              *float64        `json:"speed"`
	EventGeneratedTime json.RawMessage `json:"eventGeneratedTime"`
	EventDate          json.RawMessage `json:"eventDate"`
}

// DecodeSamples parses a JSON array of telemetry objects. Timestamps without a
// zone are read in loc. Any malformed element fails the whole payload.
func DecodeSamples(data []byte, loc *time.Location) ([]gps.Sample, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errNotArray
	}

	var wire []wireSample
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, err
	}

	samples := make([]gps.Sample, 0, len(wire))
	for i, w := range wire {
		s, err := w.sample(loc)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (w wireSample) sample(loc *time.Location) (gps.Sample, error) {
	switch {
	case w.Latitude == nil:
		return gps.Sample{}, errors.New("missing latitude")
	case w.Longitude == nil:
		return gps.Sample{}, errors.New("missing longitude")
	case w.Speed == nil:
		return gps.Sample{}, errors.New("missing speed")
	}

	generated, err := parseRawTime(w.EventGeneratedTime, loc)
	if err != nil {
		return gps.Sample{}, fmt.Errorf("eventGeneratedTime: %w", err)
	}
	date, err := parseRawTime(w.EventDate, loc)
	if err != nil {
		return gps.Sample{}, fmt.Errorf("eventDate: %w", err)
	}

	return gps.Sample{
		Lat:                *w.Latitude,
		Lon:                *w.Longitude,
		Speed:              *w.Speed,
		EventGeneratedTime: generated,
		EventDate:          date,
	}, nil
}

func parseRawTime(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return ParseTimestamp(s, loc)
	}
	return parseEpochMillis(string(raw))
}

// Epoch milliseconds must survive a round trip through UnixNano.
const maxEpochMillis = math.MaxInt64 / int64(time.Millisecond)

func parseEpochMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
		}
		if f != math.Trunc(f) {
			return time.Time{}, fmt.Errorf("epoch millis %s is not a whole number", raw)
		}
		if math.Abs(f) > float64(maxEpochMillis) {
			return time.Time{}, fmt.Errorf("epoch millis %s out of range", raw)
		}
		ms = int64(f)
	}
	if ms > maxEpochMillis || ms < -maxEpochMillis {
		return time.Time{}, fmt.Errorf("epoch millis %s out of range", raw)
	}
	return time.UnixMilli(ms), nil
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	time.RFC1123Z,
	time.RFC1123,
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// ParseTimestamp accepts RFC 3339 and the common date-time layouts seen in
// telemetry exports. Layouts without a zone are read in loc, except a bare
// ISO date which is UTC.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", value)
}
