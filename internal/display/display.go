// Package display renders derived stoppages into the strings shown in map
// popups.
package display

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"stoppagemap/internal/gps"
)

type layouts struct {
	dateTime string
	date     string
	clock    string
}

var supported = []language.Tag{
	language.AmericanEnglish,
	language.BritishEnglish,
	language.MustParse("en-IN"),
	language.German,
	language.French,
}

var layoutsByTag = []layouts{
	{dateTime: "1/2/2006, 3:04:05 PM", date: "1/2/2006", clock: "3:04:05 PM"},
	{dateTime: "02/01/2006, 15:04:05", date: "02/01/2006", clock: "15:04:05"},
	{dateTime: "2/1/2006, 3:04:05 pm", date: "2/1/2006", clock: "3:04:05 pm"},
	{dateTime: "2.1.2006, 15:04:05", date: "2.1.2006", clock: "15:04:05"},
	{dateTime: "02/01/2006 15:04:05", date: "02/01/2006", clock: "15:04:05"},
}

var matcher = language.NewMatcher(supported)

// Formatter is safe for concurrent use once built.
type Formatter struct {
	tag      language.Tag
	location *time.Location
	layouts  layouts
	printer  *message.Printer
}

// NewFormatter matches locale against the supported display locales and falls
// back to American English. A nil location means time.Local.
func NewFormatter(locale string, location *time.Location) (*Formatter, error) {
	tag := language.AmericanEnglish
	if locale != "" {
		parsed, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("parse locale %q: %w", locale, err)
		}
		tag = parsed
	}
	if location == nil {
		location = time.Local
	}

	_, idx, _ := matcher.Match(tag)
	return &Formatter{
		tag:      supported[idx],
		location: location,
		layouts:  layoutsByTag[idx],
		printer:  message.NewPrinter(supported[idx]),
	}, nil
}

func (f *Formatter) Tag() language.Tag { return f.tag }

func (f *Formatter) DateTime(t time.Time) string {
	return t.In(f.location).Format(f.layouts.dateTime)
}

func (f *Formatter) Date(t time.Time) string {
	return t.In(f.location).Format(f.layouts.date)
}

func (f *Formatter) Clock(t time.Time) string {
	return t.In(f.location).Format(f.layouts.clock)
}

// Minutes renders a dwell duration with exactly two decimals and no digit
// grouping, so 1234.5 is "1234.50" rather than "1,234.50".
func (f *Formatter) Minutes(v float64) string {
	return f.printer.Sprint(number.Decimal(v,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
		number.NoSeparator()))
}

// Stoppage is one popup's worth of data.
type Stoppage struct {
	Index              int        `json:"index"`
	Position           gps.LatLng `json:"position"`
	ReachTime          string     `json:"reachTime"`
	EndTime            string     `json:"endTime"`
	Duration           string     `json:"duration"`
	DurationMinutes    float64    `json:"durationMinutes"`
	Speed              float64    `json:"speed"`
	EventDate          string     `json:"eventDate"`
	EventGeneratedTime string     `json:"eventGeneratedTime"`
	NearTrafficLight   *bool      `json:"nearTrafficLight,omitempty"`
}

func (f *Formatter) Stoppages(stoppages []gps.Stoppage) []Stoppage {
	out := make([]Stoppage, 0, len(stoppages))
	for _, s := range stoppages {
		out = append(out, Stoppage{
			Index:              s.Index,
			Position:           s.Position,
			ReachTime:          f.DateTime(s.ReachTime),
			EndTime:            f.DateTime(s.EndTime),
			Duration:           f.Minutes(s.DurationMinutes),
			DurationMinutes:    s.DurationMinutes,
			Speed:              s.Speed,
			EventDate:          f.Date(s.EventDate),
			EventGeneratedTime: f.Clock(s.ReachTime),
		})
	}
	return out
}
