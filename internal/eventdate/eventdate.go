// Package eventdate converts event dates between Google Calendar, Notion and a
// neutral form used by the reconciler.
//
// All-day values are civil days ("2006-01-02"). Google treats the end of an
// all-day event as exclusive, Notion as inclusive (and omits it for single-day
// events). The neutral form keeps the inclusive end.
package eventdate

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DayLayout is the layout of a civil day value.
const DayLayout = "2006-01-02"

const naiveLayout = "2006-01-02T15:04:05"

// ErrEmptyStart is returned when a date has no start value.
var ErrEmptyStart = errors.New("date has no start")

// Value is one side of an EventDate: either a civil day or a timestamp, never both.
type Value struct {
	Day  string
	Time time.Time
}

// AllDay reports whether v is a civil day.
func (v Value) AllDay() bool {
	return v.Day != ""
}

// IsZero reports whether v carries no value.
func (v Value) IsZero() bool {
	return v.Day == "" && v.Time.IsZero()
}

// Equal compares two values. Timestamps are equal when they denote the same instant.
func (v Value) Equal(o Value) bool {
	if v.AllDay() || o.AllDay() {
		return v.Day == o.Day
	}
	return v.Time.Equal(o.Time)
}

// String formats v the way both APIs accept it.
func (v Value) String() string {
	if v.AllDay() {
		return v.Day
	}
	if v.Time.IsZero() {
		return ""
	}
	return v.Time.Format(time.RFC3339)
}

// EventDate is the neutral start/end pair. For all-day dates End is inclusive.
type EventDate struct {
	Start Value
	End   Value
}

// AllDay reports whether the date spans whole days.
func (d EventDate) AllDay() bool {
	return d.Start.AllDay()
}

// Equal compares two dates after defaulting missing ends.
func (d EventDate) Equal(o EventDate) bool {
	return d.Start.Equal(o.Start) && d.end().Equal(o.end())
}

func (d EventDate) end() Value {
	if d.End.IsZero() {
		return d.Start
	}
	return d.End
}

// GoogleDateTime mirrors the start/end object of a Google Calendar event.
type GoogleDateTime struct {
	Date     string
	DateTime string
	TimeZone string
}

// NotionDate mirrors the value of a Notion date property.
type NotionDate struct {
	Start    string  `json:"start"`
	End      *string `json:"end"`
	TimeZone *string `json:"time_zone"`
}

// FromGoogle builds the neutral form from a Google event start/end pair.
// Naive timestamps are interpreted in loc.
func FromGoogle(start, end GoogleDateTime, loc *time.Location) (EventDate, error) {
	s, err := googleValue(start, loc)
	if err != nil {
		return EventDate{}, fmt.Errorf("google start: %w", err)
	}
	if s.IsZero() {
		return EventDate{}, ErrEmptyStart
	}
	e, err := googleValue(end, loc)
	if err != nil {
		return EventDate{}, fmt.Errorf("google end: %w", err)
	}
	if e.AllDay() {
		day, err := addDays(e.Day, -1)
		if err != nil {
			return EventDate{}, err
		}
		e.Day = day
	}
	return normalize(s, e), nil
}

// FromNotion builds the neutral form from a Notion date property.
func FromNotion(start string, end *string, loc *time.Location) (EventDate, error) {
	if strings.TrimSpace(start) == "" {
		return EventDate{}, ErrEmptyStart
	}
	s, err := parseValue(start, loc)
	if err != nil {
		return EventDate{}, fmt.Errorf("notion start: %w", err)
	}
	var e Value
	if end != nil && strings.TrimSpace(*end) != "" {
		e, err = parseValue(*end, loc)
		if err != nil {
			return EventDate{}, fmt.Errorf("notion end: %w", err)
		}
	}
	return normalize(s, e), nil
}

// ToGoogle renders d as a Google start/end pair. All-day ends become exclusive.
func ToGoogle(d EventDate, timeZone string) (GoogleDateTime, GoogleDateTime, error) {
	end := d.end()
	if d.AllDay() {
		exclusive, err := addDays(end.Day, 1)
		if err != nil {
			return GoogleDateTime{}, GoogleDateTime{}, err
		}
		return GoogleDateTime{Date: d.Start.Day}, GoogleDateTime{Date: exclusive}, nil
	}
	return GoogleDateTime{DateTime: d.Start.String(), TimeZone: timeZone},
		GoogleDateTime{DateTime: end.String(), TimeZone: timeZone}, nil
}

// ToNotion renders d as a Notion date. A single-day all-day date has no end.
func ToNotion(d EventDate) NotionDate {
	end := d.end()
	out := NotionDate{Start: d.Start.String()}
	if d.AllDay() && end.Day == d.Start.Day {
		return out
	}
	e := end.String()
	out.End = &e
	return out
}

func googleValue(g GoogleDateTime, loc *time.Location) (Value, error) {
	switch {
	case g.Date != "":
		return parseValue(g.Date, loc)
	case g.DateTime != "":
		return parseValue(g.DateTime, loc)
	default:
		return Value{}, nil
	}
}

// parseValue treats a 10-character string as a civil day and anything longer as a timestamp.
func parseValue(raw string, loc *time.Location) (Value, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == len(DayLayout) {
		if _, err := time.Parse(DayLayout, raw); err != nil {
			return Value{}, fmt.Errorf("invalid day %q: %w", raw, err)
		}
		return Value{Day: raw}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return Value{Time: t}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(naiveLayout, raw, loc)
	if err != nil {
		return Value{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return Value{Time: t}, nil
}

func normalize(s, e Value) EventDate {
	if e.IsZero() {
		return EventDate{Start: s, End: s}
	}
	if s.AllDay() {
		if !e.AllDay() {
			e = Value{Day: e.Time.Format(DayLayout)}
		}
		if e.Day < s.Day {
			e = s
		}
		return EventDate{Start: s, End: e}
	}
	if e.AllDay() || e.Time.Before(s.Time) {
		e = s
	}
	return EventDate{Start: s, End: e}
}

func addDays(day string, n int) (string, error) {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t.AddDate(0, 0, n).Format(DayLayout), nil
}
