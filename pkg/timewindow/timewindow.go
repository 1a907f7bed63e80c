// Package timewindow implements half-open interval arithmetic over calendar
// dates and times of day. Values are wall-clock readings local to a
// counselor's configured zone, never absolute instants, so daylight-saving
// shifts cannot stretch or shrink a working day.
package timewindow

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock reading in minutes since midnight. Padding a
// window may push it below zero or past 24:00; comparisons stay valid.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Add shifts the reading by the given number of minutes.
func (t TimeOfDay) Add(minutes int) TimeOfDay { return t + TimeOfDay(minutes) }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// NewWindow returns the window starting at start and lasting the given minutes.
func NewWindow(start TimeOfDay, durationMinutes int) Window {
	return Window{Start: start, End: start.Add(durationMinutes)}
}

// Duration returns the window length in minutes.
func (w Window) Duration() int { return int(w.End - w.Start) }

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool { return w.End > w.Start }

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) share any
// minute. Touching endpoints do not overlap.
func Overlaps(a, b Window) bool {
	return a.Start < b.End && b.Start < a.End
}

// WithBuffer widens w by bufferMinutes on both sides.
func WithBuffer(w Window, bufferMinutes int) Window {
	return Window{Start: w.Start.Add(-bufferMinutes), End: w.End.Add(bufferMinutes)}
}

// BusinessHours describes one working day: open/close and an optional lunch
// break during which nothing may be booked.
type BusinessHours struct {
	Open  TimeOfDay
	Close TimeOfDay
	Lunch *Window
}

// WithinBusinessHours rejects a window that starts before Open, ends after
// Close, or intersects the lunch break.
func WithinBusinessHours(w Window, h BusinessHours) bool {
	if !w.Valid() {
		return false
	}
	if w.Start < h.Open || w.End > h.Close {
		return false
	}
	if h.Lunch != nil && h.Lunch.Valid() && Overlaps(w, *h.Lunch) {
		return false
	}
	return true
}

// Date is a calendar date with no time or zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t as read in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Date) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Weekday returns the day of the week.
func (d Date) Weekday() time.Weekday { return d.utc().Weekday() }

// AddDays returns the date n days later (or earlier for negative n).
func (d Date) AddDays(n int) Date { return DateOf(d.utc().AddDate(0, 0, n)) }

// DaysUntil returns the number of calendar days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.utc().Sub(d.utc()).Hours() / 24)
}

// At returns the instant at which the wall clock in loc reads tod on d.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, int(tod), 0, 0, loc)
}

// AsTime returns midnight UTC of d, the representation used for DATE columns.
func (d Date) AsTime() time.Time { return d.utc() }

// Offset returns the wall-clock reading of t measured from midnight of d.
// Readings on neighbouring days come out negative or beyond 24:00.
func Offset(d Date, t time.Time) TimeOfDay {
	days := d.DaysUntil(DateOf(t))
	return TimeOfDay(days*minutesPerDay + t.Hour()*60 + t.Minute())
}

// Locate splits t into its calendar date and time of day in loc.
func Locate(t time.Time, loc *time.Location) (Date, TimeOfDay) {
	local := t.In(loc)
	return DateOf(local), NewTimeOfDay(local.Hour(), local.Minute())
}

// Span returns the window covered by a session of durationMinutes starting
// at start, measured from midnight of d in start's location. A start or end
// that falls between minutes widens the window to the enclosing minutes.
func Span(d Date, start time.Time, durationMinutes int) Window {
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	w := Window{Start: Offset(d, start), End: Offset(d, end)}
	if end.Second() != 0 || end.Nanosecond() != 0 {
		w.End++
	}
	return w
}
