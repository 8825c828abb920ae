package keyrotor

import "time"

// Day is a UTC calendar date formatted as YYYY-MM-DD.
// Lexical order equals chronological order.
type Day string

const dayLayout = "2006-01-02"

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format(dayLayout))
}

func (d Day) String() string { return string(d) }

// Clock supplies the current time. The daily reset boundary is derived from it.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock {
	return ClockFunc(func() time.Time { return time.Now().UTC() })
}

// NextReset returns the next UTC midnight after t.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
