package lifecycle

import "time"

// TimeFormat is the layout of every timestamp persisted by the engine.
const TimeFormat = time.RFC3339

// timeNow is a package-level variable so tests can pin the clock.
var timeNow = time.Now

// Now returns the current UTC time formatted with TimeFormat.
func Now() string {
	return timeNow().UTC().Format(TimeFormat)
}

// NowTime returns the current UTC time.
func NowTime() time.Time {
	return timeNow().UTC()
}

// SetClock replaces the clock and returns a function that restores it.
// Intended for tests in other packages.
func SetClock(f func() time.Time) (restore func()) {
	prev := timeNow
	timeNow = f
	return func() { timeNow = prev }
}

// ParseTime parses a timestamp written by Now. It also accepts the
// SQLite datetime layout. Unparsable input yields the zero time.
func ParseTime(s string) time.Time {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
