// Package schedule resolves stored medication time strings into concrete
// instants for "today" in a user's timezone.
//
// Times are stored either as 24-hour "H:MM"/"HH:MM" or as 12-hour
// "H:MMam"/"H:MM pm"/"12am". Resolution always combines the parsed clock time
// with the calendar date of now in the target location; stored times never
// carry a date of their own.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultTimezone is used when no default is configured.
const DefaultTimezone = "US/Eastern"

// DateKeyLayout formats the per-day dedup key stored in reminder logs.
const DateKeyLayout = "2006-01-02"

// ErrInvalidTime is returned for malformed medication time strings.
var ErrInvalidTime = errors.New("invalid medication time")

// ParseClock parses a 12-hour or 24-hour time string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	raw := s
	s = strings.ToLower(strings.Join(strings.Fields(s), ""))
	if s == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidTime)
	}

	suffix := ""
	if strings.HasSuffix(s, "am") || strings.HasSuffix(s, "pm") {
		suffix = s[len(s)-2:]
		s = s[:len(s)-2]
	}

	hourPart, minutePart, hasColon := strings.Cut(s, ":")
	if !hasColon {
		// An hour on its own is only meaningful with an am/pm suffix.
		if suffix == "" {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
		minutePart = "00"
	}

	if len(hourPart) < 1 || len(hourPart) > 2 || !allDigits(hourPart) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	if len(minutePart) != 2 || !allDigits(minutePart) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	hour, _ = strconv.Atoi(hourPart)
	minute, _ = strconv.Atoi(minutePart)
	if minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}

	switch suffix {
	case "":
		if hour > 23 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
	default:
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
		if suffix == "am" && hour == 12 {
			hour = 0
		} else if suffix == "pm" && hour != 12 {
			hour += 12
		}
	}
	return hour, minute, nil
}

// Canonicalize rewrites a valid time string as 24-hour "HH:MM".
func Canonicalize(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// Resolve returns today's occurrence of timeStr in loc, where "today" is the
// calendar date of now as observed in loc.
func Resolve(now time.Time, timeStr string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(timeStr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc), nil
}

// DateKey returns the reminder-log key for the calendar day of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateKeyLayout)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Resolver maps user timezone names to locations, falling back to a
// process-wide default for empty or unknown names.
type Resolver struct {
	defaultLoc *time.Location
	cache      sync.Map // string -> *time.Location
}

// NewResolver creates a Resolver with the given default timezone. An
// unloadable default falls back to US/Eastern, then UTC.
func NewResolver(defaultTZ string) *Resolver {
	if defaultTZ == "" {
		defaultTZ = DefaultTimezone
	}
	loc, err := time.LoadLocation(defaultTZ)
	if err != nil {
		slog.Warn("Resolver: unknown default timezone, using fallback", "timezone", defaultTZ, "fallback", DefaultTimezone, "error", err)
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			slog.Error("Resolver: fallback timezone unavailable, using UTC", "error", err)
			loc = time.UTC
		}
	}
	return &Resolver{defaultLoc: loc}
}

// Default returns the process-wide default location.
func (r *Resolver) Default() *time.Location {
	return r.defaultLoc
}

// Location resolves an IANA name, logging and falling back to the default
// when the name is empty or unknown.
func (r *Resolver) Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return r.defaultLoc
	}
	if cached, ok := r.cache.Load(tz); ok {
		return cached.(*time.Location)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("Resolver.Location: unknown timezone, falling back to default", "timezone", tz, "default", r.defaultLoc.String())
		return r.defaultLoc
	}
	r.cache.Store(tz, loc)
	return loc
}
