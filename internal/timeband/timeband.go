// Package timeband interprets calendar-date bounds and stored timestamps in
// a fixed civil timezone.
//
// Stored timestamps are heterogeneous: native datetimes written by other
// tools, or ISO-8601 strings with or without an offset. Values that cannot be
// interpreted produce "no opinion", which every filter treats as in-range.
package timeband

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DisplayLayout renders timestamps for the human-readable AM/PM fields.
const DisplayLayout = "02 Jan 2006, 03:04:05 PM"

// Zone is the civil timezone all bounds and comparisons are expressed in.
type Zone struct {
	loc *time.Location
}

// LoadZone resolves an IANA timezone name, e.g. "Asia/Kolkata".
func LoadZone(name string) (*Zone, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return &Zone{loc: loc}, nil
}

// Now returns the current instant in the civil zone.
func (z *Zone) Now() time.Time {
	return time.Now().In(z.loc)
}

// NowString returns the current instant as the ISO-8601 string stored in
// created_at/updated_at fields.
func (z *Zone) NowString() string {
	return z.Now().Format(time.RFC3339Nano)
}

// ParseBound parses a date-only boundary string. The shape must be exactly
// YYYY-MM-DD; anything else is an error. The result is the start of that
// calendar day, or its last microsecond when asEnd is true, in the civil zone.
func (z *Zone) ParseBound(s string, asEnd bool) (time.Time, error) {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	day, err := time.ParseInLocation("2006-01-02", s, z.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	if asEnd {
		// Built from civil components rather than by adding 24h, so the
		// bound stays at 23:59:59.999999 of the same calendar date in
		// zones with DST transitions.
		return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 999999000, z.loc), nil
	}
	return day, nil
}

// Normalize converts a stored timestamp value into the civil zone. The second
// return is false when the value carries no usable timestamp. Naive strings
// (no offset) are assumed UTC.
func (z *Zone) Normalize(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t.In(z.loc), true
	case bson.DateTime:
		return t.Time().In(z.loc), true
	case string:
		return z.parseISO(t)
	default:
		return time.Time{}, false
	}
}

func (z *Zone) parseISO(s string) (time.Time, bool) {
	// RFC3339 covers offset-bearing values, including a trailing Z.
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(z.loc), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.In(z.loc), true
		}
	}
	return time.Time{}, false
}

// Display renders a stored timestamp in the AM/PM display format, or ""
// when the value is unusable.
func (z *Zone) Display(v any) string {
	t, ok := z.Normalize(v)
	if !ok {
		return ""
	}
	return t.Format(DisplayLayout)
}

// Range is an inclusive time window. A nil bound is unbounded on that side.
type Range struct {
	Start *time.Time
	End   *time.Time
}

// NewRange parses optional date-only bounds into a Range.
func (z *Zone) NewRange(start, end string) (Range, error) {
	var r Range
	if start != "" {
		t, err := z.ParseBound(start, false)
		if err != nil {
			return Range{}, err
		}
		r.Start = &t
	}
	if end != "" {
		t, err := z.ParseBound(end, true)
		if err != nil {
			return Range{}, err
		}
		r.End = &t
	}
	return r, nil
}

// IsZero reports whether the range is unbounded on both sides.
func (r Range) IsZero() bool {
	return r.Start == nil && r.End == nil
}

// Contains tests start <= t <= end, treating nil bounds as unbounded.
func (r Range) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// InRange tests a stored timestamp value against the range. Values without a
// usable timestamp are in-range everywhere (fail-open).
func (z *Zone) InRange(r Range, v any) bool {
	t, ok := z.Normalize(v)
	if !ok {
		return true
	}
	return r.Contains(t)
}
