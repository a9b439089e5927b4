// Package cron implements the five-field cron dialect used by the
// scheduler: minute, hour, day-of-month, month, day-of-week, evaluated in
// local time with day-of-month and day-of-week combined with AND.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/akis/internal/service"
)

// field positions within an expression.
const (
	fieldMinute = iota
	fieldHour
	fieldDayOfMonth
	fieldMonth
	fieldDayOfWeek
	fieldCount
)

var fieldBounds = [fieldCount]struct {
	name     string
	min, max int
}{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

// searchCap bounds the next-execution search: roughly four years of
// minute-resolution advancement. An expression that never matches within
// the cap fails with a runtime error.
const searchCap = 4 * 365 * 24 * 60

// Expression is a parsed cron expression. Each field is a bitmask of
// allowed values; all values fit in a uint64.
type Expression struct {
	source string
	fields [fieldCount]uint64
}

// Parse parses a five-field cron expression. Fields are separated by runs
// of whitespace; each field is a comma-separated list of atoms of the form
// "*", "n", "a-b", or "base/step" where base is "*", "a" (meaning a-max),
// or "a-b".
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return nil, fmt.Errorf("cron expression %q: expected 5 fields, got %d: %w", expr, len(parts), service.ErrInvalidArgument)
	}

	e := &Expression{source: expr}

	for i, part := range parts {
		mask, err := parseField(part, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %s field: %w", expr, fieldBounds[i].name, err)
		}
		e.fields[i] = mask
	}

	return e, nil
}

// String returns the original expression text.
func (e *Expression) String() string { return e.source }

// parseField parses one comma-separated field into a bitmask.
func parseField(field string, minVal, maxVal int) (uint64, error) {
	var mask uint64

	for _, atom := range strings.Split(field, ",") {
		m, err := parseAtom(atom, minVal, maxVal)
		if err != nil {
			return 0, err
		}
		mask |= m
	}

	return mask, nil
}

// parseAtom parses a single atom: "*", "n", "a-b", optionally with a
// "/step" suffix. A bare "a/step" means a through the field maximum.
func parseAtom(atom string, minVal, maxVal int) (uint64, error) {
	base := atom
	step := 1

	if idx := strings.IndexByte(atom, '/'); idx >= 0 {
		base = atom[:idx]

		s, err := parseValue(atom[idx+1:], 1, maxVal)
		if err != nil {
			return 0, fmt.Errorf("step %q: %w", atom[idx+1:], err)
		}
		step = s
	}

	lo, hi := minVal, maxVal

	switch {
	case base == "*":
		// full range
	case strings.ContainsRune(base, '-'):
		loStr, hiStr, _ := strings.Cut(base, "-")

		var err error
		if lo, err = parseValue(loStr, minVal, maxVal); err != nil {
			return 0, err
		}
		if hi, err = parseValue(hiStr, minVal, maxVal); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("range %q is inverted: %w", base, service.ErrInvalidArgument)
		}
	default:
		v, err := parseValue(base, minVal, maxVal)
		if err != nil {
			return 0, err
		}

		if strings.ContainsRune(atom, '/') {
			// "a/step" means a through the field maximum.
			lo = v
		} else {
			lo, hi = v, v
		}
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}

	return mask, nil
}

// parseValue parses a bounded integer.
func parseValue(s string, minVal, maxVal int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number: %w", s, service.ErrInvalidArgument)
	}

	if v < minVal || v > maxVal {
		return 0, fmt.Errorf("value %d out of range %d-%d: %w", v, minVal, maxVal, service.ErrInvalidArgument)
	}

	return v, nil
}

func (e *Expression) allows(field, value int) bool {
	return e.fields[field]&(1<<uint(value)) != 0
}

// dayAllows combines day-of-month and day-of-week with AND.
func (e *Expression) dayAllows(t time.Time) bool {
	return e.allows(fieldDayOfMonth, t.Day()) && e.allows(fieldDayOfWeek, int(t.Weekday()))
}

// Matches reports whether the expression fires at the given local time.
// Seconds and finer are ignored.
func (e *Expression) Matches(t time.Time) bool {
	return e.allows(fieldMinute, t.Minute()) &&
		e.allows(fieldHour, t.Hour()) &&
		e.allows(fieldMonth, int(t.Month())) &&
		e.dayAllows(t)
}

// Next returns the first matching time strictly after the given instant,
// at minute resolution. The search is capped; expressions that cannot
// match within roughly four years fail with a runtime error.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)

	for range searchCap {
		if !e.allows(fieldMonth, int(t.Month())) {
			// Jump to the start of the next month, carrying the year.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)

			continue
		}

		if !e.dayAllows(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)

			continue
		}

		hour, carry := nextValue(e.fields[fieldHour], t.Hour(), fieldBounds[fieldHour].max)
		if carry {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)

			continue
		}

		if hour != t.Hour() {
			t = time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
		}

		minute, carry := nextValue(e.fields[fieldMinute], t.Minute(), fieldBounds[fieldMinute].max)
		if carry {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)

			continue
		}

		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location()), nil
	}

	return time.Time{}, fmt.Errorf("cron expression %q: no execution within search window: %w", e.source, service.ErrRuntime)
}

// nextValue returns the lowest allowed value at or above cur, or carry=true
// when no such value exists within the field bound.
func nextValue(mask uint64, cur, maxVal int) (int, bool) {
	for v := cur; v <= maxVal; v++ {
		if mask&(1<<uint(v)) != 0 {
			return v, false
		}
	}

	return 0, true
}
