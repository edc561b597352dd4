package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned when a cron expression cannot be
// parsed.
var ErrInvalidExpression = errors.New("cron: invalid expression")

// ErrNoMatch is returned when no matching time exists within a year of
// the reference time.
var ErrNoMatch = errors.New("cron: no matching time found")

const fieldCount = 5

// fieldBounds holds the inclusive value range of one cron field, in
// expression order.
var fieldBounds = [fieldCount]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// Schedule is a parsed cron expression. The zero value matches nothing;
// obtain schedules through Parse.
type Schedule struct {
	fields [fieldCount]map[int]bool
}

// Parse parses a 5-field cron expression
// (minute hour day-of-month month day-of-week).
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, fieldCount, len(fields))
	}

	var sched Schedule

	for i, field := range fields {
		values, err := parseField(field, fieldBounds[i].min, fieldBounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}

		sched.fields[i] = values
	}

	return &sched, nil
}

// MustParse is Parse for expressions known to be valid at compile time.
// It panics on error.
func MustParse(expr string) *Schedule {
	sched, err := Parse(expr)
	if err != nil {
		panic(err)
	}

	return sched
}

// Next returns the first time strictly after from that matches the
// schedule, in UTC.
func (sched *Schedule) Next(from time.Time) (time.Time, error) {
	candidate := from.UTC().Truncate(time.Minute).Add(time.Minute)

	// One year of minutes bounds the search for any satisfiable
	// expression.
	limit := from.UTC().AddDate(1, 0, 1)

	for candidate.Before(limit) {
		switch {
		case !sched.matchField(3, int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !sched.matchField(2, candidate.Day()) || !sched.matchField(4, int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !sched.matchField(1, candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, time.UTC)
		case !sched.matchField(0, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func (sched *Schedule) matchField(index, value int) bool {
	return sched.fields[index][value]
}

// parseField parses one comma-separated cron field into its value set.
func parseField(field string, minVal, maxVal int) (map[int]bool, error) {
	values := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		if err := expandPart(part, minVal, maxVal, values); err != nil {
			return nil, err
		}
	}

	return values, nil
}

// expandPart expands a single part (value, range, wildcard, with optional
// step) into the value set.
func expandPart(part string, minVal, maxVal int, into map[int]bool) error {
	base, stepText, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		parsed, err := strconv.Atoi(stepText)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("%w: step %q", ErrInvalidExpression, stepText)
		}

		step = parsed
	}

	lo, hi, err := parseBase(base, minVal, maxVal, hasStep)
	if err != nil {
		return err
	}

	for v := lo; v <= hi; v += step {
		into[v] = true
	}

	return nil
}

func parseBase(base string, minVal, maxVal int, hasStep bool) (int, int, error) {
	if base == "*" {
		return minVal, maxVal, nil
	}

	if loText, hiText, isRange := strings.Cut(base, "-"); isRange {
		lo, loErr := strconv.Atoi(loText)
		hi, hiErr := strconv.Atoi(hiText)

		if loErr != nil || hiErr != nil || lo < minVal || hi > maxVal || lo > hi {
			return 0, 0, fmt.Errorf("%w: range %q out of bounds [%d, %d]", ErrInvalidExpression, base, minVal, maxVal)
		}

		return lo, hi, nil
	}

	value, err := strconv.Atoi(base)
	if err != nil || value < minVal || value > maxVal {
		return 0, 0, fmt.Errorf("%w: value %q out of bounds [%d, %d]", ErrInvalidExpression, base, minVal, maxVal)
	}

	// A bare value with a step ("5/10") starts a range up to the field
	// maximum, matching common cron implementations.
	if hasStep {
		return value, maxVal, nil
	}

	return value, value, nil
}
