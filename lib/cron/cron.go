// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression. Parse builds one from
// a string; Next computes the next matching instant after a given
// time. The zero Schedule matches nothing.
type Schedule struct {
	minutes     fieldSet
	hours       fieldSet
	daysOfMonth fieldSet
	months      fieldSet
	daysOfWeek  fieldSet
}

// fieldSet packs a cron field's allowed values into a uint64. Every
// field's domain fits in 64 bits (the widest is minutes, 0-59).
type fieldSet uint64

func (f fieldSet) has(value int) bool { return f&(1<<uint(value)) != 0 }
func (f *fieldSet) set(value int)     { *f |= 1 << uint(value) }

// fieldBounds gives the valid value range and human name for each of
// the five fields, in expression order.
var fieldBounds = [5]struct {
	name string
	min  int
	max  int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse parses a standard 5-field cron expression. It returns an
// error if the expression is malformed or any value is out of range
// for its field.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var sets [5]fieldSet
	for i, field := range fields {
		bounds := fieldBounds[i]
		set, err := parseField(field, bounds.min, bounds.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", bounds.name, err)
		}
		sets[i] = set
	}

	return Schedule{
		minutes:     sets[0],
		hours:       sets[1],
		daysOfMonth: sets[2],
		months:      sets[3],
		daysOfWeek:  sets[4],
	}, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Returns an error if no match exists within 4 years of t, which
// bounds the scan for impossible schedules like Feb 31.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	// Begin at the next whole minute after t.
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)

	// 4 years spans a full leap cycle.
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Both day fields must accept the day. A wildcard field
		// parses to a full set, so an unrestricted field never
		// rejects anything.
		if !s.daysOfMonth.has(t.Day()) || !s.daysOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses one comma-separated field into its value set.
func parseField(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	for _, term := range strings.Split(field, ",") {
		set, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= set
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses a single term: *, */N, V, V-V, or V-V/N.
func parseTerm(term string, minimum, maximum int) (fieldSet, error) {
	parts := strings.SplitN(term, "/", 2)
	rangeExpression := parts[0]
	step := 1
	if len(parts) == 2 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", parts[1], err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var rangeStart, rangeEnd int
	switch {
	case rangeExpression == "*":
		rangeStart, rangeEnd = minimum, maximum
	case strings.IndexByte(rangeExpression, '-') >= 0:
		dashIndex := strings.IndexByte(rangeExpression, '-')
		startText := rangeExpression[:dashIndex]
		endText := rangeExpression[dashIndex+1:]
		var err error
		rangeStart, err = strconv.Atoi(startText)
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		rangeEnd, err = strconv.Atoi(endText)
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if rangeStart > rangeEnd {
			return 0, fmt.Errorf("range start %d > end %d", rangeStart, rangeEnd)
		}
	default:
		value, err := strconv.Atoi(rangeExpression)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", rangeExpression, err)
		}
		rangeStart, rangeEnd = value, value
	}

	if rangeStart < minimum || rangeEnd > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, rangeStart, rangeEnd)
	}

	var result fieldSet
	for value := rangeStart; value <= rangeEnd; value += step {
		result.set(value)
	}
	return result, nil
}
