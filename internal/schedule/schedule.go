// Package schedule parses agent schedules and drives the background
// loop that fires due ingestion runs.
//
// Three schedule forms exist, exactly one per agent:
//
//	interval:<N><s|m|h|d>   every N seconds, minutes, hours or days
//	cron:<min> <hour> <day> <month> <dow>
//	daily:HH:MM             every day at the given local time
//
// Cron fields accept *, single values, comma lists, ranges and /step.
// The month field must stay a wildcard: monthly schedules are rejected
// at parse time. Weekdays run 0 (Sunday) through 6 (Saturday).
package schedule

import (
	"strconv"
	"strings"
	"time"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

type scheduleKind int

const (
	kindInterval scheduleKind = iota
	kindCron
	kindDaily
)

// Schedule is one parsed schedule expression.
type Schedule struct {
	raw      string
	kind     scheduleKind
	interval time.Duration
	cron     cronSpec
	hour     int
	minute   int
}

// Parse parses a schedule expression. Errors are ScheduleInvalid.
func Parse(raw string) (*Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, mmerrors.Newf(mmerrors.KindScheduleInvalid, "schedule is empty")
	}
	form, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"schedule %q has no form prefix (want interval:, cron: or daily:)", raw)
	}

	switch form {
	case "interval":
		d, err := parseInterval(rest)
		if err != nil {
			return nil, err
		}
		return &Schedule{raw: s, kind: kindInterval, interval: d}, nil
	case "cron":
		spec, err := parseCron(rest)
		if err != nil {
			return nil, err
		}
		return &Schedule{raw: s, kind: kindCron, cron: spec}, nil
	case "daily":
		hour, minute, err := parseDaily(rest)
		if err != nil {
			return nil, err
		}
		return &Schedule{raw: s, kind: kindDaily, hour: hour, minute: minute}, nil
	default:
		return nil, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"unknown schedule form %q (want interval, cron or daily)", form)
	}
}

// Validate reports whether the expression parses.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

func (s *Schedule) String() string { return s.raw }

// Interval returns the period for interval schedules, zero otherwise.
func (s *Schedule) Interval() time.Duration {
	if s.kind == kindInterval {
		return s.interval
	}
	return 0
}

// Next returns the first firing time strictly after the given time.
func (s *Schedule) Next(after time.Time) time.Time {
	switch s.kind {
	case kindInterval:
		return after.Add(s.interval)
	case kindDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(),
			s.hour, s.minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return s.cron.next(after)
	}
}

func parseInterval(rest string) (time.Duration, error) {
	if rest == "" {
		return 0, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"interval schedule wants <N><s|m|h|d>")
	}
	digits := rest[:len(rest)-1]
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"interval %q wants a positive count before its unit", rest)
	}
	switch rest[len(rest)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"interval %q has unknown unit %q (want s, m, h or d)", rest, rest[len(rest)-1:])
	}
}

func parseDaily(rest string) (int, int, error) {
	hh, mm, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, 0, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"daily schedule %q wants HH:MM", rest)
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"daily schedule %q is not a valid HH:MM time", rest)
	}
	return hour, minute, nil
}

type cronSpec struct {
	minute cronField
	hour   cronField
	dom    cronField
	dow    cronField
}

func parseCron(rest string) (cronSpec, error) {
	fields := strings.Fields(rest)
	if len(fields) != 5 {
		return cronSpec{}, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"cron schedule %q wants 5 fields (minute hour day month weekday)", rest)
	}
	if fields[3] != "*" {
		return cronSpec{}, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"monthly schedules are not supported: the month field must be *")
	}

	var spec cronSpec
	var err error
	if spec.minute, err = parseCronField(fields[0], 0, 59, "minute"); err != nil {
		return cronSpec{}, err
	}
	if spec.hour, err = parseCronField(fields[1], 0, 23, "hour"); err != nil {
		return cronSpec{}, err
	}
	if spec.dom, err = parseCronField(fields[2], 1, 31, "day"); err != nil {
		return cronSpec{}, err
	}
	if spec.dow, err = parseCronField(fields[4], 0, 6, "weekday"); err != nil {
		return cronSpec{}, err
	}
	return spec, nil
}

type cronField struct {
	any bool
	set map[int]bool
}

func (f cronField) matches(v int) bool { return f.any || f.set[v] }

func parseCronField(s string, lo, hi int, name string) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}
	invalid := func() (cronField, error) {
		return cronField{}, mmerrors.Newf(mmerrors.KindScheduleInvalid,
			"cron %s field %q is not valid for range %d-%d", name, s, lo, hi)
	}

	f := cronField{set: map[int]bool{}}
	for _, part := range strings.Split(s, ",") {
		step := 1
		if base, stepStr, ok := strings.Cut(part, "/"); ok {
			st, err := strconv.Atoi(stepStr)
			if err != nil || st <= 0 {
				return invalid()
			}
			step = st
			part = base
		}

		var from, to int
		switch {
		case part == "*":
			from, to = lo, hi
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			n1, err1 := strconv.Atoi(a)
			n2, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return invalid()
			}
			from, to = n1, n2
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return invalid()
			}
			from, to = n, n
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return invalid()
		}
		for v := from; v <= to; v += step {
			f.set[v] = true
		}
	}
	return f, nil
}

// next steps minute by minute; with the month pinned to a wildcard the
// farthest match (day 31 after February) is always under about two
// months away.
func (c cronSpec) next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for t.Before(limit) {
		if c.minute.matches(t.Minute()) && c.hour.matches(t.Hour()) && c.dayMatches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return t
}

// dayMatches follows cron convention: when both day-of-month and
// weekday are restricted, either one matching fires the job.
func (c cronSpec) dayMatches(t time.Time) bool {
	domOK := c.dom.matches(t.Day())
	dowOK := c.dow.matches(int(t.Weekday()))
	switch {
	case c.dom.any && c.dow.any:
		return true
	case c.dom.any:
		return dowOK
	case c.dow.any:
		return domOK
	default:
		return domOK || dowOK
	}
}
