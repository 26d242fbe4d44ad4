package task

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBadSchedule is returned when a schedule text encoding cannot be decoded.
var ErrBadSchedule = errors.New("malformed schedule")

// ScheduleType selects how Schedule.NextRun derives the next run time.
type ScheduleType int

const (
	// TypeUnset is the zero value: "no schedule". Used for an unset failure schedule.
	TypeUnset ScheduleType = iota
	TypeOnce
	TypeDelay
	TypeRate
	TypeNever
	TypeCron
)

func (t ScheduleType) String() string {
	switch t {
	case TypeOnce:
		return "once"
	case TypeDelay:
		return "delay"
	case TypeRate:
		return "rate"
	case TypeNever:
		return "never"
	case TypeCron:
		return "cron"
	default:
		return "unset"
	}
}

// MaxTime is the latest instant a schedule computation may produce.
// Additions that would pass it are clamped.
var MaxTime = time.UnixMilli(math.MaxInt64 / 2)

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule describes when a task should next run.
//
// Schedule is a comparable value. Times are kept at millisecond precision so the
// text encoding round-trips exactly.
type Schedule struct {
	Type     ScheduleType
	Start    time.Time
	Interval time.Duration
	Expr     string
}

// OnceAt runs exactly at t.
func OnceAt(t time.Time) Schedule {
	return Schedule{Type: TypeOnce, Start: truncMillis(t)}
}

// DelayFrom runs first at start, then every d after the previous run finished.
func DelayFrom(start time.Time, d time.Duration) Schedule {
	return Schedule{Type: TypeDelay, Start: truncMillis(start), Interval: d.Truncate(time.Millisecond)}
}

// RateFrom runs first at start, then every d after the previous run started.
func RateFrom(start time.Time, d time.Duration) Schedule {
	return Schedule{Type: TypeRate, Start: truncMillis(start), Interval: d.Truncate(time.Millisecond)}
}

// NeverRun never produces a next run.
func NeverRun() Schedule {
	return Schedule{Type: TypeNever}
}

// CronFrom runs at every activation of expr after start.
func CronFrom(start time.Time, expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("%w: cron %q: %v", ErrBadSchedule, expr, err)
	}
	return Schedule{Type: TypeCron, Start: truncMillis(start), Expr: expr}, nil
}

// IsZero reports whether s is unset.
func (s Schedule) IsZero() bool { return s.Type == TypeUnset }

// Validate checks the field invariants of s.
func (s Schedule) Validate() error {
	switch s.Type {
	case TypeUnset:
		return nil
	case TypeOnce:
		if s.Start.IsZero() || s.Interval != 0 || s.Expr != "" {
			return fmt.Errorf("%w: once needs a start and no interval", ErrBadSchedule)
		}
	case TypeDelay, TypeRate:
		if s.Start.IsZero() || s.Interval <= 0 || s.Expr != "" {
			return fmt.Errorf("%w: %s needs a start and a positive interval", ErrBadSchedule, s.Type)
		}
	case TypeNever:
		if !s.Start.IsZero() || s.Interval != 0 || s.Expr != "" {
			return fmt.Errorf("%w: never takes no start or interval", ErrBadSchedule)
		}
	case TypeCron:
		if s.Start.IsZero() || s.Interval != 0 {
			return fmt.Errorf("%w: cron needs a start and no interval", ErrBadSchedule)
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrBadSchedule, s.Expr, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrBadSchedule, s.Type)
	}
	return nil
}

// NextRun computes the next run time from the previous run's start and finish.
// Zero arguments mean "never ran"; a zero result means "do not run".
func (s Schedule) NextRun(prevStart, prevFinish time.Time) time.Time {
	switch s.Type {
	case TypeOnce:
		return s.Start
	case TypeDelay:
		if prevFinish.IsZero() {
			return s.Start
		}
		return addClamped(prevFinish, s.Interval)
	case TypeRate:
		if prevStart.IsZero() {
			return s.Start
		}
		return addClamped(prevStart, s.Interval)
	case TypeCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}
		}
		from := s.Start
		if !prevFinish.IsZero() {
			from = prevFinish
		}
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}
		}
		return truncMillis(next)
	default:
		return time.Time{}
	}
}

// addClamped returns t+d, clamped to MaxTime instead of wrapping.
func addClamped(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	ms := t.UnixMilli()
	dm := d.Milliseconds()
	maxMs := MaxTime.UnixMilli()
	if ms > maxMs-dm {
		return MaxTime
	}
	return time.UnixMilli(ms + dm)
}

func truncMillis(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli())
}

// String returns the compact text encoding.
func (s Schedule) String() string {
	switch s.Type {
	case TypeOnce:
		return "O:" + strconv.FormatInt(s.Start.UnixMilli(), 10)
	case TypeDelay:
		return "D:" + strconv.FormatInt(s.Start.UnixMilli(), 10) + ":" + strconv.FormatInt(s.Interval.Milliseconds(), 10)
	case TypeRate:
		return "R:" + strconv.FormatInt(s.Start.UnixMilli(), 10) + ":" + strconv.FormatInt(s.Interval.Milliseconds(), 10)
	case TypeNever:
		return "N"
	case TypeCron:
		return "C:" + strconv.FormatInt(s.Start.UnixMilli(), 10) + ":" + s.Expr
	default:
		return ""
	}
}

func (s Schedule) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Schedule) UnmarshalText(b []byte) error {
	v, err := ParseEncodedSchedule(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseEncodedSchedule decodes the compact text encoding produced by String.
// Empty text decodes to the unset schedule.
func ParseEncodedSchedule(raw string) (Schedule, error) {
	if raw == "" {
		return Schedule{}, nil
	}
	if raw == "N" {
		return NeverRun(), nil
	}
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %q", ErrBadSchedule, raw)
	}
	switch kind {
	case "O":
		start, err := parseMillis(rest)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q", ErrBadSchedule, raw)
		}
		return validated(Schedule{Type: TypeOnce, Start: start})
	case "D", "R":
		a, b, ok := strings.Cut(rest, ":")
		if !ok {
			return Schedule{}, fmt.Errorf("%w: %q: missing interval", ErrBadSchedule, raw)
		}
		start, err := parseMillis(a)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q", ErrBadSchedule, raw)
		}
		iv, err := strconv.ParseInt(b, 10, 64)
		if err != nil || iv <= 0 || iv > maxIntervalMillis {
			return Schedule{}, fmt.Errorf("%w: %q: bad interval", ErrBadSchedule, raw)
		}
		typ := TypeDelay
		if kind == "R" {
			typ = TypeRate
		}
		return validated(Schedule{Type: typ, Start: start, Interval: time.Duration(iv) * time.Millisecond})
	case "C":
		a, expr, ok := strings.Cut(rest, ":")
		if !ok {
			return Schedule{}, fmt.Errorf("%w: %q: missing expression", ErrBadSchedule, raw)
		}
		start, err := parseMillis(a)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %q", ErrBadSchedule, raw)
		}
		return validated(Schedule{Type: TypeCron, Start: start, Expr: expr})
	default:
		return Schedule{}, fmt.Errorf("%w: %q: unknown type", ErrBadSchedule, raw)
	}
}

// maxIntervalMillis is the largest millisecond count a time.Duration holds.
const maxIntervalMillis = math.MaxInt64 / int64(time.Millisecond)

func validated(s Schedule) (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
