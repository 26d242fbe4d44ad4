package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AtMillis truncates t to millisecond precision, the resolution tasks are stored at.
func AtMillis(t time.Time) time.Time { return truncMillis(t) }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses an operator-facing schedule string. Schedules start at now
// unless the string names a start time.
//
// Supported forms:
//   - "once" (run now), "once:<RFC3339>"
//   - "never"
//   - "delay:55m", "rate:1h" (also HH:MM, e.g. "rate:02:30")
//   - "cron:*/5 * * * *", or any expression with whitespace or a leading '@'
//   - bare interval "55m" / "01:30" (fixed delay)
func ParseSchedule(raw string, now time.Time) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case low == "never":
		return NeverRun(), nil
	case low == "once" || low == "now":
		return OnceAt(now), nil
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid once time %q (use RFC3339 like 2026-01-02T15:04:05Z)", v)
		}
		return OnceAt(at), nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return CronFrom(now, expr)
	case strings.HasPrefix(low, "delay:"):
		d, err := parseInterval(s[len("delay:"):])
		if err != nil {
			return Schedule{}, err
		}
		return DelayFrom(now, d), nil
	case strings.HasPrefix(low, "rate:"):
		d, err := parseInterval(s[len("rate:"):])
		if err != nil {
			return Schedule{}, err
		}
		return RateFrom(now, d), nil
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return CronFrom(now, s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use 'once', 'never', cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
			raw,
		)
	}
	return DelayFrom(now, d), nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("interval must be >= 1ms")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Describe renders s for operators.
func Describe(s Schedule) string {
	switch s.Type {
	case TypeOnce:
		return "once at " + s.Start.Format(time.RFC3339)
	case TypeDelay:
		return fmt.Sprintf("every %s after finish (from %s)", s.Interval, s.Start.Format(time.RFC3339))
	case TypeRate:
		return fmt.Sprintf("every %s after start (from %s)", s.Interval, s.Start.Format(time.RFC3339))
	case TypeNever:
		return "never"
	case TypeCron:
		return "cron " + s.Expr
	default:
		return "-"
	}
}
