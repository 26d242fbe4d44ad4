package task

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadProgress is returned when a progress text encoding cannot be decoded.
var ErrBadProgress = errors.New("malformed progress")

// Progress is an immutable set of counters reported by a running handler.
// The Add* methods return a new value; the receiver is never modified.
type Progress struct {
	Current int64
	Total   int64
	Waiting int64
	Failed  int64
}

func (p Progress) AddCurrent(n int64) Progress {
	if n == 0 {
		return p
	}
	p.Current += n
	return p
}

func (p Progress) AddTotal(n int64) Progress {
	if n == 0 {
		return p
	}
	p.Total += n
	return p
}

func (p Progress) AddWaiting(n int64) Progress {
	if n == 0 {
		return p
	}
	p.Waiting += n
	return p
}

func (p Progress) AddFailed(n int64) Progress {
	if n == 0 {
		return p
	}
	p.Failed += n
	return p
}

// CompleteRatio returns Current/Total. ok is false when Total is zero.
func (p Progress) CompleteRatio() (ratio float64, ok bool) {
	if p.Total == 0 {
		return 0, false
	}
	return float64(p.Current) / float64(p.Total), true
}

// String returns the "current/total/waiting/failed" encoding.
func (p Progress) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(p.Current, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(p.Total, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(p.Waiting, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(p.Failed, 10))
	return b.String()
}

func (p Progress) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Progress) UnmarshalText(b []byte) error {
	v, err := ParseProgress(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProgress decodes the encoding produced by Progress.String.
func ParseProgress(raw string) (Progress, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return Progress{}, fmt.Errorf("%w: %q", ErrBadProgress, raw)
	}
	var vals [4]int64
	for i, s := range parts {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			return Progress{}, fmt.Errorf("%w: %q", ErrBadProgress, raw)
		}
		vals[i] = v
	}
	return Progress{Current: vals[0], Total: vals[1], Waiting: vals[2], Failed: vals[3]}, nil
}
