package task

import (
	"errors"
	"testing"
)

func TestProgressAddIsPure(t *testing.T) {
	t.Parallel()
	p := Progress{Current: 1, Total: 10}
	q := p.AddCurrent(2).AddTotal(5).AddWaiting(3).AddFailed(1)
	if p != (Progress{Current: 1, Total: 10}) {
		t.Fatalf("receiver modified: %+v", p)
	}
	want := Progress{Current: 3, Total: 15, Waiting: 3, Failed: 1}
	if q != want {
		t.Fatalf("got %+v, want %+v", q, want)
	}
	if p.AddCurrent(0) != p || p.AddFailed(0) != p {
		t.Fatalf("adding zero should be identity")
	}
}

func TestProgressCompleteRatio(t *testing.T) {
	t.Parallel()
	if _, ok := (Progress{Current: 4}).CompleteRatio(); ok {
		t.Fatalf("ratio with zero total should be absent")
	}
	r, ok := Progress{Current: 1, Total: 4}.CompleteRatio()
	if !ok || r != 0.25 {
		t.Fatalf("ratio = %v, %v; want 0.25, true", r, ok)
	}
}

func TestProgressTextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, p := range []Progress{{}, {Current: 3, Total: 10, Waiting: 2, Failed: 1}, {Total: 1 << 40}} {
		back, err := ParseProgress(p.String())
		if err != nil {
			t.Fatalf("ParseProgress(%q): %v", p.String(), err)
		}
		if back != p {
			t.Fatalf("round trip = %+v, want %+v", back, p)
		}
	}
	if got := (Progress{Current: 3, Total: 10, Waiting: 2, Failed: 1}).String(); got != "3/10/2/1" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseProgressMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "1/2/3", "1/2/3/4/5", "a/b/c/d", "1/-2/0/0", "1//0/0"} {
		if _, err := ParseProgress(raw); !errors.Is(err, ErrBadProgress) {
			t.Fatalf("ParseProgress(%q) err = %v, want ErrBadProgress", raw, err)
		}
	}
}
