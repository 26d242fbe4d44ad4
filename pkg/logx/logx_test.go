package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServiceApplyFollowsDerivedLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	svc, root := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log := root.With(Comp("test"), Task("nightly"))
	log.Debug("hidden")
	log.Info("shown", Handler("cleanup"))

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{`"comp":"test"`, `"task":"nightly"`, `"handler":"cleanup"`, "shown", "now visible"} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level:\n%s", out)
	}
}

func TestApplyReportsBadLogFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	svc, _ := New(Config{Level: "error"})
	defer svc.Close()
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "bot.log")}}); err == nil {
		t.Fatalf("Apply accepted a log path under a regular file")
	}
}

func TestWriterLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	if l.Enabled(LevelInfo) || !l.Enabled(LevelWarn) {
		t.Fatalf("level gate wrong")
	}
	l.Warn("boom", Err(errors.New("bad")), Err(nil))
	if got := buf.String(); !strings.Contains(got, `"err":"bad"`) || !strings.Contains(got, `"caller":"logx_test.go:`) {
		t.Fatalf("output = %s", got)
	}
}

func TestNopAndParseLevel(t *testing.T) {
	t.Parallel()
	var zero Logger
	zero.Info("dropped")
	if !Nop().IsZero() || zero.Enabled(LevelError) {
		t.Fatalf("zero logger should discard")
	}
	tests := map[string]zerolog.Level{
		"TRACE": zerolog.TraceLevel, " warning ": zerolog.WarnLevel,
		"off": zerolog.Disabled, "bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
