package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskbot/internal/storage"
	logx "taskbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [100, 200]
  poll_timeout: 15s
logging:
  level: debug
  console: true
scheduler:
  workers: 6
  idle_throttle: 100ms
storage:
  driver: SQLite
  path: ./tasks.db
  busy_timeout: 2s
cleanup:
  enabled: true
  every: 30m
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if diff := cmp.Diff([]int64{100, 200}, cfg.Telegram.OwnerUserIDs); diff != "" {
		t.Fatalf("owners (-want +got):\n%s", diff)
	}

	sched, err := cfg.Scheduler.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := SchedulerSettings{
		Workers:          6,
		IdleThrottle:     100 * time.Millisecond,
		ProgressDebounce: time.Second,
		ShutdownTimeout:  10 * time.Second,
		HistorySize:      200,
	}
	if diff := cmp.Diff(want, sched); diff != "" {
		t.Fatalf("scheduler settings (-want +got):\n%s", diff)
	}

	sc, debounce, err := cfg.StorageSettings()
	if err != nil {
		t.Fatalf("StorageSettings: %v", err)
	}
	if diff := cmp.Diff(storage.Config{Driver: "sqlite", Path: "./tasks.db", BusyTimeout: 2 * time.Second}, sc); diff != "" {
		t.Fatalf("storage (-want +got):\n%s", diff)
	}
	if debounce != 500*time.Millisecond {
		t.Fatalf("save debounce = %v", debounce)
	}

	every, maxAge, err := cfg.CleanupSettings()
	if err != nil || every != 30*time.Minute || maxAge != 7*24*time.Hour {
		t.Fatalf("CleanupSettings = %v, %v, %v", every, maxAge, err)
	}
	if pt, _ := cfg.PollTimeout(); pt != 15*time.Second {
		t.Fatalf("PollTimeout = %v", pt)
	}
	if lc := cfg.LogConfig(); lc.Level != "debug" || !lc.Console {
		t.Fatalf("LogConfig = %+v", lc)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "telegram: [", "yaml unmarshal"},
		{"unknown yaml field", "c.yml", "scheduler:\n  threads: 3\n", "unknown field"},
		{"yaml sequence key", "c.yaml", "? [a, b]\n: 1\n", "mapping key must be a scalar"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, tc.file, tc.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "empty.yaml", "")).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage != nil || cfg.Cleanup != nil || cfg.Telegram.Token != "" {
		t.Fatalf("empty yaml decoded to %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{name: "zero config", cfg: Config{}},
		{
			name: "too few workers",
			cfg:  Config{Scheduler: SchedulerConfig{Workers: 2}},
			want: []string{"scheduler.workers"},
		},
		{
			name: "many errors",
			cfg: Config{
				Telegram:  TelegramConfig{PollTimeout: "soon"},
				Scheduler: SchedulerConfig{IdleThrottle: "-1s"},
				Storage:   &StorageConfig{Driver: "mongo"},
				Cleanup:   &CleanupConfig{Enabled: true, MaxAge: "forever"},
			},
			want: []string{"scheduler.idle_throttle", "storage.driver", "cleanup.max_age", "telegram.poll_timeout"},
		},
		{
			name: "file without path",
			cfg:  Config{Storage: &StorageConfig{Driver: "file"}},
			want: []string{"storage.path"},
		},
		{
			name: "redis without address",
			cfg:  Config{Storage: &StorageConfig{Driver: "redis"}},
			want: []string{"storage.redis_addr"},
		},
		{
			name: "disabled cleanup is not parsed",
			cfg:  Config{Cleanup: &CleanupConfig{Every: "bogus"}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if len(tc.want) == 0 {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate succeeded, want %v", tc.want)
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Telegram:  TelegramConfig{Token: "secret-1", OwnerUserIDs: []int64{1}},
		Scheduler: SchedulerConfig{Workers: 4},
	}
	next := &Config{
		Telegram:  TelegramConfig{Token: "secret-2", OwnerUserIDs: []int64{1}},
		Logging:   LoggingConfig{Level: "warn"},
		Scheduler: SchedulerConfig{Workers: 4, Paused: true},
		Storage:   &StorageConfig{Driver: "file", Path: "x.json"},
	}
	changed, fields := SummarizeConfigChange(old, next)
	if diff := cmp.Diff([]string{"logging", "scheduler", "storage", "telegram"}, changed); diff != "" {
		t.Fatalf("changed (-want +got):\n%s", diff)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", fields...)
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), "token_changed") {
		t.Fatalf("summary fields = %s", buf.String())
	}
	if diff := cmp.Diff([]string{"storage", "telegram"}, RestartRequired(old, next)); diff != "" {
		t.Fatalf("restart required (-want +got):\n%s", diff)
	}

	if changed, _ := SummarizeConfigChange(nil, &Config{}); len(changed) != 0 {
		t.Fatalf("nil vs zero config changed %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"scheduler":{"workers":4}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)

	// An invalid config is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"scheduler":{"workers":1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(path, []byte(`{"scheduler":{"workers":5,"paused":true}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Scheduler.Workers != 5 || !cfg.Scheduler.Paused {
			t.Fatalf("published config = %+v", cfg.Scheduler)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Scheduler.Workers != 5 {
		t.Fatalf("Get after reload = %+v", m.Get().Scheduler)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1m", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseDuration("k", tc.raw)
			if (err != nil) != tc.wantErr || got != tc.want {
				t.Fatalf("parseDuration(%q) = %v, %v", tc.raw, got, err)
			}
		})
	}
	if d, _ := durationOr("k", "", time.Minute); d != time.Minute {
		t.Fatalf("durationOr default = %v", d)
	}
}
