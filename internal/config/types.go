package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"taskbot/internal/storage"
	logx "taskbot/pkg/logx"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Cleanup   *CleanupConfig  `json:"cleanup,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives task failure notices. 0 disables them.
	LogChatID   int64 `json:"log_chat_id,omitempty"`
	LogThreadID int   `json:"log_thread_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON writes console lines as JSON instead of text.
	JSON bool        `json:"json,omitempty"`
	File LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task executor and the scheduler loop.
//
// All durations are Go duration strings (e.g. "250ms", "1s").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4 (minimum 3). The scheduler loop holds one slot and keeps
//     one free for its next cycle, so at most workers-2 tasks run at once.
//   - idle_throttle: "250ms"
//   - progress_debounce: "1s"
//   - shutdown_timeout: "10s"
//   - history_size: 200
type SchedulerConfig struct {
	Workers          int    `json:"workers,omitempty"`
	IdleThrottle     string `json:"idle_throttle,omitempty"`
	ProgressDebounce string `json:"progress_debounce,omitempty"`
	ShutdownTimeout  string `json:"shutdown_timeout,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	// Paused is applied on startup and whenever a reload flips it.
	Paused bool `json:"paused,omitempty"`
}

// StorageConfig controls task persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskbot_tasks.json" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	SaveDebounce string `json:"save_debounce,omitempty"`
	RedisAddr    string `json:"redis_addr,omitempty"`
	RedisKey     string `json:"redis_key,omitempty"`
	RedisDB      int    `json:"redis_db,omitempty"`
}

// CleanupConfig controls the built-in sweep of finished tasks.
type CleanupConfig struct {
	Enabled bool   `json:"enabled"`
	Every   string `json:"every,omitempty"`   // default "1h"
	MaxAge  string `json:"max_age,omitempty"` // default "168h"
}

const minWorkers = 3

// SchedulerSettings is SchedulerConfig with defaults applied.
type SchedulerSettings struct {
	Workers          int
	IdleThrottle     time.Duration
	ProgressDebounce time.Duration
	ShutdownTimeout  time.Duration
	HistorySize      int
	Paused           bool
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	s := SchedulerSettings{Workers: c.Workers, HistorySize: c.HistorySize, Paused: c.Paused}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.Workers < minWorkers {
		return s, fmt.Errorf("scheduler.workers: must be >= %d, got %d", minWorkers, s.Workers)
	}
	if s.HistorySize <= 0 {
		s.HistorySize = 200
	}
	var err error
	if s.IdleThrottle, err = durationOr("scheduler.idle_throttle", c.IdleThrottle, 250*time.Millisecond); err != nil {
		return s, err
	}
	if s.ProgressDebounce, err = durationOr("scheduler.progress_debounce", c.ProgressDebounce, time.Second); err != nil {
		return s, err
	}
	if s.ShutdownTimeout, err = durationOr("scheduler.shutdown_timeout", c.ShutdownTimeout, 10*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

// StorageSettings returns the persister config and the save debounce. A
// missing section means tasks live in memory only.
func (c *Config) StorageSettings() (storage.Config, time.Duration, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{Driver: "memory"}, 0, nil
	}
	busy, err := parseDuration("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	debounce, err := durationOr("storage.save_debounce", s.SaveDebounce, 500*time.Millisecond)
	if err != nil {
		return storage.Config{}, 0, err
	}
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
		RedisAddr:   strings.TrimSpace(s.RedisAddr),
		RedisKey:    strings.TrimSpace(s.RedisKey),
		RedisDB:     s.RedisDB,
	}
	if err := sc.Validate(); err != nil {
		return sc, 0, err
	}
	return sc, debounce, nil
}

// CleanupSettings returns the sweep interval and max age. every is 0 when
// the sweep is disabled.
func (c *Config) CleanupSettings() (every, maxAge time.Duration, err error) {
	if c.Cleanup == nil || !c.Cleanup.Enabled {
		return 0, 0, nil
	}
	if every, err = durationOr("cleanup.every", c.Cleanup.Every, time.Hour); err != nil {
		return 0, 0, err
	}
	if maxAge, err = durationOr("cleanup.max_age", c.Cleanup.MaxAge, 7*24*time.Hour); err != nil {
		return 0, 0, err
	}
	return every, maxAge, nil
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return durationOr("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

// LogConfig maps the logging section onto the logger config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// Validate checks every section. It is used on startup and as the hot reload
// validator.
func (c *Config) Validate() error {
	var result *multierror.Error
	if _, err := c.Scheduler.Resolve(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, _, err := c.StorageSettings(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, _, err := c.CleanupSettings(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.PollTimeout(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
