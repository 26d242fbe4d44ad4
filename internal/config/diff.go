package config

import (
	"slices"
	"sort"
	"strings"

	logx "taskbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets like tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.LogChatID != nt.LogChatID || ot.LogThreadID != nt.LogThreadID ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.idle_throttle", newCfg.Scheduler.IdleThrottle),
			logx.String("scheduler.progress_debounce", newCfg.Scheduler.ProgressDebounce),
			logx.Bool("scheduler.paused", newCfg.Scheduler.Paused),
		)
	}

	var os, ns StorageConfig
	if oldCfg.Storage != nil {
		os = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		ns = *newCfg.Storage
	}
	if os != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.redis_set", strings.TrimSpace(ns.RedisAddr) != ""),
		)
	}

	var oc, nc CleanupConfig
	if oldCfg.Cleanup != nil {
		oc = *oldCfg.Cleanup
	}
	if newCfg.Cleanup != nil {
		nc = *newCfg.Cleanup
	}
	if oc != nc {
		changed = append(changed, "cleanup")
		attrs = append(attrs,
			logx.Bool("cleanup.enabled", nc.Enabled),
			logx.String("cleanup.every", nc.Every),
			logx.String("cleanup.max_age", nc.MaxAge),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. Logging, owners and the paused flag apply live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		switch s {
		case "logging":
			continue
		case "telegram":
			ot, nt := oldCfg.Telegram, newCfg.Telegram
			if ot.Token == nt.Token && strings.TrimSpace(ot.PollTimeout) == strings.TrimSpace(nt.PollTimeout) {
				continue
			}
		case "scheduler":
			os, ns := oldCfg.Scheduler, newCfg.Scheduler
			os.Paused, ns.Paused = false, false
			if os == ns {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}
