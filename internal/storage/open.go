package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "taskbot/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type driver struct {
	open func(Config, logx.Logger) (Persister, error)
	// needs reports the first missing required setting.
	needs func(Config) string
}

var drivers = map[string]driver{
	"file": {
		open:  func(c Config, l logx.Logger) (Persister, error) { return openFile(c, OSFS{}, l) },
		needs: needPath,
	},
	"sqlite": {open: openSQLite, needs: needPath},
	"redis": {
		open: openRedis,
		needs: func(c Config) string {
			if c.RedisAddr == "" {
				return "redis_addr"
			}
			return ""
		},
	},
}

func needPath(c Config) string {
	if c.Path == "" {
		return "path"
	}
	return ""
}

// DriverName normalizes a configured driver. It returns "" for the
// memory-only drivers.
func DriverName(raw string) string {
	switch d := strings.ToLower(strings.TrimSpace(raw)); d {
	case "", "none", "memory":
		return ""
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// Validate checks that the driver exists and has its required settings.
func (c Config) Validate() error {
	name := DriverName(c.Driver)
	if name == "" {
		return nil
	}
	d, ok := drivers[name]
	if !ok {
		return fmt.Errorf("storage.driver: %w %q", ErrUnknownDriver, c.Driver)
	}
	if missing := d.needs(c); missing != "" {
		return fmt.Errorf("storage.%s: required for driver %q", missing, name)
	}
	return nil
}

// Open initializes the configured persister. It returns (nil, nil) when
// storage is memory only.
func Open(cfg Config, log logx.Logger) (Persister, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := DriverName(cfg.Driver)
	if name == "" {
		return nil, nil
	}
	return drivers[name].open(cfg, log.With(logx.Comp("storage"), logx.String("driver", name)))
}
