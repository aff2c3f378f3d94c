package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultTick        = "@every 1m"
	DefaultDailyReset  = "0 0 * * *"
	DefaultWorkers     = 1
	DefaultPerAccount  = 1
	DefaultJobTimeout  = "10m"
	DefaultHistorySize = 200
	DefaultDailyLimit  = 5
	DefaultMaxRetries  = 3
	DefaultAdminAddr   = "127.0.0.1:8787"
	DefaultSQLitePath  = "./data/autopub.db"
)

// Normalize fills zero values with runtime defaults. It is idempotent.
//
// A negative publish.daily_limit disables the quota; zero means "use the
// default".
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = DefaultSQLitePath
	}

	if strings.TrimSpace(c.Scheduler.Tick) == "" {
		c.Scheduler.Tick = DefaultTick
	}
	if strings.TrimSpace(c.Scheduler.DailyReset) == "" {
		c.Scheduler.DailyReset = DefaultDailyReset
	}

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = DefaultWorkers
	}
	if c.Queue.PerAccount <= 0 {
		c.Queue.PerAccount = DefaultPerAccount
	}
	if strings.TrimSpace(c.Queue.JobTimeout) == "" {
		c.Queue.JobTimeout = DefaultJobTimeout
	}
	if c.Queue.HistorySize <= 0 {
		c.Queue.HistorySize = DefaultHistorySize
	}

	if c.Publish.DailyLimit == 0 {
		c.Publish.DailyLimit = DefaultDailyLimit
	}
	if c.Publish.MaxRetries <= 0 {
		c.Publish.MaxRetries = DefaultMaxRetries
	}
	if c.Publish.MinIntervalMinutes < 0 {
		c.Publish.MinIntervalMinutes = 0
	}

	c.Publisher.Driver = strings.ToLower(strings.TrimSpace(c.Publisher.Driver))
	if c.Publisher.Driver == "" {
		if len(c.Publisher.Command) > 0 {
			c.Publisher.Driver = "command"
		} else {
			c.Publisher.Driver = "noop"
		}
	}

	if c.Admin != nil && strings.TrimSpace(c.Admin.Addr) == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	if c.Notifier != nil {
		if c.Notifier.RatePerSec <= 0 {
			c.Notifier.RatePerSec = 1
		}
		if c.Notifier.Burst <= 0 {
			c.Notifier.Burst = 3
		}
	}
}

// Validate reports configuration errors that would prevent startup.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("queue.job_timeout", c.Queue.JobTimeout); err != nil {
		errs = append(errs, err)
	}

	switch c.Publisher.Driver {
	case "noop":
	case "command":
		if len(c.Publisher.Command) == 0 || strings.TrimSpace(c.Publisher.Command[0]) == "" {
			errs = append(errs, errors.New("publisher.command: required for command driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.driver: unsupported %q", c.Publisher.Driver))
	}

	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id: required when enabled"))
		}
	}
	if a := c.Artifacts; a != nil && a.Enabled && strings.TrimSpace(a.Bucket) == "" {
		errs = append(errs, errors.New("artifacts.bucket: required when enabled"))
	}

	return errors.Join(errs...)
}
