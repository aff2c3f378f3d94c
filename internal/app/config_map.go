package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autopub/internal/admin"
	"autopub/internal/config"
	"autopub/internal/notify"
	"autopub/internal/storage"
	"autopub/internal/task/engine"
	"autopub/internal/task/scheduler"
	logx "autopub/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("queue.job_timeout", cfg.Queue.JobTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Queue.Workers,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Queue.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("queue.job_timeout", cfg.Queue.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Tick:       cfg.Scheduler.Tick,
		DailyReset: cfg.Scheduler.DailyReset,
		Timezone:   cfg.Scheduler.Timezone,
		PerAccount: cfg.Queue.PerAccount,
		JobTimeout: timeout,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:    n.Enabled,
		ChatID:     n.ChatID,
		ThreadID:   n.ThreadID,
		RatePerSec: n.RatePerSec,
		Burst:      n.Burst,
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, bool) {
	a := cfg.Admin
	if a == nil || !a.Enabled {
		return admin.Config{}, false
	}
	return admin.Config{Addr: a.Addr, JWTSecret: a.JWTSecret}, true
}

// validateConfig runs on every reload before the config is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := scheduler.ValidateSpecs(cfg.Scheduler.Tick, cfg.Scheduler.DailyReset); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	return nil
}

// restartOnly lists config sections that are read once at startup.
var restartOnly = map[string]bool{
	"storage":   true,
	"queue":     true,
	"publisher": true,
	"admin":     true,
	"artifacts": true,
}
