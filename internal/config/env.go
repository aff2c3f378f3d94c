package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides. Secrets should come from here (or a .env file)
// rather than the config file.
const (
	EnvDailyLimit     = "DAILY_LIMIT"
	EnvStorageDSN     = "AUTOPUB_STORAGE_DSN"
	EnvAdminJWTSecret = "AUTOPUB_ADMIN_JWT_SECRET"
	EnvTelegramToken  = "AUTOPUB_TELEGRAM_TOKEN"
	EnvS3AccessKey    = "AUTOPUB_S3_ACCESS_KEY"
	EnvS3SecretKey    = "AUTOPUB_S3_SECRET_KEY"
)

// ApplyEnv overlays environment variables onto cfg. Empty variables are
// ignored.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if v, ok := lookup(EnvDailyLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", EnvDailyLimit, v)
		}
		cfg.Publish.DailyLimit = n
	}
	if v, ok := lookup(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := lookup(EnvAdminJWTSecret); ok {
		if cfg.Admin == nil {
			cfg.Admin = &AdminConfig{}
		}
		cfg.Admin.JWTSecret = v
	}
	if v, ok := lookup(EnvTelegramToken); ok {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{}
		}
		cfg.Notifier.Token = v
	}
	if v, ok := lookup(EnvS3AccessKey); ok && cfg.Artifacts != nil {
		cfg.Artifacts.AccessKey = v
	}
	if v, ok := lookup(EnvS3SecretKey); ok && cfg.Artifacts != nil {
		cfg.Artifacts.SecretKey = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
