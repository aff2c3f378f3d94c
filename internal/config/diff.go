package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autopub/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, keys) are reported only as
// "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		strings.TrimSpace(oldCfg.Storage.DSN) != strings.TrimSpace(newCfg.Storage.DSN) ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.daily_reset", newCfg.Scheduler.DailyReset),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.per_account", newCfg.Queue.PerAccount),
			logx.String("queue.job_timeout", newCfg.Queue.JobTimeout),
		)
	}

	if oldCfg.Publish != newCfg.Publish {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.Int("publish.daily_limit", newCfg.Publish.DailyLimit),
			logx.Int("publish.min_interval_minutes", newCfg.Publish.MinIntervalMinutes),
			logx.Int("publish.max_retries", newCfg.Publish.MaxRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.driver", newCfg.Publisher.Driver),
			logx.Int("publisher.env_count", len(newCfg.Publisher.Env)),
		)
	}

	oA, nA := derefAdmin(oldCfg.Admin), derefAdmin(newCfg.Admin)
	if oA != nA {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", nA.Addr),
			logx.Bool("admin.jwt_secret_set", nA.JWTSecret != ""),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", nN.Token != ""),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	oF, nF := derefArtifacts(oldCfg.Artifacts), derefArtifacts(newCfg.Artifacts)
	if oF != nF {
		changed = append(changed, "artifacts")
		attrs = append(attrs,
			logx.Bool("artifacts.enabled", nF.Enabled),
			logx.String("artifacts.bucket", nF.Bucket),
			logx.Bool("artifacts.credentials_set", nF.AccessKey != "" && nF.SecretKey != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefAdmin(a *AdminConfig) AdminConfig {
	if a == nil {
		return AdminConfig{}
	}
	return *a
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefArtifacts(a *ArtifactsConfig) ArtifactsConfig {
	if a == nil {
		return ArtifactsConfig{}
	}
	return *a
}
