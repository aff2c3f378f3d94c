package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	Publish   PublishConfig   `json:"publish"`
	Publisher PublisherConfig `json:"publisher"`

	Admin     *AdminConfig     `json:"admin,omitempty"`
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	Artifacts *ArtifactsConfig `json:"artifacts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/autopub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // sqlite (default) | postgres
	DSN         string `json:"dsn"`                    // file path for sqlite, URL for postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the discovery tick and the daily boundary job.
//
// Defaults:
//   - tick: "@every 1m"
//   - daily_reset: "0 0 * * *"
//   - timezone: local
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Tick       string `json:"tick,omitempty"`
	DailyReset string `json:"daily_reset,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// QueueConfig controls the execution queue.
//
// Defaults:
//   - workers: 1
//   - per_account: 1
//   - job_timeout: "10m"
//   - history_size: 200
type QueueConfig struct {
	Workers     int    `json:"workers,omitempty"`
	PerAccount  int    `json:"per_account,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// PublishConfig holds the quota and retry policy.
//
// daily_limit can be overridden at runtime by the "daily_limit" setting and
// at startup by the DAILY_LIMIT environment variable.
type PublishConfig struct {
	DailyLimit         int `json:"daily_limit"`
	MinIntervalMinutes int `json:"min_interval_minutes"`
	MaxRetries         int `json:"max_retries"`
}

// PublisherConfig selects how a publish attempt is carried out.
type PublisherConfig struct {
	Driver  string            `json:"driver"` // command | noop
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note: bind to localhost or set jwt_secret.
type AdminConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`       // default: "127.0.0.1:8787"
	JWTSecret string `json:"jwt_secret,omitempty"` // do not log
}

// NotifierConfig controls operator escalation over Telegram.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
}

// ArtifactsConfig enables uploading publish screenshots to S3-compatible
// object storage (AWS S3, Cloudflare R2, MinIO).
type ArtifactsConfig struct {
	Enabled       bool   `json:"enabled"`
	Endpoint      string `json:"endpoint,omitempty"`
	Region        string `json:"region,omitempty"`
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix,omitempty"`
	AccessKey     string `json:"access_key,omitempty"` // do not log
	SecretKey     string `json:"secret_key,omitempty"` // do not log
	PublicBaseURL string `json:"public_base_url,omitempty"`
}
