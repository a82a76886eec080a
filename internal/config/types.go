package config

// Config is the daemon configuration file. Durations are Go duration strings
// ("500ms", "1m", "2h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine sizes the shared pool that runs fired jobs. If omitted the
	// engine follows scheduler.enabled with default width.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Publishing  PublishingConfig  `json:"publishing"`
	Keyring     KeyringConfig     `json:"keyring"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Permissions PermissionsConfig `json:"permissions"`
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

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	// Enabled is the global kill switch for arming publish jobs.
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// JobTimeout bounds pre-publish and recurring jobs. Publishing itself is
	// bounded by publishing.deadline instead.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 10
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// PublishingConfig controls the publish pipeline.
type PublishingConfig struct {
	LeadTime string `json:"lead_time,omitempty"` // default "1m"
	Deadline string `json:"deadline,omitempty"`  // default "15m"

	VerifyParallelism int `json:"verify_parallelism,omitempty"`

	WorkspaceDir string `json:"workspace_dir"`
	PublishedDir string `json:"published_dir"`
	// Mirrors are extra published roots, host name -> directory. Every
	// publish opens one transaction per host.
	Mirrors map[string]string `json:"mirrors,omitempty"`

	// HealthCheck is a cron spec or interval for the key cache health check.
	// Empty disables it.
	HealthCheck string `json:"health_check,omitempty"`
	// AdminUser is the administrator the recurring health check runs as.
	AdminUser string `json:"admin_user,omitempty"`
	// SnapshotInterval re-persists the pending-cohort snapshot. Default "1m".
	SnapshotInterval string `json:"snapshot_interval,omitempty"`
}

// KeyringConfig controls key storage.
type KeyringConfig struct {
	// Dir holds the sealed service keyring.
	Dir string `json:"dir"`
	// UserDir holds per-user password-protected keyrings. Default <dir>/users.
	UserDir string `json:"user_dir,omitempty"`
	// ServiceIdentity is the age identity file of the sealed keyring.
	// Default <dir>/service.identity.
	ServiceIdentity string `json:"service_identity,omitempty"`
	// MigrationEnabled routes key cache reads to the sealed keyring first
	// and dual-writes every change.
	MigrationEnabled bool `json:"migration_enabled"`
}

// StorageConfig controls the collection store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./publisher.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted the notifier is enabled with defaults and logs only.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Workers         int             `json:"workers"`
	QueueSize       int             `json:"queue_size"`
	RatePerSec      int             `json:"rate_per_sec"`
	RetryMax        int             `json:"retry_max"`
	RetryBase       string          `json:"retry_base"`
	RetryMaxDelay   string          `json:"retry_max_delay"`
	DedupWindow     string          `json:"dedup_window"`
	DedupMaxEntries int             `json:"dedup_max_entries"`
	PersistDedup    bool            `json:"persist_dedup,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig enables the Telegram sink when Token is set.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// PermissionsConfig points at the YAML permissions document. It is watched
// and reloaded on change.
type PermissionsConfig struct {
	Path string `json:"path"`
}
