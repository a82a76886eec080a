package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"publisher/internal/config"
	"publisher/internal/notifier"
	"publisher/internal/publish"
	"publisher/internal/storage"
	"publisher/internal/task/engine"
	"publisher/internal/task/scheduler"
	logx "publisher/pkg/logx"
)

const (
	defaultStoragePath      = "./data"
	defaultSnapshotInterval = time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		JobTimeout: timeout,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	var ec config.TaskEngineConfig
	if cfg.TaskEngine != nil {
		ec = *cfg.TaskEngine
		if ec.Enabled != nil {
			enabled = *ec.Enabled
		}
		// Fired jobs would have nowhere to run.
		if cfg.Scheduler.Enabled && ec.Enabled != nil && !*ec.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapPublishConfig(cfg *config.Config) (publish.Config, error) {
	pc := cfg.Publishing
	lead, err := config.ParseDurationOrDefault("publishing.lead_time", pc.LeadTime, publish.DefaultLeadTime)
	if err != nil {
		return publish.Config{}, err
	}
	deadline, err := config.ParseDurationOrDefault("publishing.deadline", pc.Deadline, publish.DefaultDeadline)
	if err != nil {
		return publish.Config{}, err
	}
	if pc.VerifyParallelism < 0 {
		return publish.Config{}, fmt.Errorf("publishing.verify_parallelism must be >= 0")
	}
	return publish.Config{LeadTime: lead, Deadline: deadline, VerifyParallelism: pc.VerifyParallelism}, nil
}

// hostDirs maps each publish host to its root. The primary root is host
// "primary"; mirrors keep their configured names.
func hostDirs(cfg *config.Config) (map[string]string, error) {
	pc := cfg.Publishing
	if strings.TrimSpace(pc.PublishedDir) == "" {
		return nil, fmt.Errorf("publishing.published_dir is required")
	}
	hosts := map[string]string{"primary": pc.PublishedDir}
	for name, dir := range pc.Mirrors {
		name = strings.TrimSpace(name)
		if name == "" || name == "primary" {
			return nil, fmt.Errorf("publishing.mirrors: invalid host name %q", name)
		}
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("publishing.mirrors.%s: directory required", name)
		}
		hosts[name] = dir
	}
	return hosts, nil
}

type keyringPaths struct {
	dir      string
	legacy   string
	users    string
	identity string
}

func mapKeyringPaths(cfg *config.Config) (keyringPaths, error) {
	kc := cfg.Keyring
	dir := strings.TrimSpace(kc.Dir)
	if dir == "" {
		return keyringPaths{}, fmt.Errorf("keyring.dir is required")
	}
	p := keyringPaths{dir: dir, legacy: filepath.Join(dir, "legacy"), users: strings.TrimSpace(kc.UserDir), identity: strings.TrimSpace(kc.ServiceIdentity)}
	if p.users == "" {
		p.users = filepath.Join(dir, "users")
	}
	if p.identity == "" {
		p.identity = filepath.Join(dir, "service.identity")
	}
	return p, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

// mapTelegramConfig reports false when no Telegram sink is configured.
func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, bool, error) {
	if cfg.Notifier == nil || cfg.Notifier.Telegram == nil || strings.TrimSpace(cfg.Notifier.Telegram.Token) == "" {
		return notifier.TelegramConfig{}, false, nil
	}
	tc := cfg.Notifier.Telegram
	if tc.ChatID == 0 {
		return notifier.TelegramConfig{}, false, fmt.Errorf("notifier.telegram.chat_id is required")
	}
	timeout, err := config.ParseDurationOrDefault("notifier.telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return notifier.TelegramConfig{}, false, err
	}
	return notifier.TelegramConfig{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID, Timeout: timeout}, true, nil
}

// recurringSpecs returns the health check and snapshot schedules. An empty
// health spec disables the check.
func recurringSpecs(cfg *config.Config) (health, snapshot string, err error) {
	pc := cfg.Publishing
	if h := strings.TrimSpace(pc.HealthCheck); h != "" {
		if health, err = scheduler.NormalizeSpec(h); err != nil {
			return "", "", fmt.Errorf("publishing.health_check: %w", err)
		}
		if strings.TrimSpace(pc.AdminUser) == "" {
			return "", "", fmt.Errorf("publishing.admin_user is required when publishing.health_check is set")
		}
	}
	every, err := config.ParseDurationOrDefault("publishing.snapshot_interval", pc.SnapshotInterval, defaultSnapshotInterval)
	if err != nil {
		return "", "", err
	}
	snapshot, err = scheduler.NormalizeSpec(every.String())
	if err != nil {
		return "", "", err
	}
	return health, snapshot, nil
}

// validate rejects a config that any mapper would refuse. It runs before a
// hot reload is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPublishConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Publishing.WorkspaceDir) == "" {
		return fmt.Errorf("publishing.workspace_dir is required")
	}
	if _, err := hostDirs(cfg); err != nil {
		return err
	}
	if _, err := mapKeyringPaths(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := recurringSpecs(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Permissions.Path) == "" {
		return fmt.Errorf("permissions.path is required")
	}
	return nil
}
