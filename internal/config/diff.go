package config

import (
	"maps"
	"strings"

	logx "publisher/pkg/logx"
)

// SummarizeConfigChange lists the changed sections of a reload and safe
// fields describing them. Secrets such as the Telegram token are reported
// only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !engineEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs, logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
		}
	}

	op, np := oldCfg.Publishing, newCfg.Publishing
	if op.LeadTime != np.LeadTime || op.Deadline != np.Deadline || op.VerifyParallelism != np.VerifyParallelism ||
		op.HealthCheck != np.HealthCheck || op.AdminUser != np.AdminUser || op.SnapshotInterval != np.SnapshotInterval {
		changed = append(changed, "publishing")
		attrs = append(attrs,
			logx.String("publishing.lead_time", np.LeadTime),
			logx.String("publishing.deadline", np.Deadline),
			logx.String("publishing.health_check", np.HealthCheck),
		)
	}
	if op.WorkspaceDir != np.WorkspaceDir || op.PublishedDir != np.PublishedDir || !maps.Equal(op.Mirrors, np.Mirrors) {
		changed = append(changed, "publishing.paths")
	}

	if oldCfg.Keyring != newCfg.Keyring {
		changed = append(changed, "keyring")
		attrs = append(attrs, logx.Bool("keyring.migration_enabled", newCfg.Keyring.MigrationEnabled))
	}

	if !storageEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !notifierEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.telegram_token_set", n.Telegram != nil && strings.TrimSpace(n.Telegram.Token) != ""),
			)
		}
	}

	if oldCfg.Permissions != newCfg.Permissions {
		changed = append(changed, "permissions")
		attrs = append(attrs, logx.String("permissions.path", newCfg.Permissions.Path))
	}

	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect after a
// restart.
func RestartRequired(section string) bool {
	switch section {
	case "storage", "publishing.paths", "permissions", "task_engine":
		return true
	}
	return false
}

func engineEqual(a, b *TaskEngineConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if (a.Enabled == nil) != (b.Enabled == nil) || (a.Enabled != nil && *a.Enabled != *b.Enabled) {
		return false
	}
	return a.Workers == b.Workers && a.QueueSize == b.QueueSize &&
		a.DefaultTimeout == b.DefaultTimeout && a.HistorySize == b.HistorySize
}

func storageEqual(a, b *StorageConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func notifierEqual(a, b *NotifierConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.Telegram, bc.Telegram = nil, nil
	if ac != bc {
		return false
	}
	if a.Telegram == nil || b.Telegram == nil {
		return a.Telegram == b.Telegram
	}
	return *a.Telegram == *b.Telegram
}
