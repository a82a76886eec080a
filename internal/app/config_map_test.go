package app

import (
	"testing"
	"time"

	"publisher/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Publishing: config.PublishingConfig{
			WorkspaceDir: "/srv/workspace",
			PublishedDir: "/srv/published",
		},
		Keyring:     config.KeyringConfig{Dir: "/srv/keys"},
		Permissions: config.PermissionsConfig{Path: "/srv/permissions.yaml"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{name: "base", mutate: func(*config.Config) {}},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "bad lead time", mutate: func(c *config.Config) { c.Publishing.LeadTime = "soon" }, wantErr: true},
		{name: "no workspace", mutate: func(c *config.Config) { c.Publishing.WorkspaceDir = "" }, wantErr: true},
		{name: "no keyring dir", mutate: func(c *config.Config) { c.Keyring.Dir = " " }, wantErr: true},
		{name: "no permissions", mutate: func(c *config.Config) { c.Permissions.Path = "" }, wantErr: true},
		{name: "health without admin", mutate: func(c *config.Config) { c.Publishing.HealthCheck = "@hourly" }, wantErr: true},
		{name: "telegram without chat", mutate: func(c *config.Config) {
			c.Notifier = &config.NotifierConfig{Enabled: true, Telegram: &config.TelegramConfig{Token: "t"}}
		}, wantErr: true},
		{name: "engine off while scheduling", mutate: func(c *config.Config) {
			off := false
			c.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		in         *config.StorageConfig
		wantDriver string
		wantPath   string
		wantBusy   time.Duration
		wantErr    bool
	}{
		{name: "omitted", in: nil, wantDriver: "file", wantPath: defaultStoragePath},
		{name: "file default path", in: &config.StorageConfig{Driver: "file"}, wantDriver: "file", wantPath: defaultStoragePath},
		{name: "sqlite", in: &config.StorageConfig{Driver: "SQLite", Path: "/db"}, wantDriver: "sqlite", wantPath: "/db", wantBusy: time.Second},
		{name: "sqlite busy", in: &config.StorageConfig{Driver: "sqlite", Path: "/db", BusyTimeout: "3s"}, wantDriver: "sqlite", wantPath: "/db", wantBusy: 3 * time.Second},
		{name: "sqlite no path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			cfg.Storage = tt.in
			got, err := mapStorageConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("mapStorageConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Driver != tt.wantDriver || got.Path != tt.wantPath || got.BusyTimeout != tt.wantBusy {
				t.Fatalf("mapStorageConfig() = %+v, want %s %s %v", got, tt.wantDriver, tt.wantPath, tt.wantBusy)
			}
		})
	}
}

func TestMapTaskEngineFollowsScheduler(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapTaskEngineConfig() error = %v", err)
	}
	if !ec.Enabled {
		t.Fatalf("Enabled = false, want true with scheduler.enabled")
	}

	cfg.Scheduler.Enabled = false
	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 4, DefaultTimeout: "30s"}
	ec, err = mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapTaskEngineConfig() error = %v", err)
	}
	if ec.Enabled || ec.Workers != 4 || ec.DefaultTimeout != 30*time.Second {
		t.Fatalf("mapTaskEngineConfig() = %+v", ec)
	}
}

func TestHostDirs(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Publishing.Mirrors = map[string]string{"edge": "/srv/edge"}
	hosts, err := hostDirs(cfg)
	if err != nil {
		t.Fatalf("hostDirs() error = %v", err)
	}
	if len(hosts) != 2 || hosts["primary"] != "/srv/published" || hosts["edge"] != "/srv/edge" {
		t.Fatalf("hostDirs() = %v", hosts)
	}

	cfg.Publishing.Mirrors = map[string]string{"primary": "/srv/other"}
	if _, err := hostDirs(cfg); err == nil {
		t.Fatalf("hostDirs() with a mirror named primary: error = nil")
	}
}

func TestRecurringSpecs(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	health, snapshot, err := recurringSpecs(cfg)
	if err != nil {
		t.Fatalf("recurringSpecs() error = %v", err)
	}
	if health != "" || snapshot != "@every 1m0s" {
		t.Fatalf("recurringSpecs() = %q, %q", health, snapshot)
	}

	cfg.Publishing.HealthCheck = "1h"
	cfg.Publishing.AdminUser = "ops"
	cfg.Publishing.SnapshotInterval = "30s"
	health, snapshot, err = recurringSpecs(cfg)
	if err != nil {
		t.Fatalf("recurringSpecs() error = %v", err)
	}
	if health != "@every 1h0m0s" || snapshot != "@every 30s" {
		t.Fatalf("recurringSpecs() = %q, %q", health, snapshot)
	}
}

func TestMapKeyringPathsDefaults(t *testing.T) {
	t.Parallel()
	kp, err := mapKeyringPaths(baseConfig())
	if err != nil {
		t.Fatalf("mapKeyringPaths() error = %v", err)
	}
	if kp.users != "/srv/keys/users" || kp.identity != "/srv/keys/service.identity" || kp.legacy != "/srv/keys/legacy" {
		t.Fatalf("mapKeyringPaths() = %+v", kp)
	}
}
