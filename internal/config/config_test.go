package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
task_engine:
  workers: 10
publishing:
  lead_time: 1m
  deadline: 15m
  workspace_dir: ./workspace
  published_dir: ./published
  mirrors:
    edge: ./edge
  health_check: 1h
  admin_user: ops
keyring:
  dir: ./keys
  migration_enabled: true
storage:
  driver: sqlite
  path: ./publisher.db
notifier:
  enabled: true
  telegram:
    token: "123:abc"
    chat_id: -100200
permissions:
  path: ./permissions.yaml
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 10 {
		t.Fatalf("TaskEngine = %+v, want workers 10", cfg.TaskEngine)
	}
	if cfg.Publishing.LeadTime != "1m" || cfg.Publishing.Mirrors["edge"] != "./edge" {
		t.Fatalf("Publishing = %+v", cfg.Publishing)
	}
	if !cfg.Keyring.MigrationEnabled {
		t.Fatalf("Keyring.MigrationEnabled = false")
	}
	if cfg.Notifier == nil || cfg.Notifier.Telegram == nil || cfg.Notifier.Telegram.ChatID != -100200 {
		t.Fatalf("Notifier = %+v", cfg.Notifier)
	}
}

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown json field", file: "c.json", body: `{"scheduler":{"enabled":true,"workers":3}}`},
		{name: "unknown yaml field", file: "c.yml", body: "publishing:\n  lead: 1m\n"},
		{name: "trailing json", file: "c.json", body: `{"scheduler":{}} {"scheduler":{}}`},
		{name: "bad yaml", file: "c.yaml", body: "scheduler: [\n"},
		{name: "second yaml document", file: "c.yaml", body: "scheduler: {}\n---\nscheduler: {}\n"},
		{name: "duplicate yaml key", file: "c.yaml", body: "scheduler: {}\nscheduler: {}\n"},
	}
	for _, tt := range tests {
		if _, err := ParseBytes(tt.file, []byte(tt.body)); err == nil {
			t.Fatalf("%s: ParseBytes() error = nil", tt.name)
		}
	}
}

func TestParseBytesYAMLAnchorsAndEmpty(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("c.yaml", []byte("x: &dir /srv/ws\npublishing:\n  workspace_dir: *dir\n"))
	if err == nil {
		t.Fatalf("ParseBytes() accepted unknown top-level key x: %+v", cfg)
	}
	cfg, err = ParseBytes("c.yaml", []byte("publishing:\n  workspace_dir: &dir /srv/ws\n  published_dir: *dir\n"))
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	if cfg.Publishing.PublishedDir != "/srv/ws" {
		t.Fatalf("PublishedDir = %q, want alias value", cfg.Publishing.PublishedDir)
	}
	if _, err := ParseBytes("c.yaml", nil); err != nil {
		t.Fatalf("ParseBytes(empty) error = %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	newCfg, _ := ParseBytes("config.yaml", []byte(sampleYAML))
	newCfg.Scheduler.Enabled = false
	newCfg.Keyring.MigrationEnabled = false
	newCfg.Notifier.Telegram.Token = "rotated"

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"scheduler", "keyring", "notifier"}
	if !slices.Equal(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}

	if sections, _ := SummarizeConfigChange(oldCfg, oldCfg); len(sections) != 0 {
		t.Fatalf("sections for identical config = %v, want none", sections)
	}
	if !RestartRequired("storage") || RestartRequired("scheduler") {
		t.Fatalf("RestartRequired mismatch")
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content publishes nothing.
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	select {
	case <-sub:
		t.Fatalf("unchanged reload was published")
	default:
	}

	errBad := errors.New("lead time too short")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Publishing.LeadTime == "1s" {
			return errBad
		}
		return nil
	})
	writeLead := func(lead string) {
		b := []byte("publishing:\n  lead_time: " + lead + "\n")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	writeLead("1s")
	if err := m.Reload(context.Background()); !errors.Is(err, errBad) {
		t.Fatalf("Reload() error = %v, want validator error", err)
	}
	if m.Get().Publishing.LeadTime != "1m" {
		t.Fatalf("rejected config was committed")
	}

	writeLead("2m")
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Publishing.LeadTime != "2m" {
			t.Fatalf("published lead_time = %q, want 2m", cfg.Publishing.LeadTime)
		}
	case <-time.After(time.Second):
		t.Fatalf("reload not published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationOrDefault(empty) = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("invalid duration accepted")
	}
}
