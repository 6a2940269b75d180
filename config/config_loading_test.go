package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile_Pipelines(t *testing.T) {
	path := writeConfig(t, `
[spool]
backend = "sqlite"
scan_limit = 50

[spool.sqlite]
path = "  /tmp/spool.db  "

[coordinator]
workers = 2
handoff = "requeue"
entry_pipeline = "root"

[[repository]]
name = "quarantine"
backend = "disk"
[repository.disk]
path = "/var/spool/quarantine"

[[pipeline]]
name = "root"

[[pipeline.stage]]
name = "local"
condition = "recipient_domain_is"
condition_param = "example.com"
action = "to_pipeline"
[pipeline.stage.params]
pipeline = "local"

[[pipeline.stage]]
name = "rest"
action = "ghost"

[[pipeline]]
name = "local"

[[pipeline.stage]]
name = "deliver"
action = "to_repository"
[pipeline.stage.params]
repository = "quarantine"
ghost = "true"

[[pipeline]]
name = "error"

[[pipeline.stage]]
name = "drop"
action = "ghost"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Spool.Backend != BackendSQLite || cfg.Spool.SQLite.Path != "/tmp/spool.db" {
		t.Errorf("spool backend not loaded or not trimmed: %+v", cfg.Spool.StorageConfig)
	}
	if cfg.Spool.GetScanLimit() != 50 {
		t.Errorf("expected scan limit 50, got %d", cfg.Spool.GetScanLimit())
	}
	if cfg.Coordinator.GetHandoff() != "requeue" || cfg.Coordinator.GetWorkers() != 2 {
		t.Errorf("coordinator not loaded: %+v", cfg.Coordinator)
	}

	if len(cfg.Pipelines) != 3 {
		t.Fatalf("expected the file's 3 pipelines to replace the defaults, got %d", len(cfg.Pipelines))
	}
	root, ok := cfg.Pipeline("root")
	if !ok || len(root.Stages) != 2 {
		t.Fatalf("root pipeline not loaded: %+v", root)
	}
	if root.Stages[0].Params["pipeline"] != "local" || root.Stages[0].ConditionParam != "example.com" {
		t.Errorf("stage params not loaded: %+v", root.Stages[0])
	}

	repo, ok := cfg.Repository("quarantine")
	if !ok || repo.Backend != BackendDisk || repo.Disk.Path != "/var/spool/quarantine" {
		t.Errorf("repository not loaded: %+v", repo)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadConfigFromFile_KeepsDefaultPipelines(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"
`)
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if len(cfg.Pipelines) != 2 {
		t.Errorf("expected default pipelines to be kept, got %d", len(cfg.Pipelines))
	}
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[spool]
backend = "memory"
typo_setting = 123
`)
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Errorf("unknown keys should only warn, got: %v", err)
	}
	if cfg.Spool.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Spool.Backend)
	}
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[coordinator]
workers = 3
workers = 9
`)
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("duplicates should be handled gracefully, got: %v", err)
	}
	if cfg.Coordinator.Workers != 3 {
		t.Errorf("expected first value 3, got %d", cfg.Coordinator.Workers)
	}
}

func TestLoadConfigFromFile_BooleanTypo(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = f
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	if err == nil {
		t.Fatal("expected an error for an invalid boolean")
	}
	if !strings.Contains(err.Error(), "HINT") {
		t.Errorf("expected a hint, got: %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	cfg, err := LoadConfig(missing, true)
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Coordinator.GetEntryPipeline() != "root" {
		t.Errorf("expected defaults, got %+v", cfg.Coordinator)
	}

	if _, err := LoadConfig(missing, false); err == nil {
		t.Error("expected an error when the file is required")
	}
}

func TestRemoveDuplicateKeys_NestedArrayTables(t *testing.T) {
	content := `
[[pipeline]]
name = "root"
[[pipeline.stage]]
name = "a"
[pipeline.stage.params]
x = "1"
[[pipeline.stage]]
name = "b"
[pipeline.stage.params]
x = "2"
x = "3"
[[pipeline]]
name = "error"
[[pipeline.stage]]
name = "a"
`
	cleaned, err := removeDuplicateKeysFromTOML(content)
	if err != nil {
		t.Fatalf("removeDuplicateKeysFromTOML failed: %v", err)
	}

	if strings.Count(cleaned, "# DUPLICATE IGNORED") != 1 {
		t.Errorf("expected exactly one duplicate, got:\n%s", cleaned)
	}
	if !strings.Contains(cleaned, `# DUPLICATE IGNORED: x = "3"`) {
		t.Errorf("expected x = \"3\" to be commented out, got:\n%s", cleaned)
	}
}
