package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
google:
  client_id: cid
  client_secret: secret
  pubsub_topic: projects/p/topics/gmail-push
  timeout_seconds: 15
classifier:
  endpoint: https://api.openai.com/v1
  model: gpt-4o
account: a@b.c
history_lookback: 25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Google.ClientID != "cid" {
		t.Errorf("client id = %q", cfg.Google.ClientID)
	}
	if cfg.Account != "a@b.c" {
		t.Errorf("account = %q", cfg.Account)
	}
	if cfg.HistoryLookback != 25 {
		t.Errorf("lookback = %d, want 25", cfg.HistoryLookback)
	}
	if cfg.Classifier.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Classifier.Model)
	}
	if cfg.Google.TimeoutSeconds != 15 {
		t.Errorf("gateway timeout = %d, want 15", cfg.Google.TimeoutSeconds)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "account: a@b.c\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want default 8080", cfg.Server.Port)
	}
	if cfg.HistoryLookback != 10 {
		t.Errorf("lookback = %d, want default 10", cfg.HistoryLookback)
	}
	if cfg.Parallelism != 4 {
		t.Errorf("parallelism = %d, want default 4", cfg.Parallelism)
	}
	if cfg.Classifier.TimeoutSeconds != 10 {
		t.Errorf("classifier timeout = %d, want default 10", cfg.Classifier.TimeoutSeconds)
	}
	if cfg.Google.TimeoutSeconds != 30 {
		t.Errorf("gateway timeout = %d, want default 30", cfg.Google.TimeoutSeconds)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
account: file@b.c
`)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("USER_EMAIL", "env@b.c")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want env override 7070", cfg.Server.Port)
	}
	if cfg.Account != "env@b.c" {
		t.Errorf("account = %q, want env override", cfg.Account)
	}
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("USER_EMAIL", "env@b.c")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Account != "env@b.c" {
		t.Errorf("account = %q", cfg.Account)
	}
}

func TestLoadRequiresAccount(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want missing account error")
	}
}
