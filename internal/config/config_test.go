package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatmirror/internal/chat"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultInstance = "work"
	cfg.Pull.StopTimeout = Duration{3 * time.Second}
	cfg.Subscriptions = []SubscriptionConfig{{Platform: "slack", Endpoint: "amqp://localhost", Subscription: "slack-events", AutoStart: true}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultInstance != "work" {
		t.Errorf("DefaultInstance = %q, want work", loaded.DefaultInstance)
	}
	if loaded.Pull.StopTimeout.Duration != 3*time.Second {
		t.Errorf("StopTimeout = %v, want 3s", loaded.Pull.StopTimeout)
	}
	if len(loaded.Subscriptions) != 1 || !loaded.Subscriptions[0].AutoStart {
		t.Errorf("Subscriptions = %+v", loaded.Subscriptions)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultInstance != "main" || cfg.Pull.StopTimeout.Duration != 10*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadOrDefaultMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_instance = "ops"

[pull]
stop_timeout = "30s"

[platforms.slack]
base_url = "https://slack.example/api"
policy = "undo"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pull.StopTimeout.Duration != 30*time.Second {
		t.Errorf("StopTimeout = %v", cfg.Pull.StopTimeout)
	}
	if cfg.Backfill.BufferPages != 10 {
		t.Errorf("BufferPages = %d, want default 10", cfg.Backfill.BufferPages)
	}
	policies, err := cfg.Policies()
	if err != nil {
		t.Fatal(err)
	}
	if policies[chat.Slack] != chat.PolicyUndo || policies[chat.Teams] != chat.PolicyIgnore {
		t.Errorf("policies = %v", policies)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHATMIRROR_INSTANCE", "ci")
	t.Setenv("CHATMIRROR_PULL_STOP_TIMEOUT", "2s")
	t.Setenv("CHATMIRROR_TEAMS_TOKEN", "secret")
	t.Setenv("CHATMIRROR_SLACK_POLICY", "undo")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultInstance != "ci" {
		t.Errorf("DefaultInstance = %q", cfg.DefaultInstance)
	}
	if cfg.Pull.StopTimeout.Duration != 2*time.Second {
		t.Errorf("StopTimeout = %v", cfg.Pull.StopTimeout)
	}
	teams := cfg.Platforms["teams"]
	if teams.Token != "secret" || teams.BaseURL != "https://graph.microsoft.com/v1.0" {
		t.Errorf("teams = %+v", teams)
	}
	if cfg.Platforms["slack"].Policy != "undo" {
		t.Errorf("slack policy = %q", cfg.Platforms["slack"].Policy)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad policy", func(c *Config) { c.Platforms["teams"] = PlatformConfig{Policy: "revive"} }, true},
		{"unknown platform", func(c *Config) { c.Platforms["irc"] = PlatformConfig{} }, true},
		{"bad cron", func(c *Config) { c.Backfill.Cron = "every day" }, true},
		{"backfill target without platform", func(c *Config) {
			delete(c.Platforms, "slack")
			c.Backfill.Conversations = []BackfillTarget{{Platform: "slack", ConversationID: "C1"}}
		}, true},
		{"subscription without endpoint", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{Platform: "teams", Subscription: "q"}}
		}, true},
		{"subscription on two endpoints", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{
				{Platform: "teams", Endpoint: "amqp://a", Subscription: "q"},
				{Platform: "slack", Endpoint: "amqp://b", Subscription: "q"},
			}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
