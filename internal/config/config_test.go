package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc", "admin_chat_id": -100},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"driver": "sqlite", "path": "./bot.db"},
		"engine": {"enabled": true, "item_check_schedule": "*/5 * * * *"},
		"market": {"base_url": "https://api.example.com"}
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.AdminChatID != -100 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
  admin_chat_id: 42
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./bot.log
storage:
  driver: memory
  path: ""
engine:
  enabled: false
market:
  base_url: ""
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Telegram.AdminChatID != 42 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram": {"token": "t"}, "webhooks": {}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			Storage:  StorageConfig{Driver: "memory"},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }},
		{"sqlite without path", func(c *Config) { c.Storage = StorageConfig{Driver: "sqlite"} }},
		{"engine without base url", func(c *Config) { c.Engine.Enabled = true }},
		{"six-field cron", func(c *Config) { c.Engine.ItemCheckSchedule = "0 */5 * * * *" }},
		{"cron descriptor", func(c *Config) { c.Engine.CleanupSchedule = "@daily" }},
		{"bad timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
		{"bad duration", func(c *Config) { c.Notify.SendTimeout = "10 seconds" }},
		{"zero-window override", func(c *Config) {
			c.RateLimit = &RateLimitConfig{Search: &RateLimitCategory{Limit: 10}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "t", AdminChatID: 1}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "t", AdminChatID: 1},
		Logging:  LoggingConfig{Level: "debug"},
		Engine:   EngineConfig{Enabled: true},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"engine": true, "logging": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, s := range changed {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, changed)
		}
	}

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("no-op diff reported %v", same)
	}
}
