package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scraper.UserAgent != "PolySeek-Bot/0.1.0" {
		t.Fatalf("unexpected user agent %q", cfg.Scraper.UserAgent)
	}
	if cfg.Scraper.RequestTimeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Scraper.RequestTimeout)
	}
	if cfg.Scraper.LogBufferSize != 100 {
		t.Fatalf("expected log buffer 100, got %d", cfg.Scraper.LogBufferSize)
	}
}

func TestLoad_FileDurationsAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "app": {"log_level": "debug"},
  "scraper": {"discover_interval": "1500ms", "inter_task_delay": "10s", "backfill_page_limit": 4}
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.App.LogLevel)
	}
	if cfg.Scraper.DiscoverInterval != 1500*time.Millisecond {
		t.Fatalf("unexpected discover interval %v", cfg.Scraper.DiscoverInterval)
	}
	if cfg.Scraper.InterTaskDelay != 10*time.Second {
		t.Fatalf("unexpected inter task delay %v", cfg.Scraper.InterTaskDelay)
	}
	if cfg.Scraper.BackfillPageLimit != 4 {
		t.Fatalf("unexpected backfill page limit %d", cfg.Scraper.BackfillPageLimit)
	}
	// 未设置的字段回落到默认值
	if cfg.Scraper.BackfillInterval != 4*time.Second {
		t.Fatalf("unexpected backfill interval %v", cfg.Scraper.BackfillInterval)
	}
	if cfg.Discord.Timeout != 5*time.Second {
		t.Fatalf("unexpected discord timeout %v", cfg.Discord.Timeout)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"scraper": {"jitter_max": "soon"}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BACKFILL_PRODUCT_LIMIT", "20")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.example/webhook")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "catalog")
	t.Setenv("APP_ENABLE_REDIS_QUEUE", "1")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Scraper.BackfillProductLimit != 20 {
		t.Fatalf("expected backfill limit 20, got %d", cfg.Scraper.BackfillProductLimit)
	}
	if cfg.Discord.WebhookURL != "https://discord.example/webhook" {
		t.Fatalf("unexpected webhook %q", cfg.Discord.WebhookURL)
	}
	if !cfg.App.EnableRedisQueue {
		t.Fatalf("expected redis queue enabled")
	}
	parsed := parseMySQLDSN(cfg.MySQL.DSN)
	if parsed.Addr != "db.internal:3306" {
		t.Fatalf("unexpected db addr %q", parsed.Addr)
	}
	if parsed.DBName != "catalog" {
		t.Fatalf("unexpected db name %q", parsed.DBName)
	}
}

func TestSaveRoundTripKeepsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	cfg := Default()
	cfg.Scraper.JitterMax = 750 * time.Millisecond
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Scraper.JitterMax != 750*time.Millisecond {
		t.Fatalf("unexpected jitter %v", loaded.Scraper.JitterMax)
	}
}
