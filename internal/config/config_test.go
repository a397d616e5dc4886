package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8096" || cfg.Engine.PollInterval != 5*time.Second || cfg.Engine.Workers != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MQTT.EventTopic != "campaign/events/" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.MQTT, cfg.LLM)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("CAMPAIGN_POSTGRES_HOST", "primary")
	t.Setenv("MQTT_BROKER_URL", "mqtt://broker:1883")
	t.Setenv("CAMPAIGN_ENGINE_POLL_INTERVAL", "250ms")
	t.Setenv("CAMPAIGN_LLM_HISTORY_LIMIT", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.Host != "primary" {
		t.Fatalf("expected the prefixed variable to win, got %q", cfg.Postgres.Host)
	}
	if cfg.MQTT.BrokerURL != "mqtt://broker:1883" {
		t.Fatalf("expected legacy env to bind, got %q", cfg.MQTT.BrokerURL)
	}
	if cfg.Engine.PollInterval != 250*time.Millisecond || cfg.LLM.HistoryLimit != 10 {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.Engine, cfg.LLM)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaign.yaml")
	body := "port: \"9000\"\nengine:\n  workers: 3\nmeta:\n  verify_token: hub-token\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CAMPAIGN_ENGINE_WORKERS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" || cfg.Meta.VerifyToken != "hub-token" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Engine.Workers != 5 {
		t.Fatalf("expected env to beat the file, got %d", cfg.Engine.Workers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Postgres: Postgres{User: "u", DBName: "d", Host: "h"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_PORT") {
		t.Fatalf("expected missing port, got %v", err)
	}
	cfg.Postgres.Port = "5432"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
