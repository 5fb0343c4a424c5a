package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", "")
	t.Setenv("SYNC_PULL_BATCH_SIZE", "")
	t.Setenv("SYNC_PULL_SAFETY_WINDOW_SECONDS", "")
	t.Setenv("SYNC_STALE_PROCESSING_SECONDS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PullBatchSize != 100 || cfg.StatusCacheTTLSeconds != 10 {
		t.Fatalf("unexpected sync defaults: %+v", cfg)
	}
	if cfg.PullSafetyWindowSeconds != 5 || cfg.StaleProcessingSeconds != 300 {
		t.Fatalf("unexpected cursor/processing defaults: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no kafka brokers by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("SYNC_CONFIG_FILE", "")
	t.Setenv("SYNC_PULL_BATCH_SIZE", "0")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PullBatchSize != 100 {
		t.Fatalf("expected fallback batch size, got %d", cfg.PullBatchSize)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected fallback token ttl, got %d", cfg.AccessTokenTTLMinutes)
	}
}

func TestLoadFileOverlayWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	content := `
sync:
  pull_batch_size: 250
  status_cache_ttl_seconds: 30
  stale_processing_seconds: 600
notify:
  workers: 4
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: pos.sync
  nats:
    url: nats://nats:4222
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNC_CONFIG_FILE", path)
	t.Setenv("SYNC_PULL_BATCH_SIZE", "")
	t.Setenv("SYNC_STATUS_TTL_SECONDS", "5")
	t.Setenv("SYNC_STALE_PROCESSING_SECONDS", "")
	t.Setenv("SYNC_PULL_SAFETY_WINDOW_SECONDS", "2")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("NATS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PullBatchSize != 250 {
		t.Fatalf("expected batch size from file, got %d", cfg.PullBatchSize)
	}
	if cfg.StatusCacheTTLSeconds != 5 {
		t.Fatalf("expected env to override file ttl, got %d", cfg.StatusCacheTTLSeconds)
	}
	if cfg.StaleProcessingSeconds != 600 || cfg.PullSafetyWindowSeconds != 2 {
		t.Fatalf("unexpected stale/window config: %+v", cfg)
	}
	if cfg.NotifyWorkers != 4 || cfg.KafkaTopic != "pos.sync" || cfg.NATSURL != "nats://nats:4222" {
		t.Fatalf("unexpected notify config: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.NATSSubject != "possync.events" {
		t.Fatalf("expected default subject to survive overlay, got %q", cfg.NATSSubject)
	}
}

func TestLoadFailsOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("sync: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNC_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed file to fail")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:1, ,b:2 ")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("unexpected split: %v", got)
	}
}
