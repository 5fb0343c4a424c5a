package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int

	PullBatchSize           int
	StatusCacheTTLSeconds   int
	PullSafetyWindowSeconds int
	StaleProcessingSeconds  int

	NotifyWorkers      int
	NotifyQueueSize    int
	NATSURL            string
	NATSSubject        string
	KafkaBrokers       []string
	KafkaTopic         string
	RedisEventsChannel string
}

// fileConfig is the optional YAML overlay named by SYNC_CONFIG_FILE. Values it
// sets replace the defaults; environment variables still win.
type fileConfig struct {
	Sync struct {
		PullBatchSize           int `yaml:"pull_batch_size"`
		StatusCacheTTLSeconds   int `yaml:"status_cache_ttl_seconds"`
		PullSafetyWindowSeconds int `yaml:"pull_safety_window_seconds"`
		StaleProcessingSeconds  int `yaml:"stale_processing_seconds"`
	} `yaml:"sync"`
	Notify struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
		NATS      struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
		} `yaml:"nats"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
		Redis struct {
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notify"`
}

func Load() (Config, error) {
	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		AutoMigrate:             strings.EqualFold(os.Getenv("DB_AUTO_MIGRATE"), "true"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		PullBatchSize:           100,
		StatusCacheTTLSeconds:   10,
		PullSafetyWindowSeconds: 5,
		StaleProcessingSeconds:  300,
		NotifyWorkers:           2,
		NotifyQueueSize:         256,
		NATSSubject:             "possync.events",
		KafkaTopic:              "possync.events",
		RedisEventsChannel:      "possync.events",
	}

	if path := strings.TrimSpace(os.Getenv("SYNC_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.PullBatchSize = getEnvInt("SYNC_PULL_BATCH_SIZE", cfg.PullBatchSize, 1)
	cfg.StatusCacheTTLSeconds = getEnvInt("SYNC_STATUS_TTL_SECONDS", cfg.StatusCacheTTLSeconds, 1)
	cfg.PullSafetyWindowSeconds = getEnvInt("SYNC_PULL_SAFETY_WINDOW_SECONDS", cfg.PullSafetyWindowSeconds, 1)
	cfg.StaleProcessingSeconds = getEnvInt("SYNC_STALE_PROCESSING_SECONDS", cfg.StaleProcessingSeconds, 1)
	cfg.NotifyWorkers = getEnvInt("NOTIFY_WORKERS", cfg.NotifyWorkers, 1)
	cfg.NotifyQueueSize = getEnvInt("NOTIFY_QUEUE_SIZE", cfg.NotifyQueueSize, 1)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = getEnv("NATS_SUBJECT", cfg.NATSSubject)
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		cfg.KafkaBrokers = splitList(raw)
	}
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.RedisEventsChannel = getEnv("REDIS_EVENTS_CHANNEL", cfg.RedisEventsChannel)

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Sync.PullBatchSize > 0 {
		c.PullBatchSize = fc.Sync.PullBatchSize
	}
	if fc.Sync.StatusCacheTTLSeconds > 0 {
		c.StatusCacheTTLSeconds = fc.Sync.StatusCacheTTLSeconds
	}
	if fc.Sync.PullSafetyWindowSeconds > 0 {
		c.PullSafetyWindowSeconds = fc.Sync.PullSafetyWindowSeconds
	}
	if fc.Sync.StaleProcessingSeconds > 0 {
		c.StaleProcessingSeconds = fc.Sync.StaleProcessingSeconds
	}
	if fc.Notify.Workers > 0 {
		c.NotifyWorkers = fc.Notify.Workers
	}
	if fc.Notify.QueueSize > 0 {
		c.NotifyQueueSize = fc.Notify.QueueSize
	}
	if fc.Notify.NATS.URL != "" {
		c.NATSURL = fc.Notify.NATS.URL
	}
	if fc.Notify.NATS.Subject != "" {
		c.NATSSubject = fc.Notify.NATS.Subject
	}
	if len(fc.Notify.Kafka.Brokers) > 0 {
		c.KafkaBrokers = fc.Notify.Kafka.Brokers
	}
	if fc.Notify.Kafka.Topic != "" {
		c.KafkaTopic = fc.Notify.Kafka.Topic
	}
	if fc.Notify.Redis.Channel != "" {
		c.RedisEventsChannel = fc.Notify.Redis.Channel
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the variable is unset, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
