package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const ConfigFileEnv = "SETTLEMENT_CONFIG_FILE"

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string
	HTTPPort     string
	MetricsPort  string
	PostgresDSN  string
	KafkaBrokers []string

	RewardsMode   string
	RewardsPeriod string

	NasAPI        string
	NasAPIKey     string
	SyncCheckWubi bool

	OracleAPI       string
	OracleAPIKey    string
	OracleEnabled   bool
	OracleCacheSize int

	TopicWubiRequests  string
	TopicWubiResponses string
	TopicWupiRequests  string
	TopicWupiResponses string
	ConsumerGroup      string

	DispatchConcurrency int
	DispatchBatchSize   int
	DispatchSendDelay   time.Duration
	DispatchMaxRetries  int
	DispatchRetryDelay  time.Duration

	RetrySweepInterval time.Duration
	RetryMaxAttempts   int
	FinalizeBatchSize  int
	EpochCacheTTL      time.Duration
	EpochCacheSweep    time.Duration
	AutoStartEpoch     bool
}

// TestMode reports whether rewards are written to the sandbox tables.
func (c Config) TestMode() bool {
	return c.RewardsMode == "test"
}

// Load reads the environment, falling back to the YAML file named by SETTLEMENT_CONFIG_FILE.
// The file is a flat map keyed by the same names as the environment variables.
func Load() (Config, error) {
	src, err := newSource(os.Getenv(ConfigFileEnv))
	if err != nil {
		return Config{}, err
	}

	var brokers []string
	for _, value := range strings.Split(src.get("KAFKA_BROKERS"), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			brokers = append(brokers, value)
		}
	}
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}

	mode := strings.ToLower(src.text("REWARDS_MODE", "production"))
	if mode != "test" {
		mode = "production"
	}

	return Config{
		ServiceName:  src.text("SERVICE_NAME", "settlement"),
		HTTPPort:     src.text("HTTP_PORT", "8080"),
		MetricsPort:  src.text("METRICS_PORT", "9090"),
		PostgresDSN:  src.get("POSTGRES_DSN"),
		KafkaBrokers: brokers,

		RewardsMode:   mode,
		RewardsPeriod: src.text("REWARDS_PERIOD", "mainnet"),

		NasAPI:        src.get("NAS_API"),
		NasAPIKey:     src.get("NAS_API_KEY"),
		SyncCheckWubi: src.flag("SYNC_CHECK_WUBI", false),

		OracleAPI:       src.get("ORACLE_API"),
		OracleAPIKey:    src.get("ORACLE_API_KEY"),
		OracleEnabled:   src.flag("ORACLE_ENABLED", mode != "test"),
		OracleCacheSize: src.number("ORACLE_CACHE_SIZE", 10000),

		TopicWubiRequests:  src.text("TOPIC_WUBI_REQUESTS", "wubi-requests"),
		TopicWubiResponses: src.text("TOPIC_WUBI_RESPONSES", "wubi-responses"),
		TopicWupiRequests:  src.text("TOPIC_WUPI_REQUESTS", "wupi-requests"),
		TopicWupiResponses: src.text("TOPIC_WUPI_RESPONSES", "wupi-responses"),
		ConsumerGroup:      src.get("CONSUMER_GROUP"),

		DispatchConcurrency: src.number("DISPATCH_CONCURRENCY", 17),
		DispatchBatchSize:   src.number("DISPATCH_BATCH_SIZE", 500),
		DispatchSendDelay:   src.duration("DISPATCH_SEND_DELAY", 300*time.Millisecond),
		DispatchMaxRetries:  src.number("DISPATCH_MAX_RETRIES", 3),
		DispatchRetryDelay:  src.duration("DISPATCH_RETRY_DELAY", time.Second),

		RetrySweepInterval: src.duration("RETRY_SWEEP_INTERVAL", 8*time.Second),
		RetryMaxAttempts:   src.number("RETRY_MAX_ATTEMPTS", 5),
		FinalizeBatchSize:  src.number("FINALIZE_BATCH_SIZE", 500),
		EpochCacheTTL:      src.duration("EPOCH_CACHE_TTL", 5*time.Minute),
		EpochCacheSweep:    src.duration("EPOCH_CACHE_SWEEP", 10*time.Minute),
		AutoStartEpoch:     src.flag("AUTO_START_EPOCH", false),
	}, nil
}

type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return source{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return source{}, fmt.Errorf("parse config file: %w", err)
	}
	return source{file: values}, nil
}

func (s source) get(name string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return strings.TrimSpace(s.file[name])
}

func (s source) text(name string, fallback string) string {
	if value := s.get(name); value != "" {
		return value
	}
	return fallback
}

func (s source) flag(name string, fallback bool) bool {
	return parseBool(s.get(name), fallback)
}

func (s source) number(name string, fallback int) int {
	raw := s.get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (s source) duration(name string, fallback time.Duration) time.Duration {
	raw := s.get(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.ToLower(raw)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
