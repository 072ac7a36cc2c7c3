package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "maskgate/pkg/platform/strings"
)

// Store backends for anchor records.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr     string
	LogLevel string

	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string

	// WarrantAudience, when set, is the only accepted warrant aud.
	WarrantAudience string

	RecordStore string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Controller  ControllerConfig
	Ledger      LedgerConfig
	Webhook     WebhookConfig

	ProcessingMaxAttempts int
	ShutdownTimeout       time.Duration
}

// RedisConfig tunes the go-redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig names the brokers and topics. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers       []string
	ReceiptTopic  string
	AuditTopic    string
	ConsumerGroup string
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ControllerConfig identifies this controller and its keys.
type ControllerConfig struct {
	DID          string
	TagKey       []byte
	SigningKeyID string
	KeyringFile  string
}

// LedgerConfig selects and tunes the ledger client. An empty URL selects the
// in-memory ledger.
type LedgerConfig struct {
	URL         string
	APIKey      string
	Accounts    []string
	CallTimeout time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// WebhookConfig configures subject notifications. An empty URL disables them.
type WebhookConfig struct {
	URL    string
	Secret string
}

// devTagKey is used when CONTROLLER_TAG_KEY is unset.
const devTagKey = "6d61736b676174652d6465762d7461672d6b65792d30303031"

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	tagKey, err := hex.DecodeString(getEnv("CONTROLLER_TAG_KEY", devTagKey))
	if err != nil {
		return Server{}, fmt.Errorf("CONTROLLER_TAG_KEY must be hex: %w", err)
	}

	cfg := Server{
		Addr:     getEnv("MASKGATE_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Use a default for development - should be overridden in production
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:     getEnv("JWT_ISSUER", "maskgate"),
		JWTAudience:   getEnv("JWT_AUDIENCE", "maskgate-api"),

		WarrantAudience: os.Getenv("WARRANT_AUDIENCE"),

		RecordStore: getEnv("RECORD_STORE", StoreMemory),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       platformstrings.SplitList(os.Getenv("KAFKA_BROKERS"), ","),
			ReceiptTopic:  getEnv("RECEIPT_TOPIC", "maskgate.receipts"),
			AuditTopic:    getEnv("AUDIT_TOPIC", "maskgate.audit"),
			ConsumerGroup: getEnv("AUDIT_CONSUMER_GROUP", "maskgate-audit"),
		},
		Controller: ControllerConfig{
			DID:          getEnv("CONTROLLER_DID", "did:web:controller.localhost"),
			TagKey:       tagKey,
			SigningKeyID: getEnv("CONTROLLER_SIGNING_KEY_ID", "controller-1"),
			KeyringFile:  os.Getenv("KEYRING_FILE"),
		},
		Ledger: LedgerConfig{
			URL:         os.Getenv("LEDGER_URL"),
			APIKey:      os.Getenv("LEDGER_API_KEY"),
			Accounts:    platformstrings.SplitList(getEnv("LEDGER_ACCOUNT", "controller"), ","),
			CallTimeout: getDuration("LEDGER_CALL_TIMEOUT", 30*time.Second),
			MaxAttempts: getInt("LEDGER_MAX_ATTEMPTS", 5),
			BaseDelay:   getDuration("LEDGER_BASE_DELAY", 200*time.Millisecond),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("WEBHOOK_URL"),
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		ProcessingMaxAttempts: getInt("PROCESSING_MAX_ATTEMPTS", 3),
		ShutdownTimeout:       getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, cfg.Validate()
}

// Validate checks combinations FromEnv cannot default.
func (s Server) Validate() error {
	switch s.RecordStore {
	case StoreMemory:
	case StorePostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("RECORD_STORE=postgres requires DATABASE_URL")
		}
	case StoreRedis:
		if s.Redis.URL == "" {
			return fmt.Errorf("RECORD_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("RECORD_STORE must be memory, postgres or redis, got %q", s.RecordStore)
	}
	if s.Webhook.URL != "" && s.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_URL requires WEBHOOK_SECRET")
	}
	if s.Ledger.MaxAttempts < 1 || s.ProcessingMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS and PROCESSING_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}
