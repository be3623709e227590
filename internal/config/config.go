package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the client needs to run. All values come from
// the environment, optionally seeded from a .env file.
type Config struct {
	APIBaseURL string
	SocketURL  string
	Token      string
	Locale     string
	SelfID     string

	PageSize         int
	MergeTolerance   time.Duration
	SendQueueLimit   int
	SendQueueTTL     time.Duration
	MaxAttachmentMB  int64
	AllowedMIMETypes []string

	AMQPURL         string
	AMQPExchange    string
	AuditRoutingKey string
	Environment     string

	DebugAddr    string
	OTLPEndpoint string
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: skipping .env: %v", err)
	}

	return Config{
		APIBaseURL: getEnv("CHAT_API_URL", "http://localhost:8083"),
		SocketURL:  getEnv("CHAT_SOCKET_URL", "ws://localhost:8083/socket"),
		Token:      os.Getenv("CHAT_TOKEN"),
		Locale:     getEnv("CHAT_LOCALE", "en"),
		SelfID:     os.Getenv("CHAT_USER_ID"),

		PageSize:        getEnvInt("CHAT_PAGE_SIZE", 30),
		MergeTolerance:  getEnvDuration("CHAT_MERGE_TOLERANCE", 5*time.Second),
		SendQueueLimit:  getEnvInt("CHAT_SEND_QUEUE_LIMIT", 64),
		SendQueueTTL:    getEnvDuration("CHAT_SEND_QUEUE_TTL", 30*time.Second),
		MaxAttachmentMB: int64(getEnvInt("CHAT_MAX_ATTACHMENT_MB", 10)),
		AllowedMIMETypes: strings.Split(getEnv("CHAT_ALLOWED_MIME",
			"image/jpeg,image/png,image/gif,image/webp,audio/mpeg,audio/ogg,application/pdf"), ","),

		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "chat_client_events"),
		AuditRoutingKey: getEnv("AUDIT_ROUTING_KEY", "audit.chat_client"),
		Environment:     getEnv("ENVIRONMENT", "development"),

		DebugAddr:    getEnv("DEBUG_ADDR", ":9093"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
