package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	UseMemoryStore bool
	WorkerCount    int
	DatabaseURL    string
	SeedDentists   bool

	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	ConversationQueueURL string
	OutboundQueueURL     string
	DeliveryLogTable     string
	ArchiveBucket        string

	// Model providers
	ModelProvider    string
	FallbackProvider string
	BedrockModelID   string
	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	GeminiAPIKey     string
	GeminiModelID    string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AdminJWTSecret string
	AdminIssuer    string
	AdminBaseURL   string

	// Clinic
	ClinicName         string
	ClinicTimezone     string
	AppointmentMinutes int

	// Orchestration limits
	MaxToolDepth            int
	HistoryWindowTurns      int
	MessageTimeout          time.Duration
	ModelMaxRetries         int
	MaxDeliveryAttempts     int
	ConversationIdleTimeout time.Duration
	JanitorInterval         time.Duration
	ReplyPollInterval       time.Duration

	// Operator alerts
	RateLimitPerMinute float64
	RateLimitBurst     int

	AlertEmail        string
	AlertFromEmail    string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	AuditDatabaseURL string
}

// Load reads configuration from environment variables
func Load() *Config {
	databaseURL := getEnv("DATABASE_URL", "")
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", databaseURL == ""),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),
		DatabaseURL:    databaseURL,
		SeedDentists:   getEnvAsBool("SEED_DENTISTS", true),

		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),
		OutboundQueueURL:     getEnv("OUTBOUND_QUEUE_URL", ""),
		DeliveryLogTable:     getEnv("DELIVERY_LOG_TABLE", "inbound_deliveries"),
		ArchiveBucket:        getEnv("ARCHIVE_BUCKET", ""),

		ModelProvider:    strings.ToLower(strings.TrimSpace(getEnv("MODEL_PROVIDER", "bedrock"))),
		FallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("FALLBACK_PROVIDER", ""))),
		BedrockModelID:   getEnv("BEDROCK_MODEL_ID", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:    getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		AdminIssuer:    getEnv("ADMIN_JWT_ISSUER", ""),
		AdminBaseURL:   getEnv("ADMIN_BASE_URL", ""),

		ClinicName:         getEnv("CLINIC_NAME", "Smile Dental Clinic"),
		ClinicTimezone:     getEnv("CLINIC_TIMEZONE", "Asia/Kolkata"),
		AppointmentMinutes: getEnvAsInt("APPOINTMENT_MINUTES", 30),

		MaxToolDepth:            getEnvAsInt("MAX_TOOL_DEPTH", 5),
		HistoryWindowTurns:      getEnvAsInt("HISTORY_WINDOW_TURNS", 40),
		MessageTimeout:          getEnvAsDuration("MESSAGE_TIMEOUT", 45*time.Second),
		ModelMaxRetries:         getEnvAsInt("MODEL_MAX_RETRIES", 2),
		MaxDeliveryAttempts:     getEnvAsInt("MAX_DELIVERY_ATTEMPTS", 5),
		ConversationIdleTimeout: getEnvAsDuration("CONVERSATION_IDLE_TIMEOUT", 30*time.Minute),
		JanitorInterval:         getEnvAsDuration("JANITOR_INTERVAL", time.Minute),
		ReplyPollInterval:       getEnvAsDuration("REPLY_POLL_INTERVAL", time.Second),

		RateLimitPerMinute: getEnvAsFloat("RATE_LIMIT_PER_MINUTE", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 5),

		AlertEmail:        getEnv("ALERT_EMAIL", ""),
		AlertFromEmail:    getEnv("ALERT_FROM_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Dental Desk"),

		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", databaseURL),
	}
}

// ClinicLocation resolves ClinicTimezone, falling back to UTC when it is unknown.
func (c *Config) ClinicLocation() *time.Location {
	if c == nil || strings.TrimSpace(c.ClinicTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.ClinicTimezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
