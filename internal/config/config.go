package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	LogFormat      string
	UseMemoryQueue bool
	WorkerCount    int
	DatabaseURL    string
	AdminJWTSecret string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	// Model backends
	BackendsFile        string
	BackendsWatch       bool
	BackendTimeout      time.Duration
	MaxCandidates       int
	RateLimitCooldown   time.Duration
	GeminiAPIKey        string
	OllamaDefaultURL    string
	BaseSystemPrompt    string
	FallbackReply       string
	ModelMaxTokens      int
	ModelTemperature    float64
	HealthDegradeAfter  int
	HealthDownAfter     int
	HealthRecoverAfter  int
	HealthErrorRate     float64
	HealthWindow        time.Duration
	HealthMinSamples    int
	HealthCooldown      time.Duration
	HealthProbeInterval time.Duration

	// Conversations
	ContextMaxMessages int
	StoreTimeout       time.Duration
	ContextMaxChars    int
	IdleCloseAfter     time.Duration
	IdleSweepInterval  time.Duration
	DefaultReopenMode  string
	StaticTenantsJSON  string
	TenantCacheTTL     time.Duration

	// AWS
	AWSRegion             string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpointOverride   string
	InboundQueueURL       string
	InboundJobsTable      string
	TranscriptBucket      string
	TranscriptScrubPII    bool
	SummarizeOnClose      bool
	RedisAddr             string
	RedisPassword         string
	RedisTLS              bool
	WebhookDeliveryPeriod time.Duration
	WebhookDeliveryBatch  int
	WebhookMaxAttempts    int

	// Channels
	MediaAllowedHosts     []string
	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	TelegramBotToken      string
	TelegramWebhookSecret string

	// Operator alerts
	EmailProvider         string
	AlertRecipients       []string
	SendGridAPIKey        string
	SendGridFromEmail     string
	SendGridFromName      string
	SESFromEmail          string
	SESFromName           string
	WebhookLambdaUpstream string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		BackendsFile:        getEnv("BACKENDS_FILE", "backends.toml"),
		BackendsWatch:       getEnvAsBool("BACKENDS_WATCH", false),
		BackendTimeout:      getEnvAsDuration("BACKEND_TIMEOUT", 20*time.Second),
		MaxCandidates:       getEnvAsInt("MAX_CANDIDATES", 3),
		RateLimitCooldown:   getEnvAsDuration("RATE_LIMIT_COOLDOWN", 20*time.Second),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		OllamaDefaultURL:    getEnv("OLLAMA_URL", "http://127.0.0.1:11434"),
		BaseSystemPrompt:    getEnv("BASE_SYSTEM_PROMPT", "You are a helpful customer service assistant. Be concise and friendly."),
		FallbackReply:       getEnv("FALLBACK_REPLY", "I'm having trouble responding right now, please try again"),
		ModelMaxTokens:      getEnvAsInt("MODEL_MAX_TOKENS", 500),
		ModelTemperature:    getEnvAsFloat("MODEL_TEMPERATURE", 0.7),
		HealthDegradeAfter:  getEnvAsInt("HEALTH_DEGRADE_AFTER", 3),
		HealthDownAfter:     getEnvAsInt("HEALTH_DOWN_AFTER", 3),
		HealthRecoverAfter:  getEnvAsInt("HEALTH_RECOVER_AFTER", 2),
		HealthErrorRate:     getEnvAsFloat("HEALTH_ERROR_RATE", 0.5),
		HealthWindow:        getEnvAsDuration("HEALTH_WINDOW", time.Minute),
		HealthMinSamples:    getEnvAsInt("HEALTH_MIN_SAMPLES", 5),
		HealthCooldown:      getEnvAsDuration("HEALTH_COOLDOWN", 30*time.Second),
		HealthProbeInterval: getEnvAsDuration("HEALTH_PROBE_INTERVAL", 15*time.Second),

		ContextMaxMessages: getEnvAsInt("CONTEXT_MAX_MESSAGES", 10),
		StoreTimeout:       getEnvAsDuration("STORE_TIMEOUT", 10*time.Second),
		ContextMaxChars:    getEnvAsInt("CONTEXT_MAX_CHARS", 8000),
		IdleCloseAfter:     getEnvAsDuration("IDLE_CLOSE_AFTER", 30*time.Minute),
		IdleSweepInterval:  getEnvAsDuration("IDLE_SWEEP_INTERVAL", time.Minute),
		DefaultReopenMode:  strings.ToLower(strings.TrimSpace(getEnv("DEFAULT_REOPEN_MODE", "new"))),
		StaticTenantsJSON:  getEnv("STATIC_TENANTS_JSON", ""),
		TenantCacheTTL:     getEnvAsDuration("TENANT_CACHE_TTL", 5*time.Minute),

		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:   getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:       getEnv("INBOUND_QUEUE_URL", ""),
		InboundJobsTable:      getEnv("INBOUND_JOBS_TABLE", ""),
		TranscriptBucket:      getEnv("TRANSCRIPT_ARCHIVE_BUCKET", ""),
		TranscriptScrubPII:    getEnvAsBool("TRANSCRIPT_SCRUB_PII", true),
		SummarizeOnClose:      getEnvAsBool("SUMMARIZE_ON_CLOSE", true),
		RedisAddr:             getEnv("REDIS_ADDR", ""),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisTLS:              getEnvAsBool("REDIS_TLS", false),
		WebhookDeliveryPeriod: getEnvAsDuration("WEBHOOK_DELIVERY_INTERVAL", 5*time.Second),
		WebhookDeliveryBatch:  getEnvAsInt("WEBHOOK_DELIVERY_BATCH", 25),
		WebhookMaxAttempts:    getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 8),

		MediaAllowedHosts:     getEnvAsList("MEDIA_ALLOWED_HOSTS", nil),
		WhatsAppVerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramWebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),

		EmailProvider:         strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		AlertRecipients:       getEnvAsList("ALERT_EMAIL_RECIPIENTS", nil),
		SendGridAPIKey:        getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:     getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:      getEnv("SENDGRID_FROM_NAME", "ComChat"),
		SESFromEmail:          getEnv("SES_FROM_EMAIL", ""),
		SESFromName:           getEnv("SES_FROM_NAME", "ComChat"),
		WebhookLambdaUpstream: getEnv("WEBHOOK_UPSTREAM_URL", ""),
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
