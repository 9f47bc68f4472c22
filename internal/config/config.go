package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AWSRegion       string
	BedrockEnabled  bool

	// Provider API keys may also be loaded from Secrets Manager.
	ProviderSecretName string

	// Admission limits, one bucket capacity per scope. Windows default
	// to one minute each.
	IPRateLimit     int
	OrgRateLimit    int
	UserRateLimit   int
	RateWindow      time.Duration
	AnonDailyTokens int64

	// Metering
	UsageFallbackPath string

	// Streaming relay
	PingInterval time.Duration

	// Alert engine
	AlertSweepSchedule string
	AlertWebhookURL    string
	SNSTopicARN        string

	OTLPEndpoint    string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		BedrockEnabled:     getEnv("BEDROCK_ENABLED", "false") == "true",
		ProviderSecretName: getEnv("PROVIDER_SECRET_NAME", ""),
		IPRateLimit:        getIntEnv("IP_RATE_LIMIT", 120),
		OrgRateLimit:       getIntEnv("ORG_RATE_LIMIT", 300),
		UserRateLimit:      getIntEnv("USER_RATE_LIMIT", 60),
		RateWindow:         getDurationEnv("RATE_WINDOW", time.Minute),
		AnonDailyTokens:    int64(getIntEnv("ANON_DAILY_TOKENS", 5000)),
		UsageFallbackPath:  getEnv("USAGE_FALLBACK_PATH", "data/usage-fallback.jsonl"),
		PingInterval:       getDurationEnv("STREAM_PING_INTERVAL", 15*time.Second),
		AlertSweepSchedule: getEnv("ALERT_SWEEP_SCHEDULE", "*/5 * * * *"),
		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
