package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	// AWS
	AWSRegion string

	// Slack
	SlackBotToken   string
	SlackSigningKey string
	AgentChannelID  string
	EscalationUsers []string

	// DynamoDB
	ConversationsTable string
	MessagesTable      string
	RulesTable         string
	TemplatesTable     string
	SettingsTable      string
	DedupTable         string
	MessageTTLDays     int

	// Dedup
	RedisURL              string
	DedupMaxEntries       int
	DedupEvictionInterval time.Duration

	// Providers
	ProviderOrder    []string
	RasaURL          string
	RasaTimeout      time.Duration
	RasaMaxRetries   int
	BedrockModelID   string
	BedrockTimeout   time.Duration
	BedrockRetries   int
	BedrockPrompt    string
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// Routing
	DefaultLanguage      string
	HumanRequiredMessage string
	Connections          map[string]string // connection id -> bot id
	HookStateMachineArn  string

	// Admin
	AdminAddr  string
	AdminToken string

	// Environment
	LogLevel    string
	Environment string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
		SlackBotToken:         getEnv("SLACK_BOT_TOKEN", ""),
		SlackSigningKey:       getEnv("SLACK_SIGNING_KEY", ""),
		AgentChannelID:        getEnv("AGENT_CHANNEL_ID", ""),
		EscalationUsers:       getEnvList("ESCALATION_USER_IDS", nil),
		ConversationsTable:    getEnv("CONVERSATIONS_TABLE", "replyrouter-conversations"),
		MessagesTable:         getEnv("MESSAGES_TABLE", "replyrouter-messages"),
		RulesTable:            getEnv("RULES_TABLE", "replyrouter-rules"),
		TemplatesTable:        getEnv("TEMPLATES_TABLE", "replyrouter-templates"),
		SettingsTable:         getEnv("SETTINGS_TABLE", "replyrouter-settings"),
		DedupTable:            getEnv("DEDUP_TABLE", ""),
		MessageTTLDays:        getEnvInt("MESSAGE_TTL_DAYS", 30),
		RedisURL:              getEnv("REDIS_URL", ""),
		DedupMaxEntries:       getEnvInt("DEDUP_MAX_ENTRIES", 10000),
		DedupEvictionInterval: getEnvDuration("DEDUP_EVICTION_INTERVAL", time.Hour),
		ProviderOrder:         getEnvList("PROVIDER_ORDER", []string{"rasa", "bedrock"}),
		RasaURL:               getEnv("RASA_URL", ""),
		RasaTimeout:           getEnvDuration("RASA_TIMEOUT", 5*time.Second),
		RasaMaxRetries:        getEnvInt("RASA_MAX_RETRIES", 2),
		BedrockModelID:        getEnv("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		BedrockTimeout:        getEnvDuration("BEDROCK_TIMEOUT", 20*time.Second),
		BedrockRetries:        getEnvInt("BEDROCK_MAX_RETRIES", 1),
		BedrockPrompt:         getEnv("BEDROCK_SYSTEM_PROMPT", ""),
		RetryBackoffBase:      getEnvDuration("RETRY_BACKOFF_BASE", 200*time.Millisecond),
		RetryBackoffMax:       getEnvDuration("RETRY_BACKOFF_MAX", 5*time.Second),
		DefaultLanguage:       getEnv("DEFAULT_LANGUAGE", "vi"),
		HumanRequiredMessage:  getEnv("HUMAN_REQUIRED_MESSAGE", "Cảm ơn bạn! Nhân viên hỗ trợ sẽ phản hồi trong giây lát."),
		Connections:           getEnvMap("CONNECTIONS"),
		HookStateMachineArn:   getEnv("HOOK_STATE_MACHINE_ARN", ""),
		AdminAddr:             getEnv("ADMIN_ADDR", ":8080"),
		AdminToken:            getEnv("ADMIN_TOKEN", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		Environment:           getEnv("ENVIRONMENT", "dev"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.ConversationsTable == "" {
		return fmt.Errorf("CONVERSATIONS_TABLE is required")
	}
	if c.MessagesTable == "" {
		return fmt.Errorf("MESSAGES_TABLE is required")
	}
	if c.RulesTable == "" || c.TemplatesTable == "" {
		return fmt.Errorf("RULES_TABLE and TEMPLATES_TABLE are required")
	}
	if c.DedupMaxEntries <= 0 {
		return fmt.Errorf("DEDUP_MAX_ENTRIES must be positive")
	}
	if c.DedupEvictionInterval <= 0 {
		return fmt.Errorf("DEDUP_EVICTION_INTERVAL must be positive")
	}
	for _, name := range c.ProviderOrder {
		switch name {
		case "rasa", "bedrock":
		default:
			return fmt.Errorf("PROVIDER_ORDER: unknown provider %q", name)
		}
	}
	return nil
}

// ValidateLambda checks configuration required by the Slack ingress Lambda
func (c *Config) ValidateLambda() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required for Lambda")
	}
	if c.SlackSigningKey == "" {
		return fmt.Errorf("SLACK_SIGNING_KEY is required for Lambda")
	}
	if len(c.Connections) == 0 {
		return fmt.Errorf("CONNECTIONS is required for Lambda")
	}
	return nil
}

// GetMessageTTL returns how long persisted messages are retained
func (c *Config) GetMessageTTL() time.Duration {
	return time.Duration(c.MessageTTLDays*24) * time.Hour
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "k1=v1,k2=v2"
func getEnvMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
