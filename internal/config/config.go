package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreBackendMongo  = "mongo"
	StoreBackendPebble = "pebble"
)

// StoreCredentials is the JSON credential blob used to authenticate against the session store
type StoreCredentials struct {
	URI        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	AuthSource string `json:"authSource" yaml:"authSource"`
}

// Config holds all application configuration
type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`

	// Session store
	StoreBackend     string           `yaml:"storeBackend"`
	StoreCredentials StoreCredentials `yaml:"storeCredentials"`
	PebblePath       string           `yaml:"pebblePath"`

	// Redis (summary lock + session events), optional
	RedisURL string `yaml:"redisUrl"`

	// Generative text service (OpenAI-compatible chat completions)
	LLMBaseURL        string  `yaml:"llmBaseUrl"`
	LLMAPIKey         string  `yaml:"llmApiKey"`
	LLMModel          string  `yaml:"llmModel"`
	LLMTimeoutSeconds int     `yaml:"llmTimeoutSeconds"`
	LLMMaxRPS         float64 `yaml:"llmMaxRps"`

	// Summary generation
	SummaryThreshold      int `yaml:"summaryThreshold"`
	SummaryLockTTLSeconds int `yaml:"summaryLockTtlSeconds"`

	// MQTT ingest bridge, optional
	MQTTBrokerURL string `yaml:"mqttBrokerUrl"`
	MQTTTopic     string `yaml:"mqttTopic"`
	MQTTClientID  string `yaml:"mqttClientId"`

	// MQTTMaxInFlight caps concurrent ingest calls started by the bridge
	MQTTMaxInFlight int `yaml:"mqttMaxInFlight"`

	// Session retention, disabled when days is 0
	RetentionDays int    `yaml:"retentionDays"`
	RetentionCron string `yaml:"retentionCron"`

	// Read cache for settled sessions, disabled when 0
	SessionCacheTTLMinutes int `yaml:"sessionCacheTtlMinutes"`

	AllowedOrigins string `yaml:"allowedOrigins"`
}

// Defaults returns the configuration used when nothing else is set
func Defaults() *Config {
	return &Config{
		Port:                   "3001",
		Environment:            "development",
		StoreBackend:           StoreBackendPebble,
		PebblePath:             "./data/pebble",
		LLMBaseURL:             "https://generativelanguage.googleapis.com/v1beta/openai",
		LLMModel:               "gemini-1.5-flash",
		LLMTimeoutSeconds:      60,
		LLMMaxRPS:              2,
		SummaryThreshold:       4,
		SummaryLockTTLSeconds:  120,
		MQTTTopic:              "machines/+/logs",
		MQTTClientID:           "aeroview-ingest",
		MQTTMaxInFlight:        16,
		RetentionCron:          "0 2 * * *",
		SessionCacheTTLMinutes: 30,
		AllowedOrigins:         "*",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// AEROVIEW_CONFIG, and environment variables (highest precedence).
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("AEROVIEW_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeFile overlays values from a YAML file
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", c.StoreBackend))
	c.PebblePath = getEnv("PEBBLE_PATH", c.PebblePath)

	if blob := os.Getenv("STORE_CREDENTIALS"); blob != "" {
		creds, err := ParseStoreCredentials(blob)
		if err != nil {
			return err
		}
		c.StoreCredentials = *creds
	}
	// MONGODB_URI wins over the URI carried inside the credential blob
	c.StoreCredentials.URI = getEnv("MONGODB_URI", c.StoreCredentials.URI)

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	c.LLMBaseURL = strings.TrimRight(getEnv("LLM_BASE_URL", c.LLMBaseURL), "/")
	c.LLMAPIKey = getEnv("LLM_API_KEY", getEnv("GEMINI_API_KEY", c.LLMAPIKey))
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.LLMTimeoutSeconds = getIntEnv("LLM_TIMEOUT_SECONDS", c.LLMTimeoutSeconds)
	c.LLMMaxRPS = getFloatEnv("LLM_MAX_RPS", c.LLMMaxRPS)

	c.SummaryThreshold = getIntEnv("SUMMARY_THRESHOLD", c.SummaryThreshold)
	c.SummaryLockTTLSeconds = getIntEnv("SUMMARY_LOCK_TTL_SECONDS", c.SummaryLockTTLSeconds)

	c.MQTTBrokerURL = getEnv("MQTT_BROKER_URL", c.MQTTBrokerURL)
	c.MQTTTopic = getEnv("MQTT_TOPIC", c.MQTTTopic)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTMaxInFlight = getIntEnv("MQTT_MAX_IN_FLIGHT", c.MQTTMaxInFlight)

	c.RetentionDays = getIntEnv("SESSION_RETENTION_DAYS", c.RetentionDays)
	c.RetentionCron = getEnv("SESSION_RETENTION_CRON", c.RetentionCron)
	c.SessionCacheTTLMinutes = getIntEnv("SESSION_CACHE_TTL_MINUTES", c.SessionCacheTTLMinutes)

	c.AllowedOrigins = getEnv("ALLOWED_ORIGINS", c.AllowedOrigins)
	return nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendMongo:
		if c.StoreCredentials.URI == "" {
			return fmt.Errorf("store backend %q requires MONGODB_URI or a uri in STORE_CREDENTIALS", c.StoreBackend)
		}
	case StoreBackendPebble:
		if c.PebblePath == "" {
			return fmt.Errorf("store backend %q requires PEBBLE_PATH", c.StoreBackend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (expected %q or %q)", c.StoreBackend, StoreBackendMongo, StoreBackendPebble)
	}

	if c.SummaryThreshold < 1 {
		return fmt.Errorf("SUMMARY_THRESHOLD must be at least 1, got %d", c.SummaryThreshold)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("SESSION_RETENTION_DAYS must not be negative, got %d", c.RetentionDays)
	}

	return nil
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ParseStoreCredentials decodes the JSON credential blob
func ParseStoreCredentials(blob string) (*StoreCredentials, error) {
	var creds StoreCredentials
	if err := json.Unmarshal([]byte(blob), &creds); err != nil {
		return nil, fmt.Errorf("failed to parse STORE_CREDENTIALS JSON: %w", err)
	}
	return &creds, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
