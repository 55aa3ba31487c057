// Package config holds the voice-survey gateway's own configuration
// section, loaded the same way the rest of this codebase loads
// config: a ".env" overlay via godotenv, environment variables with
// typed defaults (internal/config's getEnvOrDefault-family helper
// convention), and an optional goccy/go-yaml file overlay for the
// handful of fields that are naturally structured (voice aliases),
// mirroring internal/config.LoadConfig + LoadConfigFile.
package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// GatewayConfig is the gateway's own configuration, loaded explicitly
// by the caller rather than held in a package-level singleton.
type GatewayConfig struct {
	ProjectID string
	Region    string

	UpstreamModel      string
	UpstreamWSEndpoint string
	DefaultVoice       string
	VoiceAliases       map[string]string `yaml:"voice_aliases"`

	ReconnectMaxRetries  int
	ReconnectBaseDelayMs int
	ToolTimeoutMs        int
	DisableTools         bool
	RateLimitPerSecond   int

	CORSAllowedOrigins []string
	LogLevel           string
	FeatureEnabled     bool

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	FirestoreProjectID   string
	TranscriptCollection string

	NATSURL string

	DatabaseURL string

	AdminPort    string
	WSPort       string
	AdminJWKSURL string
}

// Load builds a GatewayConfig from the environment. Required fields
// (project id, region) are validated by the caller; Load itself
// applies only defaulting, matching internal/config.LoadConfig's split
// between loading and fatal validation. A ".env" file is loaded first
// if present (godotenv), then a GATEWAY_CONFIG_FILE YAML overlay is
// applied on top for structured fields like voice aliases, matching
// internal/config.LoadConfig's godotenv.Load + LoadConfigFile split.
func Load() *GatewayConfig {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("gateway/config: no .env file found, using environment variables")
	}

	cfg := &GatewayConfig{
		ProjectID: getEnvOrDefault("GATEWAY_PROJECT_ID", ""),
		Region:    getEnvOrDefault("GATEWAY_REGION", ""),

		UpstreamModel:      getEnvOrDefault("GATEWAY_UPSTREAM_MODEL", "gemini-2.0-flash-live"),
		UpstreamWSEndpoint: getEnvOrDefault("GATEWAY_UPSTREAM_WS_ENDPOINT", "wss://generativelanguage.googleapis.com/ws"),
		DefaultVoice:       getEnvOrDefault("GATEWAY_DEFAULT_VOICE", "Charon"),

		ReconnectMaxRetries:  getEnvAsInt("GATEWAY_RECONNECT_MAX_RETRIES", 3),
		ReconnectBaseDelayMs: getEnvAsInt("GATEWAY_RECONNECT_BASE_DELAY_MS", 1000),
		ToolTimeoutMs:        getEnvAsInt("GATEWAY_TOOL_TIMEOUT_MS", 5000),
		DisableTools:         getEnvAsBool("GATEWAY_DISABLE_TOOLS", false),
		RateLimitPerSecond:   getEnvAsInt("GATEWAY_RATE_LIMIT_PER_SECOND", 100),

		LogLevel:       getEnvOrDefault("GATEWAY_LOG_LEVEL", "info"),
		FeatureEnabled: getEnvAsBool("GATEWAY_FEATURE_ENABLED", true),

		OAuthTokenURL:     getEnvOrDefault("GATEWAY_OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnvOrDefault("GATEWAY_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnvOrDefault("GATEWAY_OAUTH_CLIENT_SECRET", ""),

		FirestoreProjectID:   getEnvOrDefault("GATEWAY_FIRESTORE_PROJECT_ID", ""),
		TranscriptCollection: getEnvOrDefault("GATEWAY_TRANSCRIPT_COLLECTION", "survey_transcripts"),

		NATSURL: getEnvOrDefault("GATEWAY_NATS_URL", "nats://localhost:4222"),

		DatabaseURL: getEnvOrDefault("GATEWAY_DATABASE_URL", ""),

		AdminPort:    getEnvOrDefault("GATEWAY_ADMIN_PORT", "8090"),
		WSPort:       getEnvOrDefault("GATEWAY_WS_PORT", "8088"),
		AdminJWKSURL: getEnvOrDefault("GATEWAY_ADMIN_JWKS_URL", ""),
	}

	if path := getEnvOrDefault("GATEWAY_CONFIG_FILE", ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Printf("gateway/config: could not open config file %s: %v", path, err)
		} else {
			defer f.Close()
			if err := LoadFile(f, cfg); err != nil {
				log.Printf("gateway/config: could not parse config file %s: %v", path, err)
			}
		}
	}

	return cfg
}

// LoadFile overlays a YAML document's fields onto an already
// environment-populated GatewayConfig, matching
// internal/config.LoadConfigFile's decode-onto-existing-struct shape.
func LoadFile(reader io.Reader, cfg *GatewayConfig) error {
	decoder := yaml.NewDecoder(reader)
	return decoder.Decode(cfg)
}

// ReconnectBaseDelay returns the configured base delay as a duration.
func (c *GatewayConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// ToolTimeout returns the configured tool timeout as a duration.
func (c *GatewayConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("gateway/config: invalid int for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvAsBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("gateway/config: invalid bool for %s=%q, using default %v", key, v, def)
		return def
	}
	return b
}
