package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        int
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    string

	// ClientID keys the persisted session in the store.
	ClientID     string
	SessionStore string
	MessageLog   string
	EngineURL    string

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	AuthFailureRetry     bool

	VerifyRecipients bool
	LogInbound       bool
	AddressSuffix    string
	SendRateLimit    int
	// RecipientRateLimit caps sends per minute to any one address.
	RecipientRateLimit int

	APISecret   string
	TokenExpiry time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:               3000,
		GinMode:            "release",
		LogLevel:           "info",
		ClientID:           "default",
		SessionStore:       "file://./.wa-session",
		MessageLog:         "mem://",
		ReconnectDelay:     10 * time.Second,
		AddressSuffix:      "@c.us",
		SendRateLimit:      60,
		RecipientRateLimit: 20,
		TokenExpiry:        7 * 24 * time.Hour,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = strings.ToLower(raw)
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := strings.TrimSpace(env.Getenv("CLIENT_ID")); raw != "" {
		cfg.ClientID = raw
	}
	if raw := env.Getenv("SESSION_STORE"); raw != "" {
		cfg.SessionStore = raw
	}
	if raw := env.Getenv("MESSAGE_LOG"); raw != "" {
		cfg.MessageLog = raw
	}

	cfg.EngineURL = env.Getenv("ENGINE_URL")
	if cfg.EngineURL == "" {
		return Config{}, fmt.Errorf("ENGINE_URL is required")
	}

	if raw := env.Getenv("RECONNECT_DELAY"); raw != "" {
		d, err := parseDelay(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid RECONNECT_DELAY")
		}
		cfg.ReconnectDelay = d
	}

	if raw := env.Getenv("MAX_RECONNECT_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid MAX_RECONNECT_ATTEMPTS")
		}
		cfg.MaxReconnectAttempts = n
	}

	var err error
	if cfg.AuthFailureRetry, err = parseBool(env, "AUTH_FAILURE_RETRY"); err != nil {
		return Config{}, err
	}
	if cfg.VerifyRecipients, err = parseBool(env, "VERIFY_RECIPIENTS"); err != nil {
		return Config{}, err
	}
	if cfg.LogInbound, err = parseBool(env, "LOG_INBOUND"); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("ADDRESS_SUFFIX"); raw != "" {
		if !strings.HasPrefix(raw, "@") {
			return Config{}, fmt.Errorf("invalid ADDRESS_SUFFIX")
		}
		cfg.AddressSuffix = raw
	}

	if raw := env.Getenv("SEND_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid SEND_RATE_LIMIT")
		}
		cfg.SendRateLimit = n
	}

	if raw := env.Getenv("RECIPIENT_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RECIPIENT_RATE_LIMIT")
		}
		cfg.RecipientRateLimit = n
	}

	cfg.APISecret = env.Getenv("API_SECRET")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}

// parseDelay accepts Go durations ("10s") or a bare number of seconds.
func parseDelay(raw string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func parseBool(env Env, key string) (bool, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}
