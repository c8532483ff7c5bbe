package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	minJWTSecretBytes = 32
)

// ConfigPath is the YAML file read by Load when no path is given.
var ConfigPath = envOr("GATEWAY_CONFIG", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                     string   `yaml:"port"`
	LogLevel                 string   `yaml:"logLevel"`
	Environment              string   `yaml:"environment"`
	UpstreamURL              string   `yaml:"upstreamURL"`
	UpstreamMode             string   `yaml:"upstreamMode"`
	UpstreamModel            string   `yaml:"upstreamModel"`
	UpstreamAPIKey           string   `yaml:"upstreamAPIKey"`
	UpstreamHeaderTimeout    string   `yaml:"upstreamHeaderTimeout"`
	UpstreamSyncTimeout      string   `yaml:"upstreamSyncTimeout"`
	ReadinessTTL             string   `yaml:"readinessTTL"`
	JWTSecret                string   `yaml:"jwtSecret"`
	JWTIssuer                string   `yaml:"jwtIssuer"`
	JWTAudience              string   `yaml:"jwtAudience"`
	JWTLeeway                string   `yaml:"jwtLeeway"`
	SessionTTL               string   `yaml:"sessionTTL"`
	CookieDomain             string   `yaml:"cookieDomain"`
	AllowedOrigins           []string `yaml:"allowedOrigins"`
	DatabaseURL              string   `yaml:"databaseURL"`
	RedisAddr                string   `yaml:"redisAddr"`
	RedisPassword            string   `yaml:"redisPassword"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs"`
	SignupRateLimitPerMinute int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int      `yaml:"loginRateLimitPerMinute"`
	ChatRateLimitPerMinute   int      `yaml:"chatRateLimitPerMinute"`
	TurnLeaseTTL             string   `yaml:"turnLeaseTTL"`
}

// Production reports whether the production posture applies.
func (c FileConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}

// Load reads .env (when present), then the YAML file at path (defaults to
// ConfigPath), then environment overrides, and validates the result.
func Load(path string) (FileConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return FileConfig{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Environment, "APP_ENV")
	setString(&cfg.UpstreamURL, "AGENTS_URL")
	setString(&cfg.UpstreamMode, "UPSTREAM_MODE")
	setString(&cfg.UpstreamModel, "UPSTREAM_MODEL")
	setString(&cfg.UpstreamAPIKey, "OPENAI_API_KEY")
	setString(&cfg.UpstreamHeaderTimeout, "UPSTREAM_HEADER_TIMEOUT")
	setString(&cfg.UpstreamSyncTimeout, "UPSTREAM_SYNC_TIMEOUT")
	setString(&cfg.ReadinessTTL, "READINESS_TTL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.CookieDomain, "COOKIE_DOMAIN")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.TurnLeaseTTL, "TURN_LEASE_TTL")
	if v := os.Getenv("CLIENT_URL"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setInt(&cfg.SignupRateLimitPerMinute, "GATEWAY_SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.ChatRateLimitPerMinute, "GATEWAY_CHAT_RATE_LIMIT_PER_MINUTE")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.UpstreamMode == "" {
		cfg.UpstreamMode = "proxy"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return errors.New("config: upstreamURL is required (set in config.yaml or AGENTS_URL)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.UpstreamMode)) {
	case "proxy", "direct":
	default:
		return fmt.Errorf("config: upstreamMode must be proxy or direct, got %q", cfg.UpstreamMode)
	}
	if len(cfg.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("config: jwtSecret must be at least %d bytes (set JWT_SECRET)", minJWTSecretBytes)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and turn leases")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.ChatRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, value := range map[string]string{
		"upstreamHeaderTimeout": cfg.UpstreamHeaderTimeout,
		"upstreamSyncTimeout":   cfg.UpstreamSyncTimeout,
		"readinessTTL":          cfg.ReadinessTTL,
		"jwtLeeway":             cfg.JWTLeeway,
		"sessionTTL":            cfg.SessionTTL,
		"turnLeaseTTL":          cfg.TurnLeaseTTL,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if cfg.Production() {
		if strings.TrimSpace(cfg.CookieDomain) == "" {
			return errors.New("config: cookieDomain is required in production (set COOKIE_DOMAIN)")
		}
		if len(cfg.AllowedOrigins) == 0 {
			return errors.New("config: allowedOrigins is required in production (set CLIENT_URL)")
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be >= 0", value)
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
