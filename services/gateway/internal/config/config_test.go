package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var configEnvKeys = []string{
	"PORT", "LOG_LEVEL", "APP_ENV", "AGENTS_URL", "UPSTREAM_MODE", "UPSTREAM_MODEL",
	"OPENAI_API_KEY", "UPSTREAM_HEADER_TIMEOUT", "UPSTREAM_SYNC_TIMEOUT", "READINESS_TTL",
	"JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE", "JWT_LEEWAY", "SESSION_TTL", "COOKIE_DOMAIN",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "TURN_LEASE_TTL", "CLIENT_URL",
	"GATEWAY_TRUSTED_PROXY_CIDRS", "GATEWAY_SIGNUP_RATE_LIMIT_PER_MINUTE",
	"GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE", "GATEWAY_CHAT_RATE_LIMIT_PER_MINUTE",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseYAML = `
port: "8080"
upstreamURL: http://agents:8000
jwtSecret: ` + testSecret + `
databaseURL: postgres://localhost/versioncoffee
redisAddr: localhost:6379
chatRateLimitPerMinute: 20
sessionTTL: 168h
`

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AGENTS_URL", "http://override:9000")
	t.Setenv("CLIENT_URL", "https://a.example, https://b.example")
	t.Setenv("GATEWAY_CHAT_RATE_LIMIT_PER_MINUTE", "5")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.UpstreamURL != "http://override:9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.UpstreamMode != "proxy" || cfg.Environment != EnvDevelopment {
		t.Fatalf("expected defaults, got mode=%q env=%q", cfg.UpstreamMode, cfg.Environment)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.ChatRateLimitPerMinute != 5 {
		t.Fatalf("expected env rate limit, got %d", cfg.ChatRateLimitPerMinute)
	}
}

func TestLoadEnvOnlyWhenFileMissing(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AGENTS_URL", "http://agents:8000")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("DATABASE_URL", "postgres://localhost/versioncoffee")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "3000" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
}

func TestLoadRejectsInsecureOrIncompleteConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "short secret", env: map[string]string{"JWT_SECRET": "short"}, wantErr: "jwtSecret"},
		{name: "bad mode", env: map[string]string{"UPSTREAM_MODE": "grpc"}, wantErr: "upstreamMode"},
		{name: "bad duration", env: map[string]string{"TURN_LEASE_TTL": "soon"}, wantErr: "turnLeaseTTL"},
		{name: "production without cookie domain", env: map[string]string{"APP_ENV": "production", "CLIENT_URL": "https://app.example"}, wantErr: "cookieDomain"},
		{name: "production without origins", env: map[string]string{"APP_ENV": "production", "COOKIE_DOMAIN": "example.com"}, wantErr: "allowedOrigins"},
		{name: "negative rate", env: map[string]string{"GATEWAY_LOGIN_RATE_LIMIT_PER_MINUTE": "-1"}, wantErr: "rate limits"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, baseYAML))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadProductionPosture(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("COOKIE_DOMAIN", "versioncoffee.example")
	t.Setenv("CLIENT_URL", "https://versioncoffee.example")
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Production() {
		t.Fatalf("expected production posture")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration(""); err != nil || d != 0 {
		t.Fatalf("expected zero for empty, got %v %v", d, err)
	}
	if d, err := ParseDuration("90s"); err != nil || d != 90*time.Second {
		t.Fatalf("unexpected parse: %v %v", d, err)
	}
	if _, err := ParseDuration("-1s"); err == nil {
		t.Fatalf("expected negative duration to fail")
	}
}
