package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV":    "local",
		"APP_PORT":   "8080",
		"DB_HOST":    "localhost",
		"DB_PORT":    "5432",
		"DB_USER":    "postgres",
		"DB_NAME":    "calls",
		"REDIS_HOST": "localhost",
		"REDIS_PORT": "6379",
		"JWT_SECRET": "secret",
		"NATS_URL":   "nats://localhost:4222",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.App.AllowedOrigins = []string{"https://app.example.com"}
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Call.LockTTL != 10*time.Second || c.Call.LockReleaseDelay != 3*time.Second {
		t.Fatalf("unexpected lock defaults: %+v", c.Call)
	}
	if c.Call.RingTimeout != 30*time.Second {
		t.Fatalf("expected 30s ring timeout, got %v", c.Call.RingTimeout)
	}
	if c.Call.RecordRetention != 30*24*time.Hour || c.Call.StatusTTL != 2*time.Hour {
		t.Fatalf("unexpected retention defaults: %+v", c.Call)
	}
	if c.NATS.Stream != "MESSAGES" || c.NATS.Subject != "messages.persist" {
		t.Fatalf("unexpected nats defaults: %+v", c.NATS)
	}
	if c.MQTT.Enabled() {
		t.Fatalf("mqtt must be disabled without a broker")
	}
}

func TestValidate_RejectsReleaseDelayLongerThanLock(t *testing.T) {
	c := validConfig()
	c.Call.LockTTL = 2 * time.Second
	c.Call.LockReleaseDelay = 5 * time.Second
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "CALL_LOCK_RELEASE_DELAY") {
		t.Fatalf("expected release delay error, got %v", err)
	}
}

func TestValidate_MQTTDefaults(t *testing.T) {
	c := validConfig()
	c.MQTT.Broker = "tcp://localhost:1883"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.MQTT.ClientID == "" || c.MQTT.TopicPrefix == "" {
		t.Fatalf("expected mqtt defaults, got %+v", c.MQTT)
	}

	c.MQTT.QoS = 3
	if err := c.Validate(); err == nil {
		t.Fatalf("expected qos error")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Call.RingTimeout != 45*time.Second {
		t.Fatalf("expected env ring timeout, got %v", c.Call.RingTimeout)
	}
	if len(c.App.AllowedOrigins) != 2 || c.App.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", c.App.AllowedOrigins)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALL_LOCK_TTL", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CALL_LOCK_TTL") {
		t.Fatalf("expected CALL_LOCK_TTL error, got %v", err)
	}
}

func TestLoad_TuningFileOverlayEnvWins(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := "ring_timeout: 20s\nlock_ttl: 15s\nstatus_ttl: 1h\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CALL_TUNING_FILE", path)
	t.Setenv("CALL_LOCK_TTL", "12s")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Call.RingTimeout != 20*time.Second {
		t.Fatalf("expected file ring timeout, got %v", c.Call.RingTimeout)
	}
	if c.Call.StatusTTL != time.Hour {
		t.Fatalf("expected file status ttl, got %v", c.Call.StatusTTL)
	}
	if c.Call.LockTTL != 12*time.Second {
		t.Fatalf("expected env to win for lock ttl, got %v", c.Call.LockTTL)
	}
	if c.Call.LockReleaseDelay != 3*time.Second {
		t.Fatalf("expected default release delay, got %v", c.Call.LockReleaseDelay)
	}
}

func TestLoad_MissingTuningFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CALL_TUNING_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing tuning file")
	}
}

func TestValidate_LogLevel(t *testing.T) {
	c := validConfig()
	c.App.LogLevel = "warn"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	c.App.LogLevel = "chatty"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("expected log level error, got %v", err)
	}
}
