package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"call-coordinator/pkg/logger"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner),
// except call timings, which may also come from CALL_TUNING_FILE.
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Call  CallConfig
	NATS  NATSConfig
	MQTT  MQTTConfig
}

type AppConfig struct {
	Env  string
	Port int
	// LogLevel overrides the env's default level; empty keeps it.
	LogLevel string
	// AllowedOrigins restricts websocket upgrades; empty allows any origin
	// outside production.
	AllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallConfig holds the call engine's timings.
type CallConfig struct {
	LockTTL          time.Duration `yaml:"lock_ttl"`
	LockReleaseDelay time.Duration `yaml:"lock_release_delay"`
	RingTimeout      time.Duration `yaml:"ring_timeout"`
	RecordRetention  time.Duration `yaml:"record_retention"`
	StatusTTL        time.Duration `yaml:"status_ttl"`

	TuningFile string `yaml:"-"`
}

// NATSConfig is optional; an empty URL keeps the persist queue in process.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

// MQTTConfig is optional; an empty Broker disables lifecycle publishing.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         int
}

func (n NATSConfig) Enabled() bool { return n.URL != "" }

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.AllowedOrigins = splitList(os.Getenv("APP_ALLOWED_ORIGINS"))
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	{
		d, _, err := optionalDuration("JWT_ACCESS_TTL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.AccessTokenTTL = d
		d, _, err = optionalDuration("JWT_REFRESH_TTL")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Auth.RefreshTokenTTL = d
	}

	c.Call.TuningFile = strings.TrimSpace(os.Getenv("CALL_TUNING_FILE"))
	if c.Call.TuningFile != "" {
		if err := c.Call.loadTuningFile(c.Call.TuningFile); err != nil {
			parseErrs = append(parseErrs, err)
		}
	}
	// Env wins over the tuning file.
	for key, dst := range map[string]*time.Duration{
		"CALL_LOCK_TTL":           &c.Call.LockTTL,
		"CALL_LOCK_RELEASE_DELAY": &c.Call.LockReleaseDelay,
		"CALL_RING_TIMEOUT":       &c.Call.RingTimeout,
		"CALL_RECORD_RETENTION":   &c.Call.RecordRetention,
		"CALL_STATUS_TTL":         &c.Call.StatusTTL,
	} {
		d, ok, err := optionalDuration(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		if ok {
			*dst = d
		}
	}

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.NATS.Stream = strings.TrimSpace(os.Getenv("NATS_STREAM"))
	c.NATS.Subject = strings.TrimSpace(os.Getenv("NATS_SUBJECT"))

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.TopicPrefix = strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))
	{
		n, err := optionalInt("MQTT_QOS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.MQTT.QoS = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// loadTuningFile overlays the timings set in a YAML file.
func (cc *CallConfig) loadTuningFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("CALL_TUNING_FILE: %w", err)
	}
	var file CallConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("CALL_TUNING_FILE %s: %w", path, err)
	}
	overlay(&cc.LockTTL, file.LockTTL)
	overlay(&cc.LockReleaseDelay, file.LockReleaseDelay)
	overlay(&cc.RingTimeout, file.RingTimeout)
	overlay(&cc.RecordRetention, file.RecordRetention)
	overlay(&cc.StatusTTL, file.StatusTTL)
	return nil
}

func overlay(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel != "" {
		if _, err := logger.ParseLevel(c.App.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	if c.IsProduction() && len(c.App.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("APP_ALLOWED_ORIGINS is required in production"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 24 * time.Hour
	}

	c.Call.applyDefaults()
	if c.Call.LockReleaseDelay >= c.Call.LockTTL {
		errs = append(errs, errors.New("CALL_LOCK_RELEASE_DELAY must be shorter than CALL_LOCK_TTL"))
	}
	if c.Call.RingTimeout >= c.Call.StatusTTL {
		errs = append(errs, errors.New("CALL_RING_TIMEOUT must be shorter than CALL_STATUS_TTL"))
	}

	if c.NATS.Stream == "" {
		c.NATS.Stream = "MESSAGES"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "messages.persist"
	}

	if c.MQTT.Enabled() {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "call-coordinator"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "call-coordinator"
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
	}

	return joinErrors(errs)
}

func (cc *CallConfig) applyDefaults() {
	if cc.LockTTL <= 0 {
		cc.LockTTL = 10 * time.Second
	}
	if cc.LockReleaseDelay <= 0 {
		cc.LockReleaseDelay = 3 * time.Second
	}
	if cc.RingTimeout <= 0 {
		cc.RingTimeout = 30 * time.Second
	}
	if cc.RecordRetention <= 0 {
		cc.RecordRetention = 30 * 24 * time.Hour
	}
	if cc.StatusTTL <= 0 {
		cc.StatusTTL = 2 * time.Hour
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalDuration(key string) (time.Duration, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, true, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
