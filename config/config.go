package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		Host            string        `yaml:"host"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	App struct {
		Env     string `yaml:"env"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"app"`

	Tracking struct {
		// Key is the 32-byte token key as 64 hex characters.
		Key            string        `yaml:"key"`
		StoreTimeout   time.Duration `yaml:"store_timeout"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		ResponseFloor  time.Duration `yaml:"response_floor"`
	} `yaml:"tracking"`

	Relay struct {
		Driver     string        `yaml:"driver"`
		URL        string        `yaml:"url"`
		Queue      string        `yaml:"queue"`
		Durable    bool          `yaml:"durable"`
		Group      string        `yaml:"group"`
		Consumer   string        `yaml:"consumer"`
		Block      time.Duration `yaml:"block"`
		ClaimIdle  time.Duration `yaml:"claim_idle"`
		RetryDelay time.Duration `yaml:"retry_delay"`
		QueueURL   string        `yaml:"queue_url"`
		Region     string        `yaml:"region"`
	} `yaml:"relay"`

	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`

	Mail struct {
		Driver  string        `yaml:"driver"`
		Subject string        `yaml:"subject"`
		Timeout time.Duration `yaml:"timeout"`
		Region  string        `yaml:"region"`
	} `yaml:"mail"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"auth"`

	Realtime struct {
		Policy     string `yaml:"policy"`
		SendBuffer int    `yaml:"send_buffer"`
	} `yaml:"realtime"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// ConfigurationError reports a setting the process must not start with.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

var (
	relayDrivers = []string{"redis", "sqs", "memory", "direct"}
	storeDrivers = []string{"memory", "postgres"}
	mailDrivers  = []string{"smtp", "ses", "log"}
	policies     = []string{"strict", "permissive"}
)

// LoadConfig reads the YAML file at configPath (skipped when empty), expands
// ${VAR} references, applies environment overrides and defaults, and
// validates the result. A .env file in the working directory is loaded
// first when present.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	config := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	config.overrideWithEnvVars()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) overrideWithEnvVars() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Host, "HOST")
	setString(&c.App.Env, "APP_ENV")
	setString(&c.App.BaseURL, "BASE_URL")

	setString(&c.Tracking.Key, "TRACKING_KEY")

	setString(&c.Relay.Driver, "RELAY_DRIVER")
	setString(&c.Relay.URL, "REDIS_URL")
	setString(&c.Relay.Queue, "RELAY_QUEUE")
	setString(&c.Relay.QueueURL, "SQS_QUEUE_URL")
	setString(&c.Relay.Region, "AWS_REGION")
	if v, ok := os.LookupEnv("RELAY_DURABLE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.Durable = b
		}
	}

	setString(&c.Database.Driver, "STORE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.SMTP.Host, "SMTP_HOST")
	if v, ok := os.LookupEnv("SMTP_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = p
		}
	}
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.Mail.Driver, "MAIL_DRIVER")

	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Realtime.Policy, "REALTIME_POLICY")
	if v := GetEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	setString(&c.Log.Level, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Port, "8080")
	setDefault(&c.App.Env, "development")
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setDuration(&c.Tracking.StoreTimeout, 3*time.Second)
	setDuration(&c.Tracking.PublishTimeout, 5*time.Second)
	setDuration(&c.Tracking.ResponseFloor, 50*time.Millisecond)

	setDefault(&c.Relay.Driver, "redis")
	setDefault(&c.Relay.URL, "redis://localhost:6379/0")
	setDefault(&c.Relay.Queue, "phishing.link.clicked")
	setDefault(&c.Relay.Group, "management")
	setDefault(&c.Relay.Consumer, "management-1")
	setDuration(&c.Relay.Block, 2*time.Second)
	setDuration(&c.Relay.ClaimIdle, time.Minute)
	setDefault(&c.Relay.Region, "us-east-1")

	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
		if c.Database.URL != "" {
			c.Database.Driver = "postgres"
		}
	}

	setDefault(&c.Mail.Driver, "smtp")
	setDefault(&c.Mail.Subject, "Important Security Update")
	setDuration(&c.Mail.Timeout, 10*time.Second)
	setDefault(&c.Mail.Region, c.Relay.Region)
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	setDefault(&c.SMTP.From, `"Phishing Simulator" <noreply@example.com>`)

	setDefault(&c.Auth.Issuer, "phishing-simulator")
	setDuration(&c.Auth.TTL, 24*time.Hour)

	setDefault(&c.Realtime.Policy, "strict")
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 64
	}

	setDefault(&c.Log.Level, "info")
	if c.Log.Format == "" {
		c.Log.Format = "text"
		if c.IsProduction() {
			c.Log.Format = "json"
		}
	}
}

// Validate reports the first setting that would make the service unsafe or
// unable to run.
func (c *Config) Validate() error {
	key, err := hex.DecodeString(c.Tracking.Key)
	switch {
	case c.Tracking.Key == "":
		return &ConfigurationError{Field: "tracking.key", Reason: "is required"}
	case err != nil:
		return &ConfigurationError{Field: "tracking.key", Reason: "must be hex encoded"}
	case len(key) != 32:
		return &ConfigurationError{Field: "tracking.key", Reason: fmt.Sprintf("must decode to 32 bytes, got %d", len(key))}
	}

	if !slices.Contains(relayDrivers, c.Relay.Driver) {
		return &ConfigurationError{Field: "relay.driver", Reason: fmt.Sprintf("unknown driver %q", c.Relay.Driver)}
	}
	if c.Relay.Driver == "sqs" && c.Relay.QueueURL == "" {
		return &ConfigurationError{Field: "relay.queue_url", Reason: "is required for the sqs driver"}
	}
	if !slices.Contains(storeDrivers, c.Database.Driver) {
		return &ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return &ConfigurationError{Field: "database.url", Reason: "is required for the postgres driver"}
	}
	if !slices.Contains(mailDrivers, c.Mail.Driver) {
		return &ConfigurationError{Field: "mail.driver", Reason: fmt.Sprintf("unknown driver %q", c.Mail.Driver)}
	}
	if !slices.Contains(policies, c.Realtime.Policy) {
		return &ConfigurationError{Field: "realtime.policy", Reason: fmt.Sprintf("unknown policy %q", c.Realtime.Policy)}
	}

	timeouts := map[string]time.Duration{
		"tracking.store_timeout":   c.Tracking.StoreTimeout,
		"tracking.publish_timeout": c.Tracking.PublishTimeout,
		"mail.timeout":             c.Mail.Timeout,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
	}
	for field, d := range timeouts {
		if d <= 0 {
			return &ConfigurationError{Field: field, Reason: "must be positive"}
		}
	}
	if c.Tracking.ResponseFloor < 0 {
		return &ConfigurationError{Field: "tracking.response_floor", Reason: "must not be negative"}
	}
	return nil
}

// ValidateDeployment checks the settings that depend on which services the
// process hosts. management covers the REST API and the realtime gateway;
// standalone means both sides share one process.
func (c *Config) ValidateDeployment(management, standalone bool) error {
	if management && c.Auth.JWTSecret == "" {
		return &ConfigurationError{Field: "auth.jwt_secret", Reason: "is required to verify dashboard credentials"}
	}
	if standalone {
		return nil
	}
	if c.Database.Driver == "memory" {
		return &ConfigurationError{Field: "database.driver", Reason: "memory is only available in standalone mode; split services need a shared postgres store"}
	}
	if c.Relay.Driver == "memory" || c.Relay.Driver == "direct" {
		return &ConfigurationError{Field: "relay.driver", Reason: fmt.Sprintf("%s is only available in standalone mode", c.Relay.Driver)}
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.App.Env == "production" }

func (c *Config) Addr() string { return c.Server.Host + ":" + c.Server.Port }

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func MustLoadConfig(configPath string) *Config {
	config, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	return config
}

func (c *Config) GetBaseURL() string {
	if c.App.BaseURL != "" {
		return strings.TrimRight(c.App.BaseURL, "/")
	}

	if c.IsProduction() && c.Server.Host != "" {
		if !strings.HasPrefix(c.Server.Host, "http") {
			return "https://" + c.Server.Host
		}
		return c.Server.Host
	}

	return "http://localhost:" + c.Server.Port
}

func setString(dst *string, key string) {
	if v := GetEnv(key, ""); v != "" {
		*dst = v
	}
}

func setDefault(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value time.Duration) {
	if *dst == 0 {
		*dst = value
	}
}
