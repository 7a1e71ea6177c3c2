package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// Worker pool size for the asynq server. Parallelism is across tenants
	// only; jobs for one tenant never run concurrently.
	WorkerConcurrency int `mapstructure:"WORKER_CONCURRENCY" validate:"gte=1,lte=1000"`

	// Provisioner service endpoint and per-call timeout.
	ProvisionerURL   string        `mapstructure:"PROVISIONER_URL" validate:"required,url|uri"`
	ProvisionTimeout time.Duration `mapstructure:"PROVISION_TIMEOUT" validate:"required"`

	JobMaxAttempts    int           `mapstructure:"JOB_MAX_ATTEMPTS" validate:"gte=1,lte=20"`
	JobRetryBaseDelay time.Duration `mapstructure:"JOB_RETRY_BASE_DELAY" validate:"required"`

	// Days a deactivated tenant's data is retained before the deferred
	// deprovision job runs.
	DefaultRetentionDays int `mapstructure:"DEFAULT_RETENTION_DAYS" validate:"gte=1,lte=365"`

	BillingWebhookSecret string `mapstructure:"BILLING_WEBHOOK_SECRET" validate:"required"`

	// Ed25519 private key (PEM, PKCS#8) used to sign license tokens. Empty in
	// development generates an ephemeral key at boot.
	LicensePrivateKey string        `mapstructure:"LICENSE_PRIVATE_KEY"`
	LicenseTTL        time.Duration `mapstructure:"LICENSE_TTL" validate:"required"`

	// HMAC secret for operator bearer tokens.
	JWTSecret string `mapstructure:"JWT_SECRET"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("PROVISION_TIMEOUT", "10m")
	v.SetDefault("JOB_MAX_ATTEMPTS", 3)
	v.SetDefault("JOB_RETRY_BASE_DELAY", "30s")
	v.SetDefault("DEFAULT_RETENTION_DAYS", 30)
	v.SetDefault("LICENSE_TTL", "24h")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"WORKER_CONCURRENCY",
		"PROVISIONER_URL",
		"PROVISION_TIMEOUT",
		"JOB_MAX_ATTEMPTS",
		"JOB_RETRY_BASE_DELAY",
		"DEFAULT_RETENTION_DAYS",
		"BILLING_WEBHOOK_SECRET",
		"LICENSE_PRIVATE_KEY",
		"LICENSE_TTL",
		"JWT_SECRET",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as strings
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":     &c.ShutdownTimeout,
		"PROVISION_TIMEOUT":    &c.ProvisionTimeout,
		"JOB_RETRY_BASE_DELAY": &c.JobRetryBaseDelay,
		"LICENSE_TTL":          &c.LicenseTTL,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
