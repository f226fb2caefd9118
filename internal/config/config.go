package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"ums-aaa/internal/database"
	"ums-aaa/internal/services/admin"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/disconnect"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/radius"
	"ums-aaa/internal/services/session"
)

// Environment variables that carry secrets kept out of config.yaml
const (
	EnvSecretKey  = "UMS_SECRET_KEY"
	EnvJWTSecret  = "UMS_JWT_SECRET"
	EnvDBPassword = "UMS_DB_PASSWORD"
	EnvRadiusREST = "UMS_RADIUS_REST_TOKEN"
)

// Storage drivers
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
	// RadiusToken guards the FreeRADIUS rlm_rest endpoints when set
	RadiusToken string `yaml:"-"`
}

type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	MaxRetries int           `yaml:"max_retries"`
	PoolSize   int           `yaml:"pool_size"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type NASConfig struct {
	nas.Config `yaml:",inline"`
	SecretKey  string `yaml:"-"`
}

type AdminConfig struct {
	admin.Config      `yaml:",inline"`
	BootstrapUser     string `yaml:"bootstrap_user"`
	BootstrapPassword string `yaml:"bootstrap_password"`
}

// Config is the whole of config.yaml
type Config struct {
	Storage      string                     `yaml:"storage"`
	Server       ServerConfig               `yaml:"server"`
	Database     database.Config            `yaml:"database"`
	Redis        RedisConfig                `yaml:"redis"`
	Radius       radius.Config              `yaml:"radius"`
	Session      session.Config             `yaml:"session"`
	Gateway      gateway.Config             `yaml:"gateway"`
	Policy       policy.Config              `yaml:"policy"`
	Billing      billing.Config             `yaml:"billing"`
	Subscription billing.SubscriptionConfig `yaml:"subscription"`
	Disconnect   disconnect.Config          `yaml:"disconnect"`
	NAS          NASConfig                  `yaml:"nas"`
	Admin        AdminConfig                `yaml:"admin"`
	Logging      LoggingConfig              `yaml:"logging"`
}

// Load reads a YAML config file and fills secrets from the environment.
// A .env file next to the binary is loaded first when present.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.NAS.SecretKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Admin.JWTSecret = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	c.Server.RadiusToken = os.Getenv(EnvRadiusREST)
}

func (c *Config) applyDefaults() {
	if c.Storage == "" {
		c.Storage = StorageMemory
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 25
	}
	if c.Database.MaxIdleConnections == 0 {
		c.Database.MaxIdleConnections = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects combinations the binaries cannot start with
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.NAS.SecretKey == "" {
		return fmt.Errorf("%s is not set", EnvSecretKey)
	}
	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("%s is not set", EnvJWTSecret)
	}
	if c.Storage == StoragePostgres && c.Database.Name == "" {
		return fmt.Errorf("database.name is required for postgres storage")
	}
	return nil
}

// RedisAddr is host:port of the session mirror
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// SetupLogging builds the process logger
func SetupLogging(cfg LoggingConfig) (*zap.Logger, error) {
	level := zap.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zap.DebugLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)

	if cfg.Format == "json" {
		config.Encoding = "json"
	} else {
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if cfg.Output != "" && cfg.Output != "stdout" {
		config.OutputPaths = []string{cfg.Output}
	} else {
		config.OutputPaths = []string{"stdout"}
	}

	return config.Build()
}
