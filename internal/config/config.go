package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the LUMINA license server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Security SecurityConfig `yaml:"security"`
	License  LicenseConfig  `yaml:"license"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type StorageConfig struct {
	Type       string `yaml:"type"`
	JSONPath   string `yaml:"json_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CheckTTL time.Duration `yaml:"check_ttl"`
}

type SecurityConfig struct {
	AdminUsername     string        `yaml:"admin_username"`
	AdminPassword     string        `yaml:"admin_password"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
	JWTSecret         string        `yaml:"jwt_secret"`
	JWTTTL            time.Duration `yaml:"jwt_ttl"`
}

type LicenseConfig struct {
	KeyPrefix             string `yaml:"key_prefix"`
	DefaultMaxActivations int    `yaml:"default_max_activations"`
	DefaultExpiryDays     int    `yaml:"default_expiry_days"`
	ActivationMaxAttempts int    `yaml:"activation_max_attempts"`
	KeygenMaxAttempts     int    `yaml:"keygen_max_attempts"`
}

const (
	StorageJSON     = "json"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

var validStorage = map[string]bool{
	StorageJSON:     true,
	StorageSQLite:   true,
	StoragePostgres: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var keyPrefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// Defaults returns the configuration used when neither a config file nor the
// environment says otherwise.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8000,
			Env:      "development",
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Type:       StorageJSON,
			JSONPath:   "data/licenses.json",
			SQLitePath: "data/licenses.db",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "migrations",
		},
		Redis: RedisConfig{
			CheckTTL: 30 * time.Second,
		},
		Security: SecurityConfig{
			AdminUsername: "admin",
			JWTTTL:        60 * time.Minute,
		},
		License: LicenseConfig{
			KeyPrefix:             "LS",
			DefaultMaxActivations: 1,
			ActivationMaxAttempts: 3,
			KeygenMaxAttempts:     10,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence. Returns an
// error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	return load(true)
}

// LoadStorage is Load for offline tools that never serve the admin API. The
// security section is not validated.
func LoadStorage() (*Config, error) {
	return load(false)
}

func load(withSecurity bool) (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(withSecurity); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("LUMINA_PORT", c.Server.Port)
	c.Server.Env = envString("LUMINA_ENV", c.Server.Env)
	c.Server.LogLevel = strings.ToLower(envString("LOG_LEVEL", c.Server.LogLevel))

	c.Storage.Type = strings.ToLower(envString("STORAGE_TYPE", c.Storage.Type))
	c.Storage.JSONPath = envString("STORAGE_JSON_PATH", c.Storage.JSONPath)
	c.Storage.SQLitePath = envString("STORAGE_SQLITE_PATH", c.Storage.SQLitePath)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.MigrationsDir = envString("DATABASE_MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)
	c.Redis.CheckTTL = envDuration("CHECK_CACHE_TTL", c.Redis.CheckTTL)

	c.Security.AdminUsername = envString("ADMIN_USERNAME", c.Security.AdminUsername)
	c.Security.AdminPassword = envString("ADMIN_PASSWORD", c.Security.AdminPassword)
	c.Security.AdminPasswordHash = envString("ADMIN_PASSWORD_HASH", c.Security.AdminPasswordHash)
	c.Security.JWTSecret = envString("JWT_SECRET", c.Security.JWTSecret)
	c.Security.JWTTTL = envDuration("JWT_TTL", c.Security.JWTTTL)

	c.License.KeyPrefix = envString("LICENSE_KEY_PREFIX", c.License.KeyPrefix)
	c.License.DefaultMaxActivations = envInt("LICENSE_DEFAULT_MAX_ACTIVATIONS", c.License.DefaultMaxActivations)
	c.License.DefaultExpiryDays = envInt("LICENSE_DEFAULT_EXPIRY_DAYS", c.License.DefaultExpiryDays)
	c.License.ActivationMaxAttempts = envInt("ACTIVATION_MAX_ATTEMPTS", c.License.ActivationMaxAttempts)
	c.License.KeygenMaxAttempts = envInt("KEYGEN_MAX_ATTEMPTS", c.License.KeygenMaxAttempts)
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) validate(withSecurity bool) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("LUMINA_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("STORAGE_TYPE must be one of json, sqlite, postgres; got %q", c.Storage.Type)
	}
	if c.Storage.Type == StorageJSON && c.Storage.JSONPath == "" {
		return fmt.Errorf("STORAGE_JSON_PATH is required when STORAGE_TYPE is json")
	}
	if c.Storage.Type == StorageSQLite && c.Storage.SQLitePath == "" {
		return fmt.Errorf("STORAGE_SQLITE_PATH is required when STORAGE_TYPE is sqlite")
	}
	if c.Storage.Type == StoragePostgres && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORAGE_TYPE is postgres")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if withSecurity {
		if c.Security.AdminUsername == "" {
			return fmt.Errorf("ADMIN_USERNAME is required")
		}
		if c.Security.AdminPassword == "" && c.Security.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required")
		}
		if c.Security.JWTSecret == "" && !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET is required when LUMINA_ENV is %s", c.Server.Env)
		}
		if c.Security.JWTTTL <= 0 {
			return fmt.Errorf("JWT_TTL must be positive")
		}
	}

	if !keyPrefixPattern.MatchString(c.License.KeyPrefix) {
		return fmt.Errorf("LICENSE_KEY_PREFIX must be 1-8 uppercase alphanumerics, got %q", c.License.KeyPrefix)
	}
	if c.License.DefaultMaxActivations < 1 {
		return fmt.Errorf("LICENSE_DEFAULT_MAX_ACTIVATIONS must be at least 1")
	}
	if c.License.DefaultExpiryDays < 0 {
		return fmt.Errorf("LICENSE_DEFAULT_EXPIRY_DAYS must not be negative")
	}
	if c.License.ActivationMaxAttempts < 1 {
		return fmt.Errorf("ACTIVATION_MAX_ATTEMPTS must be at least 1")
	}
	if c.License.KeygenMaxAttempts < 1 {
		return fmt.Errorf("KEYGEN_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
