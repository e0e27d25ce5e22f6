package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SCSIExpress/pacsync/pkg/log"
)

// Placeholder secrets that ship in sample configs and must never be
// accepted at startup.
var placeholderSecrets = map[string]bool{
	"":                        true,
	"changeme":                true,
	"change-me":               true,
	"your-secret-key":         true,
	"replace-with-random-key": true,
}

// Config is the full typed configuration snapshot for the coordinator
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	API      APIConfig      `yaml:"api"`
	Features FeatureConfig  `yaml:"features"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the host:port listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseType selects the persistence backend
type DatabaseType string

const (
	DatabaseInternal   DatabaseType = "internal"
	DatabasePostgreSQL DatabaseType = "postgresql"
)

// DatabaseConfig controls the persistence layer
type DatabaseConfig struct {
	Type        DatabaseType `yaml:"type"`
	URL         string       `yaml:"url"`
	PoolMinSize int          `yaml:"pool_min_size"`
	PoolMaxSize int          `yaml:"pool_max_size"`
}

// SecurityConfig controls token issuance and admin access
type SecurityConfig struct {
	JWTSecretKey     string   `yaml:"jwt_secret_key"`
	TokenExpiryHours int      `yaml:"token_expiry_hours"`
	AdminTokens      []string `yaml:"admin_tokens"`
}

// APIConfig controls request handling budgets
type APIConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// FeatureConfig gates optional subsystems
type FeatureConfig struct {
	RepositoryAnalysis bool `yaml:"repository_analysis"`
	AutoCleanup        bool `yaml:"auto_cleanup"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:        DatabaseInternal,
			URL:         "/var/lib/pacsync",
			PoolMinSize: 2,
			PoolMaxSize: 10,
		},
		Security: SecurityConfig{
			TokenExpiryHours: 24 * 30,
		},
		API: APIConfig{
			RateLimitPerMinute: 120,
		},
		Features: FeatureConfig{
			RepositoryAnalysis: true,
			AutoCleanup:        true,
		},
		Log: LogConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads configuration from an optional YAML file, applies PACSYNC_*
// environment overrides and validates the result. A missing file is not an
// error; a malformed file or an invalid final configuration is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := decodeStrictish(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrictish decodes YAML into cfg, warning on unknown keys instead of
// failing. Required-key enforcement happens in Validate.
func decodeStrictish(data []byte, cfg *Config) error {
	// First pass: known fields only.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}

	// Second pass: diff top-level keys against the known set.
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"server": true, "database": true, "security": true,
		"api": true, "features": true, "log": true,
	}
	for key := range raw {
		if !known[key] {
			log.Logger.Warn().Str("key", key).Msg("unknown configuration key ignored")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Logger.Warn().Str("var", env).Str("value", v).Msg("ignoring non-integer environment override")
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v, ok := os.LookupEnv(env); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				log.Logger.Warn().Str("var", env).Str("value", v).Msg("ignoring non-boolean environment override")
			}
		}
	}

	setString("PACSYNC_SERVER_HOST", &cfg.Server.Host)
	setInt("PACSYNC_SERVER_PORT", &cfg.Server.Port)
	if v, ok := os.LookupEnv("PACSYNC_SERVER_CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitNonEmpty(v)
	}

	if v, ok := os.LookupEnv("PACSYNC_DATABASE_TYPE"); ok {
		cfg.Database.Type = DatabaseType(v)
	}
	setString("PACSYNC_DATABASE_URL", &cfg.Database.URL)
	setInt("PACSYNC_DATABASE_POOL_MIN_SIZE", &cfg.Database.PoolMinSize)
	setInt("PACSYNC_DATABASE_POOL_MAX_SIZE", &cfg.Database.PoolMaxSize)

	setString("PACSYNC_SECURITY_JWT_SECRET_KEY", &cfg.Security.JWTSecretKey)
	setInt("PACSYNC_SECURITY_TOKEN_EXPIRY_HOURS", &cfg.Security.TokenExpiryHours)
	if v, ok := os.LookupEnv("PACSYNC_SECURITY_ADMIN_TOKENS"); ok {
		cfg.Security.AdminTokens = splitNonEmpty(v)
	}

	setInt("PACSYNC_API_RATE_LIMIT_PER_MINUTE", &cfg.API.RateLimitPerMinute)

	setBool("PACSYNC_FEATURES_REPOSITORY_ANALYSIS", &cfg.Features.RepositoryAnalysis)
	setBool("PACSYNC_FEATURES_AUTO_CLEANUP", &cfg.Features.AutoCleanup)

	setString("PACSYNC_LOG_LEVEL", &cfg.Log.Level)
	setBool("PACSYNC_LOG_STRUCTURED", &cfg.Log.Structured)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks required options. A missing or placeholder JWT secret is
// a fatal configuration error; the secret should be at least 32 random bytes.
func (c *Config) Validate() error {
	if placeholderSecrets[strings.ToLower(strings.TrimSpace(c.Security.JWTSecretKey))] {
		return fmt.Errorf("security.jwt_secret_key is missing or a placeholder; set a random secret of at least 32 bytes")
	}
	if len(c.Security.JWTSecretKey) < 16 {
		return fmt.Errorf("security.jwt_secret_key is too short (%d bytes); at least 32 random bytes recommended", len(c.Security.JWTSecretKey))
	}

	switch c.Database.Type {
	case DatabaseInternal, DatabasePostgreSQL:
	default:
		return fmt.Errorf("database.type must be %q or %q, got %q", DatabaseInternal, DatabasePostgreSQL, c.Database.Type)
	}
	if c.Database.Type == DatabasePostgreSQL && c.Database.URL == "" {
		return fmt.Errorf("database.url is required for the postgresql backend")
	}
	if c.Database.PoolMinSize < 0 || c.Database.PoolMaxSize < 1 || c.Database.PoolMinSize > c.Database.PoolMaxSize {
		return fmt.Errorf("database pool sizes invalid: min=%d max=%d", c.Database.PoolMinSize, c.Database.PoolMaxSize)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Security.TokenExpiryHours < 1 {
		return fmt.Errorf("security.token_expiry_hours must be positive, got %d", c.Security.TokenExpiryHours)
	}
	if c.API.RateLimitPerMinute < 1 {
		return fmt.Errorf("api.rate_limit_per_minute must be positive, got %d", c.API.RateLimitPerMinute)
	}
	return nil
}
