package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultTokenTTL = 7 * 24 * time.Hour

// placeholder secrets refused outside development
var weakSecrets = map[string]bool{"change-me": true, "secret": true, "changeme": true}

type Config struct {
	Port        string
	DBAdapter   string
	SQLiteFile  string
	Environment string
	CORSOrigins []string

	JwtSecret            string
	TokenTTL             time.Duration
	OwnerBootstrapSecret string

	LogLevel  string
	LogFormat string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN returns the configured DSN, or builds one from the
// individual POSTGRES_* components.
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		DBAdapter:   strings.ToLower(getenv("DB_ADAPTER", "postgres")),
		SQLiteFile:  getenv("SQLITE_FILE", "./data/quietora.db"),
		Environment: strings.ToLower(getenv("ENV", "development")),
		CORSOrigins: splitList(getenv("CORS_ORIGINS", "*")),

		JwtSecret:            os.Getenv("JWT_SECRET"),
		OwnerBootstrapSecret: os.Getenv("OWNER_BOOTSTRAP_SECRET"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "text")),

		PostgresDSN:      getenv("POSTGRES_DSN", os.Getenv("DATABASE_URL")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "quietora")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "quietora")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}
}

// LoadDatabase reads and validates only the database settings.
func LoadDatabase() (*Config, error) {
	c := load()
	if err := c.validateDatabase(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validateDatabase() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
	return nil
}

func New() (*Config, error) {
	c := load()

	ttl, err := time.ParseDuration(getenv("TOKEN_TTL", defaultTokenTTL.String()))
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %q", os.Getenv("TOKEN_TTL"))
	}
	c.TokenTTL = ttl

	if err := c.validateDatabase(); err != nil {
		return nil, err
	}

	// tokens cannot be signed without a secret
	if c.JwtSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	if c.IsProduction() {
		if weakSecrets[c.JwtSecret] {
			return nil, errors.New("JWT_SECRET must not be a placeholder in production")
		}
		if weakSecrets[c.OwnerBootstrapSecret] {
			return nil, errors.New("OWNER_BOOTSTRAP_SECRET must not be a placeholder in production")
		}
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT: %s (supported: text, json)", c.LogFormat)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
