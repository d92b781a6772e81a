package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/upb/paygate/internal/policy"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Policy        PolicyConfig
	Gateway       GatewayConfig
	Audit         AuditConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// PolicyConfig holds policy loading and evaluation configuration
type PolicyConfig struct {
	File            string
	Watch           bool
	WatchDebounce   time.Duration
	NoMatch         policy.NoMatchBehavior
	Mode            policy.EvaluationMode
	JanitorInterval time.Duration
}

// GatewayConfig holds request admission configuration
type GatewayConfig struct {
	SubjectHeader string
	AmountHeader  string
	UpstreamURL   string // Empty: admitted requests get 204 instead of being proxied
}

// AuditConfig holds decision audit export configuration
type AuditConfig struct {
	Enabled          bool
	BufferSize       int
	Workers          int
	SnapshotInterval time.Duration
	Database         DatabaseConfig
	RedisAddr        string
	RedisStream      string
	RedisMaxLen      int64
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from AUDIT_DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AdminConfig holds admin API authentication configuration
type AdminConfig struct {
	JWTSecret string
	Issuer    string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables.
// envFiles are loaded first when present; missing files are ignored.
func New(ctx context.Context, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	noMatch, err := policy.ParseNoMatchBehavior(getEnv("POLICY_NO_MATCH", "deny"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	mode, err := policy.ParseEvaluationMode(getEnv("POLICY_EVALUATION_MODE", "first_match_wins"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Policy: PolicyConfig{
			File:            getEnv("POLICY_FILE", "policies.yaml"),
			Watch:           getEnvAsBool("POLICY_WATCH", true),
			WatchDebounce:   getEnvAsDuration("POLICY_WATCH_DEBOUNCE", 250*time.Millisecond),
			NoMatch:         noMatch,
			Mode:            mode,
			JanitorInterval: getEnvAsDuration("WINDOW_JANITOR_INTERVAL", time.Minute),
		},
		Gateway: GatewayConfig{
			SubjectHeader: getEnv("GATEWAY_SUBJECT_HEADER", "X-Subject-Id"),
			AmountHeader:  getEnv("GATEWAY_AMOUNT_HEADER", "X-Payment-Amount"),
			UpstreamURL:   getEnv("GATEWAY_UPSTREAM_URL", ""),
		},
		Audit: AuditConfig{
			Enabled:          getEnvAsBool("AUDIT_ENABLED", true),
			BufferSize:       getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:          getEnvAsInt("AUDIT_WORKERS", 2),
			SnapshotInterval: getEnvAsDuration("AUDIT_SNAPSHOT_INTERVAL", 5*time.Minute),
			Database:         loadAuditDatabaseConfig(),
			RedisAddr:        getEnv("AUDIT_REDIS_ADDR", ""),
			RedisStream:      getEnv("AUDIT_REDIS_STREAM", "paygate:decisions"),
			RedisMaxLen:      int64(getEnvAsInt("AUDIT_REDIS_MAXLEN", 100000)),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			Issuer:    getEnv("ADMIN_JWT_ISSUER", "paygate"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Policy.File == "" {
		return fmt.Errorf("policy file is required")
	}
	if c.Gateway.SubjectHeader == "" {
		return fmt.Errorf("gateway subject header is required")
	}
	if c.Gateway.UpstreamURL != "" {
		u, err := url.Parse(c.Gateway.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("gateway upstream URL %q is not an absolute URL", c.Gateway.UpstreamURL)
		}
	}

	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return fmt.Errorf("audit buffer size must be positive")
		}
		if c.Audit.Workers <= 0 {
			return fmt.Errorf("audit workers must be positive")
		}
	}

	// Admin API secret is required in production
	if c.IsProduction() && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin JWT secret of at least 32 bytes is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether a Postgres audit sink is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from AUDIT_DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadAuditDatabaseConfig loads audit DB config from AUDIT_DATABASE_URL or AUDIT_DB_* env vars.
// With neither set the Postgres sink is disabled.
func loadAuditDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("AUDIT_DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("AUDIT_DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("AUDIT_DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("AUDIT_DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("AUDIT_DB_HOST", "")
	cfg.Port = getEnvAsInt("AUDIT_DB_PORT", 5432)
	cfg.User = getEnv("AUDIT_DB_USER", "paygate")
	cfg.Password = getEnv("AUDIT_DB_PASSWORD", "")
	cfg.Database = getEnv("AUDIT_DB_NAME", "paygate")
	cfg.SSLMode = getEnv("AUDIT_DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
