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
)

// Known backend names accepted by the routing configuration
const (
	BackendAnthropic  = "anthropic"
	BackendOpenRouter = "openrouter"
	BackendGemini     = "gemini"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Providers     ProvidersConfig
	Routing       RoutingConfig
	Health        HealthConfig
	Failover      FailoverConfig
	Catalog       CatalogConfig
	Report        ReportConfig
	Auth          AuthConfig
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
	AllowedOrigins  []string

	// StreamTimeout replaces WriteTimeout on SSE responses; 0 removes the deadline
	StreamTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration for the usage history store.
// When neither ConnectionString nor Host is set, usage is kept in memory.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration

	// MemoryMaxRecords caps the in-memory usage store
	MemoryMaxRecords int
}

// ProvidersConfig holds per-backend configuration
type ProvidersConfig struct {
	Anthropic  BackendConfig
	OpenRouter BackendConfig
	Gemini     BackendConfig
}

// BackendConfig holds the connection settings of one inference backend
type BackendConfig struct {
	APIKey     string
	BaseURL    string
	Region     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Headers    map[string]string
}

// RoutingConfig selects the primary and fallback backends of the factory
type RoutingConfig struct {
	Primary      string
	Fallback     string // empty disables the fallback slot
	AutoFallback bool
}

// HealthConfig controls the health monitor
type HealthConfig struct {
	Interval           time.Duration
	ProbeTimeout       time.Duration
	Concurrency        int
	WindowSize         int
	LatencyWindow      int
	FailureThreshold   int
	ErrorRateThreshold float64 // percent
	LatencyThreshold   time.Duration
	AlertCooldown      time.Duration
	AlertBuffer        int
}

// FailoverConfig controls circuit breaking between backends
type FailoverConfig struct {
	Priority         []string
	FailureThreshold int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	AutoFailback     bool
	EventLogSize     int
}

// CatalogConfig locates the model map and pricing catalog
type CatalogConfig struct {
	File             string // empty uses the embedded default catalog
	ModelCacheTTL    time.Duration
	OpenRouterMarkup float64
}

// ReportConfig tunes the optimization report heuristics. Zero fields keep the defaults.
type ReportConfig struct {
	LowComplexityTokens float64
	BatchMinRequests    int
	BatchMaxTokens      float64
	BatchingSavingsRate float64
	CacheMinRepeatShare float64
	HighShare           float64
	MediumShare         float64
}

// AuthConfig holds operator token validation settings
type AuthConfig struct {
	JWTSecret    string
	Issuer       string
	OperatorRole string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			StreamTimeout:   getEnvAsDuration("SERVER_STREAM_TIMEOUT", 10*time.Minute),
		},
		Database: loadDatabaseConfig(),
		Providers: ProvidersConfig{
			Anthropic:  loadBackendConfig("ANTHROPIC"),
			OpenRouter: loadBackendConfig("OPENROUTER"),
			Gemini:     loadBackendConfig("GEMINI"),
		},
		Routing: RoutingConfig{
			Primary:      getEnv("ROUTING_PRIMARY", BackendAnthropic),
			Fallback:     optionalBackend(getEnv("ROUTING_FALLBACK", BackendOpenRouter)),
			AutoFallback: getEnvAsBool("ROUTING_AUTO_FALLBACK", true),
		},
		Health: HealthConfig{
			Interval:           getEnvAsDuration("HEALTH_INTERVAL", 30*time.Second),
			ProbeTimeout:       getEnvAsDuration("HEALTH_PROBE_TIMEOUT", 10*time.Second),
			Concurrency:        getEnvAsInt("HEALTH_CONCURRENCY", 4),
			WindowSize:         getEnvAsInt("HEALTH_WINDOW_SIZE", 20),
			LatencyWindow:      getEnvAsInt("HEALTH_LATENCY_WINDOW", 20),
			FailureThreshold:   getEnvAsInt("HEALTH_FAILURE_THRESHOLD", 3),
			ErrorRateThreshold: getEnvAsFloat("HEALTH_ERROR_RATE_THRESHOLD", 50),
			LatencyThreshold:   getEnvAsDuration("HEALTH_LATENCY_THRESHOLD", 10*time.Second),
			AlertCooldown:      getEnvAsDuration("HEALTH_ALERT_COOLDOWN", 5*time.Minute),
			AlertBuffer:        getEnvAsInt("HEALTH_ALERT_BUFFER", 64),
		},
		Failover: FailoverConfig{
			Priority:         getEnvAsList("FAILOVER_PRIORITY", []string{BackendAnthropic, BackendOpenRouter, BackendGemini}),
			FailureThreshold: getEnvAsInt("FAILOVER_FAILURE_THRESHOLD", 3),
			InitialBackoff:   getEnvAsDuration("FAILOVER_INITIAL_BACKOFF", 30*time.Second),
			MaxBackoff:       getEnvAsDuration("FAILOVER_MAX_BACKOFF", 10*time.Minute),
			AutoFailback:     getEnvAsBool("FAILOVER_AUTO_FAILBACK", true),
			EventLogSize:     getEnvAsInt("FAILOVER_EVENT_LOG_SIZE", 100),
		},
		Catalog: CatalogConfig{
			File:             getEnv("CATALOG_FILE", ""),
			ModelCacheTTL:    getEnvAsDuration("MODEL_CACHE_TTL", 5*time.Minute),
			OpenRouterMarkup: getEnvAsFloat("PRICING_OPENROUTER_MARKUP", 1.1),
		},
		Report: ReportConfig{
			LowComplexityTokens: getEnvAsFloat("REPORT_LOW_COMPLEXITY_TOKENS", 1000),
			BatchMinRequests:    getEnvAsInt("REPORT_BATCH_MIN_REQUESTS", 100),
			BatchMaxTokens:      getEnvAsFloat("REPORT_BATCH_MAX_TOKENS", 300),
			BatchingSavingsRate: getEnvAsFloat("REPORT_BATCHING_SAVINGS_RATE", 0.15),
			CacheMinRepeatShare: getEnvAsFloat("REPORT_CACHE_MIN_REPEAT_SHARE", 0.1),
			HighShare:           getEnvAsFloat("REPORT_HIGH_SHARE", 0.2),
			MediumShare:         getEnvAsFloat("REPORT_MEDIUM_SHARE", 0.05),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
			Issuer:       getEnv("AUTH_JWT_ISSUER", ""),
			OperatorRole: getEnv("AUTH_OPERATOR_ROLE", "operator"),
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
	// Database is optional, but a host without credentials is a mistake
	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Routing validation
	if !isKnownBackend(c.Routing.Primary) {
		return fmt.Errorf("unknown primary backend %q", c.Routing.Primary)
	}
	if c.Routing.Fallback != "" {
		if !isKnownBackend(c.Routing.Fallback) {
			return fmt.Errorf("unknown fallback backend %q", c.Routing.Fallback)
		}
		if c.Routing.Fallback == c.Routing.Primary {
			return fmt.Errorf("fallback backend must differ from primary")
		}
	}
	for _, b := range c.Failover.Priority {
		if !isKnownBackend(b) {
			return fmt.Errorf("unknown backend %q in failover priority", b)
		}
	}

	// Provider validation (the primary must have credentials in production)
	if c.IsProduction() && c.Providers.Get(c.Routing.Primary).APIKey == "" {
		return fmt.Errorf("primary backend %s must be configured in production", c.Routing.Primary)
	}

	// Thresholds
	if c.Health.FailureThreshold <= 0 || c.Failover.FailureThreshold <= 0 {
		return fmt.Errorf("failure thresholds must be positive")
	}
	if c.Health.WindowSize <= 0 || c.Health.LatencyWindow <= 0 {
		return fmt.Errorf("health windows must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if c.Failover.EventLogSize <= 0 {
		return fmt.Errorf("failover event log size must be positive")
	}
	if c.Catalog.OpenRouterMarkup <= 0 {
		return fmt.Errorf("openrouter markup must be positive")
	}

	// Operator routes need a signing secret in production
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required in production")
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

// Get returns the configuration of a backend by name
func (p *ProvidersConfig) Get(name string) BackendConfig {
	switch name {
	case BackendAnthropic:
		return p.Anthropic
	case BackendOpenRouter:
		return p.OpenRouter
	case BackendGemini:
		return p.Gemini
	}
	return BackendConfig{}
}

// Configured returns the names of backends with an API key, in a stable order
func (p *ProvidersConfig) Configured() []string {
	var out []string
	for _, name := range []string{BackendAnthropic, BackendOpenRouter, BackendGemini} {
		if p.Get(name).APIKey != "" {
			out = append(out, name)
		}
	}
	return out
}

// Enabled reports whether a PostgreSQL usage store is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		MemoryMaxRecords: getEnvAsInt("USAGE_MEMORY_MAX_RECORDS", 100_000),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "llm_failover")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// loadBackendConfig reads <PREFIX>_API_KEY, <PREFIX>_BASE_URL and friends
func loadBackendConfig(prefix string) BackendConfig {
	return BackendConfig{
		APIKey:     getEnv(prefix+"_API_KEY", ""),
		BaseURL:    getEnv(prefix+"_BASE_URL", ""),
		Region:     getEnv(prefix+"_REGION", ""),
		Timeout:    getEnvAsDuration(prefix+"_TIMEOUT", 60*time.Second),
		MaxRetries: getEnvAsInt(prefix+"_MAX_RETRIES", 3),
		RetryDelay: getEnvAsDuration(prefix+"_RETRY_DELAY", 500*time.Millisecond),
		Headers:    getEnvAsMap(prefix + "_HEADERS"),
	}
}

// optionalBackend maps "none" to the empty name
func optionalBackend(name string) string {
	if strings.EqualFold(name, "none") {
		return ""
	}
	return name
}

func isKnownBackend(name string) bool {
	switch name {
	case BackendAnthropic, BackendOpenRouter, BackendGemini:
		return true
	}
	return false
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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

// getEnvAsList splits a comma-separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsMap parses "k1=v1,k2=v2"
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvAsList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
