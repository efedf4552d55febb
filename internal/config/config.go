// Package config provides centralized configuration management for the row
// store server and the mat client.
//
// Every section has a Default constructor and a FromEnv constructor that
// applies environment overrides on top of it. Invalid values are ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	TrustProxy      bool // Honour X-Forwarded-For when behind a proxy
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:            8080,
		CORSOrigins:     []string{"http://localhost:*", "http://127.0.0.1:*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if origins := getEnvList("CORS_ORIGINS"); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	if d := getEnvDuration("SHUTDOWN_TIMEOUT", 0); d > 0 {
		cfg.ShutdownTimeout = d
	}
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", cfg.TrustProxy)

	return cfg
}

// Addr is the listen address for the API.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// =============================================================================
// STORE CONFIGURATION
// =============================================================================

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the row store backend.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultStore returns the default store configuration.
func DefaultStore() StoreConfig {
	return StoreConfig{
		Backend:       BackendMemory,
		DBHost:        "localhost",
		DBPort:        5432,
		DBUser:        "postgres",
		DBName:        "kot_mats",
		DBSSLMode:     "disable",
		MaxRetries:    3,
		RetryInterval: 5 * time.Second,
	}
}

// StoreFromEnv returns store configuration with environment variable overrides.
func StoreFromEnv() StoreConfig {
	cfg := DefaultStore()

	if b := os.Getenv("STORE_BACKEND"); b != "" {
		cfg.Backend = strings.ToLower(b)
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if p := getEnvInt("DB_PORT", 0); p > 0 {
		cfg.DBPort = p
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.DBSSLMode = v
	}
	if n := getEnvInt("DB_MAX_RETRIES", -1); n >= 0 {
		cfg.MaxRetries = n
	}
	if d := getEnvDuration("DB_RETRY_INTERVAL", 0); d > 0 {
		cfg.RetryInterval = d
	}

	return cfg
}

// DSN returns DatabaseURL when set, otherwise a keyword DSN built from the
// DB_* fields.
func (c StoreConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
	if c.DBPassword != "" {
		dsn += " password=" + c.DBPassword
	}
	return dsn
}

// Validate reports an unknown backend.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres:
		return nil
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want %s or %s)", c.Backend, BackendMemory, BackendPostgres)
	}
}

// =============================================================================
// REDIS CONFIGURATION
// =============================================================================

// RedisConfig configures the cross-instance change feed. An empty Addr means
// events only fan out inside this process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultRedis returns the default redis configuration.
func DefaultRedis() RedisConfig {
	return RedisConfig{}
}

// RedisFromEnv returns redis configuration with environment variable overrides.
func RedisFromEnv() RedisConfig {
	cfg := DefaultRedis()

	cfg.Addr = os.Getenv("REDIS_ADDR")
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		cfg.DB = db
	}

	return cfg
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// =============================================================================
// FEED CONFIGURATION
// =============================================================================

// FeedConfig tunes change feed delivery on both sides.
type FeedConfig struct {
	ReconnectDelay time.Duration // Client pause before refetching after a drop
	Buffer         int           // Per-subscriber event buffer
	PingPeriod     time.Duration // Server websocket keepalive
	MaxPerIP       int           // Concurrent feed websockets per IP
}

// DefaultFeed returns the default feed configuration.
func DefaultFeed() FeedConfig {
	return FeedConfig{
		ReconnectDelay: time.Second,
		Buffer:         256,
		PingPeriod:     30 * time.Second,
		MaxPerIP:       10,
	}
}

// FeedFromEnv returns feed configuration with environment variable overrides.
func FeedFromEnv() FeedConfig {
	cfg := DefaultFeed()

	if d := getEnvDuration("FEED_RECONNECT_DELAY", 0); d > 0 {
		cfg.ReconnectDelay = d
	}
	if n := getEnvInt("FEED_BUFFER", 0); n > 0 {
		cfg.Buffer = n
	}
	if d := getEnvDuration("FEED_PING_PERIOD", 0); d > 0 {
		cfg.PingPeriod = d
	}
	if n := getEnvInt("FEED_MAX_PER_IP", 0); n > 0 {
		cfg.MaxPerIP = n
	}

	return cfg
}

// =============================================================================
// JANITOR CONFIGURATION
// =============================================================================

// JanitorConfig controls stale room cleanup.
type JanitorConfig struct {
	Enabled  bool
	Schedule string        // robfig/cron spec
	IdleTTL  time.Duration // Rooms idle longer than this are deactivated
}

// DefaultJanitor returns the default janitor configuration.
func DefaultJanitor() JanitorConfig {
	return JanitorConfig{
		Enabled:  true,
		Schedule: "@every 1h",
		IdleTTL:  24 * time.Hour,
	}
}

// JanitorFromEnv returns janitor configuration with environment variable overrides.
func JanitorFromEnv() JanitorConfig {
	cfg := DefaultJanitor()

	cfg.Enabled = getEnvBool("JANITOR_ENABLED", cfg.Enabled)
	if s := os.Getenv("JANITOR_SCHEDULE"); s != "" {
		cfg.Schedule = s
	}
	if d := getEnvDuration("JANITOR_IDLE_TTL", 0); d > 0 {
		cfg.IdleTTL = d
	}

	return cfg
}

// =============================================================================
// RATE LIMIT CONFIGURATION
// =============================================================================

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimit returns the default rate limits.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
	}
}

// RateLimitFromEnv returns rate limits with environment variable overrides.
func RateLimitFromEnv() RateLimitConfig {
	cfg := DefaultRateLimit()

	if v := getEnvFloat("RATE_LIMIT_RPS", 0); v > 0 {
		cfg.RequestsPerSecond = v
	}
	if b := getEnvInt("RATE_LIMIT_BURST", 0); b > 0 {
		cfg.Burst = b
	}

	return cfg
}

// =============================================================================
// OBSERVABILITY CONFIGURATION
// =============================================================================

// DebugConfig controls the pprof/metrics server.
type DebugConfig struct {
	Enabled       bool
	Addr          string
	AllowExternal bool
	BasicAuthUser string
	BasicAuthPass string
}

// DefaultDebug returns the default debug server configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{
		Enabled: true,
		Addr:    "127.0.0.1:6060", // Localhost only
	}
}

// DebugFromEnv returns debug server configuration with environment variable overrides.
func DebugFromEnv() DebugConfig {
	cfg := DefaultDebug()

	cfg.Enabled = getEnvBool("DEBUG_ENABLED", cfg.Enabled)
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		cfg.Addr = a
	}
	cfg.AllowExternal = getEnvBool("ALLOW_DEBUG_EXTERNAL", false)
	cfg.BasicAuthUser = os.Getenv("DEBUG_USER")
	cfg.BasicAuthPass = os.Getenv("DEBUG_PASSWORD")

	return cfg
}

// LogConfig selects the logger flavour.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// DefaultLog returns the default logging configuration.
func DefaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "json"}
}

// LogFromEnv returns logging configuration with environment variable overrides.
func LogFromEnv() LogConfig {
	cfg := DefaultLog()

	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Level = strings.ToLower(l)
	}
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Format = strings.ToLower(f)
	}

	return cfg
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the terminal mat.
type ClientConfig struct {
	ServerURL    string
	IdentityPath string // Empty means the per-user default
	JournalPath  string // Empty disables the change journal
}

// DefaultClient returns the default client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL: "http://localhost:8080",
	}
}

// ClientFromEnv returns client configuration with environment variable overrides.
func ClientFromEnv() ClientConfig {
	cfg := DefaultClient()

	if u := os.Getenv("SERVER_URL"); u != "" {
		cfg.ServerURL = u
	}
	cfg.IdentityPath = os.Getenv("IDENTITY_PATH")
	cfg.JournalPath = os.Getenv("JOURNAL_PATH")

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Feed      FeedConfig
	Janitor   JanitorConfig
	RateLimit RateLimitConfig
	Debug     DebugConfig
	Log       LogConfig
	Client    ClientConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Server:    ServerFromEnv(),
		Store:     StoreFromEnv(),
		Redis:     RedisFromEnv(),
		Feed:      FeedFromEnv(),
		Janitor:   JanitorFromEnv(),
		RateLimit: RateLimitFromEnv(),
		Debug:     DebugFromEnv(),
		Log:       LogFromEnv(),
		Client:    ClientFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
