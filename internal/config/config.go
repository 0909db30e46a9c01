// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        // e.g. "8080"
	Env            string        // "development" | "production"
	ReadTimeout    time.Duration // default 10s
	WriteTimeout   time.Duration // default 10s
	RateLimitRPS   float64       // per-IP requests per second, default 20
	RateLimitBurst int           // default 40
	AllowedOrigins []string      // CORS and WebSocket origins in production

	BackofficePort       string   // operator listener, default "8081"
	BackofficeAllowedIPs []string // empty allows every IP
}

// DBConfig holds database connection settings.
type DBConfig struct {
	Driver          string        // "postgres" | "sqlite"
	DSN             string        // full DSN or sqlite file path
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
	AutoMigrate     bool          // apply embedded schema at boot
}

// RedisConfig holds the scheduler lease settings. An empty Addr disables
// Redis and falls back to a process-local lease.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseKey string        // default "lending:monitor:leader"
	LeaseTTL time.Duration // default 30s
}

// JWTConfig holds JWT verification settings.
type JWTConfig struct {
	Secret string // must be set
	Issuer string // optional; checked when non-empty
}

// OracleConfig holds price feed settings.
type OracleConfig struct {
	BaseURL  string
	Timeout  time.Duration // default 3s
	CacheTTL time.Duration // default 0 (every call is a fresh quote)
}

// TreasuryConfig holds transfer service settings.
type TreasuryConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // default 10s
}

// MonitorConfig holds the background loop settings.
type MonitorConfig struct {
	Enabled           bool
	Interval          time.Duration // default 5m
	LoanTimeout       time.Duration // per-loan budget inside a tick, default 20s
	ReconcileInterval time.Duration // default 1m
}

// LendingConfig holds the accounts the core moves funds between.
type LendingConfig struct {
	TreasuryAccount   string        // custody of collateral and pool stablecoin
	DeskAccount       string        // liquidation desk settling disposals
	LiquidatorAccount string        // receives the liquidator reward
	StaleAfter        time.Duration // in-flight grace before reconciliation, default 2m
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Oracle   OracleConfig
	Treasury TreasuryConfig
	Monitor  MonitorConfig
	Lending  LendingConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}

	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}
	if c.IsProd() && c.DB.Driver != "postgres" {
		errs = append(errs, errors.New("DB_DRIVER must be postgres in production"))
	}
	if c.IsProd() && os.Getenv("DATABASE_DSN") == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	if c.Oracle.BaseURL == "" {
		errs = append(errs, errors.New("ORACLE_BASE_URL must be set"))
	}
	if c.Treasury.BaseURL == "" {
		errs = append(errs, errors.New("TREASURY_BASE_URL must be set"))
	}
	if c.Lending.TreasuryAccount == "" {
		errs = append(errs, errors.New("LENDING_TREASURY_ACCOUNT must be set"))
	}
	if c.Lending.DeskAccount == "" {
		errs = append(errs, errors.New("LENDING_DESK_ACCOUNT must be set"))
	}

	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("MONITOR_INTERVAL must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.LoanTimeout <= 0 || c.Monitor.LoanTimeout >= c.Monitor.Interval {
		errs = append(errs, fmt.Errorf(
			"MONITOR_LOAN_TIMEOUT must be positive and below MONITOR_INTERVAL, got %s",
			c.Monitor.LoanTimeout,
		))
	}
	// The scheduler renews the lease every TTL/3 while a tick runs.
	if c.Redis.Addr != "" && (c.Redis.LeaseTTL <= 0 || c.Redis.LeaseTTL < c.Monitor.LoanTimeout) {
		errs = append(errs, fmt.Errorf(
			"REDIS_LEASE_TTL (%s) must be positive and cover MONITOR_LOAN_TIMEOUT (%s)",
			c.Redis.LeaseTTL, c.Monitor.LoanTimeout,
		))
	}
	if c.Server.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive, got %.2f", c.Server.RateLimitRPS))
	}
	if c.Server.BackofficePort == c.Server.Port {
		errs = append(errs, fmt.Errorf("BACKOFFICE_PORT must differ from SERVER_PORT (%s)", c.Server.Port))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails; call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()
		instance, loadErr = Load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Loader
// ──────────────────────────────────────────────────────────────────────────────

// Load reads the configuration from the current environment without caching.
func Load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	rps, err := getFloat("RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	burst, err := getInt("RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}
	cfg.Server = ServerConfig{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		AllowedOrigins: getList("CORS_ALLOWED_ORIGINS"),

		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		BackofficeAllowedIPs: getList("BACKOFFICE_ALLOWED_IPS"),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	driver := getEnv("DB_DRIVER", "postgres")
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		if driver == "sqlite" {
			dsn = "file:lending.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		} else {
			// Build DSN from individual components for convenience in dev
			dsn = fmt.Sprintf(
				"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
				getEnv("DB_HOST", "localhost"),
				getEnv("DB_PORT", "5432"),
				getEnv("DB_USER", "postgres"),
				getEnv("DB_PASSWORD", ""),
				getEnv("DB_NAME", "harvest_lending"),
				getEnv("DB_SSLMODE", "disable"),
			)
		}
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	autoMigrate, err := getBool("DB_AUTO_MIGRATE", true)
	if err != nil {
		return nil, fmt.Errorf("DB_AUTO_MIGRATE: %w", err)
	}

	cfg.DB = DBConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     autoMigrate,
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_ADDR", ""),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       redisDB,
		LeaseKey: getEnv("REDIS_LEASE_KEY", "lending:monitor:leader"),
		LeaseTTL: getDuration("REDIS_LEASE_TTL", 30*time.Second),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		Secret: getEnv("JWT_SECRET", ""),
		Issuer: getEnv("JWT_ISSUER", ""),
	}

	// ── External collaborators ────────────────────────────────────────────────
	cfg.Oracle = OracleConfig{
		BaseURL:  getEnv("ORACLE_BASE_URL", ""),
		Timeout:  getDuration("ORACLE_TIMEOUT", 3*time.Second),
		CacheTTL: getDuration("ORACLE_CACHE_TTL", 0),
	}
	cfg.Treasury = TreasuryConfig{
		BaseURL: getEnv("TREASURY_BASE_URL", ""),
		APIKey:  getEnv("TREASURY_API_KEY", ""),
		Timeout: getDuration("TREASURY_TIMEOUT", 10*time.Second),
	}

	// ── Monitor ───────────────────────────────────────────────────────────────
	enabled, err := getBool("MONITOR_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("MONITOR_ENABLED: %w", err)
	}
	cfg.Monitor = MonitorConfig{
		Enabled:           enabled,
		Interval:          getDuration("MONITOR_INTERVAL", 5*time.Minute),
		LoanTimeout:       getDuration("MONITOR_LOAN_TIMEOUT", 20*time.Second),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
	}

	// ── Lending ───────────────────────────────────────────────────────────────
	cfg.Lending = LendingConfig{
		TreasuryAccount:   getEnv("LENDING_TREASURY_ACCOUNT", ""),
		DeskAccount:       getEnv("LENDING_DESK_ACCOUNT", ""),
		LiquidatorAccount: getEnv("LENDING_LIQUIDATOR_ACCOUNT", ""),
		StaleAfter:        getDuration("LENDING_STALE_AFTER", 2*time.Minute),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getList splits a comma-separated env var, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid bool %q", v)
	}
	return b, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or unparsable.
func getDuration(key string, defaultVal time.Duration) time.Duration {
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
