package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Exchanges lists the supported exchange codes in processing order.
var Exchanges = []string{"LSE", "CME", "NYQ"}

// Config carries everything the job runner and the dashboard need. Values come
// from the environment (optionally seeded from a .env file) with an optional
// config.yaml overriding the source-layout defaults.
type Config struct {
	// Object store
	S3Bucket       string        `yaml:"s3_bucket"`
	S3Region       string        `yaml:"s3_region"`
	Vendor         string        `yaml:"vendor"`
	Product        string        `yaml:"product"`
	RequestTimeout time.Duration `yaml:"-"`

	// Analytical store
	DatabasePath string `yaml:"database_path"`

	// Remote ledger (Supabase)
	SupabaseHost     string `yaml:"-"`
	SupabasePort     int    `yaml:"-"`
	SupabaseUser     string `yaml:"-"`
	SupabasePassword string `yaml:"-"`
	SupabaseDatabase string `yaml:"-"`
	RemoteTimeout    time.Duration `yaml:"-"`

	// Shutdown coordination
	ShutdownFlagPath string `yaml:"shutdown_flag_path"`

	// Claim staleness: a foreign 'started' progress record older than this is
	// treated as abandoned and may be reclaimed.
	StaleClaimAfter time.Duration `yaml:"-"`

	// Dashboard
	DashboardPort string `yaml:"dashboard_port"`

	LogsDir string `yaml:"logs_dir"`
}

// Load builds the configuration from the process environment. A .env file in
// the working directory is honoured when present; explicit environment
// variables win over it.
func Load() (*Config, error) {
	// A missing .env is fine; it is a developer convenience only.
	_ = godotenv.Load()

	cfg := &Config{
		S3Bucket:         getEnvDefault("S3_BUCKET", "vendor-data-s3"),
		S3Region:         getEnvDefault("AWS_DEFAULT_REGION", "us-east-1"),
		Vendor:           getEnvDefault("DATA_VENDOR", "LSEG"),
		Product:          getEnvDefault("DATA_PRODUCT", "TRTH"),
		RequestTimeout:   getEnvDuration("S3_REQUEST_TIMEOUT", 60*time.Second),
		DatabasePath:     getEnvDefault("DUCKDB_DATABASE_PATH", "./multi_exchange_data_lake.duckdb"),
		SupabaseHost:     os.Getenv("SUPABASE_HOST"),
		SupabasePort:     getEnvInt("SUPABASE_PORT", 6543),
		SupabaseUser:     os.Getenv("SUPABASE_USER"),
		SupabasePassword: os.Getenv("SUPABASE_PASSWORD"),
		SupabaseDatabase: getEnvDefault("SUPABASE_DATABASE", "postgres"),
		RemoteTimeout:    getEnvDuration("SUPABASE_CONNECT_TIMEOUT", 10*time.Second),
		ShutdownFlagPath: getEnvDefault("SHUTDOWN_FLAG_PATH", "./shutdown_load_january.flag"),
		StaleClaimAfter:  getEnvDuration("STALE_CLAIM_AFTER", 2*time.Hour),
		DashboardPort:    getEnvDefault("DASHBOARD_PORT", "12345"),
		LogsDir:          getEnvDefault("LOGS_DIR", "./logs"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyYAML(path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("config.yaml"); err == nil {
		if err := cfg.applyYAML("config.yaml"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// RemoteConfigured reports whether the Supabase mirror has enough credentials
// to attempt a connection. Missing credentials are not an error; the mirror
// simply stays disabled.
func (c *Config) RemoteConfigured() bool {
	return c.SupabaseHost != "" && c.SupabaseUser != "" && c.SupabasePassword != ""
}

// RemoteDSN renders the pgx connection string for the Supabase mirror.
func (c *Config) RemoteDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=require&connect_timeout=%d",
		c.SupabaseUser, c.SupabasePassword, c.SupabaseHost, c.SupabasePort,
		c.SupabaseDatabase, int(c.RemoteTimeout.Seconds()),
	)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
