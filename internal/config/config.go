// Package config handles application configuration and environment loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"querybook/internal/resultstore"
)

// Config holds the configuration of the execution service.
type Config struct {
	MetaDBPath  string // path to SQLite metadata file
	ListenAddr  string // HTTP listen address (default ":8080")
	TLSCertFile string // TLS certificate file path (optional)
	TLSKeyFile  string // TLS private key file path (optional)
	LogLevel    string // log level: debug, info, warn, error (default "info")
	Env         string // environment: "development" (default) or "production"
	EnginesFile string // YAML file with engines and metastores (default "engines.yaml")

	// Execution
	PollInterval       time.Duration // sleep between two polls (default 5s)
	ExecutionTimeLimit time.Duration // wall-clock budget per execution (default 48h)
	WorkerConcurrency  int           // executions run at once (default 8)
	RecoverySchedule   string        // cron schedule of the recovery sweep (default "@every 5m")
	RecoveryGrace      time.Duration // age before an orphan is failed (default 20m)

	// Result store
	ResultStore    string // db, file, s3, gcs or azblob (default "db")
	ResultMaxBytes int    // maximum stored bytes per statement result (default 10MiB)
	ResultDir      string // root directory of the file store

	// S3 fields are optional; nil when not configured.
	S3KeyID     *string
	S3Secret    *string
	S3Endpoint  *string
	S3Region    *string
	S3Bucket    *string
	S3Prefix    string
	S3PathStyle bool

	GCSKeyFile string
	GCSBucket  string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string

	// Notifications
	NotifyWebhookURL string

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if all required S3 fields are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil && c.S3Bucket != nil
}

// ResultStoreOptions returns the result store configuration.
func (c *Config) ResultStoreOptions() resultstore.Options {
	return resultstore.Options{
		Scheme:   c.ResultStore,
		MaxBytes: c.ResultMaxBytes,
		Dir:      c.ResultDir,
		S3: resultstore.S3Options{
			Endpoint:  deref(c.S3Endpoint),
			Region:    deref(c.S3Region),
			KeyID:     deref(c.S3KeyID),
			Secret:    deref(c.S3Secret),
			Bucket:    deref(c.S3Bucket),
			Prefix:    c.S3Prefix,
			PathStyle: c.S3PathStyle,
		},
		GCS: resultstore.GCSOptions{
			KeyFile: c.GCSKeyFile,
			Bucket:  c.GCSBucket,
		},
		Azure: resultstore.AzureOptions{
			AccountName: c.AzureAccountName,
			AccountKey:  c.AzureAccountKey,
			Container:   c.AzureContainer,
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Storage variables are optional; results default to the metadata database.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:       os.Getenv("META_DB_PATH"),
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
		TLSCertFile:      os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:       os.Getenv("TLS_KEY_FILE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Env:              os.Getenv("ENV"),
		EnginesFile:      os.Getenv("ENGINES_FILE"),
		RecoverySchedule: os.Getenv("RECOVERY_SCHEDULE"),
		ResultStore:      strings.ToLower(os.Getenv("RESULT_STORE")),
		ResultDir:        os.Getenv("RESULT_DIR"),
		S3Prefix:         os.Getenv("RESULT_S3_PREFIX"),
		S3PathStyle:      parseBoolEnvDefault("S3_PATH_STYLE", false),
		GCSKeyFile:       os.Getenv("GCS_KEY_FILE"),
		GCSBucket:        os.Getenv("GCS_BUCKET"),
		AzureAccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
		AzureAccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
		AzureContainer:   os.Getenv("AZURE_CONTAINER"),
		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
	}

	var err error
	if cfg.PollInterval, err = parseDurationEnv("POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeLimit, err = parseDurationEnv("EXECUTION_TIME_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.RecoveryGrace, err = parseDurationEnv("RECOVERY_GRACE"); err != nil {
		return nil, err
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("WORKER_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.WorkerConcurrency = n
	}
	if v := os.Getenv("RESULT_MAX_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("RESULT_MAX_BYTES must be a positive integer, got %q", v)
		}
		cfg.ResultMaxBytes = n
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		cfg.S3Bucket = &v
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "querybook_meta.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.EnginesFile == "" {
		cfg.EnginesFile = "engines.yaml"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ExecutionTimeLimit == 0 {
		cfg.ExecutionTimeLimit = 48 * time.Hour
	}
	if cfg.WorkerConcurrency == 0 {
		cfg.WorkerConcurrency = 8
	}
	if cfg.RecoverySchedule == "" {
		cfg.RecoverySchedule = "@every 5m"
	}
	if cfg.RecoveryGrace == 0 {
		cfg.RecoveryGrace = 20 * time.Minute
	}
	if cfg.ResultStore == "" {
		cfg.ResultStore = "db"
	}
	if cfg.ResultMaxBytes == 0 {
		cfg.ResultMaxBytes = resultstore.DefaultMaxBytes
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if err := cfg.validateResultStore(); err != nil {
		return nil, err
	}
	if cfg.ResultStore == "db" {
		cfg.Warnings = append(cfg.Warnings, "results are stored in the metadata database; set RESULT_STORE for large deployments")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func (c *Config) validateResultStore() error {
	switch c.ResultStore {
	case "db":
	case "file":
		if c.ResultDir == "" {
			return fmt.Errorf("RESULT_DIR is required when RESULT_STORE=file")
		}
	case "s3":
		if !c.HasS3Config() {
			return fmt.Errorf("KEY_ID, SECRET and BUCKET are required when RESULT_STORE=s3")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when RESULT_STORE=gcs")
		}
	case "azblob":
		if c.AzureAccountName == "" || c.AzureAccountKey == "" || c.AzureContainer == "" {
			return fmt.Errorf("AZURE_ACCOUNT_NAME, AZURE_ACCOUNT_KEY and AZURE_CONTAINER are required when RESULT_STORE=azblob")
		}
	default:
		return fmt.Errorf("unknown RESULT_STORE %q (want db, file, s3, gcs or azblob)", c.ResultStore)
	}
	return nil
}

// parseDurationEnv accepts Go durations ("90s") and plain seconds ("90").
func parseDurationEnv(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// LoadDotEnv copies the variables of a .env file into the environment.
// Variables that are already set and non-empty win; a missing file is fine.
func LoadDotEnv(path string) error {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for key, value := range vars {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setenv %s: %w", key, err)
		}
	}
	return nil
}
