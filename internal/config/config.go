// Package config provides configuration management for the studio gateway.
// Configuration is loaded from environment variables (optionally seeded from
// a .env file) with sensible defaults, once, at process start.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultBindAddr       = "127.0.0.1"
	DefaultPort           = 3001
	DefaultLogLevel       = "info"
	DefaultDataDir        = ".studio-gateway"
	DefaultStoreBackend   = StoreSQLite
	DefaultCORSOrigins    = "http://localhost:3000"
	DefaultMaxUploadBytes = 100 * 1024 * 1024
	DefaultMaxUploadFiles = 50
	DefaultAMQPQueue      = "project.status"
	DefaultEnvFile        = ".env"

	DefaultTimeoutShort    = 30 * time.Second
	DefaultTimeoutGenerate = 2 * time.Minute
	DefaultTimeoutVideo    = 5 * time.Minute
	DefaultTimeoutStore    = 10 * time.Second
	DefaultSweepInterval   = time.Minute

	// Database filename
	DBFilename = "studio.db"

	// Store backends
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreSupabase = "supabase"

	// Environment variable names
	EnvEnvFile         = "STUDIO_ENV_FILE"
	EnvBindAddr        = "STUDIO_BIND_ADDR"
	EnvPort            = "STUDIO_PORT"
	EnvLogLevel        = "STUDIO_LOG_LEVEL"
	EnvMediaBaseURL    = "STUDIO_MEDIA_BASE_URL"
	EnvStoreBackend    = "STUDIO_STORE_BACKEND"
	EnvSQLitePath      = "STUDIO_SQLITE_PATH"
	EnvPostgresDSN     = "STUDIO_POSTGRES_DSN"
	EnvSupabaseURL     = "STUDIO_SUPABASE_URL"
	EnvSupabaseKey     = "STUDIO_SUPABASE_KEY"
	EnvCORSOrigins     = "STUDIO_CORS_ORIGINS"
	EnvMaxUploadBytes  = "STUDIO_MAX_UPLOAD_BYTES"
	EnvMaxUploadFiles  = "STUDIO_MAX_UPLOAD_FILES"
	EnvTimeoutShort    = "STUDIO_TIMEOUT_SHORT"
	EnvTimeoutGenerate = "STUDIO_TIMEOUT_GENERATE"
	EnvTimeoutVideo    = "STUDIO_TIMEOUT_VIDEO"
	EnvTimeoutStore    = "STUDIO_TIMEOUT_STORE"
	EnvJWTSecret       = "STUDIO_JWT_SECRET"
	EnvJWTAudience     = "STUDIO_JWT_AUDIENCE"
	EnvAMQPURL         = "STUDIO_AMQP_URL"
	EnvAMQPQueue       = "STUDIO_AMQP_QUEUE"
	EnvSweepInterval   = "STUDIO_SWEEP_INTERVAL"
	EnvProcessingStale = "STUDIO_PROCESSING_STALE_AFTER"
)

// Config defines the application configuration interface
type Config interface {
	BindAddr() string
	Port() int
	LogLevel() string
	MediaBaseURL() string
	StoreBackend() string
	SQLitePath() string
	PostgresDSN() string
	SupabaseURL() string
	SupabaseKey() string
	CORSOrigins() []string
	MaxUploadBytes() int64
	MaxUploadFiles() int
	TimeoutShort() time.Duration
	TimeoutGenerate() time.Duration
	TimeoutVideo() time.Duration
	TimeoutStore() time.Duration
	JWTSecret() string
	JWTAudience() string
	AMQPURL() string
	AMQPQueue() string
	SweepInterval() time.Duration
	ProcessingStaleAfter() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	bindAddr       string
	port           int
	logLevel       string
	mediaBaseURL   string
	storeBackend   string
	sqlitePath     string
	postgresDSN    string
	supabaseURL    string
	supabaseKey    string
	corsOrigins    []string
	maxUploadBytes int64
	maxUploadFiles int

	timeoutShort    time.Duration
	timeoutGenerate time.Duration
	timeoutVideo    time.Duration
	timeoutStore    time.Duration

	jwtSecret   string
	jwtAudience string
	amqpURL     string
	amqpQueue   string

	sweepInterval   time.Duration
	processingStale time.Duration
}

// New loads the optional .env file, then builds an EnvConfig with defaults
// and environment variable overrides. Values already present in the process
// environment win over the file.
func New() (*EnvConfig, error) {
	envFile := os.Getenv(EnvEnvFile)
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := &EnvConfig{
		bindAddr:        DefaultBindAddr,
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		storeBackend:    DefaultStoreBackend,
		sqlitePath:      filepath.Join(defaultDataDir(), DBFilename),
		corsOrigins:     splitList(DefaultCORSOrigins),
		maxUploadBytes:  DefaultMaxUploadBytes,
		maxUploadFiles:  DefaultMaxUploadFiles,
		timeoutShort:    DefaultTimeoutShort,
		timeoutGenerate: DefaultTimeoutGenerate,
		timeoutVideo:    DefaultTimeoutVideo,
		timeoutStore:    DefaultTimeoutStore,
		amqpQueue:       DefaultAMQPQueue,
		sweepInterval:   DefaultSweepInterval,
	}

	if v := os.Getenv(EnvBindAddr); v != "" {
		cfg.bindAddr = v
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	cfg.mediaBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv(EnvMediaBaseURL)), "/")
	if cfg.mediaBaseURL == "" {
		return nil, fmt.Errorf("%s is required", EnvMediaBaseURL)
	}
	if err := validateHTTPURL(cfg.mediaBaseURL); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvMediaBaseURL, err)
	}

	if err := cfg.loadStore(); err != nil {
		return nil, err
	}

	if v := os.Getenv(EnvCORSOrigins); v != "" {
		cfg.corsOrigins = splitList(v)
	}
	for _, o := range cfg.corsOrigins {
		if o == "*" {
			return nil, fmt.Errorf("invalid %s: wildcard origin is not allowed", EnvCORSOrigins)
		}
	}

	if v := os.Getenv(EnvMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxUploadBytes)
		}
		cfg.maxUploadBytes = n
	}

	if v := os.Getenv(EnvMaxUploadFiles); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvMaxUploadFiles)
		}
		cfg.maxUploadFiles = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvTimeoutShort, &cfg.timeoutShort},
		{EnvTimeoutGenerate, &cfg.timeoutGenerate},
		{EnvTimeoutVideo, &cfg.timeoutVideo},
		{EnvTimeoutStore, &cfg.timeoutStore},
		{EnvSweepInterval, &cfg.sweepInterval},
		{EnvProcessingStale, &cfg.processingStale},
	}
	for _, d := range durations {
		if err := parseDuration(d.env, d.dst); err != nil {
			return nil, err
		}
	}
	if cfg.processingStale == 0 {
		cfg.processingStale = cfg.timeoutVideo + time.Minute
	}
	if cfg.processingStale <= cfg.timeoutVideo {
		return nil, fmt.Errorf("invalid %s: must exceed %s", EnvProcessingStale, EnvTimeoutVideo)
	}

	cfg.jwtSecret = os.Getenv(EnvJWTSecret)
	cfg.jwtAudience = os.Getenv(EnvJWTAudience)
	cfg.amqpURL = os.Getenv(EnvAMQPURL)
	if v := os.Getenv(EnvAMQPQueue); v != "" {
		cfg.amqpQueue = v
	}

	return cfg, nil
}

func (c *EnvConfig) loadStore() error {
	if v := os.Getenv(EnvStoreBackend); v != "" {
		c.storeBackend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		c.sqlitePath = v
	}
	c.postgresDSN = os.Getenv(EnvPostgresDSN)
	c.supabaseURL = strings.TrimRight(os.Getenv(EnvSupabaseURL), "/")
	c.supabaseKey = os.Getenv(EnvSupabaseKey)

	switch c.storeBackend {
	case StoreSQLite:
	case StorePostgres:
		if c.postgresDSN == "" {
			return fmt.Errorf("%s is required for the postgres store", EnvPostgresDSN)
		}
	case StoreSupabase:
		if c.supabaseURL == "" || c.supabaseKey == "" {
			return fmt.Errorf("%s and %s are required for the supabase store", EnvSupabaseURL, EnvSupabaseKey)
		}
		if err := validateHTTPURL(c.supabaseURL); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSupabaseURL, err)
		}
	default:
		return fmt.Errorf("invalid %s: %q (want sqlite, postgres or supabase)", EnvStoreBackend, c.storeBackend)
	}
	return nil
}

// BindAddr returns the listen host
func (c *EnvConfig) BindAddr() string {
	return c.bindAddr
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// MediaBaseURL returns the media service base URL without trailing slash
func (c *EnvConfig) MediaBaseURL() string {
	return c.mediaBaseURL
}

func (c *EnvConfig) StoreBackend() string {
	return c.storeBackend
}

func (c *EnvConfig) SQLitePath() string {
	return c.sqlitePath
}

func (c *EnvConfig) PostgresDSN() string {
	return c.postgresDSN
}

func (c *EnvConfig) SupabaseURL() string {
	return c.supabaseURL
}

func (c *EnvConfig) SupabaseKey() string {
	return c.supabaseKey
}

// CORSOrigins returns the browser origins allowed to call the API
func (c *EnvConfig) CORSOrigins() []string {
	return append([]string(nil), c.corsOrigins...)
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *EnvConfig) MaxUploadFiles() int {
	return c.maxUploadFiles
}

func (c *EnvConfig) TimeoutShort() time.Duration {
	return c.timeoutShort
}

func (c *EnvConfig) TimeoutGenerate() time.Duration {
	return c.timeoutGenerate
}

func (c *EnvConfig) TimeoutVideo() time.Duration {
	return c.timeoutVideo
}

func (c *EnvConfig) TimeoutStore() time.Duration {
	return c.timeoutStore
}

// JWTSecret returns the HS256 secret; empty disables bearer verification
func (c *EnvConfig) JWTSecret() string {
	return c.jwtSecret
}

func (c *EnvConfig) JWTAudience() string {
	return c.jwtAudience
}

// AMQPURL returns the broker URL; empty disables status events
func (c *EnvConfig) AMQPURL() string {
	return c.amqpURL
}

func (c *EnvConfig) AMQPQueue() string {
	return c.amqpQueue
}

func (c *EnvConfig) SweepInterval() time.Duration {
	return c.sweepInterval
}

// ProcessingStaleAfter returns how long a project may stay in processing
// before the sweeper fails it
func (c *EnvConfig) ProcessingStaleAfter() time.Duration {
	return c.processingStale
}

func parseDuration(env string, dst *time.Duration) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", env, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", env)
	}
	*dst = d
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
