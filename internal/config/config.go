package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Server modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// History backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode is http (REST API, MCP mounted at /mcp), mcp (stdio only) or both
	// (REST API plus MCP on stdio).
	Mode string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// RedisConfig selects the Redis history backend target.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// HistoryConfig holds execution history settings.
type HistoryConfig struct {
	Backend string
	// Path is the JSON or SQLite file for the file and sqlite backends.
	Path          string
	Redis         RedisConfig
	PostgresDSN   string
	RetentionDays int
	PruneSchedule string
	// ReconcileInterrupted marks records left running by a previous process
	// as interrupted at startup.
	ReconcileInterrupted bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// TelegramConfig holds Telegram notification settings.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// NotificationConfig holds the notification policy and channels.
type NotificationConfig struct {
	OnSuccess   bool
	OnFailure   bool
	OnScheduled bool
	OnInfo      bool
	RatePerSec  int
	Bark        BarkConfig
	Telegram    TelegramConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	History      HistoryConfig
	Notification NotificationConfig

	StateDir     string
	FunctionsDir string
	Watch        bool
	UseUTC       bool
	// Timezone is an IANA name used for cron evaluation when UseUTC is off.
	// Empty means the system local zone.
	Timezone      string
	TickInterval  time.Duration
	ShutdownGrace time.Duration
}

const (
	envPrefix = "AUTORUN_"

	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultTickInterval  = time.Second
	defaultRetentionDays = 30
	defaultPruneSchedule = "0 4 * * *"
	defaultNotifyRate    = 3
	defaultShutdownGrace = 30 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return defaultVal
}

// EnvFiles lists the optional .env files, in load order: the working
// directory first, then the user config directory.
func EnvFiles() []string {
	files := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		files = append(files, filepath.Join(configDir, "autorun", ".env"))
	}
	return files
}

// Load builds a Config from defaults, .env files and AUTORUN_* environment
// variables. Variables already set in the environment win over .env files.
// Flags are applied afterwards through BindFlags.
func Load(envFiles ...string) *Config {
	for _, file := range envFiles {
		// Missing files are fine.
		_ = godotenv.Load(file)
	}

	return &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			Mode:      getEnvString("MODE", ModeHTTP),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("LOG_FORMAT", defaultLogFormat),
		},
		History: HistoryConfig{
			Backend: getEnvString("HISTORY_BACKEND", BackendFile),
			Path:    getEnvString("HISTORY_PATH", ""),
			Redis: RedisConfig{
				Addr:     getEnvString("REDIS_ADDR", "localhost:6379"),
				Password: getEnvString("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				Key:      getEnvString("REDIS_KEY", "autorun:history"),
			},
			PostgresDSN:          getEnvString("POSTGRES_DSN", ""),
			RetentionDays:        getEnvInt("RETENTION_DAYS", defaultRetentionDays),
			PruneSchedule:        getEnvString("PRUNE_SCHEDULE", defaultPruneSchedule),
			ReconcileInterrupted: getEnvBool("RECONCILE_INTERRUPTED", false),
		},
		Notification: NotificationConfig{
			OnSuccess:   getEnvBool("NOTIFY_ON_SUCCESS", false),
			OnFailure:   getEnvBool("NOTIFY_ON_FAILURE", true),
			OnScheduled: getEnvBool("NOTIFY_ON_SCHEDULED", false),
			OnInfo:      getEnvBool("NOTIFY_ON_INFO", false),
			RatePerSec:  getEnvInt("NOTIFY_RATE", defaultNotifyRate),
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			Telegram: TelegramConfig{
				Token:  getEnvString("TELEGRAM_TOKEN", ""),
				ChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
			},
		},
		StateDir:      getEnvString("STATE_DIR", ""),
		FunctionsDir:  getEnvString("FUNCTIONS_DIR", ""),
		Watch:         getEnvBool("WATCH", true),
		UseUTC:        getEnvBool("USE_UTC", false),
		Timezone:      getEnvString("TIMEZONE", ""),
		TickInterval:  getEnvDuration("TICK_INTERVAL", defaultTickInterval),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}
}

// BindLogFlags registers the logging flags shared by every command.
func (c *Config) BindLogFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format (text, json)")
}

// BindStoreFlags registers the flags needed to locate tasks and history.
func (c *Config) BindStoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "Directory for history and run logs")
	fs.StringVar(&c.FunctionsDir, "functions-dir", c.FunctionsDir, "Directory containing task units (default <state-dir>/functions)")
	fs.StringVar(&c.History.Backend, "history-backend", c.History.Backend, "History backend (file, sqlite, redis, postgres)")
	fs.StringVar(&c.History.Path, "history-path", c.History.Path, "History file for the file and sqlite backends")
	fs.StringVar(&c.History.Redis.Addr, "redis-addr", c.History.Redis.Addr, "Redis address or redis:// URL")
	fs.IntVar(&c.History.Redis.DB, "redis-db", c.History.Redis.DB, "Redis database number")
	fs.StringVar(&c.History.Redis.Key, "redis-key", c.History.Redis.Key, "Redis key holding the history document")
	fs.StringVar(&c.History.PostgresDSN, "postgres-dsn", c.History.PostgresDSN, "PostgreSQL connection string")
	fs.IntVar(&c.History.RetentionDays, "retention-days", c.History.RetentionDays, "Days of execution history to keep")
	fs.BoolVar(&c.UseUTC, "use-utc", c.UseUTC, "Use UTC for cron evaluation instead of system local time")
	fs.StringVar(&c.Timezone, "timezone", c.Timezone, "IANA timezone for cron evaluation")
}

// BindServeFlags registers the daemon-only flags.
func (c *Config) BindServeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "HTTP listen address")
	fs.StringVar(&c.Server.Mode, "mode", c.Server.Mode, "Server mode (http, mcp, both)")
	fs.BoolVar(&c.Watch, "watch", c.Watch, "Reload tasks when the functions directory changes")
	fs.DurationVar(&c.TickInterval, "tick", c.TickInterval, "Trigger polling interval")
	fs.StringVar(&c.History.PruneSchedule, "prune-schedule", c.History.PruneSchedule, "Cron expression for history pruning")
	fs.BoolVar(&c.History.ReconcileInterrupted, "reconcile-interrupted", c.History.ReconcileInterrupted, "Mark stale running records as interrupted at startup")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "Grace period for running tasks when shutting down")
}

// Finalize fills derived paths and validates the configuration.
func (c *Config) Finalize() error {
	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.StateDir = dir
	}
	if c.FunctionsDir == "" {
		c.FunctionsDir = filepath.Join(c.StateDir, "functions")
	}

	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Server.Mode)
	}

	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	switch c.History.Backend {
	case BackendFile:
		if c.History.Path == "" {
			c.History.Path = filepath.Join(c.StateDir, "history.json")
		}
	case BackendSQLite:
		if c.History.Path == "" {
			c.History.Path = filepath.Join(c.StateDir, "history.db")
		}
	case BackendRedis:
		if c.History.Redis.Addr == "" {
			return errors.New("redis backend requires a redis address")
		}
	case BackendPostgres:
		if c.History.PostgresDSN == "" {
			return errors.New("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("invalid history backend %q", c.History.Backend)
	}

	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.History.RetentionDays <= 0 {
		c.History.RetentionDays = defaultRetentionDays
	}
	if c.Notification.RatePerSec <= 0 {
		c.Notification.RatePerSec = defaultNotifyRate
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// LogDir is where command units write per-execution output.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// Location returns the timezone used for cron evaluation.
func (c *Config) Location() (*time.Location, error) {
	if c.UseUTC {
		return time.UTC, nil
	}
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "autorun")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
