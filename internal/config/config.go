package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Remote store drivers.
const (
	DriverMongoDB = "mongodb"
	DriverMemory  = "memory"
)

// Config represents the full application configuration surface.
type Config struct {
	Server    ServerConfig
	Local     LocalConfig
	Remote    RemoteConfig
	MongoDB   MongoDBConfig
	Sync      SyncConfig
	Sheets    SheetsConfig
	Reporting ReportingConfig
	Printer   PrinterConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port     string
	LogLevel string
	// AllowedOrigins lists browser origins allowed by CORS. Empty disables CORS.
	AllowedOrigins []string
}

// LocalConfig locates the on-device database.
type LocalConfig struct {
	DBPath string
}

// RemoteConfig selects and tunes the remote document store.
type RemoteConfig struct {
	Driver      string
	DeviceID    string
	Timeout     time.Duration
	MaxInflight int64
	AuthTTL     time.Duration
}

// MongoDBConfig holds settings for MongoDB.
type MongoDBConfig struct {
	URI    string
	DBName string
}

// SyncConfig holds listener and deferred-sync settings.
type SyncConfig struct {
	ResubscribeInterval time.Duration
	CronSchedule        string
	LowStockThreshold   int
}

// SheetsConfig contains configuration required to interact with Google Sheets.
// Export is disabled when SpreadsheetID is empty.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
}

// Enabled reports whether stock reports are exported to a spreadsheet.
func (c SheetsConfig) Enabled() bool {
	return c.SpreadsheetID != ""
}

// ReportingConfig holds scheduler-related settings.
type ReportingConfig struct {
	CronSchedule string
	Timezone     string
}

// PrinterConfig points at the receipt printer bridge. Printing is disabled
// when BaseURL is empty.
type PrinterConfig struct {
	BaseURL string
	Token   string
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Ignore the returned error here; missing .env files are acceptable when
		// configuration comes from the environment directly.
		_ = godotenv.Load()
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		value := getenvWithDefault(key, fallback)
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, value))
		}
		return d
	}
	integer := func(key, fallback string) int {
		value := getenvWithDefault(key, fallback)
		n, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, value))
		}
		return n
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getenvWithDefault("APP_PORT", "8080"),
			LogLevel:       getenvWithDefault("LOG_LEVEL", "info"),
			AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		},
		Local: LocalConfig{
			DBPath: getenvWithDefault("LOCAL_DB_PATH", "stocksync.db"),
		},
		Remote: RemoteConfig{
			Driver:      getenvWithDefault("REMOTE_DRIVER", DriverMongoDB),
			DeviceID:    os.Getenv("DEVICE_ID"),
			Timeout:     duration("REMOTE_TIMEOUT", "10s"),
			MaxInflight: int64(integer("REMOTE_MAX_INFLIGHT", "8")),
			AuthTTL:     duration("AUTH_TTL", "1h"),
		},
		MongoDB: MongoDBConfig{
			URI:    os.Getenv("MONGODB_URI"),
			DBName: getenvWithDefault("MONGODB_DB_NAME", "stocksync"),
		},
		Sync: SyncConfig{
			ResubscribeInterval: duration("RESUBSCRIBE_INTERVAL", "30s"),
			CronSchedule:        getenvWithDefault("SYNC_CRON_SCHEDULE", "*/5 * * * *"),
			LowStockThreshold:   integer("LOW_STOCK_THRESHOLD", "5"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH"),
			SpreadsheetID:   os.Getenv("GOOGLE_SHEET_DATABASE_ID"),
		},
		Reporting: ReportingConfig{
			CronSchedule: getenvWithDefault("REPORT_CRON_SCHEDULE", "0 20 * * *"),
			Timezone:     getenvWithDefault("TIMEZONE", "Africa/Conakry"),
		},
		Printer: PrinterConfig{
			BaseURL: os.Getenv("PRINTER_BASE_URL"),
			Token:   os.Getenv("PRINTER_TOKEN"),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	if c.Local.DBPath == "" {
		return errors.New("LOCAL_DB_PATH must be provided")
	}

	switch c.Remote.Driver {
	case DriverMongoDB:
		if c.MongoDB.URI == "" {
			return errors.New("MONGODB_URI must be provided when REMOTE_DRIVER is mongodb")
		}
		if c.MongoDB.DBName == "" {
			return errors.New("MONGODB_DB_NAME must not be empty")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("REMOTE_DRIVER must be %q or %q, got %q", DriverMongoDB, DriverMemory, c.Remote.Driver)
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("REMOTE_TIMEOUT must be positive")
	}
	if c.Remote.MaxInflight <= 0 {
		return errors.New("REMOTE_MAX_INFLIGHT must be positive")
	}
	if c.Remote.AuthTTL <= 0 {
		return errors.New("AUTH_TTL must be positive")
	}

	if c.Sync.ResubscribeInterval <= 0 {
		return errors.New("RESUBSCRIBE_INTERVAL must be positive")
	}
	if c.Sync.CronSchedule == "" {
		return errors.New("SYNC_CRON_SCHEDULE must be provided")
	}
	if c.Sync.LowStockThreshold < 0 {
		return errors.New("LOW_STOCK_THRESHOLD must not be negative")
	}

	if c.Sheets.Enabled() && c.Sheets.CredentialsPath == "" {
		return errors.New("GOOGLE_SHEETS_CREDENTIALS_PATH must be provided when GOOGLE_SHEET_DATABASE_ID is set")
	}

	if c.Reporting.CronSchedule == "" {
		return errors.New("REPORT_CRON_SCHEDULE must be provided")
	}

	if c.Reporting.Timezone == "" {
		return errors.New("TIMEZONE must be provided")
	}
	if _, err := time.LoadLocation(c.Reporting.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Reporting.Timezone, err)
	}

	return nil
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
