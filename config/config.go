package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrMissingEncryptionKey is returned by Validate when no token encryption key is configured.
var ErrMissingEncryptionKey = errors.New("TOKEN_ENCRYPTION_KEY must be set")

// KeySpec names an encryption passphrase by its key id.
type KeySpec struct {
	ID         string
	Passphrase string
}

// Config captures the runtime configuration for tokenkeeper.
// It is built once by Load and then only read.
type Config struct {
	DBDriver string
	DBDSN    string

	EncryptionKey    KeySpec
	PreviousKeys     []KeySpec
	TikTokClientKey  string
	TikTokSecret     string
	TikTokTokenURL   string
	InstagramURL     string
	HTTPTimeout      time.Duration
	PlatformRPS      float64
	RefreshThreshold time.Duration
	SweepInterval    time.Duration
	SweepWorkers     int
	RetryAttempts    int
	RetryBackoff     time.Duration
	SentryDSN        string
}

// Load reads configuration from environment variables, applying defaults suited to a
// single-host SQLite deployment. Variables from the file named by TOKENKEEPER_ENV_FILE
// (default .env) fill in whatever the environment leaves unset.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	previous, err := parseKeySpecs(os.Getenv("TOKEN_ENCRYPTION_PREVIOUS_KEYS"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBDriver: strings.ToLower(getString("TOKENKEEPER_DB_DRIVER", DriverSQLite)),
		DBDSN:    getString("TOKENKEEPER_DB_DSN", filepath.Join(os.Getenv("HOME"), ".tokenkeeper/tokens.db")),
		EncryptionKey: KeySpec{
			ID:         getString("TOKEN_ENCRYPTION_KEY_ID", "v1"),
			Passphrase: os.Getenv("TOKEN_ENCRYPTION_KEY"),
		},
		PreviousKeys:     previous,
		TikTokClientKey:  os.Getenv("TIKTOK_CLIENT_KEY"),
		TikTokSecret:     os.Getenv("TIKTOK_CLIENT_SECRET"),
		TikTokTokenURL:   getString("TIKTOK_TOKEN_URL", "https://open.tiktokapis.com/v2/oauth/token/"),
		InstagramURL:     getString("INSTAGRAM_REFRESH_URL", "https://graph.instagram.com/refresh_access_token"),
		HTTPTimeout:      getDuration("TOKENKEEPER_HTTP_TIMEOUT", 10*time.Second),
		PlatformRPS:      getFloat("TOKENKEEPER_PLATFORM_RPS", 5),
		RefreshThreshold: getDuration("TOKENKEEPER_REFRESH_THRESHOLD", 24*time.Hour),
		SweepInterval:    getDuration("TOKENKEEPER_SWEEP_INTERVAL", 24*time.Hour),
		SweepWorkers:     getInt("TOKENKEEPER_SWEEP_WORKERS", 3),
		RetryAttempts:    getInt("TOKENKEEPER_RETRY_ATTEMPTS", 3),
		RetryBackoff:     getDuration("TOKENKEEPER_RETRY_BACKOFF", 2*time.Second),
		SentryDSN:        os.Getenv("SENTRY_DSN"),
	}

	return cfg, nil
}

// Validate reports configuration that would make the token core unusable.
func (c Config) Validate() error {
	if c.EncryptionKey.Passphrase == "" {
		return ErrMissingEncryptionKey
	}
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q (must be %s or %s)", c.DBDriver, DriverSQLite, DriverPostgres)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.SweepWorkers < 1 {
		return fmt.Errorf("sweep workers must be at least 1, got %d", c.SweepWorkers)
	}
	return nil
}

func loadEnvFile() error {
	path := os.Getenv("TOKENKEEPER_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// parseKeySpecs parses "id=passphrase,id2=passphrase2".
func parseKeySpecs(raw string) ([]KeySpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var specs []KeySpec
	for _, part := range strings.Split(raw, ",") {
		id, pass, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || id == "" || pass == "" {
			return nil, fmt.Errorf("malformed previous key entry %q (expected id=passphrase)", part)
		}
		specs = append(specs, KeySpec{ID: id, Passphrase: pass})
	}
	return specs, nil
}

func getString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
