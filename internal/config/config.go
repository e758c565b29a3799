// Package config loads smc-predict settings from the environment and from the
// config.env file in the user's config directory.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	AppName     = "smc-predict"
	EnvFileName = "config.env"

	DefaultAPIURL         = "http://localhost:8000"
	DefaultRequestTimeout = 60 * time.Second
	DefaultListenAddr     = ":8000"
	DefaultDataDir        = "data"
)

// Environment variable names.
const (
	EnvAPIURL         = "SMC_API_URL"
	EnvDBPath         = "SMC_DB_PATH"
	EnvStorageKey     = "SMC_STORAGE_KEY"
	EnvRequestTimeout = "SMC_REQUEST_TIMEOUT"
	EnvLogLevel       = "LOG_LEVEL"
	EnvListenAddr     = "SMC_LISTEN_ADDR"
	EnvDataDir        = "SMC_DATA_DIR"
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
)

// Config holds client and reference backend settings.
type Config struct {
	APIURL         string
	DBPath         string
	StorageKey     string
	RequestTimeout time.Duration
	LogLevel       zerolog.Level

	ListenAddr   string
	DataDir      string
	GeminiAPIKey string
}

// Dir returns the XDG config directory for the app.
// Uses $XDG_CONFIG_HOME/smc-predict or the platform user config dir.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", AppName)
	}
	return filepath.Join(base, AppName)
}

// Path returns the full path to a file in the config directory.
func Path(filename string) string {
	return filepath.Join(Dir(), filename)
}

// EnsureDir creates the config directory if it doesn't exist.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0700)
}

// LoadEnvFile loads config.env from the config directory and then .env from
// the working directory. Variables already set in the environment win.
// Errors are ignored since neither file has to exist.
func LoadEnvFile() {
	_ = godotenv.Load(Path(EnvFileName))
	_ = godotenv.Load()
}

// Load reads the configuration from the environment. LoadEnvFile should be
// called first so that config.env values are visible.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:         getenv(EnvAPIURL, DefaultAPIURL),
		DBPath:         getenv(EnvDBPath, Path("state.db")),
		StorageKey:     os.Getenv(EnvStorageKey),
		RequestTimeout: DefaultRequestTimeout,
		LogLevel:       zerolog.InfoLevel,
		ListenAddr:     getenv(EnvListenAddr, DefaultListenAddr),
		DataDir:        getenv(EnvDataDir, DefaultDataDir),
		GeminiAPIKey:   os.Getenv(EnvGeminiAPIKey),
	}

	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be a duration like 30s: %w", EnvRequestTimeout, err)
		}
		cfg.RequestTimeout = d
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		lvl, err := zerolog.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvLogLevel, err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

// EnsureStorageKey makes sure a token encryption passphrase exists. When none is
// configured a random one is generated and written to config.env.
func (c *Config) EnsureStorageKey() error {
	if c.StorageKey != "" {
		return nil
	}
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := Path(EnvFileName)
	values, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		values = map[string]string{}
	}

	key, err := generateKey()
	if err != nil {
		return err
	}
	values[EnvStorageKey] = key

	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict %s: %w", path, err)
	}

	os.Setenv(EnvStorageKey, key)
	c.StorageKey = key
	return nil
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate storage key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
