package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bhandras/delight/sync/pkg/logger"
)

const defaultServerURL = "https://happy-api.slopus.com"

type Config struct {
	// ServerURL is the base URL of the Delight server API.
	ServerURL string
	// Token is the bearer credential for the sync connection.
	Token string
	// MasterSecret is the decoded 32-byte account encryption secret.
	MasterSecret []byte
	// ClientType identifies the connection scope.
	ClientType string

	// DelightHome is the directory where Delight stores local state.
	DelightHome string
	// AccessKey is the path to the access key file.
	AccessKey string

	// Debug enables verbose logging.
	Debug bool
	// LogLevel is the parsed logger threshold.
	LogLevel logger.Level
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	// Check for dev mode
	delightHome := getenvFirst("DELIGHT_HOME_DIR", "HAPPY_HOME_DIR")
	if delightHome == "" {
		delightHome = filepath.Join(homeDir, ".delight")
	}

	// Ensure delight home exists
	if err := os.MkdirAll(delightHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create delight home: %w", err)
	}

	serverURL := getenvFirst("DELIGHT_SERVER_URL", "HAPPY_SERVER_URL")
	if serverURL == "" {
		serverURL = defaultServerURL // Default to official server
	}

	token := getenvFirst("DELIGHT_TOKEN", "HAPPY_TOKEN")

	var masterSecret []byte
	if secretB64 := getenvFirst("DELIGHT_MASTER_SECRET", "HAPPY_MASTER_SECRET"); secretB64 != "" {
		masterSecret, err = base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIGHT_MASTER_SECRET: %w", err)
		}
		if len(masterSecret) != 32 {
			return nil, fmt.Errorf("invalid DELIGHT_MASTER_SECRET: need 32 bytes, got %d", len(masterSecret))
		}
	}

	clientType := getenvFirst("DELIGHT_CLIENT_TYPE", "HAPPY_CLIENT_TYPE")
	if clientType == "" {
		clientType = "user-scoped"
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	if !debug {
		debug = getenvFirst("DELIGHT_DEBUG", "HAPPY_DEBUG") == "true" ||
			getenvFirst("DELIGHT_DEBUG", "HAPPY_DEBUG") == "1"
	}

	logLevel := logger.LevelInfo
	if debug {
		logLevel = logger.LevelDebug
	}
	if raw := getenvFirst("DELIGHT_LOG_LEVEL", "HAPPY_LOG_LEVEL"); raw != "" {
		logLevel, err = logger.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIGHT_LOG_LEVEL: %w", err)
		}
	}

	return &Config{
		ServerURL:    serverURL,
		Token:        token,
		MasterSecret: masterSecret,
		ClientType:   clientType,
		DelightHome:  delightHome,
		AccessKey:    filepath.Join(delightHome, "access.key"),
		Debug:        debug,
		LogLevel:     logLevel,
	}, nil
}

// Save saves configuration to disk (currently just creates directories)
func (c *Config) Save() error {
	return os.MkdirAll(c.DelightHome, 0700)
}

func getenvFirst(primary, fallback string) string {
	if val := os.Getenv(primary); val != "" {
		return val
	}
	return os.Getenv(fallback)
}
