package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Default capacity limits for the conversation context store.
const (
	DefaultMaxMessagesPerSession = 100
	DefaultMaxSessions           = 100
	DefaultSessionTimeout        = time.Hour
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// Version is the current version of server
	Version string

	// StorageDriver selects the conversation storage backend
	// (memory, file, sqlite or postgres). Fixed at construction time.
	StorageDriver string
	// StoragePath is the directory holding per-session files (file driver).
	StoragePath string
	// DSN points to where kagehana stores its own data (sqlite/postgres drivers).
	DSN string
	// EnablePersistence makes the file backend fsync after every append
	// instead of batching writes.
	EnablePersistence bool

	// MaxMessagesPerSession caps stored messages per session (FIFO trim beyond it).
	MaxMessagesPerSession int
	// MaxSessions caps tracked sessions (least-recently-active eviction beyond it).
	MaxSessions int
	// SessionTimeout is the inactivity window after which a session is expired.
	SessionTimeout time.Duration

	// LLM Configuration
	LLMEnabled     bool    // KAGEHANA_LLM_ENABLED
	LLMProvider    string  // KAGEHANA_LLM_PROVIDER (default: openai)
	LLMAPIKey      string  // KAGEHANA_LLM_API_KEY
	LLMBaseURL     string  // KAGEHANA_LLM_BASE_URL (default: https://api.openai.com/v1)
	LLMModel       string  // KAGEHANA_LLM_MODEL (default: gpt-4o-mini)
	LLMMaxTokens   int     // KAGEHANA_LLM_MAX_TOKENS (default: 1024)
	LLMTemperature float64 // KAGEHANA_LLM_TEMPERATURE (default: 0.7)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if LLM is enabled and an API key is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMEnabled && p.LLMAPIKey != ""
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer environment value, using default", "key", key, "value", value)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("invalid float environment value, using default", "key", key, "value", value)
	}
	return defaultValue
}

// FromEnv loads configuration from KAGEHANA_* environment variables.
func (p *Profile) FromEnv() {
	p.StorageDriver = getEnvOrDefault("KAGEHANA_STORAGE_DRIVER", p.StorageDriver)
	p.StoragePath = getEnvOrDefault("KAGEHANA_STORAGE_PATH", p.StoragePath)
	p.DSN = getEnvOrDefault("KAGEHANA_DSN", p.DSN)
	p.EnablePersistence = getEnvOrDefault("KAGEHANA_ENABLE_PERSISTENCE", "") == "true"

	p.MaxMessagesPerSession = getIntEnv("KAGEHANA_MAX_MESSAGES_PER_SESSION", DefaultMaxMessagesPerSession)
	p.MaxSessions = getIntEnv("KAGEHANA_MAX_SESSIONS", DefaultMaxSessions)
	if secs := getFloatEnv("KAGEHANA_SESSION_TIMEOUT_SECONDS", DefaultSessionTimeout.Seconds()); secs > 0 {
		p.SessionTimeout = time.Duration(secs * float64(time.Second))
	}

	p.LLMEnabled = getEnvOrDefault("KAGEHANA_LLM_ENABLED", "") == "true"
	p.LLMProvider = getEnvOrDefault("KAGEHANA_LLM_PROVIDER", "openai")
	p.LLMAPIKey = os.Getenv("KAGEHANA_LLM_API_KEY")
	p.LLMBaseURL = getEnvOrDefault("KAGEHANA_LLM_BASE_URL", "https://api.openai.com/v1")
	p.LLMModel = getEnvOrDefault("KAGEHANA_LLM_MODEL", "gpt-4o-mini")
	p.LLMMaxTokens = getIntEnv("KAGEHANA_LLM_MAX_TOKENS", 1024)
	p.LLMTemperature = getFloatEnv("KAGEHANA_LLM_TEMPERATURE", 0.7)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.StorageDriver == "" {
		p.StorageDriver = "memory"
	}
	switch p.StorageDriver {
	case "memory", "file", "sqlite", "postgres":
	default:
		return errors.Errorf("unknown storage driver %q: only 'memory', 'file', 'sqlite' and 'postgres' are supported", p.StorageDriver)
	}

	if p.MaxMessagesPerSession <= 0 {
		return errors.Errorf("max messages per session must be positive, got %d", p.MaxMessagesPerSession)
	}
	if p.MaxSessions <= 0 {
		return errors.Errorf("max sessions must be positive, got %d", p.MaxSessions)
	}
	if p.SessionTimeout <= 0 {
		return errors.Errorf("session timeout must be positive, got %v", p.SessionTimeout)
	}

	if p.Data != "" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
	}

	switch p.StorageDriver {
	case "file":
		if p.StoragePath == "" {
			if p.Data == "" {
				return errors.New("storage path is required for the file storage driver")
			}
			p.StoragePath = filepath.Join(p.Data, "sessions")
		}
	case "sqlite":
		if p.DSN == "" {
			if p.Data == "" {
				return errors.New("dsn or data dir is required for the sqlite storage driver")
			}
			p.DSN = filepath.Join(p.Data, fmt.Sprintf("kagehana_%s.db", p.Mode))
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn is required for the postgres storage driver")
		}
	}

	return nil
}
