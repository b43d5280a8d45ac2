package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all turnpike server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	StoreBackend    string `json:"store_backend"` // "memory" or "libsql"
	DBPath          string `json:"db_path"`
	SessionTTLMin   int    `json:"session_ttl_minutes"`
	JanitorSchedule string `json:"janitor_schedule"`
	LogLevel        string `json:"log_level"`
	ModelBaseURL    string `json:"model_base_url"`
	ModelAPIKey     string `json:"model_api_key"`
	MaxSteps        int    `json:"max_steps"`
}

func defaultConfig() Config {
	return Config{
		StoreBackend:  "libsql",
		DBPath:        filepath.Join(turnpikeDir(), "sessions.db"),
		SessionTTLMin: 30,
		LogLevel:      "info",
	}
}

func turnpikeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".turnpike"
	}
	return filepath.Join(home, ".turnpike")
}

func settingsPath() string {
	return filepath.Join(turnpikeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TURNPIKE_STORE"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("TURNPIKE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TURNPIKE_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLMin = n
		}
	}
	if v := os.Getenv("TURNPIKE_JANITOR_SCHEDULE"); v != "" {
		cfg.JanitorSchedule = v
	}
	if v := os.Getenv("TURNPIKE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TURNPIKE_MODEL_BASE_URL"); v != "" {
		cfg.ModelBaseURL = v
	}
	if v := os.Getenv("TURNPIKE_MODEL_API_KEY"); v != "" {
		cfg.ModelAPIKey = v
	}
	if v := os.Getenv("TURNPIKE_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}

	return cfg
}
