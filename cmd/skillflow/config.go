package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/skillflow/internal/capability"
)

// Config holds all skillflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	BaseURL       string `json:"base_url"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	Model         string `json:"model"`
	ChatModel     string `json:"chat_model"`
	APIBaseURL    string `json:"api_base_url"`
	APITimeout    string `json:"api_timeout"`
	CredentialKey string `json:"-"` // vault passphrase, env only
	APIKey        string `json:"-"` // fallback credential, env only
	Panel         bool   `json:"panel"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(skillflowDir(), "skillflow.db"),
		LogLevel:   "info",
		PoolSize:   4,
		Model:      capability.DefaultBatchModel,
		ChatModel:  capability.DefaultChatModel,
		APIBaseURL: capability.DefaultBaseURL,
		APITimeout: "120s",
	}
}

func skillflowDir() string {
	if v := os.Getenv("SKILLFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skillflow"
	}
	return filepath.Join(home, ".skillflow")
}

func settingsPath() string {
	return filepath.Join(skillflowDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(skillflowDir(), "skillflow.pid")
}

func saltPath() string {
	return filepath.Join(skillflowDir(), "vault.salt")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SKILLFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SKILLFLOW_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SKILLFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SKILLFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SKILLFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("SKILLFLOW_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("SKILLFLOW_CHAT_MODEL"); v != "" {
		cfg.ChatModel = v
	}
	if v := os.Getenv("SKILLFLOW_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SKILLFLOW_API_TIMEOUT"); v != "" {
		cfg.APITimeout = v
	}
	if v := os.Getenv("SKILLFLOW_CREDENTIAL_KEY"); v != "" {
		cfg.CredentialKey = v
	}
	if v := os.Getenv("SKILLFLOW_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SKILLFLOW_PANEL"); v != "" {
		cfg.Panel = v == "true" || v == "1"
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// apiTimeout parses APITimeout, falling back to two minutes.
func (c Config) apiTimeout() time.Duration {
	d, err := time.ParseDuration(c.APITimeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	PanelChanged    bool
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Panel != new.Panel {
		d.PanelChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.Model != new.Model || old.ChatModel != new.ChatModel {
		d.RestartNeeded = append(d.RestartNeeded, "model")
	}
	if old.APIBaseURL != new.APIBaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "api_base_url")
	}
	return d
}

// withoutListener moves a panel toggle to the restart list: a server started
// in stdio mode with the panel off has no HTTP listener to swap a panel into.
func (d configDiff) withoutListener() configDiff {
	if d.PanelChanged {
		d.PanelChanged = false
		d.RestartNeeded = append(d.RestartNeeded, "panel")
	}
	return d
}

// vaultSalt returns the PBKDF2 salt for the credential vault, creating it on first use.
func vaultSalt() ([]byte, error) {
	path := saltPath()
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return salt, nil
}
