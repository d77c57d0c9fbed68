package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags, keeping current values for flags
// that were not given, then asks a running server to reload.
func runInstall(args []string) error {
	cfg := loadConfig()

	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "public base URL (derived from listen-addr if empty)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "concurrent capability calls across chat sessions")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "model for batch runs")
	fs.StringVar(&cfg.ChatModel, "chat-model", cfg.ChatModel, "model for chat turns")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "messages API base URL")
	fs.StringVar(&cfg.APITimeout, "api-timeout", cfg.APITimeout, "per-request timeout of the messages API")
	fs.BoolVar(&cfg.Panel, "panel", cfg.Panel, "enable the panel API")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	dir := skillflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)

	signalRunningServer()
	return nil
}

// signalRunningServer sends SIGHUP to a running skillflow server (via pidfile).
// Returns true if a server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
