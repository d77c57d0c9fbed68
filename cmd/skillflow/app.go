package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/internal/secrets"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/internal/validation"
	"github.com/rendis/skillflow/internal/workspace"
)

// app is the wired process: storage, capabilities, executors and the workspace facade.
type app struct {
	cfg         Config
	level       *slog.LevelVar
	logger      *slog.Logger
	db          *store.LibSQLStore // nil when the database could not be opened in ephemeral mode
	store       store.Store
	hub         *streaming.MemoryHub
	skills      *capability.Registry
	credentials *secrets.Credentials
	interactive *engine.InteractiveExecutor
	ws          *workspace.Workspace
}

type appOptions struct {
	// ephemeral keeps workflows, runs and events in memory. The database is
	// still opened, when possible, for stored credentials.
	ephemeral bool
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.NewLeveled(os.Stderr, a.level)

	db, err := openDB(ctx, cfg.DBPath)
	switch {
	case err == nil:
		a.db = db
	case opts.ephemeral:
		a.logger.Warn("database unavailable, stored credentials disabled", "db_path", cfg.DBPath, "error", err)
	default:
		return nil, err
	}

	var vault secrets.Vault
	if cfg.CredentialKey != "" && a.db != nil {
		salt, err := vaultSalt()
		if err != nil {
			a.Close()
			return nil, err
		}
		v, err := secrets.NewAESVault(a.db, secrets.VaultConfig{Passphrase: cfg.CredentialKey, Salt: salt})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open credential vault: %w", err)
		}
		vault = v
	}
	a.credentials = secrets.NewCredentials(vault, cfg.APIKey)

	if opts.ephemeral || a.db == nil {
		a.store = store.NewMemoryStore()
	} else {
		a.store = a.db
	}

	a.skills = capability.DefaultRegistry()
	remote := capability.NewMessagesClient(capability.MessagesConfig{
		BaseURL:    cfg.APIBaseURL,
		BatchModel: cfg.Model,
		ChatModel:  cfg.ChatModel,
		Timeout:    cfg.apiTimeout(),
		Logger:     a.logger,
	}, a.credentials, a.skills)

	a.hub = streaming.NewMemoryHub()
	deps := engine.Deps{
		Capability: capability.NewRouter(capability.Builtins(expressions.NewExprEngine()), remote),
		Appender:   store.NewEventLog(a.store),
		Hub:        a.hub,
		Breakers:   engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig()),
		Logger:     a.logger,
	}

	a.interactive, err = engine.NewInteractiveExecutor(deps, engine.InteractiveOptions{
		PoolSize: cfg.PoolSize,
		Skills:   a.skills,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create interactive executor: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(a.skills, cel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create validator: %w", err)
	}

	a.ws = workspace.New(workspace.Deps{
		Store:       a.store,
		Batch:       engine.NewBatchExecutor(deps),
		Interactive: a.interactive,
		Validator:   validator,
		Logger:      a.logger,
	})
	return a, nil
}

func openDB(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	db, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Close stops every chat session and closes the database.
func (a *app) Close() {
	if a.interactive != nil {
		a.interactive.Shutdown()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
}
