package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/internal/panel"
	skillmcp "github.com/rendis/skillflow/pkg/mcp"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	stdio := fs.Bool("stdio", false, "serve MCP over stdin/stdout instead of SSE")
	panelFlag := fs.Bool("panel", false, "enable the panel API (overrides settings)")
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides settings)")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}

	cfg := loadConfig()
	if *panelFlag {
		cfg.Panel = true
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := skillmcp.NewSkillflowServer(skillmcp.SkillflowServerDeps{
		Workspace: a.ws,
		Skills:    a.skills,
		Hub:       a.hub,
		Logger:    a.logger,
	})
	defer mcpSrv.Close()

	if err := writePID(); err != nil {
		a.logger.Warn("pid file not written, reload by signal unavailable", "error", err)
	} else {
		defer os.Remove(pidPath())
	}

	mux := newHandlerSwapper(buildMux(a, mcpSrv, cfg, *stdio))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The HTTP listener is needed for MCP over SSE, or for the panel alongside stdio.
	listening := !*stdio || cfg.Panel
	if listening {
		g.Go(func() error {
			a.logger.Info("skillflow listening", "addr", cfg.ListenAddr, "panel", cfg.Panel, "mcp_sse", !*stdio)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if *stdio {
		g.Go(func() error {
			a.logger.Info("skillflow serving MCP on stdio")
			err := mcpSrv.Serve(gctx)
			stop() // stdin closed: shut everything else down too
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, a, mcpSrv, mux, *stdio, listening)
		return nil
	})

	return g.Wait()
}

// buildMux mounts the MCP SSE transport under /mcp and, when enabled, the panel API at the root.
func buildMux(a *app, mcpSrv *skillmcp.SkillflowServer, cfg Config, stdio bool) http.Handler {
	mux := http.NewServeMux()
	if !stdio {
		mux.Handle("/mcp/", mcpSrv.SSEHandler(cfg.BaseURL, "/mcp"))
	}
	if cfg.Panel {
		p := panel.NewPanelServer(panel.PanelDeps{
			Workspace: a.ws,
			Skills:    a.skills,
			Hub:       a.hub,
			Logger:    a.logger,
		})
		mux.Handle("/", p.Handler())
	} else {
		mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
			body := panel.Health(a.ws, a.hub)
			body["panel"] = false
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	return mux
}

// reloadOnHangup re-reads the configuration on SIGHUP. The log level applies
// at once, and so does the panel toggle while the HTTP listener runs; other
// changes are reported as needing a restart.
func reloadOnHangup(ctx context.Context, a *app, mcpSrv *skillmcp.SkillflowServer, mux *handlerSwapper, stdio, listening bool) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next := loadConfig()
		diff := diffConfigs(a.cfg, next)
		if !listening {
			diff = diff.withoutListener()
		}
		if diff.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			a.cfg.LogLevel = next.LogLevel
			a.logger.Info("log level changed", "level", next.LogLevel)
		}
		if diff.PanelChanged {
			a.cfg.Panel = next.Panel
			mux.Swap(buildMux(a, mcpSrv, a.cfg, stdio))
			a.logger.Info("panel toggled", "panel", next.Panel)
		}
		if len(diff.RestartNeeded) > 0 {
			a.logger.Warn("configuration changes need a restart", "fields", diff.RestartNeeded)
		}
	}
}

func writePID() error {
	if err := os.MkdirAll(skillflowDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
