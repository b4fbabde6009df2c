package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/mcp"
	"github.com/zot/hotmonkey/internal/page"
	"github.com/zot/hotmonkey/internal/report"
	"github.com/zot/hotmonkey/internal/server"
	"github.com/zot/hotmonkey/internal/storage"
)

// app is one running page with its watcher, journal and front ends.
type app struct {
	config  *config.Config
	source  *bundler.DirSource
	journal storage.Backend
	hub     *server.Hub
	page    *page.Page
	server  *server.Server
	watcher *bundler.Watcher
}

// newApp opens the journal, starts the page on cfg.Runtime.URL and, when
// watching is enabled, feeds source changes into the page.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	journal, err := storage.Open(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a := &app{
		config:  cfg,
		source:  bundler.NewDirSource(cfg.Watch.Dir),
		journal: journal,
		hub:     server.NewHub(cfg),
	}
	sink := report.Multi{report.LogSink{Config: cfg}, a.hub}
	a.page, err = page.New(cfg, a.source, sink, journal)
	if err != nil {
		journal.Close()
		return nil, err
	}
	a.server = server.New(cfg, a.page, a.source, journal, a.hub)

	outs, err := a.page.Open(ctx, cfg.Runtime.URL)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, out := range outs {
		if out.Err != nil {
			cfg.Log(0, "%s: %v", out.Instance, out.Err)
		}
	}

	if cfg.Watch.Enabled {
		a.watcher, err = bundler.NewWatcher(cfg, a.source, a.page.Submit)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.watcher.Start(); err != nil {
			a.Close()
			return nil, fmt.Errorf("watch %s: %w", cfg.Watch.Dir, err)
		}
		cfg.Log(1, "Watching %s", cfg.Watch.Dir)
	}
	return a, nil
}

// Close stops watching, closes the page and the journal.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.server.Shutdown(ctx)
	a.page.Close()
	a.journal.Close()
}

func runServe(args []string) int {
	cfg, _, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer a.Close()

	if cfg.MCP.Enabled {
		mcp.Version = Version
		if err := mcp.NewServer(cfg, a.page, a.journal).ServeStdio(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	url, err := a.server.StartHTTP(cfg.Server.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	cfg.Log(0, "Page API at %s/api/instances", url)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	cfg.Log(0, "Shutting down...")
	return 0
}
