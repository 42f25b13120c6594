package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harida/titian/internal/observability"
	"github.com/harida/titian/pkg/bridge"
	"github.com/harida/titian/pkg/mcp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Catalog caches the latest tool descriptor snapshot for presentation
// surfaces. It refreshes through the bridge on a cron schedule and is marked
// stale when the server script changes on disk, since a rewritten script may
// advertise a different tool set. Process always performs its own discovery;
// the catalog is a read-side cache, never a substitute.
type Catalog struct {
	bridge *bridge.Bridge
	logger zerolog.Logger
	script string

	mu          sync.RWMutex
	tools       []mcp.Tool
	refreshedAt time.Time
	stale       bool

	cron     *cron.Cron
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// CatalogConfig holds catalog configuration.
type CatalogConfig struct {
	Bridge *bridge.Bridge
	Logger zerolog.Logger

	// Script is the server script to watch for changes; empty disables the
	// watch.
	Script string

	// Schedule is a cron expression for periodic refresh, default "@every 5m".
	Schedule string
}

// NewCatalog creates a catalog. Start begins the refresh schedule and the
// script watch.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}

	c := &Catalog{
		bridge: cfg.Bridge,
		logger: cfg.Logger.With().Str("component", "catalog").Logger(),
		script: cfg.Script,
		stopCh: make(chan struct{}),
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(cfg.Schedule, c.scheduledRefresh); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", cfg.Schedule, err)
	}

	return c, nil
}

// Start begins the periodic refresh and the server script watch.
func (c *Catalog) Start() error {
	c.cron.Start()

	if c.script != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating script watcher: %w", err)
		}
		// Watch the directory: editors replace files on save, which drops
		// a direct file watch.
		if err := watcher.Add(filepath.Dir(c.script)); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watching %s: %w", c.script, err)
		}
		c.watcher = watcher
		go c.watch()
	}

	return nil
}

// Stop halts the refresh schedule and the watch. Idempotent.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() {
		ctx := c.cron.Stop()
		<-ctx.Done()

		close(c.stopCh)
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
	})
}

func (c *Catalog) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.script) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				c.logger.Info().Str("script", c.script).Msg("Server script changed, marking catalog stale")
				c.MarkStale()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("Script watcher error")
		case <-c.stopCh:
			return
		}
	}
}

func (c *Catalog) scheduledRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Scheduled catalog refresh failed")
	}
}

// Refresh fetches a fresh descriptor snapshot through the bridge.
func (c *Catalog) Refresh(ctx context.Context) error {
	result, err := c.bridge.Call(ctx, "tools/list", func(ctx context.Context, session *mcp.Session) (interface{}, error) {
		return session.ListTools(ctx)
	})
	observability.RecordCatalogRefresh(err == nil)
	if err != nil {
		return err
	}

	c.Update(result.([]mcp.Tool))
	return nil
}

// Update replaces the snapshot. Called by the runner after each discovery so
// the cache tracks what the loop actually saw.
func (c *Catalog) Update(tools []mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
	c.refreshedAt = time.Now()
	c.stale = false
}

// MarkStale flags the snapshot as possibly outdated without discarding it.
func (c *Catalog) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// Tools returns the current snapshot, when it was taken, and whether it has
// been marked stale since.
func (c *Catalog) Tools() ([]mcp.Tool, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]mcp.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools, c.refreshedAt, c.stale
}
