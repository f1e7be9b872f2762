// Package daemon runs the long-lived plugin host: it loads built-in and
// installed plugins into the registry, keeps the marketplace index fresh
// in the background, and reloads when the plugin directories change.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/internal/config"
	"github.com/ferrelion/grimoire/internal/logger"
	"github.com/ferrelion/grimoire/pkg/install"
	"github.com/ferrelion/grimoire/pkg/loader"
	"github.com/ferrelion/grimoire/pkg/market"
	"github.com/ferrelion/grimoire/pkg/plugin"
	"github.com/ferrelion/grimoire/pkg/sandbox"
)

// legacyStateFileName is the pre-sqlite installed-state file migrated on
// first open
const legacyStateFileName = "plugin-state.json"

// reloadDebounce coalesces bursts of filesystem events (an install writes
// many files) into one reload
const reloadDebounce = 500 * time.Millisecond

// Status is a point-in-time snapshot of the running daemon
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
	Loaded    int
	Disabled  int
}

// Daemon is the plugin host service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *install.Store
	client    *market.Client
	installer *install.Installer
	registry  *plugin.Registry
	scanner   *plugin.Scanner
	detector  *plugin.CompatDetector
	loader    *loader.Loader

	lifecycle *LifecycleManager
	eventLoop *EventLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reloadMu    sync.Mutex
	reloadTimer *time.Timer

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance. Modules are initialized in dependency
// order; nothing starts running until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize modules: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	d.eventLoop = NewEventLoop(d)

	return d, nil
}

func (d *Daemon) initializeModules() error {
	zl := d.logger.Logger

	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := install.OpenStore(filepath.Join(d.config.DataDir, "plugins.db"), zl)
	if err != nil {
		return err
	}
	d.store = store
	if err := store.MigrateLegacyEnabledFile(filepath.Join(d.config.DataDir, legacyStateFileName)); err != nil {
		zl.Warn().Err(err).Msg("Legacy state migration failed")
	}
	zl.Info().Msg("Record store initialized")

	d.client = market.NewClient(d.config.Marketplace.IndexURL, d.config.DataDir, d.config.Marketplace.CacheTTL, zl)

	opts := install.Options{RequireSignature: d.config.Security.RequireSignature}
	if d.config.Security.PublicKeyPath != "" {
		key, err := install.LoadPublicKey(d.config.Security.PublicKeyPath)
		if err != nil {
			store.Close()
			return err
		}
		opts.PublicKey = key
	}
	installer, err := install.NewInstaller(d.config.PluginDir, store, d.client, opts, zl)
	if err != nil {
		store.Close()
		return err
	}
	d.installer = installer
	zl.Info().Str("dir", d.config.PluginDir).Msg("Installer initialized")

	detector, err := plugin.NewCompatDetector(config.HostVersion, d.config.Capabilities, zl)
	if err != nil {
		store.Close()
		return err
	}
	d.detector = detector

	roots := append([]string{d.config.PluginDir}, d.config.ExtraPluginDirs...)
	d.scanner = plugin.NewScanner(roots, zl)
	d.registry = plugin.NewRegistry(plugin.DefaultCategoryOrder)
	d.loader = loader.New(d.registry, d.scanner, store, detector, sandbox.NewOSServices(), zl)
	zl.Info().Strs("roots", roots).Msg("Plugin loader initialized")

	return nil
}

// RegisterBuiltin queues a built-in plugin to load on Start
func (d *Daemon) RegisterBuiltin(p plugin.Plugin) {
	d.loader.RegisterBuiltin(p)
}

// RegisterLegacy queues a legacy plugin to load on Start
func (d *Daemon) RegisterLegacy(p plugin.LegacyPlugin) {
	d.loader.RegisterLegacy(p)
}

// Start brings the daemon up: PID file, background index refresh, initial
// plugin load and the directory watcher
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	zl := d.logger.Logger
	zl.Info().Msg("Starting plugin host daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if schedule := d.config.Marketplace.RefreshSchedule; schedule != "" {
		if err := d.client.StartAutoRefresh(schedule); err != nil {
			zl.Warn().Err(err).Msg("Marketplace auto-refresh not started")
		}
	}

	result := d.loader.LoadAll(d.ctx)
	d.logLoadResult(zl, result)

	if err := d.scanner.Watch(d.schedulePluginReload); err != nil {
		zl.Warn().Err(err).Msg("Plugin directory watch not started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	zl.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) logLoadResult(zl zerolog.Logger, result plugin.LoadResult) {
	zl.Info().
		Int("loaded", len(result.Loaded)).
		Int("disabled", len(result.Disabled)).
		Int("failed", len(result.Failed)).
		Msg("Plugin load pass complete")
	for id, err := range result.Errors {
		zl.Warn().Err(err).Str("plugin", id).Msg("Plugin failed to load")
	}
}

// schedulePluginReload debounces watcher events into a single reload
func (d *Daemon) schedulePluginReload() {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if d.reloadTimer != nil {
		d.reloadTimer.Stop()
	}
	d.reloadTimer = time.AfterFunc(reloadDebounce, d.reloadPlugins)
}

// reloadPlugins tears down the current registry and reloads everything so
// a newly installed, removed or toggled plugin is reflected without a
// daemon restart
func (d *Daemon) reloadPlugins() {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return
	}

	d.logger.Info().Msg("Plugin directories changed, reloading")
	d.loader.Close(d.ctx)
	result := d.loader.LoadAll(d.ctx)
	d.logLoadResult(d.logger.Logger, result)
}

// Stop shuts the daemon down gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.Logger
	zl.Info().Msg("Stopping daemon")

	d.scanner.StopWatch()
	d.client.StopAutoRefresh()

	d.reloadMu.Lock()
	if d.reloadTimer != nil {
		d.reloadTimer.Stop()
		d.reloadTimer = nil
	}
	d.reloadMu.Unlock()

	d.cancel()
	d.wg.Wait()

	d.loader.Close(context.Background())
	if err := d.store.Close(); err != nil {
		zl.Warn().Err(err).Msg("Record store close failed")
	}

	if err := d.lifecycle.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Lifecycle manager stop failed")
	}

	zl.Info().Msg("Daemon stopped")
	return nil
}

// Status returns a snapshot of the running daemon
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}

	for _, entry := range d.registry.List() {
		switch entry.State {
		case plugin.StateEnabled:
			status.Loaded++
		case plugin.StateDisabled:
			status.Disabled++
		}
	}
	return status
}

// Registry exposes the populated plugin registry
func (d *Daemon) Registry() *plugin.Registry {
	return d.registry
}

// Installer exposes the installer for host-facing operations
func (d *Daemon) Installer() *install.Installer {
	return d.installer
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}
