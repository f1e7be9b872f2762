package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ferrelion/grimoire/internal/config"
	"github.com/ferrelion/grimoire/internal/logger"
	"github.com/ferrelion/grimoire/pkg/install"
	"github.com/ferrelion/grimoire/pkg/market"
	"github.com/ferrelion/grimoire/pkg/service"
)

// legacyStateFileName is the pre-sqlite installed-state file migrated on
// first open
const legacyStateFileName = "plugin-state.json"

// app bundles everything a command needs, with a single teardown
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *install.Store
	client  *market.Client
	service *service.Service
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.log != nil {
		_ = a.log.Close()
	}
}

// newApp loads config and wires the marketplace client, record store and
// installer behind the host-facing service
func newApp() (*app, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}

	logCfg := logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := install.OpenStore(filepath.Join(cfg.DataDir, "plugins.db"), log.Logger)
	if err != nil {
		return nil, err
	}
	if err := store.MigrateLegacyEnabledFile(filepath.Join(cfg.DataDir, legacyStateFileName)); err != nil {
		log.Warn().Err(err).Msg("Legacy state migration failed")
	}

	client := market.NewClient(cfg.Marketplace.IndexURL, cfg.DataDir, cfg.Marketplace.CacheTTL, log.Logger)

	opts := install.Options{RequireSignature: cfg.Security.RequireSignature}
	if cfg.Security.PublicKeyPath != "" {
		key, err := install.LoadPublicKey(cfg.Security.PublicKeyPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		opts.PublicKey = key
	}

	installer, err := install.NewInstaller(cfg.PluginDir, store, client, opts, log.Logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		client:  client,
		service: service.New(client, installer, log.Logger),
	}, nil
}

// renderError prints a failed result uniformly
func renderError(res service.Result) error {
	return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
}
