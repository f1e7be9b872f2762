// Package loader is the top-level orchestrator: it loads built-in plugins
// directly and external plugins via scanner, adapter and sandbox, then
// populates the registry with compatibility gating applied.
package loader

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/install"
	"github.com/ferrelion/grimoire/pkg/plugin"
	"github.com/ferrelion/grimoire/pkg/sandbox"
)

// Loader wires builtins, legacy plugins and installed external packages
// into the registry
type Loader struct {
	registry *plugin.Registry
	scanner  *plugin.Scanner
	store    *install.Store
	detector *plugin.CompatDetector
	adapter  *plugin.Adapter
	services sandbox.Services
	logger   zerolog.Logger

	builtins []plugin.Plugin
	legacy   []plugin.LegacyPlugin

	mu      sync.Mutex
	clients map[string]*goplugin.Client
}

// New creates a loader. store may be nil when no installer is wired (e.g.
// builtins-only hosts).
func New(
	registry *plugin.Registry,
	scanner *plugin.Scanner,
	store *install.Store,
	detector *plugin.CompatDetector,
	services sandbox.Services,
	logger zerolog.Logger,
) *Loader {
	return &Loader{
		registry: registry,
		scanner:  scanner,
		store:    store,
		detector: detector,
		adapter:  plugin.NewAdapter(detector, logger),
		services: services,
		logger:   logger.With().Str("component", "plugin-loader").Logger(),
		clients:  make(map[string]*goplugin.Client),
	}
}

// RegisterBuiltin queues a built-in plugin for LoadBuiltins
func (l *Loader) RegisterBuiltin(p plugin.Plugin) {
	l.builtins = append(l.builtins, p)
}

// RegisterLegacy queues a legacy plugin; it is adapted during LoadBuiltins
// and presented after all native plugins
func (l *Loader) RegisterLegacy(p plugin.LegacyPlugin) {
	l.legacy = append(l.legacy, p)
}

// LoadBuiltins loads the statically enumerated built-in and legacy
// plugins. One bad entry never aborts the others.
func (l *Loader) LoadBuiltins(ctx context.Context) plugin.LoadResult {
	result := plugin.LoadResult{Errors: make(map[string]error)}

	for _, p := range l.builtins {
		l.loadNative(ctx, p, &result)
	}

	for idx, legacy := range l.legacy {
		adapted, err := l.adapter.Adapt(legacy, idx)
		if err != nil {
			name := legacy.Name()
			result.Failed = append(result.Failed, name)
			result.Errors[name] = err
			l.logger.Error().Err(err).Str("plugin", name).Msg("Failed to adapt legacy plugin")
			continue
		}

		meta := adapted.Describe()
		if ok, reason := adapted.Compatible(); !ok {
			if err := l.registry.RegisterDisabled(meta, reason); err != nil {
				result.Errors[meta.ID] = err
				result.Failed = append(result.Failed, meta.ID)
				continue
			}
			result.Disabled = append(result.Disabled, meta.ID)
			continue
		}

		l.register(ctx, adapted, meta, nil, &result)
	}

	return result
}

func (l *Loader) loadNative(ctx context.Context, p plugin.Plugin, result *plugin.LoadResult) {
	if err := plugin.ValidateConformance(p); err != nil {
		name := fmt.Sprintf("builtin-%d", len(result.Failed)+len(result.Loaded))
		if p != nil {
			name = p.Describe().ID
		}
		result.Failed = append(result.Failed, name)
		result.Errors[name] = err
		l.logger.Error().Err(err).Str("plugin", name).Msg("Built-in plugin failed conformance")
		return
	}

	meta := p.Describe()
	if ok, reason := l.detector.Check(meta.Compatibility); !ok {
		if err := l.registry.RegisterDisabled(meta, reason); err != nil {
			result.Failed = append(result.Failed, meta.ID)
			result.Errors[meta.ID] = err
			return
		}
		result.Disabled = append(result.Disabled, meta.ID)
		return
	}

	l.register(ctx, p, meta, nil, result)
}

// register wraps a plugin in its sandbox, activates it and adds it to the
// registry. client is non-nil for subprocess-backed plugins.
func (l *Loader) register(ctx context.Context, p plugin.Plugin, meta plugin.Metadata, client *goplugin.Client, result *plugin.LoadResult) {
	handle := sandbox.Wrap(p, meta.Permissions, l.services, l.logger)

	if err := handle.Activate(ctx, nil); err != nil {
		_ = handle.Release()
		if client != nil {
			client.Kill()
		}
		result.Failed = append(result.Failed, meta.ID)
		result.Errors[meta.ID] = fmt.Errorf("activation failed: %w", err)
		l.logger.Error().Err(err).Str("plugin", meta.ID).Msg("Plugin activation failed")
		return
	}

	if err := l.registry.Register(meta, handle); err != nil {
		// The plugin was already activated; unwind its resources before
		// the handle goes away
		if deactErr := handle.Deactivate(ctx); deactErr != nil {
			l.logger.Warn().Err(deactErr).Str("plugin", meta.ID).Msg("Deactivation after failed registration")
		}
		_ = handle.Release()
		if client != nil {
			client.Kill()
		}
		result.Failed = append(result.Failed, meta.ID)
		result.Errors[meta.ID] = err
		return
	}

	if client != nil {
		l.mu.Lock()
		l.clients[meta.ID] = client
		l.mu.Unlock()
	}

	result.Loaded = append(result.Loaded, meta.ID)
	l.logger.Info().Str("plugin", meta.ID).Msg("Plugin loaded")
}

// LoadExternal scans the install roots and loads every installed external
// plugin. Incompatible plugins are registered visibly disabled with a
// reason rather than omitted.
func (l *Loader) LoadExternal(ctx context.Context) plugin.LoadResult {
	result := plugin.LoadResult{Errors: make(map[string]error)}

	manifests := plugin.NewManifestLoader(l.logger)
	discovered, err := l.scanner.Scan()
	if err != nil {
		result.Errors["scan"] = err
		return result
	}

	for _, d := range discovered {
		if d.Archive {
			// Not-yet-installed package archives are the installer's concern
			continue
		}
		l.loadExternalPlugin(ctx, d, manifests, &result)
	}

	return result
}

func (l *Loader) loadExternalPlugin(ctx context.Context, d plugin.DiscoveredPlugin, manifests *plugin.ManifestLoader, result *plugin.LoadResult) {
	manifest, err := manifests.LoadManifest(d.ManifestPath)
	if err != nil {
		result.Failed = append(result.Failed, d.ID)
		result.Errors[d.ID] = err
		l.logger.Error().Err(err).Str("plugin", d.ID).Msg("Failed to load external manifest")
		return
	}

	meta, err := manifest.Metadata()
	if err != nil {
		result.Failed = append(result.Failed, d.ID)
		result.Errors[d.ID] = err
		return
	}

	enabled := d.Enabled
	if l.store != nil {
		if rec, found, err := l.store.Get(manifest.ID); err == nil && found {
			enabled = enabled && rec.Enabled
		}
	}
	if !enabled {
		if err := l.registry.RegisterDisabled(meta, "disabled by user"); err != nil {
			result.Errors[meta.ID] = err
			result.Failed = append(result.Failed, meta.ID)
			return
		}
		result.Disabled = append(result.Disabled, meta.ID)
		return
	}

	if ok, reason := l.detector.Check(meta.Compatibility); !ok {
		if err := l.registry.RegisterDisabled(meta, reason); err != nil {
			result.Errors[meta.ID] = err
			result.Failed = append(result.Failed, meta.ID)
			return
		}
		result.Disabled = append(result.Disabled, meta.ID)
		l.logger.Warn().Str("plugin", meta.ID).Str("reason", reason).Msg("External plugin incompatible, registered disabled")
		return
	}

	impl, client, err := l.dispense(d, manifest)
	if err != nil {
		result.Failed = append(result.Failed, meta.ID)
		result.Errors[meta.ID] = err
		l.logger.Error().Err(err).Str("plugin", meta.ID).Msg("Failed to start external plugin")
		return
	}

	if err := plugin.ValidateConformance(impl); err != nil {
		client.Kill()
		result.Failed = append(result.Failed, meta.ID)
		result.Errors[meta.ID] = err
		return
	}

	l.register(ctx, impl, meta, client, result)
}

// dispense launches the external plugin executable and connects over the
// plugin RPC protocol
func (l *Loader) dispense(d plugin.DiscoveredPlugin, manifest *plugin.Manifest) (plugin.Plugin, *goplugin.Client, error) {
	entrypoint := filepath.Join(d.Path, manifest.Entrypoint)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  plugin.Handshake,
		Plugins:          plugin.PluginMap,
		Cmd:              exec.Command(entrypoint),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense("plugin")
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	impl, ok := raw.(plugin.Plugin)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("unexpected plugin type %T", raw)
	}
	return impl, client, nil
}

// LoadAll loads builtins first, then external plugins, in a fixed order so
// built-in presentation is never perturbed by install order
func (l *Loader) LoadAll(ctx context.Context) plugin.LoadResult {
	builtin := l.LoadBuiltins(ctx)
	external := l.LoadExternal(ctx)

	merged := plugin.LoadResult{
		Loaded:   append(builtin.Loaded, external.Loaded...),
		Disabled: append(builtin.Disabled, external.Disabled...),
		Failed:   append(builtin.Failed, external.Failed...),
		Errors:   make(map[string]error, len(builtin.Errors)+len(external.Errors)),
	}
	for id, err := range builtin.Errors {
		merged.Errors[id] = err
	}
	for id, err := range external.Errors {
		merged.Errors[id] = err
	}
	return merged
}

// Registry returns the populated registry
func (l *Loader) Registry() *plugin.Registry {
	return l.registry
}

// Close deactivates and unregisters everything, killing subprocess-backed
// plugins
func (l *Loader) Close(ctx context.Context) {
	for _, entry := range l.registry.List() {
		if entry.Handle != nil {
			if h, ok := entry.Handle.(*sandbox.Handle); ok {
				_ = h.Deactivate(ctx)
			}
		}
	}
	l.registry.Reset()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, client := range l.clients {
		client.Kill()
		delete(l.clients, id)
	}
}
