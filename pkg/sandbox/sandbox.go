// Package sandbox enforces a declared permission set at the call boundary
// of a loaded plugin. The handle returned by Wrap is the only surface a
// plugin's operations run through; anything not granted at construction is
// denied, and the granted set never changes afterwards.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

// Handle is a per-plugin-instance capability surface. Each wrapped plugin
// receives its own handle with an independent grant set; grants are copied
// at construction and never escalated at runtime.
type Handle struct {
	pluginID string
	impl     plugin.Plugin
	grants   map[plugin.Permission]bool
	services Services
	logger   zerolog.Logger

	released bool
	mu       sync.RWMutex
}

// Wrap builds a sandboxed handle around a plugin instance with exactly the
// given granted permissions
func Wrap(impl plugin.Plugin, grants []plugin.Permission, services Services, logger zerolog.Logger) *Handle {
	grantSet := make(map[plugin.Permission]bool, len(grants))
	for _, g := range grants {
		grantSet[g] = true
	}

	meta := impl.Describe()
	return &Handle{
		pluginID: meta.ID,
		impl:     impl,
		grants:   grantSet,
		services: services,
		logger:   logger.With().Str("component", "sandbox").Str("plugin", meta.ID).Logger(),
	}
}

// PluginID returns the id of the wrapped plugin
func (h *Handle) PluginID() string {
	return h.pluginID
}

// Granted reports whether a permission was granted at construction
func (h *Handle) Granted(perm plugin.Permission) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.released && h.grants[perm]
}

// Release invalidates the handle and drops its interception state. Every
// call after Release fails with ErrHandleReleased.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.grants = nil
	h.logger.Debug().Msg("Sandbox handle released")
	return nil
}

// require gates a capability call on the handle's grant set
func (h *Handle) require(perm plugin.Permission) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.released {
		return fmt.Errorf("%w: plugin %s", ErrHandleReleased, h.pluginID)
	}
	if !h.grants[perm] {
		h.logger.Warn().Str("capability", string(perm)).Msg("Capability denied")
		return fmt.Errorf("%w: plugin %s lacks capability %q", plugin.ErrPermissionDenied, h.pluginID, perm)
	}
	return nil
}

// Activate activates the wrapped plugin. Activation itself needs no
// capability; anything the plugin does afterwards goes through the handle.
func (h *Handle) Activate(ctx context.Context, config map[string]any) error {
	h.mu.RLock()
	released := h.released
	h.mu.RUnlock()
	if released {
		return fmt.Errorf("%w: plugin %s", ErrHandleReleased, h.pluginID)
	}
	return h.impl.Activate(ctx, config)
}

// Deactivate deactivates the wrapped plugin
func (h *Handle) Deactivate(ctx context.Context) error {
	h.mu.RLock()
	released := h.released
	h.mu.RUnlock()
	if released {
		return fmt.Errorf("%w: plugin %s", ErrHandleReleased, h.pluginID)
	}
	return h.impl.Deactivate(ctx)
}

// Invoke passes an operation through to the wrapped plugin
func (h *Handle) Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error) {
	h.mu.RLock()
	released := h.released
	h.mu.RUnlock()
	if released {
		return nil, fmt.Errorf("%w: plugin %s", ErrHandleReleased, h.pluginID)
	}
	return h.impl.Invoke(ctx, op, params)
}

// ReadFile reads a file on the plugin's behalf (filesystem capability)
func (h *Handle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := h.require(plugin.PermissionFilesystem); err != nil {
		return nil, err
	}
	return h.services.ReadFile(ctx, path)
}

// WriteFile writes a file on the plugin's behalf (filesystem capability)
func (h *Handle) WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := h.require(plugin.PermissionFilesystem); err != nil {
		return err
	}
	return h.services.WriteFile(ctx, path, data, perm)
}

// HTTPDo performs an outbound HTTP request (network capability)
func (h *Handle) HTTPDo(req *http.Request) (*http.Response, error) {
	if err := h.require(plugin.PermissionNetwork); err != nil {
		return nil, err
	}
	return h.services.HTTPDo(req)
}

// Spawn runs a subprocess on the plugin's behalf (subprocess capability)
func (h *Handle) Spawn(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := h.require(plugin.PermissionSubprocess); err != nil {
		return nil, err
	}
	return h.services.Spawn(ctx, name, args...)
}

// ReadClipboard reads the clipboard (clipboard capability)
func (h *Handle) ReadClipboard(ctx context.Context) (string, error) {
	if err := h.require(plugin.PermissionClipboard); err != nil {
		return "", err
	}
	return h.services.ReadClipboard(ctx)
}

// WriteClipboard writes the clipboard (clipboard capability)
func (h *Handle) WriteClipboard(ctx context.Context, text string) error {
	if err := h.require(plugin.PermissionClipboard); err != nil {
		return err
	}
	return h.services.WriteClipboard(ctx, text)
}

// Notify dispatches a desktop notification (notifications capability)
func (h *Handle) Notify(ctx context.Context, title, body string) error {
	if err := h.require(plugin.PermissionNotifications); err != nil {
		return err
	}
	return h.services.Notify(ctx, title, body)
}
