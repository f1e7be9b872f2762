package plugin

import (
	"context"
	"fmt"
)

// Plugin is the current (v2) plugin contract. All argument and return
// types are serializable so the same contract works in-process and over
// the subprocess RPC transport.
type Plugin interface {
	// Describe returns the plugin's presentation metadata
	Describe() Metadata

	// Activate is called once when the plugin is loaded
	Activate(ctx context.Context, config map[string]any) error

	// Deactivate is called when the plugin is unloaded
	Deactivate(ctx context.Context) error

	// Invoke executes a named operation exposed by the plugin
	Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error)
}

// LegacyPlugin is the older (v1) extension contract, kept alive through
// the adapter. Legacy plugins declare a display name, free-text info and a
// single Run entry point.
type LegacyPlugin interface {
	Name() string
	Info() string
	Run(ctx context.Context, action string) error
	IsCompatible(hostVersion string) bool
}

// Handle is what the registry holds for an active plugin: the sandboxed
// invocation surface plus release of per-plugin interception state.
type Handle interface {
	Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error)
	Release() error
}

// ValidateConformance checks a plugin satisfies the contract before it is
// registered: discovery validates conformance rather than assuming
// structural compatibility at call time.
func ValidateConformance(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrManifestValidation)
	}
	meta := p.Describe()
	if !pluginIDRegex.MatchString(meta.ID) {
		return fmt.Errorf("%w: plugin id %q is not a valid slug", ErrManifestValidation, meta.ID)
	}
	if meta.Name == "" {
		return fmt.Errorf("%w: plugin %s declares no name", ErrManifestValidation, meta.ID)
	}
	for _, perm := range meta.Permissions {
		if !ValidPermissions[perm] {
			return fmt.Errorf("%w: plugin %s declares unrecognized permission %q", ErrManifestValidation, meta.ID, perm)
		}
	}
	return nil
}
