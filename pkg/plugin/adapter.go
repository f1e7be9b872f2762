package plugin

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// legacyOrderBase places adapted legacy plugins after all native plugins
// within their category
const legacyOrderBase = 1000

// legacyCategory is assigned when a legacy plugin declares no category
const legacyCategory = "legacy"

var slugStripRegex = regexp.MustCompile(`[^a-z0-9-]+`)

// LegacyCategorizer is optionally implemented by legacy plugins that
// declare their own presentation placement
type LegacyCategorizer interface {
	Category() string
	Order() int
}

// Adapter bridges the legacy (v1) plugin contract onto the current one.
// Compatibility checks are delegated to the CompatDetector's host version;
// derived metadata is computed once per adapted instance.
type Adapter struct {
	detector *CompatDetector
	logger   zerolog.Logger
}

// NewAdapter creates a legacy plugin adapter
func NewAdapter(detector *CompatDetector, logger zerolog.Logger) *Adapter {
	return &Adapter{
		detector: detector,
		logger:   logger.With().Str("component", "plugin-adapter").Logger(),
	}
}

// Adapt wraps a legacy plugin in the current contract. The derived id is
// the normalized plugin name (lowercase, spaces to hyphens).
func (a *Adapter) Adapt(legacy LegacyPlugin, order int) (*AdaptedPlugin, error) {
	if legacy == nil {
		return nil, fmt.Errorf("%w: nil legacy plugin", ErrManifestValidation)
	}

	id := Slugify(legacy.Name())
	if id == "" {
		return nil, fmt.Errorf("%w: legacy plugin name %q yields an empty id", ErrManifestValidation, legacy.Name())
	}

	category := legacyCategory
	presentationOrder := legacyOrderBase + order
	if c, ok := legacy.(LegacyCategorizer); ok {
		if c.Category() != "" {
			category = c.Category()
		}
		presentationOrder = c.Order()
	}

	meta := Metadata{
		ID:          id,
		Name:        legacy.Name(),
		Description: legacy.Info(),
		Category:    category,
		Order:       presentationOrder,
		Badge:       BadgeCommunity,
	}

	a.logger.Debug().
		Str("id", id).
		Str("category", category).
		Msg("Adapted legacy plugin")

	return &AdaptedPlugin{
		legacy:   legacy,
		metadata: meta,
		detector: a.detector,
	}, nil
}

// Slugify normalizes a display name into a stable slug id
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStripRegex.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}

// AdaptedPlugin exposes a legacy plugin through the current contract.
// Metadata is derived once at adaptation time, never recomputed per call.
type AdaptedPlugin struct {
	legacy   LegacyPlugin
	metadata Metadata
	detector *CompatDetector
}

// Describe returns the cached derived metadata
func (p *AdaptedPlugin) Describe() Metadata {
	return p.metadata
}

// Compatible delegates the compatibility decision to the legacy plugin
// against the detector's host version
func (p *AdaptedPlugin) Compatible() (bool, string) {
	if !p.legacy.IsCompatible(p.detector.HostVersion()) {
		return false, fmt.Sprintf("legacy plugin reports incompatibility with host %s", p.detector.HostVersion())
	}
	return true, ""
}

// Activate is a no-op for legacy plugins; v1 had no lifecycle hooks
func (p *AdaptedPlugin) Activate(ctx context.Context, config map[string]any) error {
	return nil
}

// Deactivate is a no-op for legacy plugins
func (p *AdaptedPlugin) Deactivate(ctx context.Context) error {
	return nil
}

// Invoke maps an operation onto the legacy Run entry point
func (p *AdaptedPlugin) Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error) {
	if err := p.legacy.Run(ctx, op); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}
