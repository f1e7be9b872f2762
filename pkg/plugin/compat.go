package plugin

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// CompatDetector evaluates declared compatibility requirements against the
// running environment
type CompatDetector struct {
	hostVersion  *semver.Version
	capabilities map[string]bool
	logger       zerolog.Logger
}

// NewCompatDetector creates a detector for the given host version and
// environment capability set
func NewCompatDetector(hostVersion string, capabilities []string, logger zerolog.Logger) (*CompatDetector, error) {
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}

	capSet := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = true
	}

	return &CompatDetector{
		hostVersion:  v,
		capabilities: capSet,
		logger:       logger.With().Str("component", "compat-detector").Logger(),
	}, nil
}

// Check reports whether the requirements are satisfied. When they are not,
// the returned reason is human-readable and suitable for display.
func (d *CompatDetector) Check(compat Compatibility) (bool, string) {
	if compat.MinHostVersion != "" {
		min, err := semver.NewVersion(compat.MinHostVersion)
		if err != nil {
			return false, fmt.Sprintf("invalid minimum host version %q", compat.MinHostVersion)
		}
		if d.hostVersion.LessThan(min) {
			return false, fmt.Sprintf("requires host version >= %s (running %s)", compat.MinHostVersion, d.hostVersion)
		}
	}

	if compat.MaxHostVersion != "" {
		max, err := semver.NewVersion(compat.MaxHostVersion)
		if err != nil {
			return false, fmt.Sprintf("invalid maximum host version %q", compat.MaxHostVersion)
		}
		if d.hostVersion.GreaterThan(max) {
			return false, fmt.Sprintf("requires host version <= %s (running %s)", compat.MaxHostVersion, d.hostVersion)
		}
	}

	var missing []string
	for _, cap := range compat.RequiredCapabilities {
		if !d.capabilities[cap] {
			missing = append(missing, cap)
		}
	}
	if len(missing) > 0 {
		return false, fmt.Sprintf("missing environment capabilities: %s", strings.Join(missing, ", "))
	}

	return true, ""
}

// Require returns ErrIncompatible with the reason when Check fails
func (d *CompatDetector) Require(id string, compat Compatibility) error {
	ok, reason := d.Check(compat)
	if !ok {
		d.logger.Debug().Str("plugin", id).Str("reason", reason).Msg("Plugin incompatible")
		return fmt.Errorf("%w: %s: %s", ErrIncompatible, id, reason)
	}
	return nil
}

// HostVersion returns the detector's host version string
func (d *CompatDetector) HostVersion() string {
	return d.hostVersion.String()
}
