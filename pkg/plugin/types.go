package plugin

// State represents the lifecycle state of a plugin in the registry
type State string

const (
	StateLoading  State = "loading"
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateFailed   State = "failed"
)

// Permission represents a capability a plugin must be granted before use
type Permission string

const (
	PermissionFilesystem    Permission = "filesystem"
	PermissionNetwork       Permission = "network"
	PermissionSubprocess    Permission = "subprocess"
	PermissionElevated      Permission = "elevated-privilege"
	PermissionClipboard     Permission = "clipboard"
	PermissionNotifications Permission = "notifications"
)

// ValidPermissions is the set of all recognized permissions
var ValidPermissions = map[Permission]bool{
	PermissionFilesystem:    true,
	PermissionNetwork:       true,
	PermissionSubprocess:    true,
	PermissionElevated:      true,
	PermissionClipboard:     true,
	PermissionNotifications: true,
}

// Badge marks how a plugin is presented in listings
type Badge string

const (
	BadgeNone        Badge = ""
	BadgeCommunity   Badge = "community"
	BadgeRecommended Badge = "recommended"
	BadgeNew         Badge = "new"
	BadgeAdvanced    Badge = "advanced"
)

// Compatibility declares the environment a plugin requires
type Compatibility struct {
	MinHostVersion       string   `json:"minHostVersion,omitempty"`
	MaxHostVersion       string   `json:"maxHostVersion,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
}

// Dependency is a parsed version requirement on another plugin
type Dependency struct {
	ID       string `json:"id"`
	Operator string `json:"operator"`
	Version  string `json:"version"`
}

// Metadata describes a plugin for the registry and presentation layer.
// Treated as immutable once constructed.
type Metadata struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Category      string        `json:"category,omitempty"`
	Order         int           `json:"order,omitempty"`
	Badge         Badge         `json:"badge,omitempty"`
	Compatibility Compatibility `json:"compatibility,omitempty"`
	Permissions   []Permission  `json:"permissions,omitempty"`
	Dependencies  []Dependency  `json:"dependencies,omitempty"`
}

// Checksum identifies the digest a package archive must hash to
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// Manifest is the manifest.json descriptor bundled with a .plugin-package
// archive. One manifest per archive; validated before trust is extended.
type Manifest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Description  string        `json:"description,omitempty"`
	Category     string        `json:"category,omitempty"`
	Badge        Badge         `json:"badge,omitempty"`
	Entrypoint   string        `json:"entrypoint"`
	Checksum     Checksum      `json:"checksum"`
	Signature    string        `json:"signature,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Permissions  []Permission  `json:"permissions,omitempty"`
	Compat       Compatibility `json:"compatibility,omitempty"`
}

// Metadata derives presentation metadata from a package manifest
func (m *Manifest) Metadata() (Metadata, error) {
	deps := make([]Dependency, 0, len(m.Dependencies))
	for _, raw := range m.Dependencies {
		dep, err := ParseRequirement(raw)
		if err != nil {
			return Metadata{}, err
		}
		deps = append(deps, dep)
	}
	return Metadata{
		ID:            m.ID,
		Name:          m.Name,
		Description:   m.Description,
		Category:      m.Category,
		Badge:         m.Badge,
		Compatibility: m.Compat,
		Permissions:   append([]Permission(nil), m.Permissions...),
		Dependencies:  deps,
	}, nil
}

// DiscoveredPlugin is a candidate external plugin found by the scanner.
// Archive is set for not-yet-installed .plugin-package files.
type DiscoveredPlugin struct {
	ID           string
	Path         string
	ManifestPath string
	Enabled      bool
	Archive      bool
}

// DependencyGraph is the transient structure built per resolution request.
// Edges point from a dependent to its dependencies. Never persisted.
type DependencyGraph struct {
	Nodes map[string]Metadata
	Edges map[string][]string
}

// LoadResult summarizes one loader pass
type LoadResult struct {
	Loaded   []string
	Disabled []string
	Failed   []string
	Errors   map[string]error
}
