package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

	// semverRegex validates semver version format
	semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ManifestLoader loads and validates package manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// LoadManifest loads and validates a manifest from a file
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return m.ParseManifest(data)
}

// ParseManifest parses and validates a manifest from JSON bytes
func (m *ManifestLoader) ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest JSON: %v", ErrManifestValidation, err)
	}

	if err := m.validateSchema(data); err != nil {
		return nil, err
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

// validateSchema validates raw manifest bytes against the JSON schema
func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: schema validation error: %v", ErrManifestValidation, err)
	}

	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return fmt.Errorf("%w: %s", ErrManifestValidation, errMsg)
	}

	return nil
}

// validateManifest performs validation beyond what the JSON schema expresses
func validateManifest(manifest *Manifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("%w: invalid plugin ID format: %s (must be lowercase alphanumeric with hyphens)", ErrManifestValidation, manifest.ID)
	}

	if !semverRegex.MatchString(manifest.Version) {
		return fmt.Errorf("%w: invalid version format: %s (must be semver: X.Y.Z)", ErrManifestValidation, manifest.Version)
	}

	if manifest.Entrypoint == "" {
		return fmt.Errorf("%w: entrypoint cannot be empty", ErrManifestValidation)
	}

	if manifest.Checksum.Algorithm == "" || manifest.Checksum.Digest == "" {
		return fmt.Errorf("%w: checksum algorithm and digest are required", ErrManifestValidation)
	}

	for i, raw := range manifest.Dependencies {
		if _, err := ParseRequirement(raw); err != nil {
			return fmt.Errorf("%w: dependency %d: %v", ErrManifestValidation, i, err)
		}
	}

	for i, perm := range manifest.Permissions {
		if !ValidPermissions[perm] {
			return fmt.Errorf("%w: permission %d: unrecognized permission: %s", ErrManifestValidation, i, perm)
		}
	}

	return nil
}
