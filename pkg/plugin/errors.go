package plugin

import "errors"

var (
	// ErrManifestValidation is returned when a manifest is malformed or
	// missing required fields; rejected before any I/O
	ErrManifestValidation = errors.New("manifest validation failed")

	// ErrIntegrity is returned on checksum or signature mismatch
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrPathTraversal is returned when an archive entry escapes the
	// extraction directory
	ErrPathTraversal = errors.New("archive entry escapes target directory")

	// ErrDependency is returned for malformed requirements, missing
	// dependencies and circular dependencies
	ErrDependency = errors.New("dependency error")

	// ErrPermissionDenied is returned when a plugin uses a capability it
	// was not granted
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNetwork is returned when a marketplace fetch fails and no cached
	// index exists
	ErrNetwork = errors.New("network error")

	// ErrInstall is returned for extraction and filesystem failures during
	// install; triggers rollback
	ErrInstall = errors.New("install error")

	// ErrAlreadyRegistered is returned on duplicate registry ids
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrNotRegistered is returned when a registry lookup misses
	ErrNotRegistered = errors.New("plugin not registered")

	// ErrIncompatible is returned when a plugin's declared requirements do
	// not match the running environment
	ErrIncompatible = errors.New("plugin incompatible with host")

	// ErrNotFound is returned when an installed plugin id does not exist
	ErrNotFound = errors.New("plugin not found")
)

// Kind maps an error to the machine-readable kind string exposed through
// the host-facing result shape. Unrecognized errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrManifestValidation):
		return "manifest_validation"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrPathTraversal):
		return "path_traversal"
	case errors.Is(err, ErrDependency):
		return "dependency"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrInstall):
		return "install"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIncompatible):
		return "incompatible"
	default:
		return "internal"
	}
}
