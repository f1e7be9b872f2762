package market

import (
	"time"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

// Entry describes one installable plugin in the marketplace index
type Entry struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Description  string              `json:"description,omitempty"`
	Category     string              `json:"category,omitempty"`
	Badge        plugin.Badge        `json:"badge,omitempty"`
	Checksum     plugin.Checksum     `json:"checksum"`
	DownloadURL  string              `json:"downloadUrl"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Permissions  []plugin.Permission `json:"permissions,omitempty"`
	Publisher    string              `json:"publisher,omitempty"`
}

// Index is the remote catalog of installable plugins, consumed read-only
type Index struct {
	Version   int     `json:"version"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
	Plugins   []Entry `json:"plugins"`
}

// IndexResult is a fetched index plus its provenance. Offline marks data
// served from the last-known-good cache after a network failure so callers
// can distinguish live from stale.
type IndexResult struct {
	Index     *Index
	Offline   bool
	FetchedAt time.Time
}
