// Package service is the host-facing contract: every marketplace and
// lifecycle operation returns a uniform result shape so the CLI or GUI can
// render success and failure without knowing internal error kinds.
package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/install"
	"github.com/ferrelion/grimoire/pkg/market"
	"github.com/ferrelion/grimoire/pkg/plugin"
)

// ResultError is the machine-readable error surface of a failed operation
type ResultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the uniform shape every host-facing operation returns
type Result struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	return Result{Success: false, Error: &ResultError{
		Kind:    plugin.Kind(err),
		Message: err.Error(),
	}}
}

// SearchData is the payload of a successful search
type SearchData struct {
	Plugins []market.Entry `json:"plugins"`
	Offline bool           `json:"offline"`
}

// InstallData is the payload of a successful install or update
type InstallData struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// UninstallData carries the backup path so callers can offer a restore
type UninstallData struct {
	ID         string `json:"id"`
	BackupPath string `json:"backupPath,omitempty"`
}

// Service wires the marketplace client and installer behind the uniform
// result contract
type Service struct {
	client    *market.Client
	installer *install.Installer
	logger    zerolog.Logger
}

// New creates the host-facing service
func New(client *market.Client, installer *install.Installer, logger zerolog.Logger) *Service {
	return &Service{
		client:    client,
		installer: installer,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Search queries the marketplace index
func (s *Service) Search(ctx context.Context, query, category string) Result {
	entries, indexResult, err := s.client.Search(ctx, query, category)
	if err != nil {
		return fail(err)
	}
	return ok(SearchData{Plugins: entries, Offline: indexResult.Offline})
}

// Info returns a single marketplace index entry by id
func (s *Service) Info(ctx context.Context, id string) Result {
	entry, found, err := s.client.GetPlugin(ctx, id)
	if err != nil {
		return fail(err)
	}
	if !found {
		return fail(fmt.Errorf("%w: %s is not in the marketplace index", plugin.ErrNotFound, id))
	}
	return ok(*entry)
}

// Install installs a plugin by marketplace id
func (s *Service) Install(ctx context.Context, id string) Result {
	manifest, err := s.installer.InstallFromMarketplace(ctx, id)
	if err != nil {
		return fail(err)
	}
	return ok(InstallData{ID: manifest.ID, Version: manifest.Version})
}

// InstallArchive sideloads a local package archive
func (s *Service) InstallArchive(ctx context.Context, archivePath string) Result {
	manifest, err := s.installer.Install(ctx, install.Source{ArchivePath: archivePath})
	if err != nil {
		return fail(err)
	}
	return ok(InstallData{ID: manifest.ID, Version: manifest.Version})
}

// Uninstall removes an installed plugin, returning the backup path
func (s *Service) Uninstall(ctx context.Context, id string) Result {
	backupPath, err := s.installer.Uninstall(ctx, id, true)
	if err != nil {
		return fail(err)
	}
	return ok(UninstallData{ID: id, BackupPath: backupPath})
}

// Update replaces an installed plugin with the marketplace version
func (s *Service) Update(ctx context.Context, id string) Result {
	manifest, err := s.installer.UpdateFromMarketplace(ctx, id)
	if err != nil {
		return fail(err)
	}
	return ok(InstallData{ID: manifest.ID, Version: manifest.Version})
}

// ListInstalled enumerates installed plugin manifests
func (s *Service) ListInstalled(ctx context.Context) Result {
	manifests, err := s.installer.ListInstalled()
	if err != nil {
		return fail(err)
	}
	return ok(manifests)
}

// SetEnabled flips an installed plugin's enabled flag
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) Result {
	if err := s.installer.SetEnabled(id, enabled); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"id": id, "enabled": enabled})
}
