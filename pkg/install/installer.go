// Package install implements the crash-safe plugin package lifecycle:
// integrity verification, dependency resolution, staged extraction with
// atomic publish, and backup-based uninstall and update.
package install

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/market"
	"github.com/ferrelion/grimoire/pkg/plugin"
)

// InstallState tracks progress through the install state machine
type InstallState string

const (
	StateDiscovered           InstallState = "discovered"
	StateVerified             InstallState = "verified"
	StateDependenciesResolved InstallState = "dependencies_resolved"
	StateExtracted            InstallState = "extracted"
	StateRegistered           InstallState = "registered"
	StateFailedInstall        InstallState = "failed"
)

// Source identifies a package archive to install. ExpectedChecksum is set
// when an external digest exists (the marketplace index entry); sideloads
// fall back to the manifest's payload checksum.
type Source struct {
	ArchivePath      string
	ExpectedChecksum *plugin.Checksum
}

// Options configures installer policy
type Options struct {
	// RequireSignature rejects packages without a signature
	RequireSignature bool

	// PublicKey verifies package signatures when present
	PublicKey ed25519.PublicKey
}

// Installer orchestrates verification, dependency resolution and staged
// extraction of plugin packages. Same-id operations are serialized by a
// per-id lock; cross-id operations run concurrently since they touch
// disjoint installed-plugin directories.
type Installer struct {
	installDir string
	stagingDir string
	backupDir  string
	store      *Store
	client     *market.Client
	manifests  *plugin.ManifestLoader
	resolver   *plugin.Resolver
	opts       Options
	logger     zerolog.Logger

	locks sync.Map // plugin id -> *sync.Mutex
}

// NewInstaller creates an installer rooted at installDir. Staging lives
// next to the install dir so the publish rename never crosses filesystems.
func NewInstaller(installDir string, store *Store, client *market.Client, opts Options, logger zerolog.Logger) (*Installer, error) {
	stagingDir := filepath.Join(installDir, ".staging")
	backupDir := filepath.Join(installDir, ".backups")
	for _, dir := range []string{installDir, stagingDir, backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	log := logger.With().Str("component", "installer").Logger()
	return &Installer{
		installDir: installDir,
		stagingDir: stagingDir,
		backupDir:  backupDir,
		store:      store,
		client:     client,
		manifests:  plugin.NewManifestLoader(log),
		resolver:   plugin.NewResolver(log),
		opts:       opts,
		logger:     log,
	}, nil
}

func (i *Installer) lockFor(id string) *sync.Mutex {
	mu, _ := i.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Install verifies, resolves and atomically installs a package archive.
// Verification and validation failures happen before any persistent
// mutation; once extraction begins, any failure rolls back completely.
func (i *Installer) Install(ctx context.Context, source Source) (*plugin.Manifest, error) {
	return i.install(ctx, source, map[string]bool{})
}

// install is the recursive core of Install. chain carries the ids already
// being installed in this call tree so a dependency cycle fails closed
// before it would re-enter a held per-id lock.
func (i *Installer) install(ctx context.Context, source Source, chain map[string]bool) (*plugin.Manifest, error) {
	// Discovered: the manifest is validated before trust is extended
	manifest, err := ReadArchiveManifest(source.ArchivePath, i.manifests)
	if err != nil {
		return nil, err
	}

	if chain[manifest.ID] {
		return nil, fmt.Errorf("%w: circular dependency: %s is already being installed", plugin.ErrDependency, manifest.ID)
	}
	chain[manifest.ID] = true
	defer delete(chain, manifest.ID)

	mu := i.lockFor(manifest.ID)
	mu.Lock()
	defer mu.Unlock()

	state := StateDiscovered
	log := i.logger.With().Str("plugin", manifest.ID).Str("version", manifest.Version).Logger()

	// Verified: integrity before any filesystem mutation
	if err := i.verify(source, manifest); err != nil {
		return nil, err
	}
	state = StateVerified

	// DependenciesResolved: recursively install anything missing
	if err := i.resolveDependencies(ctx, manifest, chain); err != nil {
		return nil, err
	}
	state = StateDependenciesResolved

	// Extracted: staging is removed on every exit path; on success the
	// publish rename leaves nothing behind for RemoveAll to do
	staging := filepath.Join(i.stagingDir, "staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %v", plugin.ErrInstall, err)
	}
	if err := ExtractArchive(ctx, source.ArchivePath, staging); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: install cancelled: %v", plugin.ErrInstall, err)
	}
	state = StateExtracted

	// Atomic publish: rename, never copy, so a partially-written plugin
	// is never discoverable by the scanner
	target := filepath.Join(i.installDir, manifest.ID)
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("%w: %s is already installed (use update)", plugin.ErrInstall, manifest.ID)
	}
	if err := os.Rename(staging, target); err != nil {
		return nil, fmt.Errorf("%w: failed to publish %s: %v", plugin.ErrInstall, manifest.ID, err)
	}

	// Registered: record persists only after a successfully-verified
	// manifest and a published directory
	rec := Record{
		ID:          manifest.ID,
		Version:     manifest.Version,
		Enabled:     true,
		InstallPath: target,
	}
	if err := i.store.Put(rec); err != nil {
		os.RemoveAll(target)
		return nil, fmt.Errorf("%w: failed to persist record: %v", plugin.ErrInstall, err)
	}
	state = StateRegistered

	log.Info().Str("state", string(state)).Msg("Plugin installed")
	return manifest, nil
}

// verify runs the integrity checks for a source
func (i *Installer) verify(source Source, manifest *plugin.Manifest) error {
	if source.ExpectedChecksum != nil {
		if err := VerifyChecksum(source.ArchivePath, *source.ExpectedChecksum); err != nil {
			return err
		}
	} else {
		if err := VerifyPayloadChecksum(source.ArchivePath, manifest.Checksum); err != nil {
			return err
		}
	}

	if manifest.Signature == "" {
		if i.opts.RequireSignature {
			return fmt.Errorf("%w: host policy requires a signed package", plugin.ErrIntegrity)
		}
		return nil
	}
	if i.opts.PublicKey == nil {
		// A signature cannot be checked without a publisher key. Under the
		// permissive policy the package stands on its checksum alone; a
		// strict policy with no key fails closed.
		if i.opts.RequireSignature {
			return fmt.Errorf("%w: package is signed but no publisher key is configured", plugin.ErrIntegrity)
		}
		i.logger.Debug().Str("plugin", manifest.ID).Msg("No publisher key configured, skipping signature check")
		return nil
	}
	return VerifySignature(manifest.Signature, manifest.Checksum.Digest, i.opts.PublicKey)
}

// resolveDependencies installs missing dependencies from the marketplace,
// depth-first, before the dependent continues
func (i *Installer) resolveDependencies(ctx context.Context, manifest *plugin.Manifest, chain map[string]bool) error {
	meta, err := manifest.Metadata()
	if err != nil {
		return err
	}

	installed, err := i.store.InstalledVersions()
	if err != nil {
		return fmt.Errorf("%w: %v", plugin.ErrInstall, err)
	}

	missing, err := i.resolver.Missing([]plugin.Metadata{meta}, installed)
	if err != nil {
		return err
	}

	for _, depID := range missing {
		if err := i.installFromMarketplace(ctx, depID, chain); err != nil {
			return fmt.Errorf("%w: dependency %s of %s: %v", plugin.ErrDependency, depID, manifest.ID, err)
		}
	}
	return nil
}

// InstallFromMarketplace downloads and installs a plugin by id using the
// marketplace index entry's checksum as the expected digest
func (i *Installer) InstallFromMarketplace(ctx context.Context, id string) (*plugin.Manifest, error) {
	if err := i.installFromMarketplace(ctx, id, map[string]bool{}); err != nil {
		return nil, err
	}
	rec, ok, err := i.store.Get(id)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s installed but record missing", plugin.ErrInstall, id)
	}
	return i.manifests.LoadManifest(filepath.Join(rec.InstallPath, plugin.ManifestFileName))
}

func (i *Installer) installFromMarketplace(ctx context.Context, id string, chain map[string]bool) error {
	if i.client == nil {
		return fmt.Errorf("%w: no marketplace client configured", plugin.ErrDependency)
	}

	entry, found, err := i.client.GetPlugin(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s not found in marketplace index", plugin.ErrDependency, id)
	}

	downloadDir, err := os.MkdirTemp(i.stagingDir, "download-")
	if err != nil {
		return fmt.Errorf("%w: failed to create download directory: %v", plugin.ErrInstall, err)
	}
	defer os.RemoveAll(downloadDir)

	archivePath, err := i.client.Download(ctx, entry, downloadDir)
	if err != nil {
		return err
	}

	checksum := entry.Checksum
	_, err = i.install(ctx, Source{ArchivePath: archivePath, ExpectedChecksum: &checksum}, chain)
	return err
}

// Uninstall removes an installed plugin. The plugin directory is snapshot
// to a backup location before removal and restored on any failure; the
// backup path is returned so callers can offer a restore action.
func (i *Installer) Uninstall(ctx context.Context, id string, createBackup bool) (string, error) {
	mu := i.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return i.uninstallLocked(ctx, id, createBackup)
}

func (i *Installer) uninstallLocked(ctx context.Context, id string, createBackup bool) (string, error) {
	rec, found, err := i.store.Get(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", plugin.ErrInstall, err)
	}
	if !found {
		return "", fmt.Errorf("%w: %s", plugin.ErrNotFound, id)
	}

	if !createBackup {
		if err := os.RemoveAll(rec.InstallPath); err != nil {
			return "", fmt.Errorf("%w: failed to remove %s: %v", plugin.ErrInstall, id, err)
		}
		if err := i.store.Delete(id); err != nil {
			return "", fmt.Errorf("%w: %v", plugin.ErrInstall, err)
		}
		return "", nil
	}

	suffix, err := gonanoid.New(8)
	if err != nil {
		return "", fmt.Errorf("%w: %v", plugin.ErrInstall, err)
	}
	backupPath := filepath.Join(i.backupDir, fmt.Sprintf("%s-%s-%s", id, rec.Version, suffix))

	if err := i.store.SetBackupPath(id, backupPath); err != nil {
		return "", fmt.Errorf("%w: %v", plugin.ErrInstall, err)
	}

	// Snapshot before removal; rename is the removal
	if err := os.Rename(rec.InstallPath, backupPath); err != nil {
		_ = i.store.SetBackupPath(id, "")
		return "", fmt.Errorf("%w: failed to back up %s: %v", plugin.ErrInstall, id, err)
	}

	if err := i.store.Delete(id); err != nil {
		// Restore prior state from the backup
		if restoreErr := os.Rename(backupPath, rec.InstallPath); restoreErr != nil {
			i.logger.Error().Err(restoreErr).Str("plugin", id).Msg("Rollback failed, backup retained")
		} else {
			_ = i.store.SetBackupPath(id, "")
		}
		return "", fmt.Errorf("%w: failed to delete record: %v", plugin.ErrInstall, err)
	}

	i.logger.Info().Str("plugin", id).Str("backup", backupPath).Msg("Plugin uninstalled")
	return backupPath, nil
}

// Restore reinstates a previously uninstalled plugin from its backup path
func (i *Installer) Restore(id, version, backupPath string) error {
	mu := i.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	target := filepath.Join(i.installDir, id)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%w: %s is already installed", plugin.ErrInstall, id)
	}
	if err := os.Rename(backupPath, target); err != nil {
		return fmt.Errorf("%w: failed to restore %s: %v", plugin.ErrInstall, id, err)
	}
	return i.store.Put(Record{ID: id, Version: version, Enabled: true, InstallPath: target})
}

// Update replaces an installed plugin with a newer package. The old
// version's backup is retained until the new version registers; on any
// failure the old version is restored.
func (i *Installer) Update(ctx context.Context, id string, source Source) (*plugin.Manifest, error) {
	mu := i.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	oldRec, found, err := i.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrInstall, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", plugin.ErrNotFound, id)
	}

	backupPath, err := i.uninstallLocked(ctx, id, true)
	if err != nil {
		return nil, err
	}

	manifest, err := i.installNewVersion(ctx, id, source)
	if err != nil {
		if restoreErr := i.restoreLocked(oldRec, backupPath); restoreErr != nil {
			i.logger.Error().Err(restoreErr).Str("plugin", id).Msg("Failed to restore prior version, backup retained")
		}
		return nil, err
	}

	// New version registered; the old backup is no longer needed
	if err := os.RemoveAll(backupPath); err != nil {
		i.logger.Warn().Err(err).Str("plugin", id).Msg("Failed to prune update backup")
	}
	return manifest, nil
}

// UpdateFromMarketplace updates an installed plugin to the version in the
// marketplace index
func (i *Installer) UpdateFromMarketplace(ctx context.Context, id string) (*plugin.Manifest, error) {
	if i.client == nil {
		return nil, fmt.Errorf("%w: no marketplace client configured", plugin.ErrDependency)
	}

	entry, found, err := i.client.GetPlugin(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s not found in marketplace index", plugin.ErrDependency, id)
	}

	downloadDir, err := os.MkdirTemp(i.stagingDir, "download-")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create download directory: %v", plugin.ErrInstall, err)
	}
	defer os.RemoveAll(downloadDir)

	archivePath, err := i.client.Download(ctx, entry, downloadDir)
	if err != nil {
		return nil, err
	}

	checksum := entry.Checksum
	return i.Update(ctx, id, Source{ArchivePath: archivePath, ExpectedChecksum: &checksum})
}

// installNewVersion is the install path used by Update; the per-id lock is
// already held so it skips re-acquisition
func (i *Installer) installNewVersion(ctx context.Context, id string, source Source) (*plugin.Manifest, error) {
	manifest, err := ReadArchiveManifest(source.ArchivePath, i.manifests)
	if err != nil {
		return nil, err
	}
	if manifest.ID != id {
		return nil, fmt.Errorf("%w: update archive is for %s, not %s", plugin.ErrManifestValidation, manifest.ID, id)
	}

	if err := i.verify(source, manifest); err != nil {
		return nil, err
	}
	// The per-id lock is already held, so the id seeds the chain to keep a
	// dependency cycle from re-entering it
	if err := i.resolveDependencies(ctx, manifest, map[string]bool{id: true}); err != nil {
		return nil, err
	}

	staging := filepath.Join(i.stagingDir, "staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %v", plugin.ErrInstall, err)
	}
	if err := ExtractArchive(ctx, source.ArchivePath, staging); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: update cancelled: %v", plugin.ErrInstall, err)
	}

	target := filepath.Join(i.installDir, manifest.ID)
	if err := os.Rename(staging, target); err != nil {
		return nil, fmt.Errorf("%w: failed to publish %s: %v", plugin.ErrInstall, manifest.ID, err)
	}

	rec := Record{ID: manifest.ID, Version: manifest.Version, Enabled: true, InstallPath: target}
	if err := i.store.Put(rec); err != nil {
		os.RemoveAll(target)
		return nil, fmt.Errorf("%w: failed to persist record: %v", plugin.ErrInstall, err)
	}
	return manifest, nil
}

func (i *Installer) restoreLocked(rec Record, backupPath string) error {
	target := filepath.Join(i.installDir, rec.ID)
	os.RemoveAll(target)
	if err := os.Rename(backupPath, target); err != nil {
		return fmt.Errorf("failed to restore %s from backup: %w", rec.ID, err)
	}
	rec.InstallPath = target
	rec.BackupPath = ""
	return i.store.Put(rec)
}

// ListInstalled enumerates the manifests of all installed plugins
func (i *Installer) ListInstalled() ([]*plugin.Manifest, error) {
	records, err := i.store.List()
	if err != nil {
		return nil, err
	}

	manifests := make([]*plugin.Manifest, 0, len(records))
	for _, rec := range records {
		manifest, err := i.manifests.LoadManifest(filepath.Join(rec.InstallPath, plugin.ManifestFileName))
		if err != nil {
			i.logger.Warn().Err(err).Str("plugin", rec.ID).Msg("Skipping installed plugin with unreadable manifest")
			continue
		}
		manifests = append(manifests, manifest)
	}
	return manifests, nil
}

// SetEnabled flips an installed plugin's enabled flag in the record store
func (i *Installer) SetEnabled(id string, enabled bool) error {
	mu := i.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return i.store.SetEnabled(id, enabled)
}

// Store exposes the record store for collaborators (loader, host facade)
func (i *Installer) Store() *Store {
	return i.store
}
