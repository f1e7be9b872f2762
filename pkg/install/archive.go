package install

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

// ChecksumFileName is the human-inspectable duplicate of the manifest
// digest bundled in every package archive
const ChecksumFileName = "checksum.txt"

// maxDecompressedEntry caps a single archive entry to keep a hostile
// package from exhausting disk during extraction
const maxDecompressedEntry = 512 * 1024 * 1024

// ReadArchiveManifest reads and validates the manifest from a package
// archive without extracting it. When the archive carries a checksum.txt,
// its digest must agree with the manifest.
func ReadArchiveManifest(archivePath string, loader *plugin.ManifestLoader) (*plugin.Manifest, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var manifest *plugin.Manifest
	var checksumTxt string

	for _, f := range r.File {
		switch f.Name {
		case plugin.ManifestFileName:
			data, err := readArchiveEntry(f)
			if err != nil {
				return nil, err
			}
			manifest, err = loader.ParseManifest(data)
			if err != nil {
				return nil, err
			}
		case ChecksumFileName:
			data, err := readArchiveEntry(f)
			if err != nil {
				return nil, err
			}
			checksumTxt = strings.TrimSpace(string(data))
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("%w: archive carries no %s", plugin.ErrManifestValidation, plugin.ManifestFileName)
	}
	if checksumTxt != "" && !strings.EqualFold(checksumTxt, manifest.Checksum.Digest) {
		return nil, fmt.Errorf("%w: %s disagrees with manifest digest", plugin.ErrIntegrity, ChecksumFileName)
	}

	return manifest, nil
}

func readArchiveEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDecompressedEntry))
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) {
			return nil, fmt.Errorf("%w: archive entry %s is corrupted", plugin.ErrIntegrity, f.Name)
		}
		return nil, fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
	}
	return data, nil
}

// ExtractArchive extracts a package archive into destDir. Every entry path
// is validated against destDir before any byte is written; an entry that
// would resolve outside it aborts the extraction. Honors ctx cancellation
// between entries.
func ExtractArchive(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: failed to open archive: %v", plugin.ErrInstall, err)
	}
	defer r.Close()

	// Reject traversal on all entries before writing anything
	for _, f := range r.File {
		if _, err := securePath(destDir, f.Name); err != nil {
			return err
		}
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: extraction cancelled: %v", plugin.ErrInstall, err)
		}

		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: failed to create directory %s: %v", plugin.ErrInstall, f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%w: failed to create directory for %s: %v", plugin.ErrInstall, f.Name, err)
		}

		if err := extractEntry(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open archive entry %s: %v", plugin.ErrInstall, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to create %s: %v", plugin.ErrInstall, target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(rc, maxDecompressedEntry)); err != nil {
		return fmt.Errorf("%w: failed to extract %s: %v", plugin.ErrInstall, f.Name, err)
	}
	return nil
}

// securePath resolves an archive entry name under root, rejecting absolute
// paths and any ../ traversal before a write can happen
func securePath(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute entry path %q", plugin.ErrPathTraversal, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q", plugin.ErrPathTraversal, name)
	}
	target := filepath.Join(root, cleaned)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q resolves outside target", plugin.ErrPathTraversal, name)
	}
	return target, nil
}
