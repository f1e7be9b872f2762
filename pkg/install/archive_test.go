package install

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

func manifestJSON(t *testing.T, m plugin.Manifest) []byte {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestReadArchiveManifest(t *testing.T) {
	loader := plugin.NewManifestLoader(disabledLogger())
	valid := plugin.Manifest{
		ID:         "demo",
		Name:       "Demo",
		Version:    "1.0.0",
		Entrypoint: "plugin.bin",
		Checksum:   plugin.Checksum{Algorithm: "sha256", Digest: "aa00"},
	}

	t.Run("reads the manifest without extracting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{
			{name: plugin.ManifestFileName, data: manifestJSON(t, valid)},
			{name: "plugin.bin", data: []byte("x")},
		})

		manifest, err := ReadArchiveManifest(path, loader)
		require.NoError(t, err)
		assert.Equal(t, "demo", manifest.ID)
		assert.Equal(t, "1.0.0", manifest.Version)
	})

	t.Run("checksum.txt must agree with the manifest digest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{
			{name: plugin.ManifestFileName, data: manifestJSON(t, valid)},
			{name: ChecksumFileName, data: []byte("AA00\n")},
			{name: "plugin.bin", data: []byte("x")},
		})

		manifest, err := ReadArchiveManifest(path, loader)
		require.NoError(t, err, "case differences and trailing whitespace are tolerated")
		assert.Equal(t, "demo", manifest.ID)
	})

	t.Run("disagreeing checksum.txt is an integrity failure", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{
			{name: plugin.ManifestFileName, data: manifestJSON(t, valid)},
			{name: ChecksumFileName, data: []byte("beef\n")},
		})

		_, err := ReadArchiveManifest(path, loader)
		assert.ErrorIs(t, err, plugin.ErrIntegrity)
	})

	t.Run("archive without a manifest is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{{name: "plugin.bin", data: []byte("x")}})

		_, err := ReadArchiveManifest(path, loader)
		assert.ErrorIs(t, err, plugin.ErrManifestValidation)
	})

	t.Run("invalid manifest surfaces the validation error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{
			{name: plugin.ManifestFileName, data: []byte(`{"id":"UPPERCASE"}`)},
		})

		_, err := ReadArchiveManifest(path, loader)
		assert.ErrorIs(t, err, plugin.ErrManifestValidation)
	})
}

func TestExtractArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("extracts files and nested directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{
			{name: "plugin.bin", data: []byte("binary")},
			{name: "assets/icons/main.svg", data: []byte("<svg/>")},
		})

		dest := t.TempDir()
		require.NoError(t, ExtractArchive(ctx, path, dest))

		data, err := os.ReadFile(filepath.Join(dest, "plugin.bin"))
		require.NoError(t, err)
		assert.Equal(t, []byte("binary"), data)

		data, err = os.ReadFile(filepath.Join(dest, "assets", "icons", "main.svg"))
		require.NoError(t, err)
		assert.Equal(t, []byte("<svg/>"), data)
	})

	t.Run("a traversal entry aborts before anything is written", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "evil.zip")
		writeZip(t, path, []archiveEntry{
			{name: "innocent.txt", data: []byte("hello")},
			{name: "../../escape.txt", data: []byte("pwned")},
		})

		parent := t.TempDir()
		dest := filepath.Join(parent, "plugins", "evil")
		require.NoError(t, os.MkdirAll(dest, 0o755))

		err := ExtractArchive(ctx, path, dest)
		require.ErrorIs(t, err, plugin.ErrPathTraversal)

		// Even the innocent entry listed before the traversal stays unwritten
		entries, err := os.ReadDir(dest)
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = os.Stat(filepath.Join(parent, "escape.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("absolute entry paths are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "abs.zip")
		writeZip(t, path, []archiveEntry{{name: "/etc/cron.d/backdoor", data: []byte("x")}})

		err := ExtractArchive(ctx, path, t.TempDir())
		assert.ErrorIs(t, err, plugin.ErrPathTraversal)
	})

	t.Run("cancellation stops extraction", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.zip")
		writeZip(t, path, []archiveEntry{{name: "plugin.bin", data: []byte("x")}})

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		err := ExtractArchive(cancelled, path, t.TempDir())
		assert.ErrorIs(t, err, plugin.ErrInstall)
	})
}

func TestSecurePath(t *testing.T) {
	root := filepath.Join(string(os.PathSeparator), "srv", "plugins", "demo")

	t.Run("clean relative paths resolve under root", func(t *testing.T) {
		target, err := securePath(root, "assets/icon.svg")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "assets", "icon.svg"), target)
	})

	t.Run("traversal variants are rejected", func(t *testing.T) {
		for _, name := range []string{
			"../escape.txt",
			"../../escape.txt",
			"..",
			"a/../../escape.txt",
			"/absolute.txt",
		} {
			_, err := securePath(root, name)
			assert.ErrorIs(t, err, plugin.ErrPathTraversal, name)
		}
	})

	t.Run("interior dot segments that stay inside are fine", func(t *testing.T) {
		target, err := securePath(root, "a/../b.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "b.txt"), target)
	})
}
