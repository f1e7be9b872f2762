package install

import (
	"archive/zip"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

func disabledLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

type archiveEntry struct {
	name string
	data []byte
}

// writeZip builds an uncompressed archive so tests can corrupt payload
// bytes in place without tripping deflate framing first
func writeZip(t *testing.T, path string, entries []archiveEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for _, e := range entries {
		wr, err := w.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		require.NoError(t, err)
		_, err = wr.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// payloadDigest mirrors the sideload digest: every entry except the
// manifest and checksum duplicate, sorted by name, name then content
func payloadDigest(entries []archiveEntry) string {
	payload := make([]archiveEntry, 0, len(entries))
	for _, e := range entries {
		if e.name == plugin.ManifestFileName || e.name == ChecksumFileName {
			continue
		}
		payload = append(payload, e)
	}
	sort.Slice(payload, func(i, j int) bool { return payload[i].name < payload[j].name })

	h := sha256.New()
	for _, e := range payload {
		h.Write([]byte(e.name))
		h.Write(e.data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fileDigest(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h := sha256.New()
	_, err = io.Copy(h, f)
	require.NoError(t, err)
	return hex.EncodeToString(h.Sum(nil))
}

type pkgSpec struct {
	id      string
	version string
	deps    []string
	signer  ed25519.PrivateKey
	extra   []archiveEntry
}

// buildPackage assembles a complete installable archive: payload entries,
// a manifest carrying the payload digest, and the checksum.txt duplicate
func buildPackage(t *testing.T, dir string, spec pkgSpec) string {
	t.Helper()

	payload := append([]archiveEntry{
		{name: "plugin.bin", data: []byte("payload-body-" + spec.id)},
	}, spec.extra...)
	digest := payloadDigest(payload)

	manifest := plugin.Manifest{
		ID:           spec.id,
		Name:         spec.id,
		Version:      spec.version,
		Entrypoint:   "plugin.bin",
		Checksum:     plugin.Checksum{Algorithm: "sha256", Digest: digest},
		Dependencies: spec.deps,
	}
	if spec.signer != nil {
		raw, err := hex.DecodeString(digest)
		require.NoError(t, err)
		manifest.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(spec.signer, raw))
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)

	entries := append(payload,
		archiveEntry{name: plugin.ManifestFileName, data: manifestJSON},
		archiveEntry{name: ChecksumFileName, data: []byte(digest + "\n")},
	)

	path := filepath.Join(dir, spec.id+plugin.PackageExtension)
	writeZip(t, path, entries)
	return path
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "plugins.db"), disabledLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
