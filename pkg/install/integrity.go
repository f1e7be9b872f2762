package install

import (
	"archive/zip"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

// verifyChunkSize bounds how much of an archive is held in memory while
// hashing
const verifyChunkSize = 64 * 1024

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", plugin.ErrManifestValidation, algorithm)
	}
}

// VerifyChecksum hashes the file at path in bounded chunks and compares
// the digest case-insensitively against the expected checksum. A mismatch
// is an integrity failure; an unreadable file stays an I/O error.
func VerifyChecksum(path string, expected plugin.Checksum) error {
	hasher, err := newHasher(expected.Algorithm)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	buf := make([]byte, verifyChunkSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected.Digest) {
		return fmt.Errorf("%w: digest mismatch: expected %s, got %s", plugin.ErrIntegrity, strings.ToLower(expected.Digest), actual)
	}
	return nil
}

// VerifyPayloadChecksum hashes a package archive's payload entries (every
// entry except the manifest and its human-readable checksum duplicate) in
// name order and compares against the manifest's declared checksum. This
// is the sideload path, where no external digest is available.
func VerifyPayloadChecksum(archivePath string, expected plugin.Checksum) error {
	hasher, err := newHasher(expected.Algorithm)
	if err != nil {
		return err
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	files := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if f.Name == plugin.ManifestFileName || f.Name == ChecksumFileName {
			continue
		}
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	buf := make([]byte, verifyChunkSize)
	for _, f := range files {
		hasher.Write([]byte(f.Name))
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
		}
		_, err = io.CopyBuffer(hasher, rc, buf)
		rc.Close()
		if err != nil {
			if errors.Is(err, zip.ErrChecksum) {
				return fmt.Errorf("%w: archive entry %s is corrupted", plugin.ErrIntegrity, f.Name)
			}
			return fmt.Errorf("failed to hash archive entry %s: %w", f.Name, err)
		}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, expected.Digest) {
		return fmt.Errorf("%w: payload digest mismatch: expected %s, got %s", plugin.ErrIntegrity, strings.ToLower(expected.Digest), actual)
	}
	return nil
}

// LoadPublicKey reads a hex-encoded ed25519 publisher key from disk
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("public key is not valid hex: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has length %d, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// VerifySignature checks an ed25519 signature over the package digest.
// Absence of a signature is handled by the caller per host policy; this
// only runs when a signature is present.
func VerifySignature(signatureB64 string, digestHex string, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key length %d", plugin.ErrIntegrity, len(publicKey))
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64: %v", plugin.ErrIntegrity, err)
	}

	digest, err := hex.DecodeString(strings.ToLower(digestHex))
	if err != nil {
		return fmt.Errorf("%w: digest is not valid hex: %v", plugin.ErrIntegrity, err)
	}

	if !ed25519.Verify(publicKey, digest, sig) {
		return fmt.Errorf("%w: signature verification failed", plugin.ErrIntegrity)
	}
	return nil
}
