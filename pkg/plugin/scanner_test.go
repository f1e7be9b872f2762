package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePluginDir(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(`{}`), 0o644))
	return dir
}

func TestScanner_Scan(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	t.Run("discovers plugin directories", func(t *testing.T) {
		root := t.TempDir()
		writePluginDir(t, root, "alpha")
		writePluginDir(t, root, "beta")

		// Directories without a manifest are skipped
		require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0o755))

		scanner := NewScanner([]string{root}, logger)
		discovered, err := scanner.Scan()
		require.NoError(t, err)
		require.Len(t, discovered, 2)

		ids := []string{discovered[0].ID, discovered[1].ID}
		assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
		for _, d := range discovered {
			assert.True(t, d.Enabled)
			assert.False(t, d.Archive)
			assert.NotEmpty(t, d.ManifestPath)
		}
	})

	t.Run("reads on-disk disabled state", func(t *testing.T) {
		root := t.TempDir()
		dir := writePluginDir(t, root, "sleepy")
		require.NoError(t, os.WriteFile(filepath.Join(dir, DisabledMarkerName), nil, 0o644))

		scanner := NewScanner([]string{root}, logger)
		discovered, err := scanner.Scan()
		require.NoError(t, err)
		require.Len(t, discovered, 1)
		assert.False(t, discovered[0].Enabled)
	})

	t.Run("discovers package archives", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "bundle"+PackageExtension), []byte("zip"), 0o644))

		scanner := NewScanner([]string{root}, logger)
		discovered, err := scanner.Scan()
		require.NoError(t, err)
		require.Len(t, discovered, 1)
		assert.True(t, discovered[0].Archive)
		assert.Equal(t, "bundle", discovered[0].ID)
	})

	t.Run("missing roots are skipped", func(t *testing.T) {
		scanner := NewScanner([]string{"/nonexistent/plugins", ""}, logger)
		discovered, err := scanner.Scan()
		require.NoError(t, err)
		assert.Empty(t, discovered)
	})

	t.Run("multiple roots are merged", func(t *testing.T) {
		root1 := t.TempDir()
		root2 := t.TempDir()
		writePluginDir(t, root1, "one")
		writePluginDir(t, root2, "two")

		scanner := NewScanner([]string{root1, root2}, logger)
		discovered, err := scanner.Scan()
		require.NoError(t, err)
		assert.Len(t, discovered, 2)
	})
}

func TestScanner_SetEnabled(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	root := t.TempDir()
	dir := writePluginDir(t, root, "flip")
	scanner := NewScanner([]string{root}, logger)

	require.NoError(t, scanner.SetEnabled(dir, false))
	discovered, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.False(t, discovered[0].Enabled)

	require.NoError(t, scanner.SetEnabled(dir, true))
	discovered, err = scanner.Scan()
	require.NoError(t, err)
	assert.True(t, discovered[0].Enabled)

	// Enabling twice is idempotent
	require.NoError(t, scanner.SetEnabled(dir, true))
}

func TestScanner_Watch(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	root := t.TempDir()
	scanner := NewScanner([]string{root}, logger)

	changes := make(chan struct{}, 8)
	require.NoError(t, scanner.Watch(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}))
	defer scanner.StopWatch()

	writePluginDir(t, root, "late-arrival")

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after plugin directory creation")
	}

	// A second Watch on the same scanner is rejected
	assert.Error(t, scanner.Watch(func() {}))
}
