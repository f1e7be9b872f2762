package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// ManifestFileName is the manifest file every plugin directory carries
	ManifestFileName = "manifest.json"

	// DisabledMarkerName marks an installed plugin as disabled on disk
	DisabledMarkerName = ".disabled"

	// PackageExtension is the extension of distributable plugin archives
	PackageExtension = ".plugin-package"
)

// Scanner discovers candidate external plugin directories and package
// archives under the configured roots
type Scanner struct {
	roots   []string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
}

// NewScanner creates a scanner over the given root directories
func NewScanner(roots []string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		roots:  append([]string(nil), roots...),
		logger: logger.With().Str("component", "plugin-scanner").Logger(),
	}
}

// Scan walks all roots and returns discovered plugins and archives.
// A root that does not exist is skipped, not an error.
func (s *Scanner) Scan() ([]DiscoveredPlugin, error) {
	var discovered []DiscoveredPlugin

	for _, root := range s.roots {
		if root == "" {
			continue
		}
		plugins, err := s.scanRoot(root)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", root).Msg("Failed to scan plugin root")
			continue
		}
		discovered = append(discovered, plugins...)
	}

	s.logger.Info().Int("count", len(discovered)).Msg("Plugin scan completed")
	return discovered, nil
}

func (s *Scanner) scanRoot(root string) ([]DiscoveredPlugin, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("dir", root).Msg("Root does not exist, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", root, err)
	}

	var discovered []DiscoveredPlugin
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		if !entry.IsDir() {
			if strings.HasSuffix(entry.Name(), PackageExtension) {
				discovered = append(discovered, DiscoveredPlugin{
					ID:      strings.TrimSuffix(entry.Name(), PackageExtension),
					Path:    path,
					Archive: true,
					Enabled: true,
				})
			}
			continue
		}

		manifestPath := filepath.Join(path, ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("dir", path).Msg("Failed to check for manifest")
			}
			continue
		}

		enabled := true
		if _, err := os.Stat(filepath.Join(path, DisabledMarkerName)); err == nil {
			enabled = false
		}

		plugin := DiscoveredPlugin{
			ID:           entry.Name(),
			Path:         path,
			ManifestPath: manifestPath,
			Enabled:      enabled,
		}
		discovered = append(discovered, plugin)

		s.logger.Debug().
			Str("id", plugin.ID).
			Str("path", plugin.Path).
			Bool("enabled", plugin.Enabled).
			Msg("Discovered plugin")
	}

	return discovered, nil
}

// SetEnabled flips the on-disk enable state of a discovered plugin
// directory by creating or removing the disabled marker
func (s *Scanner) SetEnabled(pluginDir string, enabled bool) error {
	marker := filepath.Join(pluginDir, DisabledMarkerName)
	if enabled {
		if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove disabled marker: %w", err)
		}
		return nil
	}
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create disabled marker: %w", err)
	}
	return f.Close()
}

// Watch starts watching the scan roots and invokes onChange whenever a
// plugin directory appears, disappears or changes. Stop with StopWatch.
func (s *Scanner) Watch(onChange func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return fmt.Errorf("scanner is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watching := 0
	for _, root := range s.roots {
		if root == "" {
			continue
		}
		if err := watcher.Add(root); err != nil {
			s.logger.Warn().Err(err).Str("dir", root).Msg("Failed to watch plugin root")
			continue
		}
		watching++
	}
	if watching == 0 {
		_ = watcher.Close()
		return fmt.Errorf("no plugin roots available to watch")
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Plugin root changed")
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("Watcher error")
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// StopWatch stops the directory watcher if one is running
func (s *Scanner) StopWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		return
	}
	close(s.done)
	_ = s.watcher.Close()
	s.watcher = nil
	s.done = nil
}
