// Package market fetches and caches the remote plugin marketplace index.
// Reads are served from the cache while fresh; a network failure degrades
// to the last-known-good cache flagged offline instead of failing.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ferrelion/grimoire/pkg/plugin"
)

const cacheFileName = "marketplace-index.json"

// cacheEnvelope is the on-disk shape of the last-known-good index
type cacheEnvelope struct {
	FetchedAt time.Time `json:"fetchedAt"`
	Index     Index     `json:"index"`
}

// Client fetches the marketplace index with local caching and offline
// fallback. Safe for concurrent use; a refresh in progress never blocks a
// stale-cache read.
type Client struct {
	indexURL   string
	cachePath  string
	ttl        time.Duration
	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.RWMutex
	cached    *Index
	fetchedAt time.Time

	cron *cron.Cron
}

// NewClient creates a marketplace client. cacheDir holds the persisted
// last-known-good index; ttl bounds how long a cached index stays fresh.
func NewClient(indexURL, cacheDir string, ttl time.Duration, logger zerolog.Logger) *Client {
	c := &Client{
		indexURL:  indexURL,
		cachePath: filepath.Join(cacheDir, cacheFileName),
		ttl:       ttl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "marketplace-client").Logger(),
	}
	c.loadCacheFromDisk()
	return c
}

// SetHTTPClient overrides the HTTP client, primarily for tests
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// FetchIndex returns the marketplace index. The cached copy is served
// unless force is set or the cache expired; on network failure the
// last-known-good cache is returned with Offline set. No cache and no
// network is the only failing case.
func (c *Client) FetchIndex(ctx context.Context, force bool) (*IndexResult, error) {
	c.mu.RLock()
	cached := c.cached
	fetchedAt := c.fetchedAt
	c.mu.RUnlock()

	if cached != nil && !force && time.Since(fetchedAt) < c.ttl {
		return &IndexResult{Index: cached, Offline: false, FetchedAt: fetchedAt}, nil
	}

	index, err := c.fetchRemote(ctx)
	if err != nil {
		if cached != nil {
			c.logger.Warn().Err(err).Msg("Index fetch failed, serving cached copy")
			return &IndexResult{Index: cached, Offline: true, FetchedAt: fetchedAt}, nil
		}
		return nil, fmt.Errorf("%w: index fetch failed and no cache exists: %v", plugin.ErrNetwork, err)
	}

	now := time.Now()
	c.mu.Lock()
	c.cached = index
	c.fetchedAt = now
	c.mu.Unlock()

	c.persistCache(index, now)
	return &IndexResult{Index: index, Offline: false, FetchedAt: now}, nil
}

func (c *Client) fetchRemote(ctx context.Context) (*Index, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("index endpoint returned status %d", resp.StatusCode)
	}

	var index Index
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}

	c.logger.Info().Int("plugins", len(index.Plugins)).Msg("Fetched marketplace index")
	return &index, nil
}

// Search returns index entries matching a case-insensitive substring query
// on name and description, optionally filtered by category. An empty query
// returns the full index.
func (c *Client) Search(ctx context.Context, query, category string) ([]Entry, *IndexResult, error) {
	result, err := c.FetchIndex(ctx, false)
	if err != nil {
		return nil, nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var matches []Entry
	for _, entry := range result.Index.Plugins {
		if category != "" && entry.Category != category {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(entry.Name), q) &&
			!strings.Contains(strings.ToLower(entry.Description), q) {
			continue
		}
		matches = append(matches, entry)
	}
	return matches, result, nil
}

// GetPlugin looks up a single index entry. Not-found is a valid empty
// result, distinct from a network or parse error.
func (c *Client) GetPlugin(ctx context.Context, id string) (*Entry, bool, error) {
	result, err := c.FetchIndex(ctx, false)
	if err != nil {
		return nil, false, err
	}
	for i := range result.Index.Plugins {
		if result.Index.Plugins[i].ID == id {
			entry := result.Index.Plugins[i]
			return &entry, true, nil
		}
	}
	return nil, false, nil
}

// Download fetches a package archive from an index entry's download URL
// into destDir and returns the archive path
func (c *Client) Download(ctx context.Context, entry *Entry, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: download failed: %v", plugin.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: download returned status %d", plugin.ErrNetwork, resp.StatusCode)
	}

	dest := filepath.Join(destDir, entry.ID+plugin.PackageExtension)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("%w: download interrupted: %v", plugin.ErrNetwork, err)
	}

	c.logger.Debug().Str("id", entry.ID).Str("path", dest).Msg("Downloaded package")
	return dest, nil
}

// StartAutoRefresh schedules a background index refresh on a cron spec
// (e.g. "@hourly"). Refresh failures keep serving the cached index.
func (c *Client) StartAutoRefresh(spec string) error {
	if c.cron != nil {
		return fmt.Errorf("auto refresh already started")
	}

	runner := cron.New()
	_, err := runner.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.FetchIndex(ctx, true); err != nil {
			c.logger.Warn().Err(err).Msg("Scheduled index refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	runner.Start()
	c.cron = runner
	c.logger.Info().Str("schedule", spec).Msg("Marketplace auto-refresh started")
	return nil
}

// StopAutoRefresh stops the background refresh schedule
func (c *Client) StopAutoRefresh() {
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}

func (c *Client) loadCacheFromDisk() {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}
	var envelope cacheEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unreadable index cache")
		return
	}
	c.cached = &envelope.Index
	c.fetchedAt = envelope.FetchedAt
	c.logger.Debug().Time("fetchedAt", envelope.FetchedAt).Msg("Loaded index cache from disk")
}

func (c *Client) persistCache(index *Index, fetchedAt time.Time) {
	envelope := cacheEnvelope{FetchedAt: fetchedAt, Index: *index}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create cache directory")
		return
	}
	tmp := c.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write index cache")
		return
	}
	if err := os.Rename(tmp, c.cachePath); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish index cache")
	}
}
