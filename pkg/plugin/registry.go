package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RegistryEntry tracks one registered plugin and its presentation state
type RegistryEntry struct {
	Metadata       Metadata
	Handle         Handle
	State          State
	DisabledReason string
	RegisteredAt   time.Time

	seq int
}

// Registry is the process-wide catalog of active plugins, ordered for
// presentation. Listings sort by (category rank, order) with ties broken
// by insertion order; unknown categories sort after all known ones.
type Registry struct {
	categoryOrder []string
	entries       map[string]*RegistryEntry
	nextSeq       int
	mu            sync.RWMutex
}

// NewRegistry creates a registry with the given category presentation
// order. Categories not in the list are never rejected; they rank last.
func NewRegistry(categoryOrder []string) *Registry {
	return &Registry{
		categoryOrder: append([]string(nil), categoryOrder...),
		entries:       make(map[string]*RegistryEntry),
	}
}

// Register adds a plugin to the catalog. Duplicate ids are an explicit
// error, never a silent overwrite.
func (r *Registry) Register(meta Metadata, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID)
	}

	r.entries[meta.ID] = &RegistryEntry{
		Metadata:     meta,
		Handle:       handle,
		State:        StateEnabled,
		RegisteredAt: time.Now(),
		seq:          r.nextSeq,
	}
	r.nextSeq++
	return nil
}

// RegisterDisabled adds a plugin in a visibly-disabled state with a
// human-readable reason (e.g. failed compatibility checks)
func (r *Registry) RegisterDisabled(meta Metadata, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID)
	}

	r.entries[meta.ID] = &RegistryEntry{
		Metadata:       meta,
		State:          StateDisabled,
		DisabledReason: reason,
		RegisteredAt:   time.Now(),
		seq:            r.nextSeq,
	}
	r.nextSeq++
	return nil
}

// Unregister removes a plugin from the catalog and releases its handle
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.entries, id)

	if entry.Handle != nil {
		return entry.Handle.Release()
	}
	return nil
}

// Get retrieves a copy of a plugin entry by id
func (r *Registry) Get(id string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// Len returns the number of registered plugins
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all entries in presentation order. Entries are copies, so
// a listing taken before a concurrent Disable keeps its snapshot state.
func (r *Registry) List() []*RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		snapshot := *entry
		out = append(out, &snapshot)
	}

	rank := make(map[string]int, len(r.categoryOrder))
	for i, cat := range r.categoryOrder {
		rank[cat] = i
	}
	unknown := len(r.categoryOrder)

	sort.SliceStable(out, func(i, j int) bool {
		ri, iKnown := rank[out[i].Metadata.Category]
		rj, jKnown := rank[out[j].Metadata.Category]
		if !iKnown {
			ri = unknown
		}
		if !jKnown {
			rj = unknown
		}
		if ri != rj {
			return ri < rj
		}
		// Unknown categories group alphabetically after all known ones
		if !iKnown && !jKnown && out[i].Metadata.Category != out[j].Metadata.Category {
			return out[i].Metadata.Category < out[j].Metadata.Category
		}
		if out[i].Metadata.Order != out[j].Metadata.Order {
			return out[i].Metadata.Order < out[j].Metadata.Order
		}
		return out[i].seq < out[j].seq
	})

	return out
}

// ListByCategory groups the presentation-ordered listing by category,
// returning category names in rank order alongside the grouping
func (r *Registry) ListByCategory() ([]string, map[string][]*RegistryEntry) {
	ordered := r.List()

	var categories []string
	grouped := make(map[string][]*RegistryEntry)
	for _, entry := range ordered {
		cat := entry.Metadata.Category
		if _, seen := grouped[cat]; !seen {
			categories = append(categories, cat)
		}
		grouped[cat] = append(grouped[cat], entry)
	}
	return categories, grouped
}

// Disable marks a registered plugin disabled with a reason
func (r *Registry) Disable(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	entry.State = StateDisabled
	entry.DisabledReason = reason
	return nil
}

// Reset clears the catalog, releasing all handles. Exists so tests can
// isolate registry state; there is no other global mutation path.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if entry.Handle != nil {
			_ = entry.Handle.Release()
		}
	}
	r.entries = make(map[string]*RegistryEntry)
	r.nextSeq = 0
}

var (
	defaultRegistry   *Registry
	defaultRegistryMu sync.Mutex
)

// Default returns the process-wide registry, constructing it on first use
// with the standard category order
func Default() *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(DefaultCategoryOrder)
	}
	return defaultRegistry
}

// ResetDefault clears the process-wide registry for test isolation
func ResetDefault() {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry != nil {
		defaultRegistry.Reset()
	}
}

// DefaultCategoryOrder is the standard category presentation rank
var DefaultCategoryOrder = []string{
	"system",
	"desktop",
	"network",
	"security",
	"tools",
	"legacy",
}
