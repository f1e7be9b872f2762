package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandle struct {
	released bool
}

func (h *stubHandle) Invoke(ctx context.Context, op string, params map[string]any) (map[string]any, error) {
	return nil, nil
}

func (h *stubHandle) Release() error {
	h.released = true
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(DefaultCategoryOrder)

	t.Run("registers and retrieves", func(t *testing.T) {
		require.NoError(t, r.Register(Metadata{ID: "one", Name: "One"}, &stubHandle{}))
		entry, ok := r.Get("one")
		require.True(t, ok)
		assert.Equal(t, StateEnabled, entry.State)
	})

	t.Run("duplicate id is an explicit error", func(t *testing.T) {
		err := r.Register(Metadata{ID: "one", Name: "Again"}, &stubHandle{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlreadyRegistered)

		// The original entry is untouched
		entry, ok := r.Get("one")
		require.True(t, ok)
		assert.Equal(t, "One", entry.Metadata.Name)
	})
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(DefaultCategoryOrder)
	handle := &stubHandle{}
	require.NoError(t, r.Register(Metadata{ID: "one"}, handle))

	require.NoError(t, r.Unregister("one"))
	assert.True(t, handle.released, "unregister releases the handle")

	_, ok := r.Get("one")
	assert.False(t, ok)

	err := r.Unregister("one")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_ListOrdering(t *testing.T) {
	t.Run("sorts by category rank then order", func(t *testing.T) {
		r := NewRegistry([]string{"system", "network"})
		require.NoError(t, r.Register(Metadata{ID: "net-b", Category: "network", Order: 2}, &stubHandle{}))
		require.NoError(t, r.Register(Metadata{ID: "sys-b", Category: "system", Order: 2}, &stubHandle{}))
		require.NoError(t, r.Register(Metadata{ID: "sys-a", Category: "system", Order: 1}, &stubHandle{}))
		require.NoError(t, r.Register(Metadata{ID: "net-a", Category: "network", Order: 1}, &stubHandle{}))

		var ids []string
		for _, entry := range r.List() {
			ids = append(ids, entry.Metadata.ID)
		}
		assert.Equal(t, []string{"sys-a", "sys-b", "net-a", "net-b"}, ids)
	})

	t.Run("unknown categories sort after known, never rejected", func(t *testing.T) {
		r := NewRegistry([]string{"system"})
		require.NoError(t, r.Register(Metadata{ID: "weird", Category: "experimental", Order: 0}, &stubHandle{}))
		require.NoError(t, r.Register(Metadata{ID: "sys", Category: "system", Order: 99}, &stubHandle{}))

		listed := r.List()
		require.Len(t, listed, 2)
		assert.Equal(t, "sys", listed[0].Metadata.ID)
		assert.Equal(t, "weird", listed[1].Metadata.ID)
	})

	t.Run("ties preserve insertion order across repeated listings", func(t *testing.T) {
		r := NewRegistry([]string{"system"})
		require.NoError(t, r.Register(Metadata{ID: "first", Category: "system", Order: 5}, &stubHandle{}))
		require.NoError(t, r.Register(Metadata{ID: "second", Category: "system", Order: 5}, &stubHandle{}))

		for range 3 {
			listed := r.List()
			require.Len(t, listed, 2)
			assert.Equal(t, "first", listed[0].Metadata.ID)
			assert.Equal(t, "second", listed[1].Metadata.ID)
		}
	})
}

func TestRegistry_ListingsAreSnapshots(t *testing.T) {
	r := NewRegistry(DefaultCategoryOrder)
	require.NoError(t, r.Register(Metadata{ID: "one", Name: "One"}, &stubHandle{}))

	before := r.List()
	require.Len(t, before, 1)
	require.Equal(t, StateEnabled, before[0].State)

	got, ok := r.Get("one")
	require.True(t, ok)

	require.NoError(t, r.Disable("one", "taken offline"))

	// Previously returned entries keep their snapshot state
	assert.Equal(t, StateEnabled, before[0].State)
	assert.Empty(t, before[0].DisabledReason)
	assert.Equal(t, StateEnabled, got.State)

	// A fresh lookup sees the change
	fresh, ok := r.Get("one")
	require.True(t, ok)
	assert.Equal(t, StateDisabled, fresh.State)
	assert.Equal(t, "taken offline", fresh.DisabledReason)
}

func TestRegistry_ListByCategory(t *testing.T) {
	r := NewRegistry([]string{"system", "tools"})
	require.NoError(t, r.Register(Metadata{ID: "a", Category: "tools"}, &stubHandle{}))
	require.NoError(t, r.Register(Metadata{ID: "b", Category: "system"}, &stubHandle{}))
	require.NoError(t, r.Register(Metadata{ID: "c", Category: "custom"}, &stubHandle{}))

	categories, grouped := r.ListByCategory()
	assert.Equal(t, []string{"system", "tools", "custom"}, categories)
	assert.Len(t, grouped["system"], 1)
	assert.Len(t, grouped["tools"], 1)
	assert.Len(t, grouped["custom"], 1)
}

func TestRegistry_RegisterDisabled(t *testing.T) {
	r := NewRegistry(DefaultCategoryOrder)
	require.NoError(t, r.RegisterDisabled(Metadata{ID: "old"}, "requires host version >= 9.0.0"))

	entry, ok := r.Get("old")
	require.True(t, ok)
	assert.Equal(t, StateDisabled, entry.State)
	assert.Equal(t, "requires host version >= 9.0.0", entry.DisabledReason)
	assert.Nil(t, entry.Handle)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(DefaultCategoryOrder)
	handle := &stubHandle{}
	require.NoError(t, r.Register(Metadata{ID: "one"}, handle))

	r.Reset()
	assert.Zero(t, r.Len())
	assert.True(t, handle.released)

	// Insertion sequence restarts after reset
	require.NoError(t, r.Register(Metadata{ID: "one"}, &stubHandle{}))
	assert.Equal(t, 1, r.Len())
}

func TestDefaultRegistry(t *testing.T) {
	ResetDefault()
	r := Default()
	require.NoError(t, r.Register(Metadata{ID: "global"}, &stubHandle{}))
	assert.Same(t, r, Default())

	ResetDefault()
	assert.Zero(t, Default().Len())
}
