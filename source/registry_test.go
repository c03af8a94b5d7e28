package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertAndGet(t *testing.T) {
	r := NewRegistry()

	stored, err := r.Upsert(validRepoSource())
	require.NoError(t, err)
	assert.Equal(t, "gh-1", stored.ID)

	got, err := r.Get("gh-1")
	require.NoError(t, err)
	assert.Equal(t, TypeRepository, got.Type)

	// Mutating the returned copy must not affect the registry.
	got.CheckInterval = 999
	again, err := r.Get("gh-1")
	require.NoError(t, err)
	assert.Equal(t, 300, again.CheckInterval)
}

func TestRegistryUpsertRejectsInvalid(t *testing.T) {
	r := NewRegistry()

	s := validRepoSource()
	s.CheckInterval = 0
	_, err := r.Upsert(s)
	require.Error(t, err)

	_, err = r.Get("gh-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListEnabledOnly(t *testing.T) {
	r := NewRegistry()

	a := validRepoSource()
	b := validRepoSource()
	b.ID = "gh-2"
	b.Enabled = false

	_, err := r.Upsert(a)
	require.NoError(t, err)
	_, err = r.Upsert(b)
	require.NoError(t, err)

	all := r.List(false)
	require.Len(t, all, 2)
	assert.Equal(t, "gh-1", all[0].ID, "list must be sorted by ID")

	enabled := r.List(true)
	require.Len(t, enabled, 1)
	assert.Equal(t, "gh-1", enabled[0].ID)
}

func TestRegistryDisable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Upsert(validRepoSource())
	require.NoError(t, err)

	require.NoError(t, r.Disable("gh-1"))
	got, err := r.Get("gh-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.ErrorIs(t, r.Disable("nope"), ErrNotFound)
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	_, err := r.Upsert(validRepoSource())
	require.NoError(t, err)
	v := r.Version()

	bad := validRepoSource()
	bad.ID = "gh-2"
	bad.CheckInterval = -1

	err = r.Replace([]*Source{validRepoSource(), bad})
	require.Error(t, err)

	// Old set must survive a failed replace.
	_, err = r.Get("gh-1")
	require.NoError(t, err)
	assert.Equal(t, v, r.Version())

	good := validRepoSource()
	good.ID = "gh-3"
	require.NoError(t, r.Replace([]*Source{good}))
	_, err = r.Get("gh-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("gh-3")
	assert.NoError(t, err)
	assert.Greater(t, r.Version(), v)
}
