package cache

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := NewSQLiteProvider(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	level, err := NewLevelDBProvider(filepath.Join(dir, "leveldb"), 0)
	require.NoError(t, err)
	ps := map[string]Provider{
		"memory":  NewMemProvider(0),
		"sqlite":  sqlite,
		"leveldb": level,
	}
	t.Cleanup(func() {
		for _, p := range ps {
			p.Close()
		}
	})
	return ps
}

func TestTierRoundTrip(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("static-v5")
			require.NoError(t, err)
			assert.Equal(t, "static-v5", tier.Name())

			_, ok, err := tier.Get("GET:/missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tier.Put(Entry{Key: "GET:/a", Bytes: []byte("a")}))
			require.NoError(t, tier.Put(Entry{Key: "GET:/b", Bytes: []byte("b")}))
			require.NoError(t, tier.Put(Entry{Key: "GET:/a", Bytes: []byte("a2")}))

			e, ok, err := tier.Get("GET:/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a2", string(e.Bytes))

			keys, err := tier.Keys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"GET:/a", "GET:/b"}, keys)

			require.NoError(t, tier.Delete("GET:/a"))
			require.NoError(t, tier.Delete("GET:/a"), "deleting a missing key is a no-op")
			keys, err = tier.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"GET:/b"}, keys)
		})
	}
}

func TestTiersArePartitioned(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			v5, err := p.Open("static-v5")
			require.NoError(t, err)
			v50, err := p.Open("static-v50")
			require.NoError(t, err)
			require.NoError(t, v5.Put(Entry{Key: "k", Bytes: []byte("five")}))
			require.NoError(t, v50.Put(Entry{Key: "k", Bytes: []byte("fifty")}))

			e, ok, err := v5.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "five", string(e.Bytes))

			keys, err := v50.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"k"}, keys)
		})
	}
}

func TestDeleteTier(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"static-v3", "static-v4", "api-v3"} {
				tier, err := p.Open(n)
				require.NoError(t, err)
				require.NoError(t, tier.Put(Entry{Key: "k", Bytes: []byte(n)}))
			}
			names, err := p.TierNames()
			require.NoError(t, err)
			assert.Equal(t, []string{"api-v3", "static-v3", "static-v4"}, names)

			require.NoError(t, p.DeleteTier("static-v3"))
			require.NoError(t, p.DeleteTier("static-v3"), "deleting a missing tier is a no-op")

			names, err = p.TierNames()
			require.NoError(t, err)
			assert.Equal(t, []string{"api-v3", "static-v4"}, names)

			// reopening gives an empty tier
			tier, err := p.Open("static-v3")
			require.NoError(t, err)
			_, ok, err := tier.Get("k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLookupDoesNotCreate(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := p.Lookup("api-v3")
			require.NoError(t, err)
			assert.False(t, ok)
			names, err := p.TierNames()
			require.NoError(t, err)
			assert.Empty(t, names)

			opened, err := p.Open("api-v3")
			require.NoError(t, err)
			require.NoError(t, opened.Put(Entry{Key: "k", Bytes: []byte("v")}))

			tier, ok, err := p.Lookup("api-v3")
			require.NoError(t, err)
			require.True(t, ok)
			e, ok, err := tier.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", string(e.Bytes))
		})
	}
}

func TestPutDoesNotRecreateDeletedTier(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("static-v4")
			require.NoError(t, err)
			require.NoError(t, tier.Put(Entry{Key: "k", Bytes: []byte("old")}))
			require.NoError(t, p.DeleteTier("static-v4"))

			assert.ErrorIs(t, tier.Put(Entry{Key: "k", Bytes: []byte("new")}), ErrTierNotFound)
			names, err := p.TierNames()
			require.NoError(t, err)
			assert.Empty(t, names)
			_, ok, err := tier.Get("k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentPutsLastWriterWins(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("api-v3")
			require.NoError(t, err)
			var wg sync.WaitGroup
			for _, v := range []string{"one", "two"} {
				wg.Add(1)
				go func(v string) {
					defer wg.Done()
					assert.NoError(t, tier.Put(Entry{Key: "k", Bytes: []byte(v)}))
				}(v)
			}
			wg.Wait()
			e, ok, err := tier.Get("k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Contains(t, []string{"one", "two"}, string(e.Bytes))
		})
	}
}

func TestQuota(t *testing.T) {
	level, err := NewLevelDBProvider(filepath.Join(t.TempDir(), "leveldb"), 8)
	require.NoError(t, err)
	defer level.Close()
	for name, p := range map[string]Provider{"memory": NewMemProvider(8), "leveldb": level} {
		t.Run(name, func(t *testing.T) {
			tier, err := p.Open("api-v3")
			require.NoError(t, err)
			require.NoError(t, tier.Put(Entry{Key: "a", Bytes: []byte("12345")}))
			assert.ErrorIs(t, tier.Put(Entry{Key: "b", Bytes: []byte("12345")}), ErrQuotaExceeded)
			// replacing an entry only counts the difference
			require.NoError(t, tier.Put(Entry{Key: "a", Bytes: []byte("12345678")}))
			require.NoError(t, tier.Delete("a"))
			require.NoError(t, tier.Put(Entry{Key: "b", Bytes: []byte("12345")}))
		})
	}
}
