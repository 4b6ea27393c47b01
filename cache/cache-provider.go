package cache

import (
	"errors"
	"sort"
	"sync"
)

// ErrQuotaExceeded is returned by Put when storing the entry would take the
// provider over its configured size limit.
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// ErrTierNotFound is returned by Put when the tier was deleted after the
// handle was opened. Writes never bring a deleted tier back.
var ErrTierNotFound = errors.New("cache tier not found")

// Provider is a persistent store of request -> response pairs, partitioned into
// named tiers (e.g. `static-v5`, `api-v3`).
// Deleting something that does not exist is never an error.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the named tier, creating the tier if needed.
	Open(tier string) (Tier, error)
	// Lookup returns a handle to the named tier if it exists. It never creates the tier.
	Lookup(tier string) (Tier, bool, error)
	// DeleteTier removes the tier and all of its entries.
	DeleteTier(tier string) error
	// TierNames returns the names of all existing tiers, sorted.
	TierNames() ([]string, error)
	// Close releases the underlying storage.
	Close() error
}

// Tier is a handle to a single named partition of a Provider.
type Tier interface {
	// Name returns the tier name the handle was opened with.
	Name() string
	// Get returns the stored entry for the given key, if it exists.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(entry Entry) error
	// Delete removes the entry for the given key.
	Delete(key string) error
	// Keys returns all keys currently stored in the tier.
	Keys() ([]string, error)
}

// Entry is a single stored response.
// Bytes holds the serialized response snapshot, see package serializer.
type Entry struct {
	Key   string
	Bytes []byte
}

type MemProvider struct {
	mutex    *sync.RWMutex
	db       map[string]map[string][]byte
	maxBytes int64
	total    int64
}

// NewMemProvider creates an in-memory provider.
// A maxBytes of zero means no size limit.
func NewMemProvider(maxBytes int64) *MemProvider {
	return &MemProvider{
		mutex:    &sync.RWMutex{},
		db:       make(map[string]map[string][]byte),
		maxBytes: maxBytes,
	}
}

func (m *MemProvider) Open(tier string) (Tier, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[tier]; !ok {
		m.db[tier] = make(map[string][]byte)
	}
	return memTier{m: m, name: tier}, nil
}

func (m *MemProvider) Lookup(tier string) (Tier, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if _, ok := m.db[tier]; !ok {
		return nil, false, nil
	}
	return memTier{m: m, name: tier}, true, nil
}

func (m *MemProvider) DeleteTier(tier string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, b := range m.db[tier] {
		m.total -= int64(len(b))
	}
	delete(m.db, tier)
	return nil
}

func (m *MemProvider) TierNames() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemProvider) Close() error {
	return nil
}

type memTier struct {
	m    *MemProvider
	name string
}

func (t memTier) Name() string {
	return t.name
}

func (t memTier) Get(key string) (Entry, bool, error) {
	t.m.mutex.RLock()
	defer t.m.mutex.RUnlock()
	b, ok := t.m.db[t.name][key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Key: key, Bytes: b}, true, nil
}

func (t memTier) Put(entry Entry) error {
	t.m.mutex.Lock()
	defer t.m.mutex.Unlock()
	entries, ok := t.m.db[t.name]
	if !ok {
		return ErrTierNotFound
	}
	delta := int64(len(entry.Bytes)) - int64(len(entries[entry.Key]))
	if t.m.maxBytes > 0 && t.m.total+delta > t.m.maxBytes {
		return ErrQuotaExceeded
	}
	// copy, so that callers may reuse their buffer
	b := make([]byte, len(entry.Bytes))
	copy(b, entry.Bytes)
	entries[entry.Key] = b
	t.m.total += delta
	return nil
}

func (t memTier) Delete(key string) error {
	t.m.mutex.Lock()
	defer t.m.mutex.Unlock()
	if b, ok := t.m.db[t.name][key]; ok {
		t.m.total -= int64(len(b))
		delete(t.m.db[t.name], key)
	}
	return nil
}

func (t memTier) Keys() ([]string, error) {
	t.m.mutex.RLock()
	defer t.m.mutex.RUnlock()
	keys := make([]string, 0, len(t.m.db[t.name]))
	for key := range t.m.db[t.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
