package cache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keyspace layout:
//
//	n:<tier>            tier registry
//	e:<tier>\x00<key>   entry bytes
const (
	tierPrefix  = "n:"
	entryPrefix = "e:"
	tierSep     = "\x00"
)

type LevelDBProvider struct {
	db       *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	totalSize int64
}

// NewLevelDBProvider opens (or creates) a LevelDB database in the given directory.
// A maxBytes of zero means no size limit.
func NewLevelDBProvider(path string, maxBytes int64) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	p := &LevelDBProvider{db: db, maxBytes: maxBytes}
	if err := p.loadSize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *LevelDBProvider) loadSize() error {
	it := p.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	var total int64
	for it.Next() {
		total += int64(len(it.Value()))
	}
	if err := it.Error(); err != nil {
		return err
	}
	p.mu.Lock()
	p.totalSize = total
	p.mu.Unlock()
	return nil
}

func (p *LevelDBProvider) Open(tier string) (Tier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.Put([]byte(tierPrefix+tier), nil, nil); err != nil {
		return nil, err
	}
	return levelTier{p: p, name: tier}, nil
}

func (p *LevelDBProvider) Lookup(tier string) (Tier, bool, error) {
	ok, err := p.db.Has([]byte(tierPrefix+tier), nil)
	if err != nil || !ok {
		return nil, false, err
	}
	return levelTier{p: p, name: tier}, true, nil
}

func (p *LevelDBProvider) DeleteTier(tier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := new(leveldb.Batch)
	var freed int64
	it := p.db.NewIterator(util.BytesPrefix(entryKeyPrefix(tier)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		freed += int64(len(it.Value()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(tierPrefix + tier))
	if err := p.db.Write(batch, nil); err != nil {
		return err
	}
	p.totalSize -= freed
	return nil
}

func (p *LevelDBProvider) TierNames() ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte(tierPrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(tierPrefix))))
	}
	sort.Strings(names)
	return names, it.Error()
}

func (p *LevelDBProvider) Close() error {
	return p.db.Close()
}

func entryKeyPrefix(tier string) []byte {
	return []byte(entryPrefix + tier + tierSep)
}

type levelTier struct {
	p    *LevelDBProvider
	name string
}

func (t levelTier) Name() string {
	return t.name
}

func (t levelTier) entryKey(key string) []byte {
	return append(entryKeyPrefix(t.name), key...)
}

func (t levelTier) Get(key string) (Entry, bool, error) {
	b, err := t.p.db.Get(t.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, Bytes: b}, true, nil
}

func (t levelTier) Put(entry Entry) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if ok, err := t.p.db.Has([]byte(tierPrefix+t.name), nil); err != nil {
		return err
	} else if !ok {
		return ErrTierNotFound
	}
	ek := t.entryKey(entry.Key)
	var oldSize int64
	if old, err := t.p.db.Get(ek, nil); err == nil {
		oldSize = int64(len(old))
	} else if err != leveldb.ErrNotFound {
		return err
	}
	delta := int64(len(entry.Bytes)) - oldSize
	if t.p.maxBytes > 0 && t.p.totalSize+delta > t.p.maxBytes {
		return ErrQuotaExceeded
	}
	if err := t.p.db.Put(ek, entry.Bytes, nil); err != nil {
		return err
	}
	t.p.totalSize += delta
	return nil
}

func (t levelTier) Delete(key string) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	ek := t.entryKey(key)
	old, err := t.p.db.Get(ek, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.p.db.Delete(ek, nil); err != nil {
		return err
	}
	t.p.totalSize -= int64(len(old))
	return nil
}

func (t levelTier) Keys() ([]string, error) {
	prefix := entryKeyPrefix(t.name)
	it := t.p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}
