// Package cache stores captured HTTP responses in named generations.
//
// A generation is created when a worker version installs and is deleted
// wholesale once a newer version activates. Records live in leveldb:
//
//	g:<generation>                 generation metadata (created, activated)
//	e:<generation>\x00<identity>   captured Entry
//
// Recently matched entries are also held in an in-process LRU.
package cache

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"shoresquad/internal/logger"
)

const sep = "\x00"

type generationMeta struct {
	CreatedAt   int64
	ActivatedAt int64 // unix nanoseconds, zero until activated
}

// Storage is the set of cache generations.
type Storage struct {
	db    *leveldb.DB
	front *lru.Cache[string, Entry]

	// mu orders generation create/delete against entry writes so a write
	// cannot resurrect a deleted generation.
	mu sync.RWMutex
}

// Open opens (or creates) the leveldb database at path.
func Open(path string, frontSize int) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s, err := New(db, frontSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *leveldb.DB, frontSize int) (*Storage, error) {
	if frontSize <= 0 {
		frontSize = 256
	}
	front, err := lru.New[string, Entry](frontSize)
	if err != nil {
		return nil, err
	}
	return &Storage{db: db, front: front}, nil
}

func (s *Storage) Close() error {
	s.front.Purge()
	return s.db.Close()
}

// Open returns the named generation, creating it if absent.
func (s *Storage) Open(name string) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(genKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(genKey(name), b, nil); err != nil {
			return nil, err
		}
		logger.Debug("cache generation created", "generation", name)
	}
	return &Generation{name: name, s: s}, nil
}

// Has reports whether the named generation exists.
func (s *Storage) Has(name string) bool {
	ok, err := s.db.Has(genKey(name), nil)
	return err == nil && ok
}

// MarkActive records name as the generation serving requests, so a restarted
// process can find it through Active.
func (s *Storage) MarkActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.db.Get(genKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrGenerationGone
	}
	if err != nil {
		return err
	}
	var meta generationMeta
	if err := decodeGob(b, &meta); err != nil {
		logger.Warn("rewriting corrupt generation metadata", "generation", name, "error", err)
		meta = generationMeta{CreatedAt: time.Now().Unix()}
	}
	meta.ActivatedAt = time.Now().UnixNano()
	if b, err = encodeGob(meta); err != nil {
		return err
	}
	return s.db.Put(genKey(name), b, nil)
}

// Active returns the most recently activated generation, or nil when no
// stored generation was ever activated.
func (s *Storage) Active() (*Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()

	var (
		name string
		at   int64
	)
	for it.Next() {
		var meta generationMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if meta.ActivatedAt > at {
			name = string(bytes.TrimPrefix(it.Key(), []byte("g:")))
			at = meta.ActivatedAt
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if at == 0 {
		return nil, nil
	}
	return &Generation{name: name, s: s}, nil
}

// Count returns the number of entries stored in the named generation.
func (s *Storage) Count(name string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Keys lists generation names in sorted order.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("g:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a generation and every entry in it in one batch. It reports
// whether the generation existed; deleting an absent generation is a no-op.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(genKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(genKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if batch.Len() > 1 || ok {
		if err := s.db.Write(batch, nil); err != nil {
			return false, err
		}
	}

	prefix := name + sep
	for _, k := range s.front.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.front.Remove(k)
		}
	}
	return ok, nil
}

// Match looks id up in preferred first and then in every other generation.
func (s *Storage) Match(id Identity, preferred string) (Entry, string, bool) {
	if preferred != "" {
		if ent, ok := s.match(preferred, id); ok {
			return ent, preferred, true
		}
	}
	names, err := s.Keys()
	if err != nil {
		return Entry{}, "", false
	}
	for _, name := range names {
		if name == preferred {
			continue
		}
		if ent, ok := s.match(name, id); ok {
			return ent, name, true
		}
	}
	return Entry{}, "", false
}

func (s *Storage) match(gen string, id Identity) (Entry, bool) {
	if !id.Cacheable() {
		return Entry{}, false
	}
	fk := gen + sep + id.String()
	if ent, ok := s.front.Get(fk); ok {
		return ent.Clone(), true
	}

	// Held across the read and the front insert so a concurrent Delete cannot
	// purge the front in between and leave a stale entry behind.
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := entryKey(gen, id)
	b, err := s.db.Get(key, nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		// Corrupt record: drop it and let the caller refetch.
		logger.Warn("dropping corrupt cache entry", "generation", gen, "identity", id.String(), "error", err)
		_ = s.db.Delete(key, nil)
		return Entry{}, false
	}
	s.front.Add(fk, ent)
	return ent.Clone(), true
}

func (s *Storage) put(gen string, id Identity, ent Entry) error {
	if !id.Cacheable() {
		return ErrNotCacheable
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.db.Has(genKey(gen), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationGone
	}
	if err := s.db.Put(entryKey(gen, id), b, nil); err != nil {
		return err
	}
	s.front.Add(gen+sep+id.String(), ent.Clone())
	return nil
}

func (s *Storage) entries(gen string) (map[string]Entry, error) {
	prefix := entryPrefix(gen)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	out := map[string]Entry{}
	for it.Next() {
		var ent Entry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		out[string(bytes.TrimPrefix(it.Key(), prefix))] = ent
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Generation is a handle on one named generation.
type Generation struct {
	name string
	s    *Storage
}

func (g *Generation) Name() string { return g.name }

// Match returns the entry stored under id in this generation.
func (g *Generation) Match(id Identity) (Entry, bool) {
	return g.s.match(g.name, id)
}

// Put stores ent under id, overwriting any previous entry.
func (g *Generation) Put(id Identity, ent Entry) error {
	return g.s.put(g.name, id, ent)
}

// PutAll stores every entry in a single batch; either all are stored or none.
func (g *Generation) PutAll(ents map[Identity]Entry) error {
	batch := new(leveldb.Batch)
	for id, ent := range ents {
		if !id.Cacheable() {
			return ErrNotCacheable
		}
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put(entryKey(g.name, id), b)
	}

	g.s.mu.RLock()
	defer g.s.mu.RUnlock()
	ok, err := g.s.db.Has(genKey(g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationGone
	}
	if err := g.s.db.Write(batch, nil); err != nil {
		return err
	}
	for id := range ents {
		g.s.front.Remove(g.name + sep + id.String())
	}
	return nil
}

// Entries returns every entry keyed by identity string ("GET <url>").
func (g *Generation) Entries() (map[string]Entry, error) {
	return g.s.entries(g.name)
}

// Identities lists the identities stored in this generation.
func (g *Generation) Identities() ([]Identity, error) {
	ents, err := g.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]Identity, 0, len(ents))
	for k := range ents {
		out = append(out, parseIdentity(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func genKey(name string) []byte { return []byte("g:" + name) }

func entryPrefix(gen string) []byte { return []byte("e:" + gen + sep) }

func entryKey(gen string, id Identity) []byte {
	return append(entryPrefix(gen), id.String()...)
}
