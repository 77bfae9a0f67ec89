package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	q:<seq>  submission (JSON), seq is zero padded so keys sort in append order
//	i:<id>   seq key of the submission with that id
var (
	seqPrefix = []byte("q:")
	idPrefix  = []byte("i:")
)

var syncWrite = &opt.WriteOptions{Sync: true}

// LevelDB is a Store backed by a local leveldb database.
type LevelDB struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// OpenLevelDB opens (or creates) the queue database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	q, err := NewLevelDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// NewLevelDB wraps an opened database and recovers the append sequence.
func NewLevelDB(db *leveldb.DB) (*LevelDB, error) {
	q := &LevelDB{db: db}

	it := db.NewIterator(util.BytesPrefix(seqPrefix), nil)
	defer it.Release()
	if it.Last() {
		n, err := strconv.ParseUint(string(bytes.TrimPrefix(it.Key(), seqPrefix)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("queue: bad sequence key %q: %w", it.Key(), err)
		}
		q.seq = n
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return q, nil
}

func seqKey(n uint64) []byte {
	return []byte(fmt.Sprintf("q:%020d", n))
}

func (q *LevelDB) Append(ctx context.Context, sub Submission) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	sub, err := prepare(sub)
	if err != nil {
		return Submission{}, err
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return Submission{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	idKey := append(append([]byte(nil), idPrefix...), sub.ID...)
	taken, err := q.db.Has(idKey, nil)
	if err != nil {
		return Submission{}, err
	}
	if taken {
		return Submission{}, fmt.Errorf("%w: %s", ErrDuplicateID, sub.ID)
	}

	next := q.seq + 1
	sk := seqKey(next)
	batch := new(leveldb.Batch)
	batch.Put(sk, b)
	batch.Put(idKey, sk)
	if err := q.db.Write(batch, syncWrite); err != nil {
		return Submission{}, err
	}
	q.seq = next
	return sub, nil
}

func (q *LevelDB) List(ctx context.Context) ([]Submission, error) {
	it := q.db.NewIterator(util.BytesPrefix(seqPrefix), nil)
	defer it.Release()

	var out []Submission
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sub Submission
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			return nil, fmt.Errorf("queue: decode %q: %w", it.Key(), err)
		}
		out = append(out, sub)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *LevelDB) Len(ctx context.Context) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix(idPrefix), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (q *LevelDB) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, id := range ids {
		idKey := append(append([]byte(nil), idPrefix...), id...)
		sk, err := q.db.Get(idKey, nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		batch.Delete(sk)
		batch.Delete(idKey)
	}
	if batch.Len() == 0 {
		return nil
	}
	return q.db.Write(batch, syncWrite)
}

func (q *LevelDB) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{seqPrefix, idPrefix} {
		it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return q.db.Write(batch, syncWrite)
}

func (q *LevelDB) Close() error {
	return q.db.Close()
}
