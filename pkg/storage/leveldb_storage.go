package storage

import (
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStorage implements Interface using LevelDB. Callers go through
// the generic Put/Get path with pre-built keys; block/tx encoding lives
// in pkg/chain.
type LevelDBStorage struct {
	db *leveldb.DB
}

// Config holds LevelDB tuning knobs.
type Config struct {
	DataDir                string
	WriteBufferSize        int
	OpenFilesCacheCapacity int
	Compression            bool
}

// DefaultConfig returns sensible defaults for a node-sized database.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                dataDir,
		WriteBufferSize:        64 * 1024 * 1024,
		OpenFilesCacheCapacity: 1000,
		Compression:            true,
	}
}

// NewLevelDBStorage opens (creating if absent) a LevelDB database at
// cfg.DataDir.
func NewLevelDBStorage(cfg Config) (*LevelDBStorage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	options := &opt.Options{
		WriteBuffer:            cfg.WriteBufferSize,
		OpenFilesCacheCapacity: cfg.OpenFilesCacheCapacity,
		Compression:            opt.SnappyCompression,
		WriteL0PauseTrigger:    12,
		WriteL0SlowdownTrigger: 8,
	}
	if !cfg.Compression {
		options.Compression = opt.NoCompression
	}
	db, err := leveldb.OpenFile(cfg.DataDir, options)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb: %w", err)
	}
	return &LevelDBStorage{db: db}, nil
}

// Put writes key/value.
func (s *LevelDBStorage) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

// Get reads the value stored at key, returning ErrNotFound when absent.
func (s *LevelDBStorage) Get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get: %w", err)
	}
	return data, nil
}

// Delete removes key, a no-op if already absent.
func (s *LevelDBStorage) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// Batch applies ops atomically.
func (s *LevelDBStorage) Batch(ops []Op) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			batch.Put(op.Key, op.Value)
		case OpDelete:
			batch.Delete(op.Key)
		default:
			return fmt.Errorf("storage: unknown op kind %d", op.Kind)
		}
	}
	return s.db.Write(batch, nil)
}

// Iterator returns a LevelDB-backed iterator over keys sharing prefix.
func (s *LevelDBStorage) Iterator(prefix []byte) Iterator {
	return &levelDBIterator{it: s.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

// Close closes the underlying database.
func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

// Compact compacts the entire keyspace, reclaiming space after heavy
// delete/rewrite churn (reorgs, mempool-driven tx: key turnover).
func (s *LevelDBStorage) Compact() error {
	return s.db.CompactRange(util.Range{Start: nil, Limit: nil})
}

type levelDBIterator struct {
	it iterator
}

// iterator narrows goleveldb's *leveldb.Iterator to the methods this
// adapter needs, kept as an interface so tests can substitute a fake.
type iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

func (i *levelDBIterator) Next() bool      { return i.it.Next() }
func (i *levelDBIterator) Key() []byte     { return append([]byte(nil), i.it.Key()...) }
func (i *levelDBIterator) Value() []byte   { return append([]byte(nil), i.it.Value()...) }
func (i *levelDBIterator) Error() error    { return i.it.Error() }
func (i *levelDBIterator) Release()        { i.it.Release() }
