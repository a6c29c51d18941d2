// Package storage defines the key/value contract external storage engines
// must satisfy and a LevelDB-backed implementation of it. The node
// never assumes anything about the engine beyond put/get/delete/batch/
// iterate; values are always the canonical binary encoding from pkg/codec.
package storage

import "errors"

// ErrNotFound is returned by Get when key is absent.
var ErrNotFound = errors.New("storage: key not found")

// OpKind distinguishes the two operations a Batch can carry.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is one operation inside a Batch call.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte // unused for OpDelete
}

// Iterator walks keys sharing a prefix in ascending order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Interface is the storage contract: put/get/delete/batch/iterator.
// Batched writes are flushed at node job-loop boundaries.
type Interface interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Batch(ops []Op) error
	Iterator(prefix []byte) Iterator
	Close() error
}

// Key conventions: one block per key, a height secondary index, a
// transaction index, a latest-block pointer, and an account index.

// BlockKey returns the storage key for a block by its hex hash.
func BlockKey(hash string) []byte { return append([]byte("block:"), hash...) }

// HeightKey returns the storage key mapping a height to its block's hash.
func HeightKey(height uint64) []byte {
	return append([]byte("height:"), uitoa(height)...)
}

// TxKey returns the storage key for a transaction by its id.
func TxKey(txID string) []byte { return append([]byte("tx:"), txID...) }

// LatestBlockKey is the fixed key pointing at the current chain tip's hash.
var LatestBlockKey = []byte("latestBlock")

// AccountKey returns the storage key for an address's persisted account
// record (materialised balance). No package in this module reads or
// writes account records.
func AccountKey(address string) []byte { return append([]byte("account:"), address...) }

func uitoa(v uint64) []byte {
	if v == 0 {
		return []byte("0")
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return buf[i:]
}
