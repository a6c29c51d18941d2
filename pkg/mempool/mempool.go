// Package mempool holds the fee-rate ordered set of admissible pending
// transactions: anchor-indexed so at most one in-flight transaction may
// consume a given anchor, with replace-by-fee as the only way to take an
// anchor over from an existing entry.
package mempool

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/validator"
)

// Entry wraps an admitted transaction with its mempool bookkeeping.
type Entry struct {
	Tx          *block.Transaction
	WeightBytes uint64
	Fee         uint64
	EnqueuedAt  time.Time
	index       int // heap.Interface bookkeeping
}

// FeePerByte is the mempool's sort key: fee over encoded weight.
func (e *Entry) FeePerByte() float64 {
	if e.WeightBytes == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.WeightBytes)
}

// feeHeap is a max-heap on FeePerByte, ties broken by EnqueuedAt ascending.
type feeHeap []*Entry

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	fi, fj := h[i].FeePerByte(), h[j].FeePerByte()
	if fi != fj {
		return fi > fj
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h feeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *feeHeap) Push(x any) {
	entry := x.(*Entry)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *feeHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// Config collects the mempool's capacity and expiry tunables.
type Config struct {
	MaxSize        int
	ExpirationTime time.Duration
	MaxBytes       uint64
}

// DefaultConfig returns the stock mempool limits.
func DefaultConfig() Config {
	return Config{
		MaxSize:        5000,
		ExpirationTime: 24 * time.Hour,
		MaxBytes:       200_000 * 50, // generous byte cap independent of block size
	}
}

// Mempool is the anchor-indexed, RBF-aware transaction pool.
type Mempool struct {
	mu sync.Mutex

	cfg Config

	txByID           map[string]*Entry
	byFeeRate        feeHeap
	byConsumedAnchor map[block.Anchor]string
	currentBytes     uint64
}

// New returns an empty mempool.
func New(cfg Config) *Mempool {
	mp := &Mempool{
		cfg:              cfg,
		txByID:           make(map[string]*Entry),
		byConsumedAnchor: make(map[block.Anchor]string),
	}
	heap.Init(&mp.byFeeRate)
	return mp
}

// AlreadyPresent is returned by Submit when the same tx id is already in
// the pool; resubmission leaves the pool unchanged.
var AlreadyPresent = fmt.Errorf("mempool: transaction already present")

// ConflictingUTXOs is returned when tx consumes an anchor already
// committed to a different mempool entry and no valid RBF replacement is
// supplied.
var ConflictingUTXOs = fmt.Errorf("mempool: conflicting utxos")

// Submit runs full validation (stages 1-5) against idx, then admits tx,
// rejects it, or replaces an existing entry via RBF.
func (mp *Mempool) Submit(tx *block.Transaction, replaceTxID string, idx validator.UTXOLookup) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pruneExpiredLocked()

	if _, exists := mp.txByID[tx.ID]; exists {
		return AlreadyPresent
	}

	result, err := validator.Validate(tx, idx)
	if err != nil {
		return err
	}

	weight, err := encodedWeight(tx)
	if err != nil {
		return err
	}
	feePerByte := float64(result.Fee) / float64(weight)

	var replaced *Entry
	for _, in := range tx.Inputs {
		if in.Anchor == nil {
			continue
		}
		conflictID, ok := mp.byConsumedAnchor[*in.Anchor]
		if !ok || conflictID == tx.ID {
			continue
		}
		if replaceTxID == "" || replaceTxID != conflictID {
			return ConflictingUTXOs
		}
		conflict := mp.txByID[conflictID]
		if conflict == nil {
			return ConflictingUTXOs
		}
		if feePerByte <= conflict.FeePerByte() {
			return fmt.Errorf("mempool: replacement must have strictly higher fee-per-byte (%.6f <= %.6f): %w", feePerByte, conflict.FeePerByte(), ConflictingUTXOs)
		}
		replaced = conflict
	}

	if replaced != nil {
		mp.removeEntryLocked(replaced)
	}

	entry := &Entry{Tx: tx, WeightBytes: weight, Fee: result.Fee, EnqueuedAt: now()}
	mp.insertLocked(entry)
	mp.capacityEvictionLocked()
	return nil
}

func (mp *Mempool) insertLocked(entry *Entry) {
	mp.txByID[entry.Tx.ID] = entry
	heap.Push(&mp.byFeeRate, entry)
	mp.currentBytes += entry.WeightBytes
	for _, in := range entry.Tx.Inputs {
		if in.Anchor != nil {
			mp.byConsumedAnchor[*in.Anchor] = entry.Tx.ID
		}
	}
}

func (mp *Mempool) removeEntryLocked(entry *Entry) {
	delete(mp.txByID, entry.Tx.ID)
	if entry.index >= 0 && entry.index < mp.byFeeRate.Len() {
		heap.Remove(&mp.byFeeRate, entry.index)
	}
	mp.currentBytes -= entry.WeightBytes
	for _, in := range entry.Tx.Inputs {
		if in.Anchor != nil && mp.byConsumedAnchor[*in.Anchor] == entry.Tx.ID {
			delete(mp.byConsumedAnchor, *in.Anchor)
		}
	}
}

// Remove drops a transaction by id, reporting whether it was present.
func (mp *Mempool) Remove(txID string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	entry, ok := mp.txByID[txID]
	if !ok {
		return false
	}
	mp.removeEntryLocked(entry)
	return true
}

// DigestBlockTxs removes every mempool entry whose anchor is consumed by
// any non-reward transaction in a newly applied block.
func (mp *Mempool) DigestBlockTxs(txs []*block.Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, tx := range txs {
		if tx.IsCoinbaseOrReward() {
			continue
		}
		if entry, ok := mp.txByID[tx.ID]; ok {
			mp.removeEntryLocked(entry)
		}
		for _, in := range tx.Inputs {
			if in.Anchor == nil {
				continue
			}
			if conflictID, ok := mp.byConsumedAnchor[*in.Anchor]; ok {
				if conflict := mp.txByID[conflictID]; conflict != nil {
					mp.removeEntryLocked(conflict)
				}
			}
		}
	}
}

// PruneSpent removes every mempool entry that references an anchor no
// longer present in idx, called defensively after re-orgs.
func (mp *Mempool) PruneSpent(idx validator.UTXOLookup) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, entry := range mp.txByID {
		for _, in := range entry.Tx.Inputs {
			if in.Anchor == nil {
				continue
			}
			if _, ok := idx.Lookup(*in.Anchor); !ok {
				mp.removeEntryLocked(entry)
				break
			}
		}
	}
}

// SelectForBlock iterates byFeeRate descending and returns clones of the
// selected transactions. A transaction that would push the total past
// limitBytes is skipped; selection stops as soon as the total exceeds 98%
// of limitBytes.
func (mp *Mempool) SelectForBlock(limitBytes uint64) []*block.Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	ordered := make([]*Entry, len(mp.byFeeRate))
	copy(ordered, mp.byFeeRate)
	sortByFeeRateDesc(ordered)

	threshold := limitBytes * 98 / 100
	var total uint64
	selected := make([]*block.Transaction, 0, len(ordered))
	for _, entry := range ordered {
		if total+entry.WeightBytes > limitBytes {
			continue
		}
		clone := *entry.Tx
		clone.Inputs = append([]block.TxIn(nil), entry.Tx.Inputs...)
		clone.Outputs = append([]block.TxOut(nil), entry.Tx.Outputs...)
		clone.Witnesses = append([]block.Witness(nil), entry.Tx.Witnesses...)
		selected = append(selected, &clone)
		total += entry.WeightBytes
		if total > threshold {
			break
		}
	}
	return selected
}

func sortByFeeRateDesc(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			less := a.FeePerByte() < b.FeePerByte() ||
				(a.FeePerByte() == b.FeePerByte() && b.EnqueuedAt.Before(a.EnqueuedAt))
			if !less {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// PruneExpired drops every entry older than the configured expiration
// age, reporting how many were removed.
func (mp *Mempool) PruneExpired() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.pruneExpiredLocked()
}

func (mp *Mempool) pruneExpiredLocked() int {
	if mp.cfg.ExpirationTime <= 0 {
		return 0
	}
	cutoff := now().Add(-mp.cfg.ExpirationTime)
	removed := 0
	for _, entry := range mp.txByID {
		if entry.EnqueuedAt.Before(cutoff) {
			mp.removeEntryLocked(entry)
			removed++
		}
	}
	return removed
}

// capacityEvictionLocked drops the lowest-fee-rate entry repeatedly until
// the pool is back under its configured byte/count caps.
func (mp *Mempool) capacityEvictionLocked() {
	for mp.currentBytes > mp.cfg.MaxBytes || len(mp.txByID) > mp.cfg.MaxSize {
		if mp.byFeeRate.Len() == 0 {
			return
		}
		worst := mp.lowestFeeRateEntryLocked()
		mp.removeEntryLocked(worst)
	}
}

func (mp *Mempool) lowestFeeRateEntryLocked() *Entry {
	worst := mp.byFeeRate[0]
	for _, e := range mp.byFeeRate {
		if e.FeePerByte() < worst.FeePerByte() {
			worst = e
		}
	}
	return worst
}

// Len reports the number of transactions currently held.
func (mp *Mempool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.txByID)
}

// Contains reports whether txID is currently admitted.
func (mp *Mempool) Contains(txID string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	_, ok := mp.txByID[txID]
	return ok
}

func encodedWeight(tx *block.Transaction) (uint64, error) {
	b, err := codec.EncodeTransaction(tx)
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

// now is a seam so tests can control ordering without relying on the wall
// clock's resolution.
var now = time.Now
