// Package utxo maintains the authoritative unspent-output index: which
// anchors exist, which address owns each, and each address's materialised
// balance. It is mutated only by applying or reverting whole blocks.
package utxo

import (
	"fmt"
	"sync"

	"github.com/contrastlabs/utxonode/pkg/block"
)

// Index is the authoritative UTXO state: anchors to outputs, anchors by
// owning address, and a materialised per-address balance kept equal to
// the sum of the address's unspent outputs.
type Index struct {
	mu sync.RWMutex

	utxoByAnchor     map[block.Anchor]block.TxOut
	utxosByAddress   map[string]map[block.Anchor]bool
	balanceByAddress map[string]uint64
	height           uint64
}

// New returns an empty UTXO Index.
func New() *Index {
	return &Index{
		utxoByAnchor:     make(map[block.Anchor]block.TxOut),
		utxosByAddress:   make(map[string]map[block.Anchor]bool),
		balanceByAddress: make(map[string]uint64),
	}
}

// Lookup returns the unspent output at anchor, if any.
func (idx *Index) Lookup(a block.Anchor) (block.TxOut, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out, ok := idx.utxoByAnchor[a]
	return out, ok
}

// BalanceOf returns the materialised balance for address.
func (idx *Index) BalanceOf(address string) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.balanceByAddress[address]
}

// CurrentHeight returns the height of the most recently applied block,
// used by the validator's lockUntilBlock rule check. It is 0 before any
// block has been applied.
func (idx *Index) CurrentHeight() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.height
}

// UtxosOf returns every anchor currently owned by address.
func (idx *Index) UtxosOf(address string) []block.Anchor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.utxosByAddress[address]
	out := make([]block.Anchor, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// snapshot captures enough state to roll back a partially applied block
// and restore the pre-call state.
type snapshot struct {
	created []block.Anchor
	removed map[block.Anchor]block.TxOut
}

// ApplyBlock applies every transaction in b in order: non-reward/coinbase
// inputs destroy the anchors they reference, every output becomes a new
// anchor at (b.Index, tx.ID, voutIndex). On any failure the index is
// rolled back to its pre-call state.
func (idx *Index) ApplyBlock(b *block.Block) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := &snapshot{removed: make(map[block.Anchor]block.TxOut)}
	if err := idx.applyLocked(b, snap); err != nil {
		idx.rollback(snap)
		return err
	}
	idx.height = b.Index
	return nil
}

func (idx *Index) applyLocked(b *block.Block, snap *snapshot) error {
	for _, tx := range b.Txs {
		for _, in := range tx.Inputs {
			if in.Anchor == nil {
				continue // coinbase / validator-reward marker, nothing to destroy
			}
			out, ok := idx.utxoByAnchor[*in.Anchor]
			if !ok {
				return fmt.Errorf("utxo: apply block %d: anchor %s not found", b.Index, in.Anchor)
			}
			snap.removed[*in.Anchor] = out
			idx.destroy(*in.Anchor, out)
		}
		for vout, out := range tx.Outputs {
			if out.IsInscription() {
				continue
			}
			a := block.Anchor{Height: b.Index, TxID: tx.ID, Vout: uint32(vout)}
			idx.create(a, out)
			snap.created = append(snap.created, a)
		}
	}
	return nil
}

func (idx *Index) rollback(snap *snapshot) {
	for _, a := range snap.created {
		if out, ok := idx.utxoByAnchor[a]; ok {
			idx.destroy(a, out)
		}
	}
	for a, out := range snap.removed {
		idx.create(a, out)
	}
}

// RevertBlock is the exact inverse of ApplyBlock, used during re-orgs:
// it destroys the anchors b created, then recreates the anchors it
// consumed from restore
// (the caller, pkg/chain's reorg path, fetches those original outputs
// back from storage — the index itself no longer holds them once spent).
func (idx *Index) RevertBlock(b *block.Block, restore map[block.Anchor]block.TxOut) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, tx := range b.Txs {
		for vout, out := range tx.Outputs {
			if out.IsInscription() {
				continue
			}
			a := block.Anchor{Height: b.Index, TxID: tx.ID, Vout: uint32(vout)}
			cur, ok := idx.utxoByAnchor[a]
			if !ok {
				return fmt.Errorf("utxo: revert block %d: anchor %s already absent", b.Index, a)
			}
			idx.destroy(a, cur)
		}
	}
	for a, out := range restore {
		idx.create(a, out)
	}
	if b.Index > 0 {
		idx.height = b.Index - 1
	} else {
		idx.height = 0
	}
	return nil
}

func (idx *Index) create(a block.Anchor, out block.TxOut) {
	idx.utxoByAnchor[a] = out
	if out.Amount == 0 {
		return // permitted but unspendable, not indexed by address
	}
	if idx.utxosByAddress[out.Address] == nil {
		idx.utxosByAddress[out.Address] = make(map[block.Anchor]bool)
	}
	idx.utxosByAddress[out.Address][a] = true
	idx.balanceByAddress[out.Address] += out.Amount
}

func (idx *Index) destroy(a block.Anchor, out block.TxOut) {
	delete(idx.utxoByAnchor, a)
	if out.Amount == 0 {
		return
	}
	if set, ok := idx.utxosByAddress[out.Address]; ok {
		delete(set, a)
		if len(set) == 0 {
			delete(idx.utxosByAddress, out.Address)
		}
	}
	idx.balanceByAddress[out.Address] -= out.Amount
	if idx.balanceByAddress[out.Address] == 0 {
		delete(idx.balanceByAddress, out.Address)
	}
}

// TotalBalance sums every address's materialised balance; used to check
// the global invariant that total balance equals cumulative coinBase.
func (idx *Index) TotalBalance() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var sum uint64
	for _, bal := range idx.balanceByAddress {
		sum += bal
	}
	return sum
}
