// Package chain maintains the append-only sequence of applied blocks, the
// fork set needed for re-orgs, and the storage/UTXO bookkeeping that goes
// with extending or rewinding it: validate, persist, update the tip,
// apply to the UTXO index, and track accumulated difficulty as the
// fork-choice score.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/storage"
	"github.com/contrastlabs/utxonode/pkg/utxo"
)

// ErrStorage marks persistence failures. Callers treat these as fatal
// and halt the job loop, unlike consensus rejections.
var ErrStorage = errors.New("chain: storage failure")

// Chain is the authoritative append-only ledger: every block it has ever
// seen (including blocks belonging to abandoned forks, kept so a later
// re-org can revert back through them), the active path's tip, and the
// UTXO Index that reflects exactly the active path.
type Chain struct {
	mu sync.RWMutex

	store  storage.Interface
	engine *blockengine.Engine

	UTXOSet *utxo.Index

	blocksByHash   map[string]*block.Block
	blocksByHeight map[uint64]*block.Block // active-path index only
	tip            *block.Block

	accumulatedDifficulty map[string]*big.Int // keyed by block hash
}

// New constructs a Chain, loading the active path from store if one
// exists, or seeding a fresh genesis block otherwise.
func New(engine *blockengine.Engine, store storage.Interface) (*Chain, error) {
	c := &Chain{
		store:                 store,
		engine:                engine,
		UTXOSet:               utxo.New(),
		blocksByHash:          make(map[string]*block.Block),
		blocksByHeight:        make(map[uint64]*block.Block),
		accumulatedDifficulty: make(map[string]*big.Int),
	}

	tipHash, err := store.Get(storage.LatestBlockKey)
	if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("chain: read latest block: %w", err)
	}
	if err == storage.ErrNotFound {
		genesis := buildGenesisBlock(engine)
		if err := c.commit(genesis); err != nil {
			return nil, fmt.Errorf("chain: commit genesis: %w", err)
		}
		return c, nil
	}
	if err := c.loadFromStorage(string(tipHash)); err != nil {
		return nil, fmt.Errorf("chain: restore from storage: %w", err)
	}
	return c, nil
}

// buildGenesisBlock assembles the zero-fee, zero-supply genesis block:
// index 0, supply 0, coinBase = the base reward, prevHash the literal
// sentinel. Like every other block it carries both the validator-reward
// tx (zero fees collected at genesis) and the coinbase tx.
func buildGenesisBlock(engine *blockengine.Engine) *block.Block {
	cfg := engine.Config()
	coinBase := engine.RewardForHeight(0, 0)

	rewardTx := zeroFeeMarkerTx(cfg.ValidatorAddress, "genesis-validator")
	coinbaseTx := rewardAmountMarkerTx(cfg.ValidatorAddress, coinBase, "genesis-coinbase")

	b := &block.Block{
		Index:        0,
		Supply:       0,
		CoinBase:     coinBase,
		Difficulty:   1,
		Legitimacy:   0,
		PrevHash:     block.GenesisPrevHash,
		PosTimestamp: 0,
		Timestamp:    0,
		Txs:          []*block.Transaction{rewardTx, coinbaseTx},
	}
	signature := blockengine.CanonicalSignature(b.PrevHash, b.Index, b.Supply, b.Difficulty, txIDs(b.Txs), b.CoinBase)
	b.Nonce = "00"
	hash := blockengine.ComputeHash(signature, b.Nonce)
	b.Hash = hex.EncodeToString(hash)
	return b
}

func txIDs(txs []*block.Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

func zeroFeeMarkerTx(address, seed string) *block.Transaction {
	hash := cryptoutil.SHA256Hex([]byte(seed))
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Marker: address + ":" + hash}},
		Outputs: []block.TxOut{{Amount: 0, Address: address}},
	}
	stampID(tx)
	return tx
}

func rewardAmountMarkerTx(address string, amount uint64, nonceSeed string) *block.Transaction {
	nonce := cryptoutil.SHA256Hex([]byte(nonceSeed))
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Marker: nonce}},
		Outputs: []block.TxOut{{Amount: amount, Address: address}},
	}
	stampID(tx)
	return tx
}

func stampID(tx *block.Transaction) {
	preimage, _ := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	tx.ID = cryptoutil.TxID(preimage)
}

// Tip returns the current chain tip (best block).
func (c *Chain) Tip() *block.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// Height returns the tip's height.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tip == nil {
		return 0
	}
	return c.tip.Index
}

// BlockByHash returns any block this chain has ever recorded, on or off
// the active path.
func (c *Chain) BlockByHash(hash string) (*block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocksByHash[hash]
	return b, ok
}

// BlockByHeight returns the active-path block at height.
func (c *Chain) BlockByHeight(height uint64) (*block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocksByHeight[height]
	return b, ok
}

// AccumulatedDifficulty returns the summed declared difficulty of every
// block from genesis to hash, used as the fork-choice score.
func (c *Chain) AccumulatedDifficulty(hash string) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.accumulatedDifficulty[hash]
	return d, ok
}

// AddBlock validates a sealed block against consensus rules and, if it
// does, records it; if it extends the active path it is applied
// immediately, otherwise it is held as a fork candidate and triggers a
// re-org once its chain's accumulated difficulty overtakes the active
// tip's.
func (c *Chain) AddBlock(b *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.blocksByHash[b.Hash]; exists {
		return fmt.Errorf("chain: block %s already known", b.Hash)
	}
	prev, err := c.requirePrev(b)
	if err != nil {
		return err
	}
	if err := c.validateStructure(b, prev); err != nil {
		return err
	}
	if err := c.engine.VerifyProofOfWork(b); err != nil {
		return fmt.Errorf("chain: invalid proof of work: %w", err)
	}

	prevAccum := big.NewInt(0)
	if prev != nil {
		prevAccum = c.accumulatedDifficulty[prev.Hash]
	}
	accum := new(big.Int).Add(prevAccum, big.NewInt(b.Difficulty))
	c.blocksByHash[b.Hash] = b
	c.accumulatedDifficulty[b.Hash] = accum

	if c.tip == nil {
		return c.applyPathLocked([]*block.Block{b})
	}
	if b.PrevHash == c.tip.Hash {
		return c.applyPathLocked([]*block.Block{b})
	}

	tipAccum := c.accumulatedDifficulty[c.tip.Hash]
	if accum.Cmp(tipAccum) <= 0 {
		return nil // valid fork block, but not (yet) the better chain
	}
	return c.reorgToLocked(b)
}

func (c *Chain) requirePrev(b *block.Block) (*block.Block, error) {
	if b.IsGenesis() {
		if c.tip != nil {
			return nil, fmt.Errorf("chain: genesis block submitted after chain already has a tip")
		}
		return nil, nil
	}
	prev, ok := c.blocksByHash[b.PrevHash]
	if !ok {
		return nil, fmt.Errorf("chain: unknown prevHash %s", b.PrevHash)
	}
	return prev, nil
}

func (c *Chain) validateStructure(b *block.Block, prev *block.Block) error {
	if prev == nil {
		return nil
	}
	if b.Index != prev.Index+1 {
		return fmt.Errorf("chain: block index %d does not follow %d", b.Index, prev.Index)
	}
	wantSupply := prev.Supply + prev.CoinBase
	if b.Supply != wantSupply {
		return fmt.Errorf("chain: block supply %d, want %d", b.Supply, wantSupply)
	}
	wantCoinBase := c.engine.RewardForHeight(b.Index, b.Supply)
	if b.CoinBase != wantCoinBase {
		return fmt.Errorf("chain: block coinBase %d, want %d", b.CoinBase, wantCoinBase)
	}
	wantDifficulty := c.nextDifficultyLocked(prev)
	if b.Difficulty != wantDifficulty {
		return fmt.Errorf("chain: block difficulty %d, want %d", b.Difficulty, wantDifficulty)
	}
	if err := validateCoinbasePaysReward(b); err != nil {
		return err
	}
	return validateRewardMatchesFees(b)
}

// validateCoinbasePaysReward checks the block carries a well-shaped
// coinbase transaction at Txs[1] whose outputs create exactly the
// declared coinBase — without this, a miner could mint more than the
// schedule allows and break the supply invariant.
func validateCoinbasePaysReward(b *block.Block) error {
	coinbase := b.CoinbaseTx()
	if coinbase == nil {
		return fmt.Errorf("chain: block missing coinbase transaction")
	}
	if len(coinbase.Inputs) != 1 || !coinbase.Inputs[0].IsCoinbaseMarker() {
		return fmt.Errorf("chain: coinbase tx must have a single miner-nonce input")
	}
	if coinbase.TotalOut() != b.CoinBase {
		return fmt.Errorf("chain: coinbase outputs create %d, declared coinBase %d", coinbase.TotalOut(), b.CoinBase)
	}
	return nil
}

// validateRewardMatchesFees checks the block carries a well-shaped
// validator-reward transaction at Txs[0]. The reward amount itself, and
// every other tx's fee, is cross-checked against the live UTXO Index by
// the node core's applyMinedBlock job before it ever calls AddBlock —
// this function only sees the raw block contents, not a UTXO view to
// recompute input sums from.
func validateRewardMatchesFees(b *block.Block) error {
	reward := b.ValidatorRewardTx()
	if reward == nil {
		return fmt.Errorf("chain: block missing validator-reward transaction")
	}
	if len(reward.Inputs) != 1 || !reward.Inputs[0].IsValidatorRewardMarker() {
		return fmt.Errorf("chain: validator-reward tx must have a single validator-hash input")
	}
	if len(reward.Outputs) != 1 {
		return fmt.Errorf("chain: validator-reward tx must have exactly one output")
	}
	return nil
}

// NextDifficulty returns the declared difficulty the block extending the
// current tip must carry: the tip's own difficulty, re-targeted from the
// window's observed inter-block intervals once every
// BlocksBeforeAdjustment blocks.
func (c *Chain) NextDifficulty() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextDifficultyLocked(c.tip)
}

// nextDifficultyLocked computes the required difficulty for prev's
// successor, walking prev's own ancestry (not blocksByHeight) so fork
// blocks re-target against their own chain's timestamps.
func (c *Chain) nextDifficultyLocked(prev *block.Block) int64 {
	window := c.engine.Config().BlocksBeforeAdjustment
	if prev == nil || window == 0 || (prev.Index+1)%window != 0 {
		if prev == nil {
			return 1
		}
		return prev.Difficulty
	}
	timestamps := make([]int64, 0, window)
	cur := prev
	for i := uint64(0); i < window; i++ {
		timestamps = append(timestamps, cur.Timestamp)
		if cur.IsGenesis() {
			break
		}
		parent, ok := c.blocksByHash[cur.PrevHash]
		if !ok {
			break
		}
		cur = parent
	}
	for l, r := 0, len(timestamps)-1; l < r; l, r = l+1, r-1 {
		timestamps[l], timestamps[r] = timestamps[r], timestamps[l]
	}
	return c.engine.Retarget(prev.Difficulty, timestamps)
}

// applyPathLocked applies blocks in order onto the current tip, rolling
// back any already-applied blocks in path if a later one fails, so a
// partially-applied path never leaks into the index.
func (c *Chain) applyPathLocked(path []*block.Block) error {
	applied := make([]*block.Block, 0, len(path))
	for _, b := range path {
		if err := c.UTXOSet.ApplyBlock(b); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				_ = c.revertUTXOLocked(applied[i])
			}
			return fmt.Errorf("chain: apply block %d: %w", b.Index, err)
		}
		applied = append(applied, b)
	}
	for _, b := range path {
		if err := c.persist(b); err != nil {
			return fmt.Errorf("chain: persist block %d: %w", b.Index, err)
		}
		c.blocksByHeight[b.Index] = b
		c.tip = b
	}
	return nil
}

// reorgToLocked switches the active path to the chain ending at b: it
// walks back from both the current tip and b to their common ancestor,
// reverts the active path down to that ancestor, then applies the new
// path from the ancestor forward.
func (c *Chain) reorgToLocked(b *block.Block) error {
	ancestor, revertPath, applyPath, err := c.forkPaths(c.tip, b)
	if err != nil {
		return fmt.Errorf("chain: reorg: %w", err)
	}
	_ = ancestor

	reverted := make([]*block.Block, 0, len(revertPath))
	for _, old := range revertPath {
		if err := c.revertUTXOLocked(old); err != nil {
			for i := len(reverted) - 1; i >= 0; i-- {
				_ = c.UTXOSet.ApplyBlock(reverted[i])
			}
			return fmt.Errorf("chain: reorg: revert block %d: %w", old.Index, err)
		}
		reverted = append(reverted, old)
	}

	if err := c.applyPathLocked(applyPath); err != nil {
		// Best-effort restoration of the original path.
		for i := len(reverted) - 1; i >= 0; i-- {
			_ = c.UTXOSet.ApplyBlock(reverted[i])
		}
		return err
	}
	for height := range c.blocksByHeight {
		if height > b.Index {
			delete(c.blocksByHeight, height)
		}
	}
	return nil
}

// forkPaths finds the common ancestor of a and b by walking both chains'
// PrevHash pointers backward, returning the ancestor plus the two
// divergent paths (newest-first for revert, ancestor-forward for apply).
func (c *Chain) forkPaths(a, b *block.Block) (ancestor *block.Block, revertPath, applyPath []*block.Block, err error) {
	aChain, err := c.pathToGenesis(a)
	if err != nil {
		return nil, nil, nil, err
	}
	bChain, err := c.pathToGenesis(b)
	if err != nil {
		return nil, nil, nil, err
	}
	aSet := make(map[string]int, len(aChain))
	for i, blk := range aChain {
		aSet[blk.Hash] = i
	}
	var ancestorIdxA int
	found := false
	for _, blk := range bChain {
		if idx, ok := aSet[blk.Hash]; ok {
			ancestorIdxA = idx
			ancestor = blk
			found = true
			break
		}
	}
	if !found {
		return nil, nil, nil, fmt.Errorf("no common ancestor between %s and %s", a.Hash, b.Hash)
	}
	// aChain/bChain are newest-first; build revert (newest-first, already
	// correct order) and apply (ancestor-forward, i.e. reversed) lists.
	revertPath = aChain[:ancestorIdxA]
	var ancestorIdxB int
	for i, blk := range bChain {
		if blk.Hash == ancestor.Hash {
			ancestorIdxB = i
			break
		}
	}
	forward := bChain[:ancestorIdxB]
	applyPath = make([]*block.Block, len(forward))
	for i, blk := range forward {
		applyPath[len(forward)-1-i] = blk
	}
	return ancestor, revertPath, applyPath, nil
}

func (c *Chain) pathToGenesis(from *block.Block) ([]*block.Block, error) {
	path := []*block.Block{}
	cur := from
	for {
		path = append(path, cur)
		if cur.IsGenesis() {
			return path, nil
		}
		prev, ok := c.blocksByHash[cur.PrevHash]
		if !ok {
			return nil, fmt.Errorf("missing ancestor %s", cur.PrevHash)
		}
		cur = prev
	}
}

// revertUTXOLocked reconstructs the outputs b's non-reward/coinbase
// inputs consumed (by looking up the anchor's creating transaction,
// which is still recorded in blocksByHash) and inverts the block's
// effect on the UTXO Index.
func (c *Chain) revertUTXOLocked(b *block.Block) error {
	restore := make(map[block.Anchor]block.TxOut)
	for _, tx := range b.Txs {
		for _, in := range tx.Inputs {
			if in.Anchor == nil {
				continue
			}
			out, err := c.lookupHistoricalOutput(*in.Anchor)
			if err != nil {
				return err
			}
			restore[*in.Anchor] = out
		}
	}
	if err := c.UTXOSet.RevertBlock(b, restore); err != nil {
		return err
	}
	delete(c.blocksByHeight, b.Index)
	if c.blocksByHeight[b.Index-1] != nil || b.Index == 0 {
		if b.Index == 0 {
			c.tip = nil
		} else {
			c.tip = c.blocksByHeight[b.Index-1]
		}
	}
	return nil
}

func (c *Chain) lookupHistoricalOutput(a block.Anchor) (block.TxOut, error) {
	creating, ok := c.blocksByHeight[a.Height]
	if !ok {
		creating, ok = c.blockAtHeightFromHash(a.Height)
		if !ok {
			return block.TxOut{}, fmt.Errorf("chain: no block at height %d to resolve anchor %s", a.Height, a)
		}
	}
	for _, tx := range creating.Txs {
		if tx.ID != a.TxID {
			continue
		}
		if int(a.Vout) >= len(tx.Outputs) {
			return block.TxOut{}, fmt.Errorf("chain: anchor %s vout out of range", a)
		}
		return tx.Outputs[a.Vout], nil
	}
	return block.TxOut{}, fmt.Errorf("chain: anchor %s: tx not found in block %d", a, a.Height)
}

// blockAtHeightFromHash falls back to storage for a height no longer
// present in the in-memory active-path index (e.g. mid-reorg).
func (c *Chain) blockAtHeightFromHash(height uint64) (*block.Block, bool) {
	hashBytes, err := c.store.Get(storage.HeightKey(height))
	if err != nil {
		return nil, false
	}
	if b, ok := c.blocksByHash[string(hashBytes)]; ok {
		return b, true
	}
	raw, err := c.store.Get(storage.BlockKey(string(hashBytes)))
	if err != nil {
		return nil, false
	}
	b, err := codec.DecodeBlock(raw)
	if err != nil {
		return nil, false
	}
	return b, true
}

// commit is used only for constructing the very first (genesis) block,
// where there is no prior tip to validate against.
func (c *Chain) commit(b *block.Block) error {
	if err := c.UTXOSet.ApplyBlock(b); err != nil {
		return err
	}
	if err := c.persist(b); err != nil {
		return err
	}
	c.blocksByHash[b.Hash] = b
	c.blocksByHeight[b.Index] = b
	c.accumulatedDifficulty[b.Hash] = big.NewInt(b.Difficulty)
	c.tip = b
	return nil
}

func (c *Chain) persist(b *block.Block) error {
	encoded, err := codec.EncodeBlock(b)
	if err != nil {
		return fmt.Errorf("chain: encode block: %w", err)
	}
	ops := []storage.Op{
		{Kind: storage.OpPut, Key: storage.BlockKey(b.Hash), Value: encoded},
		{Kind: storage.OpPut, Key: storage.HeightKey(b.Index), Value: []byte(b.Hash)},
		{Kind: storage.OpPut, Key: storage.LatestBlockKey, Value: []byte(b.Hash)},
	}
	for _, tx := range b.Txs {
		txBytes, err := codec.EncodeTransaction(tx)
		if err != nil {
			return fmt.Errorf("chain: encode tx %s: %w", tx.ID, err)
		}
		ops = append(ops, storage.Op{Kind: storage.OpPut, Key: storage.TxKey(tx.ID), Value: txBytes})
	}
	if err := c.store.Batch(ops); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// loadFromStorage replays every block from genesis to tipHash back into
// memory and the UTXO Index after a restart.
func (c *Chain) loadFromStorage(tipHash string) error {
	chainRev := []*block.Block{}
	cur := tipHash
	for {
		raw, err := c.store.Get(storage.BlockKey(cur))
		if err != nil {
			return fmt.Errorf("load block %s: %w", cur, err)
		}
		b, err := codec.DecodeBlock(raw)
		if err != nil {
			return fmt.Errorf("decode block %s: %w", cur, err)
		}
		chainRev = append(chainRev, b)
		if b.IsGenesis() {
			break
		}
		cur = b.PrevHash
	}
	accum := big.NewInt(0)
	for i := len(chainRev) - 1; i >= 0; i-- {
		b := chainRev[i]
		if err := c.UTXOSet.ApplyBlock(b); err != nil {
			return fmt.Errorf("replay block %d: %w", b.Index, err)
		}
		accum = new(big.Int).Add(accum, big.NewInt(b.Difficulty))
		c.blocksByHash[b.Hash] = b
		c.blocksByHeight[b.Index] = b
		c.accumulatedDifficulty[b.Hash] = new(big.Int).Set(accum)
		c.tip = b
	}
	return nil
}

// Close closes the underlying storage engine.
func (c *Chain) Close() error {
	return c.store.Close()
}

// String renders a short debug summary.
func (c *Chain) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tip == nil {
		return "Chain{empty}"
	}
	return fmt.Sprintf("Chain{Height: %d, Tip: %s}", c.tip.Index, c.tip.Hash)
}
