// Package node implements the single-writer scheduler that serialises
// every mutation of the chain, UTXO index, and mempool: an explicit FIFO
// job queue drained by one goroutine, plus a barrier job that callers
// needing exclusive access await instead of spin-waiting on a pause
// flag. Because exactly one job runs at a time, the UTXO index needs no
// locking of its own, admission validation always sees a consistent
// snapshot, and block application can reclassify mempool entries without
// racing admissions.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/chain"
	"github.com/contrastlabs/utxonode/pkg/logger"
	"github.com/contrastlabs/utxonode/pkg/mempool"
	"github.com/contrastlabs/utxonode/pkg/validator"
)

// ErrPoisoned is returned by every public operation once a fatal storage
// or invariant error has stopped the job loop.
var ErrPoisoned = fmt.Errorf("node: core poisoned, no longer accepting jobs")

// InvalidBlockError wraps the specific reason a submitted block was
// rejected, distinguishing it from a fatal error: the node logs and
// drops, it never poisons itself over this.
type InvalidBlockError struct {
	Reason error
}

func (e *InvalidBlockError) Error() string { return fmt.Sprintf("node: invalid block: %v", e.Reason) }
func (e *InvalidBlockError) Unwrap() error { return e.Reason }

type jobKind int

const (
	jobAdmitTransaction jobKind = iota
	jobApplyMinedBlock
	jobBuildCandidate
	jobBarrier
)

type job struct {
	kind jobKind

	tx          *block.Transaction
	replaceTxID string

	minedBlock *block.Block

	legitimacy int64

	resultCh chan jobResult

	// barrierResume is closed by the caller to release a barrier job.
	barrierResume chan struct{}
}

type jobResult struct {
	candidate *blockengine.Candidate
	err       error
}

// Core is the node's single-writer scheduler. Exactly one job runs at a
// time, in FIFO submission order, against the chain, UTXO index, and
// mempool it owns.
type Core struct {
	queue chan *job
	done  chan struct{}

	chain   *chain.Chain
	mempool *mempool.Mempool
	engine  *blockengine.Engine
	log     *logger.Logger

	mu       sync.Mutex
	poisoned error
	stopped  bool
}

// New builds a Core wired to chain, mempool, and engine, but does not
// start its job loop; call Run in its own goroutine.
func New(c *chain.Chain, mp *mempool.Mempool, engine *blockengine.Engine, log *logger.Logger) *Core {
	return &Core{
		queue:   make(chan *job, 256),
		done:    make(chan struct{}),
		chain:   c,
		mempool: mp,
		engine:  engine,
		log:     log,
	}
}

// Run is the job loop: it must be started in its own goroutine and runs
// until Close is called or a fatal error poisons the core.
func (c *Core) Run() {
	for {
		select {
		case j, ok := <-c.queue:
			if !ok {
				return
			}
			c.process(j)
		case <-c.done:
			return
		}
	}
}

// Close stops the job loop. Queued jobs that never run receive
// ErrPoisoned.
func (c *Core) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	close(c.done)
	for {
		select {
		case j := <-c.queue:
			j.resultCh <- jobResult{err: ErrPoisoned}
		default:
			return
		}
	}
}

func (c *Core) process(j *job) {
	if j.kind == jobBarrier {
		j.resultCh <- jobResult{}
		<-j.barrierResume
		return
	}

	if poisonErr := c.poisonedErr(); poisonErr != nil {
		j.resultCh <- jobResult{err: poisonErr}
		return
	}

	switch j.kind {
	case jobAdmitTransaction:
		err := c.mempool.Submit(j.tx, j.replaceTxID, c.chain.UTXOSet)
		j.resultCh <- jobResult{err: err}

	case jobApplyMinedBlock:
		err := c.applyMinedBlock(j.minedBlock)
		j.resultCh <- jobResult{err: err}

	case jobBuildCandidate:
		cand, err := c.buildCandidate(j.legitimacy)
		j.resultCh <- jobResult{candidate: cand, err: err}
	}
}

func (c *Core) poisonedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

func (c *Core) poison(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisoned == nil {
		c.poisoned = fmt.Errorf("%w: %v", ErrPoisoned, err)
		if c.log != nil {
			c.log.Error("node core poisoned: %v", err)
		}
	}
}

// submit enqueues j and blocks for its result. Returns ErrPoisoned
// immediately, without enqueueing, once the core has been poisoned.
func (c *Core) submit(j *job) jobResult {
	if poisonErr := c.poisonedErr(); poisonErr != nil {
		return jobResult{err: poisonErr}
	}
	j.resultCh = make(chan jobResult, 1)
	c.queue <- j
	return <-j.resultCh
}

// AdmitTransaction posts an admitTransaction job, running the full
// five-stage validation pipeline against the live UTXO index.
func (c *Core) AdmitTransaction(tx *block.Transaction, replaceTxID string) error {
	res := c.submit(&job{kind: jobAdmitTransaction, tx: tx, replaceTxID: replaceTxID})
	return res.err
}

// ApplyMinedBlock posts an applyMinedBlock job: a sealed block returned
// by the external miner is re-validated and, if valid, extends (or forks
// and potentially reorganises) the chain.
func (c *Core) ApplyMinedBlock(b *block.Block) error {
	res := c.submit(&job{kind: jobApplyMinedBlock, minedBlock: b})
	return res.err
}

// BuildCandidate posts a buildCandidate job: it selects the mempool's
// best transactions, prepends a validator-reward transaction, and
// returns an unsealed candidate for the external miner to nonce and
// hash. legitimacy is an externally supplied difficulty adjustment; this
// package treats it as opaque.
func (c *Core) BuildCandidate(legitimacy int64) (*blockengine.Candidate, error) {
	res := c.submit(&job{kind: jobBuildCandidate, legitimacy: legitimacy})
	return res.candidate, res.err
}

// Pause posts a barrier job and blocks until the loop has dequeued it —
// at that point every job submitted before Pause has completed and none
// submitted after it will start — then returns a resume function the
// caller must call exactly once to let the loop continue.
func (c *Core) Pause() (resume func(), err error) {
	if poisonErr := c.poisonedErr(); poisonErr != nil {
		return func() {}, poisonErr
	}
	j := &job{kind: jobBarrier, resultCh: make(chan jobResult, 1), barrierResume: make(chan struct{})}
	c.queue <- j
	<-j.resultCh
	var once sync.Once
	return func() { once.Do(func() { close(j.barrierResume) }) }, nil
}

// overlayLookup layers the set of anchors a block's earlier transactions
// created or destroyed over a base UTXOLookup, so sequential
// transactions within one block can be validated against the partial
// state the preceding ones in the same block would produce.
type overlayLookup struct {
	base    validator.UTXOLookup
	created map[block.Anchor]block.TxOut
	spent   map[block.Anchor]bool
	height  uint64
}

func (o *overlayLookup) Lookup(a block.Anchor) (block.TxOut, bool) {
	if o.spent[a] {
		return block.TxOut{}, false
	}
	if out, ok := o.created[a]; ok {
		return out, true
	}
	return o.base.Lookup(a)
}

// CurrentHeight reports the height of the block currently being applied,
// not the base index's prior tip — a lockUntilBlock output created earlier
// in the same block should be checked against the block it lands in.
func (o *overlayLookup) CurrentHeight() uint64 { return o.height }

// applyMinedBlock re-validates every fee-paying transaction in b against
// the live UTXO index (extended transaction-by-transaction within the
// block, matching how utxo.Index.ApplyBlock itself processes a block
// sequentially), checks the declared validator-reward output against the
// fees collected, then hands b to the chain. This check is exact for a
// block extending the current tip; for a block that instead opens or
// extends a fork, it is necessarily approximate, since this node only
// materialises the UTXO state of its active path — the fork's own UTXO
// state is rebuilt only once a reorg makes it the active chain.
func (c *Core) applyMinedBlock(b *block.Block) error {
	// Proof-of-work is verified inside chain.AddBlock; doing it here too
	// would cost a second Argon2id pass per block.
	overlay := &overlayLookup{
		base:    c.chain.UTXOSet,
		created: make(map[block.Anchor]block.TxOut),
		spent:   make(map[block.Anchor]bool),
		height:  b.Index,
	}

	reward := b.ValidatorRewardTx()
	if reward == nil {
		return &InvalidBlockError{Reason: fmt.Errorf("block missing validator-reward transaction")}
	}

	var collectedFees uint64
	for i, tx := range b.Txs {
		if i < 2 {
			continue // Txs[0]/Txs[1]: validator-reward and coinbase, fee-exempt
		}
		result, err := validator.Validate(tx, overlay)
		if err != nil {
			return &InvalidBlockError{Reason: fmt.Errorf("tx %s: %w", tx.ID, err)}
		}
		collectedFees += result.Fee
		for _, in := range tx.Inputs {
			if in.Anchor != nil {
				overlay.spent[*in.Anchor] = true
			}
		}
		for vout, out := range tx.Outputs {
			if out.IsInscription() {
				continue
			}
			overlay.created[block.Anchor{Height: b.Index, TxID: tx.ID, Vout: uint32(vout)}] = out
		}
	}

	if len(reward.Outputs) != 1 || reward.Outputs[0].Amount != collectedFees {
		return &InvalidBlockError{Reason: fmt.Errorf("validator-reward output %d does not match collected fees %d", rewardAmount(reward), collectedFees)}
	}

	wasTip := c.chain.Tip()
	if err := c.chain.AddBlock(b); err != nil {
		if errors.Is(err, chain.ErrStorage) {
			c.poison(err)
			return err
		}
		return &InvalidBlockError{Reason: err}
	}

	newTip := c.chain.Tip()
	if wasTip == nil || newTip.Hash != wasTip.Hash {
		// Either the first block or a fork that just became the active
		// chain (a reorg happened inside AddBlock): the mempool's
		// consumed-anchor index can no longer be trusted wholesale.
		c.mempool.DigestBlockTxs(b.Txs)
		c.mempool.PruneSpent(c.chain.UTXOSet)
	}
	return nil
}

func rewardAmount(tx *block.Transaction) uint64 {
	if len(tx.Outputs) == 0 {
		return 0
	}
	return tx.Outputs[0].Amount
}

// buildCandidate assembles an unsealed successor to the current tip.
// Because buildCandidate is itself a job on the single-writer queue, no
// separate mempool pause is needed around transaction selection — no
// other job can interleave with this one by construction; Pause exists
// for callers outside the job loop (e.g. a snapshot read from the HTTP
// API) that need a barrier instead.
func (c *Core) buildCandidate(legitimacy int64) (*blockengine.Candidate, error) {
	tip := c.chain.Tip()
	if tip == nil {
		return nil, fmt.Errorf("node: cannot build candidate before genesis is applied")
	}
	cand, err := c.engine.BuildCandidate(tip, c.mempool, c.chain.UTXOSet, legitimacy)
	if err != nil {
		return nil, err
	}
	cand.Block.Difficulty = c.chain.NextDifficulty()
	cand.Block.PosTimestamp = time.Now().UnixMilli()
	return cand, nil
}

// QueueDepth reports how many jobs are currently waiting to run, for
// monitoring's job-queue gauge.
func (c *Core) QueueDepth() int {
	return len(c.queue)
}

// Poison marks the core fatally broken. It is exported so callers that
// detect a fatal condition outside a job (e.g. a background compaction
// failure) can stop the loop from accepting further work.
func (c *Core) Poison(err error) {
	c.poison(err)
}
