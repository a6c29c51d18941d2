// Package miner is the collaborator that seals block candidates: it
// requests an unsealed candidate from the node core, finds a nonce (and,
// if the primary nonce space is exhausted within a round, a fresh
// coinbase extra-nonce) whose Argon2id hash meets the block's final
// difficulty, and hands the sealed block back to the node core for
// re-validation and application. It talks only to *node.Core's
// candidate/apply contract, so an out-of-process miner can replace it
// without touching the node.
package miner

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/logger"
	"github.com/contrastlabs/utxonode/pkg/node"
)

// Config tunes how aggressively the miner searches for a satisfying
// nonce before giving up on one candidate and asking the node core for a
// fresh one (which picks up any mempool changes since the last attempt).
type Config struct {
	Enabled             bool
	PollInterval        time.Duration
	Legitimacy          int64
	NoncesPerExtraNonce uint64
	MaxExtraNonceRounds uint64
}

// DefaultConfig is a single-threaded, always-on posture timed to the 10s
// target block time.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		PollInterval:        10 * time.Second,
		Legitimacy:          0,
		NoncesPerExtraNonce: 100_000,
		MaxExtraNonceRounds: 64,
	}
}

// Miner periodically asks a node core to build a candidate, seals it, and
// submits it back.
type Miner struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	core   *node.Core
	engine *blockengine.Engine
	cfg    Config
	log    *logger.Logger
}

// New builds a Miner wired to core and engine. Start must be called to
// begin mining in its own goroutine.
func New(core *node.Core, engine *blockengine.Engine, cfg Config, log *logger.Logger) *Miner {
	return &Miner{core: core, engine: engine, cfg: cfg, log: log}
}

// Start begins the mine-poll-submit loop in its own goroutine. It is an
// error to call Start twice without an intervening Stop.
func (m *Miner) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("miner: already running")
	}
	if !m.cfg.Enabled {
		return fmt.Errorf("miner: disabled by configuration")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	return nil
}

// Stop halts the loop and waits for the in-flight round (if any) to
// notice and exit.
func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// IsRunning reports whether the mining loop is active.
func (m *Miner) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Miner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.mineOnce(stop); err != nil && m.log != nil {
				m.log.Warn("mining round did not produce a block: %v", err)
			}
		}
	}
}

// mineOnce builds one candidate, seals it, and submits it. A failure to
// find a satisfying nonce within the configured search budget is not an
// error worth logging loudly: the next tick tries again against a
// possibly-changed tip and mempool.
func (m *Miner) mineOnce(stop <-chan struct{}) error {
	cand, err := m.core.BuildCandidate(m.cfg.Legitimacy)
	if err != nil {
		return fmt.Errorf("build candidate: %w", err)
	}

	if err := m.seal(cand.Block, stop); err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	if err := m.core.ApplyMinedBlock(cand.Block); err != nil {
		return fmt.Errorf("apply mined block: %w", err)
	}
	if m.log != nil {
		m.log.Info("mined block %d: %s", cand.Block.Index, cand.Block.Hash)
	}
	return nil
}

// seal finds a nonce (and, if needed, a fresh coinbase extra-nonce)
// satisfying the candidate's final difficulty, stamping Timestamp, Nonce,
// and Hash. Sealing touches only those three fields and the coinbase's
// first input (its extra-nonce marker); every other field, and the
// transaction order, is left exactly as the node core assembled it.
func (m *Miner) seal(b *block.Block, stop <-chan struct{}) error {
	b.Timestamp = time.Now().UnixMilli()
	targetMillis := m.engine.Config().TargetBlockTimeMillis
	final := blockengine.FinalDifficulty(b.Difficulty, b.PosTimestamp, b.Timestamp, b.Legitimacy, targetMillis)

	coinbase := b.CoinbaseTx()
	if coinbase == nil || len(coinbase.Inputs) == 0 {
		return fmt.Errorf("candidate is missing a coinbase input to hold the extra-nonce")
	}

	for round := uint64(0); round < m.cfg.MaxExtraNonceRounds; round++ {
		if round > 0 {
			if err := rerollCoinbaseExtraNonce(b, coinbase, round); err != nil {
				return err
			}
		}
		signature := blockengine.CanonicalSignature(b.PrevHash, b.Index, b.Supply, b.Difficulty, txIDsOf(b), b.CoinBase)

		for i := uint64(0); i < m.cfg.NoncesPerExtraNonce; i++ {
			select {
			case <-stop:
				return fmt.Errorf("mining stopped")
			default:
			}
			nonce := fmt.Sprintf("%08x", i)
			hash := blockengine.ComputeHash(signature, nonce)
			if blockengine.MeetsDifficulty(hash, final) {
				b.Nonce = nonce
				b.Hash = hex.EncodeToString(hash)
				return nil
			}
		}
	}
	return fmt.Errorf("exhausted %d extra-nonce rounds without a satisfying hash", m.cfg.MaxExtraNonceRounds)
}

// rerollCoinbaseExtraNonce replaces the coinbase's first input marker
// with a fresh value, derived from round, and restamps the coinbase
// transaction's id accordingly. The marker stays plain hex: a colon
// would make it read as a validator-reward input on the wire.
func rerollCoinbaseExtraNonce(b *block.Block, coinbase *block.Transaction, round uint64) error {
	coinbase.Inputs[0].Marker = cryptoutil.SHA256Hex([]byte(fmt.Sprintf("extranonce:%d:%d", b.Index, round)))
	preimage, err := codec.EncodeInputsOutputs(coinbase.Inputs, coinbase.Outputs)
	if err != nil {
		return fmt.Errorf("re-encode coinbase after extra-nonce reroll: %w", err)
	}
	coinbase.ID = cryptoutil.TxID(preimage)
	return nil
}

func txIDsOf(b *block.Block) []string {
	ids := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		ids[i] = tx.ID
	}
	return ids
}

