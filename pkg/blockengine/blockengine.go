// Package blockengine implements the chain's proof-of-work and reward
// rules: the canonical block signature that gets hashed, difficulty
// adjustment, the Fibonacci-decaying reward schedule, and assembling an
// unsealed block candidate from the mempool's best transactions.
package blockengine

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/txrule"
	"github.com/contrastlabs/utxonode/pkg/validator"
)

// Config collects the consensus tunables.
type Config struct {
	TargetBlockTimeMillis     int64
	MaxBlockSize              uint64
	BlocksBeforeAdjustment    uint64
	ThresholdPerDiffIncrement float64
	HalvingInterval           uint64
	MaxSupply                 uint64
	MinBlockReward            uint64
	ValidatorAddress          string
}

// DefaultConfig returns the stock consensus parameters.
func DefaultConfig(validatorAddress string) Config {
	return Config{
		TargetBlockTimeMillis:     10_000,
		MaxBlockSize:              200_000,
		BlocksBeforeAdjustment:    30,
		ThresholdPerDiffIncrement: 3.2,
		HalvingInterval:           262_980,
		MaxSupply:                 27_000_000_000_000,
		MinBlockReward:            1,
		ValidatorAddress:          validatorAddress,
	}
}

const maxDifficultyAdjustment = 32

// firstFibonacciSeed and secondFibonacciSeed are F(38) and F(39): the
// reward schedule decays along the Fibonacci sequence starting at
// F(38) = 39088169 (the base reward), walking backward one term per
// halving interval via next = bigger - smaller.
const (
	firstFibonacciSeed  = 39088169
	secondFibonacciSeed = 63245986
)

// BaseReward is the block reward paid before any halving has occurred.
const BaseReward = firstFibonacciSeed

// Engine computes the pure, deterministic block-engine rules: difficulty,
// reward, and the canonical signature hashed for proof-of-work. It holds
// no mutable chain state; callers supply the tip and mempool explicitly.
type Engine struct {
	cfg Config
}

// New returns an Engine configured with cfg.
func New(cfg Config) *Engine { return &Engine{cfg: cfg} }

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// CanonicalSignature builds the hex-encoded pre-image hashed for
// proof-of-work: prevHash ‖ index ‖ supply ‖ difficulty ‖ (concatenated
// tx ids) ‖ coinBase.
func CanonicalSignature(prevHash string, index, supply uint64, difficulty int64, txIDs []string, coinBase uint64) string {
	var sb strings.Builder
	sb.WriteString(prevHash)
	sb.WriteString(strconv.FormatUint(index, 10))
	sb.WriteString(strconv.FormatUint(supply, 10))
	sb.WriteString(strconv.FormatInt(difficulty, 10))
	for _, id := range txIDs {
		sb.WriteString(id)
	}
	sb.WriteString(strconv.FormatUint(coinBase, 10))
	return hex.EncodeToString([]byte(sb.String()))
}

// ComputeHash derives a block's proof-of-work hash from its canonical
// signature and nonce (headerNonce ‖ coinbaseNonce), via Argon2id.
func ComputeHash(signatureHex, nonce string) []byte {
	return cryptoutil.Argon2PoW([]byte(signatureHex), []byte(nonce))
}

// TimeDiffAdjustment is the per-block difficulty nudge derived from how
// far the actual timestamp deviated from the proposer's declared
// posTimestamp relative to the target block time: close-to-target blocks
// are rewarded, fast blocks are penalised.
func TimeDiffAdjustment(posTimestamp, timestamp, targetBlockTimeMillis int64) int64 {
	const maxAdj = 32
	if targetBlockTimeMillis <= 0 {
		return 0
	}
	ratio := float64(timestamp-posTimestamp) / float64(targetBlockTimeMillis)
	return maxAdj - int64(math.Round(ratio*maxAdj))
}

// FinalDifficulty combines a block's declared difficulty with the
// timestamp adjustment and externally supplied legitimacy score, floored
// at 1.
func FinalDifficulty(declaredDifficulty int64, posTimestamp, timestamp, legitimacy, targetBlockTimeMillis int64) int64 {
	d := declaredDifficulty + TimeDiffAdjustment(posTimestamp, timestamp, targetBlockTimeMillis) + legitimacy
	if d < 1 {
		d = 1
	}
	return d
}

// MeetsDifficulty reports whether hash satisfies difficulty's
// zero-bits-plus-partial-bits requirement, delegated to cryptoutil's
// bit-level check.
func MeetsDifficulty(hash []byte, difficulty int64) bool {
	return cryptoutil.MeetsDifficulty(hash, difficulty)
}

// Retarget recomputes the base difficulty every BlocksBeforeAdjustment
// blocks from the average inter-block interval observed across
// windowTimestamps (oldest first): a deviation beyond
// ThresholdPerDiffIncrement percent per difficulty point shifts the
// difficulty by the integral number of threshold steps, capped at 32 and
// signed so a faster-than-target chain raises difficulty.
func (e *Engine) Retarget(currentDifficulty int64, windowTimestamps []int64) int64 {
	if len(windowTimestamps) < 2 {
		return currentDifficulty
	}
	totalSpan := windowTimestamps[len(windowTimestamps)-1] - windowTimestamps[0]
	intervals := int64(len(windowTimestamps) - 1)
	avgInterval := float64(totalSpan) / float64(intervals)
	target := float64(e.cfg.TargetBlockTimeMillis)
	deviationPct := (avgInterval - target) / target * 100

	if math.Abs(deviationPct) <= e.cfg.ThresholdPerDiffIncrement {
		return currentDifficulty
	}
	shift := int64(math.Abs(deviationPct) / e.cfg.ThresholdPerDiffIncrement)
	if shift > maxDifficultyAdjustment {
		shift = maxDifficultyAdjustment
	}
	if deviationPct < 0 {
		return currentDifficulty + shift
	}
	return currentDifficulty - shift
}

// RewardForHeight computes the coinbase reward owed at height, decaying
// along the Fibonacci sequence once per HalvingInterval blocks and
// clipped so it never pushes supplySoFar past MaxSupply.
func (e *Engine) RewardForHeight(height, supplySoFar uint64) uint64 {
	era := height / e.cfg.HalvingInterval
	reward := fibonacciReward(era, e.cfg.MinBlockReward)
	if supplySoFar >= e.cfg.MaxSupply {
		return 0
	}
	if supplySoFar+reward > e.cfg.MaxSupply {
		reward = e.cfg.MaxSupply - supplySoFar
	}
	return reward
}

func fibonacciReward(era uint64, floor uint64) uint64 {
	bigger, smaller := uint64(secondFibonacciSeed), uint64(firstFibonacciSeed)
	for i := uint64(0); i < era; i++ {
		if smaller >= bigger {
			return floor
		}
		next := bigger - smaller
		bigger, smaller = smaller, next
		if smaller <= floor {
			return floor
		}
	}
	return smaller
}

// Candidate is an unsealed block: every field the node can compute
// locally, missing only the timestamp/nonce/hash a miner fills in.
type Candidate struct {
	Block            *block.Block
	SelectedTxWeight uint64
}

// MempoolSource is the read surface the candidate builder needs from the
// mempool; satisfied by *mempool.Mempool.
type MempoolSource interface {
	SelectForBlock(limitBytes uint64) []*block.Transaction
}

// BuildCandidate assembles an unsealed block candidate: selects the
// mempool's best-fee-rate transactions within MaxBlockSize, computes
// supply/coinBase/difficulty from tip, and prepends a validator-reward
// transaction paying the node's validator address the sum of the
// selected fees. The caller is responsible for keeping the mempool
// quiescent around this call.
func (e *Engine) BuildCandidate(tip *block.Block, mp MempoolSource, idx validator.UTXOLookup, legitimacy int64) (*Candidate, error) {
	selected := mp.SelectForBlock(e.cfg.MaxBlockSize)

	var totalFees uint64
	for _, tx := range selected {
		result, err := validator.Validate(tx, idx)
		if err != nil {
			return nil, fmt.Errorf("candidate selection included an invalid transaction %s: %w", tx.ID, err)
		}
		totalFees += result.Fee
	}

	index := tip.Index + 1
	supply := tip.Supply + tip.CoinBase
	coinBase := e.RewardForHeight(index, supply)
	difficulty := tip.Difficulty

	rewardTx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Marker: e.cfg.ValidatorAddress + ":" + validatorRewardHash(e.cfg.ValidatorAddress, index)}},
		Outputs: []block.TxOut{{Amount: totalFees, Rule: txrule.Sig, Address: e.cfg.ValidatorAddress}},
	}

	coinbaseTx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Marker: coinbaseNonce(index)}},
		Outputs: []block.TxOut{{Amount: coinBase, Rule: txrule.Sig, Address: e.cfg.ValidatorAddress}},
	}
	if err := stampTxID(rewardTx); err != nil {
		return nil, fmt.Errorf("stamp validator-reward tx id: %w", err)
	}
	if err := stampTxID(coinbaseTx); err != nil {
		return nil, fmt.Errorf("stamp coinbase tx id: %w", err)
	}

	txs := make([]*block.Transaction, 0, len(selected)+2)
	txs = append(txs, rewardTx, coinbaseTx)
	txs = append(txs, selected...)

	b := &block.Block{
		Index:        index,
		Supply:       supply,
		CoinBase:     coinBase,
		Difficulty:   difficulty,
		Legitimacy:   legitimacy,
		PrevHash:     tip.Hash,
		PosTimestamp: 0,
		Txs:          txs,
	}
	return &Candidate{Block: b}, nil
}

func stampTxID(tx *block.Transaction) error {
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		return err
	}
	tx.ID = cryptoutil.TxID(preimage)
	return nil
}

func validatorRewardHash(address string, height uint64) string {
	sum := cryptoutil.SHA256([]byte(fmt.Sprintf("%s:%d", address, height)))
	return hex.EncodeToString(sum[:])
}

func coinbaseNonce(height uint64) string {
	sum := cryptoutil.SHA256([]byte(fmt.Sprintf("coinbase:%d", height)))
	return hex.EncodeToString(sum[:])
}

// VerifyProofOfWork recomputes a sealed block's Argon2id hash from its
// canonical signature and nonce, and checks it both matches the declared
// hash and satisfies the final (timestamp- and legitimacy-adjusted)
// difficulty.
func (e *Engine) VerifyProofOfWork(b *block.Block) error {
	txIDs := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		txIDs[i] = tx.ID
	}
	signature := CanonicalSignature(b.PrevHash, b.Index, b.Supply, b.Difficulty, txIDs, b.CoinBase)
	hash := ComputeHash(signature, b.Nonce)
	hashHex := hex.EncodeToString(hash)
	if hashHex != b.Hash {
		return fmt.Errorf("block hash mismatch: computed %s, declared %s", hashHex, b.Hash)
	}
	final := FinalDifficulty(b.Difficulty, b.PosTimestamp, b.Timestamp, b.Legitimacy, e.cfg.TargetBlockTimeMillis)
	if !MeetsDifficulty(hash, final) {
		return fmt.Errorf("block hash does not meet final difficulty %d", final)
	}
	return nil
}
