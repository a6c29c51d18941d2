// Package block defines the chain's core data types: the Anchor that
// identifies one unspent output, transaction inputs/outputs built on top of
// it, and the Block that bundles transactions together under a
// proof-of-work header.
package block

import (
	"fmt"
	"strings"

	"github.com/contrastlabs/utxonode/pkg/txrule"
)

// GenesisPrevHash is the fixed sentinel used as the genesis block's
// prevHash. It is the only permitted non-hex prevHash value.
const GenesisPrevHash = "ContrastGenesisBlock"

// Anchor identifies one transaction output in the chain: the height of the
// block that created it, the id of the transaction that created it, and
// the output's index within that transaction.
type Anchor struct {
	Height uint64
	TxID   string
	Vout   uint32
}

// String renders an anchor as "height:txId:vout", used as a map key and in
// logs.
func (a Anchor) String() string {
	return fmt.Sprintf("%d:%s:%d", a.Height, a.TxID, a.Vout)
}

// TxOut is one transaction output: an amount in base units, a locking
// rule, that rule's parameters, and the owning address. An output may
// instead carry free-form Inscription bytes (the codec's "[stringBytes]"
// variant); such outputs are unspendable and ignored by the validator and
// UTXO index.
type TxOut struct {
	Amount      uint64
	Rule        txrule.Kind
	RuleParams  txrule.Params
	Address     string
	Inscription []byte
}

// IsInscription reports whether this output carries inscription bytes
// rather than a spendable amount/rule/address triple.
func (o *TxOut) IsInscription() bool { return o.Inscription != nil }

// IsValid checks the output's shape invariants: positive
// amount and a well-formed address. It rejects a zero amount; coinbase and
// validator-reward transactions, which may carry a zero-amount output (e.g.
// a reward tx when no fees were collected), are checked through
// Transaction.IsValidShapeAllowingRewardZero instead.
func (o *TxOut) IsValid() error {
	return o.isValid(false)
}

func (o *TxOut) isValid(allowZeroAmount bool) error {
	if o.IsInscription() {
		return nil
	}
	if o.Amount == 0 && !allowZeroAmount {
		return fmt.Errorf("output amount must be > 0")
	}
	if err := ValidateAddressShape(o.Address); err != nil {
		return fmt.Errorf("output address: %w", err)
	}
	return nil
}

// TxIn is a transaction input. Exactly one of Anchor or Marker is set: a
// regular input references an anchor; a coinbase or validator-reward input
// carries a marker string (the miner nonce hex, or
// "validatorAddress:validatorHash").
type TxIn struct {
	Anchor *Anchor
	Marker string
}

// IsMarker reports whether this input is a coinbase/validator-reward
// marker rather than a regular anchor reference.
func (in *TxIn) IsMarker() bool { return in.Anchor == nil }

// IsValidatorRewardMarker reports whether Marker has the
// "validatorAddress:validatorHash" shape of a validator-reward input.
func (in *TxIn) IsValidatorRewardMarker() bool {
	return in.Anchor == nil && strings.Contains(in.Marker, ":")
}

// IsCoinbaseMarker reports whether Marker is a bare miner-nonce hex string,
// the shape of a coinbase input.
func (in *TxIn) IsCoinbaseMarker() bool {
	return in.Anchor == nil && in.Marker != "" && !strings.Contains(in.Marker, ":")
}

// IsValid checks an input's shape.
func (in *TxIn) IsValid() error {
	if in.Anchor == nil && in.Marker == "" {
		return fmt.Errorf("input has neither anchor nor marker")
	}
	if in.Anchor != nil && in.Marker != "" {
		return fmt.Errorf("input cannot have both anchor and marker")
	}
	if in.Anchor != nil && len(in.Anchor.TxID) != 8 {
		return fmt.Errorf("anchor txId must be 8 hex characters, got %d", len(in.Anchor.TxID))
	}
	return nil
}

// Witness is one signature/public-key pair backing an input.
type Witness struct {
	SignatureHex string
	PubKeyHex    string
}

// String renders a witness in its wire form "signatureHex:pubKeyHex".
func (w Witness) String() string { return w.SignatureHex + ":" + w.PubKeyHex }

// Transaction is the unit the mempool and block engine operate on.
type Transaction struct {
	ID        string
	Version   uint32
	Inputs    []TxIn
	Outputs   []TxOut
	Witnesses []Witness
}

// IsCoinbaseOrReward reports whether tx has the single-marker-input shape
// of a coinbase or validator-reward transaction.
func (tx *Transaction) IsCoinbaseOrReward() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].IsMarker()
}

// IsValidShape runs the non-UTXO-dependent structural checks: version
// set, at least one input and output, well-formed inputs
// and outputs.
func (tx *Transaction) IsValidShape() error {
	return tx.isValidShape(false)
}

// IsValidShapeAllowingRewardZero is IsValidShape, except a coinbase or
// validator-reward transaction's output may carry a zero amount (paid
// when a block collects no fees).
func (tx *Transaction) IsValidShapeAllowingRewardZero() error {
	return tx.isValidShape(tx.IsCoinbaseOrReward())
}

func (tx *Transaction) isValidShape(allowZeroAmount bool) error {
	if tx.Version == 0 {
		return fmt.Errorf("invalid version: %d", tx.Version)
	}
	if len(tx.Inputs) == 0 {
		return fmt.Errorf("transaction must have at least one input")
	}
	if len(tx.Outputs) == 0 {
		return fmt.Errorf("transaction must have at least one output")
	}
	seenAnchors := make(map[Anchor]bool, len(tx.Inputs))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if err := in.IsValid(); err != nil {
			return fmt.Errorf("invalid input %d: %w", i, err)
		}
		if in.Anchor != nil {
			if seenAnchors[*in.Anchor] {
				return fmt.Errorf("duplicate input anchor %s", in.Anchor)
			}
			seenAnchors[*in.Anchor] = true
		}
	}
	seenOutputs := make(map[string]bool, len(tx.Outputs))
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if err := out.isValid(allowZeroAmount); err != nil {
			return fmt.Errorf("invalid output %d: %w", i, err)
		}
		key := fmt.Sprintf("%d:%d:%s", out.Amount, out.Rule, out.Address)
		if seenOutputs[key] {
			return fmt.Errorf("duplicate output %d", i)
		}
		seenOutputs[key] = true
	}
	return nil
}

// TotalOut sums the transaction's output amounts.
func (tx *Transaction) TotalOut() uint64 {
	var sum uint64
	for _, o := range tx.Outputs {
		sum += o.Amount
	}
	return sum
}

// Block is one entry in the chain.
type Block struct {
	Index        uint64
	Supply       uint64
	CoinBase     uint64
	Difficulty   int64
	Legitimacy   int64
	PrevHash     string
	PosTimestamp int64
	Timestamp    int64
	Hash         string
	Nonce        string
	Txs          []*Transaction
}

// ValidatorRewardTx returns Txs[0], the validator-reward transaction.
func (b *Block) ValidatorRewardTx() *Transaction {
	if len(b.Txs) < 1 {
		return nil
	}
	return b.Txs[0]
}

// CoinbaseTx returns Txs[1], the coinbase transaction.
func (b *Block) CoinbaseTx() *Transaction {
	if len(b.Txs) < 2 {
		return nil
	}
	return b.Txs[1]
}

// IsGenesis reports whether b is the chain's genesis block.
func (b *Block) IsGenesis() bool {
	return b.Index == 0 && b.PrevHash == GenesisPrevHash
}

// String renders a short debug summary of the block.
func (b *Block) String() string {
	return fmt.Sprintf("Block{Index: %d, Hash: %s, Txs: %d, Difficulty: %d}",
		b.Index, b.Hash, len(b.Txs), b.Difficulty)
}

// ValidateAddressShape checks only that an address is 20 characters long.
// It does not check the base58 alphabet, and it does not check that the
// first character names a security class
// {Weak, Contrast, Secure, Powerful, Ultimate, MultiSig}.
func ValidateAddressShape(address string) error {
	if len(address) != 20 {
		return fmt.Errorf("address must be 20 characters, got %d", len(address))
	}
	return nil
}
