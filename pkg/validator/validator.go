// Package validator runs the five-stage transaction validation pipeline,
// ordered cheapest-first so a malformed or malicious transaction is
// rejected before the node pays for a signature check or an Argon2id
// derivation. Each stage is an independent function returning a typed
// error Kind callers can switch on.
package validator

import (
	"encoding/hex"
	"fmt"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/txrule"
)

func decodeWitness(w block.Witness) (pubKey, sig []byte, err error) {
	pubKey, err = hex.DecodeString(w.PubKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid witness pubKey hex: %w", err)
	}
	sig, err = hex.DecodeString(w.SignatureHex)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid witness signature hex: %w", err)
	}
	return pubKey, sig, nil
}

// Kind classifies a validation rejection.
type Kind string

const (
	MalformedTransaction Kind = "MalformedTransaction"
	InsufficientFee       Kind = "InsufficientFee"
	NegativeFee           Kind = "NegativeFee"
	TxHashMismatch        Kind = "TxHashMismatch"
	SignatureInvalid      Kind = "SignatureInvalid"
	WitnessMissing        Kind = "WitnessMissing"
	DuplicateWitness      Kind = "DuplicateWitness"
	UTXONotFound          Kind = "UTXONotFound"
)

// Error is the typed rejection a stage reports; callers switch on Kind
// rather than matching strings.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func reject(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// UTXOLookup is the read-only view of the UTXO Index the validator needs;
// satisfied by *utxo.Index. CurrentHeight backs the lockUntilBlock rule
// check in stage 4.
type UTXOLookup interface {
	Lookup(a block.Anchor) (block.TxOut, bool)
	CurrentHeight() uint64
}

// Result carries the values later stages (mempool, block engine) need
// without recomputing them.
type Result struct {
	Fee uint64
}

// Validate runs all five stages against tx in cost order and returns the
// computed fee on success.
func Validate(tx *block.Transaction, idx UTXOLookup) (Result, error) {
	if err := ValidateShape(tx); err != nil {
		return Result{}, err
	}
	fee, err := ValidateBalance(tx, idx)
	if err != nil {
		return Result{}, err
	}
	if err := ValidateHash(tx); err != nil {
		return Result{}, err
	}
	if err := ValidateScriptSignature(tx, idx); err != nil {
		return Result{}, err
	}
	if err := ValidateOwnership(tx, idx); err != nil {
		return Result{}, err
	}
	return Result{Fee: fee}, nil
}

// ValidateShape is stage 1: field presence and types.
func ValidateShape(tx *block.Transaction) error {
	if err := tx.IsValidShapeAllowingRewardZero(); err != nil {
		return reject(MalformedTransaction, "%v", err)
	}
	return nil
}

// ValidateBalance is stage 2: compute fee = Σin − Σout; for reward/coinbase
// transactions fee must be zero, otherwise strictly positive.
func ValidateBalance(tx *block.Transaction, idx UTXOLookup) (uint64, error) {
	var totalIn uint64
	for _, in := range tx.Inputs {
		if in.Anchor == nil {
			continue
		}
		out, ok := idx.Lookup(*in.Anchor)
		if !ok {
			return 0, reject(UTXONotFound, "anchor %s not found", in.Anchor)
		}
		totalIn += out.Amount
	}
	totalOut := tx.TotalOut()

	if tx.IsCoinbaseOrReward() {
		// Coinbase and validator-reward transactions have no fee of their
		// own; the block engine checks Txs[0]'s output against the sum of
		// the block's collected fees, not the validator.
		return 0, nil
	}
	if totalIn < totalOut {
		return 0, reject(NegativeFee, "inputs %d < outputs %d", totalIn, totalOut)
	}
	fee := totalIn - totalOut
	if fee == 0 {
		return 0, reject(InsufficientFee, "non-reward transaction must pay a positive fee")
	}
	return fee, nil
}

// ValidateHash is stage 3: recompute the tx id from the canonical encoding
// of (inputs, outputs) and compare.
func ValidateHash(tx *block.Transaction) error {
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		return reject(MalformedTransaction, "encode inputs/outputs: %v", err)
	}
	want := cryptoutil.TxID(preimage)
	if want != tx.ID {
		return reject(TxHashMismatch, "computed %s, declared %s", want, tx.ID)
	}
	return nil
}

// ValidateScriptSignature is stage 4: for each input, check its rule's
// UTXO_CREATION_CONDITIONS and verify the witness signature over the
// canonical pre-image. A cache keyed by (address, rule) avoids repeat
// verification within one transaction.
func ValidateScriptSignature(tx *block.Transaction, idx UTXOLookup) error {
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		return reject(MalformedTransaction, "encode inputs/outputs: %v", err)
	}

	type cacheKey struct {
		address string
		rule    txrule.Kind
	}
	verified := make(map[cacheKey]bool)
	ruleInputCount := make(map[cacheKey]int)

	for _, in := range tx.Inputs {
		if in.Anchor == nil {
			continue
		}
		out, ok := idx.Lookup(*in.Anchor)
		if !ok {
			return reject(UTXONotFound, "anchor %s not found", in.Anchor)
		}
		key := cacheKey{address: out.Address, rule: out.Rule}
		ruleInputCount[key]++
		if ruleInputCount[key] > out.Rule.MaxInputsPerTx() {
			return reject(MalformedTransaction, "rule %s exceeds max inputs per tx", out.Rule)
		}
		if err := checkRuleParams(out, idx); err != nil {
			return err
		}
		if verified[key] {
			continue
		}
		if err := verifyWitnessFor(tx, out.Address, preimage); err != nil {
			return err
		}
		verified[key] = true
	}
	return nil
}

// checkRuleParams enforces the required parameters UTXO_CREATION_CONDITIONS
// names for each rule kind: lockUntilBlock's unlock height,
// multiSigCreate's co-signer threshold, and p2pExchange's pinned
// counterparty. sig and sigOrSlash carry no extra parameters to check.
func checkRuleParams(out block.TxOut, idx UTXOLookup) error {
	switch out.Rule {
	case txrule.LockUntilBlock:
		if idx.CurrentHeight() < out.RuleParams.UnlockHeight {
			return reject(MalformedTransaction, "lockUntilBlock output unlocks at height %d, current height %d", out.RuleParams.UnlockHeight, idx.CurrentHeight())
		}
	case txrule.MultiSigCreate:
		if out.RuleParams.Threshold == 0 {
			return reject(MalformedTransaction, "multiSigCreate output declares threshold 0")
		}
		if int(out.RuleParams.Threshold) > len(out.RuleParams.CoSigners)+1 {
			return reject(MalformedTransaction, "multiSigCreate threshold %d exceeds %d declared signers", out.RuleParams.Threshold, len(out.RuleParams.CoSigners)+1)
		}
	case txrule.P2pExchange:
		if out.RuleParams.Counterparty == "" {
			return reject(MalformedTransaction, "p2pExchange output declares no counterparty")
		}
	}
	return nil
}

func verifyWitnessFor(tx *block.Transaction, address string, preimage []byte) error {
	if len(tx.Witnesses) == 0 {
		return reject(WitnessMissing, "no witnesses on transaction")
	}
	for _, w := range tx.Witnesses {
		pubKey, sig, err := decodeWitness(w)
		if err != nil {
			return reject(MalformedTransaction, "%v", err)
		}
		if cryptoutil.DeriveAddress(pubKey) != address {
			continue
		}
		if !cryptoutil.VerifyWitness(pubKey, preimage, sig) {
			return reject(SignatureInvalid, "signature does not verify for address %s", address)
		}
		return nil
	}
	return reject(WitnessMissing, "no witness found for address %s", address)
}

// ValidateOwnership is stage 5: derive each witness's address from its
// public key, require every input's UTXO address to appear among witness
// addresses, and reject duplicate witness addresses.
func ValidateOwnership(tx *block.Transaction, idx UTXOLookup) error {
	witnessAddrs := make(map[string]bool, len(tx.Witnesses))
	for _, w := range tx.Witnesses {
		pubKey, _, err := decodeWitness(w)
		if err != nil {
			return reject(MalformedTransaction, "%v", err)
		}
		addr := cryptoutil.DeriveAddress(pubKey)
		if witnessAddrs[addr] {
			return reject(DuplicateWitness, "duplicate witness address %s", addr)
		}
		witnessAddrs[addr] = true
	}

	for _, in := range tx.Inputs {
		if in.Anchor == nil {
			continue
		}
		out, ok := idx.Lookup(*in.Anchor)
		if !ok {
			return reject(UTXONotFound, "anchor %s not found", in.Anchor)
		}
		if !witnessAddrs[out.Address] {
			return reject(WitnessMissing, "no witness covers owning address %s", out.Address)
		}
	}
	return nil
}
