package validator

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/txrule"
)

type fakeIndex map[block.Anchor]block.TxOut

func (f fakeIndex) Lookup(a block.Anchor) (block.TxOut, bool) {
	out, ok := f[a]
	return out, ok
}

func (f fakeIndex) CurrentHeight() uint64 { return 0 }

func signedTransfer(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, anchor block.Anchor, outAmount uint64, outAddr string) *block.Transaction {
	t.Helper()
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Anchor: &anchor}},
		Outputs: []block.TxOut{{Amount: outAmount, Rule: txrule.Sig, Address: outAddr}},
	}
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tx.ID = cryptoutil.TxID(preimage)
	sig := cryptoutil.Sign(priv, preimage)
	tx.Witnesses = []block.Witness{{SignatureHex: hex.EncodeToString(sig), PubKeyHex: hex.EncodeToString(pub)}}
	return tx
}

func TestValidateAcceptsWellFormedTransfer(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: senderAddr}}

	tx := signedTransfer(t, pub, priv, anchor, 90, senderAddr)
	res, err := Validate(tx, idx)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if res.Fee != 10 {
		t.Fatalf("expected fee 10, got %d", res.Fee)
	}
}

func TestValidateRejectsTamperedOutputAfterSigning(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: senderAddr}}

	tx := signedTransfer(t, pub, priv, anchor, 90, senderAddr)
	tx.Outputs[0].Amount = 95 // tamper after signing and id computation
	_, err = Validate(tx, idx)
	if err == nil {
		t.Fatalf("expected validation to reject tampered transaction")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != TxHashMismatch {
		t.Fatalf("expected TxHashMismatch, got %v", err)
	}
}

func TestValidateRejectsMissingWitness(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: senderAddr}}

	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Anchor: &anchor}},
		Outputs: []block.TxOut{{Amount: 90, Rule: txrule.Sig, Address: senderAddr}},
	}
	preimage, _ := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	tx.ID = cryptoutil.TxID(preimage)

	_, err = Validate(tx, idx)
	if err == nil {
		t.Fatalf("expected validation to reject transaction with no witnesses")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != WitnessMissing {
		t.Fatalf("expected WitnessMissing, got %v", err)
	}
}

func TestValidateRejectsZeroFee(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: senderAddr}}

	tx := signedTransfer(t, pub, priv, anchor, 100, senderAddr)
	_, err = Validate(tx, idx)
	if err == nil {
		t.Fatalf("expected validation to reject zero-fee non-reward transaction")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != InsufficientFee {
		t.Fatalf("expected InsufficientFee, got %v", err)
	}
}

// heightIndex wraps fakeIndex with a configurable CurrentHeight, for
// exercising the lockUntilBlock rule check.
type heightIndex struct {
	fakeIndex
	height uint64
}

func (h heightIndex) CurrentHeight() uint64 { return h.height }

func TestValidateRejectsLockUntilBlockBeforeUnlockHeight(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	base := fakeIndex{anchor: block.TxOut{
		Amount:     100,
		Rule:       txrule.LockUntilBlock,
		Address:    senderAddr,
		RuleParams: txrule.Params{UnlockHeight: 50},
	}}

	tx := signedTransfer(t, pub, priv, anchor, 90, senderAddr)

	if _, err := Validate(tx, heightIndex{fakeIndex: base, height: 10}); err == nil {
		t.Fatalf("expected validation to reject a lockUntilBlock spend before its unlock height")
	} else if verr, ok := err.(*Error); !ok || verr.Kind != MalformedTransaction {
		t.Fatalf("expected MalformedTransaction, got %v", err)
	}

	if _, err := Validate(tx, heightIndex{fakeIndex: base, height: 50}); err != nil {
		t.Fatalf("expected validation to accept a lockUntilBlock spend at its unlock height, got %v", err)
	}
}

func TestValidateRejectsMultiSigCreateWithInsufficientCoSigners(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{
		Amount:     100,
		Rule:       txrule.MultiSigCreate,
		Address:    senderAddr,
		RuleParams: txrule.Params{Threshold: 3, CoSigners: []string{"onlyOneCoSigner"}},
	}}

	tx := signedTransfer(t, pub, priv, anchor, 90, senderAddr)
	_, err = Validate(tx, idx)
	if err == nil {
		t.Fatalf("expected validation to reject a multiSigCreate threshold exceeding declared signers")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedTransaction {
		t.Fatalf("expected MalformedTransaction, got %v", err)
	}
}

func TestValidateRejectsP2pExchangeWithoutCounterparty(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	senderAddr := cryptoutil.DeriveAddress(pub)
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.P2pExchange, Address: senderAddr}}

	tx := signedTransfer(t, pub, priv, anchor, 90, senderAddr)
	_, err = Validate(tx, idx)
	if err == nil {
		t.Fatalf("expected validation to reject a p2pExchange output with no counterparty")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedTransaction {
		t.Fatalf("expected MalformedTransaction, got %v", err)
	}
}
