package mempool

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

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

// signedTransfer signs with one fixed key, so every transfer it builds is
// owned by the same address and two transfers of one anchor are a genuine
// double spend that passes validation and reaches the conflict check.
func signedTransfer(t *testing.T, anchor block.Anchor, outAmount uint64) (*block.Transaction, string) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	pub := priv.Public().(ed25519.PublicKey)
	addr := cryptoutil.DeriveAddress(pub)
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Anchor: &anchor}},
		Outputs: []block.TxOut{{Amount: outAmount, Rule: txrule.Sig, Address: addr}},
	}
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tx.ID = cryptoutil.TxID(preimage)
	sig := cryptoutil.Sign(priv, preimage)
	tx.Witnesses = []block.Witness{{SignatureHex: hex.EncodeToString(sig), PubKeyHex: hex.EncodeToString(pub)}}
	return tx, addr
}

func TestSubmitAcceptsValidTransaction(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if mp.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", mp.Len())
	}
	if !mp.Contains(tx.ID) {
		t.Fatalf("expected mempool to contain %s", tx.ID)
	}
}

func TestSubmitRejectsDuplicateSubmission(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if err := mp.Submit(tx, "", idx); err != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", err)
	}
}

func TestSubmitRejectsConflictingAnchorWithoutReplacement(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	txA, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(txA, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	txB, _ := signedTransfer(t, anchor, 80)
	if err := mp.Submit(txB, "", idx); err != ConflictingUTXOs {
		t.Fatalf("expected ConflictingUTXOs, got %v", err)
	}
}

func TestSubmitReplacesViaHigherFeeRate(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	txA, addr := signedTransfer(t, anchor, 95) // small fee
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(txA, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	txB, _ := signedTransfer(t, anchor, 50) // larger fee, replaces txA
	if err := mp.Submit(txB, txA.ID, idx); err != nil {
		t.Fatalf("expected replacement to succeed: %v", err)
	}
	if mp.Contains(txA.ID) {
		t.Fatalf("expected replaced transaction to be gone")
	}
	if !mp.Contains(txB.ID) {
		t.Fatalf("expected replacement transaction to be present")
	}
}

func TestSubmitRejectsReplacementWithLowerFeeRate(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	txA, addr := signedTransfer(t, anchor, 50) // large fee already
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(txA, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	txB, _ := signedTransfer(t, anchor, 95) // smaller fee, should not replace
	err := mp.Submit(txB, txA.ID, idx)
	if err == nil {
		t.Fatalf("expected replacement with lower fee-rate to be rejected")
	}
}

func TestDigestBlockTxsRemovesConsumedAnchors(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	mp.DigestBlockTxs([]*block.Transaction{tx})
	if mp.Len() != 0 {
		t.Fatalf("expected mempool empty after digesting block containing the tx")
	}
}

func TestPruneSpentRemovesOrphanedEntries(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	mp := New(DefaultConfig())
	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	empty := fakeIndex{}
	mp.PruneSpent(empty)
	if mp.Len() != 0 {
		t.Fatalf("expected orphaned entry to be pruned")
	}
}

func TestSelectForBlockOrdersByFeeRateDescending(t *testing.T) {
	mp := New(DefaultConfig())
	idx := fakeIndex{}

	anchorLow := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	anchorHigh := block.Anchor{Height: 0, TxID: "20000000", Vout: 0}
	txLow, addrLow := signedTransfer(t, anchorLow, 95)   // small fee
	txHigh, addrHigh := signedTransfer(t, anchorHigh, 50) // large fee
	idx[anchorLow] = block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addrLow}
	idx[anchorHigh] = block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addrHigh}

	if err := mp.Submit(txLow, "", idx); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if err := mp.Submit(txHigh, "", idx); err != nil {
		t.Fatalf("submit high: %v", err)
	}

	selected := mp.SelectForBlock(1_000_000)
	if len(selected) != 2 {
		t.Fatalf("expected both transactions selected, got %d", len(selected))
	}
	if selected[0].ID != txHigh.ID {
		t.Fatalf("expected higher fee-rate transaction first, got %s", selected[0].ID)
	}
}

func TestSelectForBlockRespectsByteLimit(t *testing.T) {
	mp := New(DefaultConfig())
	idx := fakeIndex{}

	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx[anchor] = block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}
	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	selected := mp.SelectForBlock(1)
	if len(selected) != 0 {
		t.Fatalf("expected no transaction to fit a 1-byte block, got %d", len(selected))
	}
}

func TestPruneExpiredDropsOldEntries(t *testing.T) {
	anchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	tx, addr := signedTransfer(t, anchor, 90)
	idx := fakeIndex{anchor: block.TxOut{Amount: 100, Rule: txrule.Sig, Address: addr}}

	cfg := DefaultConfig()
	cfg.ExpirationTime = time.Hour
	mp := New(cfg)

	base := time.Unix(1_700_000_000, 0)
	defer func() { now = time.Now }()
	now = func() time.Time { return base }

	if err := mp.Submit(tx, "", idx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	now = func() time.Time { return base.Add(30 * time.Minute) }
	if removed := mp.PruneExpired(); removed != 0 {
		t.Fatalf("expected nothing pruned before expiry, got %d", removed)
	}

	now = func() time.Time { return base.Add(2 * time.Hour) }
	if removed := mp.PruneExpired(); removed != 1 {
		t.Fatalf("expected 1 expired entry pruned, got %d", removed)
	}
	if mp.Len() != 0 {
		t.Fatalf("expected empty pool after expiry, got %d", mp.Len())
	}
}
