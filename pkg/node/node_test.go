package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/blockengine"
	"github.com/contrastlabs/utxonode/pkg/chain"
	"github.com/contrastlabs/utxonode/pkg/codec"
	"github.com/contrastlabs/utxonode/pkg/cryptoutil"
	"github.com/contrastlabs/utxonode/pkg/mempool"
	"github.com/contrastlabs/utxonode/pkg/storage"
	"github.com/contrastlabs/utxonode/pkg/txrule"
)

// mineCandidate seals a candidate cheaply by pushing the declared
// timestamp far past posTimestamp (driving the final difficulty down to
// its floor of 1, i.e. zeros=0, adjust=1) and brute-forcing a handful of
// nonces, rather than performing a real Argon2id search.
func mineCandidate(t *testing.T, cand *blockengine.Candidate, targetMillis int64) {
	t.Helper()
	b := cand.Block
	b.Timestamp = b.PosTimestamp + 1_000_000*targetMillis

	txIDs := make([]string, len(b.Txs))
	for i, tx := range b.Txs {
		txIDs[i] = tx.ID
	}
	signature := blockengine.CanonicalSignature(b.PrevHash, b.Index, b.Supply, b.Difficulty, txIDs, b.CoinBase)

	for attempt := 0; attempt < 64; attempt++ {
		nonce := fmt.Sprintf("%08x", attempt)
		hash := blockengine.ComputeHash(signature, nonce)
		final := blockengine.FinalDifficulty(b.Difficulty, b.PosTimestamp, b.Timestamp, b.Legitimacy, targetMillis)
		if blockengine.MeetsDifficulty(hash, final) {
			b.Nonce = nonce
			b.Hash = hex.EncodeToString(hash)
			return
		}
	}
	t.Fatalf("failed to find a satisfying nonce in 64 attempts")
}

type harness struct {
	core    *Core
	chain   *chain.Chain
	mempool *mempool.Mempool
	engine  *blockengine.Engine
	address string

	signerPub  ed25519.PublicKey
	signerPriv ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := cryptoutil.DeriveAddress(pub)

	engine := blockengine.New(blockengine.DefaultConfig(address))
	c, err := chain.New(engine, storage.NewMemory())
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	mp := mempool.New(mempool.DefaultConfig())
	core := New(c, mp, engine, nil)
	go core.Run()
	t.Cleanup(core.Close)

	h := &harness{core: core, chain: c, mempool: mp, engine: engine, address: address}
	h.signerPub, h.signerPriv = pub, priv
	return h
}

func (h *harness) signedTransfer(t *testing.T, anchor block.Anchor, amount uint64, to string) *block.Transaction {
	t.Helper()
	tx := &block.Transaction{
		Version: 1,
		Inputs:  []block.TxIn{{Anchor: &anchor}},
		Outputs: []block.TxOut{{Amount: amount, Rule: txrule.Sig, Address: to}},
	}
	preimage, err := codec.EncodeInputsOutputs(tx.Inputs, tx.Outputs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tx.ID = cryptoutil.TxID(preimage)
	sig := cryptoutil.Sign(h.signerPriv, preimage)
	tx.Witnesses = []block.Witness{{SignatureHex: hex.EncodeToString(sig), PubKeyHex: hex.EncodeToString(h.signerPub)}}
	return tx
}

func TestAdmitTransactionThenMinedBlockUpdatesBalances(t *testing.T) {
	h := newHarness(t)
	tip := h.chain.Tip()
	coinbase := tip.CoinbaseTx()

	const toAddr = "2RecipientAAAAAAAAAA"
	const sendAmount = 30_000_000
	tx := h.signedTransfer(t, block.Anchor{Height: 0, TxID: coinbase.ID, Vout: 0}, sendAmount, toAddr)

	if err := h.core.AdmitTransaction(tx, ""); err != nil {
		t.Fatalf("AdmitTransaction: %v", err)
	}
	if !h.mempool.Contains(tx.ID) {
		t.Fatal("expected transaction to be admitted")
	}

	cand, err := h.core.BuildCandidate(0)
	if err != nil {
		t.Fatalf("BuildCandidate: %v", err)
	}
	if len(cand.Block.Txs) != 3 {
		t.Fatalf("candidate has %d txs, want 3 (reward, coinbase, transfer)", len(cand.Block.Txs))
	}
	mineCandidate(t, cand, h.engine.Config().TargetBlockTimeMillis)

	if err := h.core.ApplyMinedBlock(cand.Block); err != nil {
		t.Fatalf("ApplyMinedBlock: %v", err)
	}

	if bal := h.chain.UTXOSet.BalanceOf(toAddr); bal != sendAmount {
		t.Fatalf("recipient balance = %d, want %d", bal, sendAmount)
	}
	if h.mempool.Contains(tx.ID) {
		t.Fatal("expected mempool to have pruned the applied transaction")
	}
}

func TestDoubleSpendRejectedWithoutRBF(t *testing.T) {
	h := newHarness(t)
	coinbase := h.chain.Tip().CoinbaseTx()
	anchor := block.Anchor{Height: 0, TxID: coinbase.ID, Vout: 0}

	tx1 := h.signedTransfer(t, anchor, 20_000_000, "2RecipientAAAAAAAAAA")
	// tx2 sends less than tx1, so it pays a strictly higher fee and is a
	// valid replace-by-fee candidate.
	tx2 := h.signedTransfer(t, anchor, 5_000_000, "3RecipientBBBBBBBBBB")

	if err := h.core.AdmitTransaction(tx1, ""); err != nil {
		t.Fatalf("admit tx1: %v", err)
	}
	if err := h.core.AdmitTransaction(tx2, ""); err != mempool.ConflictingUTXOs {
		t.Fatalf("admit tx2 without replaceTxId: got %v, want ConflictingUTXOs", err)
	}
	if err := h.core.AdmitTransaction(tx2, tx1.ID); err != nil {
		t.Fatalf("admit tx2 as RBF replacement: %v", err)
	}
	if h.mempool.Contains(tx1.ID) {
		t.Fatal("expected tx1 to be evicted by RBF")
	}
	if !h.mempool.Contains(tx2.ID) {
		t.Fatal("expected tx2 to be admitted as the replacement")
	}
}

func TestPauseBarrierBlocksLaterJobs(t *testing.T) {
	h := newHarness(t)
	resume, err := h.core.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.core.BuildCandidate(0)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("expected BuildCandidate to block while paused")
	case <-time.After(20 * time.Millisecond):
	}

	resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("BuildCandidate after resume: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("BuildCandidate did not complete after resume")
	}
}

func TestPoisonedCoreRejectsFurtherJobs(t *testing.T) {
	h := newHarness(t)
	h.core.Poison(fmt.Errorf("simulated storage failure"))

	err := h.core.AdmitTransaction(&block.Transaction{}, "")
	if err == nil {
		t.Fatal("expected poisoned core to reject jobs")
	}
}

func TestApplyMinedBlockRejectsInflatedCoinbase(t *testing.T) {
	h := newHarness(t)
	cand, err := h.core.BuildCandidate(0)
	if err != nil {
		t.Fatalf("BuildCandidate: %v", err)
	}

	coinbase := cand.Block.CoinbaseTx()
	coinbase.Outputs[0].Amount++
	// Restamp the id so the block fails on the coinbase-amount check, not
	// on a stale tx hash.
	preimage, err := codec.EncodeInputsOutputs(coinbase.Inputs, coinbase.Outputs)
	if err != nil {
		t.Fatalf("encode inflated coinbase: %v", err)
	}
	coinbase.ID = cryptoutil.TxID(preimage)
	mineCandidate(t, cand, h.engine.Config().TargetBlockTimeMillis)

	err = h.core.ApplyMinedBlock(cand.Block)
	if err == nil {
		t.Fatal("expected an inflated coinbase to be rejected")
	}
	var invalid *InvalidBlockError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidBlockError, got %v", err)
	}
	if h.chain.Height() != 0 {
		t.Fatalf("expected chain to stay at genesis, height %d", h.chain.Height())
	}
}
