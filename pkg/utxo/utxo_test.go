package utxo

import (
	"testing"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/txrule"
)

func reward(addr string, amount uint64) *block.Transaction {
	return &block.Transaction{
		ID:      "00000001",
		Inputs:  []block.TxIn{{Marker: addr + ":validatorhash"}},
		Outputs: []block.TxOut{{Amount: amount, Rule: txrule.Sig, Address: addr}},
	}
}

func TestApplyBlockZeroAmountRewardLeavesZeroBalance(t *testing.T) {
	idx := New()
	addrA := "AAAAAAAAAAAAAAAAAAAA"
	b := &block.Block{
		Index:    0,
		CoinBase: 39088169,
		PrevHash: block.GenesisPrevHash,
		Txs:      []*block.Transaction{reward(addrA, 0)},
	}
	if err := idx.ApplyBlock(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if idx.BalanceOf(addrA) != 0 {
		t.Fatalf("expected zero balance for zero-amount reward output, got %d", idx.BalanceOf(addrA))
	}
}

func TestApplyBlockSpendsAnchor(t *testing.T) {
	idx := New()
	addrA := "AAAAAAAAAAAAAAAAAAAA"
	addrB := "BBBBBBBBBBBBBBBBBBBB"

	genesis := &block.Block{
		Index: 0, CoinBase: 39088169, PrevHash: block.GenesisPrevHash,
		Txs: []*block.Transaction{
			reward(addrA, 0),
			{ID: "10000000", Inputs: []block.TxIn{{Marker: "nonce"}}, Outputs: []block.TxOut{{Amount: 39088169, Rule: txrule.Sig, Address: addrA}}},
		},
	}
	if err := idx.ApplyBlock(genesis); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	if idx.BalanceOf(addrA) != 39088169 {
		t.Fatalf("expected coinbase recipient balance 39088169, got %d", idx.BalanceOf(addrA))
	}

	spendAnchor := block.Anchor{Height: 0, TxID: "10000000", Vout: 0}
	spend := &block.Block{
		Index: 1, CoinBase: 0, PrevHash: "x",
		Txs: []*block.Transaction{
			reward(addrA, 0),
			{
				ID:      "20000000",
				Inputs:  []block.TxIn{{Anchor: &spendAnchor}},
				Outputs: []block.TxOut{{Amount: 30000000, Rule: txrule.Sig, Address: addrB}, {Amount: 9088169, Rule: txrule.Sig, Address: addrA}},
			},
		},
	}
	if err := idx.ApplyBlock(spend); err != nil {
		t.Fatalf("apply spend: %v", err)
	}
	if idx.BalanceOf(addrB) != 30000000 {
		t.Fatalf("expected recipient balance 30000000, got %d", idx.BalanceOf(addrB))
	}
	if idx.BalanceOf(addrA) != 9088169 {
		t.Fatalf("expected sender change 9088169, got %d", idx.BalanceOf(addrA))
	}
	if _, ok := idx.Lookup(spendAnchor); ok {
		t.Fatalf("expected spent anchor to be gone")
	}
}

func TestApplyBlockRejectsMissingAnchor(t *testing.T) {
	idx := New()
	missing := block.Anchor{Height: 9, TxID: "ffffffff", Vout: 0}
	b := &block.Block{
		Index: 0,
		Txs: []*block.Transaction{
			{ID: "1", Inputs: []block.TxIn{{Anchor: &missing}}, Outputs: []block.TxOut{{Amount: 1, Rule: txrule.Sig, Address: "AAAAAAAAAAAAAAAAAAAA"}}},
		},
	}
	if err := idx.ApplyBlock(b); err == nil {
		t.Fatalf("expected error applying block referencing a missing anchor")
	}
	if idx.TotalBalance() != 0 {
		t.Fatalf("expected index untouched after failed apply, total balance %d", idx.TotalBalance())
	}
}

func TestRevertBlockIsInverseOfApply(t *testing.T) {
	idx := New()
	addrA := "AAAAAAAAAAAAAAAAAAAA"
	b := &block.Block{
		Index: 0, CoinBase: 39088169, PrevHash: block.GenesisPrevHash,
		Txs: []*block.Transaction{
			reward(addrA, 0),
			{ID: "10000000", Inputs: []block.TxIn{{Marker: "nonce"}}, Outputs: []block.TxOut{{Amount: 39088169, Rule: txrule.Sig, Address: addrA}}},
		},
	}
	if err := idx.ApplyBlock(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := idx.TotalBalance()
	if before == 0 {
		t.Fatalf("expected non-zero balance before revert")
	}
	if err := idx.RevertBlock(b, nil); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if idx.TotalBalance() != 0 {
		t.Fatalf("expected balances to return to zero after reverting the only applied block, got %d", idx.TotalBalance())
	}
}
