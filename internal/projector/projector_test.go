package projector

import (
	"context"
	"errors"
	"testing"

	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/pkg/models"
)

// rewardBlock is height 1: an emission tx paying alice and bob.
func rewardBlock() *models.ParsedBlock {
	return &models.ParsedBlock{
		Block: models.Block{ID: hexID(0xa1), Height: 1, Timestamp: 1000, MainChain: true, TxCount: 1},
		Transactions: []models.Transaction{
			{ID: hexID(0xe1), BlockID: hexID(0xa1), Height: 1, IndexInBlock: 0, MainChain: true},
		},
		Inputs: []models.Input{
			{BoxID: models.ZeroBoxID, TxID: hexID(0xe1), IndexInTx: 0},
		},
		Outputs: []models.Output{
			{BoxID: hexID(0x51), TxID: hexID(0xe1), IndexInTx: 0, Address: "alice", Value: 1000},
			{BoxID: hexID(0x52), TxID: hexID(0xe1), IndexInTx: 1, Address: "bob", Value: 500},
		},
		Reward: &models.MiningReward{BlockID: hexID(0xa1), RewardAmount: 1000, MinerAddress: "alice"},
	}
}

func TestApplyLinearBlocks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	p := New(mem)

	if err := mem.SetSyncTarget(ctx, 10, true); err != nil {
		t.Fatalf("set sync target: %v", err)
	}
	if err := p.Apply(ctx, rewardBlock()); err != nil {
		t.Fatalf("apply height 1: %v", err)
	}

	blk2 := &models.ParsedBlock{
		Block: models.Block{ID: hexID(0xa2), Height: 2, Timestamp: 2000, MainChain: true, TxCount: 3},
		Transactions: []models.Transaction{
			{ID: hexID(0xe2), BlockID: hexID(0xa2), Height: 2, IndexInBlock: 0, MainChain: true},
			{ID: hexID(0xb1), BlockID: hexID(0xa2), Height: 2, IndexInBlock: 1, MainChain: true},
			{ID: hexID(0xb2), BlockID: hexID(0xa2), Height: 2, IndexInBlock: 2, MainChain: true},
		},
		Inputs: []models.Input{
			{BoxID: models.ZeroBoxID, TxID: hexID(0xe2), IndexInTx: 0},
			{BoxID: hexID(0x51), TxID: hexID(0xb1), IndexInTx: 0},
			// Forward reference: spends a box created later in this block.
			{BoxID: hexID(0x61), TxID: hexID(0xb2), IndexInTx: 0},
		},
		Outputs: []models.Output{
			{BoxID: hexID(0x60), TxID: hexID(0xe2), IndexInTx: 0, Address: "miner", Value: 67},
			{BoxID: hexID(0x61), TxID: hexID(0xb1), IndexInTx: 0, Address: "carol", Value: 600},
			{BoxID: hexID(0x62), TxID: hexID(0xb1), IndexInTx: 1, Address: "alice", Value: 399},
			{BoxID: hexID(0x63), TxID: hexID(0xb2), IndexInTx: 0, Address: "dave", Value: 600},
		},
		Reward: &models.MiningReward{BlockID: hexID(0xa2), RewardAmount: 67, MinerAddress: "miner"},
	}
	if err := p.Apply(ctx, blk2); err != nil {
		t.Fatalf("apply height 2: %v", err)
	}

	// Spend links, including the intra-block forward reference.
	if out, _ := mem.StoredOutput(hexID(0x51)); out.SpentByTxID != hexID(0xb1) {
		t.Errorf("box 51 spentBy = %s, want tx b1", out.SpentByTxID)
	}
	if out, _ := mem.StoredOutput(hexID(0x61)); out.SpentByTxID != hexID(0xb2) {
		t.Errorf("forward-referenced box 61 spentBy = %s, want tx b2", out.SpentByTxID)
	}

	// Balances follow the unspent set.
	checks := map[string]int64{"alice": 399, "bob": 500, "carol": 0, "dave": 600, "miner": 67}
	for addr, want := range checks {
		if got := mem.Balance(models.ERGTokenID, addr); got != want {
			t.Errorf("balance[%s] = %d, want %d", addr, got, want)
		}
	}
	if sum, supply := mem.BalanceSum(models.ERGTokenID), mem.UnspentSupply(models.ERGTokenID); sum != supply {
		t.Errorf("balance sum %d != unspent supply %d", sum, supply)
	}

	// Fee of tx b1 is inputs minus outputs; the emission tx carries none.
	if tx, _ := mem.StoredTransaction(hexID(0xb1)); tx.Fee != 1 {
		t.Errorf("tx b1 fee = %d, want 1", tx.Fee)
	}
	if tx, _ := mem.StoredTransaction(hexID(0xe2)); tx.Fee != 0 {
		t.Errorf("emission tx fee = %d, want 0", tx.Fee)
	}
	if r, ok := mem.StoredReward(hexID(0xa2)); !ok || r.FeesAmount != 1 {
		t.Errorf("reward fees = %+v, want FeesAmount 1", r)
	}

	status, _ := mem.SyncStatus(ctx)
	if status.CurrentHeight != 2 || !status.IsSyncing {
		t.Errorf("sync status = %+v", status)
	}
	if status.TargetHeight != 10 {
		t.Errorf("target height = %d, want the probed tip 10 untouched", status.TargetHeight)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	p := New(mem)

	blk := rewardBlock()
	if err := p.Apply(ctx, blk); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := p.Apply(ctx, rewardBlock()); err != nil {
		t.Fatalf("re-apply: %v", err)
	}

	if got := mem.Balance(models.ERGTokenID, "alice"); got != 1000 {
		t.Errorf("alice balance after replay = %d, want 1000", got)
	}
	if n := mem.TransactionCount(); n != 1 {
		t.Errorf("transaction rows after replay = %d, want 1", n)
	}
}

func TestApplyUnknownInputIsBadBlock(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	p := New(mem)

	blk := rewardBlock()
	blk.Inputs = append(blk.Inputs, models.Input{BoxID: hexID(0x99), TxID: hexID(0xe1), IndexInTx: 1})

	err := p.Apply(ctx, blk)
	if err == nil {
		t.Fatal("expected failure for unknown input")
	}
	if !errors.Is(err, models.ErrBadBlock) {
		t.Errorf("error %v is not a bad-block error", err)
	}
	// Nothing from the failed block may be visible.
	if _, ok := mem.StoredOutput(hexID(0x51)); ok {
		t.Error("failed block left outputs behind")
	}
	if got := mem.Balance(models.ERGTokenID, "alice"); got != 0 {
		t.Errorf("failed block left balances behind: %d", got)
	}
}

func TestApplyRollsBackOnCommitFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	p := New(mem)

	mem.FailNextCommit = true
	if err := p.Apply(ctx, rewardBlock()); err == nil {
		t.Fatal("expected injected commit failure")
	}
	if n := mem.TransactionCount(); n != 0 {
		t.Errorf("rolled-back block left %d transactions", n)
	}
	if got := mem.BalanceSum(models.ERGTokenID); got != 0 {
		t.Errorf("rolled-back block left balances: %d", got)
	}

	// The same block applies cleanly afterwards.
	if err := p.Apply(ctx, rewardBlock()); err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if got := mem.Balance(models.ERGTokenID, "bob"); got != 500 {
		t.Errorf("bob balance = %d, want 500", got)
	}
}

func TestApplyTokenMint(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	p := New(mem)

	if err := p.Apply(ctx, rewardBlock()); err != nil {
		t.Fatalf("apply height 1: %v", err)
	}

	mintID := hexID(0x51) // first input's box id becomes the token id
	blk := &models.ParsedBlock{
		Block: models.Block{ID: hexID(0xa2), Height: 2, Timestamp: 2000, MainChain: true, TxCount: 1},
		Transactions: []models.Transaction{
			{ID: hexID(0xc1), BlockID: hexID(0xa2), Height: 2, IndexInBlock: 0, MainChain: true},
		},
		Inputs: []models.Input{
			{BoxID: hexID(0x51), TxID: hexID(0xc1), IndexInTx: 0},
		},
		Outputs: []models.Output{
			{BoxID: hexID(0x71), TxID: hexID(0xc1), IndexInTx: 0, Address: "alice", Value: 1000,
				Assets:    []models.Asset{{TokenID: mintID, Amount: 5000}},
				Registers: []byte(`{"R4":"0e03534947","R6":"0404"}`)},
		},
	}
	if err := p.Apply(ctx, blk); err != nil {
		t.Fatalf("apply mint block: %v", err)
	}

	tok, ok := mem.StoredToken(mintID)
	if !ok {
		t.Fatal("minted token not stored")
	}
	if tok.Name != "SIG" || tok.TotalSupply != 5000 || tok.FirstSeenHeight != 2 {
		t.Errorf("token = %+v", tok)
	}
	if tok.Decimals == nil || *tok.Decimals != 2 {
		t.Errorf("decimals = %v, want 2", tok.Decimals)
	}

	if got := mem.Balance(mintID, "alice"); got != 5000 {
		t.Errorf("token balance = %d, want 5000", got)
	}

	// Transfer: a later block splits the minted amount across two addresses.
	transfer := &models.ParsedBlock{
		Block: models.Block{ID: hexID(0xa3), Height: 3, Timestamp: 3000, MainChain: true, TxCount: 1},
		Transactions: []models.Transaction{
			{ID: hexID(0xc2), BlockID: hexID(0xa3), Height: 3, IndexInBlock: 0, MainChain: true},
		},
		Inputs: []models.Input{
			{BoxID: hexID(0x71), TxID: hexID(0xc2), IndexInTx: 0},
		},
		Outputs: []models.Output{
			{BoxID: hexID(0x72), TxID: hexID(0xc2), IndexInTx: 0, Address: "alice", Value: 500,
				Assets: []models.Asset{{TokenID: mintID, Amount: 1500}}},
			{BoxID: hexID(0x73), TxID: hexID(0xc2), IndexInTx: 1, Address: "bob", Value: 500,
				Assets: []models.Asset{{TokenID: mintID, Amount: 3500}}},
		},
	}
	if err := p.Apply(ctx, transfer); err != nil {
		t.Fatalf("apply transfer block: %v", err)
	}

	if got := mem.Balance(mintID, "alice"); got != 1500 {
		t.Errorf("alice token balance after transfer = %d, want 1500", got)
	}
	if got := mem.Balance(mintID, "bob"); got != 3500 {
		t.Errorf("bob token balance after transfer = %d, want 3500", got)
	}
	if sum, supply := mem.BalanceSum(mintID), mem.UnspentSupply(mintID); sum != supply || sum != 5000 {
		t.Errorf("token balance sum %d / unspent supply %d, want 5000", sum, supply)
	}
}
