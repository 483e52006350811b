// Package projector applies parsed blocks to the store. It is the single
// writer during ingestion: one transaction per block, holding the canonical
// rows and the derived token balances together at every commit boundary.
package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rawblock/shark-indexer/internal/address"
	"github.com/rawblock/shark-indexer/internal/metrics"
	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/pkg/models"
)

type Projector struct {
	store store.Store
}

func New(s store.Store) *Projector {
	return &Projector{store: s}
}

// Apply executes one block as a single all-or-nothing transaction:
// canonical rows, spend links, balance deltas, token metadata, sync status.
// Re-applying a committed block is a no-op.
func (p *Projector) Apply(ctx context.Context, parsed *models.ParsedBlock) error {
	start := time.Now()

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied, err := tx.BlockApplied(ctx, parsed.Block.ID)
	if err != nil {
		return err
	}

	if err := tx.UpsertBlock(ctx, &parsed.Block); err != nil {
		return err
	}
	if err := tx.UpsertTransactions(ctx, parsed.Transactions); err != nil {
		return err
	}
	if err := tx.InsertOutputs(ctx, parsed.Outputs); err != nil {
		return err
	}
	if err := tx.InsertInputs(ctx, parsed.Inputs); err != nil {
		return err
	}

	// Spend linking runs after every output of the block is written, so
	// inputs may reference outputs created later in the same block.
	spent, err := p.linkSpends(ctx, tx, parsed)
	if err != nil {
		return err
	}

	if !applied {
		deltas := ComputeDeltas(parsed.Outputs, spent)
		if err := tx.ApplyBalanceDeltas(ctx, parsed.Block.ID, parsed.Block.Height, deltas); err != nil {
			return err
		}
	}

	for _, tok := range ExtractTokenMints(parsed) {
		if err := tx.UpsertToken(ctx, &tok); err != nil {
			return err
		}
	}

	if err := p.applyFees(ctx, tx, parsed, spent); err != nil {
		return err
	}

	for _, out := range parsed.Outputs {
		if err := tx.TouchAddressStats(ctx, out.Address, parsed.Block.Timestamp, address.TypeOf(out.ErgoTree)); err != nil {
			return err
		}
	}

	// target_height is written by the controller from its tip probe.
	status := models.SyncStatus{
		CurrentHeight: parsed.Block.Height,
		IsSyncing:     true,
		LastBlockTime: parsed.Block.Timestamp,
	}
	if err := tx.SetSyncStatus(ctx, status); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit height %d: %v", parsed.Block.Height, err)
	}

	metrics.IndexedBlocks.Inc()
	metrics.CurrentHeight.Set(float64(parsed.Block.Height))
	metrics.CommitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// linkSpends marks every referenced output spent and returns the consumed
// outputs keyed by box id. The all-zero emission sentinel is skipped. A
// missing referenced output is a structural defect, not a transient error.
func (p *Projector) linkSpends(ctx context.Context, tx store.Tx, parsed *models.ParsedBlock) (map[string]*models.Output, error) {
	spent := make(map[string]*models.Output)
	for _, in := range parsed.Inputs {
		if in.BoxID == models.ZeroBoxID {
			continue
		}
		out, err := tx.Output(ctx, in.BoxID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("height %d: input %s of tx %s references unknown output: %w",
				parsed.Block.Height, in.BoxID, in.TxID, models.ErrBadBlock)
		}
		if err != nil {
			return nil, err
		}
		if err := tx.MarkOutputSpent(ctx, in.BoxID, in.TxID); err != nil {
			return nil, err
		}
		out.SpentByTxID = in.TxID
		spent[in.BoxID] = out
	}
	return spent, nil
}

// applyFees computes per-transaction fees (inputs minus outputs, clamped at
// zero) and rolls them up into the block's mining reward row.
func (p *Projector) applyFees(ctx context.Context, tx store.Tx, parsed *models.ParsedBlock, spent map[string]*models.Output) error {
	inSums := make(map[string]int64)
	for _, in := range parsed.Inputs {
		if out, ok := spent[in.BoxID]; ok {
			inSums[in.TxID] += out.Value
		}
	}
	outSums := make(map[string]int64)
	for _, out := range parsed.Outputs {
		outSums[out.TxID] += out.Value
	}

	var totalFees int64
	rewardTxID := ""
	if parsed.Reward != nil {
		for _, in := range parsed.Inputs {
			if in.BoxID == models.ZeroBoxID {
				rewardTxID = in.TxID
				break
			}
		}
	}

	for _, tr := range parsed.Transactions {
		fee := inSums[tr.ID] - outSums[tr.ID]
		if fee < 0 {
			fee = 0
		}
		if fee > 0 {
			if err := tx.SetTransactionFee(ctx, tr.ID, fee); err != nil {
				return err
			}
		}
		if tr.ID != rewardTxID {
			totalFees += fee
		}
	}

	if parsed.Reward != nil {
		reward := *parsed.Reward
		reward.FeesAmount = totalFees
		if err := tx.UpsertMiningReward(ctx, &reward); err != nil {
			return err
		}
	}
	return nil
}
