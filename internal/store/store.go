// Package store is the transactional persistence layer for the indexed
// chain. PostgresStore is the production implementation; MemoryStore backs
// the pipeline tests with the same contract.
package store

import (
	"context"
	"errors"

	"github.com/rawblock/shark-indexer/pkg/models"
)

// ErrNotFound is returned by point lookups that miss.
var ErrNotFound = errors.New("store: not found")

// Store is the surface the pipeline consumes. Per-block ingestion happens
// inside a single Tx; rewind manages its own transaction and is
// all-or-nothing for the whole range.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// BlockIDAtHeight returns the main-chain block id at a height, or
	// ErrNotFound when the height has not been indexed.
	BlockIDAtHeight(ctx context.Context, height uint64) (string, error)

	// Block returns the stored block row by id.
	Block(ctx context.Context, id string) (*models.Block, error)

	// SyncStatus returns the singleton progress row, zero-valued when the
	// store is empty.
	SyncStatus(ctx context.Context) (models.SyncStatus, error)

	// RewindToHeight rolls the main chain back to height h: child rows of
	// higher blocks are deleted, their balance deltas reversed, outputs
	// spent by rewound transactions un-spent, and the orphaned block rows
	// flipped to main_chain=false for audit.
	RewindToHeight(ctx context.Context, h uint64) error

	// SetSyncTarget records the node tip and the syncing flag from the
	// controller's probe. current_height is owned by the per-block
	// transaction and left untouched.
	SetSyncTarget(ctx context.Context, target uint64, syncing bool) error

	// MarkPoisoned records a block that failed projection permanently.
	MarkPoisoned(ctx context.Context, height uint64, blockID, reason string) error

	Close()
}

// Tx is one all-or-nothing block ingestion. Input→output links may be
// resolved only after all outputs of the block are written; foreign keys
// hold at the commit boundary, not per statement.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// BlockApplied reports whether balance deltas for this block were
	// already applied, making re-ingestion a no-op.
	BlockApplied(ctx context.Context, blockID string) (bool, error)

	UpsertBlock(ctx context.Context, b *models.Block) error
	UpsertTransactions(ctx context.Context, txs []models.Transaction) error
	InsertOutputs(ctx context.Context, outs []models.Output) error
	InsertInputs(ctx context.Context, ins []models.Input) error

	// Output returns a stored (or same-transaction inserted) output with
	// its assets, or ErrNotFound.
	Output(ctx context.Context, boxID string) (*models.Output, error)

	// MarkOutputSpent links an output to the transaction consuming it.
	MarkOutputSpent(ctx context.Context, boxID, spendingTxID string) error

	SetTransactionFee(ctx context.Context, txID string, fee int64) error

	UpsertToken(ctx context.Context, t *models.Token) error

	// ApplyBalanceDeltas adjusts token_balances and records the per-block
	// journal used both as the idempotency marker and for reorg reversal.
	ApplyBalanceDeltas(ctx context.Context, blockID string, height uint64, deltas []models.BalanceDelta) error

	UpsertMiningReward(ctx context.Context, r *models.MiningReward) error
	TouchAddressStats(ctx context.Context, addr string, timestamp int64, addrType string) error

	// SetSyncStatus advances the progress row inside the block transaction.
	// target_height is owned by Store.SetSyncTarget and preserved here.
	SetSyncStatus(ctx context.Context, s models.SyncStatus) error
}
