package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/shark-indexer/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store over a pgx connection pool. The
// projector holds one long-lived writer transaction at a time; reads come
// from the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("Successfully connected to PostgreSQL for chain indexing")
	return &PostgresStore{pool: pool}, nil
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("Indexer schema initialized")
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetPool exposes the connection pool for the query API.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %v", err)
	}
	// Input→output links inside one block may point at outputs written later
	// in the same transaction; constraints settle at commit.
	if _, err := tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("defer constraints: %v", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) BlockIDAtHeight(ctx context.Context, height uint64) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM blocks WHERE height = $1 AND main_chain`, height).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("block id at height %d: %v", height, err)
	}
	return id, nil
}

func (s *PostgresStore) Block(ctx context.Context, id string) (*models.Block, error) {
	var b models.Block
	err := s.pool.QueryRow(ctx, `
		SELECT id, header_id, parent_id, height, timestamp, difficulty,
		       block_size, block_coins, txs_count, COALESCE(miner_address, ''),
		       main_chain, version
		FROM blocks WHERE id = $1`, id).
		Scan(&b.ID, &b.HeaderID, &b.ParentID, &b.Height, &b.Timestamp, &b.Difficulty,
			&b.Size, &b.BlockCoins, &b.TxCount, &b.MinerAddress, &b.MainChain, &b.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("block %s: %v", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) SyncStatus(ctx context.Context) (models.SyncStatus, error) {
	var st models.SyncStatus
	err := s.pool.QueryRow(ctx, `
		SELECT current_height, target_height, is_syncing, last_block_time, updated_at
		FROM sync_status WHERE id = 1`).
		Scan(&st.CurrentHeight, &st.TargetHeight, &st.IsSyncing, &st.LastBlockTime, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncStatus{}, nil
	}
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("sync status: %v", err)
	}
	return st, nil
}

// RewindToHeight rolls the main chain back to height h in one transaction.
func (s *PostgresStore) RewindToHeight(ctx context.Context, h uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rewind begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UnixMilli()

	// Reverse the balance deltas journalled for the rewound blocks.
	if _, err := tx.Exec(ctx, `
		WITH doomed AS (
			SELECT id FROM blocks WHERE height > $1 AND main_chain
		), rev AS (
			SELECT token_id, address, SUM(amount) AS amt
			FROM balance_changes
			WHERE block_id IN (SELECT id FROM doomed)
			GROUP BY token_id, address
		)
		UPDATE token_balances tb
		SET balance = tb.balance - rev.amt, last_updated = $2
		FROM rev
		WHERE tb.token_id = rev.token_id AND tb.address = rev.address`, h, now); err != nil {
		return fmt.Errorf("rewind balances: %v", err)
	}

	// Re-credit outputs spent by rewound transactions.
	if _, err := tx.Exec(ctx, `
		UPDATE outputs SET spent_by_tx_id = NULL
		WHERE spent_by_tx_id IN (
			SELECT t.id FROM transactions t
			JOIN blocks b ON b.id = t.block_id
			WHERE b.height > $1 AND b.main_chain
		)`, h); err != nil {
		return fmt.Errorf("rewind spent links: %v", err)
	}

	statements := []string{
		`DELETE FROM balance_changes WHERE height > $1`,
		`DELETE FROM assets WHERE box_id IN (
			SELECT o.box_id FROM outputs o
			JOIN transactions t ON t.id = o.tx_id
			JOIN blocks b ON b.id = t.block_id
			WHERE b.height > $1 AND b.main_chain)`,
		`DELETE FROM outputs WHERE tx_id IN (
			SELECT t.id FROM transactions t
			JOIN blocks b ON b.id = t.block_id
			WHERE b.height > $1 AND b.main_chain)`,
		`DELETE FROM inputs WHERE tx_id IN (
			SELECT t.id FROM transactions t
			JOIN blocks b ON b.id = t.block_id
			WHERE b.height > $1 AND b.main_chain)`,
		`DELETE FROM mining_rewards WHERE block_id IN (
			SELECT id FROM blocks WHERE height > $1 AND main_chain)`,
		`DELETE FROM transactions WHERE block_id IN (
			SELECT id FROM blocks WHERE height > $1 AND main_chain)`,
		`DELETE FROM tokens WHERE first_seen_height > $1`,
		`UPDATE blocks SET main_chain = FALSE WHERE height > $1 AND main_chain`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt, h); err != nil {
			return fmt.Errorf("rewind: %v", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sync_status
		SET current_height = LEAST(current_height, $1), updated_at = $2
		WHERE id = 1`, h, now); err != nil {
		return fmt.Errorf("rewind sync status: %v", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetSyncTarget(ctx context.Context, target uint64, syncing bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (id, current_height, target_height, is_syncing, last_block_time, updated_at)
		VALUES (1, 0, $1, $2, 0, $3)
		ON CONFLICT (id) DO UPDATE SET
			target_height = EXCLUDED.target_height,
			is_syncing = EXCLUDED.is_syncing,
			updated_at = EXCLUDED.updated_at`,
		target, syncing, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set sync target: %v", err)
	}
	return nil
}

func (s *PostgresStore) MarkPoisoned(ctx context.Context, height uint64, blockID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO poison_blocks (id, height, block_id, reason, marked_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), height, blockID, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark poisoned: %v", err)
	}
	return nil
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *pgTx) BlockApplied(ctx context.Context, blockID string) (bool, error) {
	var applied bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM balance_changes WHERE block_id = $1)`, blockID).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("block applied check: %v", err)
	}
	return applied, nil
}

func (t *pgTx) UpsertBlock(ctx context.Context, b *models.Block) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blocks (id, header_id, parent_id, height, timestamp, difficulty,
		                    block_size, block_coins, txs_count, miner_address,
		                    main_chain, version, pow_solutions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			main_chain = EXCLUDED.main_chain,
			miner_address = EXCLUDED.miner_address,
			txs_count = EXCLUDED.txs_count`,
		b.ID, b.HeaderID, b.ParentID, b.Height, b.Timestamp, b.Difficulty,
		b.Size, b.BlockCoins, b.TxCount, b.MinerAddress,
		b.MainChain, b.Version, b.PowSolutions)
	if err != nil {
		return fmt.Errorf("upsert block %s: %v", b.ID, err)
	}
	return nil
}

func (t *pgTx) UpsertTransactions(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tr := range txs {
		batch.Queue(`
			INSERT INTO transactions (id, block_id, header_id, inclusion_height,
			                          timestamp, index_in_block, main_chain, size, fee)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				block_id = EXCLUDED.block_id,
				main_chain = EXCLUDED.main_chain`,
			tr.ID, tr.BlockID, tr.HeaderID, tr.Height,
			tr.Timestamp, tr.IndexInBlock, tr.MainChain, tr.Size, tr.Fee)
	}
	return sendBatch(ctx, t.tx, batch, "upsert transactions")
}

func (t *pgTx) InsertOutputs(ctx context.Context, outs []models.Output) error {
	if len(outs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range outs {
		batch.Queue(`
			INSERT INTO outputs (box_id, tx_id, index_in_tx, value, creation_height,
			                     address, ergo_tree, additional_registers)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
			ON CONFLICT (box_id) DO NOTHING`,
			o.BoxID, o.TxID, o.IndexInTx, o.Value, o.CreationHeight,
			o.Address, o.ErgoTree, o.Registers)
		for _, a := range o.Assets {
			batch.Queue(`
				INSERT INTO assets (token_id, box_id, index_in_outputs, amount)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (token_id, box_id) DO NOTHING`,
				a.TokenID, a.BoxID, a.IndexInOutputs, a.Amount)
		}
	}
	return sendBatch(ctx, t.tx, batch, "insert outputs")
}

func (t *pgTx) InsertInputs(ctx context.Context, ins []models.Input) error {
	if len(ins) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, in := range ins {
		batch.Queue(`
			INSERT INTO inputs (box_id, tx_id, index_in_tx, proof_bytes, extension)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (box_id, tx_id) DO NOTHING`,
			in.BoxID, in.TxID, in.IndexInTx, in.ProofBytes, in.Extension)
	}
	return sendBatch(ctx, t.tx, batch, "insert inputs")
}

func (t *pgTx) Output(ctx context.Context, boxID string) (*models.Output, error) {
	var o models.Output
	err := t.tx.QueryRow(ctx, `
		SELECT box_id, tx_id, index_in_tx, value, creation_height,
		       COALESCE(address, ''), ergo_tree, COALESCE(spent_by_tx_id, '')
		FROM outputs WHERE box_id = $1`, boxID).
		Scan(&o.BoxID, &o.TxID, &o.IndexInTx, &o.Value, &o.CreationHeight,
			&o.Address, &o.ErgoTree, &o.SpentByTxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("output %s: %v", boxID, err)
	}

	rows, err := t.tx.Query(ctx, `
		SELECT token_id, index_in_outputs, amount
		FROM assets WHERE box_id = $1 ORDER BY index_in_outputs`, boxID)
	if err != nil {
		return nil, fmt.Errorf("output assets %s: %v", boxID, err)
	}
	defer rows.Close()
	for rows.Next() {
		a := models.Asset{BoxID: boxID}
		if err := rows.Scan(&a.TokenID, &a.IndexInOutputs, &a.Amount); err != nil {
			return nil, err
		}
		o.Assets = append(o.Assets, a)
	}
	return &o, rows.Err()
}

func (t *pgTx) MarkOutputSpent(ctx context.Context, boxID, spendingTxID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE outputs SET spent_by_tx_id = $2 WHERE box_id = $1`, boxID, spendingTxID)
	if err != nil {
		return fmt.Errorf("mark spent %s: %v", boxID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark spent %s: %w", boxID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetTransactionFee(ctx context.Context, txID string, fee int64) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE transactions SET fee = $2 WHERE id = $1`, txID, fee); err != nil {
		return fmt.Errorf("set fee %s: %v", txID, err)
	}
	return nil
}

func (t *pgTx) UpsertToken(ctx context.Context, tok *models.Token) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tokens (token_id, name, description, decimals, total_supply, first_seen_height)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (token_id) DO UPDATE SET
			name = COALESCE(tokens.name, EXCLUDED.name),
			description = COALESCE(tokens.description, EXCLUDED.description),
			decimals = COALESCE(tokens.decimals, EXCLUDED.decimals)`,
		tok.TokenID, tok.Name, tok.Description, tok.Decimals, tok.TotalSupply, tok.FirstSeenHeight)
	if err != nil {
		return fmt.Errorf("upsert token %s: %v", tok.TokenID, err)
	}
	return nil
}

func (t *pgTx) ApplyBalanceDeltas(ctx context.Context, blockID string, height uint64, deltas []models.BalanceDelta) error {
	now := time.Now().UnixMilli()
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO balance_changes (block_id, height, token_id, address, amount)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (block_id, token_id, address) DO NOTHING`,
			blockID, height, d.TokenID, d.Address, d.Amount)
		batch.Queue(`
			INSERT INTO token_balances (token_id, address, balance, last_updated)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (token_id, address) DO UPDATE SET
				balance = token_balances.balance + EXCLUDED.balance,
				last_updated = EXCLUDED.last_updated`,
			d.TokenID, d.Address, d.Amount, now)
	}
	return sendBatch(ctx, t.tx, batch, "apply balance deltas")
}

func (t *pgTx) UpsertMiningReward(ctx context.Context, r *models.MiningReward) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO mining_rewards (block_id, reward_amount, fees_amount, miner_address)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (block_id) DO UPDATE SET
			reward_amount = EXCLUDED.reward_amount,
			fees_amount = EXCLUDED.fees_amount,
			miner_address = EXCLUDED.miner_address`,
		r.BlockID, r.RewardAmount, r.FeesAmount, r.MinerAddress)
	if err != nil {
		return fmt.Errorf("upsert mining reward %s: %v", r.BlockID, err)
	}
	return nil
}

func (t *pgTx) TouchAddressStats(ctx context.Context, addr string, timestamp int64, addrType string) error {
	if addr == "" {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO address_stats (address, first_active_time, last_active_time, address_type)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (address) DO UPDATE SET
			first_active_time = LEAST(address_stats.first_active_time, EXCLUDED.first_active_time),
			last_active_time = GREATEST(address_stats.last_active_time, EXCLUDED.last_active_time)`,
		addr, timestamp, addrType)
	if err != nil {
		return fmt.Errorf("touch address stats %s: %v", addr, err)
	}
	return nil
}

func (t *pgTx) SetSyncStatus(ctx context.Context, s models.SyncStatus) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sync_status (id, current_height, target_height, is_syncing, last_block_time, updated_at)
		VALUES (1, $1, 0, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			current_height = EXCLUDED.current_height,
			is_syncing = EXCLUDED.is_syncing,
			last_block_time = EXCLUDED.last_block_time,
			updated_at = EXCLUDED.updated_at`,
		s.CurrentHeight, s.IsSyncing, s.LastBlockTime, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set sync status: %v", err)
	}
	return nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, what string) error {
	res := tx.SendBatch(ctx, batch)
	defer res.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("%s: %v", what, err)
		}
	}
	return nil
}
