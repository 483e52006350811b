package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/shark-indexer/pkg/models"
)

// Read-side queries backing the HTTP API. These run outside the ingestion
// transaction and only touch committed state.

// RecentBlocks returns the newest main-chain blocks, highest first.
func (s *PostgresStore) RecentBlocks(ctx context.Context, limit int) ([]models.Block, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, header_id, parent_id, height, timestamp, difficulty,
		       block_size, txs_count, COALESCE(miner_address, ''), main_chain
		FROM blocks
		WHERE main_chain
		ORDER BY height DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.ID, &b.HeaderID, &b.ParentID, &b.Height, &b.Timestamp,
			&b.Difficulty, &b.Size, &b.TxCount, &b.MinerAddress, &b.MainChain); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BlockTransactions returns the transactions of one block in block order.
func (s *PostgresStore) BlockTransactions(ctx context.Context, blockID string) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, block_id, header_id, inclusion_height, timestamp,
		       index_in_block, main_chain, size, fee
		FROM transactions
		WHERE block_id = $1
		ORDER BY index_in_block`, blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.BlockID, &t.HeaderID, &t.Height, &t.Timestamp,
			&t.IndexInBlock, &t.MainChain, &t.Size, &t.Fee); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Token returns one token's metadata snapshot.
func (s *PostgresStore) Token(ctx context.Context, tokenID string) (*models.Token, error) {
	var t models.Token
	err := s.pool.QueryRow(ctx, `
		SELECT token_id, COALESCE(name, ''), COALESCE(description, ''),
		       decimals, total_supply, first_seen_height
		FROM tokens
		WHERE token_id = $1`, tokenID).
		Scan(&t.TokenID, &t.Name, &t.Description, &t.Decimals, &t.TotalSupply, &t.FirstSeenHeight)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Tokens pages through token metadata, newest mints first.
func (s *PostgresStore) Tokens(ctx context.Context, limit, offset int) ([]models.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, COALESCE(name, ''), COALESCE(description, ''),
		       decimals, total_supply, first_seen_height
		FROM tokens
		ORDER BY first_seen_height DESC, token_id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Token
	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.TokenID, &t.Name, &t.Description, &t.Decimals,
			&t.TotalSupply, &t.FirstSeenHeight); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RankedToken pairs token metadata with its current holder count.
type RankedToken struct {
	models.Token
	Holders int64 `json:"holders"`
}

// TopTokens ranks tokens by how many addresses hold a positive balance.
func (s *PostgresStore) TopTokens(ctx context.Context, limit int) ([]RankedToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.token_id, COALESCE(t.name, ''), COALESCE(t.description, ''),
		       t.decimals, t.total_supply, t.first_seen_height,
		       COUNT(b.address) AS holders
		FROM tokens t
		LEFT JOIN token_balances b
		  ON b.token_id = t.token_id AND b.balance > 0
		GROUP BY t.token_id, t.name, t.description, t.decimals,
		         t.total_supply, t.first_seen_height
		ORDER BY holders DESC, t.token_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RankedToken
	for rows.Next() {
		var t RankedToken
		if err := rows.Scan(&t.TokenID, &t.Name, &t.Description, &t.Decimals,
			&t.TotalSupply, &t.FirstSeenHeight, &t.Holders); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TopHolders returns the richest addresses for a token. The ranked index on
// token_balances makes this a bounded scan.
func (s *PostgresStore) TopHolders(ctx context.Context, tokenID string, limit int) ([]models.TokenBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, address, balance
		FROM token_balances
		WHERE token_id = $1 AND balance > 0
		ORDER BY balance DESC, address
		LIMIT $2`, tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TokenBalance
	for rows.Next() {
		var b models.TokenBalance
		if err := rows.Scan(&b.TokenID, &b.Address, &b.Balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddressBalances returns every positive token balance held by one address,
// including the synthetic ERG row.
func (s *PostgresStore) AddressBalances(ctx context.Context, addr string) ([]models.TokenBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, address, balance
		FROM token_balances
		WHERE address = $1 AND balance > 0
		ORDER BY balance DESC`, addr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TokenBalance
	for rows.Next() {
		var b models.TokenBalance
		if err := rows.Scan(&b.TokenID, &b.Address, &b.Balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddressStats returns first/last activity for one address.
func (s *PostgresStore) AddressStats(ctx context.Context, addr string) (*models.AddressStats, error) {
	var st models.AddressStats
	err := s.pool.QueryRow(ctx, `
		SELECT address, first_active_time, last_active_time, COALESCE(address_type, '')
		FROM address_stats
		WHERE address = $1`, addr).
		Scan(&st.Address, &st.FirstActiveTime, &st.LastActiveTime, &st.AddressType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// HolderCount counts addresses with a positive balance of a token.
func (s *PostgresStore) HolderCount(ctx context.Context, tokenID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM token_balances
		WHERE token_id = $1 AND balance > 0`, tokenID).Scan(&n)
	return n, err
}
