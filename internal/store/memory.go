package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rawblock/shark-indexer/pkg/models"
)

// MemoryStore implements Store with plain maps. It backs the pipeline tests
// and honors the same contract as PostgresStore: single writer transaction,
// snapshot rollback, journalled balance deltas.
type MemoryStore struct {
	mu sync.Mutex
	st *memState

	// FailNextCommit makes the next commit return an error, for retry tests.
	FailNextCommit bool

	// FailCommits makes every commit fail until cleared, simulating a
	// store outage that outlasts the retry budget.
	FailCommits bool
}

type memState struct {
	blocks     map[string]models.Block
	heights    map[uint64]string // main-chain id by height
	txs        map[string]models.Transaction
	txOrder    []string
	outputs    map[string]*models.Output
	inputs     map[string][]models.Input // by tx id
	tokens     map[string]models.Token
	balances   map[string]map[string]int64 // token -> address -> balance
	journal    map[string][]models.BalanceDelta
	journalHts map[string]uint64
	rewards    map[string]models.MiningReward
	addrStats  map[string]models.AddressStats
	status     models.SyncStatus
	poisoned   []string
}

func newMemState() *memState {
	return &memState{
		blocks:     make(map[string]models.Block),
		heights:    make(map[uint64]string),
		txs:        make(map[string]models.Transaction),
		outputs:    make(map[string]*models.Output),
		inputs:     make(map[string][]models.Input),
		tokens:     make(map[string]models.Token),
		balances:   make(map[string]map[string]int64),
		journal:    make(map[string][]models.BalanceDelta),
		journalHts: make(map[string]uint64),
		rewards:    make(map[string]models.MiningReward),
		addrStats:  make(map[string]models.AddressStats),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.heights {
		c.heights[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	c.txOrder = append([]string(nil), s.txOrder...)
	for k, v := range s.outputs {
		cp := *v
		cp.Assets = append([]models.Asset(nil), v.Assets...)
		c.outputs[k] = &cp
	}
	for k, v := range s.inputs {
		c.inputs[k] = append([]models.Input(nil), v...)
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for tok, addrs := range s.balances {
		m := make(map[string]int64, len(addrs))
		for a, b := range addrs {
			m[a] = b
		}
		c.balances[tok] = m
	}
	for k, v := range s.journal {
		c.journal[k] = append([]models.BalanceDelta(nil), v...)
	}
	for k, v := range s.journalHts {
		c.journalHts[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	for k, v := range s.addrStats {
		c.addrStats[k] = v
	}
	c.status = s.status
	c.poisoned = append([]string(nil), s.poisoned...)
	return c
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memTx{store: m, snapshot: m.st.clone()}, nil
}

func (m *MemoryStore) BlockIDAtHeight(ctx context.Context, height uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.st.heights[height]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *MemoryStore) Block(ctx context.Context, id string) (*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *MemoryStore) SyncStatus(ctx context.Context) (models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.status, nil
}

func (m *MemoryStore) RewindToHeight(ctx context.Context, h uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st

	var doomed []string
	for id, b := range st.blocks {
		if b.MainChain && b.Height > h {
			doomed = append(doomed, id)
		}
	}
	doomedSet := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		doomedSet[id] = true
	}
	doomedTx := make(map[string]bool)
	for id, tx := range st.txs {
		if doomedSet[tx.BlockID] {
			doomedTx[id] = true
		}
	}

	// Reverse journalled deltas.
	for _, blockID := range doomed {
		for _, d := range st.journal[blockID] {
			st.adjustBalance(d.TokenID, d.Address, -d.Amount)
		}
		delete(st.journal, blockID)
		delete(st.journalHts, blockID)
	}

	// Un-spend outputs consumed by rewound transactions, drop rewound rows.
	for boxID, out := range st.outputs {
		if doomedTx[out.SpentByTxID] {
			out.SpentByTxID = ""
		}
		if doomedTx[out.TxID] {
			delete(st.outputs, boxID)
		}
	}
	for id := range doomedTx {
		delete(st.inputs, id)
		delete(st.txs, id)
	}
	kept := st.txOrder[:0]
	for _, id := range st.txOrder {
		if !doomedTx[id] {
			kept = append(kept, id)
		}
	}
	st.txOrder = kept
	for tokenID, tok := range st.tokens {
		if tok.FirstSeenHeight > h {
			delete(st.tokens, tokenID)
		}
	}
	for _, id := range doomed {
		b := st.blocks[id]
		delete(st.heights, b.Height)
		delete(st.rewards, id)
		b.MainChain = false
		st.blocks[id] = b
	}

	if st.status.CurrentHeight > h {
		st.status.CurrentHeight = h
	}
	st.status.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (m *MemoryStore) SetSyncTarget(ctx context.Context, target uint64, syncing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.status.TargetHeight = target
	m.st.status.IsSyncing = syncing
	m.st.status.UpdatedAt = time.Now().UnixMilli()
	return nil
}

func (m *MemoryStore) MarkPoisoned(ctx context.Context, height uint64, blockID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.poisoned = append(m.st.poisoned, fmt.Sprintf("%d:%s:%s", height, blockID, reason))
	return nil
}

func (m *MemoryStore) Close() {}

// --- test inspection helpers ---

// Balance returns the aggregated balance for one (token, address).
func (m *MemoryStore) Balance(tokenID, addr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.balances[tokenID][addr]
}

// BalanceSum returns the sum of all balances for a token.
func (m *MemoryStore) BalanceSum(tokenID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, b := range m.st.balances[tokenID] {
		sum += b
	}
	return sum
}

// UnspentSupply returns Σ asset amount over unspent outputs for a token.
// For the synthetic ERG token it sums unspent output values instead.
func (m *MemoryStore) UnspentSupply(tokenID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, out := range m.st.outputs {
		if out.SpentByTxID != "" {
			continue
		}
		if tokenID == models.ERGTokenID {
			sum += out.Value
			continue
		}
		for _, a := range out.Assets {
			if a.TokenID == tokenID {
				sum += a.Amount
			}
		}
	}
	return sum
}

// StoredOutput returns a copy of the stored output row.
func (m *MemoryStore) StoredOutput(boxID string) (models.Output, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.st.outputs[boxID]
	if !ok {
		return models.Output{}, false
	}
	return *out, true
}

// StoredToken returns a copy of the token metadata row.
func (m *MemoryStore) StoredToken(tokenID string) (models.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.st.tokens[tokenID]
	return tok, ok
}

// StoredTransaction returns a copy of a transaction row.
func (m *MemoryStore) StoredTransaction(id string) (models.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.st.txs[id]
	return tx, ok
}

// TransactionCount counts stored transaction rows.
func (m *MemoryStore) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.txs)
}

// MainChainIDs returns the main-chain block ids keyed by height.
func (m *MemoryStore) MainChainIDs() map[uint64]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]string, len(m.st.heights))
	for h, id := range m.st.heights {
		out[h] = id
	}
	return out
}

// Poisoned returns the recorded poison markers.
func (m *MemoryStore) Poisoned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.st.poisoned...)
}

// StoredReward returns the mining reward row for a block.
func (m *MemoryStore) StoredReward(blockID string) (models.MiningReward, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.rewards[blockID]
	return r, ok
}

func (s *memState) adjustBalance(tokenID, addr string, amount int64) {
	addrs, ok := s.balances[tokenID]
	if !ok {
		addrs = make(map[string]int64)
		s.balances[tokenID] = addrs
	}
	addrs[addr] += amount
	if addrs[addr] == 0 {
		delete(addrs, addr)
	}
}

// memTx mutates the live state and restores the snapshot on rollback.
// The store mutex is held for the lifetime of the transaction, which
// matches the single-writer discipline of the pipeline.
type memTx struct {
	store    *MemoryStore
	snapshot *memState
	done     bool
}

func (t *memTx) finish() {
	if !t.done {
		t.done = true
		t.store.mu.Unlock()
	}
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.store.FailCommits || t.store.FailNextCommit {
		t.store.FailNextCommit = false
		t.store.st = t.snapshot
		t.finish()
		return fmt.Errorf("memory store: injected commit failure")
	}
	t.finish()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if !t.done {
		t.store.st = t.snapshot
		t.finish()
	}
	return nil
}

func (t *memTx) BlockApplied(ctx context.Context, blockID string) (bool, error) {
	_, ok := t.store.st.journal[blockID]
	return ok, nil
}

func (t *memTx) UpsertBlock(ctx context.Context, b *models.Block) error {
	st := t.store.st
	st.blocks[b.ID] = *b
	if b.MainChain {
		st.heights[b.Height] = b.ID
	}
	return nil
}

func (t *memTx) UpsertTransactions(ctx context.Context, txs []models.Transaction) error {
	st := t.store.st
	for _, tx := range txs {
		if _, seen := st.txs[tx.ID]; !seen {
			st.txOrder = append(st.txOrder, tx.ID)
		}
		st.txs[tx.ID] = tx
	}
	return nil
}

func (t *memTx) InsertOutputs(ctx context.Context, outs []models.Output) error {
	st := t.store.st
	for _, o := range outs {
		if _, seen := st.outputs[o.BoxID]; seen {
			continue
		}
		cp := o
		cp.Assets = append([]models.Asset(nil), o.Assets...)
		st.outputs[o.BoxID] = &cp
	}
	return nil
}

func (t *memTx) InsertInputs(ctx context.Context, ins []models.Input) error {
	st := t.store.st
	for _, in := range ins {
		st.inputs[in.TxID] = append(st.inputs[in.TxID], in)
	}
	return nil
}

func (t *memTx) Output(ctx context.Context, boxID string) (*models.Output, error) {
	out, ok := t.store.st.outputs[boxID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *out
	cp.Assets = append([]models.Asset(nil), out.Assets...)
	return &cp, nil
}

func (t *memTx) MarkOutputSpent(ctx context.Context, boxID, spendingTxID string) error {
	out, ok := t.store.st.outputs[boxID]
	if !ok {
		return fmt.Errorf("mark spent %s: %w", boxID, ErrNotFound)
	}
	out.SpentByTxID = spendingTxID
	return nil
}

func (t *memTx) SetTransactionFee(ctx context.Context, txID string, fee int64) error {
	st := t.store.st
	tx, ok := st.txs[txID]
	if !ok {
		return fmt.Errorf("set fee %s: %w", txID, ErrNotFound)
	}
	tx.Fee = fee
	st.txs[txID] = tx
	return nil
}

func (t *memTx) UpsertToken(ctx context.Context, tok *models.Token) error {
	st := t.store.st
	if existing, ok := st.tokens[tok.TokenID]; ok {
		// First observed metadata wins.
		if existing.Name == "" {
			existing.Name = tok.Name
		}
		if existing.Description == "" {
			existing.Description = tok.Description
		}
		if existing.Decimals == nil {
			existing.Decimals = tok.Decimals
		}
		st.tokens[tok.TokenID] = existing
		return nil
	}
	st.tokens[tok.TokenID] = *tok
	return nil
}

func (t *memTx) ApplyBalanceDeltas(ctx context.Context, blockID string, height uint64, deltas []models.BalanceDelta) error {
	st := t.store.st
	if _, applied := st.journal[blockID]; applied {
		return nil
	}
	for _, d := range deltas {
		st.adjustBalance(d.TokenID, d.Address, d.Amount)
	}
	st.journal[blockID] = append([]models.BalanceDelta(nil), deltas...)
	st.journalHts[blockID] = height
	return nil
}

func (t *memTx) UpsertMiningReward(ctx context.Context, r *models.MiningReward) error {
	t.store.st.rewards[r.BlockID] = *r
	return nil
}

func (t *memTx) TouchAddressStats(ctx context.Context, addr string, timestamp int64, addrType string) error {
	if addr == "" {
		return nil
	}
	st := t.store.st
	stats, ok := st.addrStats[addr]
	if !ok {
		st.addrStats[addr] = models.AddressStats{
			Address:         addr,
			FirstActiveTime: timestamp,
			LastActiveTime:  timestamp,
			AddressType:     addrType,
		}
		return nil
	}
	if timestamp < stats.FirstActiveTime {
		stats.FirstActiveTime = timestamp
	}
	if timestamp > stats.LastActiveTime {
		stats.LastActiveTime = timestamp
	}
	st.addrStats[addr] = stats
	return nil
}

func (t *memTx) SetSyncStatus(ctx context.Context, s models.SyncStatus) error {
	// target_height belongs to Store.SetSyncTarget.
	s.TargetHeight = t.store.st.status.TargetHeight
	s.UpdatedAt = time.Now().UnixMilli()
	t.store.st.status = s
	return nil
}
