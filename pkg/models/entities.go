package models

import "encoding/json"

// ZeroBoxID is the all-zero box id used by emission/reward inputs.
// Inputs referencing it are never spend-linked.
const ZeroBoxID = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisParentID is the sentinel parent id stored for the first indexed block.
const GenesisParentID = ZeroBoxID

// ERGTokenID is the synthetic token id under which plain nanoERG value is
// aggregated in token_balances alongside native assets.
const ERGTokenID = "ERG"

// Block is one indexed block header plus per-block aggregates.
type Block struct {
	ID           string          `json:"id"`
	HeaderID     string          `json:"headerId"`
	ParentID     string          `json:"parentId"`
	Height       uint64          `json:"height"`
	Timestamp    int64           `json:"timestamp"` // unix millis, as supplied by the node
	Difficulty   int64           `json:"difficulty"`
	Size         int             `json:"size"`
	TxCount      int             `json:"txCount"`
	BlockCoins   int64           `json:"blockCoins"`
	MinerAddress string          `json:"minerAddress,omitempty"`
	MainChain    bool            `json:"mainChain"`
	Version      int             `json:"version"`
	PowSolutions json.RawMessage `json:"powSolutions,omitempty"`
}

// Transaction is one transaction inside an indexed block.
type Transaction struct {
	ID           string `json:"id"`
	BlockID      string `json:"blockId"`
	HeaderID     string `json:"headerId"`
	Height       uint64 `json:"inclusionHeight"`
	Timestamp    int64  `json:"timestamp"`
	IndexInBlock int    `json:"index"`
	MainChain    bool   `json:"mainChain"`
	Size         int    `json:"size"`
	Fee          int64  `json:"fee"`
}

// Input consumes an earlier output. The (BoxID, TxID) pair is the identity.
type Input struct {
	BoxID      string          `json:"boxId"`
	TxID       string          `json:"txId"`
	IndexInTx  int             `json:"indexInTx"`
	ProofBytes string          `json:"proofBytes,omitempty"`
	Extension  json.RawMessage `json:"extension,omitempty"`
}

// Output is a UTxO box created by a transaction.
type Output struct {
	BoxID          string          `json:"boxId"`
	TxID           string          `json:"txId"`
	IndexInTx      int             `json:"indexInTx"`
	Value          int64           `json:"value"` // nanoERG
	CreationHeight uint64          `json:"creationHeight"`
	Address        string          `json:"address,omitempty"`
	ErgoTree       string          `json:"ergoTree"`
	Registers      json.RawMessage `json:"additionalRegisters,omitempty"`
	SpentByTxID    string          `json:"spentByTxId,omitempty"`
	Assets         []Asset         `json:"assets,omitempty"`
}

// Asset is one native-token entry carried by an output.
type Asset struct {
	TokenID        string `json:"tokenId"`
	BoxID          string `json:"boxId"`
	IndexInOutputs int    `json:"indexInOutputs"`
	Amount         int64  `json:"amount"`
}

// Token is the metadata snapshot taken from a token's minting output.
// Decode failures leave the optional fields empty, never fail the block.
type Token struct {
	TokenID         string `json:"tokenId"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	Decimals        *int   `json:"decimals,omitempty"`
	TotalSupply     int64  `json:"totalSupply"`
	FirstSeenHeight uint64 `json:"firstSeenHeight"`
}

// TokenBalance is the derived per-address aggregate of unspent amounts.
type TokenBalance struct {
	TokenID string `json:"tokenId"`
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// BalanceDelta is a signed adjustment to one (token, address) balance.
// Deltas are applied atomically inside the block transaction and reversed
// by negating Amount on reorg rewind.
type BalanceDelta struct {
	TokenID string
	Address string
	Amount  int64
}

// SyncStatus is the singleton progress row.
type SyncStatus struct {
	CurrentHeight uint64 `json:"currentHeight"`
	TargetHeight  uint64 `json:"targetHeight"`
	IsSyncing     bool   `json:"isSyncing"`
	LastBlockTime int64  `json:"lastBlockTime"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// MiningReward records the emission payout of one block's reward transaction.
type MiningReward struct {
	BlockID      string `json:"blockId"`
	RewardAmount int64  `json:"rewardAmount"`
	FeesAmount   int64  `json:"feesAmount"`
	MinerAddress string `json:"minerAddress,omitempty"`
}

// AddressStats tracks first/last activity per address.
type AddressStats struct {
	Address         string `json:"address"`
	FirstActiveTime int64  `json:"firstActiveTime"`
	LastActiveTime  int64  `json:"lastActiveTime"`
	AddressType     string `json:"addressType"`
}

// ParsedBlock is the parser's output for one height: the block row and its
// fully indexed children, ready for a single projector transaction.
type ParsedBlock struct {
	Block        Block
	Transactions []Transaction
	Inputs       []Input
	Outputs      []Output
	Reward       *MiningReward
}
