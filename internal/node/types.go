package node

import "encoding/json"

// Info is the subset of GET /info the indexer consumes.
type Info struct {
	Name          string `json:"name"`
	AppVersion    string `json:"appVersion"`
	FullHeight    uint64 `json:"fullHeight"`
	HeadersHeight uint64 `json:"headersHeight"`
	BestHeaderID  string `json:"bestHeaderId"`
	BestFullID    string `json:"bestFullHeaderId"`
}

// Header is one block header as returned by /blocks/{id}/header.
type Header struct {
	ID           string          `json:"id"`
	ParentID     string          `json:"parentId"`
	Version      int             `json:"version"`
	Height       uint64          `json:"height"`
	Timestamp    int64           `json:"timestamp"`
	Difficulty   json.Number     `json:"difficulty"`
	PowSolutions json.RawMessage `json:"powSolutions"`
}

// FullBlock is the /blocks/{id} payload: header plus the transaction section.
// Unknown top-level keys (adProofs, extension) are ignored on decode.
type FullBlock struct {
	Header            Header            `json:"header"`
	BlockTransactions BlockTransactions `json:"blockTransactions"`
	Size              int               `json:"size"`
}

// BlockTransactions is the transaction section of a full block.
type BlockTransactions struct {
	HeaderID     string        `json:"headerId"`
	Transactions []Transaction `json:"transactions"`
	Size         int           `json:"size"`
}

// Transaction is one transaction in node JSON form.
type Transaction struct {
	ID      string   `json:"id"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	Size    int      `json:"size"`
}

// Input references the box being spent together with its spending proof.
type Input struct {
	BoxID         string        `json:"boxId"`
	SpendingProof SpendingProof `json:"spendingProof"`
}

// SpendingProof carries the prover bytes and context extension.
type SpendingProof struct {
	ProofBytes string          `json:"proofBytes"`
	Extension  json.RawMessage `json:"extension"`
}

// Output is one created box in node JSON form. Register values are kept as
// opaque hex strings; decoding happens in the parser.
type Output struct {
	BoxID               string            `json:"boxId"`
	Value               int64             `json:"value"`
	ErgoTree            string            `json:"ergoTree"`
	CreationHeight      uint64            `json:"creationHeight"`
	Assets              []Asset           `json:"assets"`
	AdditionalRegisters map[string]string `json:"additionalRegisters"`
	Index               int               `json:"index"`
}

// Asset is one native-token entry on an output.
type Asset struct {
	TokenID string `json:"tokenId"`
	Amount  int64  `json:"amount"`
}
