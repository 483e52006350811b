// Package parser turns node JSON into the internal entity records the
// projector writes. Parsing is pure: no I/O, no shared state, safe to run
// on many blocks concurrently.
package parser

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rawblock/shark-indexer/internal/address"
	"github.com/rawblock/shark-indexer/internal/node"
	"github.com/rawblock/shark-indexer/pkg/models"
)

const idHexLen = 64

// Parser carries the per-network settings address derivation needs.
type Parser struct {
	networkPrefix byte
}

func New(networkPrefix byte) *Parser {
	return &Parser{networkPrefix: networkPrefix}
}

// Parse validates a full block and projects it into entity records.
// Indexes are assigned positionally; the transaction fee is left at zero
// here because input values live in the store (the projector fills it in).
func (p *Parser) Parse(blk *node.FullBlock, height uint64) (*models.ParsedBlock, error) {
	header := blk.Header
	if err := validateID("header id", header.ID); err != nil {
		return nil, badBlock(height, err)
	}
	if err := validateID("parent id", header.ParentID); err != nil {
		return nil, badBlock(height, err)
	}
	if header.Timestamp <= 0 {
		return nil, badBlock(height, fmt.Errorf("non-positive timestamp %d", header.Timestamp))
	}

	txs := blk.BlockTransactions.Transactions
	if len(txs) == 0 && height > 1 {
		return nil, badBlock(height, fmt.Errorf("empty transaction list above genesis"))
	}

	parentID := header.ParentID
	if height <= 1 {
		parentID = models.GenesisParentID
	}

	var difficulty int64
	if d := header.Difficulty; d != "" {
		v, err := d.Int64()
		if err != nil {
			return nil, badBlock(height, fmt.Errorf("difficulty %q is not an integer: %v", d, err))
		}
		difficulty = v
	}

	parsed := &models.ParsedBlock{
		Block: models.Block{
			ID:           header.ID,
			HeaderID:     header.ID,
			ParentID:     parentID,
			Height:       height,
			Timestamp:    header.Timestamp,
			Difficulty:   difficulty,
			Size:         blk.Size,
			TxCount:      len(txs),
			MainChain:    true,
			Version:      header.Version,
			PowSolutions: header.PowSolutions,
		},
	}

	var blockCoins int64
	for txIndex, tx := range txs {
		if err := validateID("tx id", tx.ID); err != nil {
			return nil, badBlock(height, err)
		}

		parsed.Transactions = append(parsed.Transactions, models.Transaction{
			ID:           tx.ID,
			BlockID:      header.ID,
			HeaderID:     header.ID,
			Height:       height,
			Timestamp:    header.Timestamp,
			IndexInBlock: txIndex,
			MainChain:    true,
			Size:         tx.Size,
		})

		for inIndex, in := range tx.Inputs {
			if err := validateID("input box id", in.BoxID); err != nil {
				return nil, badBlock(height, err)
			}
			parsed.Inputs = append(parsed.Inputs, models.Input{
				BoxID:      in.BoxID,
				TxID:       tx.ID,
				IndexInTx:  inIndex,
				ProofBytes: in.SpendingProof.ProofBytes,
				Extension:  in.SpendingProof.Extension,
			})
		}

		for outIndex, out := range tx.Outputs {
			parsedOut, err := p.parseOutput(tx.ID, outIndex, out)
			if err != nil {
				return nil, badBlock(height, err)
			}
			blockCoins += parsedOut.Value
			parsed.Outputs = append(parsed.Outputs, *parsedOut)
		}
	}
	parsed.Block.BlockCoins = blockCoins

	parsed.Reward = extractReward(parsed)
	if parsed.Reward != nil {
		parsed.Block.MinerAddress = parsed.Reward.MinerAddress
	}

	return parsed, nil
}

func (p *Parser) parseOutput(txID string, index int, out node.Output) (*models.Output, error) {
	if err := validateID("output box id", out.BoxID); err != nil {
		return nil, err
	}
	if out.Value < 0 {
		return nil, fmt.Errorf("output %s has negative value %d", out.BoxID, out.Value)
	}
	if _, err := hex.DecodeString(out.ErgoTree); err != nil {
		return nil, fmt.Errorf("output %s ergoTree is not hex: %v", out.BoxID, err)
	}

	addr, err := address.FromErgoTree(out.ErgoTree, p.networkPrefix)
	if err != nil {
		return nil, fmt.Errorf("output %s address derivation: %v", out.BoxID, err)
	}

	var registers json.RawMessage
	if len(out.AdditionalRegisters) > 0 {
		// Unknown register keys are preserved verbatim as opaque values.
		registers, _ = json.Marshal(out.AdditionalRegisters)
	}

	parsed := &models.Output{
		BoxID:          out.BoxID,
		TxID:           txID,
		IndexInTx:      index,
		Value:          out.Value,
		CreationHeight: out.CreationHeight,
		Address:        addr,
		ErgoTree:       out.ErgoTree,
		Registers:      registers,
	}

	for assetIndex, asset := range out.Assets {
		if err := validateID("token id", asset.TokenID); err != nil {
			return nil, err
		}
		if asset.Amount < 0 {
			return nil, fmt.Errorf("asset %s on %s has negative amount %d", asset.TokenID, out.BoxID, asset.Amount)
		}
		parsed.Assets = append(parsed.Assets, models.Asset{
			TokenID:        asset.TokenID,
			BoxID:          out.BoxID,
			IndexInOutputs: assetIndex,
			Amount:         asset.Amount,
		})
	}
	return parsed, nil
}

// extractReward locates the emission transaction: the one spending the
// all-zero sentinel box, falling back to the block's first transaction.
// The miner is the first output's address.
func extractReward(parsed *models.ParsedBlock) *models.MiningReward {
	if len(parsed.Transactions) == 0 {
		return nil
	}

	rewardTxID := parsed.Transactions[0].ID
	for _, in := range parsed.Inputs {
		if in.BoxID == models.ZeroBoxID {
			rewardTxID = in.TxID
			break
		}
	}

	for _, out := range parsed.Outputs {
		if out.TxID == rewardTxID && out.IndexInTx == 0 {
			return &models.MiningReward{
				BlockID:      parsed.Block.ID,
				RewardAmount: out.Value,
				MinerAddress: out.Address,
			}
		}
	}
	return nil
}

func badBlock(height uint64, reason error) error {
	return fmt.Errorf("height %d: %v: %w", height, reason, models.ErrBadBlock)
}

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(id) != idHexLen {
		return fmt.Errorf("%s %q is not 64 chars", field, id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("%s %q is not hex: %v", field, id, err)
	}
	return nil
}
