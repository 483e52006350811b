package projector

import (
	"encoding/json"
	"sort"

	"github.com/rawblock/shark-indexer/internal/address"
	"github.com/rawblock/shark-indexer/pkg/models"
)

// This file is the holder-aggregation role of the projector: turning a
// block's outputs and newly spent outputs into signed balance deltas, and
// snapshotting token metadata at mint time. Everything here is pure; the
// surrounding transaction provides atomicity and per-block idempotency.

type balanceKey struct {
	tokenID string
	address string
}

// ComputeDeltas folds a block into per-(token, address) adjustments:
// +amount for every created output, -amount for every output it spends.
// Plain nanoERG value moves under the synthetic ERG token id.
func ComputeDeltas(created []models.Output, spent map[string]*models.Output) []models.BalanceDelta {
	acc := make(map[balanceKey]int64)

	credit := func(out *models.Output, sign int64) {
		if out.Address == "" {
			return
		}
		acc[balanceKey{models.ERGTokenID, out.Address}] += sign * out.Value
		for _, a := range out.Assets {
			acc[balanceKey{a.TokenID, out.Address}] += sign * a.Amount
		}
	}

	for i := range created {
		credit(&created[i], +1)
	}
	for _, out := range spent {
		credit(out, -1)
	}

	deltas := make([]models.BalanceDelta, 0, len(acc))
	for k, amount := range acc {
		if amount == 0 {
			continue
		}
		deltas = append(deltas, models.BalanceDelta{TokenID: k.tokenID, Address: k.address, Amount: amount})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].TokenID != deltas[j].TokenID {
			return deltas[i].TokenID < deltas[j].TokenID
		}
		return deltas[i].Address < deltas[j].Address
	})
	return deltas
}

// ExtractTokenMints finds freshly minted tokens in a block. By Ergo
// convention a minting transaction issues a token whose id equals its first
// input's box id, and the issuing output carries name/description/decimals
// in registers R4/R5/R6. Register decoding is best-effort: a failure leaves
// the field empty and never fails the block.
func ExtractTokenMints(parsed *models.ParsedBlock) []models.Token {
	firstInput := make(map[string]string) // tx id -> first input box id
	for _, in := range parsed.Inputs {
		if in.IndexInTx == 0 {
			firstInput[in.TxID] = in.BoxID
		}
	}

	var tokens []models.Token
	seen := make(map[string]bool)
	for _, out := range parsed.Outputs {
		mintID := firstInput[out.TxID]
		if mintID == "" || mintID == models.ZeroBoxID {
			continue
		}
		for _, a := range out.Assets {
			if a.TokenID != mintID || seen[mintID] {
				continue
			}
			seen[mintID] = true
			tok := models.Token{
				TokenID:         mintID,
				TotalSupply:     mintedSupply(parsed, out.TxID, mintID),
				FirstSeenHeight: parsed.Block.Height,
			}
			decodeTokenMetadata(&tok, out.Registers)
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func mintedSupply(parsed *models.ParsedBlock, txID, tokenID string) int64 {
	var sum int64
	for _, out := range parsed.Outputs {
		if out.TxID != txID {
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

func decodeTokenMetadata(tok *models.Token, rawRegisters json.RawMessage) {
	if len(rawRegisters) == 0 {
		return
	}
	var registers map[string]string
	if err := json.Unmarshal(rawRegisters, &registers); err != nil {
		return
	}
	if name, err := address.DecodeCollByte(registers["R4"]); err == nil {
		tok.Name = string(name)
	}
	if desc, err := address.DecodeCollByte(registers["R5"]); err == nil {
		tok.Description = string(desc)
	}
	if dec, err := address.DecodeInt(registers["R6"]); err == nil {
		d := int(dec)
		tok.Decimals = &d
	}
}
