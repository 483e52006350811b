package projector

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/rawblock/shark-indexer/pkg/models"
)

func hexID(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func TestComputeDeltas(t *testing.T) {
	created := []models.Output{
		{BoxID: hexID(0x01), Address: "alice", Value: 100},
		{BoxID: hexID(0x02), Address: "bob", Value: 40,
			Assets: []models.Asset{{TokenID: hexID(0x30), Amount: 7}}},
	}
	spent := map[string]*models.Output{
		hexID(0x03): {BoxID: hexID(0x03), Address: "alice", Value: 150},
	}

	got := ComputeDeltas(created, spent)
	want := []models.BalanceDelta{
		{TokenID: hexID(0x30), Address: "bob", Amount: 7},
		{TokenID: models.ERGTokenID, Address: "alice", Amount: -50},
		{TokenID: models.ERGTokenID, Address: "bob", Amount: 40},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deltas = %+v, want %+v", got, want)
	}
}

func TestComputeDeltasDropsZeroNet(t *testing.T) {
	created := []models.Output{{BoxID: hexID(0x01), Address: "alice", Value: 100}}
	spent := map[string]*models.Output{
		hexID(0x02): {BoxID: hexID(0x02), Address: "alice", Value: 100},
	}
	if got := ComputeDeltas(created, spent); len(got) != 0 {
		t.Errorf("self-transfer should net to zero, got %+v", got)
	}
}

func TestComputeDeltasSkipsUnknownAddress(t *testing.T) {
	created := []models.Output{{BoxID: hexID(0x01), Address: "", Value: 100}}
	if got := ComputeDeltas(created, nil); len(got) != 0 {
		t.Errorf("addressless output should be skipped, got %+v", got)
	}
}

func mintFixture(registers map[string]string) *models.ParsedBlock {
	mintID := hexID(0x40)
	var raw json.RawMessage
	if registers != nil {
		raw, _ = json.Marshal(registers)
	}
	return &models.ParsedBlock{
		Block: models.Block{ID: hexID(0xaa), Height: 120},
		Inputs: []models.Input{
			{BoxID: mintID, TxID: hexID(0x01), IndexInTx: 0},
		},
		Outputs: []models.Output{
			{BoxID: hexID(0x11), TxID: hexID(0x01), IndexInTx: 0, Address: "issuer",
				Assets:    []models.Asset{{TokenID: mintID, Amount: 900}},
				Registers: raw},
			{BoxID: hexID(0x12), TxID: hexID(0x01), IndexInTx: 1, Address: "issuer",
				Assets: []models.Asset{{TokenID: mintID, Amount: 100}}},
		},
	}
}

func TestExtractTokenMints(t *testing.T) {
	parsed := mintFixture(map[string]string{
		"R4": "0e03534947",       // Coll[Byte] "SIG"
		"R5": "0e06737461626c65", // Coll[Byte] "stable"
		"R6": "0404",             // Int 2
	})

	tokens := ExtractTokenMints(parsed)
	if len(tokens) != 1 {
		t.Fatalf("got %d tokens, want 1", len(tokens))
	}
	tok := tokens[0]
	if tok.TokenID != hexID(0x40) {
		t.Errorf("token id = %s", tok.TokenID)
	}
	if tok.Name != "SIG" || tok.Description != "stable" {
		t.Errorf("metadata = %q/%q, want SIG/stable", tok.Name, tok.Description)
	}
	if tok.Decimals == nil || *tok.Decimals != 2 {
		t.Errorf("decimals = %v, want 2", tok.Decimals)
	}
	if tok.TotalSupply != 1000 {
		t.Errorf("supply = %d, want 1000 across both outputs", tok.TotalSupply)
	}
	if tok.FirstSeenHeight != 120 {
		t.Errorf("first seen = %d, want 120", tok.FirstSeenHeight)
	}
}

func TestExtractTokenMintsBadMetadata(t *testing.T) {
	parsed := mintFixture(map[string]string{"R4": "zz", "R6": "0e00"})

	tokens := ExtractTokenMints(parsed)
	if len(tokens) != 1 {
		t.Fatalf("decode failure must not drop the mint, got %d tokens", len(tokens))
	}
	tok := tokens[0]
	if tok.Name != "" || tok.Description != "" || tok.Decimals != nil {
		t.Errorf("undecodable registers should leave fields empty: %+v", tok)
	}
}

func TestExtractTokenMintsIgnoresTransfers(t *testing.T) {
	parsed := mintFixture(nil)
	// Asset id no longer matches the first input: a plain transfer.
	parsed.Outputs[0].Assets[0].TokenID = hexID(0x77)
	parsed.Outputs[1].Assets[0].TokenID = hexID(0x77)

	if tokens := ExtractTokenMints(parsed); len(tokens) != 0 {
		t.Errorf("transfer misread as mint: %+v", tokens)
	}
}

func TestExtractTokenMintsSkipsEmissionInput(t *testing.T) {
	parsed := mintFixture(nil)
	parsed.Inputs[0].BoxID = models.ZeroBoxID
	parsed.Outputs[0].Assets[0].TokenID = models.ZeroBoxID
	parsed.Outputs[1].Assets = nil

	if tokens := ExtractTokenMints(parsed); len(tokens) != 0 {
		t.Errorf("emission sentinel misread as mint: %+v", tokens)
	}
}
