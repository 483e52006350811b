// Package address derives canonical Ergo addresses from serialized ergoTree
// scripts and decodes the sigma-serialized register constants the indexer
// cares about.
package address

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

// Network prefixes for the head byte of an encoded address.
const (
	MainnetPrefix byte = 0x00
	TestnetPrefix byte = 0x10
)

// Address type discriminators added to the network prefix.
const (
	typeP2PK byte = 1
	typeP2S  byte = 3
)

// p2pkTreePrefix is the serialized "prove dlog" tree: header 0x0008 followed
// by the SigmaProp constant tag 0xcd and a 33-byte compressed point.
var p2pkTreePrefix = []byte{0x00, 0x08, 0xcd}

const p2pkTreeLen = 3 + 33

// FromErgoTree derives the canonical address for a serialized ergoTree.
// Pay-to-public-key trees encode as P2PK addresses carrying the bare point;
// every other script encodes as P2S carrying the full tree. The checksum is
// the first 4 bytes of blake2b-256 over head||content.
func FromErgoTree(ergoTree string, prefix byte) (string, error) {
	tree, err := hex.DecodeString(ergoTree)
	if err != nil {
		return "", fmt.Errorf("ergoTree is not hex: %v", err)
	}
	if len(tree) == 0 {
		return "", fmt.Errorf("empty ergoTree")
	}

	var body []byte
	if isP2PK(tree) {
		body = append([]byte{prefix + typeP2PK}, tree[3:]...)
	} else {
		body = append([]byte{prefix + typeP2S}, tree...)
	}

	sum := blake2b.Sum256(body)
	return base58.Encode(append(body, sum[:4]...)), nil
}

// TypeOf classifies a serialized ergoTree for address_stats.
func TypeOf(ergoTree string) string {
	tree, err := hex.DecodeString(ergoTree)
	if err != nil {
		return "unknown"
	}
	if isP2PK(tree) {
		return "p2pk"
	}
	return "p2s"
}

func isP2PK(tree []byte) bool {
	if len(tree) != p2pkTreeLen {
		return false
	}
	for i, b := range p2pkTreePrefix {
		if tree[i] != b {
			return false
		}
	}
	return true
}
