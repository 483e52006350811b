// Package reorg compares the node's tip lineage against the stored chain
// and locates the fork point before new blocks are ingested.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/rawblock/shark-indexer/internal/node"
	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/pkg/models"
)

var (
	// ErrTooDeep means the fork point lies beyond the configured walkback
	// budget. Operator intervention required.
	ErrTooDeep = errors.New("reorg: deeper than max depth")

	// ErrLineageExhausted means the stored prefix never met the node's
	// lineage: the local chain is wrong beyond repair.
	ErrLineageExhausted = errors.New("reorg: stored lineage exhausted without common ancestor")
)

// HeaderSource is the slice of the node client the detector needs.
type HeaderSource interface {
	Header(ctx context.Context, id string) (*node.Header, error)
	HeaderAt(ctx context.Context, height uint64) (*node.Header, error)
}

// Lineage is the slice of the store the detector needs.
type Lineage interface {
	BlockIDAtHeight(ctx context.Context, height uint64) (string, error)
	Block(ctx context.Context, id string) (*models.Block, error)
}

// Result describes the outcome of one lineage check.
type Result struct {
	Reorg bool
	// ForkHeight is the common ancestor height h*; rewind targets it and
	// fresh ingestion restarts at h*+1.
	ForkHeight uint64
	NewTip     string
}

type Detector struct {
	headers  HeaderSource
	chain    Lineage
	maxDepth uint64
}

func NewDetector(headers HeaderSource, chain Lineage, maxDepth uint64) *Detector {
	return &Detector{headers: headers, chain: chain, maxDepth: maxDepth}
}

// Check walks back from the node's best header until it meets the stored
// main chain. storedHeight/storedTip describe the local tip; nodeBest is
// the node's best full header.
func (d *Detector) Check(ctx context.Context, storedHeight uint64, storedTip string, nodeBest *node.Header) (*Result, error) {
	if storedHeight == 0 {
		return &Result{Reorg: false, ForkHeight: 0, NewTip: nodeBest.ID}, nil
	}

	// Fast path: the node tip directly extends our stored tip.
	if nodeBest.Height == storedHeight+1 && nodeBest.ParentID == storedTip {
		return &Result{Reorg: false, ForkHeight: storedHeight, NewTip: nodeBest.ID}, nil
	}

	// Short-circuit: if the node's main chain still holds our stored tip,
	// the distance to the node tip is plain catch-up, not reorg depth.
	if onChain, err := d.headers.HeaderAt(ctx, storedHeight); err == nil && onChain.ID == storedTip {
		return &Result{Reorg: false, ForkHeight: storedHeight, NewTip: nodeBest.ID}, nil
	}

	// Descend the node's lineage to the stored tip height. This leg covers
	// catch-up distance and is not counted against the reorg depth budget.
	cur := nodeBest
	for cur.Height > storedHeight {
		parent, err := d.headers.Header(ctx, cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("walkback header %s: %w", cur.ParentID, err)
		}
		cur = parent
	}

	// Compare height by height until the lineages agree. Only steps below
	// the stored tip count as reorg depth.
	var depth uint64
	for {
		storedID, err := d.chain.BlockIDAtHeight(ctx, cur.Height)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no stored block at height %d: %w", cur.Height, ErrLineageExhausted)
		}
		if err != nil {
			return nil, err
		}

		if storedID == cur.ID {
			if cur.Height == storedHeight {
				return &Result{Reorg: false, ForkHeight: storedHeight, NewTip: nodeBest.ID}, nil
			}
			log.Printf("[ReorgDetector] fork point at height %d, rewinding %d blocks",
				cur.Height, storedHeight-cur.Height)
			return &Result{Reorg: true, ForkHeight: cur.Height, NewTip: nodeBest.ID}, nil
		}

		if cur.Height == 0 {
			return nil, ErrLineageExhausted
		}
		if depth++; depth > d.maxDepth {
			return nil, fmt.Errorf("fork deeper than %d blocks: %w", d.maxDepth, ErrTooDeep)
		}

		parent, err := d.headers.Header(ctx, cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("walkback header %s: %w", cur.ParentID, err)
		}
		cur = parent
	}
}
