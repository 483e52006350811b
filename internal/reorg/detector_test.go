package reorg

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rawblock/shark-indexer/internal/node"
	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/pkg/models"
)

type fakeHeaders map[string]*node.Header

func (f fakeHeaders) Header(ctx context.Context, id string) (*node.Header, error) {
	h, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("header %s: %w", id, node.ErrNotFound)
	}
	return h, nil
}

func (f fakeHeaders) HeaderAt(ctx context.Context, height uint64) (*node.Header, error) {
	for _, h := range f {
		if h.Height == height {
			return h, nil
		}
	}
	return nil, fmt.Errorf("height %d: %w", height, node.ErrNotFound)
}

type fakeChain map[uint64]string

func (f fakeChain) BlockIDAtHeight(ctx context.Context, height uint64) (string, error) {
	id, ok := f[height]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (f fakeChain) Block(ctx context.Context, id string) (*models.Block, error) {
	for h, stored := range f {
		if stored == id {
			return &models.Block{ID: id, Height: h, MainChain: true}, nil
		}
	}
	return nil, store.ErrNotFound
}

// storedChain holds A45..A50 on the main chain.
func storedChain() fakeChain {
	c := fakeChain{}
	for h := uint64(45); h <= 50; h++ {
		c[h] = fmt.Sprintf("A%d", h)
	}
	return c
}

func linkedHeaders(ids map[uint64]string, parents map[string]string) fakeHeaders {
	f := fakeHeaders{}
	for h, id := range ids {
		f[id] = &node.Header{ID: id, Height: h, ParentID: parents[id]}
	}
	return f
}

func TestCheckSimpleExtend(t *testing.T) {
	d := NewDetector(fakeHeaders{}, storedChain(), 720)
	best := &node.Header{ID: "B51", Height: 51, ParentID: "A50"}

	res, err := d.Check(context.Background(), 50, "A50", best)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Reorg {
		t.Error("direct extension misread as reorg")
	}
	if res.ForkHeight != 50 {
		t.Errorf("fork height = %d, want 50", res.ForkHeight)
	}
}

func TestCheckNoReorgShortGap(t *testing.T) {
	// Node is 3 blocks ahead; its lineage descends onto our stored tip.
	headers := linkedHeaders(
		map[uint64]string{53: "A53", 52: "A52", 51: "A51", 50: "A50"},
		map[string]string{"A53": "A52", "A52": "A51", "A51": "A50", "A50": "A49"},
	)
	d := NewDetector(headers, storedChain(), 720)

	res, err := d.Check(context.Background(), 50, "A50", headers["A53"])
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Reorg {
		t.Error("same-branch catch-up misread as reorg")
	}
}

func TestCheckCatchUpGapBeyondMaxDepth(t *testing.T) {
	// The indexer restarts far behind the tip on the same branch. The gap
	// is catch-up distance and must never trip the reorg depth limit.
	ids := map[uint64]string{}
	parents := map[string]string{}
	for h := uint64(50); h <= 120; h++ {
		id := fmt.Sprintf("A%d", h)
		ids[h] = id
		parents[id] = fmt.Sprintf("A%d", h-1)
	}
	headers := linkedHeaders(ids, parents)
	d := NewDetector(headers, storedChain(), 5)

	res, err := d.Check(context.Background(), 50, "A50", headers["A120"])
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Reorg {
		t.Error("same-branch catch-up gap misread as reorg")
	}
	if res.ForkHeight != 50 {
		t.Errorf("fork height = %d, want 50", res.ForkHeight)
	}
}

func TestCheckReorgBehindLongGap(t *testing.T) {
	// A shallow fork at 49 while the node tip is far ahead: the descent to
	// the stored height must not consume the depth budget.
	ids := map[uint64]string{49: "A49"}
	parents := map[string]string{"A49": "A48"}
	for h := uint64(50); h <= 120; h++ {
		id := fmt.Sprintf("B%d", h)
		ids[h] = id
		parents[id] = fmt.Sprintf("B%d", h-1)
	}
	parents["B50"] = "A49"
	headers := linkedHeaders(ids, parents)
	d := NewDetector(headers, storedChain(), 5)

	res, err := d.Check(context.Background(), 50, "A50", headers["B120"])
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Reorg {
		t.Fatal("branch switch behind a long gap not detected")
	}
	if res.ForkHeight != 49 {
		t.Errorf("fork height = %d, want 49", res.ForkHeight)
	}
}

func TestCheckShallowReorg(t *testing.T) {
	// Node switched branches: B50/B51 build on A49, orphaning A50.
	headers := linkedHeaders(
		map[uint64]string{51: "B51", 50: "B50", 49: "A49"},
		map[string]string{"B51": "B50", "B50": "A49", "A49": "A48"},
	)
	d := NewDetector(headers, storedChain(), 720)

	res, err := d.Check(context.Background(), 50, "A50", headers["B51"])
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Reorg {
		t.Fatal("branch switch not detected")
	}
	if res.ForkHeight != 49 {
		t.Errorf("fork height = %d, want 49", res.ForkHeight)
	}
	if res.NewTip != "B51" {
		t.Errorf("new tip = %s, want B51", res.NewTip)
	}
}

func TestCheckTooDeep(t *testing.T) {
	// Every stored height disagrees with the node branch.
	ids := map[uint64]string{}
	parents := map[string]string{}
	for h := uint64(40); h <= 50; h++ {
		id := fmt.Sprintf("B%d", h)
		ids[h] = id
		parents[id] = fmt.Sprintf("B%d", h-1)
	}
	headers := linkedHeaders(ids, parents)
	d := NewDetector(headers, storedChain(), 3)

	_, err := d.Check(context.Background(), 50, "A50", headers["B50"])
	if !errors.Is(err, ErrTooDeep) {
		t.Errorf("error = %v, want ErrTooDeep", err)
	}
}

func TestCheckLineageExhausted(t *testing.T) {
	// The stored chain starts at 45; divergence continues below it.
	ids := map[uint64]string{}
	parents := map[string]string{}
	for h := uint64(40); h <= 50; h++ {
		id := fmt.Sprintf("B%d", h)
		ids[h] = id
		parents[id] = fmt.Sprintf("B%d", h-1)
	}
	headers := linkedHeaders(ids, parents)
	d := NewDetector(headers, storedChain(), 720)

	_, err := d.Check(context.Background(), 50, "A50", headers["B50"])
	if !errors.Is(err, ErrLineageExhausted) {
		t.Errorf("error = %v, want ErrLineageExhausted", err)
	}
}

func TestCheckEmptyStore(t *testing.T) {
	d := NewDetector(fakeHeaders{}, fakeChain{}, 720)
	best := &node.Header{ID: "A1", Height: 1, ParentID: "A0"}

	res, err := d.Check(context.Background(), 0, "", best)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Reorg {
		t.Error("empty store cannot reorg")
	}
}
