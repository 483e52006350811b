package workpool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rawblock/shark-indexer/pkg/models"
)

func heights(lo, hi uint64) []uint64 {
	hs := make([]uint64, 0, hi-lo+1)
	for h := lo; h <= hi; h++ {
		hs = append(hs, h)
	}
	return hs
}

func stubFetch(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
	return &models.ParsedBlock{Block: models.Block{Height: height}}, nil
}

func TestRunEmitsInAscendingOrder(t *testing.T) {
	// High heights return fastest; emission order must still follow height.
	fetch := func(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
		time.Sleep(time.Duration(120-height) * time.Millisecond)
		return &models.ParsedBlock{Block: models.Block{Height: height}}, nil
	}

	pool := New(5, fetch)
	var got []uint64
	err := pool.Run(context.Background(), heights(100, 119), func(ctx context.Context, p *models.ParsedBlock) error {
		got = append(got, p.Block.Height)
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(got) != 20 {
		t.Fatalf("emitted %d blocks, want 20", len(got))
	}
	for i, h := range got {
		if h != 100+uint64(i) {
			t.Fatalf("emission order broken at position %d: got height %d", i, h)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	fetch := func(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &models.ParsedBlock{Block: models.Block{Height: height}}, nil
	}

	pool := New(3, fetch)
	err := pool.Run(context.Background(), heights(1, 12), func(ctx context.Context, p *models.ParsedBlock) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("observed %d concurrent fetches, limit is 3", p)
	}
}

func TestRunFetchErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("node exploded")
	var cancelled atomic.Int64

	fetch := func(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
		if height == 2 {
			time.Sleep(20 * time.Millisecond)
			return nil, boom
		}
		select {
		case <-time.After(2 * time.Second):
			return &models.ParsedBlock{Block: models.Block{Height: height}}, nil
		case <-ctx.Done():
			cancelled.Add(1)
			return nil, ctx.Err()
		}
	}

	pool := New(4, fetch)
	start := time.Now()
	err := pool.Run(context.Background(), heights(1, 8), func(ctx context.Context, p *models.ParsedBlock) error {
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped fetch failure", err)
	}
	if !strings.Contains(err.Error(), "height 2") {
		t.Errorf("error %q does not name the failing height", err)
	}
	if time.Since(start) > time.Second {
		t.Error("siblings were not cancelled promptly")
	}
	if cancelled.Load() == 0 {
		t.Error("no in-flight sibling observed cancellation")
	}
}

func TestRunEmitErrorStopsBatch(t *testing.T) {
	boom := errors.New("apply failed")
	pool := New(3, stubFetch)

	var mu sync.Mutex
	var emitted []uint64
	err := pool.Run(context.Background(), heights(10, 19), func(ctx context.Context, p *models.ParsedBlock) error {
		mu.Lock()
		defer mu.Unlock()
		if p.Block.Height == 12 {
			return boom
		}
		emitted = append(emitted, p.Block.Height)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want emit failure", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, h := range emitted {
		if h >= 12 {
			t.Errorf("height %d emitted past the failure point", h)
		}
	}
}

func TestRunEmptyBatch(t *testing.T) {
	pool := New(3, stubFetch)
	if err := pool.Run(context.Background(), nil, nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	pool := New(2, fetch)
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(ctx, heights(1, 4), func(ctx context.Context, p *models.ParsedBlock) error {
			return nil
		})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
