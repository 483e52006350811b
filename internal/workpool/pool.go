// Package workpool fans a batch of heights out to parallel fetch workers
// and hands the results downstream in strict ascending height order, so
// the single-writer projector always sees a contiguous chain.
package workpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/shark-indexer/pkg/models"
)

// FetchFunc produces the parsed block for one height. Implementations are
// expected to be safe for concurrent use.
type FetchFunc func(ctx context.Context, height uint64) (*models.ParsedBlock, error)

// EmitFunc consumes one parsed block. It is always called from a single
// goroutine, in ascending height order, with no gaps.
type EmitFunc func(ctx context.Context, parsed *models.ParsedBlock) error

type Pool struct {
	workers int
	fetch   FetchFunc
}

func New(workers int, fetch FetchFunc) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, fetch: fetch}
}

// SetWorkers adjusts parallelism for subsequent batches. The controller
// shrinks the pool when the node shows signs of overload.
func (p *Pool) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	p.workers = n
}

func (p *Pool) Workers() int { return p.workers }

// Run fetches every height in the batch with up to `workers` goroutines and
// emits results in batch order while later fetches are still in flight. The
// first failure cancels the remaining work and is returned annotated with
// its height; nothing past the failed height reaches the emitter.
func (p *Pool) Run(ctx context.Context, heights []uint64, emit EmitFunc) error {
	if len(heights) == 0 {
		return nil
	}

	slots := make([]chan *models.ParsedBlock, len(heights))
	for i := range slots {
		slots[i] = make(chan *models.ParsedBlock, 1)
	}

	g, gctx := errgroup.WithContext(ctx)

	fetchers, fctx := errgroup.WithContext(gctx)
	fetchers.SetLimit(p.workers)
	g.Go(func() error {
		for i, h := range heights {
			i, h := i, h
			fetchers.Go(func() error {
				parsed, err := p.fetch(fctx, h)
				if err != nil {
					return fmt.Errorf("height %d: %w", h, err)
				}
				select {
				case slots[i] <- parsed:
					return nil
				case <-fctx.Done():
					return fctx.Err()
				}
			})
		}
		return fetchers.Wait()
	})

	g.Go(func() error {
		for i, h := range heights {
			select {
			case parsed := <-slots[i]:
				if err := emit(gctx, parsed); err != nil {
					return fmt.Errorf("height %d: %w", h, err)
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}
