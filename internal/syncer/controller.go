// Package syncer drives the ingestion pipeline: probe the node tip, run
// the reorg check, fan fetches out through the work pool and feed the
// single-writer projector, then sleep until the next poll.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/rawblock/shark-indexer/internal/metrics"
	"github.com/rawblock/shark-indexer/internal/node"
	"github.com/rawblock/shark-indexer/internal/parser"
	"github.com/rawblock/shark-indexer/internal/reorg"
	"github.com/rawblock/shark-indexer/internal/store"
	"github.com/rawblock/shark-indexer/internal/workpool"
	"github.com/rawblock/shark-indexer/pkg/models"
)

// ErrRetriesExhausted marks a block whose apply kept failing through the
// whole retry budget. The store is treated as down and the pipeline halts
// rather than spinning against it.
var ErrRetriesExhausted = errors.New("block apply retries exhausted")

// NodeAPI is the slice of the node client the controller drives directly.
// The same value is handed to the work pool's fetch function.
type NodeAPI interface {
	Info(ctx context.Context) (*node.Info, error)
	HeaderAt(ctx context.Context, height uint64) (*node.Header, error)
	Block(ctx context.Context, id string) (*node.FullBlock, error)
	Header(ctx context.Context, id string) (*node.Header, error)
}

// Applier is the projector's write entrypoint.
type Applier interface {
	Apply(ctx context.Context, parsed *models.ParsedBlock) error
}

// BlockEvent is pushed to the websocket hub after every committed block.
type BlockEvent struct {
	Height    uint64 `json:"height"`
	BlockID   string `json:"blockId"`
	TxCount   int    `json:"txCount"`
	Timestamp int64  `json:"timestamp"`
}

// Config carries the tunables the controller reacts to.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxWorkers      int
	InitialHeight   uint64
	MaxReorgDepth   uint64
	MaxBlockRetries int
}

// Progress is the controller state snapshot served by the status API.
type Progress struct {
	State         string `json:"state"`
	CurrentHeight uint64 `json:"currentHeight"`
	TargetHeight  uint64 `json:"targetHeight"`
	LastError     string `json:"lastError,omitempty"`
}

// Controller states, exposed verbatim through the status API.
const (
	StateIdle       = "idle"
	StateProbing    = "probing"
	StateReorgCheck = "reorg_check"
	StateRewinding  = "rewinding"
	StateIngesting  = "ingesting"
	StateHalted     = "halted"
)

type Controller struct {
	cfg       Config
	node      NodeAPI
	store     store.Store
	parser    *parser.Parser
	projector Applier
	detector  *reorg.Detector
	pool      *workpool.Pool
	notify    func(BlockEvent) // optional broadcast callback

	currentHeight atomic.Uint64
	targetHeight  atomic.Uint64
	state         atomic.Value // string
	lastError     atomic.Value // string
}

func NewController(cfg Config, n NodeAPI, s store.Store, p *parser.Parser, proj Applier, notify func(BlockEvent)) *Controller {
	c := &Controller{
		cfg:       cfg,
		node:      n,
		store:     s,
		parser:    p,
		projector: proj,
		detector:  reorg.NewDetector(n, s, cfg.MaxReorgDepth),
		notify:    notify,
	}
	c.pool = workpool.New(cfg.MaxWorkers, c.fetchBlock)
	c.state.Store(StateIdle)
	c.lastError.Store("")
	return c
}

// GetProgress returns the controller's state for the API (thread-safe).
func (c *Controller) GetProgress() Progress {
	return Progress{
		State:         c.state.Load().(string),
		CurrentHeight: c.currentHeight.Load(),
		TargetHeight:  c.targetHeight.Load(),
		LastError:     c.lastError.Load().(string),
	}
}

// Run is the controller loop. It returns nil on context cancellation and a
// non-nil error only on a fatal halt (poison block, unrecoverable reorg,
// persistent store failure).
func (c *Controller) Run(ctx context.Context) error {
	log.Printf("[SyncController] Starting: poll=%s batch=%d workers=%d",
		c.cfg.PollInterval, c.cfg.BatchSize, c.cfg.MaxWorkers)

	for {
		caughtUp, err := c.cycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Println("[SyncController] Shutdown requested, stopping")
				c.setState(StateIdle)
				return nil
			}
			if isFatal(err) {
				c.setState(StateHalted)
				c.lastError.Store(err.Error())
				log.Printf("[SyncController] FATAL: %v", err)
				return err
			}
			c.lastError.Store(err.Error())
			log.Printf("[SyncController] Cycle error, backing off: %v", err)
			if !c.sleep(ctx, c.cfg.PollInterval*4) {
				return nil
			}
			continue
		}

		if caughtUp {
			c.setState(StateIdle)
			if !c.sleep(ctx, c.cfg.PollInterval) {
				return nil
			}
		}
	}
}

// cycle executes one pass of the state machine: probe, reorg check, rewind
// if needed, ingest one window of batches. Returns caughtUp=true when the
// stored tip matches the node tip.
func (c *Controller) cycle(ctx context.Context) (bool, error) {
	c.setState(StateProbing)
	info, err := c.node.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("probe node: %w", err)
	}

	status, err := c.store.SyncStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("read sync status: %w", err)
	}
	stored := status.CurrentHeight
	if stored < c.cfg.InitialHeight {
		stored = c.cfg.InitialHeight
	}

	c.currentHeight.Store(stored)
	c.targetHeight.Store(info.FullHeight)
	metrics.TargetHeight.Set(float64(info.FullHeight))

	if err := c.store.SetSyncTarget(ctx, info.FullHeight, info.FullHeight > stored); err != nil {
		return false, fmt.Errorf("record sync target: %w", err)
	}

	if info.FullHeight <= stored {
		return true, nil
	}

	lo := stored + 1
	if stored > 0 {
		fork, err := c.checkReorg(ctx, stored, info)
		if err != nil {
			return false, err
		}
		lo = fork + 1
	}

	return c.ingest(ctx, lo, info.FullHeight)
}

// checkReorg compares lineages and rewinds the store when the node moved to
// a different branch. Returns the height ingestion resumes above.
func (c *Controller) checkReorg(ctx context.Context, stored uint64, info *node.Info) (uint64, error) {
	c.setState(StateReorgCheck)

	storedTip, err := c.store.BlockIDAtHeight(ctx, stored)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing at the stored height (fresh DB with initial_height > 0).
		return stored, nil
	}
	if err != nil {
		return 0, err
	}

	best, err := c.node.Header(ctx, info.BestHeaderID)
	if err != nil {
		return 0, fmt.Errorf("fetch best header: %w", err)
	}

	res, err := c.detector.Check(ctx, stored, storedTip, best)
	if err != nil {
		return 0, err
	}
	if !res.Reorg {
		return stored, nil
	}

	c.setState(StateRewinding)
	log.Printf("[SyncController] Reorg: rewinding from %d to fork height %d", stored, res.ForkHeight)
	if err := c.store.RewindToHeight(ctx, res.ForkHeight); err != nil {
		return 0, fmt.Errorf("rewind to %d: %w", res.ForkHeight, err)
	}
	metrics.ChainReorgEvents.Inc()
	c.currentHeight.Store(res.ForkHeight)
	return res.ForkHeight, nil
}

// ingest walks [lo, hi] in batches. Each batch runs through the work pool;
// per-block apply failures are retried here before they count as fatal.
func (c *Controller) ingest(ctx context.Context, lo, hi uint64) (bool, error) {
	c.setState(StateIngesting)
	log.Printf("[SyncController] Ingesting heights %d → %d (%d blocks, %d workers)",
		lo, hi, hi-lo+1, c.pool.Workers())

	for lo <= hi {
		batchHi := lo + uint64(c.cfg.BatchSize) - 1
		if batchHi > hi {
			batchHi = hi
		}
		heights := make([]uint64, 0, batchHi-lo+1)
		for h := lo; h <= batchHi; h++ {
			heights = append(heights, h)
		}

		if err := c.pool.Run(ctx, heights, c.applyWithRetry); err != nil {
			if errors.Is(err, node.ErrNotFound) {
				// Tip race: the node advertised a height it no longer
				// serves. Re-probe and re-plan on the next cycle.
				log.Printf("[SyncController] Height vanished mid-batch, re-probing: %v", err)
				return false, nil
			}
			if errors.Is(err, node.ErrUnavailable) && c.pool.Workers() > 1 {
				c.pool.SetWorkers(c.pool.Workers() / 2)
				log.Printf("[SyncController] Node struggling, reducing workers to %d", c.pool.Workers())
			}
			return false, err
		}

		lo = batchHi + 1
		if c.pool.Workers() < c.cfg.MaxWorkers {
			c.pool.SetWorkers(c.pool.Workers() + 1)
		}
	}
	return false, nil
}

// fetchBlock is the work-pool task: header at height, full block by id, parse.
func (c *Controller) fetchBlock(ctx context.Context, height uint64) (*models.ParsedBlock, error) {
	header, err := c.node.HeaderAt(ctx, height)
	if err != nil {
		return nil, err
	}
	blk, err := c.node.Block(ctx, header.ID)
	if err != nil {
		return nil, err
	}
	return c.parser.Parse(blk, height)
}

// applyWithRetry commits one parsed block, retrying transient store errors
// with exponential backoff. Structural errors poison the block and halt.
func (c *Controller) applyWithRetry(ctx context.Context, parsed *models.ParsedBlock) error {
	var err error
	for attempt := 0; attempt <= c.cfg.MaxBlockRetries; attempt++ {
		if attempt > 0 {
			if !c.sleep(ctx, backoff(attempt)) {
				return ctx.Err()
			}
			log.Printf("[SyncController] Retrying block %d (attempt %d/%d)",
				parsed.Block.Height, attempt, c.cfg.MaxBlockRetries)
		}

		err = c.projector.Apply(ctx, parsed)
		if err == nil {
			c.currentHeight.Store(parsed.Block.Height)
			if c.notify != nil {
				c.notify(BlockEvent{
					Height:    parsed.Block.Height,
					BlockID:   parsed.Block.ID,
					TxCount:   parsed.Block.TxCount,
					Timestamp: parsed.Block.Timestamp,
				})
			}
			return nil
		}
		if errors.Is(err, models.ErrBadBlock) || errors.Is(err, context.Canceled) {
			break
		}
	}

	if errors.Is(err, models.ErrBadBlock) {
		if perr := c.store.MarkPoisoned(ctx, parsed.Block.Height, parsed.Block.ID, err.Error()); perr != nil {
			log.Printf("[SyncController] Failed to record poison block %s: %v", parsed.Block.ID, perr)
		}
		metrics.PoisonBlocks.Inc()
		return fmt.Errorf("poison block %s: %w", parsed.Block.ID, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("block %d after %d retries: %w (last: %v)",
		parsed.Block.Height, c.cfg.MaxBlockRetries, ErrRetriesExhausted, err)
}

func (c *Controller) setState(s string) { c.state.Store(s) }

// sleep waits d or until cancellation; reports false when cancelled.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// isFatal classifies errors that must halt the pipeline rather than back
// off and retry.
func isFatal(err error) bool {
	return errors.Is(err, models.ErrBadBlock) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, reorg.ErrTooDeep) ||
		errors.Is(err, reorg.ErrLineageExhausted)
}
