package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rawblock/shark-indexer/internal/metrics"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	maxAttempts    = 6
)

// Cache is an optional key/value store consulted for stable block and header
// payloads. Any cache failure is swallowed; the node remains the source of
// truth.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// PoolSize sizes the keep-alive connection pool. Should be at least the
	// worker count of the fetch pool.
	PoolSize int
}

// Client is a typed wrapper over the Ergo node REST API. All methods are
// idempotent GETs with exponential backoff on transient failures.
type Client struct {
	cfg   Config
	http  *http.Client
	cache Cache
}

func NewClient(cfg Config, cache Cache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize * 2,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cache: cache,
	}
}

// Info probes the node tip. Never served from cache.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.get(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BlockIDsAt returns the header ids the node knows at a height. The main
// chain id comes first; an empty list means the node has not seen the height.
func (c *Client) BlockIDsAt(ctx context.Context, height uint64) ([]string, error) {
	var ids []string
	if err := c.get(ctx, fmt.Sprintf("/blocks/at/%d", height), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// HeaderAt resolves the main-chain header at a height.
func (c *Client) HeaderAt(ctx context.Context, height uint64) (*Header, error) {
	ids, err := c.BlockIDsAt(ctx, height)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no headers at height %d: %w", height, ErrNotFound)
	}
	return c.Header(ctx, ids[0])
}

// Block fetches a full block by id, read-through the cache when enabled.
// Only confirmed ids should be requested here; tip probes bypass the cache
// by construction since they go through Info and BlockIDsAt.
func (c *Client) Block(ctx context.Context, id string) (*FullBlock, error) {
	var blk FullBlock
	if err := c.cached(ctx, "block:"+id, "/blocks/"+url.PathEscape(id), &blk); err != nil {
		return nil, err
	}
	return &blk, nil
}

// Header fetches a single header by id, read-through the cache when enabled.
func (c *Client) Header(ctx context.Context, id string) (*Header, error) {
	var h Header
	if err := c.cached(ctx, "header:"+id, "/blocks/"+url.PathEscape(id)+"/header", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Transactions fetches the transaction section of a block by id.
func (c *Client) Transactions(ctx context.Context, id string) (*BlockTransactions, error) {
	var txs BlockTransactions
	if err := c.get(ctx, "/blocks/"+url.PathEscape(id)+"/transactions", &txs); err != nil {
		return nil, err
	}
	return &txs, nil
}

func (c *Client) cached(ctx context.Context, key, path string, out any) error {
	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			if err := json.Unmarshal(raw, out); err == nil {
				return nil
			}
			// Corrupt entry: fall through to the node.
		}
	}
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %v", path, err)
	}
	if c.cache != nil {
		c.cache.Set(key, raw)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %v", path, err)
	}
	return nil
}

// getRaw performs one GET with the retry policy: exponential backoff with
// jitter on 5xx and network errors, no retry on 4xx, prompt cancellation.
func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		body, err := c.doOnce(ctx, path)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		log.Printf("[NodeClient] GET %s attempt %d/%d failed: %v", path, attempt, maxAttempts, err)
	}
	metrics.NodeRequestErrors.Inc()
	return nil, fmt.Errorf("%s after %d attempts: %w (last: %v)", path, maxAttempts, ErrUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api_key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("GET %s: status %d: %w", path, resp.StatusCode, ErrBadRequest)
	default:
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
}
