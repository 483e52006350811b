// Package cache provides the optional TTL-bounded store for confirmed block
// and header payloads. Every failure is non-fatal: a broken cache degrades
// the node client to plain read-through.
package cache

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BlockCache is a Badger-backed key/value cache with per-entry TTL.
type BlockCache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates or reopens the cache at path. Entries expire after ttl.
func Open(path string, ttl time.Duration) (*BlockCache, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger's built-in logging.

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("block cache at %s is locked by another process: %w", path, err)
		}
		return nil, fmt.Errorf("open block cache at %s: %w", path, err)
	}
	return &BlockCache{db: db, ttl: ttl}, nil
}

// Get returns the cached payload for key, if present and unexpired.
func (c *BlockCache) Get(key string) ([]byte, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			log.Printf("[BlockCache] read %s: %v", key, err)
		}
		return nil, false
	}
	return val, true
}

// Set stores a payload under key with the configured TTL. Write failures
// are logged and dropped.
func (c *BlockCache) Set(key string, val []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		log.Printf("[BlockCache] write %s: %v", key, err)
	}
}

// Close flushes and closes the underlying store.
func (c *BlockCache) Close() error {
	return c.db.Close()
}
