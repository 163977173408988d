package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// FileCache is a TTL cache persisted to a JSON file, so drafted plans survive
// server restarts. Values are stored as their JSON encoding; Get returns a
// json.RawMessage for the reader to decode.
type FileCache struct {
	store map[string]fileItem
	mutex sync.RWMutex
	ttl   time.Duration
	path  string
	done  chan struct{}
	once  sync.Once
}

type fileItem struct {
	Value      json.RawMessage `json:"value"`
	Expiration int64           `json:"expiration"`
}

// NewFileCache opens (or creates) the cache file at path. Entries live for
// ttl; expired entries are dropped lazily on read and swept periodically.
func NewFileCache(ttl time.Duration, path string) (*FileCache, error) {
	c := &FileCache{
		store: make(map[string]fileItem),
		ttl:   ttl,
		path:  path,
		done:  make(chan struct{}),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	go c.sweepLoop(10 * time.Minute)
	return c, nil
}

// Get retrieves an item. A missing or expired key is a not-found error.
func (c *FileCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if time.Now().UnixNano() > item.Expiration {
		c.mutex.Lock()
		delete(c.store, key)
		c.mutex.Unlock()
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.Value, nil
}

// Set adds or replaces an item, restarting its TTL, and rewrites the backing
// file.
func (c *FileCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return errbuilder.GenericErr("cache value is not JSON-encodable", err)
	}

	c.mutex.Lock()
	c.store[key] = fileItem{
		Value:      encoded,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.mutex.Unlock()
	return c.persist()
}

// Delete removes an item.
func (c *FileCache) Delete(key string) {
	c.mutex.Lock()
	delete(c.store, key)
	c.mutex.Unlock()
	_ = c.persist()
}

// Len reports how many entries are held, including not-yet-swept expired ones.
func (c *FileCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the background sweeper and flushes the backing file.
func (c *FileCache) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.persist()
}

func (c *FileCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errbuilder.GenericErr("failed to read cache file", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &c.store); err != nil {
		return errbuilder.GenericErr("cache file is corrupt", err)
	}
	return nil
}

func (c *FileCache) persist() error {
	c.mutex.RLock()
	data, err := json.Marshal(c.store)
	c.mutex.RUnlock()
	if err != nil {
		return errbuilder.GenericErr("failed to encode cache contents", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return errbuilder.GenericErr("failed to write cache file", err)
	}
	return nil
}

func (c *FileCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.mutex.Lock()
			for key, item := range c.store {
				if now > item.Expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
			_ = c.persist()
		}
	}
}
