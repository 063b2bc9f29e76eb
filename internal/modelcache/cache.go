// Package modelcache keeps recently used recognition models loaded so that
// sessions naming the same model share one copy.
package modelcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Cache holds one handle per model path. Handles returned by Get are
// retained copies and must be closed by the caller; eviction only closes the
// cache's own handle, so models stay alive while sessions use them.
type Cache struct {
	mu     sync.Mutex
	models *lru.Cache[string, *stt.Model]
	group  singleflight.Group
	log    *slog.Logger
	opts   []stt.Option
	load   func(path string, opts ...stt.Option) (*stt.Model, error)
}

// New creates a cache holding at most size models.
func New(size int, log *slog.Logger, opts ...stt.Option) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		log:  log.With(slog.String("component", "model-cache")),
		opts: opts,
		load: stt.LoadModel,
	}
	models, err := lru.NewWithEvict(size, c.evicted)
	if err != nil {
		return nil, fmt.Errorf("create model cache: %w", err)
	}
	c.models = models
	return c, nil
}

func (c *Cache) evicted(path string, m *stt.Model) {
	c.log.Info("model evicted", slog.String("path", path))
	_ = m.Close()
}

// Get returns a retained handle to the model at path, loading it on a miss.
// Concurrent misses for the same path load once.
func (c *Cache) Get(path string) (*stt.Model, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m, err := c.cached(path)
		if err != nil {
			return nil, err
		}
		owned, err := m.Retain()
		if err == nil {
			return owned, nil
		}
		// Evicted between lookup and retain.
		if !errors.Is(err, stt.ErrModelClosed) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("model %s: %w", path, stt.ErrModelClosed)
}

func (c *Cache) cached(path string) (*stt.Model, error) {
	c.mu.Lock()
	m, ok := c.models.Get(path)
	c.mu.Unlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(path, func() (any, error) {
		c.mu.Lock()
		if m, ok := c.models.Get(path); ok {
			c.mu.Unlock()
			return m, nil
		}
		c.mu.Unlock()

		m, err := c.load(path, c.opts...)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models.Add(path, m)
		c.mu.Unlock()
		c.log.Info("model cached", slog.String("path", path), slog.Int("size", c.Len()))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*stt.Model), nil
}

// Len reports the number of cached models.
func (c *Cache) Len() int {
	return c.models.Len()
}

// Contains reports whether path is cached without touching its recency.
func (c *Cache) Contains(path string) bool {
	return c.models.Contains(path)
}

// Close drops every cached handle.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models.Purge()
}
