// Package cache keeps loaded models resident for the life of the process so
// repeat requests never pay the load cost again.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/engine"
	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// Cache maps model identifiers to loaded models. It is safe for concurrent
// use, and at most one load per identifier is ever in flight. Models are
// never evicted.
type Cache struct {
	engine  engine.Engine
	threads int
	sink    diag.Sink

	mu     sync.RWMutex
	models map[string]engine.Model
	loads  singleflight.Group
}

// New returns an empty cache that loads through eng.
func New(eng engine.Engine, threads int, sink diag.Sink) *Cache {
	if sink == nil {
		sink = diag.Nop
	}
	return &Cache{
		engine:  eng,
		threads: threads,
		sink:    sink,
		models:  make(map[string]engine.Model),
	}
}

// Get returns the model loaded under id.
func (c *Cache) Get(id string) (engine.Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Loaded returns the identifiers of all resident models, sorted.
func (c *Cache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnsureLoaded makes sure id is resident. A hit returns immediately. A miss
// loads through the engine; concurrent callers for the same id wait for the
// first load and share its outcome. A failed load leaves the cache untouched
// and returns an error wrapping protocol.ErrLoad.
func (c *Cache) EnsureLoaded(id string) error {
	if _, ok := c.Get(id); ok {
		c.sink.Emit(diag.Info(fmt.Sprintf("Model '%s' already loaded (reusing)", id)).With("model", id))
		return nil
	}

	_, err, _ := c.loads.Do(id, func() (any, error) {
		// Another caller may have finished loading id between the Get
		// above and entering Do.
		if m, ok := c.Get(id); ok {
			return m, nil
		}
		return c.load(id)
	})
	return err
}

func (c *Cache) load(id string) (engine.Model, error) {
	c.sink.Emit(diag.Info(fmt.Sprintf("Loading model '%s'...", id)).With("model", id))

	start := time.Now()
	m, err := c.engine.Load(id, c.threads)
	if err == nil && m == nil {
		err = fmt.Errorf("engine returned no model")
	}
	elapsed := time.Since(start)

	if err != nil {
		c.sink.Emit(diag.Error(fmt.Sprintf("Failed to load model: %v", err), nil).
			With("model", id).
			With("elapsed_ms", elapsed.Milliseconds()))
		return nil, protocol.NewError(protocol.ErrLoad, err, "cache: load model %q: %v", id, err)
	}

	c.mu.Lock()
	c.models[id] = m
	c.mu.Unlock()

	c.sink.Emit(diag.Ready(fmt.Sprintf("Model '%s' loaded in %.2fs and ready", id, elapsed.Seconds())).
		With("model", id).
		With("elapsed_ms", elapsed.Milliseconds()))
	return m, nil
}
