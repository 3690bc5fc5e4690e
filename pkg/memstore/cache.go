package memstore

import (
	"context"
	"sync"

	memerrors "github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/provider"
	"github.com/bobboyms/memstore/pkg/slotvar"
)

// CacheIsland is a cacheable sub-entity keyed by K: a point-loaded value
// that never becomes a full resident table, with "untouch-or-drop" GC
// semantics (spec.md §4.10). Every successful Get marks the entry
// touched; a GC pass clears the bit and evicts the entry only if it was
// already clear, i.e. the island survived one whole GC pass untouched
// before being dropped on the next.
type CacheIsland[K comparable, E any] struct {
	mu      sync.Mutex
	entries map[K]*islandEntry[E]
}

type islandEntry[E any] struct {
	val     E
	touched bool
}

func newCacheIsland[K comparable, E any]() *CacheIsland[K, E] {
	return &CacheIsland[K, E]{entries: make(map[K]*islandEntry[E])}
}

func (c *CacheIsland[K, E]) get(key K) (E, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero E
		return zero, false
	}
	e.touched = true
	return e.val, true
}

func (c *CacheIsland[K, E]) put(key K, val E) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &islandEntry[E]{val: val, touched: true}
}

func (c *CacheIsland[K, E]) drop(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// gc is the island's registered GC callback: clear-or-drop over every
// resident entry. No other asset kind in this package registers a GC
// callback, so Context.GC does not visit tables or indexes at all; this
// is the only callback it runs, and it drops entries.
func (c *CacheIsland[K, E]) gc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !e.touched {
			delete(c.entries, k)
			continue
		}
		e.touched = false
	}
}

// CacheIslandSchema is the process-wide descriptor for a CacheIsland of
// point-loaded sub-entities, backed by the provider's LoadOne. Exactly
// one schema instance should exist per logical cache, the same
// one-per-type convention as TableSchema/ObjSchema.
type CacheIslandSchema[K comparable, E any] struct {
	name         string
	committedVar slotvar.Var[*CacheIsland[K, E]]
	loadArgs     any
}

// NewCacheIslandSchema mints a schema for a cache island of point-loaded
// values of type E, keyed by K.
func NewCacheIslandSchema[K comparable, E any](name string) *CacheIslandSchema[K, E] {
	return &CacheIslandSchema[K, E]{
		name:         name,
		committedVar: slotvar.NewVar[*CacheIsland[K, E]](name),
	}
}

// WithLoadArgs attaches a provider-defined args value passed through to
// every LoadOne call this schema makes.
func (s *CacheIslandSchema[K, E]) WithLoadArgs(args any) *CacheIslandSchema[K, E] {
	s.loadArgs = args
	return s
}

// IslandGet point-loads key through the provider the first time it is
// seen in ctx, caching the result thereafter; every access, cached or
// not, marks the entry touched so a concurrent GC pass never drops
// something still in use. tok identifies the calling goroutine chain for
// cycle detection the same way TblOf/Obj do.
func IslandGet[K comparable, E any](ctx *Context, tok CallToken, schema *CacheIslandSchema[K, E], key K) (E, bool, error) {
	var zero E
	release, err := ctx.cycle.enter(tok, schema, schema.name)
	if err != nil {
		return zero, false, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, schema.committedVar, func() (*CacheIsland[K, E], error) {
		return newCacheIsland[K, E](), nil
	})
	if err != nil {
		return zero, false, err
	}
	island := *val
	if didInit {
		ctx.registerGC(func(*Context) { island.gc() })
	}

	if v, ok := island.get(key); ok {
		return v, true, nil
	}

	loader, ok := ctx.provider.(provider.LoadOne[K, E])
	if !ok {
		return zero, false, &memerrors.ProviderNotFound{Name: schema.name}
	}
	v, found, err := loader.LoadOne(context.Background(), key, schema.loadArgs)
	if err != nil || !found {
		return zero, false, err
	}
	island.put(key, v)
	return v, true, nil
}

// IslandPut seeds or overwrites key's cached value directly, without a
// provider round trip, marking it touched. Useful after a transaction
// commit whose effects the caller already knows, so the next IslandGet
// doesn't repeat a LoadOne it can predict the answer to.
func IslandPut[K comparable, E any](ctx *Context, schema *CacheIslandSchema[K, E], key K, val E) {
	v, _, _ := slotvar.GetOrInit(ctx.assets, schema.committedVar, func() (*CacheIsland[K, E], error) {
		return newCacheIsland[K, E](), nil
	})
	(*v).put(key, val)
}

// IslandDrop evicts key immediately, independent of GC's touch-bit sweep
// (e.g. in response to a removed event from the entity this island
// caches sub-records for).
func IslandDrop[K comparable, E any](ctx *Context, schema *CacheIslandSchema[K, E], key K) {
	val, ok := slotvar.Get(ctx.assets, schema.committedVar)
	if !ok {
		return
	}
	(*val).drop(key)
}
