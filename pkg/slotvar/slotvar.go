// Package slotvar implements the heterogeneous, append-only slot container
// used for both the committed-asset registry and a transaction's staged
// logs: a map from compile-time-unique Var[T] handles to lazily-initialized
// cells holding a value of the matching T.
package slotvar

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// nextID mints process-wide unique Var indices. Shared across every T, since
// the container itself is type-erased internally and only the Var recovers
// the static type at the call site.
var nextID int64 = -1

// Var is a compile-time-minted, process-unique index into a Container. It
// carries its value type T in the type system, so Get/GetOrInit/Take/GetMut
// are always type-checked at the call site; there is no reflection-based
// downcast a caller can get wrong.
type Var[T any] struct {
	id   int
	name string
}

// NewVar mints a new handle. Call it from a package-level var initializer,
// one per asset/log type, the way the teacher mints one B+Tree per index.
func NewVar[T any](name string) Var[T] {
	id := int(atomic.AddInt64(&nextID, 1))
	return Var[T]{id: id, name: name}
}

func (v Var[T]) Name() string { return v.name }

type cell struct {
	once sync.Once
	val  any // always a *T for the Var[T] that owns this cell
	ok   bool
}

// Container is the Send+Sync-safe heterogeneous map. A single mutex gates
// growth of the backing slice and first-init races. Reads are not
// lock-free: Get takes the same mutex to look up a cell, even one that
// is already populated.
type Container struct {
	mu    sync.Mutex
	cells []*cell
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{}
}

func (c *Container) cellFor(id int) *cell {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= len(c.cells) {
		grown := make([]*cell, id+1)
		copy(grown, c.cells)
		c.cells = grown
	}
	if c.cells[id] == nil {
		c.cells[id] = &cell{}
	}
	return c.cells[id]
}

// Get returns the cell's value, non-blocking. ok is false iff the cell has
// never been successfully initialized (or was Take-n).
func Get[T any](c *Container, v Var[T]) (*T, bool) {
	c.mu.Lock()
	var cl *cell
	if v.id < len(c.cells) {
		cl = c.cells[v.id]
	}
	c.mu.Unlock()
	if cl == nil || !cl.ok {
		return nil, false
	}
	return cl.val.(*T), true
}

// GetOrInit initializes the cell via initFn the first time it is observed
// empty; concurrent callers for the same Var are serialized by the cell's
// sync.Once so initFn runs at most once. initFn must not recurse into
// GetOrInit for the same handle on the same goroutine chain — see the
// cycle-dependency guard in the core package for the enforced version of
// that rule.
//
// The returned bool is true iff this call is the one that ran initFn
// (useful for firing a one-shot "loaded" event exactly once, outside the
// gate — see the core Context.TblOf/Obj).
func GetOrInit[T any](c *Container, v Var[T], initFn func() (T, error)) (*T, bool, error) {
	cl := c.cellFor(v.id)
	var initErr error
	didInit := false
	cl.once.Do(func() {
		val, err := initFn()
		if err != nil {
			initErr = err
			return
		}
		cl.val = &val
		cl.ok = true
		didInit = true
	})
	if initErr != nil {
		// Allow the next caller to retry: replace the spent Once with a
		// fresh cell rather than caching the failure forever.
		c.mu.Lock()
		c.cells[v.id] = &cell{}
		c.mu.Unlock()
		return nil, false, initErr
	}
	if !cl.ok {
		return nil, false, fmt.Errorf("slotvar: %s: concurrent initializer observed no value", v.name)
	}
	return cl.val.(*T), didInit, nil
}

// Take removes the cell's value; the next Get returns ok=false.
func Take[T any](c *Container, v Var[T]) (*T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.id >= len(c.cells) || c.cells[v.id] == nil || !c.cells[v.id].ok {
		return nil, false
	}
	cl := c.cells[v.id]
	c.cells[v.id] = &cell{}
	return cl.val.(*T), true
}

// GetMut returns the same pointer Get would, for callers that already hold
// whatever exclusive guard the container's owner requires (e.g. the phased
// lock's write guard). The container does not itself serialize mutation
// through the returned pointer.
func GetMut[T any](c *Container, v Var[T]) (*T, bool) {
	return Get(c, v)
}
