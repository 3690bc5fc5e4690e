package memstore

import (
	"context"
	"sync"

	"github.com/bobboyms/memstore/pkg/latch"
	"github.com/bobboyms/memstore/pkg/provider"
	"github.com/bobboyms/memstore/pkg/slotvar"
)

// Options configures a Context, plain-struct style with a Default
// constructor rather than functional options — the teacher never reaches
// for a config library (see pkg/wal/options.go) and neither does this.
type Options struct {
	// Provider is the external persistence collaborator. Required.
	Provider provider.Provider
}

// DefaultOptions returns the zero-value-safe baseline; callers still must
// set Provider before calling New.
func DefaultOptions() Options {
	return Options{}
}

// Context owns the slot container of resident assets (tables, indexes,
// and arbitrary cached objects), the provider handle, and the phased lock
// every reader/writer coordinates through. It is the in-memory mirror of
// the relational persistence tier described at package level.
type Context struct {
	assets   *slotvar.Container
	provider provider.Provider
	lock     *latch.PhasedLock
	cycle    *cycleGuard

	gcMu     sync.Mutex
	gcAssets []func(*Context)
}

// New constructs a Context around the given options. Assets are not
// loaded until first accessed through TblOf/Obj.
func New(opts Options) *Context {
	return &Context{
		assets:   slotvar.NewContainer(),
		provider: opts.Provider,
		lock:     latch.New(),
		cycle:    newCycleGuard(),
	}
}

// Provider returns the context's persistence collaborator.
func (ctx *Context) Provider() provider.Provider { return ctx.provider }

// Lock returns the phased lock coordinating reads, queued writers, and the
// single active writer over this context.
func (ctx *Context) Lock() *latch.PhasedLock { return ctx.lock }

// Read acquires a read guard for tok. Callers doing a plain read (no
// intent to write) should Release it as soon as they are done; holding it
// past the read blocks every future writer from ever reaching the write
// phase.
func (ctx *Context) Read(tok CallToken) *latch.ReadGuard { return ctx.lock.Read(tok) }

// registerGC records an asset's gc() callback, invoked by Context.GC.
func (ctx *Context) registerGC(fn func(*Context)) {
	ctx.gcMu.Lock()
	ctx.gcAssets = append(ctx.gcAssets, fn)
	ctx.gcMu.Unlock()
}

// ObjSchema is a process-wide, one-shot-registered handle for a cached
// object asset that is not an entity table: a computed singleton, a
// secondary grouping structure, or an index (see index.go). Exactly one
// ObjSchema[A] instance should exist per logical asset; construct it at
// package-init time the way the teacher constructs one B+Tree per index.
type ObjSchema[A any] struct {
	name string
	v    slotvar.Var[A]
	init func(ctx *Context) (A, error)

	loaded  ctxHandlers
	cleared ctxHandlers
}

// NewObjSchema mints a schema for a cached object of type A, built lazily
// by init on first access.
func NewObjSchema[A any](name string, init func(ctx *Context) (A, error)) *ObjSchema[A] {
	return &ObjSchema[A]{name: name, v: slotvar.NewVar[A](name), init: init}
}

// OnLoaded registers a handler fired once, the first time this asset is
// successfully initialized in a given Context.
func (s *ObjSchema[A]) OnLoaded(fn func(ctx *Context)) { s.loaded.register(fn) }

// OnCleared registers a handler fired after Clear drops this asset.
func (s *ObjSchema[A]) OnCleared(fn func(ctx *Context)) { s.cleared.register(fn) }

// Obj lazily initializes and returns the cached object described by
// schema, forcing load on first access the same way Context.TblOf does for
// tables. Reentry through the same token while still initializing the
// same schema fails with CycleDepInit rather than deadlocking.
func Obj[A any](ctx *Context, tok CallToken, schema *ObjSchema[A]) (*A, error) {
	release, err := ctx.cycle.enter(tok, schema, schema.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, schema.v, func() (A, error) {
		return schema.init(ctx)
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		schema.loaded.fire(ctx)
	}
	return val, nil
}

// ClearObj drops the cached object's cell; the next Obj call reinitializes
// it from scratch and fires loaded again.
func ClearObj[A any](ctx *Context, schema *ObjSchema[A]) {
	if _, ok := slotvar.Take(ctx.assets, schema.v); ok {
		schema.cleared.fire(ctx)
	}
}

// Transaction opens a new Trx: a fresh provider-level transaction, an
// empty log, and an open error gate.
func (ctx *Context) Transaction(stdctx context.Context) (*Trx, error) {
	ptrx, err := ctx.provider.Transaction(stdctx)
	if err != nil {
		return nil, err
	}
	return &Trx{
		ctx:       ctx,
		stdctx:    stdctx,
		providerT: ptrx,
		log:       NewLog(),
	}, nil
}

// ApplyLog consumes log's apply functions against this context under an
// exclusive write guard and reports whether anything changed. Code that
// already holds the context's write guard calls log.Apply directly, to
// avoid acquiring the guard twice.
func (ctx *Context) ApplyLog(tok CallToken, log *Log) (bool, error) {
	rg := ctx.lock.Read(tok)
	qg, err := rg.Queue()
	if err != nil {
		return false, err
	}
	wg, err := qg.Write()
	if err != nil {
		qg.Drop().Release()
		return false, err
	}
	defer wg.Release()
	return log.Apply(ctx)
}

// GC invokes the provider's GC followed by the central GC event: every
// registered asset receives gc() on its cell. Must only be called while
// holding at least a queue guard — it is never safe inside an open
// transaction, since provider GC may close handles a live transaction is
// using.
func (ctx *Context) GC(stdctx context.Context) error {
	if err := ctx.provider.GC(stdctx); err != nil {
		return err
	}
	ctx.gcMu.Lock()
	snap := make([]func(*Context), len(ctx.gcAssets))
	copy(snap, ctx.gcAssets)
	ctx.gcMu.Unlock()
	for _, fn := range snap {
		fn(ctx)
	}
	return nil
}
