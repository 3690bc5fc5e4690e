package memstore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// ApplyFn merges one asset's staged log into the committed context. It
// reports whether anything actually changed. It also receives the whole
// transaction Log (not just its own slot), since an index's apply
// function runs before the source table's (lower ApplyOrder) and must be
// able to Peek the table's still-resident log to synthesize its own
// incremental update — the "base_and_log" mechanism. Apply itself is
// meant to be infallible in the steady state — any condition that could
// reject a log must be raised earlier, during the staging call or during
// commit — but the signature still carries an error so a provider-side
// surprise during apply has somewhere to go rather than panicking.
type ApplyFn func(ctx *Context, txLog *Log) (bool, error)

// regSeq hands out the global, one-shot registration sequence number every
// LogToken is stamped with at schema-construction time. It is what lets
// Log.Apply break ties within the same ApplyOrder value by "first
// NewLogToken call (schema construction) wins" instead of by how a particular transaction
// happened to touch assets.
var regSeq int64 = -1

func nextRegSeq() int64 { return atomic.AddInt64(&regSeq, 1) }

// LogToken binds a log slot's Var handle to the asset's apply function and
// its place in the global apply order. An asset mints exactly one
// LogToken (inside its schema constructor, during the one-shot startup
// registration phase) and passes it to every Log.GetOrInitMut call that
// touches its staged log.
type LogToken[L any] struct {
	Var   slotvar.Var[L]
	Order ApplyOrder
	seq   int64
	Apply func(ctx *Context, log *L, txLog *Log) (bool, error)
}

// NewLogToken mints a token for an asset's log type L, fixing its position
// in the global apply order for the lifetime of the process.
func NewLogToken[L any](name string, order ApplyOrder, apply func(ctx *Context, log *L, txLog *Log) (bool, error)) LogToken[L] {
	return LogToken[L]{Var: slotvar.NewVar[L](name), Order: order, seq: nextRegSeq(), Apply: apply}
}

type orderedApply struct {
	order ApplyOrder
	seq   int64
	fn    ApplyFn
}

// Log owns a transaction's per-asset staged mutations: a slot container
// keyed the same way the context's committed-asset container is, plus the
// set of apply functions commit will replay, sorted by ApplyOrder at apply
// time rather than by the order this transaction happened to touch them.
type Log struct {
	slots *slotvar.Container

	mu    sync.Mutex
	order []orderedApply
}

// NewLog returns an empty transaction log.
func NewLog() *Log {
	return &Log{slots: slotvar.NewContainer()}
}

// GetOrInitMut returns the asset's log, lazily creating it via def the
// first time this log sees that asset touched, and registering the
// asset's apply function at that same moment — so an asset never touched
// by a transaction contributes nothing to commit.
func GetOrInitMut[L any](log *Log, tok LogToken[L], def func() L) (*L, error) {
	val, didInit, err := slotvar.GetOrInit(log.slots, tok.Var, func() (L, error) {
		return def(), nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		v := tok.Var
		apply := tok.Apply
		log.mu.Lock()
		log.order = append(log.order, orderedApply{
			order: tok.Order,
			seq:   tok.seq,
			fn: func(ctx *Context, txLog *Log) (bool, error) {
				cur, ok := slotvar.Take(log.slots, v)
				if !ok {
					return false, nil
				}
				return apply(ctx, cur, txLog)
			},
		})
		log.mu.Unlock()
	}
	return val, nil
}

// Peek returns the asset's log without creating it, for read paths (e.g. a
// trx view's Get) that must not register an apply function just because
// they looked.
func Peek[L any](log *Log, tok LogToken[L]) (*L, bool) {
	return slotvar.Get(log.slots, tok.Var)
}

// Apply replays the apply functions in ApplyOrder (FlatSet -> NodeSet ->
// Tree -> Table), ties broken by registration order, ORing the per-asset
// changed flags. The caller is responsible for holding the context's
// write guard before calling Apply — the function itself does no locking
// of its own.
func (log *Log) Apply(ctx *Context) (bool, error) {
	log.mu.Lock()
	ordered := make([]orderedApply, len(log.order))
	copy(ordered, log.order)
	log.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].order != ordered[j].order {
			return ordered[i].order < ordered[j].order
		}
		return ordered[i].seq < ordered[j].seq
	})

	changed := false
	for _, oa := range ordered {
		c, err := oa.fn(ctx, log)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}
