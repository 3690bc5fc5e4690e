package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// One is a partial-function projection of a source table: each row's
// adapter yields at most one V, and One keeps K -> V in sync, K being the
// source table's own key.
type One[K comparable, V comparable] struct {
	mu      sync.RWMutex
	rows    map[K]V
	version uint64
}

func newOne[K comparable, V comparable]() *One[K, V] { return &One[K, V]{rows: make(map[K]V)} }

func (o *One[K, V]) Version() uint64 { o.mu.RLock(); defer o.mu.RUnlock(); return o.version }

func (o *One[K, V]) Get(k K) (V, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.rows[k]
	return v, ok
}

// clone copies the committed map so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (o *One[K, V]) clone() *One[K, V] {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := newOne[K, V]()
	for k, v := range o.rows {
		out.rows[k] = v
	}
	out.version = o.version
	return out
}

// OneLog is a One index's per-transaction marker (see TreeLog).
type OneLog struct{}

func newOneLog() OneLog { return OneLog{} }

// OneSchema is the process-wide descriptor for a One index derived from
// one source table via an adapter yielding an optional V per row.
type OneSchema[K comparable, E Entity[K], V comparable] struct {
	name         string
	committedVar slotvar.Var[*One[K, V]]
	logTok       LogToken[OneLog]
	adapt        func(E) (V, bool)
	source       sourceBinding[K, E]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewOneSchema mints a One index over table, using adapt to extract the
// optional V each row contributes.
func NewOneSchema[K comparable, E Entity[K], V comparable](name string, table *TableSchema[K, E], adapt func(E) (V, bool)) *OneSchema[K, E, V] {
	s := &OneSchema[K, E, V]{
		name:         name,
		committedVar: slotvar.NewVar[*One[K, V]](name),
		adapt:        adapt,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[OneLog](name+".log", OrderFlatSet, s.applyLog)
	return s
}

func (s *OneSchema[K, E, V]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *OneSchema[K, E, V]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

func (s *OneSchema[K, E, V]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key K, newE *E) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newOneLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key K) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newOneLog)
		return err
	})
}

func (s *OneSchema[K, E, V]) GetOrInit(ctx *Context, tok CallToken) (*One[K, V], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*One[K, V], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		one := newOne[K, V]()
		tbl.Iter(func(k K, e E) bool {
			if v, ok := s.adapt(e); ok {
				one.rows[k] = v
			}
			return true
		})
		return one, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeOneDiff replays diffs into one in place (caller must hold one.mu),
// returning whether anything changed. Shared by applyLog and BaseAndLog.
func mergeOneDiff[K comparable, E any, V comparable](one *One[K, V], adapt func(E) (V, bool), diffs []diffEntry[K, E]) bool {
	changed := false
	for _, d := range diffs {
		var newV V
		var hasNew bool
		if d.HadNew {
			newV, hasNew = adapt(d.New)
		}
		cur, hadCur := one.rows[d.Key]
		switch {
		case hasNew && (!hadCur || cur != newV):
			one.rows[d.Key] = newV
			changed = true
		case !hasNew && hadCur:
			delete(one.rows, d.Key)
			changed = true
		}
	}
	return changed
}

func (s *OneSchema[K, E, V]) applyLog(ctx *Context, _ *OneLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	one := *val

	one.mu.Lock()
	changed := mergeOneDiff(one, s.adapt, s.source.diff(ctx, txLog))
	if changed {
		one.version++
	}
	one.mu.Unlock()

	if changed {
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed One map merged
// with this transaction's still-staged source-table log. Returns the
// committed map directly, unmodified, when nothing is staged yet.
func (s *OneSchema[K, E, V]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*One[K, V], error) {
	committed, err := s.GetOrInit(ctx, tok)
	if err != nil {
		return nil, err
	}
	diffs := s.source.diff(ctx, txLog)
	if len(diffs) == 0 {
		return committed, nil
	}
	view := committed.clone()
	view.mu.Lock()
	mergeOneDiff(view, s.adapt, diffs)
	view.mu.Unlock()
	return view, nil
}
