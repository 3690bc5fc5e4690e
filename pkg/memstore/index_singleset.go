package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// SingleSet tracks membership of a source table's keys, as decided by an
// adapter predicate over each row.
type SingleSet[K comparable] struct {
	mu      sync.RWMutex
	members map[K]bool
	version uint64
}

func newSingleSet[K comparable]() *SingleSet[K] { return &SingleSet[K]{members: make(map[K]bool)} }

func (s *SingleSet[K]) Version() uint64 { s.mu.RLock(); defer s.mu.RUnlock(); return s.version }

func (s *SingleSet[K]) Has(k K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[k]
}

// clone copies the committed membership set so BaseAndLog can replay a
// trx's still-staged diff without ever mutating committed state itself.
func (s *SingleSet[K]) clone() *SingleSet[K] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := newSingleSet[K]()
	out.members = copySet(s.members)
	out.version = s.version
	return out
}

// SingleSetLog is a SingleSet index's per-transaction marker (see TreeLog).
type SingleSetLog struct{}

func newSingleSetLog() SingleSetLog { return SingleSetLog{} }

// SingleSetSchema is the process-wide descriptor for a SingleSet index
// derived from one source table via a membership predicate.
type SingleSetSchema[K comparable, E Entity[K]] struct {
	name         string
	committedVar slotvar.Var[*SingleSet[K]]
	logTok       LogToken[SingleSetLog]
	member       func(E) bool
	source       sourceBinding[K, E]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewSingleSetSchema mints a SingleSet index over table, using member to
// decide whether a row belongs.
func NewSingleSetSchema[K comparable, E Entity[K]](name string, table *TableSchema[K, E], member func(E) bool) *SingleSetSchema[K, E] {
	s := &SingleSetSchema[K, E]{
		name:         name,
		committedVar: slotvar.NewVar[*SingleSet[K]](name),
		member:       member,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[SingleSetLog](name+".log", OrderFlatSet, s.applyLog)
	return s
}

func (s *SingleSetSchema[K, E]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *SingleSetSchema[K, E]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

func (s *SingleSetSchema[K, E]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key K, newE *E) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newSingleSetLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key K) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newSingleSetLog)
		return err
	})
}

func (s *SingleSetSchema[K, E]) GetOrInit(ctx *Context, tok CallToken) (*SingleSet[K], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*SingleSet[K], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		set := newSingleSet[K]()
		tbl.Iter(func(k K, e E) bool {
			if s.member(e) {
				set.members[k] = true
			}
			return true
		})
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeSingleSetDiff replays diffs into set in place (caller must hold
// set.mu), returning whether anything changed. Shared by applyLog and
// BaseAndLog.
func mergeSingleSetDiff[K comparable, E any](set *SingleSet[K], member func(E) bool, diffs []diffEntry[K, E]) bool {
	changed := false
	for _, d := range diffs {
		wantsMember := d.HadNew && member(d.New)
		isMember := set.members[d.Key]
		switch {
		case wantsMember && !isMember:
			set.members[d.Key] = true
			changed = true
		case !wantsMember && isMember:
			delete(set.members, d.Key)
			changed = true
		}
	}
	return changed
}

func (s *SingleSetSchema[K, E]) applyLog(ctx *Context, _ *SingleSetLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	set := *val

	set.mu.Lock()
	changed := mergeSingleSetDiff(set, s.member, s.source.diff(ctx, txLog))
	if changed {
		set.version++
	}
	set.mu.Unlock()

	if changed {
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed SingleSet merged
// with this transaction's still-staged source-table log. Returns the
// committed set directly, unmodified, when nothing is staged yet.
func (s *SingleSetSchema[K, E]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*SingleSet[K], error) {
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
	mergeSingleSetDiff(view, s.member, diffs)
	view.mu.Unlock()
	return view, nil
}
