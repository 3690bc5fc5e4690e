package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// FlatSet is a bimap projection of a source table: each row's adapter
// yields zero or more (K, V) pairs, and FlatSet keeps both directions —
// forward K -> {V} and reverse V -> {K} — in sync, including a
// distinguished "none" bucket for whichever side of a pair is absent.
type FlatSet[K comparable, V comparable] struct {
	mu      sync.RWMutex
	fwd     map[K]map[V]bool
	rev     map[V]map[K]bool
	noneFwd map[K]bool // keys whose pair had no V
	noneRev map[V]bool // values whose pair had no K
	version uint64
}

func newFlatSet[K comparable, V comparable]() *FlatSet[K, V] {
	return &FlatSet[K, V]{
		fwd:     make(map[K]map[V]bool),
		rev:     make(map[V]map[K]bool),
		noneFwd: make(map[K]bool),
		noneRev: make(map[V]bool),
	}
}

// Pair is one (option<K>, option<V>) member an adapter can yield for a row.
type Pair[K comparable, V comparable] struct {
	K    K
	HasK bool
	V    V
	HasV bool
}

func (s *FlatSet[K, V]) Version() uint64 { s.mu.RLock(); defer s.mu.RUnlock(); return s.version }

// ValuesFor returns every V paired with k.
func (s *FlatSet[K, V]) ValuesFor(k K) map[V]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.fwd[k])
}

// KeysFor returns every K paired with v.
func (s *FlatSet[K, V]) KeysFor(v V) map[K]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.rev[v])
}

func copySet[T comparable](m map[T]bool) map[T]bool {
	out := make(map[T]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

// clone copies the committed bimap so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (s *FlatSet[K, V]) clone() *FlatSet[K, V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := newFlatSet[K, V]()
	for k, set := range s.fwd {
		out.fwd[k] = copySet(set)
	}
	for v, set := range s.rev {
		out.rev[v] = copySet(set)
	}
	out.noneFwd = copySet(s.noneFwd)
	out.noneRev = copySet(s.noneRev)
	out.version = s.version
	return out
}

func (s *FlatSet[K, V]) insertPair(p Pair[K, V]) {
	switch {
	case p.HasK && p.HasV:
		if s.fwd[p.K] == nil {
			s.fwd[p.K] = make(map[V]bool)
		}
		s.fwd[p.K][p.V] = true
		if s.rev[p.V] == nil {
			s.rev[p.V] = make(map[K]bool)
		}
		s.rev[p.V][p.K] = true
	case p.HasK:
		s.noneFwd[p.K] = true
	case p.HasV:
		s.noneRev[p.V] = true
	}
}

func (s *FlatSet[K, V]) removePair(p Pair[K, V]) {
	switch {
	case p.HasK && p.HasV:
		delete(s.fwd[p.K], p.V)
		if len(s.fwd[p.K]) == 0 {
			delete(s.fwd, p.K)
		}
		delete(s.rev[p.V], p.K)
		if len(s.rev[p.V]) == 0 {
			delete(s.rev, p.V)
		}
	case p.HasK:
		delete(s.noneFwd, p.K)
	case p.HasV:
		delete(s.noneRev, p.V)
	}
}

// FlatSetLog is a FlatSet index's per-transaction marker (see TreeLog).
type FlatSetLog struct{}

func newFlatSetLog() FlatSetLog { return FlatSetLog{} }

// FlatSetSchema is the process-wide descriptor for a FlatSet index derived
// from one source table via an adapter yielding the pairs each row
// contributes.
type FlatSetSchema[K comparable, V comparable, SK comparable, SE Entity[SK]] struct {
	name         string
	committedVar slotvar.Var[*FlatSet[K, V]]
	logTok       LogToken[FlatSetLog]
	adapt        func(SE) []Pair[K, V]
	source       sourceBinding[SK, SE]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewFlatSetSchema mints a FlatSet index over table, using adapt to
// extract the (K, V) pairs each row contributes.
func NewFlatSetSchema[K comparable, V comparable, SK comparable, SE Entity[SK]](name string, table *TableSchema[SK, SE], adapt func(SE) []Pair[K, V]) *FlatSetSchema[K, V, SK, SE] {
	s := &FlatSetSchema[K, V, SK, SE]{
		name:         name,
		committedVar: slotvar.NewVar[*FlatSet[K, V]](name),
		adapt:        adapt,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[FlatSetLog](name+".log", OrderFlatSet, s.applyLog)
	return s
}

func (s *FlatSetSchema[K, V, SK, SE]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *FlatSetSchema[K, V, SK, SE]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

// Register hooks staging-time table events so any transaction touching the
// source table also schedules this index's apply function.
func (s *FlatSetSchema[K, V, SK, SE]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key SK, newE *SE) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newFlatSetLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key SK) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newFlatSetLog)
		return err
	})
}

// GetOrInit lazily builds the bimap from every row currently in the
// source table.
func (s *FlatSetSchema[K, V, SK, SE]) GetOrInit(ctx *Context, tok CallToken) (*FlatSet[K, V], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*FlatSet[K, V], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		fs := newFlatSet[K, V]()
		tbl.Iter(func(_ SK, e SE) bool {
			for _, p := range s.adapt(e) {
				fs.insertPair(p)
			}
			return true
		})
		return fs, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeFlatSetDiff replays diffs into fs in place (caller must hold
// fs.mu), returning whether anything changed. Shared by applyLog (against
// committed state) and BaseAndLog (against a private clone).
func mergeFlatSetDiff[K comparable, V comparable, SK comparable, SE any](fs *FlatSet[K, V], adapt func(SE) []Pair[K, V], diffs []diffEntry[SK, SE]) bool {
	changed := false
	for _, d := range diffs {
		var oldPairs, newPairs []Pair[K, V]
		if d.HadOld {
			oldPairs = adapt(d.Old)
		}
		if d.HadNew {
			newPairs = adapt(d.New)
		}
		newSet := make(map[Pair[K, V]]bool, len(newPairs))
		for _, p := range newPairs {
			newSet[p] = true
		}
		oldSet := make(map[Pair[K, V]]bool, len(oldPairs))
		for _, p := range oldPairs {
			oldSet[p] = true
		}
		for p := range oldSet {
			if !newSet[p] {
				fs.removePair(p)
				changed = true
			}
		}
		for p := range newSet {
			if !oldSet[p] {
				fs.insertPair(p)
				changed = true
			}
		}
	}
	return changed
}

func (s *FlatSetSchema[K, V, SK, SE]) applyLog(ctx *Context, _ *FlatSetLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	fs := *val

	fs.mu.Lock()
	changed := mergeFlatSetDiff(fs, s.adapt, s.source.diff(ctx, txLog))
	if changed {
		fs.version++
	}
	fs.mu.Unlock()

	if changed {
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed FlatSet merged
// with this transaction's still-staged source-table log. Returns the
// committed bimap directly, unmodified, when nothing is staged yet.
func (s *FlatSetSchema[K, V, SK, SE]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*FlatSet[K, V], error) {
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
	mergeFlatSetDiff(view, s.adapt, diffs)
	view.mu.Unlock()
	return view, nil
}
