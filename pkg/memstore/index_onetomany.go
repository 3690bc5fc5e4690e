package memstore

import (
	"sort"
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// OneToMany projects each source row to a (K, V) pair; K maps to a
// sorted, deduplicated sequence of every V seen for it.
type OneToMany[K comparable, V cmp] struct {
	mu      sync.RWMutex
	rows    map[K][]V
	version uint64
}

// cmp is the ordering constraint OneToMany needs for its sorted value
// sequences — the same ordered set spec.md's btree-backed indexes rely on.
type cmp interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~string
}

func newOneToMany[K comparable, V cmp]() *OneToMany[K, V] {
	return &OneToMany[K, V]{rows: make(map[K][]V)}
}

func (m *OneToMany[K, V]) Version() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.version }

// ValuesFor returns k's sorted value sequence.
func (m *OneToMany[K, V]) ValuesFor(k K) []V {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]V, len(m.rows[k]))
	copy(out, m.rows[k])
	return out
}

func (m *OneToMany[K, V]) insert(k K, v V) {
	vals := m.rows[k]
	i := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
	if i < len(vals) && vals[i] == v {
		return
	}
	vals = append(vals, v)
	copy(vals[i+1:], vals[i:])
	vals[i] = v
	m.rows[k] = vals
}

// clone copies the committed rows so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (m *OneToMany[K, V]) clone() *OneToMany[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := newOneToMany[K, V]()
	for k, vals := range m.rows {
		cp := make([]V, len(vals))
		copy(cp, vals)
		out.rows[k] = cp
	}
	out.version = m.version
	return out
}

func (m *OneToMany[K, V]) remove(k K, v V) {
	vals := m.rows[k]
	i := sort.Search(len(vals), func(i int) bool { return vals[i] >= v })
	if i >= len(vals) || vals[i] != v {
		return
	}
	vals = append(vals[:i], vals[i+1:]...)
	if len(vals) == 0 {
		delete(m.rows, k)
		return
	}
	m.rows[k] = vals
}

// OneToManyLog is a OneToMany index's per-transaction marker (see TreeLog).
type OneToManyLog struct{}

func newOneToManyLog() OneToManyLog { return OneToManyLog{} }

// OneToManySchema is the process-wide descriptor for a OneToMany index
// derived from one source table via an adapter yielding zero or one
// (K, V) pair per row.
type OneToManySchema[K comparable, V cmp, SK comparable, SE Entity[SK]] struct {
	name         string
	committedVar slotvar.Var[*OneToMany[K, V]]
	logTok       LogToken[OneToManyLog]
	adapt        func(SE) (K, V, bool)
	source       sourceBinding[SK, SE]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewOneToManySchema mints a OneToMany index over table, using adapt to
// extract the optional (K, V) pair each row contributes.
func NewOneToManySchema[K comparable, V cmp, SK comparable, SE Entity[SK]](name string, table *TableSchema[SK, SE], adapt func(SE) (K, V, bool)) *OneToManySchema[K, V, SK, SE] {
	s := &OneToManySchema[K, V, SK, SE]{
		name:         name,
		committedVar: slotvar.NewVar[*OneToMany[K, V]](name),
		adapt:        adapt,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[OneToManyLog](name+".log", OrderFlatSet, s.applyLog)
	return s
}

func (s *OneToManySchema[K, V, SK, SE]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *OneToManySchema[K, V, SK, SE]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

func (s *OneToManySchema[K, V, SK, SE]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key SK, newE *SE) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newOneToManyLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key SK) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newOneToManyLog)
		return err
	})
}

func (s *OneToManySchema[K, V, SK, SE]) GetOrInit(ctx *Context, tok CallToken) (*OneToMany[K, V], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*OneToMany[K, V], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		otm := newOneToMany[K, V]()
		tbl.Iter(func(_ SK, e SE) bool {
			if k, v, ok := s.adapt(e); ok {
				otm.insert(k, v)
			}
			return true
		})
		return otm, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeOneToManyDiff replays diffs into otm in place (caller must hold
// otm.mu), returning whether anything changed. Shared by applyLog and
// BaseAndLog.
func mergeOneToManyDiff[K comparable, V cmp, SK comparable, SE any](otm *OneToMany[K, V], adapt func(SE) (K, V, bool), diffs []diffEntry[SK, SE]) bool {
	changed := false
	for _, d := range diffs {
		var oldK, newK K
		var oldV, newV V
		var hadOldPair, hadNewPair bool
		if d.HadOld {
			oldK, oldV, hadOldPair = adapt(d.Old)
		}
		if d.HadNew {
			newK, newV, hadNewPair = adapt(d.New)
		}
		if hadOldPair && (!hadNewPair || oldK != newK || oldV != newV) {
			otm.remove(oldK, oldV)
			changed = true
		}
		if hadNewPair && (!hadOldPair || oldK != newK || oldV != newV) {
			otm.insert(newK, newV)
			changed = true
		}
	}
	return changed
}

func (s *OneToManySchema[K, V, SK, SE]) applyLog(ctx *Context, _ *OneToManyLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	otm := *val

	otm.mu.Lock()
	changed := mergeOneToManyDiff(otm, s.adapt, s.source.diff(ctx, txLog))
	if changed {
		otm.version++
	}
	otm.mu.Unlock()

	if changed {
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed OneToMany map
// merged with this transaction's still-staged source-table log. Returns
// the committed map directly, unmodified, when nothing is staged yet.
func (s *OneToManySchema[K, V, SK, SE]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*OneToMany[K, V], error) {
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
	mergeOneToManyDiff(view, s.adapt, diffs)
	view.mu.Unlock()
	return view, nil
}
