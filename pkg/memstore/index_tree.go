package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// TreeState is the committed state of a Tree index: parent pointers plus
// the set of nodes known to sit on a cycle, so ancestors/descendants/depth
// never loop forever.
type TreeState[K comparable] struct {
	mu      sync.RWMutex
	parent  map[K]K // key present => has a parent
	cycles  map[K]bool
	version uint64
}

func newTreeState[K comparable]() *TreeState[K] {
	return &TreeState[K]{parent: make(map[K]K), cycles: make(map[K]bool)}
}

// Parent returns k's parent, if any.
func (t *TreeState[K]) Parent(k K) (K, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.parent[k]
	return p, ok
}

// HasCycle reports whether k was recorded as participating in a cycle the
// last time its parent chain was walked.
func (t *TreeState[K]) HasCycle(k K) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cycles[k]
}

func (t *TreeState[K]) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Ancestors walks the parent chain from k, stopping at the first repeated
// node (a cycle) rather than looping forever.
func (t *TreeState[K]) Ancestors(k K) []K {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []K
	seen := map[K]bool{k: true}
	cur := k
	for {
		p, ok := t.parent[cur]
		if !ok || seen[p] {
			return out
		}
		out = append(out, p)
		seen[p] = true
		cur = p
	}
}

// Depth returns the distance to the root, or ok=false if k sits on a
// recorded cycle.
func (t *TreeState[K]) Depth(k K) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cycles[k] {
		return 0, false
	}
	depth := 0
	seen := map[K]bool{k: true}
	cur := k
	for {
		p, ok := t.parent[cur]
		if !ok {
			return depth, true
		}
		if seen[p] {
			return 0, false
		}
		seen[p] = true
		cur = p
		depth++
	}
}

// Descendants returns every node reachable by following child links down
// from k, derived by inverting the parent map (Tree itself maintains no
// children index — that is Hierarchy's job).
func (t *TreeState[K]) Descendants(k K) map[K]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	children := make(map[K][]K, len(t.parent))
	for child, p := range t.parent {
		children[p] = append(children[p], child)
	}
	out := make(map[K]bool)
	visited := map[K]bool{k: true}
	stack := append([]K(nil), children[k]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		out[n] = true
		stack = append(stack, children[n]...)
	}
	return out
}

// setParent installs child's new parent and re-checks for a cycle by
// walking up from parent looking for child.
func (t *TreeState[K]) setParent(child K, parent K, hasParent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !hasParent {
		delete(t.parent, child)
		delete(t.cycles, child)
		return
	}
	t.parent[child] = parent
	seen := map[K]bool{child: true}
	cur := parent
	isCycle := false
	for {
		if seen[cur] {
			isCycle = true
			break
		}
		seen[cur] = true
		next, ok := t.parent[cur]
		if !ok {
			break
		}
		cur = next
	}
	if isCycle {
		t.cycles[child] = true
	} else {
		delete(t.cycles, child)
	}
}

func (t *TreeState[K]) removeNode(k K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.parent, k)
	delete(t.cycles, k)
}

// clone copies the committed state so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (t *TreeState[K]) clone() *TreeState[K] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := newTreeState[K]()
	for k, p := range t.parent {
		out.parent[k] = p
	}
	for k, v := range t.cycles {
		out.cycles[k] = v
	}
	out.version = t.version
	return out
}

// TreeLog is a Tree index's per-transaction marker: its mere presence in a
// transaction's Log is what schedules the tree's apply function, since
// the actual diff is read straight from the source table's log (see
// sourceBinding.diff) rather than staged into this log itself.
type TreeLog[K comparable] struct{}

func newTreeLog[K comparable]() TreeLog[K] { return TreeLog[K]{} }

// TreeSchema is the process-wide descriptor for a Tree index derived from
// one source table via a parentOf adapter: entity -> (parent key, has).
type TreeSchema[K comparable, E Entity[K]] struct {
	name         string
	committedVar slotvar.Var[*TreeState[K]]
	logTok       LogToken[TreeLog[K]]
	parentOf     func(E) (K, bool)
	source       sourceBinding[K, E]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewTreeSchema mints a Tree index schema over table, deriving each row's
// parent via parentOf.
func NewTreeSchema[K comparable, E Entity[K]](name string, table *TableSchema[K, E], parentOf func(E) (K, bool)) *TreeSchema[K, E] {
	s := &TreeSchema[K, E]{
		name:         name,
		committedVar: slotvar.NewVar[*TreeState[K]](name),
		parentOf:     parentOf,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[TreeLog[K]](name+".log", OrderTree, s.applyLog)
	return s
}

func (s *TreeSchema[K, E]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *TreeSchema[K, E]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

// Register hooks the index into its source table's staging-time events so
// any transaction that stages an upsert or removal on the table also
// schedules this index's apply function to run (at OrderTree, before the
// table itself applies). Call once per schema, during startup.
func (s *TreeSchema[K, E]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key K, newE *E) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newTreeLog[K])
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key K) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newTreeLog[K])
		return err
	})
}

// GetOrInit lazily builds the tree from every row currently in the source
// table, the first time it is accessed in ctx.
func (s *TreeSchema[K, E]) GetOrInit(ctx *Context, tok CallToken) (*TreeState[K], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*TreeState[K], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		state := newTreeState[K]()
		tbl.Iter(func(k K, e E) bool {
			if p, ok := s.parentOf(e); ok {
				state.setParent(k, p, true)
			}
			return true
		})
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeTreeDiff replays diffs against state in place, returning whether
// anything changed. Shared by applyLog (against committed state) and
// BaseAndLog (against a private clone).
func mergeTreeDiff[K comparable, E any](state *TreeState[K], parentOf func(E) (K, bool), diffs []diffEntry[K, E]) bool {
	changed := false
	for _, d := range diffs {
		if !d.HadNew {
			state.removeNode(d.Key)
			changed = true
			continue
		}
		p, hasP := parentOf(d.New)
		state.setParent(d.Key, p, hasP)
		changed = true
	}
	return changed
}

// applyLog diffs the source table's staged log against the already-loaded
// tree, re-deriving each touched row's parent edge.
func (s *TreeSchema[K, E]) applyLog(ctx *Context, _ *TreeLog[K], txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	state := *val

	changed := mergeTreeDiff(state, s.parentOf, s.source.diff(ctx, txLog))
	if changed {
		state.mu.Lock()
		state.version++
		state.mu.Unlock()
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed TreeState merged
// with this transaction's still-staged source-table log, satisfying
// spec.md's mid-transaction invariant that a trx view equals committed
// state folded with the open log. Returns the committed state directly,
// unmodified, when nothing is staged against the source table yet.
func (s *TreeSchema[K, E]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*TreeState[K], error) {
	committed, err := s.GetOrInit(ctx, tok)
	if err != nil {
		return nil, err
	}
	diffs := s.source.diff(ctx, txLog)
	if len(diffs) == 0 {
		return committed, nil
	}
	view := committed.clone()
	mergeTreeDiff(view, s.parentOf, diffs)
	return view, nil
}
