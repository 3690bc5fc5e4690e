package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// HierarchyState is Tree plus maintained children and descendants bitmap
// projections, so lookups never need to walk the parent chain.
type HierarchyState[K comparable] struct {
	mu          sync.RWMutex
	parent      map[K]K
	children    map[K]map[K]bool
	descendants map[K]map[K]bool
	cycles      map[K]bool
	version     uint64
}

func newHierarchyState[K comparable]() *HierarchyState[K] {
	return &HierarchyState[K]{
		parent:      make(map[K]K),
		children:    make(map[K]map[K]bool),
		descendants: make(map[K]map[K]bool),
		cycles:      make(map[K]bool),
	}
}

func (h *HierarchyState[K]) Version() uint64 { h.mu.RLock(); defer h.mu.RUnlock(); return h.version }

func (h *HierarchyState[K]) Parent(k K) (K, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.parent[k]
	return p, ok
}

func (h *HierarchyState[K]) HasCycle(k K) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cycles[k]
}

// Children returns k's direct children.
func (h *HierarchyState[K]) Children(k K) map[K]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copySet(h.children[k])
}

// Descendants returns everything below k, maintained incrementally rather
// than walked on every call.
func (h *HierarchyState[K]) Descendants(k K) map[K]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copySet(h.descendants[k])
}

func (h *HierarchyState[K]) ancestorsLocked(k K) []K {
	var out []K
	seen := map[K]bool{k: true}
	cur := k
	for {
		p, ok := h.parent[cur]
		if !ok || seen[p] {
			return out
		}
		out = append(out, p)
		seen[p] = true
		cur = p
	}
}

// subtreeLocked collects {node} plus every strict descendant already
// recorded for it.
func (h *HierarchyState[K]) subtreeLocked(node K) map[K]bool {
	moving := map[K]bool{node: true}
	for d := range h.descendants[node] {
		moving[d] = true
	}
	return moving
}

// setParent rewires child under parent (or detaches it if hasParent is
// false), migrating the moving subtree's membership out of the old
// ancestor chain's descendants and into the new one's, then re-checking
// for a cycle by walking up from child.
func (h *HierarchyState[K]) setParent(child K, parent K, hasParent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldParent, hadOldParent := h.parent[child]
	moving := h.subtreeLocked(child)

	if hadOldParent {
		delete(h.children[oldParent], child)
		if len(h.children[oldParent]) == 0 {
			delete(h.children, oldParent)
		}
		for _, anc := range append([]K{oldParent}, h.ancestorsLocked(oldParent)...) {
			for m := range moving {
				delete(h.descendants[anc], m)
			}
		}
	}

	if !hasParent {
		delete(h.parent, child)
		delete(h.cycles, child)
		return
	}

	h.parent[child] = parent
	if h.children[parent] == nil {
		h.children[parent] = make(map[K]bool)
	}
	h.children[parent][child] = true

	for _, anc := range append([]K{parent}, h.ancestorsLocked(parent)...) {
		if h.descendants[anc] == nil {
			h.descendants[anc] = make(map[K]bool)
		}
		for m := range moving {
			h.descendants[anc][m] = true
		}
	}

	seen := map[K]bool{child: true}
	cur := parent
	isCycle := false
	for {
		if seen[cur] {
			isCycle = true
			break
		}
		seen[cur] = true
		next, ok := h.parent[cur]
		if !ok {
			break
		}
		cur = next
	}
	if isCycle {
		h.cycles[child] = true
	} else {
		delete(h.cycles, child)
	}
}

// removeNode detaches node entirely: collects {node} ∪ strict_descendants,
// detaches it from its parent's children, nulls its parent, blanks its own
// children/descendants, and strips the moving set from every ancestor's
// descendants.
func (h *HierarchyState[K]) removeNode(node K) {
	h.mu.Lock()
	defer h.mu.Unlock()

	moving := h.subtreeLocked(node)
	if p, ok := h.parent[node]; ok {
		delete(h.children[p], node)
		if len(h.children[p]) == 0 {
			delete(h.children, p)
		}
		for _, anc := range append([]K{p}, h.ancestorsLocked(p)...) {
			for m := range moving {
				delete(h.descendants[anc], m)
			}
		}
	}
	delete(h.parent, node)
	delete(h.children, node)
	delete(h.descendants, node)
	delete(h.cycles, node)
}

// clone copies the committed state so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (h *HierarchyState[K]) clone() *HierarchyState[K] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := newHierarchyState[K]()
	for k, p := range h.parent {
		out.parent[k] = p
	}
	for k, set := range h.children {
		out.children[k] = copySet(set)
	}
	for k, set := range h.descendants {
		out.descendants[k] = copySet(set)
	}
	for k, v := range h.cycles {
		out.cycles[k] = v
	}
	out.version = h.version
	return out
}

// HierarchyLog is a Hierarchy index's per-transaction marker (see TreeLog).
type HierarchyLog struct{}

func newHierarchyLog() HierarchyLog { return HierarchyLog{} }

// HierarchySchema is the process-wide descriptor for a Hierarchy index
// derived from one source table via a parentOf adapter.
type HierarchySchema[K comparable, E Entity[K]] struct {
	name         string
	committedVar slotvar.Var[*HierarchyState[K]]
	logTok       LogToken[HierarchyLog]
	parentOf     func(E) (K, bool)
	source       sourceBinding[K, E]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewHierarchySchema mints a Hierarchy index over table, deriving each
// row's parent via parentOf.
func NewHierarchySchema[K comparable, E Entity[K]](name string, table *TableSchema[K, E], parentOf func(E) (K, bool)) *HierarchySchema[K, E] {
	s := &HierarchySchema[K, E]{
		name:         name,
		committedVar: slotvar.NewVar[*HierarchyState[K]](name),
		parentOf:     parentOf,
		source:       bindSource(table),
	}
	s.logTok = NewLogToken[HierarchyLog](name+".log", OrderTree, s.applyLog)
	return s
}

func (s *HierarchySchema[K, E]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *HierarchySchema[K, E]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

func (s *HierarchySchema[K, E]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key K, newE *E) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newHierarchyLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key K) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newHierarchyLog)
		return err
	})
}

func (s *HierarchySchema[K, E]) GetOrInit(ctx *Context, tok CallToken) (*HierarchyState[K], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*HierarchyState[K], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		state := newHierarchyState[K]()
		// setParent migrates whatever descendants a node already has when
		// its own parent edge is set, so build order doesn't matter: a
		// child inserted before its parent still gets reconciled once the
		// parent's own edge arrives.
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

// mergeHierarchyDiff replays diffs against state in place, returning
// whether anything changed. Shared by applyLog and BaseAndLog.
func mergeHierarchyDiff[K comparable, E any](state *HierarchyState[K], parentOf func(E) (K, bool), diffs []diffEntry[K, E]) bool {
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

func (s *HierarchySchema[K, E]) applyLog(ctx *Context, _ *HierarchyLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	state := *val

	changed := mergeHierarchyDiff(state, s.parentOf, s.source.diff(ctx, txLog))
	if changed {
		state.mu.Lock()
		state.version++
		state.mu.Unlock()
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed HierarchyState
// merged with this transaction's still-staged source-table log. Returns
// the committed state directly, unmodified, when nothing is staged yet.
func (s *HierarchySchema[K, E]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*HierarchyState[K], error) {
	committed, err := s.GetOrInit(ctx, tok)
	if err != nil {
		return nil, err
	}
	diffs := s.source.diff(ctx, txLog)
	if len(diffs) == 0 {
		return committed, nil
	}
	view := committed.clone()
	mergeHierarchyDiff(view, s.parentOf, diffs)
	return view, nil
}
