package memstore

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/slotvar"
)

// NodeSet maps each tree node K to the set of entity keys currently
// resident at that node (e.g. "every asset parked under department p").
// Value identity is always the source row's own key, per its adapter's
// (option<K>) projection. Lookups can fold in a node's own descendants
// via the companion Tree index (see Contains).
type NodeSet[K comparable, E comparable] struct {
	mu      sync.RWMutex
	byNode  map[K]map[E]bool
	nodeOf  map[E]K
	version uint64
}

func newNodeSet[K comparable, E comparable]() *NodeSet[K, E] {
	return &NodeSet[K, E]{byNode: make(map[K]map[E]bool), nodeOf: make(map[E]K)}
}

func (n *NodeSet[K, E]) Version() uint64 { n.mu.RLock(); defer n.mu.RUnlock(); return n.version }

// AtNode returns every key whose node is exactly k (no descendant folding).
func (n *NodeSet[K, E]) AtNode(k K) map[E]bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return copySet(n.byNode[k])
}

// clone copies the committed membership so BaseAndLog can replay a trx's
// still-staged diff without ever mutating committed state itself.
func (n *NodeSet[K, E]) clone() *NodeSet[K, E] {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := newNodeSet[K, E]()
	for node, set := range n.byNode {
		out.byNode[node] = copySet(set)
	}
	for key, node := range n.nodeOf {
		out.nodeOf[key] = node
	}
	out.version = n.version
	return out
}

func (n *NodeSet[K, E]) setNode(key E, node K, hasNode bool) {
	if cur, had := n.nodeOf[key]; had {
		delete(n.byNode[cur], key)
		if len(n.byNode[cur]) == 0 {
			delete(n.byNode, cur)
		}
		delete(n.nodeOf, key)
	}
	if !hasNode {
		return
	}
	if n.byNode[node] == nil {
		n.byNode[node] = make(map[E]bool)
	}
	n.byNode[node][key] = true
	n.nodeOf[key] = node
}

// NodeSetLog is a NodeSet index's per-transaction marker (see TreeLog).
type NodeSetLog struct{}

func newNodeSetLog() NodeSetLog { return NodeSetLog{} }

// treeNodeEntity lets a NodeSet name its companion Tree index's entity
// type parameter when the tree's nodes are plain K values with no table
// of their own — NodeSet only ever reads the Tree's committed state,
// never builds one over this placeholder type.
type treeNodeEntity[K comparable] struct{ key K }

func (e treeNodeEntity[K]) Key() K { return e.key }

// NodeSetSchema is the process-wide descriptor for a NodeSet index: a
// table projection (adapter yields an optional tree-node key per row)
// that also consults a Tree index so reads can fold in descendant nodes.
//
// ApplyOrder places NodeSet (10) ahead of Tree (15), so at the moment
// NodeSet applies, the companion Tree index has not yet merged this same
// transaction's parent-chain edits into its own committed state.
// NodeSet's apply function therefore never reads Tree's committed state
// for rows this transaction touched — it relies solely on the adapter's
// own before/after values from the source table's diff, exactly like any
// other table projection. Tree is only consulted by the read-side
// Contains helper, which is the one place a caller needs "as of after
// this transaction's tree edits" — and that only runs once both indexes
// have applied, never from inside NodeSet's own apply function.
type NodeSetSchema[K comparable, E Entity[E2], E2 comparable] struct {
	name         string
	committedVar slotvar.Var[*NodeSet[K, E2]]
	logTok       LogToken[NodeSetLog]
	adapt        func(E) (K, bool)
	source       sourceBinding[E2, E]
	tree         *TreeSchema[K, treeNodeEntity[K]]

	touched ctxHandlers
	cleared ctxHandlers
}

// NewNodeSetSchema mints a NodeSet index over table, using adapt to
// extract the optional tree-node key each row resides at, and tree to
// answer descendant-folding reads via Contains.
func NewNodeSetSchema[K comparable, E2 comparable, E Entity[E2]](name string, table *TableSchema[E2, E], adapt func(E) (K, bool), tree *TreeSchema[K, treeNodeEntity[K]]) *NodeSetSchema[K, E, E2] {
	s := &NodeSetSchema[K, E, E2]{
		name:         name,
		committedVar: slotvar.NewVar[*NodeSet[K, E2]](name),
		adapt:        adapt,
		source:       bindSource(table),
		tree:         tree,
	}
	s.logTok = NewLogToken[NodeSetLog](name+".log", OrderNodeSet, s.applyLog)
	return s
}

func (s *NodeSetSchema[K, E, E2]) OnTouched(fn func(*Context)) { s.touched.register(fn) }
func (s *NodeSetSchema[K, E, E2]) OnCleared(fn func(*Context)) { s.cleared.register(fn) }

func (s *NodeSetSchema[K, E, E2]) Register() {
	s.source.table.OnUpserting(func(trx *Trx, key E2, newE *E) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newNodeSetLog)
		return err
	})
	s.source.table.OnRemoving(func(trx *Trx, key E2) error {
		_, err := GetOrInitMut(trx.log, s.logTok, newNodeSetLog)
		return err
	})
}

func (s *NodeSetSchema[K, E, E2]) GetOrInit(ctx *Context, tok CallToken) (*NodeSet[K, E2], error) {
	release, err := ctx.cycle.enter(tok, s, s.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, s.committedVar, func() (*NodeSet[K, E2], error) {
		tbl, err := TblOf(ctx, tok, s.source.table)
		if err != nil {
			return nil, err
		}
		ns := newNodeSet[K, E2]()
		tbl.Iter(func(k E2, e E) bool {
			if node, ok := s.adapt(e); ok {
				ns.setNode(k, node, true)
			}
			return true
		})
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		s.touched.fire(ctx)
	}
	return *val, nil
}

// mergeNodeSetDiff replays diffs into ns in place (caller must hold
// ns.mu), returning whether anything changed. Shared by applyLog and
// BaseAndLog.
func mergeNodeSetDiff[K comparable, E2 comparable, E any](ns *NodeSet[K, E2], adapt func(E) (K, bool), diffs []diffEntry[E2, E]) bool {
	changed := false
	for _, d := range diffs {
		var node K
		var hasNode bool
		if d.HadNew {
			node, hasNode = adapt(d.New)
		}
		cur, hadCur := ns.nodeOf[d.Key]
		if !hadCur && !hasNode {
			continue
		}
		if hadCur && hasNode && cur == node {
			continue
		}
		ns.setNode(d.Key, node, hasNode)
		changed = true
	}
	return changed
}

func (s *NodeSetSchema[K, E, E2]) applyLog(ctx *Context, _ *NodeSetLog, txLog *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	ns := *val

	ns.mu.Lock()
	changed := mergeNodeSetDiff(ns, s.adapt, s.source.diff(ctx, txLog))
	if changed {
		ns.version++
	}
	ns.mu.Unlock()

	if changed {
		s.touched.fire(ctx)
	}
	return changed, nil
}

// BaseAndLog returns the index's trx view: the committed NodeSet merged
// with this transaction's still-staged source-table log. Returns the
// committed set directly, unmodified, when nothing is staged yet. Like
// applyLog, it never consults the companion Tree — only Contains folds
// descendants in, and only against committed state.
func (s *NodeSetSchema[K, E, E2]) BaseAndLog(ctx *Context, tok CallToken, txLog *Log) (*NodeSet[K, E2], error) {
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
	mergeNodeSetDiff(view, s.adapt, diffs)
	view.mu.Unlock()
	return view, nil
}

// Contains folds the Tree index's descendants into node's own AtNode set,
// answering "is key parked at node or anywhere below it" — the shape
// spec's NodeSet scenario (rewiring a subtree, then checking membership
// at the new root) expects. Call only once both NodeSet and Tree have
// applied, e.g. from a fresh read after commit, never from inside either
// index's own apply function.
func (s *NodeSetSchema[K, E, E2]) Contains(ctx *Context, tok CallToken, node K, key E2) (bool, error) {
	ns, err := s.GetOrInit(ctx, tok)
	if err != nil {
		return false, err
	}
	if ns.AtNode(node)[key] {
		return true, nil
	}
	if s.tree == nil {
		return false, nil
	}
	tree, err := s.tree.GetOrInit(ctx, tok)
	if err != nil {
		return false, err
	}
	for desc := range tree.Descendants(node) {
		if ns.AtNode(desc)[key] {
			return true, nil
		}
	}
	return false, nil
}
