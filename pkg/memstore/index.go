package memstore

// ApplyOrder is the total order in which apply functions run during
// commit, ensuring downstream indexes always see already-applied upstream
// state. Lower values apply first.
type ApplyOrder int

const (
	// OrderFlatSet: pure table projections, no dependency on other indexes.
	OrderFlatSet ApplyOrder = 5
	// OrderNodeSet: tree-aware projections; consumes an already-applied Tree.
	OrderNodeSet ApplyOrder = 10
	// OrderTree: parent-chain indexes.
	OrderTree ApplyOrder = 15
	// OrderTable: the base tables themselves.
	OrderTable ApplyOrder = 20
)

// IndexAsset is the interface every index implementation in this package
// presents to the registration/apply pipeline, named here for reference —
// concrete indexes (Tree, Hierarchy, FlatSet, One, OneToMany, SingleSet,
// NodeSet) satisfy it through their own GetOrInit/applyLog methods plus a
// LogToken rather than through a Go interface literal, since each index's
// lazy-load and apply-log signatures are generic over its own K/V and a Go
// interface cannot name generic methods. The comment-level contract is:
//
//   - GetOrInit(ctx, tok) (*Index, error): lazy build from the relevant
//     base table(s), cycle-guarded the same way Context.TblOf/Obj are.
//   - BaseAndLog(ctx, tok, txLog) (*Index, error): the index's trx view —
//     GetOrInit's committed result when the source table has nothing
//     staged this transaction, else a private clone with the source
//     table's still-open log diffed and replayed against it. This is what
//     satisfies "V = f(base_tables ⊕ log)" for a read issued before commit;
//     it never mutates the committed index, which only applyLog touches.
//   - applyLog(ctx, log) (bool, error): merge the log into the committed
//     index; bump its version tag and fire touched() if anything changed.
//   - Register(tableSchema): install the apply function at this index's
//     ApplyOrder and subscribe to the source table's cleared/removed/
//     upserted events so the index log stays consistent as entities change.
type IndexAsset interface {
	indexAssetMarker()
}
