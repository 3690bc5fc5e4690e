package diskprovider

import (
	"context"
	"encoding/json"
	"sync"

	memerrors "github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/provider"
	"github.com/bobboyms/memstore/pkg/query"
	"github.com/bobboyms/memstore/pkg/types"
)

// Store adapts *StorageEngine — the WAL-backed heap plus B+Tree indices
// this package otherwise exposes on its own terms — to the narrow
// provider.Provider the core's Context/Trx consume (spec.md §6). The core
// never sees StorageEngine directly, only this boundary.
type Store struct {
	Engine *StorageEngine

	gateMu sync.Mutex

	tablesMu sync.Mutex
	tables   []string // registered via TableAdapter, for GC's Vacuum sweep
}

// NewStore wraps an already-constructed engine.
func NewStore(engine *StorageEngine) *Store { return &Store{Engine: engine} }

// gateAdapter exposes Store's own mutex as the provider.Gate double-
// checked lazy-init primitives serialize first-init races through.
type gateAdapter struct{ s *Store }

func (g gateAdapter) Lock()   { g.s.gateMu.Lock() }
func (g gateAdapter) Unlock() { g.s.gateMu.Unlock() }

// Gate returns the process-wide init-race serialization gate.
func (s *Store) Gate() provider.Gate { return gateAdapter{s} }

// trxAdapter renames *WriteTransaction's Commit/Rollback to the
// Commit/Cancel pair provider.Trx expects — Go has no implicit drop-time
// rollback, so every non-committing path through the core must reach
// Cancel explicitly (see pkg/provider doc comment on Trx).
type trxAdapter struct{ wtx *WriteTransaction }

func (t *trxAdapter) Commit(ctx context.Context) error { return t.wtx.Commit() }
func (t *trxAdapter) Cancel(ctx context.Context) error { return t.wtx.Rollback() }

// Transaction opens a new provider-level transaction: a WriteTransaction
// buffering puts/deletes for atomic, WAL-ordered commit.
func (s *Store) Transaction(ctx context.Context) (provider.Trx, error) {
	return &trxAdapter{wtx: s.Engine.BeginWriteTransaction()}, nil
}

// GC releases idle provider-side handles by vacuuming every table a
// TableAdapter has registered against this Store.
func (s *Store) GC(ctx context.Context) error {
	s.tablesMu.Lock()
	names := make([]string, len(s.tables))
	copy(names, s.tables)
	s.tablesMu.Unlock()

	for _, name := range names {
		if err := s.Engine.Vacuum(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) registerTable(name string) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	for _, n := range s.tables {
		if n == name {
			return
		}
	}
	s.tables = append(s.tables, name)
}

// TableAdapter binds one memstore entity table to one diskprovider table
// and its primary index, implementing provider.LoadAll, provider.LoadOne,
// provider.Writer, and provider.IdentityAllocator generically over any
// K/E pair via the JSON<->BSON document round trip this package already
// performs (JsonToBson/BsonToJson, pkg/storage/bson.go in the teacher).
//
// E is assumed to be a pointer type, matching memstore.Entity[K]'s own
// convention, so json.Unmarshal can populate a freshly constructed value
// in place. The entity's JSON encoding must carry a field named IndexName
// holding the primary key. Upsert passes ToComparable(key) to
// WriteTransaction.Put, which checks only that key's type against the
// index's declared DataType; the document's field itself is not checked.
type TableAdapter[K comparable, E interface{ Key() K }] struct {
	Engine    *StorageEngine
	TableName string
	IndexName string

	// New constructs a zero value of E ready to be unmarshalled into
	// (typically `func() E { return &Row{} }`).
	New func() E

	// ToComparable converts a core key to the provider's on-disk key
	// encoding (pkg/types.Comparable) — e.g. types.VarcharKey(k) for a
	// string-keyed table.
	ToComparable func(K) types.Comparable

	// AllocateIdentity mints a fresh key for IdentityKey-mode tables
	// (typically `func() string { return diskprovider.GenerateKey() }`
	// composed with a K conversion). Leave nil for tables that never use
	// IdentityKey mode — AllocateKey then reports ProviderNotFound.
	AllocateIdentity func() K
}

// NewTableAdapter mints an adapter and registers its table name with
// store's GC sweep.
func NewTableAdapter[K comparable, E interface{ Key() K }](store *Store, tableName, indexName string) *TableAdapter[K, E] {
	store.registerTable(tableName)
	return &TableAdapter[K, E]{Engine: store.Engine, TableName: tableName, IndexName: indexName}
}

// LoadAll bulk-loads every row for this table. args, if a
// *query.ScanCondition, narrows the scan the same way Tbl[K,E].Scan does
// for reads inside an open transaction; nil means "every row".
func (a *TableAdapter[K, E]) LoadAll(ctx context.Context, args any) (map[K]E, error) {
	var cond *query.ScanCondition
	if c, ok := args.(*query.ScanCondition); ok {
		cond = c
	}
	docs, err := a.Engine.Scan(a.TableName, a.IndexName, cond)
	if err != nil {
		return nil, err
	}
	out := make(map[K]E, len(docs))
	for _, doc := range docs {
		e := a.New()
		if err := json.Unmarshal([]byte(doc), e); err != nil {
			return nil, &memerrors.ConvertFailed{Desc: err.Error()}
		}
		out[e.Key()] = e
	}
	return out, nil
}

// LoadOne point-loads a single row by key, for CacheIsland sub-entities.
func (a *TableAdapter[K, E]) LoadOne(ctx context.Context, key K, args any) (E, bool, error) {
	var zero E
	doc, found, err := a.Engine.Get(a.TableName, a.IndexName, a.ToComparable(key))
	if err != nil || !found {
		return zero, false, err
	}
	e := a.New()
	if err := json.Unmarshal([]byte(doc), e); err != nil {
		return zero, false, &memerrors.ConvertFailed{Desc: err.Error()}
	}
	return e, true, nil
}

// trxOf recovers the concrete *WriteTransaction backing trx, or fails
// with ClientInError if trx did not come from this Store.
func (a *TableAdapter[K, E]) trxOf(trx provider.Trx) (*WriteTransaction, error) {
	t, ok := trx.(*trxAdapter)
	if !ok || t.wtx == nil || t.wtx.engine != a.Engine {
		return nil, &memerrors.ClientInError{Cause: memerrors.Str("trx was not opened by this diskprovider.Store")}
	}
	return t.wtx, nil
}

// Upsert stages a row write inside trx's write set; it becomes durable
// (WAL + heap + index) only when trx.Commit() runs.
func (a *TableAdapter[K, E]) Upsert(ctx context.Context, trx provider.Trx, key K, entity E) error {
	wtx, err := a.trxOf(trx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(entity)
	if err != nil {
		return &memerrors.ConvertFailed{Desc: err.Error()}
	}
	return wtx.Put(a.TableName, a.IndexName, a.ToComparable(key), string(doc))
}

// Delete stages a row removal inside trx's write set.
func (a *TableAdapter[K, E]) Delete(ctx context.Context, trx provider.Trx, key K) error {
	wtx, err := a.trxOf(trx)
	if err != nil {
		return err
	}
	return wtx.Del(a.TableName, a.IndexName, a.ToComparable(key))
}

// AllocateKey mints a fresh identity key via AllocateIdentity, for tables
// registered with memstore.IdentityKey mode.
func (a *TableAdapter[K, E]) AllocateKey(ctx context.Context, trx provider.Trx) (K, error) {
	var zero K
	if a.AllocateIdentity == nil {
		return zero, &memerrors.ProviderNotFound{Name: a.TableName + ".identity"}
	}
	return a.AllocateIdentity(), nil
}

var (
	_ provider.Provider = (*Store)(nil)
)
