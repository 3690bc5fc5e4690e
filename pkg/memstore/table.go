package memstore

import (
	"context"
	"reflect"
	"sync"

	memerrors "github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/provider"
	"github.com/bobboyms/memstore/pkg/query"
	"github.com/bobboyms/memstore/pkg/slotvar"
	"github.com/bobboyms/memstore/pkg/types"
)

// Tbl is the committed, authoritative collection for entity type E keyed
// by K: a hash map plus a monotonic version tag bumped whenever apply
// observed any change. Mutation only ever happens from inside a table's
// apply function, which the context always calls under its write guard;
// the mutex here exists so a reader iterating Tbl directly (bypassing a
// transaction's combined view, e.g. a background reporting job) never
// races a concurrent apply on another goroutine holding the same guard
// reference across a suspension point.
type Tbl[K comparable, E any] struct {
	mu      sync.RWMutex
	rows    map[K]E
	version uint64
	name    string
}

func newTbl[K comparable, E any](name string) *Tbl[K, E] {
	return &Tbl[K, E]{rows: make(map[K]E), name: name}
}

// Version returns the table's opaque invalidation tag.
func (t *Tbl[K, E]) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Get returns the committed value for key, ignoring any open transaction's
// log — callers inside a transaction should go through TblView.Get instead.
func (t *Tbl[K, E]) Get(key K) (E, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.rows[key]
	return e, ok
}

// Len returns the committed row count.
func (t *Tbl[K, E]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Iter calls fn for every committed row, in map order. Stops early if fn
// returns false.
func (t *Tbl[K, E]) Iter(fn func(K, E) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.rows {
		if !fn(k, v) {
			return
		}
	}
}

// Scan iterates committed rows whose extracted key satisfies cond, the same
// pkg/query.ScanCondition predicate pkg/diskprovider evaluates against its
// B+Tree secondary indices. extract pulls the comparable field cond was
// built against out of E (e.g. a department, a date); a nil cond matches
// every row, in which case extract may also be nil. This is a read-only
// enrichment over plain iteration — spec.md only requires keyed
// get/iterate, but the promoted predicate type makes it cheap to offer.
func (t *Tbl[K, E]) Scan(extract func(E) types.Comparable, cond *query.ScanCondition, fn func(K, E) bool) {
	t.Iter(func(k K, e E) bool {
		if cond == nil || cond.Matches(extract(e)) {
			return fn(k, e)
		}
		return true
	})
}

// logEntry is a table log's per-key staged mutation: some(val) is an
// upsert, the tomb flag marks a removal.
type logEntry[E any] struct {
	val  E
	tomb bool
}

// TblLog is a transaction's staged mutations for a single table: key ->
// option<E>. Order within the log does not affect final state; keys are
// unique and the map already enforces that.
type TblLog[K comparable, E any] struct {
	entries map[K]logEntry[E]
}

func newTblLog[K comparable, E any]() TblLog[K, E] {
	return TblLog[K, E]{entries: make(map[K]logEntry[E])}
}

// get returns the log's view of key: (value, present-as-an-upsert).
func (l *TblLog[K, E]) get(key K) (E, bool) {
	e, ok := l.entries[key]
	if !ok || e.tomb {
		var zero E
		return zero, false
	}
	return e.val, true
}

// has reports whether key has any staged entry at all (upsert or tomb).
func (l *TblLog[K, E]) has(key K) bool {
	_, ok := l.entries[key]
	return ok
}

func (l *TblLog[K, E]) stageUpsert(key K, val E) { l.entries[key] = logEntry[E]{val: val} }
func (l *TblLog[K, E]) stageRemove(key K)        { l.entries[key] = logEntry[E]{tomb: true} }

// tableEvents holds every registered handler for one entity type. Staging-
// time events (upserting/upserted/removing) run synchronously inside the
// trx-view call that stages the change and carry the live *Trx; apply-time
// events (removed/cleared/loaded/touched) run later, against the Context,
// once the change has actually been merged into committed state.
type tableEvents[K comparable, E Entity[K]] struct {
	mu        sync.Mutex
	upserting []func(trx *Trx, key K, newE *E) error
	upserted  []func(trx *Trx, key K, old *E, newE E)
	removing  []func(trx *Trx, key K) error

	removedH ctxHandlersWithKV[K, E]
	cleared  ctxHandlers
	loaded   ctxHandlers
	touched  ctxHandlers
}

// ctxHandlersWithKV is the ctx-scoped counterpart of ctxHandlers for
// handlers that also need the affected key/old-value pair (removed).
type ctxHandlersWithKV[K comparable, E any] struct {
	mu  sync.Mutex
	fns []func(ctx *Context, key K, old E)
}

func (h *ctxHandlersWithKV[K, E]) register(fn func(ctx *Context, key K, old E)) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *ctxHandlersWithKV[K, E]) fire(ctx *Context, key K, old E) {
	h.mu.Lock()
	snap := make([]func(*Context, K, E), len(h.fns))
	copy(snap, h.fns)
	h.mu.Unlock()
	for _, fn := range snap {
		fn(ctx, key, old)
	}
}

// TableSchema is the process-wide, one-shot-registered descriptor for an
// entity table: its committed-asset Var, its log token (with ApplyOrder =
// OrderTable, the last phase), identity mode, and event registrations.
// Exactly one TableSchema[K, E] should exist per entity type, constructed
// at package-init time — the schema-binding code that builds one per
// concrete entity type is deliberately left to callers/examples, the same
// way derive-macro-generated registrations are out of scope for the core.
type TableSchema[K comparable, E Entity[K]] struct {
	name     string
	identity IdentityMode
	loadArgs any

	committedVar slotvar.Var[*Tbl[K, E]]
	logTok       LogToken[TblLog[K, E]]

	events tableEvents[K, E]
}

// NewTableSchema mints a schema for entity type E keyed by K.
func NewTableSchema[K comparable, E Entity[K]](name string, identity IdentityMode) *TableSchema[K, E] {
	s := &TableSchema[K, E]{
		name:         name,
		identity:     identity,
		committedVar: slotvar.NewVar[*Tbl[K, E]](name),
	}
	s.logTok = NewLogToken[TblLog[K, E]](name+".log", OrderTable, s.applyLog)
	return s
}

// WithLoadArgs attaches a provider-defined filter/args value passed
// through to LoadAll on first load (e.g. a pkg/query.ScanCondition at the
// diskprovider layer).
func (s *TableSchema[K, E]) WithLoadArgs(args any) *TableSchema[K, E] {
	s.loadArgs = args
	return s
}

// Name returns the table's registered name.
func (s *TableSchema[K, E]) Name() string { return s.name }

// OnUpserting/OnUpserted/OnRemoving/OnRemoved/OnCleared/OnLoaded register
// lifecycle handlers. Registration must happen during the one-shot startup
// phase, before any Context touches this schema — the handler lists are
// append-only and dispatched lock-free via a copy-on-write snapshot.
func (s *TableSchema[K, E]) OnUpserting(fn func(trx *Trx, key K, newE *E) error) {
	s.events.mu.Lock()
	s.events.upserting = append(s.events.upserting, fn)
	s.events.mu.Unlock()
}

func (s *TableSchema[K, E]) OnUpserted(fn func(trx *Trx, key K, old *E, newE E)) {
	s.events.mu.Lock()
	s.events.upserted = append(s.events.upserted, fn)
	s.events.mu.Unlock()
}

func (s *TableSchema[K, E]) OnRemoving(fn func(trx *Trx, key K) error) {
	s.events.mu.Lock()
	s.events.removing = append(s.events.removing, fn)
	s.events.mu.Unlock()
}

func (s *TableSchema[K, E]) OnRemoved(fn func(ctx *Context, key K, old E)) {
	s.events.removedH.register(fn)
}

func (s *TableSchema[K, E]) OnCleared(fn func(ctx *Context)) { s.events.cleared.register(fn) }
func (s *TableSchema[K, E]) OnLoaded(fn func(ctx *Context))  { s.events.loaded.register(fn) }
func (s *TableSchema[K, E]) OnTouched(fn func(ctx *Context)) { s.events.touched.register(fn) }

// load builds the table from scratch via the provider's bulk loader.
func (s *TableSchema[K, E]) load(ctx *Context) (*Tbl[K, E], error) {
	loader, ok := ctx.provider.(provider.LoadAll[K, E])
	if !ok {
		return nil, &memerrors.ProviderNotFound{Name: s.name}
	}
	rows, err := loader.LoadAll(context.Background(), s.loadArgs)
	if err != nil {
		return nil, err
	}
	tbl := newTbl[K, E](s.name)
	tbl.rows = rows
	return tbl, nil
}

// TblOf forces the table described by schema to be resident in ctx,
// loading it through the provider on first access, and returns the
// committed asset. tok identifies the calling goroutine chain for cycle
// detection the same way Context.Obj does.
func TblOf[K comparable, E Entity[K]](ctx *Context, tok CallToken, schema *TableSchema[K, E]) (*Tbl[K, E], error) {
	release, err := ctx.cycle.enter(tok, schema, schema.name)
	if err != nil {
		return nil, err
	}
	defer release()

	val, didInit, err := slotvar.GetOrInit(ctx.assets, schema.committedVar, func() (*Tbl[K, E], error) {
		return schema.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	if didInit {
		schema.events.loaded.fire(ctx)
	}
	return *val, nil
}

// ClearTbl drops the table's cell; the next TblOf reloads it from the
// provider and fires loaded again.
func ClearTbl[K comparable, E Entity[K]](ctx *Context, schema *TableSchema[K, E]) {
	if _, ok := slotvar.Take(ctx.assets, schema.committedVar); ok {
		schema.events.cleared.fire(ctx)
	}
}

// applyLog is the table's apply function, registered at OrderTable (the
// last phase) so every upstream index has already observed the same
// transaction's changes by the time base rows actually move. It never
// needs to peek sibling logs, unlike an index's apply function.
func (s *TableSchema[K, E]) applyLog(ctx *Context, log *TblLog[K, E], _ *Log) (bool, error) {
	val, ok := slotvar.Get(ctx.assets, s.committedVar)
	if !ok {
		return false, nil
	}
	tbl := *val

	type removedPair struct {
		key K
		old E
	}
	var removedList []removedPair
	changed := false

	tbl.mu.Lock()
	for key, entry := range log.entries {
		if entry.tomb {
			if old, exists := tbl.rows[key]; exists {
				delete(tbl.rows, key)
				changed = true
				removedList = append(removedList, removedPair{key, old})
			}
			continue
		}
		if cur, exists := tbl.rows[key]; !exists || !reflect.DeepEqual(cur, entry.val) {
			tbl.rows[key] = entry.val
			changed = true
		}
	}
	if changed {
		tbl.version++
	}
	tbl.mu.Unlock()

	for _, rp := range removedList {
		s.events.removedH.fire(ctx, rp.key, rp.old)
	}
	if changed {
		s.events.touched.fire(ctx)
	}
	return changed, nil
}

// TblView is the transactional trx-view over a table: combined reads
// (base overlaid by log) and log-staging writes, handed back by
// Trx.TblView.
type TblView[K comparable, E Entity[K]] struct {
	tbl    *Tbl[K, E]
	log    *TblLog[K, E]
	trx    *Trx
	schema *TableSchema[K, E]
}

// TableView forces schema's table to be resident, gets or inits its
// transaction log, and returns the combined-view wrapper the spec calls
// an "asset-trx view" — a package-level generic function rather than a
// Trx method, since Go cannot add type parameters to a method beyond
// those of its receiver.
func TableView[K comparable, E Entity[K]](trx *Trx, tok CallToken, schema *TableSchema[K, E]) (*TblView[K, E], error) {
	tbl, err := TblOf(trx.ctx, tok, schema)
	if err != nil {
		return nil, err
	}
	log, err := GetOrInitMut(trx.log, schema.logTok, newTblLog[K, E])
	if err != nil {
		return nil, err
	}
	return &TblView[K, E]{tbl: tbl, log: log, trx: trx, schema: schema}, nil
}

// Get returns the combined-view value for key: the log's entry if one is
// staged (upsert or tombstone), else the committed table's.
func (v *TblView[K, E]) Get(key K) (E, bool) {
	if v.log.has(key) {
		return v.log.get(key)
	}
	return v.tbl.Get(key)
}

// Iter yields the combined view: every staged upsert first, then every
// committed row whose key has no staged entry at all (upsert or tomb).
// Order across the two halves is unspecified, matching the base table's
// own unspecified hash order.
func (v *TblView[K, E]) Iter(fn func(K, E) bool) {
	for k, e := range v.log.entries {
		if e.tomb {
			continue
		}
		if !fn(k, e.val) {
			return
		}
	}
	v.tbl.Iter(func(k K, e E) bool {
		if v.log.has(k) {
			return true
		}
		return fn(k, e)
	})
}

// Scan iterates the combined view restricted to rows whose extracted key
// satisfies cond; a nil cond matches every row. See Tbl.Scan for extract's
// contract.
func (v *TblView[K, E]) Scan(extract func(E) types.Comparable, cond *query.ScanCondition, fn func(K, E) bool) {
	v.Iter(func(k K, e E) bool {
		if cond == nil || cond.Matches(extract(e)) {
			return fn(k, e)
		}
		return true
	})
}

func (v *TblView[K, E]) fireUpserting(key K, e *E) error {
	v.trx.enterChange()
	defer v.trx.exitChange()
	v.schema.events.mu.Lock()
	handlers := make([]func(*Trx, K, *E) error, len(v.schema.events.upserting))
	copy(handlers, v.schema.events.upserting)
	v.schema.events.mu.Unlock()
	for _, h := range handlers {
		if err := h(v.trx, key, e); err != nil {
			return err
		}
	}
	return nil
}

func (v *TblView[K, E]) fireUpserted(key K, old *E, newE E) {
	v.trx.enterChange()
	defer v.trx.exitChange()
	v.schema.events.mu.Lock()
	handlers := make([]func(*Trx, K, *E, E), len(v.schema.events.upserted))
	copy(handlers, v.schema.events.upserted)
	v.schema.events.mu.Unlock()
	for _, h := range handlers {
		h(v.trx, key, old, newE)
	}
}

func (v *TblView[K, E]) fireRemoving(key K) error {
	v.trx.enterChange()
	defer v.trx.exitChange()
	v.schema.events.mu.Lock()
	handlers := make([]func(*Trx, K) error, len(v.schema.events.removing))
	copy(handlers, v.schema.events.removing)
	v.schema.events.mu.Unlock()
	for _, h := range handlers {
		if err := h(v.trx, key); err != nil {
			return err
		}
	}
	return nil
}

// validateAndStage runs EntityValidate (if e implements Validator), stages
// the log entry under key, then fires upserted with the prior combined-
// view value (if any). Shared tail of Insert and InsertMut, once each has
// settled on the effective key.
func (v *TblView[K, E]) validateAndStage(key K, e E) error {
	if val, ok := any(e).(Validator); ok {
		if err := val.EntityValidate(); err != nil {
			v.trx.poison(err)
			return err
		}
	}
	old, hadOld := v.Get(key)
	v.log.stageUpsert(key, e)
	var oldPtr *E
	if hadOld {
		oldPtr = &old
	}
	v.fireUpserted(key, oldPtr, e)
	return nil
}

// Insert stages an upsert for key: runs upserting (may mutate e), then
// EntityValidate if e implements Validator, then stages the log entry,
// then fires upserted with the prior combined-view value (if any). Any
// handler or validation error poisons the transaction.
func (v *TblView[K, E]) Insert(key K, e E, track TrackCtx) error {
	if err := v.fireUpserting(key, &e); err != nil {
		v.trx.poison(err)
		return err
	}
	return v.validateAndStage(key, e)
}

// InsertMut is Insert for identity-keyed tables. The upserting handler
// chain runs first, against whatever key e carries (typically the zero
// value); only once those handlers have had their say does InsertMut
// check whether the schema is configured IdentityKey and e.Key() is still
// the zero value, and if so ask the provider to allocate the real key
// (via e's KeyAssigner.SetKey) before the row is staged. This ordering is
// deliberate: a handler that already assigned a key via SetKey is never
// second-guessed by allocation, and allocation never happens before
// handlers that might want to reject the insert outright. Returns the
// effective key.
func (v *TblView[K, E]) InsertMut(e E, track TrackCtx) (K, error) {
	var zero K
	key := e.Key()
	if err := v.fireUpserting(key, &e); err != nil {
		v.trx.poison(err)
		return zero, err
	}
	key = e.Key()
	if v.schema.identity == IdentityKey && key == zero {
		allocator, ok := v.trx.ctx.provider.(provider.IdentityAllocator[K])
		if !ok {
			err := &memerrors.ProviderNotFound{Name: v.schema.name + ".identity"}
			v.trx.poison(err)
			return zero, err
		}
		allocated, err := allocator.AllocateKey(v.trx.stdctx, v.trx.providerT)
		if err != nil {
			v.trx.poison(err)
			return zero, err
		}
		if assignable, ok := any(e).(KeyAssigner[K]); ok {
			assignable.SetKey(allocated)
		}
		key = allocated
	}
	if err := v.validateAndStage(key, e); err != nil {
		return zero, err
	}
	return key, nil
}

// Remove stages a removal for key iff a value exists in the combined
// view. Fires removing before staging; removed fires later, during apply,
// once the row has actually left committed state.
func (v *TblView[K, E]) Remove(key K, track TrackCtx) error {
	_, exists := v.Get(key)
	if !exists {
		return nil
	}
	if err := v.fireRemoving(key); err != nil {
		v.trx.poison(err)
		return err
	}
	v.log.stageRemove(key)
	return nil
}

// UpdateWith iterates the combined view; for each entity, updater may
// return a modified copy and true to request a staged insert, or the zero
// value and false to leave the entity untouched.
func (v *TblView[K, E]) UpdateWith(updater func(key K, e E) (E, bool), track TrackCtx) error {
	var keys []K
	var vals []E
	v.Iter(func(k K, e E) bool {
		keys = append(keys, k)
		vals = append(vals, e)
		return true
	})
	for i, k := range keys {
		updated, changed := updater(k, vals[i])
		if !changed {
			continue
		}
		if err := v.Insert(k, updated, track); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMutWith is UpdateWith's in-place counterpart: updater is handed a
// pointer to a copy of each combined-view entity and returns whether it
// changed it, rather than returning a fresh value. Useful when E is large
// enough that mutating a single local copy is preferable to constructing
// and returning a new one per row.
func (v *TblView[K, E]) UpdateMutWith(updater func(key K, e *E) bool, track TrackCtx) error {
	var keys []K
	var vals []E
	v.Iter(func(k K, e E) bool {
		keys = append(keys, k)
		vals = append(vals, e)
		return true
	})
	for i, k := range keys {
		if !updater(k, &vals[i]) {
			continue
		}
		if err := v.Insert(k, vals[i], track); err != nil {
			return err
		}
	}
	return nil
}
