package memstore_test

import (
	"context"
	"testing"

	"github.com/bobboyms/memstore/pkg/memstore"
	"github.com/bobboyms/memstore/pkg/query"
	"github.com/bobboyms/memstore/pkg/types"
)

func newPeopleSchema() *memstore.TableSchema[string, *person] {
	return memstore.NewTableSchema[string, *person]("people", memstore.IdentityKey)
}

func TestInsertNotVisibleBeforeCommit(t *testing.T) {
	p := newFakeProvider[string, *person](nil)
	p.alloc = seqIDAlloc("p")
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	key, err := view.InsertMut(&person{Name: "Ada"}, nil)
	if err != nil {
		t.Fatalf("InsertMut: %v", err)
	}
	if key != "p1" {
		t.Fatalf("expected allocated key p1, got %q", key)
	}

	// A second, independent transaction's view must not see the staged row.
	trx2, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction 2: %v", err)
	}
	view2, err := memstore.TableView(trx2, tok, schema)
	if err != nil {
		t.Fatalf("TableView 2: %v", err)
	}
	if _, ok := view2.Get(key); ok {
		t.Fatalf("row visible before the staging transaction committed")
	}
	trx2.Rollback()

	if _, err := trx.CommitAndApply(tok); err != nil {
		t.Fatalf("CommitAndApply: %v", err)
	}

	trx3, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction 3: %v", err)
	}
	view3, err := memstore.TableView(trx3, tok, schema)
	if err != nil {
		t.Fatalf("TableView 3: %v", err)
	}
	got, ok := view3.Get(key)
	if !ok || got.Name != "Ada" {
		t.Fatalf("expected committed row visible, got %+v ok=%v", got, ok)
	}
	trx3.Rollback()
}

func TestRemoveThenReinsertWithinOneTransaction(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"p1": {ID: "p1", Name: "Ada"},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Remove("p1", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := view.Get("p1"); ok {
		t.Fatalf("row still visible after staged removal")
	}
	if err := view.Insert("p1", &person{ID: "p1", Name: "Ada Lovelace"}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := view.Get("p1")
	if !ok || got.Name != "Ada Lovelace" {
		t.Fatalf("expected reinserted row visible in same trx, got %+v ok=%v", got, ok)
	}

	if _, err := trx.CommitAndApply(tok); err != nil {
		t.Fatalf("CommitAndApply: %v", err)
	}

	tbl, err := memstore.TblOf(ctx, tok, schema)
	if err != nil {
		t.Fatalf("TblOf: %v", err)
	}
	final, ok := tbl.Get("p1")
	if !ok || final.Name != "Ada Lovelace" {
		t.Fatalf("expected Ada Lovelace committed, got %+v ok=%v", final, ok)
	}
}

func TestIterCombinesLogAndBaseWithoutDuplicates(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"p1": {ID: "p1", Name: "Ada"},
		"p2": {ID: "p2", Name: "Grace"},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Insert("p2", &person{ID: "p2", Name: "Grace Hopper"}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := view.Insert("p3", &person{ID: "p3", Name: "Margaret"}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	seen := map[string]string{}
	view.Iter(func(k string, e *person) bool {
		seen[k] = e.Name
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct rows in combined view, got %d (%v)", len(seen), seen)
	}
	if seen["p1"] != "Ada" || seen["p2"] != "Grace Hopper" || seen["p3"] != "Margaret" {
		t.Fatalf("unexpected combined view: %v", seen)
	}
	trx.Rollback()
}

// TestInsertMutAllocatesAfterUpsertingHandlers pins SPEC_FULL.md's open
// question 2: upserting handlers run against the caller-supplied key first,
// and only once they have all succeeded does the provider get asked to
// allocate a real key for a still-zero one.
func TestInsertMutAllocatesAfterUpsertingHandlers(t *testing.T) {
	p := newFakeProvider[string, *person](nil)
	p.alloc = seqIDAlloc("p")
	schema := newPeopleSchema()

	var sawKeyDuringUpserting string
	sawAlloc := false
	schema.OnUpserting(func(trx *memstore.Trx, key string, newE **person) error {
		sawKeyDuringUpserting = key
		if key != "" {
			sawAlloc = true
		}
		return nil
	})

	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	key, err := view.InsertMut(&person{Name: "Katherine"}, nil)
	if err != nil {
		t.Fatalf("InsertMut: %v", err)
	}
	if sawAlloc {
		t.Fatalf("upserting handler observed an already-allocated key %q", sawKeyDuringUpserting)
	}
	if sawKeyDuringUpserting != "" {
		t.Fatalf("expected upserting to see the zero key, got %q", sawKeyDuringUpserting)
	}
	if key != "p1" {
		t.Fatalf("expected allocated key p1, got %q", key)
	}
	trx.Rollback()
}

func TestInsertFailsValidation(t *testing.T) {
	p := newFakeProvider[string, *person](nil)
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Insert("p1", &person{ID: "p1"}, nil); err == nil {
		t.Fatalf("expected validation error for empty name")
	}
	if !trx.Poisoned() {
		t.Fatalf("expected transaction to be poisoned after validation failure")
	}
	if _, err := trx.Commit(); err == nil {
		t.Fatalf("expected Commit to fail on a poisoned transaction")
	}
}

// TestScanFiltersByCondition pins SPEC_FULL.md's query supplement: Scan is
// built on pkg/query.ScanCondition, the same predicate type diskprovider
// evaluates against its B+Tree secondary indices, rather than a bare Go
// closure.
func TestScanFiltersByCondition(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"p1": {ID: "p1", Name: "Ada", DeptID: "eng"},
		"p2": {ID: "p2", Name: "Grace", DeptID: "ops"},
		"p3": {ID: "p3", Name: "Margaret", DeptID: "eng"},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	extract := func(e *person) types.Comparable { return types.VarcharKey(e.DeptID) }

	tbl, err := memstore.TblOf(ctx, tok, schema)
	if err != nil {
		t.Fatalf("TblOf: %v", err)
	}
	var committedMatches []string
	tbl.Scan(extract, query.Equal(types.VarcharKey("eng")), func(k string, e *person) bool {
		committedMatches = append(committedMatches, k)
		return true
	})
	if len(committedMatches) != 2 {
		t.Fatalf("expected 2 committed rows in eng, got %v", committedMatches)
	}

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Insert("p4", &person{ID: "p4", Name: "Katherine", DeptID: "eng"}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := view.Remove("p1", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var viewMatches []string
	view.Scan(extract, query.Equal(types.VarcharKey("eng")), func(k string, e *person) bool {
		viewMatches = append(viewMatches, k)
		return true
	})
	if len(viewMatches) != 2 {
		t.Fatalf("expected 2 combined-view rows in eng (p3, p4), got %v", viewMatches)
	}
	for _, k := range viewMatches {
		if k == "p1" {
			t.Fatalf("removed row p1 leaked into Scan results: %v", viewMatches)
		}
	}
	trx.Rollback()
}

// TestUpdateMutWithMutatesInPlace exercises UpdateMutWith, the in-place
// counterpart of UpdateWith required alongside it.
func TestUpdateMutWithMutatesInPlace(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"p1": {ID: "p1", Name: "Ada", DeptID: "eng"},
		"p2": {ID: "p2", Name: "Grace", DeptID: "ops"},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	schema := newPeopleSchema()
	tok := memstore.NewCallToken()

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}

	err = view.UpdateMutWith(func(key string, e **person) bool {
		if (*e).DeptID != "eng" {
			return false
		}
		*e = &person{ID: (*e).ID, Name: (*e).Name, DeptID: "engineering"}
		return true
	}, nil)
	if err != nil {
		t.Fatalf("UpdateMutWith: %v", err)
	}

	p1, ok := view.Get("p1")
	if !ok || p1.DeptID != "engineering" {
		t.Fatalf("expected p1 staged with engineering dept, got %+v ok=%v", p1, ok)
	}
	p2, ok := view.Get("p2")
	if !ok || p2.DeptID != "ops" {
		t.Fatalf("expected p2 untouched, got %+v ok=%v", p2, ok)
	}
	trx.Rollback()
}
