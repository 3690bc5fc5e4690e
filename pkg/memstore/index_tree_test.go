package memstore_test

import (
	"context"
	"testing"

	"github.com/bobboyms/memstore/pkg/memstore"
)

func parentOfPerson(e *person) (string, bool) { return e.ManagerID, e.HasManager }

func TestTreeAncestorsAndDepth(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"ceo": {ID: "ceo", Name: "Root"},
		"vp":  {ID: "vp", Name: "VP", ManagerID: "ceo", HasManager: true},
		"eng": {ID: "eng", Name: "Eng", ManagerID: "vp", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_tree", memstore.IdentityNone)
	tree := memstore.NewTreeSchema("org_tree", schema, parentOfPerson)
	tree.Register()

	state, err := tree.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	depth, ok := state.Depth("eng")
	if !ok || depth != 2 {
		t.Fatalf("expected depth 2 for eng, got %d ok=%v", depth, ok)
	}
	ancestors := state.Ancestors("eng")
	if len(ancestors) != 2 || ancestors[0] != "vp" || ancestors[1] != "ceo" {
		t.Fatalf("unexpected ancestor chain: %v", ancestors)
	}
}

func TestTreeCycleDetectedAfterRewiring(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"a": {ID: "a", Name: "A", ManagerID: "b", HasManager: true},
		"b": {ID: "b", Name: "B", ManagerID: "a", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_tree2", memstore.IdentityNone)
	tree := memstore.NewTreeSchema("org_tree2", schema, parentOfPerson)
	tree.Register()

	state, err := tree.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	if !state.HasCycle("a") && !state.HasCycle("b") {
		t.Fatalf("expected a<->b cycle to be recorded on at least one node")
	}
	if _, ok := state.Depth("a"); ok {
		t.Fatalf("expected Depth to refuse an answer for a node on a cycle")
	}
}

func TestTreeAppliesRewiringAcrossTransaction(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"ceo": {ID: "ceo", Name: "Root"},
		"vp1": {ID: "vp1", Name: "VP1", ManagerID: "ceo", HasManager: true},
		"vp2": {ID: "vp2", Name: "VP2", ManagerID: "ceo", HasManager: true},
		"eng": {ID: "eng", Name: "Eng", ManagerID: "vp1", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_tree3", memstore.IdentityNone)
	tree := memstore.NewTreeSchema("org_tree3", schema, parentOfPerson)
	tree.Register()

	if _, err := tree.GetOrInit(ctx, tok); err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Insert("eng", &person{ID: "eng", Name: "Eng", ManagerID: "vp2", HasManager: true}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := trx.CommitAndApply(tok); err != nil {
		t.Fatalf("CommitAndApply: %v", err)
	}

	state, err := tree.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit after commit: %v", err)
	}
	parent, ok := state.Parent("eng")
	if !ok || parent != "vp2" {
		t.Fatalf("expected eng reparented under vp2, got %q ok=%v", parent, ok)
	}
}

// TestTreeBaseAndLogReflectsStagedRewiring pins the mid-transaction
// invariant: a trx view built via BaseAndLog must already reflect a
// staged-but-uncommitted reparent, while GetOrInit's committed view (and
// any other transaction's BaseAndLog) must not.
func TestTreeBaseAndLogReflectsStagedRewiring(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"ceo": {ID: "ceo", Name: "Root"},
		"vp1": {ID: "vp1", Name: "VP1", ManagerID: "ceo", HasManager: true},
		"vp2": {ID: "vp2", Name: "VP2", ManagerID: "ceo", HasManager: true},
		"eng": {ID: "eng", Name: "Eng", ManagerID: "vp1", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_tree4", memstore.IdentityNone)
	tree := memstore.NewTreeSchema("org_tree4", schema, parentOfPerson)
	tree.Register()

	if _, err := tree.GetOrInit(ctx, tok); err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}

	trx, err := ctx.Transaction(context.Background())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	view, err := memstore.TableView(trx, tok, schema)
	if err != nil {
		t.Fatalf("TableView: %v", err)
	}
	if err := view.Insert("eng", &person{ID: "eng", Name: "Eng", ManagerID: "vp2", HasManager: true}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	trxView, err := tree.BaseAndLog(ctx, tok, trx.Log())
	if err != nil {
		t.Fatalf("BaseAndLog: %v", err)
	}
	if parent, ok := trxView.Parent("eng"); !ok || parent != "vp2" {
		t.Fatalf("expected trx view to see eng reparented under vp2 before commit, got %q ok=%v", parent, ok)
	}

	committed, err := tree.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	if parent, ok := committed.Parent("eng"); !ok || parent != "vp1" {
		t.Fatalf("expected committed view to still show eng under vp1 before commit, got %q ok=%v", parent, ok)
	}

	trx.Rollback()
}
