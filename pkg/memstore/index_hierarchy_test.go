package memstore_test

import (
	"context"
	"testing"

	"github.com/bobboyms/memstore/pkg/memstore"
)

func TestHierarchyDescendantsMigrateOnReparent(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"ceo": {ID: "ceo", Name: "Root"},
		"vp1": {ID: "vp1", Name: "VP1", ManagerID: "ceo", HasManager: true},
		"vp2": {ID: "vp2", Name: "VP2", ManagerID: "ceo", HasManager: true},
		"eng": {ID: "eng", Name: "Eng", ManagerID: "vp1", HasManager: true},
		"jr":  {ID: "jr", Name: "Jr", ManagerID: "eng", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_hier", memstore.IdentityNone)
	hier := memstore.NewHierarchySchema("org_hier", schema, parentOfPerson)
	hier.Register()

	state, err := hier.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	if !state.Descendants("vp1")["jr"] {
		t.Fatalf("expected jr to be a descendant of vp1 before reparenting")
	}
	if state.Descendants("vp2")["jr"] {
		t.Fatalf("jr should not be a descendant of vp2 yet")
	}

	tbl, err := memstore.TblOf(ctx, tok, schema)
	if err != nil {
		t.Fatalf("TblOf: %v", err)
	}
	_ = tbl

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

	state, err = hier.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit after commit: %v", err)
	}
	if state.Descendants("vp1")["jr"] {
		t.Fatalf("jr should have migrated out of vp1's descendants")
	}
	if !state.Descendants("vp2")["jr"] {
		t.Fatalf("jr should have migrated into vp2's descendants (via eng)")
	}
	if !state.Children("vp2")["eng"] {
		t.Fatalf("expected eng to be a direct child of vp2")
	}
}

// TestHierarchyBaseAndLogReflectsStagedReparent mirrors the Tree suite's
// mid-transaction invariant test for Hierarchy's descendant projection.
func TestHierarchyBaseAndLogReflectsStagedReparent(t *testing.T) {
	p := newFakeProvider[string, *person](map[string]*person{
		"ceo": {ID: "ceo", Name: "Root"},
		"vp1": {ID: "vp1", Name: "VP1", ManagerID: "ceo", HasManager: true},
		"vp2": {ID: "vp2", Name: "VP2", ManagerID: "ceo", HasManager: true},
		"eng": {ID: "eng", Name: "Eng", ManagerID: "vp1", HasManager: true},
		"jr":  {ID: "jr", Name: "Jr", ManagerID: "eng", HasManager: true},
	})
	ctx := memstore.New(memstore.Options{Provider: p})
	tok := memstore.NewCallToken()
	schema := memstore.NewTableSchema[string, *person]("people_hier2", memstore.IdentityNone)
	hier := memstore.NewHierarchySchema("org_hier2", schema, parentOfPerson)
	hier.Register()

	if _, err := hier.GetOrInit(ctx, tok); err != nil {
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

	trxView, err := hier.BaseAndLog(ctx, tok, trx.Log())
	if err != nil {
		t.Fatalf("BaseAndLog: %v", err)
	}
	if !trxView.Descendants("vp2")["jr"] {
		t.Fatalf("expected trx view to already show jr under vp2 before commit")
	}
	if trxView.Descendants("vp1")["jr"] {
		t.Fatalf("expected trx view to no longer show jr under vp1 before commit")
	}

	committed, err := hier.GetOrInit(ctx, tok)
	if err != nil {
		t.Fatalf("GetOrInit: %v", err)
	}
	if committed.Descendants("vp2")["jr"] {
		t.Fatalf("expected committed view to not yet show jr under vp2")
	}
	if !committed.Descendants("vp1")["jr"] {
		t.Fatalf("expected committed view to still show jr under vp1")
	}

	trx.Rollback()
}
