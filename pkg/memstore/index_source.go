package memstore

import "github.com/bobboyms/memstore/pkg/slotvar"

// sourceBinding lets an index's apply function reach into its source
// table's still-unapplied log and its pre-apply committed rows — the
// mechanism behind "base_and_log": an index's ApplyOrder is always lower
// than OrderTable, so at the moment an index applies, the table's own
// apply function has not yet run and its log is still resident in the
// transaction's Log.
type sourceBinding[K comparable, E Entity[K]] struct {
	table *TableSchema[K, E]
}

func bindSource[K comparable, E Entity[K]](table *TableSchema[K, E]) sourceBinding[K, E] {
	return sourceBinding[K, E]{table: table}
}

// diffEntry is one entity's before/after pair as staged by the source
// table's log this transaction.
type diffEntry[K comparable, E any] struct {
	Key    K
	Old    E
	HadOld bool
	New    E
	HadNew bool
}

// diff returns one diffEntry per key touched by the table's staged log.
// If the table was never loaded/touched this transaction there is nothing
// to diff and an empty slice is returned.
func (b sourceBinding[K, E]) diff(ctx *Context, txLog *Log) []diffEntry[K, E] {
	tblPtr, ok := slotvar.Get(ctx.assets, b.table.committedVar)
	if !ok {
		return nil
	}
	tbl := *tblPtr
	tblLog, ok := Peek(txLog, b.table.logTok)
	if !ok {
		return nil
	}
	out := make([]diffEntry[K, E], 0, len(tblLog.entries))
	for key, entry := range tblLog.entries {
		old, hadOld := tbl.Get(key)
		if entry.tomb {
			out = append(out, diffEntry[K, E]{Key: key, Old: old, HadOld: hadOld, HadNew: false})
			continue
		}
		out = append(out, diffEntry[K, E]{Key: key, Old: old, HadOld: hadOld, New: entry.val, HadNew: true})
	}
	return out
}
