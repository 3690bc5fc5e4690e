package memstore

import (
	"context"
	"sync/atomic"

	memerrors "github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/provider"
)

// Trx wraps a Context, a provider-level transaction, a staged Log, and an
// error gate. Every asset-trx operation (Insert/Remove/UpdateWith/...) that
// fails sets the gate; once set, Commit always fails with TransactionError
// without ever reaching the provider.
type Trx struct {
	ctx       *Context
	stdctx    context.Context
	providerT provider.Trx
	log       *Log

	poisoned atomic.Bool
	poisonErr atomic.Value // error

	changeDepth atomic.Int32
}

// Ctx returns the transaction's parent context, for asset-trx views that
// need to reach other assets (e.g. an InsertMut allocating a key).
func (trx *Trx) Ctx() *Context { return trx.ctx }

// StdContext returns the standard context.Context this transaction was
// opened with, for provider calls made on the caller's behalf.
func (trx *Trx) StdContext() context.Context { return trx.stdctx }

// Log returns the transaction's staged log, for asset-trx constructors.
func (trx *Trx) Log() *Log { return trx.log }

// ChangeDepth reports the current nesting depth of transactional event
// dispatch on this transaction: 0 outside any handler, 1 while the first
// upserting/upserted/removing handler for a staged change is
// running, 2+ while that handler's own staged change is itself cascading
// through another handler. Handlers use it to self-limit cascades.
func (trx *Trx) ChangeDepth() int { return int(trx.changeDepth.Load()) }

// enterChange/exitChange bracket one level of transactional event
// dispatch. Dispatch within a transaction is single-threaded by contract
// (see package docs), so a plain counter suffices — no task-local needed.
func (trx *Trx) enterChange() { trx.changeDepth.Add(1) }
func (trx *Trx) exitChange()  { trx.changeDepth.Add(-1) }

// poison sets the error gate. Idempotent: only the first error is kept.
func (trx *Trx) poison(err error) {
	if trx.poisoned.CompareAndSwap(false, true) {
		trx.poisonErr.Store(err)
	}
}

// Poisoned reports whether any asset-trx operation on this transaction has
// failed so far.
func (trx *Trx) Poisoned() bool { return trx.poisoned.Load() }

// Commit fails immediately if the error gate is set; otherwise it commits
// the provider-level transaction and returns the owned log for the caller
// to apply under the context's write guard (via Context.ApplyLog or
// CommitAndApply). A poisoned or provider-failed commit cancels the
// provider transaction instead and never touches in-memory state.
func (trx *Trx) Commit() (*Log, error) {
	if trx.poisoned.Load() {
		_ = trx.providerT.Cancel(trx.stdctx)
		cause, _ := trx.poisonErr.Load().(error)
		return nil, &memerrors.TransactionError{Cause: cause}
	}
	if err := trx.providerT.Commit(trx.stdctx); err != nil {
		_ = trx.providerT.Cancel(trx.stdctx)
		return nil, &memerrors.TransactionError{Cause: err}
	}
	return trx.log, nil
}

// Rollback cancels the provider-level transaction and discards the log.
// Safe to call whether or not the gate is poisoned; a caller that commits
// successfully should not also call Rollback.
func (trx *Trx) Rollback() error {
	return trx.providerT.Cancel(trx.stdctx)
}

// CommitAndApply commits the provider transaction and, on success,
// immediately applies the resulting log under the context's write guard —
// the common case where the caller has no reason to defer the apply step.
func (trx *Trx) CommitAndApply(tok CallToken) (bool, error) {
	log, err := trx.Commit()
	if err != nil {
		return false, err
	}
	return trx.ctx.ApplyLog(tok, log)
}
