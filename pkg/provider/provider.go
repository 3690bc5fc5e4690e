// Package provider declares the narrow interface the core consumes from
// its external persistence collaborator. The core never talks to a SQL
// driver, a schema binder, or a concrete client directly — only to these
// interfaces, enumerated in full here. A concrete implementation (see
// pkg/diskprovider) is an external collaborator the core is tested against,
// never imported by it.
package provider

import "context"

// Gate serializes first-init races across the whole provider: the double-
// checked lazy-init path acquires it only around the init call itself, not
// around unrelated work.
type Gate interface {
	Lock()
	Unlock()
}

// Trx is a provider-level persistence transaction. Commit durably persists
// every staged write; dropping the Trx without calling Commit rolls it
// back (Cancel is implicit on drop in the source this is modeled on, but
// Go has no destructors, so callers must call Cancel explicitly on any
// path that does not Commit).
type Trx interface {
	Commit(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Provider is the full set of capabilities the core's Context and
// Transaction consume. Provider itself is not generic; the per-table
// K (key) and E (entity) type parameters live on LoadAll, LoadOne,
// Writer and IdentityAllocator.
type Provider interface {
	// Gate returns the process-wide init-race serialization gate.
	Gate() Gate

	// Transaction opens a new provider-level transaction.
	Transaction(ctx context.Context) (Trx, error)

	// GC releases idle provider-side handles (e.g. connection pool
	// entries). Never called while a transaction is open.
	GC(ctx context.Context) error
}

// LoadAll bulk-loads every row for entity type E, applying an optional
// provider-defined filter described by args. Tables call this exactly
// once, the first time they are accessed through a Context.
type LoadAll[K comparable, E any] interface {
	LoadAll(ctx context.Context, args any) (map[K]E, error)
}

// LoadOne point-loads a single entity, used by cache-island sub-entities
// that are not resident as a full table.
type LoadOne[K comparable, E any] interface {
	LoadOne(ctx context.Context, key K, args any) (E, bool, error)
}

// Writer performs the row-level writes a committed log drives. trx is the
// Trx returned from Provider.Transaction for the transaction doing the
// writing.
type Writer[K comparable, E any] interface {
	Upsert(ctx context.Context, trx Trx, key K, entity E) error
	Delete(ctx context.Context, trx Trx, key K) error
}

// IdentityAllocator is implemented by providers backing tables configured
// with identity-key mode: a caller-supplied zero key asks the provider to
// allocate the real one before the row is staged.
type IdentityAllocator[K comparable] interface {
	AllocateKey(ctx context.Context, trx Trx) (K, error)
}
