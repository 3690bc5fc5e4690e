package memstore

// Entity is the contract a table's element type must satisfy: a hashable,
// cloneable key recoverable from the value itself. E is normally a pointer
// type so event handlers and identity-key allocation can mutate it in
// place, the same way the teacher's Table/Transaction structs are always
// handled by pointer.
type Entity[K comparable] interface {
	Key() K
}

// Validator is implemented by entities that want insert-time validation.
// EntityValidate runs after the upserting handlers have had a chance to
// mutate the entity and before upserted fires; a non-nil error poisons the
// transaction the same way a handler error does.
type Validator interface {
	EntityValidate() error
}

// KeyAssigner is implemented by entities configured for IdentityKey mode.
// InsertMut calls SetKey once the provider has allocated the real key, so
// the caller-visible Key() reflects the allocated value from that point on.
type KeyAssigner[K comparable] interface {
	SetKey(K)
}

// TrackCtx is opaque per-change metadata a caller attaches to a staged
// mutation (e.g. an audit actor, a request id). The core never inspects
// it; it is threaded through purely so event handlers can read it back.
type TrackCtx any

// IdentityMode selects how a table resolves a caller-supplied zero key on
// insert_mut.
type IdentityMode int

const (
	// IdentityNone: insert_mut behaves exactly like insert; no allocation.
	IdentityNone IdentityMode = iota
	// IdentityField: the provider fills in one field of the entity (not
	// necessarily the whole key) before the row is durably written.
	IdentityField
	// IdentityKey: a caller-supplied zero key asks the provider to
	// allocate the real key before the row is staged.
	IdentityKey
)
