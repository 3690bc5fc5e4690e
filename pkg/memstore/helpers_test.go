package memstore_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobboyms/memstore/pkg/provider"
)

// fakeGate is a provider.Gate backed by a plain sync.Mutex.
type fakeGate struct{ mu sync.Mutex }

func (g *fakeGate) Lock()   { g.mu.Lock() }
func (g *fakeGate) Unlock() { g.mu.Unlock() }

// fakeTrx records whether it was committed or cancelled, so tests can
// assert a poisoned Trx never reaches the provider's commit path.
type fakeTrx struct {
	committed bool
	cancelled bool
}

func (t *fakeTrx) Commit(ctx context.Context) error { t.committed = true; return nil }
func (t *fakeTrx) Cancel(ctx context.Context) error { t.cancelled = true; return nil }

// failingTrx always fails Commit, for exercising Trx.Commit's
// provider-failure path.
type failingTrx struct{ cancelled bool }

func (t *failingTrx) Commit(ctx context.Context) error { return fmt.Errorf("boom") }
func (t *failingTrx) Cancel(ctx context.Context) error { t.cancelled = true; return nil }

// fakeProvider is a single in-memory table standing in for
// pkg/diskprovider in tests: it implements provider.Provider plus
// LoadAll/LoadOne/Writer/IdentityAllocator for one (K, E) pair, which is
// all any one test scenario in this package needs at a time.
type fakeProvider[K comparable, E any] struct {
	mu   sync.Mutex
	rows map[K]E
	gate fakeGate

	allocSeq int
	alloc    func(seq int) K

	failCommit bool
	lastTrx    *fakeTrx
}

func newFakeProvider[K comparable, E any](seed map[K]E) *fakeProvider[K, E] {
	if seed == nil {
		seed = make(map[K]E)
	}
	return &fakeProvider[K, E]{rows: seed}
}

func (p *fakeProvider[K, E]) Gate() provider.Gate { return &p.gate }

func (p *fakeProvider[K, E]) Transaction(ctx context.Context) (provider.Trx, error) {
	if p.failCommit {
		return &failingTrx{}, nil
	}
	t := &fakeTrx{}
	p.lastTrx = t
	return t, nil
}

func (p *fakeProvider[K, E]) GC(ctx context.Context) error { return nil }

func (p *fakeProvider[K, E]) LoadAll(ctx context.Context, args any) (map[K]E, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[K]E, len(p.rows))
	for k, v := range p.rows {
		out[k] = v
	}
	return out, nil
}

func (p *fakeProvider[K, E]) LoadOne(ctx context.Context, key K, args any) (E, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.rows[key]
	return v, ok, nil
}

func (p *fakeProvider[K, E]) Upsert(ctx context.Context, trx provider.Trx, key K, entity E) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[key] = entity
	return nil
}

func (p *fakeProvider[K, E]) Delete(ctx context.Context, trx provider.Trx, key K) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, key)
	return nil
}

func (p *fakeProvider[K, E]) AllocateKey(ctx context.Context, trx provider.Trx) (K, error) {
	p.allocSeq++
	return p.alloc(p.allocSeq), nil
}

// person is the standard test entity: identity-keyed, validated, with an
// optional manager edge for the tree/hierarchy/nodeset suites.
type person struct {
	ID         string
	Name       string
	ManagerID  string
	HasManager bool
	DeptID     string
}

func (p *person) Key() string      { return p.ID }
func (p *person) SetKey(k string)  { p.ID = k }
func (p *person) EntityValidate() error {
	if p.Name == "" {
		return fmt.Errorf("name required")
	}
	return nil
}

func seqIDAlloc(prefix string) func(int) string {
	return func(seq int) string { return fmt.Sprintf("%s%d", prefix, seq) }
}
