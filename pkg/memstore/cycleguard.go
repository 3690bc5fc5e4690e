package memstore

import (
	"sync"

	memerrors "github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/latch"
)

// CallToken identifies one logical caller across a sequence of
// Context.TblOf/Obj calls. It is the same token type latch.PhasedLock uses
// across a read/queue/write upgrade — Context.Read and Context.ApplyLog
// pass it straight through to the lock — so one token per request/
// goroutine chain serves both the deadlock guard and the cycle guard. Go
// has no goroutine-local storage, so callers thread this explicitly.
type CallToken = latch.Token

// NewCallToken mints a token for one logical caller. Create one per
// request/goroutine chain and reuse it across every TblOf/Obj call that
// chain makes, so the cycle guard can tell direct self-recursion apart
// from two independent readers loading unrelated assets concurrently.
func NewCallToken() CallToken { return latch.NewToken() }

// cycleGuard is a per-token set of assets currently being initialized.
// Keyed by the asset's schema pointer, which is the idiomatic Go stand-in
// for a TypeId: exactly one schema instance exists per asset type, minted
// once at registration time and never copied.
type cycleGuard struct {
	mu       sync.Mutex
	inFlight map[CallToken]map[any]struct{}
}

func newCycleGuard() *cycleGuard {
	return &cycleGuard{inFlight: make(map[CallToken]map[any]struct{})}
}

// enter registers key as being initialized by tok. Direct self-recursion —
// tok re-entering the same key before its first call returns — fails with
// CycleDepInit. Nested, independent inits (a different key, or the same
// key from a different token) are allowed. The returned func must be
// called exactly once to release the guard, typically via defer.
func (g *cycleGuard) enter(tok CallToken, key any, name string) (func(), error) {
	g.mu.Lock()
	set, ok := g.inFlight[tok]
	if !ok {
		set = make(map[any]struct{})
		g.inFlight[tok] = set
	}
	if _, already := set[key]; already {
		g.mu.Unlock()
		return nil, &memerrors.CycleDepInit{AssetName: name}
	}
	set[key] = struct{}{}
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.inFlight[tok], key)
		if len(g.inFlight[tok]) == 0 {
			delete(g.inFlight, tok)
		}
		g.mu.Unlock()
	}, nil
}
