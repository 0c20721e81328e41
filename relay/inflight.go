package relay

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// inflight tracks (payer, nonce) pairs currently moving through
// verify→submit, so two concurrent requests carrying the same authorization
// cannot both reach submission. The on-chain one-time nonce remains the final
// arbiter; this lock just resolves the race cheaply in-process.
type inflight struct {
	mu   sync.Mutex
	keys map[inflightKey]struct{}
}

type inflightKey struct {
	payer common.Address
	nonce common.Hash
}

func newInflight() *inflight {
	return &inflight{keys: make(map[inflightKey]struct{})}
}

// acquire marks the pair as in-flight. It returns false when another request
// already holds it, and otherwise a release function that must be called
// exactly once when the request reaches a terminal state.
func (f *inflight) acquire(payer common.Address, nonce common.Hash) (release func(), ok bool) {
	key := inflightKey{payer: payer, nonce: nonce}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return nil, false
	}
	f.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.keys, key)
			f.mu.Unlock()
		})
	}, true
}
