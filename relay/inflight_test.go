package relay

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestInflightAcquireRelease(t *testing.T) {
	f := newInflight()
	payer := common.HexToAddress("0x01")
	nonce := common.HexToHash("0x02")

	release, ok := f.acquire(payer, nonce)
	if !ok {
		t.Fatal("first acquire must succeed")
	}
	if _, ok := f.acquire(payer, nonce); ok {
		t.Error("second acquire of a held pair must fail")
	}

	// A different nonce for the same payer is independent.
	otherRelease, ok := f.acquire(payer, common.HexToHash("0x03"))
	if !ok {
		t.Error("distinct nonce must acquire independently")
	}
	otherRelease()

	release()
	release() // idempotent

	if _, ok := f.acquire(payer, nonce); !ok {
		t.Error("acquire must succeed again after release")
	}
}

func TestInflightConcurrentAcquire(t *testing.T) {
	f := newInflight()
	payer := common.HexToAddress("0x01")
	nonce := common.HexToHash("0x02")

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan func(), n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, ok := f.acquire(payer, nonce); ok {
				wins <- release
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for release := range wins {
		count++
		release()
	}
	if count != 1 {
		t.Errorf("expected exactly one winner, got %d", count)
	}
}
