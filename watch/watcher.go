// Package watch confirms settlement of an expected payment. A Watcher runs
// two independent detection strategies against one deduplicated result set: a
// live Transfer-log subscription, and a periodic reconciliation poll that
// re-queries recent logs over a bounded lookback window and compares the
// payee's balance against a snapshot taken at start. The first match wins;
// the consumer sees exactly one settlement notification per expectation.
//
// Transport failures are observation errors, not payment failures: one
// strategy going down never aborts the other, and absence of a signal is
// never reported as non-payment.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/chain"
	"github.com/payterm/payterm-go/retry"
)

// balanceDeltaKey is the synthetic dedup key for balance-only detection,
// which has no transaction hash.
const balanceDeltaKey = "balance-delta"

// Backend is the read surface a watcher needs. *chain.Client implements it;
// tests substitute fakes. One backend may serve many watchers concurrently:
// each watcher owns its subscriptions, so cancelling one never severs
// another's.
type Backend interface {
	WatchTransfers(ctx context.Context, recipient common.Address, sink chan<- chain.Transfer) (ethereum.Subscription, error)
	FilterTransfers(ctx context.Context, recipient common.Address, fromBlock, toBlock uint64) ([]chain.Transfer, error)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config tunes the watcher's strategies.
type Config struct {
	// PollInterval is the reconciliation period. Default 10s.
	PollInterval time.Duration

	// LookbackBlocks bounds how far behind the head the poll re-queries logs,
	// covering subscription downtime. Default 10.
	LookbackBlocks uint64

	// Reconnect drives the subscription backoff state machine. Default:
	// 5 attempts, 1s initial delay doubling up to 10s.
	Reconnect retry.Config

	// Clock overrides the time source for tests.
	Clock func() time.Time

	// Logger receives observation errors. Defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = 10
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher confirms one PaymentExpectation. Create with New, run with Start,
// tear down with Stop (idempotent). A watcher is single-use: superseding the
// expectation means stopping this watcher and starting a new one.
type Watcher struct {
	backend Backend
	exp     payterm.PaymentExpectation
	cfg     Config

	out    chan payterm.SettlementEvent
	cancel context.CancelFunc

	mu        sync.Mutex
	seen      map[string]struct{}
	delivered bool
	closed    bool
	baseline  *big.Int
	lastBlock uint64

	subDown   bool
	pollFails int

	stopOnce sync.Once
	started  bool
}

// New creates a watcher for the expectation. The expectation is copied; the
// watcher never mutates the caller's value.
func New(backend Backend, exp payterm.PaymentExpectation, cfg Config) *Watcher {
	cfg.withDefaults()
	return &Watcher{
		backend: backend,
		exp:     exp,
		cfg:     cfg,
		out:     make(chan payterm.SettlementEvent, 1),
		seen:    make(map[string]struct{}),
	}
}

// Start snapshots the payee balance, launches both strategies and returns the
// notification channel. The channel delivers at most one event and is closed
// when the watcher stops for any reason (settlement, expiry, Stop).
func (w *Watcher) Start(ctx context.Context) (<-chan payterm.SettlementEvent, error) {
	if w.started {
		return nil, errors.New("watcher already started")
	}
	if w.exp.Expired(w.cfg.Clock()) {
		return nil, payterm.ErrExpectationExpired
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)

	// Balance snapshot for delta detection. A failure here is tolerated: the
	// first successful poll read becomes the baseline instead.
	if balance, err := retry.WithRetry(ctx, retry.DefaultConfig, anyError, func() (*big.Int, error) {
		return w.backend.BalanceOf(ctx, w.exp.Payee)
	}); err == nil {
		w.baseline = balance
	} else {
		w.cfg.Logger.Warn("balance snapshot unavailable, deferring baseline", "payee", w.exp.Payee, "err", err)
	}
	if head, err := w.backend.BlockNumber(ctx); err == nil {
		w.lastBlock = head
	}

	go w.subscribeLoop(ctx)
	go w.pollLoop(ctx)
	go w.expiryTimer(ctx)

	return w.out, nil
}

// Stop cancels both strategies and closes the notification channel. Safe to
// call any number of times, from any goroutine.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Lock()
		if !w.closed {
			w.closed = true
			close(w.out)
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) expiryTimer(ctx context.Context) {
	delay := time.Unix(w.exp.Expiry, 0).Sub(w.cfg.Clock())
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		w.cfg.Logger.Info("payment expectation expired", "order", w.exp.OrderID)
		w.Stop()
	}
}

// subscribeLoop drives the event-subscription strategy through the explicit
// backoff state machine. Exhausting the reconnect budget abandons only this
// strategy; the poll keeps running.
func (w *Watcher) subscribeLoop(ctx context.Context) {
	backoff := retry.NewBackoff(w.cfg.Reconnect)

	for ctx.Err() == nil {
		sink := make(chan chain.Transfer, 16)
		sub, err := w.backend.WatchTransfers(ctx, w.exp.Payee, sink)
		if err != nil {
			if errors.Is(err, chain.ErrNoStreamingEndpoint) {
				w.cfg.Logger.Info("no streaming endpoint, poll strategy only")
				w.markSubscriptionDown()
				return
			}
			w.cfg.Logger.Warn("transfer subscription failed", "err", err)
			if !backoff.Failure() {
				w.cfg.Logger.Warn("subscription retries exhausted, poll strategy only")
				w.markSubscriptionDown()
				return
			}
			if backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		backoff.Success()

	connected:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case transfer := <-sink:
				w.observeTransfer(transfer, false)
			case err := <-sub.Err():
				sub.Unsubscribe()
				if err != nil {
					w.cfg.Logger.Warn("transfer subscription dropped", "err", err)
				}
				break connected
			}
		}

		if !backoff.Failure() {
			w.cfg.Logger.Warn("subscription retries exhausted, poll strategy only")
			w.markSubscriptionDown()
			return
		}
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}

// pollLoop drives the reconciliation strategy: recent logs over the lookback
// window plus the balance-delta comparison.
func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	logsOK := w.pollLogs(ctx)
	balanceOK := w.pollBalance(ctx)

	if !logsOK && !balanceOK {
		w.pollFails++
	} else {
		w.pollFails = 0
	}
	// Only when every strategy is simultaneously dark is the consumer-visible
	// silence no longer meaningful; say so loudly, once per occurrence.
	if w.pollFails == 3 && w.subscriptionDown() {
		w.cfg.Logger.Error("all detection strategies failing", "order", w.exp.OrderID)
	}
}

func (w *Watcher) pollLogs(ctx context.Context) bool {
	head, err := w.backend.BlockNumber(ctx)
	if err != nil {
		w.cfg.Logger.Warn("block number query failed", "err", err)
		return false
	}

	from := uint64(0)
	if head > w.cfg.LookbackBlocks {
		from = head - w.cfg.LookbackBlocks
	}
	if w.lastBlock > from && w.lastBlock <= head {
		from = w.lastBlock
	}

	transfers, err := w.backend.FilterTransfers(ctx, w.exp.Payee, from, head)
	if err != nil {
		w.cfg.Logger.Warn("transfer lookback failed", "err", err)
		return false
	}
	for _, t := range transfers {
		w.observeTransfer(t, true)
	}
	w.lastBlock = head
	return true
}

func (w *Watcher) pollBalance(ctx context.Context) bool {
	balance, err := w.backend.BalanceOf(ctx, w.exp.Payee)
	if err != nil {
		w.cfg.Logger.Warn("balance poll failed", "err", err)
		return false
	}

	w.mu.Lock()
	baseline := w.baseline
	if baseline == nil {
		w.baseline = balance
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	// Same expiry bound as the log paths. Checked after the read, so a slow
	// RPC response straddling the expiry cannot settle a dead expectation.
	if w.exp.Expired(w.cfg.Clock()) {
		return true
	}

	delta := new(big.Int).Sub(balance, baseline)
	if delta.Cmp(w.exp.Amount) >= 0 {
		w.emit(balanceDeltaKey, payterm.SettlementEvent{
			Amount:    delta,
			Method:    payterm.ObservedByBalanceDelta,
			FirstSeen: w.cfg.Clock(),
		})
	}
	return true
}

// observeTransfer applies the amount policy and expiry bound to one decoded
// log. The subscription path honors the expectation's own policy (exact by
// default); the reconciliation path accepts any amount >= expected.
func (w *Watcher) observeTransfer(t chain.Transfer, viaPoll bool) {
	if t.Removed || t.To != w.exp.Payee {
		return
	}
	if w.exp.Expired(w.cfg.Clock()) {
		return
	}

	policy := w.exp.Policy
	if viaPoll {
		policy = payterm.AmountAtLeast
	}
	if !policy.Matches(t.Value, w.exp.Amount) {
		return
	}

	key := fmt.Sprintf("%s:%d", t.TxHash.Hex(), t.LogIndex)
	w.emit(key, payterm.SettlementEvent{
		TxHash:      t.TxHash,
		BlockNumber: t.BlockNumber,
		Amount:      t.Value,
		Method:      payterm.ObservedByEventLog,
		FirstSeen:   w.cfg.Clock(),
	})
}

// emit records the result under its dedup key and delivers it if it is the
// first. Late arrivals after the first delivery are dropped without effect.
func (w *Watcher) emit(key string, ev payterm.SettlementEvent) {
	w.mu.Lock()
	if w.delivered || w.closed {
		w.mu.Unlock()
		return
	}
	if _, dup := w.seen[key]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[key] = struct{}{}
	w.delivered = true
	w.closed = true
	w.out <- ev
	close(w.out)
	w.mu.Unlock()

	// Both strategies stand down; the stopOnce path stays usable for callers.
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) markSubscriptionDown() {
	w.mu.Lock()
	w.subDown = true
	w.mu.Unlock()
}

func (w *Watcher) subscriptionDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subDown
}

func anyError(error) bool { return true }
