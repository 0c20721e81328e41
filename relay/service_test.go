package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/eip3009"
)

// Hardhat's default funded account; the key is public test material.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	windowStart = int64(1700000000)
	windowEnd   = int64(1700000600)
)

func testDomain() payterm.Domain {
	return payterm.Domain{
		Name:              "USDC Clone",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

// signedRequest builds a wire request over a fixed validity window, signed by
// the test key.
func signedRequest(t *testing.T) ExecuteRequest {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("failed to load test key: %v", err)
	}
	auth := &payterm.TransferAuthorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Value:       big.NewInt(2500000),
		ValidAfter:  big.NewInt(windowStart),
		ValidBefore: big.NewInt(windowEnd),
		Nonce:       common.HexToHash("0x0101010101010101010101010101010101010101010101010101010101010101"),
	}
	sig, err := eip3009.SignAuthorization(key, testDomain(), auth)
	if err != nil {
		t.Fatalf("failed to sign authorization: %v", err)
	}
	return NewExecuteRequest(auth, sig)
}

type fakeBackend struct {
	mu       sync.Mutex
	used     bool
	stateErr error

	submitHash common.Hash
	submitErr  error
	// When set, SubmitAuthorization signals entry then blocks until the gate
	// closes. Used to hold a request mid-flight.
	submitEntered chan struct{}
	submitGate    chan struct{}
	// Marks the nonce consumed as a side effect of submission, to model a
	// raced duplicate losing to the winner's landed transaction.
	consumeOnSubmit bool

	receipt *Receipt
	waitErr error
}

func (f *fakeBackend) AuthorizationState(ctx context.Context, payer common.Address, nonce common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return false, f.stateErr
	}
	return f.used, nil
}

func (f *fakeBackend) SubmitAuthorization(ctx context.Context, auth *payterm.TransferAuthorization, sig payterm.Signature) (common.Hash, error) {
	if f.submitEntered != nil {
		close(f.submitEntered)
	}
	if f.submitGate != nil {
		<-f.submitGate
	}
	if f.consumeOnSubmit {
		f.mu.Lock()
		f.used = true
		f.mu.Unlock()
	}
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return f.submitHash, nil
}

func (f *fakeBackend) WaitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &Receipt{TxHash: txHash, BlockNumber: 7, GasUsed: 60000, Succeeded: true}, nil
}

func testService(t *testing.T, backend Backend, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Unix(windowStart+300, 0) }),
	}
	return NewService(testDomain(), backend, append(base, opts...)...)
}

func TestExecuteConfirmed(t *testing.T) {
	backend := &fakeBackend{submitHash: common.HexToHash("0xabc")}
	svc := testService(t, backend)

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", outcome.State, outcome.Reason)
	}
	if outcome.TxHash != backend.submitHash {
		t.Errorf("expected tx %s, got %s", backend.submitHash, outcome.TxHash)
	}
	if outcome.BlockNumber != 7 || outcome.GasUsed != 60000 {
		t.Errorf("receipt fields not carried: block %d gas %d", outcome.BlockNumber, outcome.GasUsed)
	}
}

func TestExecuteAcceptsRawRecoveryID(t *testing.T) {
	// Clients may send v as 0/1 instead of 27/28; the relay normalizes.
	req := signedRequest(t)
	v, _ := strconv.Atoi(req.V)
	req.V = strconv.Itoa(v - 27)

	svc := testService(t, &fakeBackend{})
	outcome := svc.Execute(context.Background(), req)
	if outcome.State != StateConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteRejectsMalformedRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ExecuteRequest)
		reason string
	}{
		{
			name:   "missing from",
			mutate: func(r *ExecuteRequest) { r.From = "" },
			reason: "missing field: from",
		},
		{
			name:   "missing signature component",
			mutate: func(r *ExecuteRequest) { r.S = "" },
			reason: "missing field: s",
		},
		{
			name:   "bad address",
			mutate: func(r *ExecuteRequest) { r.To = "not-an-address" },
			reason: "malformed field: to",
		},
		{
			name:   "bad value",
			mutate: func(r *ExecuteRequest) { r.Value = "12.5" },
			reason: "malformed field: value",
		},
		{
			name:   "zero value",
			mutate: func(r *ExecuteRequest) { r.Value = "0" },
			reason: "malformed field: value",
		},
		{
			name:   "short nonce",
			mutate: func(r *ExecuteRequest) { r.Nonce = "0x1234" },
			reason: "malformed field: nonce",
		},
		{
			name:   "bad recovery id",
			mutate: func(r *ExecuteRequest) { r.V = "29" },
			reason: "malformed field: v",
		},
		{
			name:   "hex v rejected",
			mutate: func(r *ExecuteRequest) { r.V = "0x1b" },
			reason: "malformed field: v",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t)
			tt.mutate(&req)

			svc := testService(t, &fakeBackend{})
			outcome := svc.Execute(context.Background(), req)
			if outcome.State != StateRejected {
				t.Fatalf("expected rejected, got %s", outcome.State)
			}
			if outcome.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, outcome.Reason)
			}
		})
	}
}

func TestExecuteRejectsInvalidSignature(t *testing.T) {
	// Raise the value after signing; recovery then yields a different address.
	req := signedRequest(t)
	req.Value = "9999999"

	svc := testService(t, &fakeBackend{})
	outcome := svc.Execute(context.Background(), req)
	if outcome.State != StateRejected || outcome.Reason != "invalid signature" {
		t.Errorf("expected rejected/invalid signature, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteValidityWindow(t *testing.T) {
	tests := []struct {
		name   string
		now    int64
		state  State
		reason string
	}{
		{name: "before window", now: windowStart - 1, state: StateRejected, reason: "authorization not yet valid"},
		{name: "at validAfter", now: windowStart, state: StateConfirmed},
		{name: "inside window", now: windowStart + 300, state: StateConfirmed},
		{name: "at validBefore", now: windowEnd, state: StateConfirmed},
		{name: "past window", now: windowEnd + 1, state: StateRejected, reason: "authorization expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			svc := testService(t, &fakeBackend{},
				WithClock(func() time.Time { return time.Unix(now, 0) }))

			outcome := svc.Execute(context.Background(), signedRequest(t))
			if outcome.State != tt.state {
				t.Fatalf("expected %s, got %s (%s)", tt.state, outcome.State, outcome.Reason)
			}
			if tt.reason != "" && outcome.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, outcome.Reason)
			}
		})
	}
}

func TestExecuteRejectsConsumedNonce(t *testing.T) {
	svc := testService(t, &fakeBackend{used: true})

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateRejected || outcome.Reason != "authorization already used" {
		t.Errorf("expected rejected/already used, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteFailsWhenReplayStateUnavailable(t *testing.T) {
	svc := testService(t, &fakeBackend{stateErr: errors.New("rpc down")})

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateFailed || outcome.Reason != "replay state unavailable" {
		t.Errorf("expected failed/replay state unavailable, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteConcurrentDuplicate(t *testing.T) {
	backend := &fakeBackend{
		submitEntered: make(chan struct{}),
		submitGate:    make(chan struct{}),
	}
	svc := testService(t, backend)
	req := signedRequest(t)

	first := make(chan Outcome, 1)
	go func() { first <- svc.Execute(context.Background(), req) }()

	// Wait until the first request is holding the in-flight lock inside
	// submission, then race the duplicate against it.
	<-backend.submitEntered
	dup := svc.Execute(context.Background(), req)
	if dup.State != StateRejected || dup.Reason != "authorization already used" {
		t.Errorf("expected duplicate rejected as already used, got %s (%s)", dup.State, dup.Reason)
	}

	close(backend.submitGate)
	if outcome := <-first; outcome.State != StateConfirmed {
		t.Errorf("expected winner confirmed, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteRevertAfterRace(t *testing.T) {
	// Submission reverts and the nonce turns out consumed: the request lost an
	// external race, reported distinctly from a generic failure.
	backend := &fakeBackend{
		submitErr:       errors.New("execution reverted"),
		consumeOnSubmit: true,
	}
	svc := testService(t, backend)

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateFailed || outcome.Reason != "authorization already used" {
		t.Errorf("expected failed/already used, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteSubmissionFailure(t *testing.T) {
	backend := &fakeBackend{submitErr: errors.New("insufficient funds for gas")}
	svc := testService(t, backend)

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateFailed {
		t.Fatalf("expected failed, got %s", outcome.State)
	}
	if outcome.Reason != "insufficient funds for gas" {
		t.Errorf("expected cause carried through, got %q", outcome.Reason)
	}
}

func TestExecuteRevertedReceipt(t *testing.T) {
	backend := &fakeBackend{receipt: &Receipt{Succeeded: false}}
	svc := testService(t, backend)

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateFailed || outcome.Reason != "transaction reverted" {
		t.Errorf("expected failed/transaction reverted, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteConfirmationTimeout(t *testing.T) {
	backend := &fakeBackend{waitErr: context.DeadlineExceeded}
	svc := testService(t, backend)

	outcome := svc.Execute(context.Background(), signedRequest(t))
	if outcome.State != StateFailed || outcome.Reason != "confirmation timed out" {
		t.Errorf("expected failed/confirmation timed out, got %s (%s)", outcome.State, outcome.Reason)
	}
}

func TestExecuteReleasesInflightLock(t *testing.T) {
	// A terminal outcome must release the lock so a retry of the same
	// authorization is possible.
	backend := &fakeBackend{submitErr: errors.New("connection refused")}
	svc := testService(t, backend)
	req := signedRequest(t)

	if outcome := svc.Execute(context.Background(), req); outcome.State != StateFailed {
		t.Fatalf("expected failed, got %s", outcome.State)
	}

	backend.submitErr = nil
	if outcome := svc.Execute(context.Background(), req); outcome.State != StateConfirmed {
		t.Errorf("expected retry confirmed, got %s (%s)", outcome.State, outcome.Reason)
	}
}
