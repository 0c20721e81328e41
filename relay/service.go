// Package relay implements the transfer-authorization relay: it re-verifies a
// payer-signed EIP-3009 authorization, checks on-chain replay state, submits
// the transaction with the relay's own key and reports a terminal outcome.
// The relay never trusts any client-side verification result.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/eip3009"
	"github.com/payterm/payterm-go/retry"
)

// State names a step of the per-request state machine. Every request ends in
// one of the three terminal states.
type State string

const (
	StateReceived         State = "received"
	StateSignatureChecked State = "signature_checked"
	StateReplayChecked    State = "replay_checked"
	StateSubmitted        State = "submitted"
	StateConfirmed        State = "confirmed"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
)

// ExecuteRequest is the wire form of an authorization: numeric fields as
// decimal strings, addresses and 32-byte values as 0x hex.
type ExecuteRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	V           string `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
}

// Outcome is the immutable terminal result of one relay call.
type Outcome struct {
	State       State
	Reason      string
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Receipt is the subset of a mined receipt the relay reports.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Succeeded   bool
}

// Backend is the chain access the service needs. Implemented by the
// chain+submit composition in production and by fakes in tests.
type Backend interface {
	// AuthorizationState reports whether (payer, nonce) is already consumed.
	AuthorizationState(ctx context.Context, payer common.Address, nonce common.Hash) (bool, error)

	// SubmitAuthorization broadcasts transferWithAuthorization and returns
	// once the network accepts it.
	SubmitAuthorization(ctx context.Context, auth *payterm.TransferAuthorization, sig payterm.Signature) (common.Hash, error)

	// WaitMined blocks until the transaction is included.
	WaitMined(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source. Tests use this to pin the
// validity-window checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConfirmTimeout bounds how long Execute waits for inclusion.
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *Service) { s.confirmTimeout = d }
}

// Service executes relay requests. Safe for concurrent use.
type Service struct {
	domain         payterm.Domain
	backend        Backend
	inflight       *inflight
	now            func() time.Time
	confirmTimeout time.Duration
	log            *slog.Logger
}

// NewService builds a relay service for one token domain.
func NewService(domain payterm.Domain, backend Backend, opts ...Option) *Service {
	s := &Service{
		domain:         domain,
		backend:        backend,
		inflight:       newInflight(),
		now:            time.Now,
		confirmTimeout: 90 * time.Second,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func rejected(reason string) Outcome { return Outcome{State: StateRejected, Reason: reason} }

func failed(reason string) Outcome { return Outcome{State: StateFailed, Reason: reason} }

// Execute runs the full state machine for one request:
// received → signature_checked → replay_checked → submitted → confirmed,
// short-circuiting to rejected or failed. Rejections are client-caused and
// final for this authorization; failures are transient and the caller may
// retry with the same unmodified authorization, because the contract enforces
// at-most-one consumption of the nonce.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) Outcome {
	auth, sig, err := parseExecuteRequest(req)
	if err != nil {
		return rejected(err.Error())
	}

	// Mandatory independent verification; client results are untrusted.
	if err := eip3009.VerifySigner(s.domain, auth, sig); err != nil {
		s.log.Info("signature check failed", "payer", auth.From, "err", err)
		return rejected("invalid signature")
	}

	now := big.NewInt(s.now().Unix())
	if now.Cmp(auth.ValidAfter) < 0 {
		return rejected("authorization not yet valid")
	}
	if now.Cmp(auth.ValidBefore) > 0 {
		return rejected("authorization expired")
	}

	release, ok := s.inflight.acquire(auth.From, auth.Nonce)
	if !ok {
		return rejected("authorization already used")
	}
	defer release()

	used, err := retry.WithRetry(ctx, retry.DefaultConfig, alwaysRetry, func() (bool, error) {
		return s.backend.AuthorizationState(ctx, auth.From, auth.Nonce)
	})
	if err != nil {
		s.log.Error("replay check failed", "payer", auth.From, "err", err)
		return failed("replay state unavailable")
	}
	if used {
		return rejected("authorization already used")
	}

	txHash, err := s.backend.SubmitAuthorization(ctx, auth, sig)
	if err != nil {
		return s.submissionFailure(ctx, auth, err)
	}
	s.log.Info("authorization submitted", "tx", txHash, "payer", auth.From, "payee", auth.To, "value", auth.Value)

	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	receipt, err := s.backend.WaitMined(waitCtx, txHash)
	if err != nil {
		// The transaction may still land; the authorization stays safe to
		// retry because the nonce can only be consumed once.
		s.log.Warn("confirmation timed out", "tx", txHash, "err", err)
		return failed("confirmation timed out")
	}
	if !receipt.Succeeded {
		return s.submissionFailure(ctx, auth, errors.New("transaction reverted"))
	}

	s.log.Info("authorization confirmed", "tx", receipt.TxHash, "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
	return Outcome{
		State:       StateConfirmed,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}
}

// submissionFailure distinguishes a revert caused by a raced duplicate from
// other failures: when the nonce turns out consumed, the duplicate lost the
// race and the outcome is reported as already used.
func (s *Service) submissionFailure(ctx context.Context, auth *payterm.TransferAuthorization, cause error) Outcome {
	if used, err := s.backend.AuthorizationState(ctx, auth.From, auth.Nonce); err == nil && used {
		return failed("authorization already used")
	}
	s.log.Error("submission failed", "payer", auth.From, "err", cause)
	return failed(cause.Error())
}

func alwaysRetry(error) bool { return true }

// parseExecuteRequest validates presence and shape of every field, in the
// fixed wire order, and converts to the internal representation.
func parseExecuteRequest(req ExecuteRequest) (*payterm.TransferAuthorization, payterm.Signature, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"from", req.From}, {"to", req.To}, {"value", req.Value},
		{"validAfter", req.ValidAfter}, {"validBefore", req.ValidBefore},
		{"nonce", req.Nonce}, {"v", req.V}, {"r", req.R}, {"s", req.S},
	}
	for _, f := range fields {
		if f.value == "" {
			return nil, payterm.Signature{}, fmt.Errorf("missing field: %s", f.name)
		}
	}

	if !common.IsHexAddress(req.From) {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: from")
	}
	if !common.IsHexAddress(req.To) {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: to")
	}

	value, err := payterm.ParseUnits(req.Value)
	if err != nil {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: value")
	}
	validAfter, ok := new(big.Int).SetString(req.ValidAfter, 10)
	if !ok || validAfter.Sign() < 0 {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: validAfter")
	}
	validBefore, ok := new(big.Int).SetString(req.ValidBefore, 10)
	if !ok || validBefore.Sign() < 0 {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: validBefore")
	}

	nonce, err := parseHash32(req.Nonce)
	if err != nil {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: nonce")
	}
	r, err := parseHash32(req.R)
	if err != nil {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: r")
	}
	sv, err := parseHash32(req.S)
	if err != nil {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: s")
	}
	v, err := strconv.ParseUint(req.V, 10, 8)
	if err != nil || (v != 0 && v != 1 && v != 27 && v != 28) {
		return nil, payterm.Signature{}, fmt.Errorf("malformed field: v")
	}
	if v < 27 {
		v += 27
	}

	auth := &payterm.TransferAuthorization{
		From:        common.HexToAddress(req.From),
		To:          common.HexToAddress(req.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}
	if err := auth.Validate(); err != nil {
		return nil, payterm.Signature{}, err
	}
	return auth, payterm.Signature{V: uint8(v), R: r, S: sv}, nil
}

func parseHash32(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(raw) != 32 {
		return common.Hash{}, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	return common.BytesToHash(raw), nil
}
