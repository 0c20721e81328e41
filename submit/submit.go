// Package submit abstracts "send this prepared call to the chain and wait for
// the network to accept it". Two interchangeable strategies exist: direct,
// where the payer's own key signs a plain transfer, and sponsored, where the
// relay's key fronts gas for a transferWithAuthorization call. The strategy
// is fixed at construction; callers only see Submitter.
package submit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/chain"
)

// Submission error kinds. Callers distinguish these to decide whether a retry
// with the same authorization is safe.
var (
	// ErrUserDeclined is returned by wallet-backed submitters when the user
	// refuses to sign. Never returned by key-backed submitters.
	ErrUserDeclined = errors.New("user declined signature")

	// ErrNetworkUnreachable indicates the RPC endpoint could not be reached.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrInsufficientFunds indicates the submitting account cannot cover gas.
	// Transient from the caller's perspective: the same authorization can be
	// resubmitted once the account is funded.
	ErrInsufficientFunds = errors.New("insufficient funds for gas")

	// ErrTimeout indicates the network did not accept the transaction within
	// the configured deadline.
	ErrTimeout = errors.New("submission timed out")
)

// RevertError carries a decoded contract revert.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "contract reverted"
	}
	return "contract reverted: " + e.Reason
}

// Submitter sends a prepared token-contract call and returns its transaction
// hash once the network has accepted it for inclusion. Acceptance is not
// finality; callers wanting a receipt wait separately.
type Submitter interface {
	Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error)
	Address() common.Address
}

// Sender is the key-backed Submitter implementation shared by both strategies.
type Sender struct {
	client  *chain.Client
	key     *ecdsa.PrivateKey
	address common.Address
	timeout time.Duration
}

// NewDirect builds the direct strategy: the payer's own key signs and pays
// gas. Used for the plain transfer path where no relay is involved.
func NewDirect(client *chain.Client, payerKey *ecdsa.PrivateKey, timeout time.Duration) *Sender {
	return newSender(client, payerKey, timeout)
}

// NewSponsored builds the sponsored strategy: the relay's key signs and pays
// gas while the payer only contributes the off-chain authorization signature.
func NewSponsored(client *chain.Client, relayKey *ecdsa.PrivateKey, timeout time.Duration) *Sender {
	return newSender(client, relayKey, timeout)
}

func newSender(client *chain.Client, key *ecdsa.PrivateKey, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		timeout: timeout,
	}
}

// Address returns the submitting account.
func (s *Sender) Address() common.Address { return s.address }

// Submit implements Submitter.
func (s *Sender) Submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.client.Transact(ctx, s.key, method, args...)
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	return tx.Hash(), nil
}

// SubmitAuthorization submits transferWithAuthorization with the verified
// fields and split signature.
func (s *Sender) SubmitAuthorization(ctx context.Context, auth *payterm.TransferAuthorization, sig payterm.Signature) (common.Hash, error) {
	return s.Submit(ctx, "transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore,
		[32]byte(auth.Nonce), sig.V, [32]byte(sig.R), [32]byte(sig.S))
}

// SubmitTransfer submits a plain transfer from the submitting account.
func (s *Sender) SubmitTransfer(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	return s.Submit(ctx, "transfer", to, value)
}

// dataError is the subset of go-ethereum's rpc.DataError the classifier needs;
// declared locally so classification works on wrapped errors too.
type dataError interface {
	ErrorData() interface{}
}

// Classify maps raw RPC errors onto the package's distinguishable kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var de dataError
	if errors.As(err, &de) {
		if reason, ok := revertReason(de.ErrorData()); ok {
			return &RevertError{Reason: reason}
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "execution reverted"):
		return &RevertError{Reason: strings.TrimSpace(strings.TrimPrefix(msg, "execution reverted:"))}
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"):
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	return err
}

// revertReason decodes the ABI-encoded Error(string) payload some nodes
// attach to call errors.
func revertReason(data interface{}) (string, bool) {
	hexData, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(hexData)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", true // reverted, reason not decodable
	}
	return reason, true
}

// IsTransient reports whether the error class is safe to retry with the same
// unmodified authorization. The contract's one-time nonce makes duplicate
// submission harmless, so anything short of a definite revert qualifies.
func IsTransient(err error) bool {
	var re *RevertError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, ErrUserDeclined) {
		return false
	}
	return true
}
