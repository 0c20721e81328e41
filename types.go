// Package payterm implements the core of a point-of-sale payment system for
// EIP-3009 tokens: off-chain transfer authorizations signed by the payer,
// relayed on-chain by a sponsoring server, and confirmed merchant-side by
// watching transfer logs and balance deltas.
package payterm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Domain identifies the EIP-712 signing domain of the token contract.
// Name must match the token's on-chain name() exactly; a mismatch makes
// every signature unverifiable.
type Domain struct {
	// Name is the EIP-712 domain parameter "name" (the token display name).
	Name string

	// Version is the EIP-712 domain parameter "version", always "1" for EIP-3009.
	Version string

	// ChainID is the EIP-155 chain identifier.
	ChainID *big.Int

	// VerifyingContract is the deployed token contract address.
	VerifyingContract common.Address
}

// TransferAuthorization holds the six ordered fields of an EIP-3009
// transferWithAuthorization message.
type TransferAuthorization struct {
	// From is the payer address (must equal the recovered signer).
	From common.Address

	// To is the payee address.
	To common.Address

	// Value is the transfer amount in the token's smallest unit.
	Value *big.Int

	// ValidAfter is the unix time (seconds) from which the authorization is valid.
	ValidAfter *big.Int

	// ValidBefore is the unix time (seconds) until which the authorization is valid.
	ValidBefore *big.Int

	// Nonce is a one-time random 32-byte identifier, unique per payer for the
	// life of the contract.
	Nonce common.Hash
}

// Validate checks the structural invariants of the authorization: positive
// amount and a non-empty validity window.
func (a *TransferAuthorization) Validate() error {
	if a.Value == nil || a.Value.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if a.ValidAfter == nil || a.ValidBefore == nil || a.ValidAfter.Cmp(a.ValidBefore) >= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Signature is the split form of a 65-byte recoverable secp256k1 signature.
// V is normalized to 27 or 28.
type Signature struct {
	V uint8
	R common.Hash
	S common.Hash
}

// AmountPolicy selects how an observed transfer amount is compared against an
// expected amount.
type AmountPolicy int

const (
	// AmountExact requires the observed amount to equal the expected amount.
	AmountExact AmountPolicy = iota

	// AmountAtLeast accepts any observed amount greater than or equal to the
	// expected amount.
	AmountAtLeast
)

// Matches reports whether observed satisfies expected under the policy.
func (p AmountPolicy) Matches(observed, expected *big.Int) bool {
	if observed == nil || expected == nil {
		return false
	}
	switch p {
	case AmountAtLeast:
		return observed.Cmp(expected) >= 0
	default:
		return observed.Cmp(expected) == 0
	}
}

// PaymentExpectation describes a payment the merchant side is waiting for.
// It is owned by the merchant session; the watcher holds a read-only copy.
type PaymentExpectation struct {
	// Payee is the merchant's receiving address.
	Payee common.Address

	// Amount is the expected amount in the token's smallest unit.
	Amount *big.Int

	// Policy selects exact or at-least amount matching.
	Policy AmountPolicy

	// Expiry is the unix time (seconds) after which observations are ignored.
	Expiry int64

	// OrderID is an opaque correlation identifier carried from the charge.
	// It is never validated on-chain.
	OrderID string
}

// Expired reports whether the expectation is past its expiry at the given time.
func (e *PaymentExpectation) Expired(now time.Time) bool {
	return now.Unix() > e.Expiry
}

// ObservationMethod records which detection strategy produced a settlement.
type ObservationMethod string

const (
	// ObservedByEventLog means a matching Transfer log was seen (live
	// subscription or lookback query).
	ObservedByEventLog ObservationMethod = "event-log"

	// ObservedByBalanceDelta means the payee balance grew by at least the
	// expected amount without a matched log.
	ObservedByBalanceDelta ObservationMethod = "balance-delta"
)

// SettlementEvent is the single notification a watcher delivers once the
// expected payment is observed on-chain.
type SettlementEvent struct {
	// TxHash is the transaction that settled the payment. Zero for
	// balance-delta observations, which have no associated transaction.
	TxHash common.Hash

	// BlockNumber is the block in which the settlement was observed, when known.
	BlockNumber uint64

	// Amount is the observed transferred amount (or balance increase).
	Amount *big.Int

	// Method records the detection strategy that won the race.
	Method ObservationMethod

	// FirstSeen is when this watcher first observed the settlement.
	FirstSeen time.Time
}
