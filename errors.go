package payterm

import "errors"

// Error taxonomy shared across the codec, relay and watcher packages.

var (
	// ErrMalformedSignature indicates a signature blob that is not exactly 65 bytes.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrRecoveryFailed indicates the signing address could not be recovered
	// from a signature, or recovery produced the zero address.
	ErrRecoveryFailed = errors.New("signature recovery failed")

	// ErrInvalidSignature indicates the recovered address does not match the
	// claimed payer.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrAuthorizationNotYetValid indicates the current time is before validAfter.
	ErrAuthorizationNotYetValid = errors.New("authorization not yet valid")

	// ErrAuthorizationExpired indicates the current time is past validBefore.
	ErrAuthorizationExpired = errors.New("authorization expired")

	// ErrAuthorizationUsed indicates the (payer, nonce) pair has already been
	// consumed on-chain, or is being consumed by a concurrent request.
	ErrAuthorizationUsed = errors.New("authorization already used")

	// ErrInvalidAmount indicates a malformed or non-positive token amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidWindow indicates validAfter is not strictly before validBefore.
	ErrInvalidWindow = errors.New("invalid validity window")

	// ErrMissingField indicates a required request field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidAddress indicates a value that is not a 0x-prefixed 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidCharge indicates a merchant handoff string that cannot be decoded.
	ErrInvalidCharge = errors.New("invalid charge encoding")

	// ErrExpectationExpired indicates a payment expectation whose expiry has passed.
	ErrExpectationExpired = errors.New("payment expectation expired")

	// ErrInvalidKey indicates an unparseable private key.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates an unreadable or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidMnemonic indicates a mnemonic that fails BIP-39 validation.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)
