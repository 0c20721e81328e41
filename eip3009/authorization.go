// Package eip3009 builds, signs and verifies EIP-3009 transferWithAuthorization
// messages using EIP-712 typed-data hashing. Both sides of the system depend on
// it: the payer client to sign, the relay to independently re-verify.
package eip3009

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	payterm "github.com/payterm/payterm-go"
)

// clockDriftAllowance is subtracted from validAfter so an authorization built
// on a device whose clock runs slightly ahead is not rejected by the relay.
const clockDriftAllowance = 10 * time.Second

// NewNonce returns a cryptographically random 32-byte authorization nonce.
// It fails rather than degrade: a predictable nonce would break replay
// protection for the payer.
func NewNonce() (common.Hash, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return common.Hash{}, fmt.Errorf("secure random source unavailable: %w", err)
	}
	return common.BytesToHash(nonce[:]), nil
}

// NewAuthorization creates an authorization from payer to payee valid from
// now (less a small clock-drift allowance) until now+ttl, with a fresh nonce.
func NewAuthorization(from, to common.Address, value *big.Int, ttl time.Duration) (*payterm.TransferAuthorization, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	auth := &payterm.TransferAuthorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now.Add(-clockDriftAllowance).Unix()),
		ValidBefore: big.NewInt(now.Add(ttl).Unix()),
		Nonce:       nonce,
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	return auth, nil
}

// TypedData assembles the EIP-712 typed-data structure for the authorization
// under the given domain. Numeric message values are carried as
// math.HexOrDecimal256, which marshals to exact decimal/hex strings and never
// passes through floating point.
func TypedData(domain payterm.Domain, auth *payterm.TransferAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}
}

// Digest computes the EIP-712 signing digest:
// keccak256("\x19\x01" || domainSeparator || structHash).
func Digest(domain payterm.Domain, auth *payterm.TransferAuthorization) ([]byte, error) {
	typedData := TypedData(domain, auth)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	raw := append([]byte{0x19, 0x01}, append(domainSeparator, structHash...)...)
	return crypto.Keccak256(raw), nil
}
