package eip3009

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	payterm "github.com/payterm/payterm-go"
)

// SplitSignature decomposes a 65-byte recoverable signature (r || s || v)
// into its components. V is normalized to the Ethereum convention (27/28)
// regardless of whether the input carried 0/1 or 27/28.
func SplitSignature(sig []byte) (payterm.Signature, error) {
	if len(sig) != crypto.SignatureLength {
		return payterm.Signature{}, fmt.Errorf("%w: got %d bytes, want %d",
			payterm.ErrMalformedSignature, len(sig), crypto.SignatureLength)
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return payterm.Signature{
		V: v,
		R: common.BytesToHash(sig[0:32]),
		S: common.BytesToHash(sig[32:64]),
	}, nil
}

// JoinSignature is the inverse of SplitSignature: it reassembles the 65-byte
// r || s || v form. Round-tripping any normalized signature is lossless.
func JoinSignature(sig payterm.Signature) []byte {
	out := make([]byte, crypto.SignatureLength)
	copy(out[0:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = sig.V
	return out
}

// SignAuthorization signs the EIP-712 digest of the authorization with the
// payer's key and returns the split signature. V is returned as 27/28.
func SignAuthorization(key *ecdsa.PrivateKey, domain payterm.Domain, auth *payterm.TransferAuthorization) (payterm.Signature, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return payterm.Signature{}, err
	}
	raw, err := crypto.Sign(digest, key)
	if err != nil {
		return payterm.Signature{}, fmt.Errorf("sign authorization: %w", err)
	}
	return SplitSignature(raw)
}

// RecoverSigner recomputes the typed-data digest and recovers the address
// that produced the signature. It fails with ErrRecoveryFailed when the
// signature is unusable or recovery yields the zero address.
func RecoverSigner(domain payterm.Domain, auth *payterm.TransferAuthorization, sig payterm.Signature) (common.Address, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	raw := JoinSignature(sig)
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	if raw[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", payterm.ErrRecoveryFailed, sig.V)
	}

	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", payterm.ErrRecoveryFailed, err)
	}
	addr := crypto.PubkeyToAddress(*pub)
	if addr == (common.Address{}) {
		return common.Address{}, payterm.ErrRecoveryFailed
	}
	return addr, nil
}

// VerifySigner recovers the signer and confirms it equals the claimed payer.
// The relay must call this itself and never trust a client-side result.
func VerifySigner(domain payterm.Domain, auth *payterm.TransferAuthorization, sig payterm.Signature) error {
	recovered, err := RecoverSigner(domain, auth, sig)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered[:], auth.From[:]) {
		return fmt.Errorf("%w: recovered %s, claimed payer %s",
			payterm.ErrInvalidSignature, recovered.Hex(), auth.From.Hex())
	}
	return nil
}
