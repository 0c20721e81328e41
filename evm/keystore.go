// Package evm loads the relay's signing credential from the supported key
// sources: a raw hex key, an encrypted keystore file, or a BIP-39 mnemonic.
package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	payterm "github.com/payterm/payterm-go"
)

// PrivateKeyFromHex parses a hex-encoded secp256k1 private key, with or
// without a 0x prefix.
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payterm.ErrInvalidKey, err)
	}
	return key, nil
}

// PrivateKeyFromKeystore decrypts a go-ethereum keystore file.
func PrivateKeyFromKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payterm.ErrInvalidKeystore, err)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", payterm.ErrInvalidKeystore)
	}

	keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", payterm.ErrInvalidKeystore)
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", payterm.ErrInvalidKeystore)
	}
	return key, nil
}

// PrivateKeyFromMnemonic derives an account key from a BIP-39 mnemonic along
// the standard Ethereum path m/44'/60'/0'/0/{index}.
func PrivateKeyFromMnemonic(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, payterm.ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := deriveEthereumKey(seed, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payterm.ErrInvalidMnemonic, err)
	}
	return key, nil
}

// deriveEthereumKey walks the BIP-44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	steps := []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // coin type: ether
		bip32.FirstHardenedChild + 0,  // account
		0,                             // external chain
		index,
	}
	key := masterKey
	for _, step := range steps {
		if key, err = key.NewChildKey(step); err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
