package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/chain"
	"github.com/payterm/payterm-go/submit"
)

// ChainBackend composes the RPC client and the sponsored submitter into the
// Backend the service drives, and exposes the read surface the HTTP handler
// reports on /health and /api/contract-info.
type ChainBackend struct {
	client *chain.Client
	sender *submit.Sender
}

// NewChainBackend wires a dialed client and a sponsored sender together.
func NewChainBackend(client *chain.Client, sender *submit.Sender) *ChainBackend {
	return &ChainBackend{client: client, sender: sender}
}

// AuthorizationState implements Backend.
func (b *ChainBackend) AuthorizationState(ctx context.Context, payer common.Address, nonce common.Hash) (bool, error) {
	return b.client.AuthorizationState(ctx, payer, nonce)
}

// SubmitAuthorization implements Backend.
func (b *ChainBackend) SubmitAuthorization(ctx context.Context, auth *payterm.TransferAuthorization, sig payterm.Signature) (common.Hash, error) {
	return b.sender.SubmitAuthorization(ctx, auth, sig)
}

// WaitMined implements Backend.
func (b *ChainBackend) WaitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	receipt, err := b.client.WaitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Succeeded:   receipt.Status == 1,
	}, nil
}

// ServerAddress returns the relay's submitting account.
func (b *ChainBackend) ServerAddress() common.Address { return b.sender.Address() }

// ContractAddress returns the token contract address.
func (b *ChainBackend) ContractAddress() common.Address { return b.client.TokenAddress() }

// ContractInfo reads the token's name and symbol and reports the chain id.
func (b *ChainBackend) ContractInfo(ctx context.Context) (name, symbol string, chainID *big.Int, err error) {
	name, err = b.client.Name(ctx)
	if err != nil {
		return "", "", nil, err
	}
	symbol, err = b.client.Symbol(ctx)
	if err != nil {
		return "", "", nil, err
	}
	return name, symbol, b.client.ChainID(), nil
}
