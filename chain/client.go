// Package chain wraps the RPC access this system needs: typed reads and
// writes against one EIP-3009 token contract, plus Transfer-log subscription
// and lookback queries for the settlement watcher. A single Client is safe
// for concurrent use and is shared by the relay and any number of watchers;
// closing it severs every subscription, so it is closed only at teardown.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
)

// Config holds the endpoints and token identity for a Client.
type Config struct {
	// RPCURL is the HTTP JSON-RPC endpoint used for calls, transactions and
	// log queries.
	RPCURL string

	// WSURL is the streaming endpoint used for log subscriptions. Optional;
	// without it WatchTransfers reports ErrNoStreamingEndpoint and callers
	// fall back to polling.
	WSURL string

	// ChainID is the EIP-155 chain id transactions are signed for.
	ChainID *big.Int

	// Token is the deployed token contract address.
	Token common.Address
}

// ErrNoStreamingEndpoint is returned by WatchTransfers when the client was
// dialed without a websocket URL.
var ErrNoStreamingEndpoint = fmt.Errorf("no streaming RPC endpoint configured")

// Transfer is one decoded Transfer log.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

// Client is a token-scoped chain client over one HTTP and one optional
// streaming connection.
type Client struct {
	http    *ethclient.Client
	ws      *ethclient.Client
	token   common.Address
	chainID *big.Int
	abi     abi.ABI
}

// Dial connects the HTTP endpoint and, when configured, the streaming
// endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	httpClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	var wsClient *ethclient.Client
	if cfg.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			httpClient.Close()
			return nil, fmt.Errorf("dial streaming rpc %s: %w", cfg.WSURL, err)
		}
	}

	return &Client{
		http:    httpClient,
		ws:      wsClient,
		token:   cfg.Token,
		chainID: cfg.ChainID,
		abi:     parsed,
	}, nil
}

// Close releases both connections.
func (c *Client) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// TokenAddress returns the contract this client is scoped to.
func (c *Client) TokenAddress() common.Address { return c.token }

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.http.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// Name reads the token's on-chain name (the EIP-712 domain name).
func (c *Client) Name(ctx context.Context) (string, error) {
	vals, err := c.call(ctx, "name")
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

// Symbol reads the token's display symbol.
func (c *Client) Symbol(ctx context.Context) (string, error) {
	vals, err := c.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

// Decimals reads the token's fixed-point precision.
func (c *Client) Decimals(ctx context.Context) (uint8, error) {
	vals, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return vals[0].(uint8), nil
}

// BalanceOf reads the current token balance of an account.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := c.call(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// AuthorizationState reports whether the (authorizer, nonce) pair has been
// consumed on-chain.
func (c *Client) AuthorizationState(ctx context.Context, authorizer common.Address, nonce common.Hash) (bool, error) {
	vals, err := c.call(ctx, "authorizationState", authorizer, [32]byte(nonce))
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.http.BlockNumber(ctx)
}

// Transact packs the named method with args, signs a dynamic-fee transaction
// with key and broadcasts it. It returns once the network has accepted the
// transaction, not once it is mined.
func (c *Client) Transact(ctx context.Context, key *ecdsa.PrivateKey, method string, args ...interface{}) (*types.Transaction, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.http.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	head, err := c.http.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee == nil {
		// Endpoint without EIP-1559 fee data; fall back to legacy pricing.
		gasPrice, err := c.http.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		gasLimit, err := c.http.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &c.token,
			GasPrice: gasPrice,
			Data:     data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &c.token,
			Data:     data,
		})
	} else {
		tipCap, err := c.http.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip cap: %w", err)
		}
		feeCap := dynamicFeeCap(tipCap, head.BaseFee)
		gasLimit, err := c.http.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        &c.token,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Data:      data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &c.token,
			Data:      data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.http.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

// dynamicFeeCap budgets the fee ceiling at tip + twice the current base fee,
// riding out back-to-back maximum base-fee increases before inclusion.
func dynamicFeeCap(tipCap, baseFee *big.Int) *big.Int {
	return new(big.Int).Add(tipCap, new(big.Int).Mul(baseFee, big.NewInt(2)))
}

// WaitMined polls for the receipt of the given transaction until the context
// is done.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.http.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		// ethereum.NotFound means not mined yet; anything else is transient
		// RPC trouble. Either way, keep polling until the context expires.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// transferQuery builds the filter for Transfer logs into recipient.
func (c *Client) transferQuery(recipient common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{c.abi.Events["Transfer"].ID},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}
}

func (c *Client) unpackTransfer(lg types.Log) (Transfer, error) {
	if len(lg.Topics) != 3 {
		return Transfer{}, fmt.Errorf("transfer log with %d topics", len(lg.Topics))
	}
	vals, err := c.abi.Unpack("Transfer", lg.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("unpack transfer data: %w", err)
	}
	return Transfer{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:       vals[0].(*big.Int),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
	}, nil
}

// FilterTransfers queries Transfer logs into recipient over [fromBlock, toBlock].
func (c *Client) FilterTransfers(ctx context.Context, recipient common.Address, fromBlock, toBlock uint64) ([]Transfer, error) {
	logs, err := c.http.FilterLogs(ctx, c.transferQuery(recipient,
		new(big.Int).SetUint64(fromBlock), new(big.Int).SetUint64(toBlock)))
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %w", err)
	}
	out := make([]Transfer, 0, len(logs))
	for _, lg := range logs {
		t, err := c.unpackTransfer(lg)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// WatchTransfers opens a live subscription for Transfer logs into recipient
// over the streaming endpoint and forwards decoded events into sink. The
// returned subscription's Err channel carries transport failures; the caller
// owns reconnects.
func (c *Client) WatchTransfers(ctx context.Context, recipient common.Address, sink chan<- Transfer) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, ErrNoStreamingEndpoint
	}

	raw := make(chan types.Log, 32)
	sub, err := c.ws.SubscribeFilterLogs(ctx, c.transferQuery(recipient, nil, nil), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe transfer logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-raw:
				t, err := c.unpackTransfer(lg)
				if err != nil {
					continue
				}
				select {
				case sink <- t:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}
