// Command relayd runs the transfer-authorization relay: it accepts signed
// EIP-3009 authorizations over HTTP, re-verifies them and submits them
// on-chain with its own funded key.
package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/chain"
	"github.com/payterm/payterm-go/evm"
	"github.com/payterm/payterm-go/internal/config"
	"github.com/payterm/payterm-go/relay"
	"github.com/payterm/payterm-go/submit"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CONFIG_PATH or configs/config.yaml)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.RequireRelayCredential(); err != nil {
		log.Error("config invalid", "err", err)
		os.Exit(1)
	}

	key, err := loadRelayKey(cfg)
	if err != nil {
		log.Error("relay key load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	client, err := chain.Dial(ctx, chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		WSURL:   cfg.Chain.WSURL,
		ChainID: cfg.ChainID(),
		Token:   cfg.TokenAddress(),
	})
	if err != nil {
		log.Error("chain dial failed", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	checkTokenConfig(ctx, log, client, cfg)

	submitTimeout := time.Duration(cfg.Relay.SubmitTimeoutS) * time.Second
	sender := submit.NewSponsored(client, key, submitTimeout)
	backend := relay.NewChainBackend(client, sender)

	domain := payterm.Domain{
		Name:              cfg.Token.Name,
		Version:           "1",
		ChainID:           cfg.ChainID(),
		VerifyingContract: cfg.TokenAddress(),
	}
	opts := []relay.Option{relay.WithLogger(log)}
	if cfg.Relay.ConfirmTimeoutS > 0 {
		opts = append(opts, relay.WithConfirmTimeout(time.Duration(cfg.Relay.ConfirmTimeoutS)*time.Second))
	}
	svc := relay.NewService(domain, backend, opts...)
	handler := relay.NewHandler(svc, backend)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler.Router(),
	}

	go func() {
		log.Info("relay listening",
			"addr", cfg.Server.Addr,
			"server", crypto.PubkeyToAddress(key.PublicKey),
			"contract", cfg.TokenAddress())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func loadRelayKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.Relay.PrivateKey != "":
		return evm.PrivateKeyFromHex(cfg.Relay.PrivateKey)
	case cfg.Relay.KeystorePath != "":
		return evm.PrivateKeyFromKeystore(cfg.Relay.KeystorePath, cfg.Relay.KeystorePassword)
	default:
		return evm.PrivateKeyFromMnemonic(cfg.Relay.Mnemonic, 0)
	}
}

// checkTokenConfig warns when the configured EIP-712 domain name or decimal
// count disagrees with the deployed contract. A name mismatch makes every
// client signature unverifiable, which is painful to debug downstream.
func checkTokenConfig(ctx context.Context, log *slog.Logger, client *chain.Client, cfg *config.Config) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	name, err := client.Name(readCtx)
	if err != nil {
		log.Warn("token config check skipped", "err", err)
		return
	}
	if name != cfg.Token.Name {
		log.Warn("EIP-712 domain name mismatch", "onchain", name, "configured", cfg.Token.Name)
	}
	if decimals, err := client.Decimals(readCtx); err == nil && int(decimals) != cfg.Token.Decimals {
		log.Warn("token decimals mismatch", "onchain", decimals, "configured", cfg.Token.Decimals)
	}
}
