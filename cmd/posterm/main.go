// Command posterm is the merchant terminal: it creates a charge, prints the
// handoff string for the payer, and watches the chain until the payment
// settles or the charge expires.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	payterm "github.com/payterm/payterm-go"
	"github.com/payterm/payterm-go/chain"
	"github.com/payterm/payterm-go/internal/config"
	"github.com/payterm/payterm-go/retry"
	"github.com/payterm/payterm-go/watch"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	recipient := flag.String("to", "", "merchant receiving address")
	amount := flag.String("amount", "", "charge amount, e.g. 12.34")
	ttl := flag.Duration("ttl", 5*time.Minute, "charge validity")
	atLeast := flag.Bool("at-least", false, "accept overpayment on the live log strategy")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *recipient == "" || !common.IsHexAddress(*recipient) {
		log.Error("-to must be a hex address")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		os.Exit(1)
	}

	value, err := payterm.ParseAmount(*amount, cfg.Token.Decimals)
	if err != nil {
		log.Error("invalid amount", "amount", *amount, "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	charge := payterm.NewCharge(common.HexToAddress(*recipient), value, *ttl)
	fmt.Printf("charge: %s %s\n", *amount, cfg.Token.Name)
	fmt.Printf("order:  %s\n", charge.OrderID)
	fmt.Printf("handoff: %s\n", charge.Encode())

	policy := payterm.AmountExact
	if *atLeast {
		policy = payterm.AmountAtLeast
	}

	watcher := watch.New(client, charge.Expectation(policy), watch.Config{
		PollInterval:   time.Duration(cfg.Watch.PollIntervalS) * time.Second,
		LookbackBlocks: cfg.Watch.LookbackBlocks,
		Reconnect: retry.Config{
			MaxAttempts:  reconnectAttempts(cfg),
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		Logger: log,
	})
	settlements, err := watcher.Start(ctx)
	if err != nil {
		log.Error("watcher start failed", "err", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	ev, ok := <-settlements
	if !ok {
		fmt.Println("charge expired without settlement")
		os.Exit(2)
	}
	fmt.Printf("settled: %s via %s (block %d)\n",
		payterm.FormatAmount(ev.Amount, cfg.Token.Decimals), ev.Method, ev.BlockNumber)
	if ev.Method == payterm.ObservedByEventLog {
		fmt.Printf("tx: %s\n", ev.TxHash.Hex())
	}
}

func reconnectAttempts(cfg *config.Config) int {
	if cfg.Watch.ReconnectAttempts > 0 {
		return cfg.Watch.ReconnectAttempts
	}
	return 5
}
