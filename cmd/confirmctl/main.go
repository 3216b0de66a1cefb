package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nassifmd/akuafopay/internal/config"
	"github.com/nassifmd/akuafopay/internal/confirm"
	"github.com/nassifmd/akuafopay/internal/domain"
	"github.com/nassifmd/akuafopay/internal/gateway"
	"github.com/nassifmd/akuafopay/internal/poller"
	"github.com/nassifmd/akuafopay/internal/verify"
)

// confirmctl drives a single payment confirmation from the command line
// and exits with the outcome: 0 confirmed, 1 failed, 2 timed out,
// 3 usage or runtime error. Useful for support tickets where an order
// sits unconfirmed and someone needs to re-run verification by hand.

const (
	exitConfirmed = 0
	exitFailed    = 1
	exitTimedOut  = 2
	exitError     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		orderID = flag.String("order", "", "order ID to confirm (required)")
		kind    = flag.String("kind", "order", "attempt kind: order or subscription")
		ref     = flag.String("ref", "", "known client reference; skips initiation when set")
		timeout = flag.Duration("timeout", 0, "confirmation budget override (default from CONFIRM_TIMEOUT)")
	)
	flag.Parse()

	if *orderID == "" {
		fmt.Fprintln(os.Stderr, "usage: confirmctl -order <id> [-kind order|subscription] [-ref <clientReference>] [-timeout 5m]")
		return exitError
	}

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitError
	}

	client := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.BackendBaseURL,
		Token:     cfg.BackendToken,
		Timeout:   cfg.BackendTimeout,
		UserAgent: "confirmctl",
	}, nil)
	verifier := verify.New(client)

	// The terminal state arrives through the sink; buffered so the
	// machine never blocks on it.
	terminal := make(chan domain.ConfirmationState, 1)
	progress := confirm.SinkFunc(func(orderID string, state domain.ConfirmationState) {
		log.Printf("confirmctl: order %s -> %s (polls=%d)", orderID, state.Phase, state.AttemptsMade)
		if state.Phase.Terminal() {
			select {
			case terminal <- state:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := confirm.NewRegistry(ctx, client, verifier,
		confirm.WithSinks(progress),
		confirm.WithSchedule(poller.Schedule{
			FastInterval: cfg.PollFastInterval,
			SlowInterval: cfg.PollSlowInterval,
			FastWindow:   cfg.PollFastWindow,
			Timeout:      cfg.ConfirmTimeout,
		}),
	)
	defer registry.Shutdown()

	machine, err := registry.GetOrCreate(*orderID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "confirmctl: %v\n", err)
		return exitError
	}

	err = machine.Initiate(confirm.InitiateRequest{
		OrderID:         *orderID,
		Kind:            domain.AttemptKind(*kind),
		ClientReference: *ref,
		Timeout:         *timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "confirmctl: initiate: %v\n", err)
		return exitError
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	budget := cfg.ConfirmTimeout
	if *timeout > 0 {
		budget = *timeout
	}

	select {
	case state := <-terminal:
		return report(state)
	case received := <-sig:
		log.Printf("confirmctl: received signal %v, cancelling", received)
		machine.Cancel()
		return exitError
	case <-time.After(budget + 30*time.Second):
		// The machine should have timed itself out by now.
		fmt.Fprintln(os.Stderr, "confirmctl: no terminal state within budget")
		return exitError
	}
}

func report(state domain.ConfirmationState) int {
	switch state.Phase {
	case domain.PhaseConfirmed:
		fmt.Printf("confirmed: order %s tx %s after %d polls\n",
			state.OrderID, state.ProviderTransactionID, state.AttemptsMade)
		return exitConfirmed
	case domain.PhaseFailed:
		fmt.Printf("failed: order %s: %s\n", state.OrderID, state.Reason)
		return exitFailed
	default:
		fmt.Printf("timed out: order %s after %d polls\n", state.OrderID, state.AttemptsMade)
		return exitTimedOut
	}
}
