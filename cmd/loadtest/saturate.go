package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/gateway/internal/loadtest"
)

// runSaturate opens the requested number of authenticated connections, then
// holds them while the gateway's heartbeat runs, reporting any that drop.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	common := registerCommon(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	fs.Parse(args)

	d, err := newDialer(common)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *common.url, *common.ramp, *hold, *common.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients, complete := connectAll(ctx, d, *connections, *common.concurrency, *common.ramp, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	if complete {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)
		holdFor(ctx, clients, *hold)
	}

	closeAll(clients)
	collector.Report(os.Stdout)
}

func holdFor(ctx context.Context, clients []*loadtest.Client, hold time.Duration) {
	initial := len(clients)
	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			n := alive(clients)
			fmt.Printf("\nHold period complete. alive: %d/%d  dropped: %d\n", n, initial, initial-n)
			return
		case <-status.C:
			n := alive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, initial, initial-n)
		}
	}
}
