package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/gateway/internal/loadtest"
)

// connectAll opens n authenticated clients, launching one every ramp/n with
// at most concurrency handshakes in flight. It reports false if ctx ended
// before every launch was made. setup runs on each client before it counts as
// connected; a setup error drops the client.
func connectAll(ctx context.Context, d *dialer, n, concurrency int, ramp time.Duration,
	collector *loadtest.Collector, setup func(context.Context, *loadtest.Client) error,
) ([]*loadtest.Client, bool) {
	var mu sync.Mutex
	clients := make([]*loadtest.Client, 0, n)

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup

	progressDone := make(chan struct{})
	go reportProgress(collector, n, progressDone)
	defer close(progressDone)

	ticker := time.NewTicker(rampInterval(ramp, n))
	defer ticker.Stop()

	complete := true
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			complete = false
			break launch
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := d.dial(connCtx, i)
			if err != nil {
				if errors.Is(err, loadtest.ErrAuthFailed) {
					collector.AddRejection("auth")
				}
				collector.AddError()
				return
			}
			if setup != nil {
				if err := setup(connCtx, c); err != nil {
					collector.AddError()
					c.Close()
					return
				}
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return clients, complete
}

func reportProgress(collector *loadtest.Collector, target int, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last, lastTime := 0, time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			conns := collector.ConnectionCount()
			rate := float64(conns-last) / now.Sub(lastTime).Seconds()
			fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
				conns, target, collector.ErrorCount(), rate)
			last, lastTime = conns, now
		}
	}
}

// alive counts clients whose connection is still open.
func alive(clients []*loadtest.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}

func closeAll(clients []*loadtest.Client) {
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
