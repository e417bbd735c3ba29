// Command loadtest drives a gateway with simulated users.
//
//   - saturate: open N authenticated connections and hold them
//   - chat:     N members of one public channel posting messages
//
// Usage:
//
//	loadtest <command> [options]
//
// Credentials are minted locally, so -secret (or CREDENTIAL_SECRET) must match
// the gateway's.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/whisper/gateway/internal/auth"
	"github.com/whisper/gateway/internal/loadtest"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N authenticated idle connections")
	fmt.Println("  chat        Channel load test, N members join one channel and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	url         *string
	secret      *string
	prefix      *string
	concurrency *int
	ramp        *time.Duration
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		url:         fs.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL"),
		secret:      fs.String("secret", os.Getenv("CREDENTIAL_SECRET"), "Credential signing secret (default $CREDENTIAL_SECRET)"),
		prefix:      fs.String("prefix", "lt", "Identity prefix; users are <prefix>-<n>"),
		concurrency: fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up"),
		ramp:        fs.Duration("ramp", 10*time.Second, "Ramp-up duration"),
	}
}

// dialer mints a fresh credential per connection attempt.
type dialer struct {
	url    string
	prefix string
	issuer *auth.Issuer
}

func newDialer(f commonFlags) (*dialer, error) {
	issuer, err := auth.NewIssuer(*f.secret)
	if err != nil {
		return nil, fmt.Errorf("credential secret: %w", err)
	}
	return &dialer{url: *f.url, prefix: *f.prefix, issuer: issuer}, nil
}

func (d *dialer) dial(ctx context.Context, n int) (*loadtest.Client, error) {
	identity := fmt.Sprintf("%s-%d", d.prefix, n)
	credential, _, err := d.issuer.Issue(identity, time.Minute)
	if err != nil {
		return nil, err
	}
	return loadtest.Dial(ctx, d.url, identity, credential)
}

// rampInterval spreads n launches over ramp.
func rampInterval(ramp time.Duration, n int) time.Duration {
	if n <= 0 {
		return time.Millisecond
	}
	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}
