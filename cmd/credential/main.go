// Command credential mints and inspects gateway login credentials for
// development and load testing.
//
// Usage:
//
//	credential issue  -identity alice [-ttl 60s] [-count 1]
//	credential verify -identity alice -token <credential>
//
// The signing secret is read from -secret or CREDENTIAL_SECRET.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/whisper/gateway/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "issue":
		err = runIssue(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: credential <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  issue     Mint credentials for an identity, one per line")
	fmt.Println("  verify    Check a credential and print its claims")
	fmt.Println()
	fmt.Println("Run 'credential <command> -h' for command-specific options.")
}

func secretFlag(fs *flag.FlagSet) *string {
	return fs.String("secret", os.Getenv("CREDENTIAL_SECRET"), "HMAC signing secret (default $CREDENTIAL_SECRET)")
}

func runIssue(args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	secret := secretFlag(fs)
	identity := fs.String("identity", "", "Identity the credential is bound to")
	ttl := fs.Duration("ttl", 60*time.Second, "Credential lifetime")
	count := fs.Int("count", 1, "Number of credentials to mint; each has its own nonce")
	fs.Parse(args)

	if *identity == "" {
		return fmt.Errorf("issue: -identity is required")
	}
	if *ttl <= 0 || *count <= 0 {
		return fmt.Errorf("issue: -ttl and -count must be positive")
	}
	issuer, err := auth.NewIssuer(*secret)
	if err != nil {
		return err
	}
	for range *count {
		token, _, err := issuer.Issue(*identity, *ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
	}
	return nil
}

// runVerify validates against a throwaway ledger, so verifying does not burn
// the nonce on any gateway.
func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	secret := secretFlag(fs)
	identity := fs.String("identity", "", "Identity the client will assert")
	token := fs.String("token", "", "Credential to check")
	leeway := fs.Duration("leeway", 5*time.Second, "Allowed clock skew")
	fs.Parse(args)

	if *token == "" || *identity == "" {
		return fmt.Errorf("verify: -token and -identity are required")
	}
	v, err := auth.NewValidator(*secret, *leeway, 5*time.Minute, auth.NewMemoryLedger())
	if err != nil {
		return err
	}
	claims, err := v.Validate(context.Background(), *token, *identity)
	if err != nil {
		return fmt.Errorf("invalid (%s): %w", auth.Reason(err), err)
	}
	fmt.Printf("identity:   %s\n", claims.Identity)
	fmt.Printf("issued at:  %s\n", claims.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Printf("expires at: %s (in %s)\n", claims.ExpiresAt.UTC().Format(time.RFC3339),
		time.Until(claims.ExpiresAt).Round(time.Second))
	fmt.Printf("nonce:      %s\n", claims.Nonce)
	return nil
}
