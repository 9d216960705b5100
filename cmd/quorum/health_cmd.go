package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/client"
)

// runHealthCmd checks a running server's /healthz. The target is --url,
// then QUORUM_URL, then localhost on PORT.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("url", "", "Base URL of the quorum server")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	base := *target
	if base == "" {
		base = os.Getenv("QUORUM_URL")
	}
	if base == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		base = "http://localhost:" + port
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if _, err := client.New(base, client.WithTimeout(*timeout)).Health(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
