package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
)

// runReconcileCmd moves SYNC_FAILED ledger operations back to PENDING. A
// running server picks them up on its next sweep.
func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		listOnly   bool
		jsonOutput bool
	)
	cmd.BoolVar(&listOnly, "list", false, "List SYNC_FAILED operations without requeueing them")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	// The queue is only used for bookkeeping here; nothing is submitted.
	q := ledger.NewQueue(s, nil, ledger.WithLogger(logger))

	failed, err := q.Records(ctx, contracts.OutboxSyncFailed)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "list outbox: %v\n", err)
		return 1
	}

	requeued := 0
	if !listOnly {
		if requeued, err = q.Reconcile(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "reconcile: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"sync_failed": failed, "requeued": requeued})
		return 0
	}
	for _, rec := range failed {
		_, _ = fmt.Fprintf(stdout, "%s  %-20s attempts=%d  %s\n",
			rec.Operation.Key, rec.Operation.Name, rec.Attempts, rec.LastError)
	}
	_, _ = fmt.Fprintf(stdout, "%d sync-failed, %d requeued\n", len(failed), requeued)
	return 0
}
