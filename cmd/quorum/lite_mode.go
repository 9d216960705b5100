package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/ledger/evm"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

// openStore opens SQLite under the data directory in lite mode and
// Postgres otherwise, then creates the schema.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	var s *store.SQLStore
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "quorum.db")
		db, err := store.OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
		s = store.NewSQLStore(db)
	} else {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "postgres: connected")
		s = store.NewSQLStore(db)
	}

	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// newLedgerClient returns the in-process hash chain or a client for the
// configured EVM contract.
func newLedgerClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Client, error) {
	switch cfg.Ledger.Mode {
	case config.LedgerModeEVM:
		c, err := evm.Dial(ctx, evm.Config{
			RPCURL:     cfg.Ledger.RPCURL,
			PrivateKey: cfg.Ledger.PrivateKey,
			Contract:   cfg.Ledger.Contract,
		})
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "ledger: evm", "rpc", cfg.Ledger.RPCURL, "contract", cfg.Ledger.Contract, "from", c.From().Hex())
		return c, nil
	default:
		logger.InfoContext(ctx, "ledger: in-process hash chain")
		return ledger.NewChain(), nil
	}
}
