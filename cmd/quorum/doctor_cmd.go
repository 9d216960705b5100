package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/quorum/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	results := []checkResult{checkRuntime(runtime.Version())}

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "config", Status: "ok", Detail: "ledger mode " + cfg.Ledger.Mode})
		results = append(results, checkStore(ctx, cfg))
		results = append(results, checkRedis(ctx, cfg))
		results = append(results, checkLedger(ctx, cfg))
	}

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"ok": allOK, "checks": results})
	} else {
		for _, r := range results {
			color := ColorGreen
			switch r.Status {
			case "warn":
				color = ColorCyan
			case "fail":
				color = ColorRed
			}
			_, _ = fmt.Fprintf(stdout, "  %s%-5s%s %-12s %s\n", color, r.Status, ColorReset, r.Name, r.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}

// minGoVersion matches the go directive of the module.
const minGoVersion = ">= 1.24"

func checkRuntime(goVersion string) checkResult {
	detail := fmt.Sprintf("%s %s/%s", goVersion, runtime.GOOS, runtime.GOARCH)
	v, err := semver.NewVersion(strings.TrimPrefix(goVersion, "go"))
	if err != nil {
		return checkResult{Name: "go_runtime", Status: "warn", Detail: detail + " (unparsed version)"}
	}
	c, err := semver.NewConstraint(minGoVersion)
	if err != nil {
		return checkResult{Name: "go_runtime", Status: "fail", Detail: err.Error()}
	}
	if !c.Check(v) {
		return checkResult{Name: "go_runtime", Status: "fail", Detail: detail + ", need " + minGoVersion}
	}
	return checkResult{Name: "go_runtime", Status: "ok", Detail: detail}
}

func checkStore(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return checkResult{Name: "store", Status: "fail", Detail: err.Error()}
		}
		marker := filepath.Join(cfg.DataDir, ".doctor")
		if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
			return checkResult{Name: "store", Status: "fail", Detail: "data dir not writable: " + err.Error()}
		}
		_ = os.Remove(marker)
		return checkResult{Name: "store", Status: "ok", Detail: "lite mode, sqlite under " + cfg.DataDir}
	}
	s, err := openStore(ctx, cfg, newLogger("ERROR", io.Discard))
	if err != nil {
		return checkResult{Name: "store", Status: "fail", Detail: err.Error()}
	}
	_ = s.Close()
	return checkResult{Name: "store", Status: "ok", Detail: "postgres reachable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisURL == "" {
		return checkResult{Name: "redis", Status: "warn", Detail: "REDIS_URL not set (single replica fanout)"}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: opts.Addr}
}

func checkLedger(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.Ledger.Mode != config.LedgerModeEVM {
		return checkResult{Name: "ledger", Status: "ok", Detail: "in-process hash chain"}
	}
	rpc, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return checkResult{Name: "ledger", Status: "fail", Detail: err.Error()}
	}
	defer rpc.Close()
	id, err := rpc.ChainID(ctx)
	if err != nil {
		return checkResult{Name: "ledger", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "ledger", Status: "ok", Detail: "chain id " + id.String()}
}
