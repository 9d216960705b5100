package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/config"
	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
	"github.com/Mindburn-Labs/quorum/pkg/store"
)

func liteEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"QUORUM_CONFIG", "DATABASE_URL", "REDIS_URL", "LEDGER_MODE", "OTEL_ENABLED", "AUTH_JWT_SECRET"} {
		t.Setenv(k, "")
	}
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func TestRun_Dispatch(t *testing.T) {
	started := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { started++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"quorum"}, &stdout, &stderr))
	assert.Equal(t, 0, Run([]string{"quorum", "serve"}, &stdout, &stderr))
	assert.Equal(t, 0, Run([]string{"quorum", "--port=1"}, &stdout, &stderr))
	assert.Equal(t, 3, started)

	assert.Equal(t, 0, Run([]string{"quorum", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "quorum dev")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"quorum", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "reconcile")

	assert.Equal(t, 2, Run([]string{"quorum", "frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: frobnicate")
}

func TestHealth_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"quorum", "health", "--url", base, "--timeout", "1s"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Health check failed")
	assert.Empty(t, stdout.String())
}

func TestDoctor_LiteMode(t *testing.T) {
	liteEnv(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"quorum", "doctor", "--json"}, &stdout, &stderr), stderr.String())

	var out struct {
		OK     bool          `json:"ok"`
		Checks []checkResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.True(t, out.OK)
	names := make([]string, 0, len(out.Checks))
	for _, c := range out.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"go_runtime", "config", "store", "redis", "ledger"}, names)
}

func TestCheckRuntime(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"go1.24.3", "ok"},
		{"go1.26", "ok"},
		{"go1.22.1", "fail"},
		{"devel go1.27-4b1a2c3", "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, checkRuntime(tt.version).Status)
		})
	}
}

func TestDoctor_BadConfigFails(t *testing.T) {
	liteEnv(t)
	t.Setenv("LEDGER_MODE", "evm")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"quorum", "doctor"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "evm ledger needs")
}

func TestReconcile_RequeuesSyncFailed(t *testing.T) {
	dir := liteEnv(t)
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, filepath.Join(dir, "quorum.db"))
	require.NoError(t, err)
	s := store.NewSQLStore(db)
	require.NoError(t, s.Init(ctx))
	op, err := ledger.ExpireProposal("uni", "3")
	require.NoError(t, err)
	_, err = s.PutOperation(ctx, op)
	require.NoError(t, err)
	require.NoError(t, s.UpdateOperation(ctx, op.Key, contracts.OutboxSyncFailed, 6, "rpc timeout"))
	require.NoError(t, s.Close())

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"quorum", "reconcile", "--list"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "1 sync-failed, 0 requeued")

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"quorum", "reconcile", "--json"}, &stdout, &stderr), stderr.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, 1.0, out["requeued"])

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"quorum", "reconcile"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "0 sync-failed, 0 requeued")
}

func TestApp_ServesLiteMode(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	logger := newLogger("ERROR", io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"quorum", "health", "--url", base}, &stdout, &stderr), stderr.String())
	assert.Equal(t, "OK\n", stdout.String())

	resp, err := http.Post(base+"/v1/proposals", "application/json",
		strings.NewReader(`{"ledger_ref":"1","group":"uni","proposer":"alice"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(base+"/v1/proposals/1/votes", "application/json",
		strings.NewReader(`{"voter":"bob","option":"yes"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The vote reaches the chain through the running queue.
	require.Eventually(t, func() bool {
		recs, err := a.queue.Records(ctx, contracts.OutboxDone)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
