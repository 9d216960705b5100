package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLayering(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(filepath.Join("..", ".."), &stdout, &stderr), stdout.String()+stderr.String())
}

func TestCheck_ReportsForbiddenImport(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "store")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := "package store\n\nimport _ \"github.com/Mindburn-Labs/quorum/pkg/lifecycle\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "store.go"), []byte(src), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "store_test.go"), []byte(src), 0o644))

	got, err := check(root, []layerRule{{Dir: "pkg/store", Forbidden: []string{modulePrefix + "pkg/lifecycle"}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "pkg/store/store.go:3")
}

func TestCheck_MissingDir(t *testing.T) {
	_, err := check(t.TempDir(), []layerRule{{Dir: "pkg/none"}})
	assert.Error(t, err)
}
