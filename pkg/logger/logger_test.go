package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "core.log")
	audit := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:   "debug",
		Outputs: []string{out},
		Audit:   AuditConfig{Enabled: true, Path: audit},
	}))
	t.Cleanup(func() { _ = Sync() })

	Named("registry").Debug("registered", "name", "pandas")
	ForTask("t-1", "algo:x:y").Info("progress", "percent", 10)
	Audit().Info("bundle installed", "gid", "x.y")
	require.NoError(t, Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"component":"registry"`)
	assert.Contains(t, string(raw), `"task_id":"t-1"`)

	raw, err = os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"gid":"x.y"`)
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Outputs: []string{"discard"}, Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	require.NoError(t, err)
	w.maxSize = 16

	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte(strings.Repeat("x", 10)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}
