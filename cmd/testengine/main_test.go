package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parityScript = `#!/bin/sh
read -r line
case "$line" in
  *'"op":"generate"'*) echo '{"progress":0.5}'; echo '{"ok":true,"results":{"score":0.75}}' ;;
  *) echo '{"ok":false,"error":"unsupported op"}' ;;
esac
`

type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{t: t, dir: dir, config: filepath.Join(dir, "testengine.json")}
	c.write("testengine.json", `{
  "catalog": {"driver": "sqlite"},
  "workspace": {"temp_dir": "tmp"},
  "logging": {"level": "error"}
}`, 0o644)
	return c
}

func (c *cli) write(rel, content string, perm os.FileMode) string {
	c.t.Helper()
	path := filepath.Join(c.dir, filepath.FromSlash(rel))
	require.NoError(c.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(c.t, os.WriteFile(path, []byte(content), perm))
	return path
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), append([]string{"--config", c.config}, args...), strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

// algorithm lays out a standalone algorithm folder named parity.
func (c *cli) algorithm() string {
	c.write("algo/parity/parity.meta.json", `{
  "cid": "parity",
  "name": "Demographic parity",
  "version": "0.1.0",
  "modelType": ["classification"],
  "requireGroundTruth": false
}`, 0o644)
	c.write("algo/parity/input.schema.json", `{"type": "object", "properties": {"threshold": {"type": "number", "default": 0.5}}}`, 0o644)
	c.write("algo/parity/output.schema.json", `{"type": "object", "required": ["score"], "properties": {"score": {"type": "number"}}}`, 0o644)
	c.write("algo/parity/requirements.txt", "numpy\n", 0o644)
	c.write("algo/parity/parity", parityScript, 0o755)
	return filepath.Join(c.dir, "algo", "parity")
}

func (c *cli) taskJSON(overrides map[string]any) string {
	c.t.Helper()
	doc := map[string]any{
		"id":            "cli-task",
		"mode":          "upload",
		"testDataset":   c.write("data/test.csv", "age,approved\n31,0\n45,1\n", 0o644),
		"modelFile":     c.write("data/model.bin", "\x00\x01\x02", 0o644),
		"modelType":     "classification",
		"algorithmId":   "algo:parity:parity",
		"algorithmArgs": map[string]any{},
	}
	for k, v := range overrides {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(c.t, err)
	return string(raw)
}

func TestDiscoverListsStockAdapters(t *testing.T) {
	c := newCLI(t)

	code, out, errOut := c.run("", "discover")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "CATEGORY")
	assert.Contains(t, out, "delimiter")
	assert.Contains(t, out, "api")
}

func TestBundleLifecycle(t *testing.T) {
	c := newCLI(t)

	code, out, errOut := c.run("", "bundle", "install", c.algorithm())
	require.Equal(t, exitOK, code, errOut)
	var report struct {
		Installed []struct {
			GID string `json:"gid"`
		} `json:"installed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Installed, 1)
	assert.Equal(t, "parity", report.Installed[0].GID)

	code, out, _ = c.run("", "bundle", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "parity")

	code, out, _ = c.run("", "discover", "--json")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "algo:parity:parity")

	code, _, errOut = c.run("", "bundle", "delete", "parity")
	require.Equal(t, exitOK, code, errOut)
	code, out, _ = c.run("", "bundle", "list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "No bundles installed.")
}

func TestBundleInstallRejectsPlainFiles(t *testing.T) {
	c := newCLI(t)
	path := c.write("notes.txt", "hello", 0o644)

	code, _, errOut := c.run("", "bundle", "install", path)
	assert.Equal(t, exitTaskFailed, code)
	assert.Contains(t, errOut, "neither a directory nor a supported archive")
}

func TestBundleScanReportsEmptyDirectory(t *testing.T) {
	c := newCLI(t)
	dir := filepath.Join(c.dir, "uploads")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	code, out, errOut := c.run("", "bundle", "scan", dir)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"installed": null`)

	code, _, _ = c.run("", "bundle", "scan", filepath.Join(c.dir, "missing"))
	assert.Equal(t, exitTaskFailed, code)
}

func TestBundleDeleteAllNeedsConfirmation(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("", "bundle", "delete-all")
	assert.Equal(t, exitTaskFailed, code)
	assert.Contains(t, errOut, "--yes")

	code, out, _ := c.run("", "bundle", "delete-all", "--yes")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "deleted all bundles")
}

func TestRunTaskRejectsUnknownAlgorithm(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("", "run-task", "--task-json", c.taskJSON(nil))
	assert.Equal(t, exitParseFailed, code)
	assert.Contains(t, errOut, "TASK_ALGORITHM_NOT_FOUND")
	assert.FileExists(t, filepath.Join(c.dir, "data", "errors.json"))
}

func TestRunTaskRejectsMalformedJSON(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("", "run-task", "--task-json", "{oops")
	assert.Equal(t, exitParseFailed, code)
	assert.Contains(t, errOut, "TASK_MALFORMED")
}

func TestRunTaskReportsRunFailures(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.run("", "bundle", "install", c.algorithm())
	require.Equal(t, exitOK, code, errOut)

	code, _, errOut = c.run(c.taskJSON(nil), "run-task", "--task-json", "-")
	assert.Equal(t, exitTaskFailed, code)
	assert.Contains(t, errOut, "MODEL_DESERIALIZATION")
}

func TestRunTaskNeedsTaskJSON(t *testing.T) {
	c := newCLI(t)

	code, _, errOut := c.run("", "run-task")
	assert.Equal(t, exitTaskFailed, code)
	assert.Contains(t, errOut, "task-json")
}

func TestReadTaskJSON(t *testing.T) {
	raw, err := readTaskJSON("-", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = readTaskJSON(` {"b":2}`, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(raw))

	path := filepath.Join(t.TempDir(), "task.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"c":3}`), 0o644))
	raw, err = readTaskJSON(path, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":3}`, string(raw))

	_, err = readTaskJSON(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}
