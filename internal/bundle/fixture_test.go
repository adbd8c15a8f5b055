package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const algorithmScript = `#!/bin/sh
read -r line
case "$line" in
  *'"op":"generate"'*) echo '{"progress":0.5}'; echo '{"ok":true,"results":{"score":0.75}}' ;;
  *) echo '{"ok":false,"error":"unsupported op"}' ;;
esac
`

// fixture is a complete bundle laid out under dir/<gid>.
type fixture struct {
	t    *testing.T
	root string
}

func writeTestFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func newFixture(t *testing.T, dir, gid string) *fixture {
	t.Helper()
	f := &fixture{t: t, root: filepath.Join(dir, gid)}
	f.write(ManifestFile, `{
  "gid": "`+gid+`",
  "version": "1.2.0",
  "name": "Fairness toolkit",
  "author": "QA",
  "url": "https://example.org/fairness",
  "tags": ["fairness"],
  "componentCounts": {"algorithms": 1, "widgets": 1, "inputBlocks": 1, "templates": 1}
}`)

	f.write("algorithms/parity/parity.meta.json", `{
  "cid": "parity",
  "name": "Demographic parity",
  "version": "0.1.0",
  "modelType": ["classification"],
  "requireGroundTruth": false
}`)
	f.write("algorithms/parity/input.schema.json", `{"type": "object", "properties": {"threshold": {"type": "number", "default": 0.5}}}`)
	f.write("algorithms/parity/output.schema.json", `{"type": "object", "required": ["score"], "properties": {"score": {"type": "number"}}}`)
	f.write("algorithms/parity/requirements.txt", "numpy\n")
	writeTestFile(t, filepath.Join(f.root, "algorithms/parity/parity"), algorithmScript, 0o755)

	f.write("widgets/bar-chart.meta.json", `{
  "cid": "bar-chart",
  "name": "Bar chart",
  "widgetSize": {"minW": 2, "minH": 2},
  "mockdata": [{"type": "Algorithm", "cid": "parity", "datapath": "sample/parity.json"}]
}`)
	f.write("widgets/bar-chart.mdx", "# Parity\n\n<Chart data={props.data} />\n\n:::note\nValues are rounded.\n:::\n")
	f.write("widgets/sample/parity.json", `{"score": 0.8}`)

	f.write("input_blocks/checklist.meta.json", `{"cid": "checklist", "name": "Checklist", "width": "md"}`)
	f.write("input_blocks/checklist.mdx", "## Checklist\n\n<input type=\"checkbox\" /> reviewed\n")
	f.write("input_blocks/checklist.summary.mdx", "Checked: {props.count}\n")

	f.write("templates/summary.meta.json", `{"cid": "summary", "name": "Summary report"}`)
	f.write("templates/summary.data.json", `{"pages": [{"layouts": [], "reportWidgets": [{"widgetGID": "`+gid+`:bar-chart", "key": "w1"}]}]}`)
	return f
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()
	writeTestFile(f.t, filepath.Join(f.root, filepath.FromSlash(rel)), content, 0o644)
}

func (f *fixture) remove(rel string) {
	f.t.Helper()
	require.NoError(f.t, os.Remove(filepath.Join(f.root, filepath.FromSlash(rel))))
}
