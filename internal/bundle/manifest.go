// Package bundle validates plugin bundles, installs them under a
// content-addressed root and keeps the catalog and registry in step.
package bundle

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/schema"
)

// File names inside a bundle.
const (
	ManifestFile     = "plugin.meta.json"
	AlgorithmsDir    = "algorithms"
	WidgetsDir       = "widgets"
	InputBlocksDir   = "input_blocks"
	TemplatesDir     = "templates"
	MetaSuffix       = ".meta.json"
	RequirementsFile = "requirements.txt"
)

const maxMetaSize = 4 << 20

const (
	CodeManifestInvalid  xerrors.Code = "BUNDLE_MANIFEST_INVALID"
	CodeComponentMissing xerrors.Code = "BUNDLE_COMPONENT_MISSING"
	CodeMetaInvalid      xerrors.Code = "BUNDLE_META_INVALID"
	CodeMDXInvalid       xerrors.Code = "BUNDLE_MDX_INVALID"
	CodePathEscape       xerrors.Code = "BUNDLE_PATH_ESCAPE"
	CodeInstallFailed    xerrors.Code = "BUNDLE_INSTALL_FAILED"
	CodeLockTimeout      xerrors.Code = "BUNDLE_LOCK_TIMEOUT"
)

func init() {
	plg := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: xerrors.CategoryPlugin, Severity: xerrors.SeverityCritical}
	}
	xerrors.Register(CodeManifestInvalid, plg("bundle manifest missing or invalid"))
	xerrors.Register(CodeComponentMissing, plg("bundle component file missing"))
	xerrors.Register(CodeMetaInvalid, plg("bundle component metadata invalid"))
	xerrors.Register(CodeMDXInvalid, plg("bundle template failed MDX validation"))
	xerrors.Register(CodePathEscape, plg("bundle path escapes the bundle root"))
	xerrors.Register(CodeInstallFailed, xerrors.Attributes{
		Message: "bundle install failed", Category: xerrors.CategorySystem, Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeLockTimeout, xerrors.Attributes{
		Message: "bundle install lock not acquired", Category: xerrors.CategorySystem, Severity: xerrors.SeverityCritical, Retryable: true,
	})
}

var (
	//go:embed schemas/plugin.meta.schema.json
	manifestSchemaJSON []byte
	//go:embed schemas/algorithm.meta.schema.json
	algorithmSchemaJSON []byte
	//go:embed schemas/widget.meta.schema.json
	widgetSchemaJSON []byte
	//go:embed schemas/inputblock.meta.schema.json
	inputBlockSchemaJSON []byte
	//go:embed schemas/template.meta.schema.json
	templateSchemaJSON []byte
	//go:embed schemas/template.data.schema.json
	templateDataSchemaJSON []byte

	manifestSchema     = schema.MustCompile(manifestSchemaJSON)
	algorithmSchema    = schema.MustCompile(algorithmSchemaJSON)
	widgetSchema       = schema.MustCompile(widgetSchemaJSON)
	inputBlockSchema   = schema.MustCompile(inputBlockSchemaJSON)
	templateSchema     = schema.MustCompile(templateSchemaJSON)
	templateDataSchema = schema.MustCompile(templateDataSchemaJSON)
)

// ComponentCounts is the optional per-kind declaration in a manifest.
type ComponentCounts struct {
	Algorithms  *int `json:"algorithms,omitempty"`
	Widgets     *int `json:"widgets,omitempty"`
	InputBlocks *int `json:"inputBlocks,omitempty"`
	Templates   *int `json:"templates,omitempty"`
}

// Manifest is plugin.meta.json.
type Manifest struct {
	GID             string          `json:"gid"`
	Version         string          `json:"version"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Author          string          `json:"author,omitempty"`
	URL             string          `json:"url,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	ComponentCounts ComponentCounts `json:"componentCounts"`
}

// AlgorithmMeta is algorithms/<cid>/<cid>.meta.json.
type AlgorithmMeta struct {
	CID                string   `json:"cid"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version,omitempty"`
	Author             string   `json:"author,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	ModelType          []string `json:"modelType"`
	RequireGroundTruth *bool    `json:"requireGroundTruth,omitempty"`
	InputSchema        string   `json:"inputSchema,omitempty"`
	OutputSchema       string   `json:"outputSchema,omitempty"`
	Runtime            string   `json:"runtime,omitempty"`
	Entry              string   `json:"entry,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
}

// GroundTruthRequired defaults to true when the field is absent.
func (m AlgorithmMeta) GroundTruthRequired() bool {
	return m.RequireGroundTruth == nil || *m.RequireGroundTruth
}

func (m *AlgorithmMeta) applyDefaults() {
	if m.InputSchema == "" {
		m.InputSchema = "input.schema.json"
	}
	if m.OutputSchema == "" {
		m.OutputSchema = "output.schema.json"
	}
	if m.Runtime == "" {
		m.Runtime = "exec"
	}
	if m.Entry == "" {
		m.Entry = m.CID
	}
}

// MockData points a widget at sample output of another component.
type MockData struct {
	Type     string `json:"type"`
	GID      string `json:"gid,omitempty"`
	CID      string `json:"cid"`
	DataPath string `json:"datapath"`
}

// ComponentMeta covers the shared fields of widget, input block and template metas.
type ComponentMeta struct {
	CID         string     `json:"cid"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     string     `json:"version,omitempty"`
	Author      string     `json:"author,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	MockData    []MockData `json:"mockdata,omitempty"`
}

// readMeta reads a JSON document, validates it and decodes it into out. The
// raw bytes are returned for cataloguing.
func readMeta(path string, s *schema.Schema, code xerrors.Code, out any) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(CodeComponentMissing, err, fmt.Sprintf("%s is missing", path))
		}
		return nil, xerrors.Wrap(code, err, fmt.Sprintf("open %s", path))
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxMetaSize+1))
	if err != nil {
		return nil, xerrors.Wrap(code, err, fmt.Sprintf("read %s", path))
	}
	if len(raw) > maxMetaSize {
		return nil, xerrors.New(code, fmt.Sprintf("%s exceeds %d bytes", path, maxMetaSize))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(code, err, fmt.Sprintf("decode %s", path))
	}
	if err := s.Check(path, doc); err != nil {
		return nil, xerrors.Wrap(code, err, fmt.Sprintf("validate %s", path))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, xerrors.Wrap(code, err, fmt.Sprintf("decode %s", path))
		}
	}
	return raw, nil
}

// ReadManifest reads and validates the manifest of the bundle rooted at dir.
func ReadManifest(dir string) (*Manifest, []byte, error) {
	var m Manifest
	raw, err := readMeta(filepath.Join(dir, ManifestFile), manifestSchema, CodeManifestInvalid, &m)
	if err != nil {
		if xerrors.CodeOf(err) == CodeComponentMissing {
			return nil, nil, xerrors.Wrap(CodeManifestInvalid, err, "bundle has no manifest")
		}
		return nil, nil, err
	}
	return &m, raw, nil
}
