package plugin

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/schema"
)

//go:embed schemas/descriptor.schema.json
var descriptorSchemaJSON []byte

var descriptorSchema = schema.MustCompile(descriptorSchemaJSON)

const maxDescriptorSize = 1 << 20

// Loader turns a candidate file into zero or more plugin modules.
type Loader interface {
	Match(path string) bool
	Load(ctx context.Context, path string) ([]*Module, error)
}

type descriptorFile struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Version      string         `yaml:"version"`
	Category     Category       `yaml:"category"`
	Priority     string         `yaml:"priority"`
	Runtime      Runtime        `yaml:"runtime"`
	Entry        string         `yaml:"entry"`
	Capabilities []Capability   `yaml:"capabilities"`
	Config       map[string]any `yaml:"config"`
}

// DescriptorLoader loads *.plugin.yaml descriptor files.
type DescriptorLoader struct {
	Wasm        *WasmRuntime
	Policy      IsolationPolicy
	Isolation   IsolationStrategy
	CallTimeout time.Duration
}

// Match implements Loader.
func (l *DescriptorLoader) Match(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".plugin.yaml") || strings.HasSuffix(base, ".plugin.yml")
}

// Load implements Loader.
func (l *DescriptorLoader) Load(ctx context.Context, path string) ([]*Module, error) {
	desc, err := ReadDescriptor(path)
	if err != nil {
		return nil, err
	}
	m, err := l.Instantiate(ctx, desc)
	if err != nil {
		return nil, err
	}
	return []*Module{m}, nil
}

// Instantiate checks desc against the isolation policy and builds its adapter.
// Loaders for other file formats use it once they have a Descriptor.
func (l *DescriptorLoader) Instantiate(ctx context.Context, desc Descriptor) (*Module, error) {
	if err := NewIsolationStrategy(l.Isolation).Validate(desc, l.Policy); err != nil {
		return nil, err
	}
	adapter, err := l.build(ctx, desc)
	if err != nil {
		return nil, xerrors.Wrap(CodePluginLoad, err, fmt.Sprintf("load plugin %s from %s", desc.Name, desc.Source))
	}
	return NewModule(desc, adapter)
}

func (l *DescriptorLoader) build(ctx context.Context, desc Descriptor) (any, error) {
	switch desc.Runtime {
	case RuntimeBuiltin:
		return buildBuiltin(desc)
	case RuntimeExec:
		entry, err := ResolveEntry(desc.Dir, desc.Entry)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(entry)
		if err != nil {
			return nil, err
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return nil, fmt.Errorf("entry %s is not executable", desc.Entry)
		}
		return NewRemoteAdapter(desc, &ExecTransport{Name: desc.Name, Path: entry, Dir: desc.Dir, Timeout: l.CallTimeout})
	case RuntimeWasm:
		if l.Wasm == nil {
			return nil, fmt.Errorf("wasm runtime not configured")
		}
		entry, err := ResolveEntry(desc.Dir, desc.Entry)
		if err != nil {
			return nil, err
		}
		module, err := os.ReadFile(entry)
		if err != nil {
			return nil, err
		}
		t, err := l.Wasm.Compile(ctx, desc.Name, module, desc.Dir, l.CallTimeout)
		if err != nil {
			return nil, err
		}
		return NewRemoteAdapter(desc, t)
	default:
		return nil, fmt.Errorf("unsupported runtime %q", desc.Runtime)
	}
}

// ReadDescriptor parses and validates a descriptor file.
func ReadDescriptor(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Descriptor{}, xerrors.Wrap(CodeInvalidDescriptor, err, "open descriptor")
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxDescriptorSize+1))
	if err != nil {
		return Descriptor{}, xerrors.Wrap(CodeInvalidDescriptor, err, "read descriptor")
	}
	if len(raw) > maxDescriptorSize {
		return Descriptor{}, xerrors.New(CodeInvalidDescriptor, fmt.Sprintf("descriptor %s exceeds %d bytes", path, maxDescriptorSize))
	}
	return ParseDescriptor(raw, path)
}

// ParseDescriptor validates raw YAML against the descriptor schema. source
// anchors relative entries.
func ParseDescriptor(raw []byte, source string) (Descriptor, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Descriptor{}, xerrors.Wrap(CodeInvalidDescriptor, err, "decode descriptor")
	}
	if doc == nil {
		return Descriptor{}, xerrors.New(CodeInvalidDescriptor, "descriptor is empty")
	}
	if err := descriptorSchema.Check(source, doc); err != nil {
		return Descriptor{}, xerrors.Wrap(CodeInvalidDescriptor, err, "validate descriptor")
	}
	var file descriptorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Descriptor{}, xerrors.Wrap(CodeInvalidDescriptor, err, "decode descriptor")
	}
	if file.Version != "" && !ValidVersion(file.Version) {
		return Descriptor{}, xerrors.New(CodeInvalidDescriptor, fmt.Sprintf("version %q is not a semantic version", file.Version))
	}
	if file.Category == CategoryAlgorithm && file.Runtime != RuntimeBuiltin {
		return Descriptor{}, xerrors.New(CodeInvalidDescriptor, "out-of-process algorithms are installed from bundles")
	}
	source, _ = filepath.Abs(source)
	return Descriptor{
		Name:         file.Name,
		Description:  file.Description,
		Version:      file.Version,
		Category:     file.Category,
		Priority:     file.Priority,
		Runtime:      file.Runtime,
		Entry:        file.Entry,
		Capabilities: file.Capabilities,
		Config:       file.Config,
		Source:       source,
		Dir:          filepath.Dir(source),
	}, nil
}

// ResolveEntry joins entry to dir and rejects results outside dir.
func ResolveEntry(dir, entry string) (string, error) {
	if filepath.IsAbs(entry) {
		return "", fmt.Errorf("entry %s must be relative to the plugin directory", entry)
	}
	full := filepath.Join(dir, entry)
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %s escapes the plugin directory", entry)
	}
	return full, nil
}
