package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/schema"
)

// AlgorithmID is the registry name of an algorithm component.
func AlgorithmID(gid, cid string) string {
	return "algo:" + gid + ":" + cid
}

// ParseAlgorithmID splits "algo:<gid>:<cid>".
func ParseAlgorithmID(id string) (gid, cid string, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "algo" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// AlgorithmLoader loads algorithms/<cid>/<cid>.meta.json files of installed
// bundles into algorithm plugins. Builtin algorithms resolve their entry as a
// factory name; exec and wasm algorithms go through Runtime.
type AlgorithmLoader struct {
	Runtime *plugin.DescriptorLoader
}

// Match implements plugin.Loader.
func (l *AlgorithmLoader) Match(path string) bool {
	dir := filepath.Dir(path)
	cid := filepath.Base(dir)
	return filepath.Base(path) == cid+MetaSuffix && filepath.Base(filepath.Dir(dir)) == AlgorithmsDir
}

// Load implements plugin.Loader.
func (l *AlgorithmLoader) Load(ctx context.Context, path string) ([]*plugin.Module, error) {
	algoDir := filepath.Dir(path)
	root := filepath.Dir(filepath.Dir(algoDir))
	m, _, err := ReadManifest(root)
	if err != nil {
		return nil, err
	}
	meta, _, err := ReadAlgorithmMeta(algoDir)
	if err != nil {
		return nil, err
	}
	desc, err := AlgorithmDescriptor(m.GID, root, algoDir, meta)
	if err != nil {
		return nil, err
	}
	runtime := l.Runtime
	if runtime == nil {
		runtime = &plugin.DescriptorLoader{}
	}
	mod, err := runtime.Instantiate(ctx, desc)
	if err != nil {
		return nil, err
	}
	return []*plugin.Module{mod}, nil
}

// AlgorithmDescriptor builds the registry descriptor of one algorithm.
func AlgorithmDescriptor(gid, root, algoDir string, meta *AlgorithmMeta) (plugin.Descriptor, error) {
	load := func(ref string) (*schema.Schema, error) {
		path, err := joinWithin(root, algoDir, ref)
		if err != nil {
			return nil, xerrors.Wrap(CodePathEscape, err, fmt.Sprintf("algorithm %s", meta.CID))
		}
		s, err := schema.Load(path)
		if err != nil {
			return nil, xerrors.Wrap(CodeMetaInvalid, err, fmt.Sprintf("algorithm %s", meta.CID))
		}
		return s, nil
	}
	in, err := load(meta.InputSchema)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	out, err := load(meta.OutputSchema)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	caps := make([]plugin.Capability, len(meta.Capabilities))
	for i, c := range meta.Capabilities {
		caps[i] = plugin.Capability(c)
	}
	modelTypes := make([]plugin.ModelType, len(meta.ModelType))
	for i, t := range meta.ModelType {
		modelTypes[i] = plugin.ModelType(t)
	}
	id := AlgorithmID(gid, meta.CID)
	return plugin.Descriptor{
		Name:         id,
		Description:  meta.Description,
		Version:      meta.Version,
		Category:     plugin.CategoryAlgorithm,
		Runtime:      plugin.Runtime(meta.Runtime),
		Entry:        meta.Entry,
		Capabilities: caps,
		Source:       filepath.Join(algoDir, meta.CID+MetaSuffix),
		Dir:          algoDir,
		Algorithm: &plugin.AlgorithmMeta{
			GID:                gid,
			CID:                meta.CID,
			Name:               meta.Name,
			Description:        meta.Description,
			Version:            meta.Version,
			Tags:               meta.Tags,
			ModelTypes:         modelTypes,
			RequireGroundTruth: meta.GroundTruthRequired(),
			InputSchema:        in,
			OutputSchema:       out,
			BasePath:           root,
		},
	}, nil
}
