package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"TestEngine-Core/internal/archive"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

// sourceExtensions are treated as companion code rather than pipeline
// artifacts when scanning a pipeline directory.
var sourceExtensions = map[string]bool{
	".py": true, ".sh": true, ".wasm": true, ".go": true, ".js": true,
}

// PipelineResult is a resolved pipeline. Close must be called once the
// pipeline is no longer used; it removes any extracted archive.
type PipelineResult struct {
	Pipeline   plugin.Pipeline
	Serializer *plugin.Module
	Adapter    *plugin.Module
	// Custom is set when the pipeline came from a constructor rather than an artifact.
	Custom bool

	closeOnce sync.Once
	cleanups  []func()
}

// Close releases temporary files held by the pipeline.
func (r *PipelineResult) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		for i := len(r.cleanups) - 1; i >= 0; i-- {
			r.cleanups[i]()
		}
	})
}

// PipelineManager resolves pipeline files, directories and archives.
type PipelineManager struct {
	reg  *plugin.Registry
	opts Options
}

// NewPipelineManager constructs a PipelineManager.
func NewPipelineManager(reg *plugin.Registry, opts Options) *PipelineManager {
	return &PipelineManager{reg: reg, opts: opts.withDefaults()}
}

// ReadPath resolves path into a pipeline.
func (m *PipelineManager) ReadPath(ctx context.Context, path string) (_ *PipelineResult, err error) {
	var cleanups []func()
	release := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	defer func() {
		if err != nil {
			release()
			report(m.opts, err, "pipeline-manager")
		}
	}()

	local, cleanup, err := localize(ctx, m.opts, path)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, cleanup)

	if archive.IsArchive(local) {
		dir, err := m.extract(ctx, local)
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, func() { _ = os.RemoveAll(dir) })
		local = dir
	}

	info, err := os.Stat(local)
	if err != nil {
		return nil, xerrors.Wrap(CodeNoPipelineArtifact, err, fmt.Sprintf("read pipeline %s", path))
	}

	var res *PipelineResult
	if info.IsDir() {
		res, err = m.readDir(ctx, local)
	} else {
		res, err = m.readFile(ctx, m.reg, local)
	}
	if err != nil {
		return nil, err
	}
	// Pipelines served by exec or wasm plugins read from the extracted tree
	// for as long as they live, so cleanup waits for Close.
	if res.Adapter != nil && res.Adapter.Descriptor.Runtime != plugin.RuntimeBuiltin {
		res.cleanups = cleanups
	} else {
		release()
	}
	return res, nil
}

func (m *PipelineManager) extract(ctx context.Context, src string) (string, error) {
	dir, err := os.MkdirTemp(m.opts.TempDir, "pipeline-")
	if err != nil {
		return "", xerrors.Wrap(CodeExtractFailed, err, "create extraction dir")
	}
	if m.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ExtractTimeout)
		defer cancel()
	}
	if err := archive.Extract(ctx, src, dir, m.opts.MaxExtractBytes); err != nil {
		_ = os.RemoveAll(dir)
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "extract pipeline archive", xerrors.WithCategory(xerrors.CategorySystem))
		}
		return "", xerrors.Wrap(CodeExtractFailed, err, "extract pipeline archive")
	}
	return dir, nil
}

func (m *PipelineManager) readFile(ctx context.Context, reg *plugin.Registry, path string) (*PipelineResult, error) {
	serializers, err := reg.Get(plugin.CategorySerializer)
	if err != nil {
		return nil, err
	}
	obj, ser := Probe(ctx, path, serializers, m.opts.SerializerTimeout, m.opts.Logger)
	if ser == nil {
		return nil, xerrors.New(CodePipelineDeserialization, fmt.Sprintf("no serializer could read %s", path))
	}
	adapters, err := reg.Get(plugin.CategoryPipeline)
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		pp, ok := a.Adapter.(plugin.PipelinePlugin)
		if !ok || !pp.IsSupported(ctx, obj) {
			continue
		}
		p, err := pp.Wrap(ctx, obj)
		if err != nil {
			m.opts.Logger.Warn("pipeline adapter failed to wrap", "adapter", a.Descriptor.Name, "path", path, "error", err)
			continue
		}
		return &PipelineResult{Pipeline: p, Serializer: ser, Adapter: a}, nil
	}
	return nil, xerrors.New(CodeUnsupportedPipeline, fmt.Sprintf("no pipeline adapter recognised %s", path))
}

func (m *PipelineManager) readDir(ctx context.Context, dir string) (*PipelineResult, error) {
	artifacts, sources, err := m.partition(dir)
	if err != nil {
		return nil, xerrors.Wrap(CodeNoPipelineArtifact, err, fmt.Sprintf("scan pipeline dir %s", dir))
	}

	scoped := m.reg
	if len(sources) > 0 && len(m.opts.Loaders) > 0 {
		scoped = m.reg.Clone()
		d := plugin.NewDiscoverer(scoped, m.opts.Loaders, plugin.WithCollector(m.opts.Collector), plugin.WithLogger(m.opts.Logger))
		if _, err := d.Discover(ctx, dir, ""); err != nil {
			return nil, xerrors.Wrap(CodeCustomInstantiation, err, fmt.Sprintf("load companion plugins in %s", dir))
		}
	}

	if len(artifacts) > 0 {
		return m.readFile(ctx, scoped, artifacts[0])
	}
	return m.custom(ctx, scoped, dir)
}

// custom builds the first pipeline plugin that can construct itself.
func (m *PipelineManager) custom(ctx context.Context, reg *plugin.Registry, dir string) (*PipelineResult, error) {
	adapters, err := reg.Get(plugin.CategoryPipeline)
	if err != nil {
		return nil, err
	}
	var failures []error
	for _, a := range adapters {
		c, ok := a.Adapter.(plugin.PipelineConstructor)
		if !ok {
			continue
		}
		p, err := c.NewPipeline(ctx)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", a.Descriptor.Name, err))
			continue
		}
		return &PipelineResult{Pipeline: p, Adapter: a, Custom: true}, nil
	}
	if len(failures) > 0 {
		return nil, xerrors.Wrap(CodeCustomInstantiation, errors.Join(failures...), fmt.Sprintf("custom pipeline in %s", dir))
	}
	return nil, xerrors.New(CodeNoPipelineArtifact, fmt.Sprintf("%s holds no pipeline artifact or constructor", dir))
}

// partition splits the regular files under dir into artifacts and source
// files, both in lexical order.
func (m *PipelineManager) partition(dir string) (artifacts, sources []string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && plugin.IsPrivate(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if m.isSource(p) {
			sources = append(sources, p)
		} else {
			artifacts = append(artifacts, p)
		}
		return nil
	})
	sort.Strings(artifacts)
	sort.Strings(sources)
	return artifacts, sources, err
}

func (m *PipelineManager) isSource(path string) bool {
	if sourceExtensions[strings.ToLower(filepath.Ext(path))] {
		return true
	}
	for _, l := range m.opts.Loaders {
		if l.Match(path) {
			return true
		}
	}
	return false
}

// Resolve implements plugin.Resolver with args {"path": string}. The caller
// owns the returned pipeline; temporary files are released when it is
// cleaned up.
func (m *PipelineManager) Resolve(ctx context.Context, _ *plugin.Registry, args map[string]any) (any, *plugin.Module, error) {
	path, err := argString(args, "path")
	if err != nil {
		return nil, nil, err
	}
	res, err := m.ReadPath(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return &closingPipeline{Pipeline: res.Pipeline, res: res}, res.Serializer, nil
}

// closingPipeline ties PipelineResult.Close to Model.Cleanup.
type closingPipeline struct {
	plugin.Pipeline
	res *PipelineResult
}

func (p *closingPipeline) Cleanup() error {
	defer p.res.Close()
	return p.Pipeline.Cleanup()
}
