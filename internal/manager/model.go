package manager

import (
	"context"
	"fmt"
	"os"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

// ModelResult is a resolved model.
type ModelResult struct {
	Model      plugin.Model
	Serializer *plugin.Module
	Adapter    *plugin.Module
}

// ModelManager resolves model files and API model configurations.
type ModelManager struct {
	reg  *plugin.Registry
	opts Options
}

// NewModelManager constructs a ModelManager.
func NewModelManager(reg *plugin.Registry, opts Options) *ModelManager {
	return &ModelManager{reg: reg, opts: opts.withDefaults()}
}

// ReadFile resolves a single model file or URL.
func (m *ModelManager) ReadFile(ctx context.Context, path string) (*ModelResult, error) {
	local, cleanup, err := localize(ctx, m.opts, path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	info, err := os.Stat(local)
	if err != nil {
		return nil, report(m.opts, xerrors.Wrap(CodeModelDeserialization, err, fmt.Sprintf("read model %s", path)), "model-manager")
	}
	if info.IsDir() {
		return nil, report(m.opts, xerrors.New(CodeModelDeserialization, fmt.Sprintf("model %s is a directory", path)), "model-manager")
	}
	serializers, err := m.reg.Get(plugin.CategorySerializer)
	if err != nil {
		return nil, err
	}
	obj, ser := Probe(ctx, local, serializers, m.opts.SerializerTimeout, m.opts.Logger)
	if ser == nil {
		return nil, report(m.opts, xerrors.New(CodeModelDeserialization, fmt.Sprintf("no serializer could read %s", path)), "model-manager")
	}
	adapters, err := m.reg.Get(plugin.CategoryModel)
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		mp, ok := a.Adapter.(plugin.ModelPlugin)
		if !ok || !mp.IsSupported(ctx, obj) {
			continue
		}
		model, err := mp.Wrap(ctx, obj)
		if err != nil {
			m.opts.Logger.Warn("model adapter failed to wrap", "adapter", a.Descriptor.Name, "path", path, "error", err)
			continue
		}
		return &ModelResult{Model: model, Serializer: ser, Adapter: a}, nil
	}
	return nil, report(m.opts, xerrors.New(CodeUnsupportedModel, fmt.Sprintf("no model adapter recognised %s", path)), "model-manager")
}

// ReadAPI validates apiConfig against apiSchema with the first API-capable
// model adapter and returns the API-backed model.
func (m *ModelManager) ReadAPI(ctx context.Context, apiSchema, apiConfig map[string]any) (*ModelResult, error) {
	adapters, err := m.reg.Get(plugin.CategoryModel)
	if err != nil {
		return nil, err
	}
	for _, a := range adapters {
		ap, ok := a.Adapter.(plugin.APIModelPlugin)
		if !ok {
			continue
		}
		if err := ap.ValidateConfig(apiSchema, apiConfig); err != nil {
			return nil, report(m.opts, xerrors.Wrap(CodeAPIModelRejected, err, "api model configuration"), "model-manager")
		}
		model, err := ap.NewFromAPI(apiSchema, apiConfig)
		if err != nil {
			return nil, report(m.opts, xerrors.Wrap(CodeAPIModelRejected, err, "construct api model"), "model-manager")
		}
		return &ModelResult{Model: model, Adapter: a}, nil
	}
	return nil, report(m.opts, xerrors.New(CodeUnsupportedModel, "no api model adapter is registered"), "model-manager")
}

// Resolve implements plugin.Resolver. It accepts {"path": string} or
// {"api_schema": map, "api_config": map}.
func (m *ModelManager) Resolve(ctx context.Context, _ *plugin.Registry, args map[string]any) (any, *plugin.Module, error) {
	if cfg, ok := args["api_config"].(map[string]any); ok {
		sch, _ := args["api_schema"].(map[string]any)
		res, err := m.ReadAPI(ctx, sch, cfg)
		if err != nil {
			return nil, nil, err
		}
		return res.Model, nil, nil
	}
	path, err := argString(args, "path")
	if err != nil {
		return nil, nil, err
	}
	res, err := m.ReadFile(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return res.Model, res.Serializer, nil
}
