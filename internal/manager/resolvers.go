package manager

import (
	"context"
	"fmt"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

// Set bundles the managers bound to one registry.
type Set struct {
	Data     *DataManager
	Model    *ModelManager
	Pipeline *PipelineManager
}

// Install creates the managers for reg and installs them as the registry's
// resolvers so GetInstance dispatches by category.
func Install(reg *plugin.Registry, opts Options) *Set {
	opts = opts.withDefaults()
	s := &Set{
		Data:     NewDataManager(reg, opts),
		Model:    NewModelManager(reg, opts),
		Pipeline: NewPipelineManager(reg, opts),
	}
	reg.SetResolver(plugin.CategoryData, s.Data)
	reg.SetResolver(plugin.CategoryModel, s.Model)
	reg.SetResolver(plugin.CategoryPipeline, s.Pipeline)
	reg.SetResolver(plugin.CategorySerializer, plugin.ResolverFunc(func(ctx context.Context, r *plugin.Registry, args map[string]any) (any, *plugin.Module, error) {
		path, err := argString(args, "path")
		if err != nil {
			return nil, nil, err
		}
		serializers, err := r.Get(plugin.CategorySerializer)
		if err != nil {
			return nil, nil, err
		}
		obj, ser := Probe(ctx, path, serializers, opts.SerializerTimeout, opts.Logger)
		if ser == nil {
			return nil, nil, xerrors.New(CodeNoDataInstances, fmt.Sprintf("no serializer could read %s", path))
		}
		return obj, ser, nil
	}))
	reg.SetResolver(plugin.CategoryAlgorithm, plugin.ResolverFunc(func(_ context.Context, r *plugin.Registry, args map[string]any) (any, *plugin.Module, error) {
		id, err := argString(args, "id")
		if err != nil {
			return nil, nil, err
		}
		mod, err := r.Lookup(plugin.CategoryAlgorithm, id)
		if err != nil {
			return nil, nil, err
		}
		return mod.Adapter, nil, nil
	}))
	return s
}
