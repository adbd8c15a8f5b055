package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TestEngine-Core/internal/errors"
)

func TestRegistryOrdersByPriorityTable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(CategoryData, "csv", module(t, CategoryData, "csv", "delimiter", fakeDataPlugin{})))
	require.NoError(t, reg.Register(CategoryData, "custom", module(t, CategoryData, "custom", "parquet", fakeDataPlugin{})))
	require.NoError(t, reg.Register(CategoryData, "frame", module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})))
	require.NoError(t, reg.Register(CategoryData, "png", module(t, CategoryData, "png", "image", fakeDataPlugin{})))

	assert.Equal(t, []string{"frame", "png", "csv", "custom"}, reg.Names(CategoryData))

	require.NoError(t, reg.Register(CategorySerializer, "img", module(t, CategorySerializer, "img", "image", fakeSerializer{})))
	require.NoError(t, reg.Register(CategorySerializer, "pkl", module(t, CategorySerializer, "pkl", "pickle", fakeSerializer{})))
	require.NoError(t, reg.Register(CategorySerializer, "jl", module(t, CategorySerializer, "jl", "joblib", fakeSerializer{})))
	assert.Equal(t, []string{"pkl", "jl", "img"}, reg.Names(CategorySerializer))
}

func TestRegistryReplaceKeepsSingleEntry(t *testing.T) {
	reg := NewRegistry()
	first := module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})
	second := module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})
	require.NoError(t, reg.Register(CategoryData, "frame", first))
	require.NoError(t, reg.Register(CategoryData, "frame", second))

	assert.Equal(t, 1, reg.Len(CategoryData))
	got, err := reg.Lookup(CategoryData, "frame")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRegistryAlgorithmsKeepInsertionOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"algo:b:x", "algo:a:x", "algo:c:x"} {
		require.NoError(t, reg.Register(CategoryAlgorithm, name, &Module{Descriptor: Descriptor{Name: name, Category: CategoryAlgorithm}}))
	}
	require.NoError(t, reg.Register(CategoryAlgorithm, "algo:a:x", &Module{Descriptor: Descriptor{Name: "algo:a:x", Category: CategoryAlgorithm}}))
	assert.Equal(t, []string{"algo:b:x", "algo:a:x", "algo:c:x"}, reg.Names(CategoryAlgorithm))
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get(Category("widget"))
	assert.Equal(t, CodeUnknownCategory, xerrors.CodeOf(err))

	err = reg.Remove(CategoryModel, "missing")
	assert.Equal(t, CodePluginNotFound, xerrors.CodeOf(err))

	m := module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})
	require.NoError(t, reg.Install(CategoryData, "frame", m))
	err = reg.Install(CategoryData, "frame", m)
	assert.Equal(t, CodeAlreadyInstalled, xerrors.CodeOf(err))

	require.NoError(t, reg.Remove(CategoryData, "frame"))
	assert.False(t, reg.Exists(CategoryData, "frame"))

	err = reg.Register(CategoryModel, "frame", m)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRegistryBatchIsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	good := module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})
	bad := &Module{Descriptor: Descriptor{Name: "", Category: CategoryData}}

	require.Error(t, reg.RegisterBatch([]*Module{good, bad}))
	assert.Zero(t, reg.Len(CategoryData))

	require.NoError(t, reg.RegisterBatch([]*Module{good}))
	assert.True(t, reg.Exists(CategoryData, "frame"))
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(CategoryData, "frame", module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})))
	snap, err := reg.Get(CategoryData)
	require.NoError(t, err)
	require.NoError(t, reg.Register(CategoryData, "png", module(t, CategoryData, "png", "image", fakeDataPlugin{})))
	assert.Len(t, snap, 1)
}

func TestRegistryGetInstanceDispatches(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.GetInstance(context.Background(), CategoryData, nil)
	assert.Equal(t, CodeNoResolver, xerrors.CodeOf(err))

	reg.SetResolver(CategoryData, ResolverFunc(func(_ context.Context, r *Registry, args map[string]any) (any, *Module, error) {
		assert.Same(t, reg, r)
		return args["path"], nil, nil
	}))
	inst, ser, err := reg.GetInstance(context.Background(), CategoryData, map[string]any{"path": "x.csv"})
	require.NoError(t, err)
	assert.Nil(t, ser)
	assert.Equal(t, "x.csv", inst)
}

func TestNewModuleChecksAdapter(t *testing.T) {
	_, err := NewModule(Descriptor{Name: "x", Category: CategoryModel}, fakeSerializer{})
	assert.Equal(t, CodeInvalidDescriptor, xerrors.CodeOf(err))

	_, err = NewModule(Descriptor{Name: "x", Category: "widget"}, fakeSerializer{})
	assert.Equal(t, CodeUnknownCategory, xerrors.CodeOf(err))
}

func TestIsolationRejectsDeniedCapabilities(t *testing.T) {
	desc := Descriptor{Name: "net", Runtime: RuntimeExec, Capabilities: []Capability{CapabilityNetwork}}
	iso := NewIsolationStrategy(nil)

	assert.NoError(t, iso.Validate(desc, IsolationPolicy{}))
	err := iso.Validate(desc, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityExecution}})
	assert.Equal(t, CodeCapabilityDenied, xerrors.CodeOf(err))
	err = iso.Validate(desc, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityExecution}})
	assert.Equal(t, CodeCapabilityDenied, xerrors.CodeOf(err))
	assert.NoError(t, iso.Validate(desc, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityExecution, CapabilityNetwork}}))

	merged := IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}.Merge(IsolationPolicy{AllowedCapabilities: []Capability{CapabilityFilesystem}})
	assert.Equal(t, []Capability{CapabilityFilesystem}, merged.AllowedCapabilities)
	assert.Equal(t, []Capability{CapabilityNetwork}, merged.DeniedCapabilities)
}

func TestValidVersion(t *testing.T) {
	assert.True(t, ValidVersion("1.2.3"))
	assert.True(t, ValidVersion("v0.1.0"))
	assert.False(t, ValidVersion("one"))
	assert.False(t, ValidVersion(""))
	assert.Equal(t, -1, CompareVersions("1.0.0", "v1.1.0"))
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(CategoryData, "frame", module(t, CategoryData, "frame", "pandas", fakeDataPlugin{})))
	cp := reg.Clone()
	require.NoError(t, cp.Register(CategoryData, "png", module(t, CategoryData, "png", "image", fakeDataPlugin{})))

	assert.Equal(t, 1, reg.Len(CategoryData))
	assert.Equal(t, []string{"frame", "png"}, cp.Names(CategoryData))
}
