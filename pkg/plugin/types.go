package plugin

import (
	"fmt"
	"time"

	xerrors "TestEngine-Core/internal/errors"
)

// Category is the functional family of a plugin.
type Category string

const (
	CategoryData       Category = "data"
	CategoryModel      Category = "model"
	CategoryPipeline   Category = "pipeline"
	CategorySerializer Category = "serializer"
	CategoryAlgorithm  Category = "algorithm"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{CategoryData, CategoryModel, CategoryPipeline, CategorySerializer, CategoryAlgorithm}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryData, CategoryModel, CategoryPipeline, CategorySerializer, CategoryAlgorithm:
		return true
	default:
		return false
	}
}

// Runtime selects how a plugin's adapter is materialised.
type Runtime string

const (
	RuntimeBuiltin Runtime = "builtin"
	RuntimeExec    Runtime = "exec"
	RuntimeWasm    Runtime = "wasm"
)

// Capability is a host facility a plugin asks for.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Descriptor is the immutable metadata of a loaded plugin.
type Descriptor struct {
	Name         string
	Description  string
	Version      string
	Category     Category
	Priority     string
	Runtime      Runtime
	Entry        string
	Capabilities []Capability
	Config       map[string]any
	// Source is the file the descriptor was read from; Dir is its directory.
	Source string
	Dir    string
	// Algorithm is set for algorithm plugins loaded from a bundle.
	Algorithm *AlgorithmMeta
}

// Module pairs a descriptor with the adapter implementing its category.
type Module struct {
	Descriptor Descriptor
	Adapter    any
	LoadedAt   time.Time
}

// NewModule checks that adapter satisfies the category interface of desc.
func NewModule(desc Descriptor, adapter any) (*Module, error) {
	if desc.Name == "" {
		return nil, xerrors.New(CodeInvalidDescriptor, "plugin name cannot be empty")
	}
	if !desc.Category.Valid() {
		return nil, xerrors.New(CodeUnknownCategory, fmt.Sprintf("unknown plugin category %q", desc.Category))
	}
	if err := checkAdapter(desc.Category, adapter); err != nil {
		return nil, xerrors.Wrap(CodeInvalidDescriptor, err, fmt.Sprintf("plugin %s", desc.Name))
	}
	return &Module{Descriptor: desc, Adapter: adapter, LoadedAt: time.Now()}, nil
}

func checkAdapter(category Category, adapter any) error {
	var ok bool
	switch category {
	case CategoryData:
		_, ok = adapter.(DataPlugin)
	case CategoryModel:
		_, ok = adapter.(ModelPlugin)
	case CategoryPipeline:
		_, ok = adapter.(PipelinePlugin)
	case CategorySerializer:
		_, ok = adapter.(Serializer)
	case CategoryAlgorithm:
		_, ok = adapter.(AlgorithmPlugin)
	}
	if !ok {
		return fmt.Errorf("adapter %T does not implement the %s capability set", adapter, category)
	}
	return nil
}

const (
	CodeUnknownCategory   xerrors.Code = "PLUGIN_UNKNOWN_CATEGORY"
	CodePluginNotFound    xerrors.Code = "PLUGIN_NOT_FOUND"
	CodeAlreadyInstalled  xerrors.Code = "PLUGIN_ALREADY_INSTALLED"
	CodeInvalidDescriptor xerrors.Code = "PLUGIN_INVALID_DESCRIPTOR"
	CodePluginLoad        xerrors.Code = "PLUGIN_LOAD_FAILED"
	CodeCapabilityDenied  xerrors.Code = "PLUGIN_CAPABILITY_DENIED"
	CodePluginCall        xerrors.Code = "PLUGIN_CALL_FAILED"
	CodeNoResolver        xerrors.Code = "PLUGIN_NO_RESOLVER"
)

func init() {
	xerrors.Register(CodeUnknownCategory, xerrors.Attributes{
		Message:  "unknown plugin category",
		Category: xerrors.CategoryPlugin,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{
		Message:  "plugin not found",
		Category: xerrors.CategoryInput,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeAlreadyInstalled, xerrors.Attributes{
		Message:  "plugin already installed",
		Category: xerrors.CategoryPlugin,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidDescriptor, xerrors.Attributes{
		Message:  "invalid plugin descriptor",
		Category: xerrors.CategoryPlugin,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodePluginLoad, xerrors.Attributes{
		Message:  "plugin failed to load",
		Category: xerrors.CategoryPlugin,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeCapabilityDenied, xerrors.Attributes{
		Message:  "plugin capability denied",
		Category: xerrors.CategoryPlugin,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodePluginCall, xerrors.Attributes{
		Message:   "plugin call failed",
		Category:  xerrors.CategoryPlugin,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeNoResolver, xerrors.Attributes{
		Message:  "no instance resolver for category",
		Category: xerrors.CategorySystem,
		Severity: xerrors.SeverityCritical,
	})
}
