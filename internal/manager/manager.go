// Package manager turns file paths and URLs into bound data, model and
// pipeline instances by probing the registry's serializers and adapters in
// priority order.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/fetch"
	"TestEngine-Core/pkg/plugin"
)

// MixedPolicy decides what happens when a dataset directory yields more than
// one non-image instance or mixes subtypes.
type MixedPolicy string

const (
	// MixedLenient keeps the first instance and records a warning.
	MixedLenient MixedPolicy = "lenient"
	// MixedStrict fails the read.
	MixedStrict MixedPolicy = "strict"
)

const (
	CodeNoDataInstances         xerrors.Code = "DATA_NO_INSTANCES"
	CodeUnsupportedFormat       xerrors.Code = "DATA_UNSUPPORTED_FORMAT"
	CodeMixedDataset            xerrors.Code = "DATA_MIXED_DIRECTORY"
	CodeConversionFailed        xerrors.Code = "DATA_CONVERSION_FAILED"
	CodeModelDeserialization    xerrors.Code = "MODEL_DESERIALIZATION_FAILED"
	CodeUnsupportedModel        xerrors.Code = "MODEL_UNSUPPORTED_FORMAT"
	CodeAPIModelRejected        xerrors.Code = "MODEL_API_REJECTED"
	CodeNoPipelineArtifact      xerrors.Code = "PIPELINE_NO_ARTIFACT"
	CodePipelineDeserialization xerrors.Code = "PIPELINE_DESERIALIZATION_FAILED"
	CodeUnsupportedPipeline     xerrors.Code = "PIPELINE_UNSUPPORTED_FORMAT"
	CodeCustomInstantiation     xerrors.Code = "PIPELINE_CUSTOM_INSTANTIATION_FAILED"
	CodeExtractFailed           xerrors.Code = "ARCHIVE_EXTRACT_FAILED"
)

func init() {
	data := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: xerrors.CategoryData, Severity: xerrors.SeverityCritical}
	}
	xerrors.Register(CodeNoDataInstances, data("no file could be deserialized"))
	xerrors.Register(CodeUnsupportedFormat, data("no data adapter recognised the dataset"))
	xerrors.Register(CodeMixedDataset, data("dataset directory mixes formats"))
	xerrors.Register(CodeConversionFailed, data("dataset could not be converted to a table"))
	xerrors.Register(CodeModelDeserialization, data("no serializer could read the model"))
	xerrors.Register(CodeUnsupportedModel, data("no model adapter recognised the model"))
	xerrors.Register(CodeAPIModelRejected, xerrors.Attributes{
		Message: "api model configuration rejected", Category: xerrors.CategoryInput, Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeNoPipelineArtifact, data("no pipeline artifact found"))
	xerrors.Register(CodePipelineDeserialization, data("no serializer could read the pipeline"))
	xerrors.Register(CodeUnsupportedPipeline, data("no pipeline adapter recognised the pipeline"))
	xerrors.Register(CodeCustomInstantiation, data("custom pipeline could not be constructed"))
	xerrors.Register(CodeExtractFailed, xerrors.Attributes{
		Message: "archive extraction failed", Category: xerrors.CategorySystem, Severity: xerrors.SeverityCritical,
	})
}

// Options configures every manager.
type Options struct {
	Fetcher           *fetch.Fetcher
	TempDir           string
	SerializerTimeout time.Duration
	ExtractTimeout    time.Duration
	MaxExtractBytes   int64
	MixedPolicy       MixedPolicy
	// ConversionAdapter names the data adapter non-tabular data is piped through.
	ConversionAdapter string
	// Loaders resolve companion plugins shipped inside pipeline directories.
	Loaders   []plugin.Loader
	Collector *xerrors.Collector
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	if o.MixedPolicy == "" {
		o.MixedPolicy = MixedLenient
	}
	if o.ConversionAdapter == "" {
		o.ConversionAdapter = "pandas"
	}
	if o.Collector == nil {
		o.Collector = xerrors.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Fetcher == nil {
		o.Fetcher = fetch.New(fetch.Config{Dir: o.TempDir}, nil, o.Collector, o.Logger)
	}
	return o
}

// localize downloads URLs and returns a cleanup for whatever it created.
func localize(ctx context.Context, o Options, path string) (string, func(), error) {
	if !fetch.IsURL(path) {
		return path, func() {}, nil
	}
	local, err := o.Fetcher.Download(ctx, path)
	if err != nil {
		return "", func() {}, err
	}
	return local, func() { _ = os.RemoveAll(filepath.Dir(local)) }, nil
}

func report(o Options, err error, component string) error {
	o.Collector.Record(err, component)
	return err
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("argument %q is required", key))
	}
	return v, nil
}
