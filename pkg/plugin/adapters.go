package plugin

import (
	"context"
	"encoding/json"
	"log/slog"

	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/progress"
	"TestEngine-Core/pkg/schema"
)

// DataType names the representation a Data instance holds.
type DataType string

const (
	DataTabular   DataType = "tabular"
	DataImage     DataType = "image"
	DataDelimited DataType = "delimited"
)

// ModelType is the learning task a model solves.
type ModelType string

const (
	ModelClassification ModelType = "classification"
	ModelRegression     ModelType = "regression"
	ModelUplift         ModelType = "uplift"
)

// Valid reports whether m is a recognised model type.
func (m ModelType) Valid() bool {
	switch m {
	case ModelClassification, ModelRegression, ModelUplift:
		return true
	default:
		return false
	}
}

// Payload is the opaque object produced by an out-of-process serializer.
type Payload struct {
	Kind   string          `json:"kind"`
	Format string          `json:"format,omitempty"`
	Path   string          `json:"path,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Plugin string          `json:"plugin,omitempty"`
}

// Serializer tries to turn a file into an in-memory object. A nil object with a
// nil error means the file is not in this serializer's format.
type Serializer interface {
	Deserialize(ctx context.Context, path string) (any, error)
}

// DataPlugin recognises deserialized objects and binds them to a Data instance.
type DataPlugin interface {
	IsSupported(ctx context.Context, obj any) bool
	Wrap(ctx context.Context, obj any) (Data, error)
}

// Data is a dataset bound for the duration of a task.
type Data interface {
	Type() DataType
	Shape() (rows, cols int)
	Labels() []string
	// KeepOnly retains the ground-truth column and drops the rest.
	KeepOnly(column string) error
	// Drop removes the ground-truth column.
	Drop(column string) error
	ToMapping() (map[string][]any, error)
	Validate() error
	Clone() Data
	Raw() any
}

// Tabular is a Data instance backed by a dataset.Table.
type Tabular interface {
	Data
	Table() *dataset.Table
}

// ModelPlugin recognises deserialized models.
type ModelPlugin interface {
	IsSupported(ctx context.Context, obj any) bool
	Wrap(ctx context.Context, obj any) (Model, error)
}

// APIModelPlugin builds models served behind a remote API.
type APIModelPlugin interface {
	ModelPlugin
	ValidateConfig(apiSchema, apiConfig map[string]any) error
	NewFromAPI(apiSchema, apiConfig map[string]any) (Model, error)
}

// Model is a model bound for the duration of a task.
type Model interface {
	AlgorithmName() string
	Predict(ctx context.Context, data Data) ([]any, error)
	PredictProba(ctx context.Context, data Data) ([][]float64, error)
	Cleanup() error
	Raw() any
}

// Scorer is implemented by models that can score themselves.
type Scorer interface {
	Score(ctx context.Context, data Data, truth Data) (float64, error)
}

// Classifier exposes the class labels behind probability columns.
type Classifier interface {
	Classes() []string
}

// PipelinePlugin recognises deserialized pipelines.
type PipelinePlugin interface {
	IsSupported(ctx context.Context, obj any) bool
	Wrap(ctx context.Context, obj any) (Pipeline, error)
}

// Pipeline is a preprocessing + model chain.
type Pipeline interface {
	Model
	Pipeline() any
	SetPipeline(p any) error
}

// PipelineConstructor builds a user-defined pipeline with no artifact on disk.
type PipelineConstructor interface {
	NewPipeline(ctx context.Context) (Pipeline, error)
}

// AlgorithmMeta is the catalog-facing description of an algorithm.
type AlgorithmMeta struct {
	GID                string
	CID                string
	Name               string
	Description        string
	Version            string
	Tags               []string
	ModelTypes         []ModelType
	RequireGroundTruth bool
	InputSchema        *schema.Schema
	OutputSchema       *schema.Schema
	BasePath           string
}

// SupportsModelType reports whether mt is declared by the algorithm.
func (m AlgorithmMeta) SupportsModelType(mt ModelType) bool {
	for _, t := range m.ModelTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// AlgorithmInput is everything bound to an algorithm for one task.
type AlgorithmInput struct {
	Data              Data
	Model             Model
	GroundTruth       Data
	OriginalData      Data
	OriginalModel     any
	GroundTruthColumn string
	ModelType         ModelType
	Logger            *slog.Logger
	Progress          progress.Callback
	BasePath          string
	Args              map[string]any
	DataPath          string
	ModelPath         string
	GroundTruthPath   string
}

// AlgorithmPlugin creates algorithm runs.
type AlgorithmPlugin interface {
	Meta() AlgorithmMeta
	New(in AlgorithmInput) (Algorithm, error)
}

// Algorithm is one run of an algorithm plugin.
type Algorithm interface {
	Setup(ctx context.Context) error
	Generate(ctx context.Context) error
	Progress() int
	Results() (map[string]any, error)
}

// ArtifactProducer is implemented by algorithms that write files next to their results.
type ArtifactProducer interface {
	Artifacts() []string
}
