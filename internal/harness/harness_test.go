package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TestEngine-Core/internal/adapters/stock"
	"TestEngine-Core/internal/adapters/tabular"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/events"
	"TestEngine-Core/internal/manager"
	"TestEngine-Core/internal/metrics"
	"TestEngine-Core/internal/task"
	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/logger"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/schema"
)

const algorithmID = "algo:fairness:parity"

// modelFile is what the fake serializer produces for files starting with "MODEL:".
type modelFile struct{ width int }

type modelSerializer struct{}

func (modelSerializer) Deserialize(_ context.Context, path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rest, ok := bytes.CutPrefix(bytes.TrimSpace(raw), []byte("MODEL:"))
	if !ok {
		return nil, errors.New("not a model")
	}
	width, err := strconv.Atoi(string(rest))
	if err != nil {
		return nil, err
	}
	return modelFile{width: width}, nil
}

type fakeModel struct {
	width   int
	cleaned int
}

func (m *fakeModel) AlgorithmName() string { return "fake" }
func (m *fakeModel) Raw() any              { return m }
func (m *fakeModel) Cleanup() error        { m.cleaned++; return nil }
func (m *fakeModel) Classes() []string     { return []string{"0", "1"} }

func (m *fakeModel) Predict(_ context.Context, d plugin.Data) ([]any, error) {
	rows, _ := d.Shape()
	return make([]any, rows), nil
}

func (m *fakeModel) PredictProba(_ context.Context, d plugin.Data) ([][]float64, error) {
	rows, _ := d.Shape()
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, m.width)
	}
	return out, nil
}

type modelPlugin struct {
	mu    sync.Mutex
	built []*fakeModel
}

func (*modelPlugin) IsSupported(_ context.Context, obj any) bool {
	_, ok := obj.(modelFile)
	return ok
}

func (p *modelPlugin) Wrap(_ context.Context, obj any) (plugin.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := &fakeModel{width: obj.(modelFile).width}
	p.built = append(p.built, m)
	return m, nil
}

func (p *modelPlugin) last() *fakeModel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.built) == 0 {
		return nil
	}
	return p.built[len(p.built)-1]
}

// recordingPlugin captures the input of the last run and delegates the
// work to run.
type recordingPlugin struct {
	meta  plugin.AlgorithmMeta
	run   func(ctx context.Context, in plugin.AlgorithmInput) (map[string]any, error)
	calls int
	in    plugin.AlgorithmInput
}

func (p *recordingPlugin) Meta() plugin.AlgorithmMeta { return p.meta }

func (p *recordingPlugin) New(in plugin.AlgorithmInput) (plugin.Algorithm, error) {
	p.calls++
	p.in = in
	return &recordingAlgorithm{p: p, in: in}, nil
}

type recordingAlgorithm struct {
	p   *recordingPlugin
	in  plugin.AlgorithmInput
	out map[string]any
}

func (a *recordingAlgorithm) Setup(context.Context) error { return nil }
func (a *recordingAlgorithm) Progress() int               { return 0 }
func (a *recordingAlgorithm) Artifacts() []string         { return []string{"chart.png"} }

func (a *recordingAlgorithm) Generate(ctx context.Context) error {
	a.in.Progress(50)
	out, err := a.p.run(ctx, a.in)
	a.out = out
	return err
}

func (a *recordingAlgorithm) Results() (map[string]any, error) { return a.out, nil }

func scoreOutput(context.Context, plugin.AlgorithmInput) (map[string]any, error) {
	return map[string]any{"score": 0.5}, nil
}

var (
	argsSchema = schema.MustCompile([]byte(`{
		"type": "object",
		"properties": {
			"threshold": {"type": "number", "minimum": 0, "maximum": 1, "default": 0.5},
			"method": {"type": "string", "default": "mean"}
		}
	}`))
	outputSchema = schema.MustCompile([]byte(`{
		"type": "object",
		"required": ["score"],
		"properties": {"score": {"type": "number"}}
	}`))
)

type env struct {
	t         *testing.T
	dir       string
	models    *modelPlugin
	alg       *recordingPlugin
	reg       *plugin.Registry
	collector *xerrors.Collector
	sink      *events.Memory
	metrics   *metrics.Recorder
	h         *Harness
	errorFile string
}

func newEnv(t *testing.T, requireGT bool, run func(context.Context, plugin.AlgorithmInput) (map[string]any, error)) *env {
	t.Helper()
	e := &env{
		t:         t,
		dir:       t.TempDir(),
		models:    &modelPlugin{},
		reg:       plugin.NewRegistry(),
		collector: xerrors.NewCollector(),
		sink:      events.NewMemory(256),
		metrics:   metrics.New(),
	}
	e.errorFile = filepath.Join(e.dir, "errors.json")
	require.NoError(t, stock.Register(e.reg))

	register := func(cat plugin.Category, name string, adapter any, meta *plugin.AlgorithmMeta) {
		mod, err := plugin.NewModule(plugin.Descriptor{Name: name, Category: cat, Runtime: plugin.RuntimeBuiltin, Algorithm: meta}, adapter)
		require.NoError(t, err)
		require.NoError(t, e.reg.Register(cat, name, mod))
	}
	register(plugin.CategorySerializer, "joblib", modelSerializer{}, nil)
	register(plugin.CategoryModel, "sklearn", e.models, nil)

	meta := plugin.AlgorithmMeta{
		GID:                "fairness",
		CID:                "parity",
		Version:            "0.1.0",
		ModelTypes:         []plugin.ModelType{plugin.ModelClassification},
		RequireGroundTruth: requireGT,
		InputSchema:        argsSchema,
		OutputSchema:       outputSchema,
		BasePath:           e.dir,
	}
	e.alg = &recordingPlugin{meta: meta, run: run}
	register(plugin.CategoryAlgorithm, algorithmID, e.alg, &meta)

	managers := manager.Install(e.reg, manager.Options{TempDir: t.TempDir(), Collector: e.collector, Logger: logger.Nop()})
	e.h = New(Options{
		Registry:  e.reg,
		Managers:  managers,
		Sink:      e.sink,
		Collector: e.collector,
		Logger:    logger.Nop(),
		Metrics:   e.metrics,
		ErrorFile: e.errorFile,
	})
	return e
}

func (e *env) file(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e *env) request(overrides map[string]any) []byte {
	e.t.Helper()
	doc := map[string]any{
		"id":            "task-1",
		"mode":          "upload",
		"testDataset":   e.file("credit.csv", "age,income,approved\n31,40,0\n45,52,1\n52,61,1\n28,33,0\n"),
		"modelFile":     e.file("model.bin", "MODEL:2"),
		"modelType":     "classification",
		"groundTruth":   "approved",
		"algorithmId":   algorithmID,
		"algorithmArgs": map[string]any{"threshold": 0.7},
	}
	for k, v := range overrides {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(e.t, err)
	return raw
}

func (e *env) kinds() []events.Kind {
	var out []events.Kind
	for _, ev := range e.sink.Drain() {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRunSplitsGroundTruth(t *testing.T) {
	e := newEnv(t, true, scoreOutput)

	res, err := e.h.RunRequest(context.Background(), e.request(nil))
	require.NoError(t, err)

	in := e.alg.in
	assert.Equal(t, []string{"age", "income"}, in.Data.Labels())
	assert.Equal(t, []string{"approved"}, in.GroundTruth.Labels())
	assert.Equal(t, []string{"age", "income", "approved"}, in.OriginalData.Labels())
	rows, _ := in.GroundTruth.Shape()
	assert.Equal(t, 4, rows)
	assert.Equal(t, "approved", in.GroundTruthColumn)
	assert.Equal(t, e.dir, in.BasePath)
	assert.Equal(t, map[string]any{"threshold": 0.7, "method": "mean"}, in.Args)
	assert.Same(t, e.models.last(), in.OriginalModel)

	assert.Equal(t, "fairness", res.GID)
	assert.Equal(t, "parity", res.CID)
	assert.Equal(t, "0.1.0", res.Version)
	assert.Equal(t, map[string]any{"score": 0.5}, res.Output)
	assert.Equal(t, []string{"chart.png"}, res.Artifacts)
	assert.GreaterOrEqual(t, res.TimeTaken, 0.0)
	assert.Equal(t, "approved", res.TestArguments["groundTruth"])

	assert.Equal(t, 1, e.models.last().cleaned)
	assert.Equal(t, []events.Kind{events.KindProgress, events.KindProgress, events.KindResult}, e.kinds())
	assert.Zero(t, e.collector.Len())
	assert.NoFileExists(t, e.errorFile)

	rendered := e.metrics.Render()
	assert.Contains(t, rendered, `testengine_tasks_total{algorithm="algo:fairness:parity",outcome="succeeded"} 1`)
	for _, stage := range []string{"load_data", "load_model", "ground_truth", "algorithm", "total"} {
		assert.Contains(t, rendered, `testengine_stage_duration_seconds_count{stage="`+stage+`"} 1`)
	}
}

func TestRunWithoutGroundTruth(t *testing.T) {
	e := newEnv(t, false, scoreOutput)

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"groundTruth": nil}))
	require.NoError(t, err)
	assert.Nil(t, e.alg.in.GroundTruth)
	assert.Equal(t, []string{"age", "income", "approved"}, e.alg.in.Data.Labels())
}

func TestRunMissingGroundTruthColumn(t *testing.T) {
	e := newEnv(t, true, scoreOutput)

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"groundTruth": "defaulted"}))
	require.Error(t, err)
	assert.Equal(t, CodeGroundTruthMissing, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryData, xerrors.CategoryOf(err))
	assert.Zero(t, e.alg.calls, "algorithm must not run")
	assert.Equal(t, 1, e.models.last().cleaned)

	require.FileExists(t, e.errorFile)
	raw, err := os.ReadFile(e.errorFile)
	require.NoError(t, err)
	var entries []xerrors.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, string(CodeGroundTruthMissing), entries[0].Code)
	assert.Equal(t, "harness", entries[0].Component)
	assert.Equal(t, []events.Kind{events.KindError}, e.kinds())
	assert.Contains(t, e.metrics.Render(), `testengine_task_failures_total{algorithm="algo:fairness:parity",category="DAT"} 1`)
}

func TestRunRowMismatch(t *testing.T) {
	e := newEnv(t, true, scoreOutput)
	truth := e.file("truth.csv", "approved,id\n1,a\n0,b\n")

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"groundTruthDataset": truth}))
	assert.Equal(t, CodeRowMismatch, xerrors.CodeOf(err))
	assert.Zero(t, e.alg.calls)
}

func TestRunRejectsArguments(t *testing.T) {
	e := newEnv(t, true, scoreOutput)

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"algorithmArgs": map[string]any{"threshold": 3}}))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArguments, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryInput, xerrors.CategoryOf(err))
	assert.Contains(t, err.Error(), "threshold")
	assert.Zero(t, e.alg.calls)
}

func TestRunRejectsOutput(t *testing.T) {
	e := newEnv(t, true, func(context.Context, plugin.AlgorithmInput) (map[string]any, error) {
		return map[string]any{"score": "high"}, nil
	})

	_, err := e.h.RunRequest(context.Background(), e.request(nil))
	assert.Equal(t, CodeOutputInvalid, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryAlgorithm, xerrors.CategoryOf(err))
}

func TestRunSanitizesOutput(t *testing.T) {
	e := newEnv(t, true, func(context.Context, plugin.AlgorithmInput) (map[string]any, error) {
		return map[string]any{"score": 0.5, "ratios": []float64{1, math.NaN()}}, nil
	})

	res, err := e.h.RunRequest(context.Background(), e.request(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 0.0}, res.Output["ratios"])
}

func TestRunRecoversFromPanics(t *testing.T) {
	e := newEnv(t, true, func(context.Context, plugin.AlgorithmInput) (map[string]any, error) {
		panic("index out of range")
	})

	_, err := e.h.RunRequest(context.Background(), e.request(nil))
	require.Error(t, err)
	assert.Equal(t, CodeAlgorithmFailed, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "index out of range")
	assert.Equal(t, 1, e.models.last().cleaned)
}

func TestRunWrapsAlgorithmErrors(t *testing.T) {
	e := newEnv(t, true, func(context.Context, plugin.AlgorithmInput) (map[string]any, error) {
		return nil, errors.New("singular matrix")
	})

	_, err := e.h.RunRequest(context.Background(), e.request(nil))
	assert.Equal(t, CodeAlgorithmFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryAlgorithm, xerrors.CategoryOf(err))
}

func TestRunChecksClassWidth(t *testing.T) {
	e := newEnv(t, true, func(ctx context.Context, in plugin.AlgorithmInput) (map[string]any, error) {
		_, err := in.Model.PredictProba(ctx, in.Data)
		return map[string]any{"score": 1}, err
	})

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"modelFile": e.file("wide.bin", "MODEL:3")}))
	assert.Equal(t, CodeClassesMismatch, xerrors.CodeOf(err))

	_, err = e.h.RunRequest(context.Background(), e.request(nil))
	assert.NoError(t, err)
}

func TestRunParseFailure(t *testing.T) {
	e := newEnv(t, true, scoreOutput)

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"algorithmId": "algo:missing:thing"}))
	assert.Equal(t, task.CodeAlgorithmNotFound, xerrors.CodeOf(err))
	assert.Equal(t, 1, e.collector.Len())
	assert.FileExists(t, e.errorFile)
}

func TestRunUnsupportedModel(t *testing.T) {
	e := newEnv(t, true, scoreOutput)

	_, err := e.h.RunRequest(context.Background(), e.request(map[string]any{"modelFile": e.file("weights.bin", "\x00\x01")}))
	assert.Equal(t, manager.CodeModelDeserialization, xerrors.CodeOf(err))
	assert.Zero(t, e.alg.calls)
	require.Equal(t, 1, e.collector.Len(), "manager errors are recorded once")
}

func TestCheckClassesPassesThrough(t *testing.T) {
	m := &plainModel{}
	assert.Same(t, plugin.Model(m), checkClasses(m))

	wrapped := checkClasses(&fakeModel{width: 2})
	_, ok := wrapped.(plugin.Classifier)
	assert.True(t, ok)
	_, ok = wrapped.(plugin.Scorer)
	assert.False(t, ok)
}

func TestCheckClassesKeepsPipelineCapabilities(t *testing.T) {
	wrapped := checkClasses(&pipelineModel{fakeModel: fakeModel{width: 2}})
	_, ok := wrapped.(plugin.Pipeline)
	assert.True(t, ok)
	_, ok = wrapped.(plugin.Scorer)
	assert.False(t, ok, "a pipeline without Score must not gain it")

	wrapped = checkClasses(&scoringPipelineModel{pipelineModel: pipelineModel{fakeModel: fakeModel{width: 3}}})
	_, ok = wrapped.(plugin.Pipeline)
	assert.True(t, ok)
	s, ok := wrapped.(plugin.Scorer)
	require.True(t, ok)
	score, err := s.Score(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)
	_, err = wrapped.PredictProba(context.Background(), tabularOf(t, 2))
	assert.Equal(t, CodeClassesMismatch, xerrors.CodeOf(err))
}

func tabularOf(t *testing.T, rows int) plugin.Data {
	t.Helper()
	table, err := dataset.FromColumns([]string{"x"}, map[string][]any{"x": make([]any, rows)})
	require.NoError(t, err)
	return tabular.New(table)
}

type pipelineModel struct{ fakeModel }

func (p *pipelineModel) Pipeline() any         { return p }
func (p *pipelineModel) SetPipeline(any) error { return nil }

type scoringPipelineModel struct{ pipelineModel }

func (*scoringPipelineModel) Score(context.Context, plugin.Data, plugin.Data) (float64, error) {
	return 0.9, nil
}

type plainModel struct{}

func (*plainModel) PredictProba(context.Context, plugin.Data) ([][]float64, error) {
	return nil, nil
}

func (*plainModel) AlgorithmName() string                               { return "plain" }
func (*plainModel) Predict(context.Context, plugin.Data) ([]any, error) { return nil, nil }
func (*plainModel) Cleanup() error                                      { return nil }
func (*plainModel) Raw() any                                            { return nil }
