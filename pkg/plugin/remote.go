package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/progress"
)

// NewRemoteAdapter wraps a transport in the adapter of the given category.
func NewRemoteAdapter(desc Descriptor, t Transport) (any, error) {
	switch desc.Category {
	case CategorySerializer:
		return &remoteSerializer{name: desc.Name, t: t}, nil
	case CategoryData:
		return &remoteDataPlugin{name: desc.Name, t: t}, nil
	case CategoryModel:
		return &remoteModelPlugin{name: desc.Name, t: t}, nil
	case CategoryPipeline:
		return &remotePipelinePlugin{name: desc.Name, t: t}, nil
	case CategoryAlgorithm:
		if desc.Algorithm == nil {
			return nil, errors.New("algorithm plugin requires metadata")
		}
		return &remoteAlgorithmPlugin{name: desc.Name, meta: *desc.Algorithm, t: t}, nil
	default:
		return nil, fmt.Errorf("unknown plugin category %q", desc.Category)
	}
}

// TableOf returns the tabular form of any Data instance.
func TableOf(d Data) (*dataset.Table, error) {
	if d == nil {
		return nil, nil
	}
	if tab, ok := d.(Tabular); ok {
		return tab.Table(), nil
	}
	mapping, err := d.ToMapping()
	if err != nil {
		return nil, err
	}
	return dataset.FromColumns(d.Labels(), mapping)
}

type remoteSerializer struct {
	name string
	t    Transport
}

func (s *remoteSerializer) Deserialize(ctx context.Context, path string) (any, error) {
	resp, err := s.t.Call(ctx, &Request{Op: OpDeserialize, Path: path})
	if err != nil {
		return nil, err
	}
	if resp.Payload == nil {
		return nil, nil
	}
	p := *resp.Payload
	p.Plugin = s.name
	if p.Path == "" {
		p.Path = path
	}
	return &p, nil
}

func supported(ctx context.Context, t Transport, obj any) bool {
	p, ok := obj.(*Payload)
	if !ok {
		return false
	}
	resp, err := t.Call(ctx, &Request{Op: OpIsSupported, Payload: p})
	return err == nil && resp.Supported
}

type remoteDataPlugin struct {
	name string
	t    Transport
}

func (p *remoteDataPlugin) IsSupported(ctx context.Context, obj any) bool {
	return supported(ctx, p.t, obj)
}

func (p *remoteDataPlugin) Wrap(ctx context.Context, obj any) (Data, error) {
	payload, ok := obj.(*Payload)
	if !ok {
		return nil, fmt.Errorf("plugin %s cannot wrap %T", p.name, obj)
	}
	resp, err := p.t.Call(ctx, &Request{Op: OpToMapping, Payload: payload})
	if err != nil {
		return nil, err
	}
	if resp.Table == nil {
		return nil, fmt.Errorf("plugin %s returned no table", p.name)
	}
	return &remoteData{payload: payload, table: resp.Table}, nil
}

// remoteData is a materialised remote dataset. It is deliberately not
// Tabular so that it passes through the tabular conversion adapter.
type remoteData struct {
	payload *Payload
	table   *dataset.Table
}

func (d *remoteData) Type() DataType {
	switch d.payload.Kind {
	case "table":
		return DataTabular
	case "image":
		return DataImage
	default:
		return DataType(d.payload.Kind)
	}
}

func (d *remoteData) Shape() (int, int)                    { return d.table.Shape() }
func (d *remoteData) Labels() []string                     { return d.table.Columns() }
func (d *remoteData) KeepOnly(column string) error         { return d.table.KeepOnly(column) }
func (d *remoteData) Drop(column string) error             { return d.table.Drop(column) }
func (d *remoteData) ToMapping() (map[string][]any, error) { return d.table.ToMapping(), nil }
func (d *remoteData) Validate() error                      { return nil }
func (d *remoteData) Raw() any                             { return d.payload }

func (d *remoteData) Clone() Data {
	return &remoteData{payload: d.payload, table: d.table.Clone()}
}

type remoteModelPlugin struct {
	name string
	t    Transport
}

func (p *remoteModelPlugin) IsSupported(ctx context.Context, obj any) bool {
	return supported(ctx, p.t, obj)
}

func (p *remoteModelPlugin) Wrap(ctx context.Context, obj any) (Model, error) {
	payload, ok := obj.(*Payload)
	if !ok {
		return nil, fmt.Errorf("plugin %s cannot wrap %T", p.name, obj)
	}
	return newRemoteModel(ctx, p.name, p.t, payload), nil
}

type remoteModel struct {
	name    string
	t       Transport
	payload *Payload
	algo    string

	mu      sync.Mutex
	classes []string
}

// newRemoteModel asks the plugin for the algorithm name up front, falling
// back to the plugin name.
func newRemoteModel(ctx context.Context, name string, t Transport, payload *Payload) *remoteModel {
	m := &remoteModel{name: name, t: t, payload: payload, algo: name}
	if resp, err := t.Call(ctx, &Request{Op: OpAlgorithmName, Model: payload}); err == nil && resp.Name != "" {
		m.algo = resp.Name
	}
	return m
}

func (m *remoteModel) AlgorithmName() string { return m.algo }

func (m *remoteModel) Predict(ctx context.Context, data Data) ([]any, error) {
	table, err := TableOf(data)
	if err != nil {
		return nil, err
	}
	resp, err := m.t.Call(ctx, &Request{Op: OpPredict, Model: m.payload, Data: table})
	if err != nil {
		return nil, err
	}
	return resp.Predictions, nil
}

func (m *remoteModel) PredictProba(ctx context.Context, data Data) ([][]float64, error) {
	table, err := TableOf(data)
	if err != nil {
		return nil, err
	}
	resp, err := m.t.Call(ctx, &Request{Op: OpPredictProba, Model: m.payload, Data: table})
	if err != nil {
		return nil, err
	}
	if len(resp.Classes) > 0 {
		m.mu.Lock()
		m.classes = append([]string(nil), resp.Classes...)
		m.mu.Unlock()
	}
	return resp.Probabilities, nil
}

func (m *remoteModel) Score(ctx context.Context, data Data, truth Data) (float64, error) {
	table, err := TableOf(data)
	if err != nil {
		return 0, err
	}
	gt, err := TableOf(truth)
	if err != nil {
		return 0, err
	}
	resp, err := m.t.Call(ctx, &Request{Op: OpScore, Model: m.payload, Data: table, GroundTruth: gt})
	if err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("plugin %s returned no score", m.name)
	}
	return *resp.Score, nil
}

func (m *remoteModel) Classes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.classes...)
}

func (m *remoteModel) Cleanup() error { return nil }
func (m *remoteModel) Raw() any       { return m.payload }

type remotePipelinePlugin struct {
	name string
	t    Transport
}

func (p *remotePipelinePlugin) IsSupported(ctx context.Context, obj any) bool {
	return supported(ctx, p.t, obj)
}

func (p *remotePipelinePlugin) Wrap(ctx context.Context, obj any) (Pipeline, error) {
	payload, ok := obj.(*Payload)
	if !ok {
		return nil, fmt.Errorf("plugin %s cannot wrap %T", p.name, obj)
	}
	resp, err := p.t.Call(ctx, &Request{Op: OpGetPipeline, Payload: payload})
	if err != nil {
		return nil, err
	}
	if resp.Payload != nil {
		payload = resp.Payload
	}
	return &remotePipeline{remoteModel: newRemoteModel(ctx, p.name, p.t, payload)}, nil
}

func (p *remotePipelinePlugin) NewPipeline(ctx context.Context) (Pipeline, error) {
	resp, err := p.t.Call(ctx, &Request{Op: OpNewPipeline})
	if err != nil {
		return nil, err
	}
	if resp.Payload == nil {
		return nil, fmt.Errorf("plugin %s constructed no pipeline", p.name)
	}
	return &remotePipeline{remoteModel: newRemoteModel(ctx, p.name, p.t, resp.Payload)}, nil
}

type remotePipeline struct {
	*remoteModel
}

func (p *remotePipeline) Pipeline() any { return p.payload }

func (p *remotePipeline) SetPipeline(v any) error {
	payload, ok := v.(*Payload)
	if !ok {
		return fmt.Errorf("pipeline must be a plugin payload, got %T", v)
	}
	p.payload = payload
	return nil
}

type remoteAlgorithmPlugin struct {
	name string
	meta AlgorithmMeta
	t    Transport
}

func (p *remoteAlgorithmPlugin) Meta() AlgorithmMeta { return p.meta }

func (p *remoteAlgorithmPlugin) New(in AlgorithmInput) (Algorithm, error) {
	return &remoteAlgorithm{
		name:     p.name,
		t:        p.t,
		in:       in,
		reporter: progress.New(0, in.Progress),
	}, nil
}

type remoteAlgorithm struct {
	name     string
	t        Transport
	in       AlgorithmInput
	reporter *progress.Reporter

	req       *Request
	results   map[string]any
	artifacts []string
}

func (a *remoteAlgorithm) Setup(context.Context) error {
	data, err := TableOf(a.in.Data)
	if err != nil {
		return fmt.Errorf("prepare data: %w", err)
	}
	gt, err := TableOf(a.in.GroundTruth)
	if err != nil {
		return fmt.Errorf("prepare ground truth: %w", err)
	}
	req := &Request{
		Op:                OpGenerate,
		Data:              data,
		GroundTruth:       gt,
		GroundTruthColumn: a.in.GroundTruthColumn,
		ModelType:         string(a.in.ModelType),
		DataPath:          a.in.DataPath,
		ModelPath:         a.in.ModelPath,
		BasePath:          a.in.BasePath,
		Args:              a.in.Args,
	}
	if a.in.Model != nil {
		if p, ok := a.in.Model.Raw().(*Payload); ok {
			req.Model = p
		}
	}
	a.req = req
	return nil
}

func (a *remoteAlgorithm) Generate(ctx context.Context) error {
	if a.req == nil {
		return errors.New("algorithm not set up")
	}
	resp, err := a.t.Stream(ctx, a.req, a.reporter.Update)
	if err != nil {
		return err
	}
	a.results = resp.Results
	a.artifacts = resp.Artifacts
	a.reporter.Update(1)
	return nil
}

func (a *remoteAlgorithm) Progress() int { return a.reporter.Percent() }

func (a *remoteAlgorithm) Results() (map[string]any, error) {
	if a.results == nil {
		return nil, fmt.Errorf("algorithm %s produced no results", a.name)
	}
	return a.results, nil
}

func (a *remoteAlgorithm) Artifacts() []string { return append([]string(nil), a.artifacts...) }
