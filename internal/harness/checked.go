package harness

import (
	"context"
	"fmt"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

// checkClasses wraps classifiers so that every probability row must line up
// with the declared classes. Other models pass through untouched.
func checkClasses(m plugin.Model) plugin.Model {
	c, ok := m.(plugin.Classifier)
	if !ok {
		return m
	}
	base := checkedModel{Model: m, classes: c}
	if p, ok := m.(plugin.Pipeline); ok {
		cp := checkedPipeline{checkedModel: base, pipeline: p}
		if s, ok := m.(plugin.Scorer); ok {
			return &checkedScoringPipeline{checkedPipeline: cp, Scorer: s}
		}
		return &cp
	}
	if s, ok := m.(plugin.Scorer); ok {
		return &checkedScorer{checkedModel: base, Scorer: s}
	}
	return &base
}

type checkedModel struct {
	plugin.Model
	classes plugin.Classifier
}

func (m *checkedModel) Classes() []string { return m.classes.Classes() }

func (m *checkedModel) PredictProba(ctx context.Context, data plugin.Data) ([][]float64, error) {
	rows, err := m.Model.PredictProba(ctx, data)
	if err != nil {
		return nil, err
	}
	want := len(m.classes.Classes())
	for i, row := range rows {
		if len(row) != want {
			return nil, xerrors.New(CodeClassesMismatch,
				fmt.Sprintf("probability row %d has %d columns, model declares %d classes", i, len(row), want))
		}
	}
	return rows, nil
}

type checkedScorer struct {
	checkedModel
	plugin.Scorer
}

type checkedPipeline struct {
	checkedModel
	pipeline plugin.Pipeline
}

func (p *checkedPipeline) Pipeline() any { return p.pipeline.Pipeline() }

func (p *checkedPipeline) SetPipeline(v any) error { return p.pipeline.SetPipeline(v) }

type checkedScoringPipeline struct {
	checkedPipeline
	plugin.Scorer
}
