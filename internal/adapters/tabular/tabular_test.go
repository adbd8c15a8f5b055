package tabular

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/plugin"
)

func TestWrapTableAndMapping(t *testing.T) {
	p := Plugin{}
	ctx := context.Background()
	table, err := dataset.NewTable([]string{"age", "label"}, [][]any{{31.0, "yes"}, {45.0, "no"}})
	require.NoError(t, err)

	assert.True(t, p.IsSupported(ctx, table))
	assert.True(t, p.IsSupported(ctx, map[string][]any{"a": {1}}))
	assert.False(t, p.IsSupported(ctx, "path.csv"))

	d, err := p.Wrap(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, plugin.DataTabular, d.Type())
	require.NoError(t, d.Validate())

	d, err = p.Wrap(ctx, map[string][]any{"b": {1, 2}, "a": {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, d.Labels())
}

func TestGroundTruthSplit(t *testing.T) {
	table, err := dataset.NewTable([]string{"age", "label"}, [][]any{{31.0, "yes"}, {45.0, "no"}})
	require.NoError(t, err)
	d := New(table)

	gt := d.Clone()
	require.NoError(t, gt.KeepOnly("label"))
	require.NoError(t, d.Drop("label"))

	assert.Equal(t, []string{"age"}, d.Labels())
	assert.Equal(t, []string{"label"}, gt.Labels())
	rows, _ := gt.Shape()
	assert.Equal(t, 2, rows)
	assert.Error(t, d.Drop("label"))
}

func TestValidateRejectsEmpty(t *testing.T) {
	empty, err := dataset.NewTable([]string{"a"}, nil)
	require.NoError(t, err)
	assert.Error(t, New(empty).Validate())
}
