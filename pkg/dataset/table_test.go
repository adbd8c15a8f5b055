package dataset

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credit(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable([]string{"age", "sex", "default"}, [][]any{
		{31, 1, 0},
		{45, 2, 1},
		{22, 1, 0},
	})
	require.NoError(t, err)
	return tbl
}

func TestNewTableRejectsRaggedRowsAndDuplicates(t *testing.T) {
	_, err := NewTable([]string{"a", "b"}, [][]any{{1}})
	assert.Error(t, err)
	_, err = NewTable([]string{"a", "a"}, nil)
	assert.Error(t, err)
}

func TestDropAndKeepOnly(t *testing.T) {
	data := credit(t)
	gt := data.Clone()

	require.NoError(t, gt.KeepOnly("default"))
	require.NoError(t, data.Drop("default"))

	assert.Equal(t, []string{"age", "sex"}, data.Columns())
	assert.Equal(t, []string{"default"}, gt.Columns())
	assert.Equal(t, data.Rows(), gt.Rows())

	col, ok := gt.Column("default")
	require.True(t, ok)
	assert.Equal(t, []any{0, 1, 0}, col)

	err := data.Drop("default")
	assert.True(t, errors.Is(err, ErrColumnNotFound))
	assert.Error(t, gt.KeepOnly("age"))
}

func TestFromColumnsAndConcat(t *testing.T) {
	tbl, err := FromColumns(nil, map[string][]any{"b": {1, 2}, "a": {"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Columns())

	_, err = FromColumns(nil, map[string][]any{"b": {1, 2}, "a": {"x"}})
	assert.Error(t, err)

	other, err := NewTable([]string{"a", "b"}, [][]any{{"z", 3}})
	require.NoError(t, err)
	require.NoError(t, tbl.Concat(other))
	assert.Equal(t, 3, tbl.Rows())
	assert.Equal(t, []any{"z", 3}, tbl.Row(2))
}

func TestJSONRoundTripShape(t *testing.T) {
	raw, err := json.Marshal(credit(t))
	require.NoError(t, err)

	var decoded Table
	require.NoError(t, json.Unmarshal(raw, &decoded))
	rows, cols := decoded.Shape()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, []string{"age", "sex", "default"}, decoded.Columns())
}
