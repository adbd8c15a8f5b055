// Package tabular is the stock "pandas" data adapter: an in-memory table that
// every other data representation converts into.
package tabular

import (
	"context"
	"errors"
	"fmt"

	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/plugin"
)

// Name is the adapter's registry name and priority tag.
const Name = "pandas"

func init() {
	plugin.RegisterFactory("stock.tabular", func(plugin.Descriptor) (any, error) { return Plugin{}, nil })
}

// Descriptor describes the stock adapter.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Description: "in-memory tabular dataset",
		Version:     "1.0.0",
		Category:    plugin.CategoryData,
		Priority:    Name,
		Runtime:     plugin.RuntimeBuiltin,
		Entry:       "stock.tabular",
	}
}

// Plugin recognises tables and column mappings.
type Plugin struct{}

// IsSupported implements plugin.DataPlugin.
func (Plugin) IsSupported(_ context.Context, obj any) bool {
	switch obj.(type) {
	case *dataset.Table, map[string][]any:
		return true
	default:
		return false
	}
}

// Wrap implements plugin.DataPlugin.
func (Plugin) Wrap(_ context.Context, obj any) (plugin.Data, error) {
	switch v := obj.(type) {
	case *dataset.Table:
		return New(v), nil
	case map[string][]any:
		t, err := dataset.FromColumns(nil, v)
		if err != nil {
			return nil, err
		}
		return New(t), nil
	default:
		return nil, fmt.Errorf("tabular adapter cannot wrap %T", obj)
	}
}

// FromData converts any Data instance through its mapping form.
func FromData(d plugin.Data) (*Data, error) {
	if td, ok := d.(*Data); ok {
		return td, nil
	}
	t, err := plugin.TableOf(d)
	if err != nil {
		return nil, err
	}
	return New(t), nil
}

// Data is a Data instance backed by a dataset.Table.
type Data struct {
	table *dataset.Table
}

// New wraps t.
func New(t *dataset.Table) *Data { return &Data{table: t} }

func (d *Data) Type() plugin.DataType        { return plugin.DataTabular }
func (d *Data) Shape() (int, int)            { return d.table.Shape() }
func (d *Data) Labels() []string             { return d.table.Columns() }
func (d *Data) Table() *dataset.Table        { return d.table }
func (d *Data) Raw() any                     { return d.table }
func (d *Data) Clone() plugin.Data           { return &Data{table: d.table.Clone()} }
func (d *Data) KeepOnly(column string) error { return d.table.KeepOnly(column) }
func (d *Data) Drop(column string) error     { return d.table.Drop(column) }

// ToMapping implements plugin.Data.
func (d *Data) ToMapping() (map[string][]any, error) {
	return d.table.ToMapping(), nil
}

// Validate rejects tables without rows or columns.
func (d *Data) Validate() error {
	rows, cols := d.table.Shape()
	if cols == 0 {
		return errors.New("dataset has no columns")
	}
	if rows == 0 {
		return errors.New("dataset has no rows")
	}
	return nil
}
