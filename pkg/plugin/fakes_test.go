package plugin

import (
	"context"
	"testing"

	"TestEngine-Core/pkg/dataset"
)

type fakeSerializer struct{ accept string }

func (s fakeSerializer) Deserialize(_ context.Context, path string) (any, error) {
	if s.accept != "" && path != s.accept {
		return nil, nil
	}
	return path, nil
}

type fakeData struct{ table *dataset.Table }

func (d *fakeData) Type() DataType                       { return DataTabular }
func (d *fakeData) Shape() (int, int)                    { return d.table.Shape() }
func (d *fakeData) Labels() []string                     { return d.table.Columns() }
func (d *fakeData) KeepOnly(c string) error              { return d.table.KeepOnly(c) }
func (d *fakeData) Drop(c string) error                  { return d.table.Drop(c) }
func (d *fakeData) ToMapping() (map[string][]any, error) { return d.table.ToMapping(), nil }
func (d *fakeData) Validate() error                      { return nil }
func (d *fakeData) Clone() Data                          { return &fakeData{table: d.table.Clone()} }
func (d *fakeData) Raw() any                             { return d.table }
func (d *fakeData) Table() *dataset.Table                { return d.table }

type fakeDataPlugin struct{}

func (fakeDataPlugin) IsSupported(_ context.Context, obj any) bool {
	_, ok := obj.(*dataset.Table)
	return ok
}

func (fakeDataPlugin) Wrap(_ context.Context, obj any) (Data, error) {
	return &fakeData{table: obj.(*dataset.Table)}, nil
}

func module(t testing.TB, category Category, name, priority string, adapter any) *Module {
	t.Helper()
	m, err := NewModule(Descriptor{Name: name, Category: category, Priority: priority, Runtime: RuntimeBuiltin}, adapter)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	return m
}
