package manager

import (
	"archive/zip"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TestEngine-Core/internal/adapters/stock"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
)

func stockRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, stock.Register(reg))
	return reg
}

func testOptions(t *testing.T) (Options, *xerrors.Collector) {
	t.Helper()
	c := xerrors.NewCollector()
	return Options{TempDir: t.TempDir(), Collector: c}, c
}

func writeCSV(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writePNG(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

type rawSerializer struct{}

func (rawSerializer) Deserialize(context.Context, string) (any, error) { return "opaque", nil }

type fakePipeline struct{ cleaned bool }

func (p *fakePipeline) AlgorithmName() string { return "custom-pipeline" }
func (p *fakePipeline) Predict(context.Context, plugin.Data) ([]any, error) {
	return nil, nil
}
func (p *fakePipeline) PredictProba(context.Context, plugin.Data) ([][]float64, error) {
	return nil, nil
}
func (p *fakePipeline) Cleanup() error        { p.cleaned = true; return nil }
func (p *fakePipeline) Raw() any              { return p }
func (p *fakePipeline) Pipeline() any         { return p }
func (p *fakePipeline) SetPipeline(any) error { return nil }

type constructorPlugin struct{ built *fakePipeline }

func (*constructorPlugin) IsSupported(context.Context, any) bool { return false }
func (*constructorPlugin) Wrap(context.Context, any) (plugin.Pipeline, error) {
	return nil, nil
}
func (c *constructorPlugin) NewPipeline(context.Context) (plugin.Pipeline, error) {
	c.built = &fakePipeline{}
	return c.built, nil
}

func TestDataManagerReadsDelimitedFile(t *testing.T) {
	opts, _ := testOptions(t)
	path := writeCSV(t, filepath.Join(t.TempDir(), "credit.csv"), "age,sex,default\n31,1,0\n45,2,1\n52,1,1\n")

	res, err := NewDataManager(stockRegistry(t), opts).Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "delimiter", res.Serializer.Descriptor.Name)
	tab, ok := res.Data.(plugin.Tabular)
	require.True(t, ok, "result must be converted to a table")
	rows, cols := tab.Shape()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 3, cols)
	assert.Equal(t, []string{"age", "sex", "default"}, tab.Labels())
	assert.False(t, res.Mixed)
}

func TestDataManagerKeepsEmptyTSVCells(t *testing.T) {
	opts, _ := testOptions(t)
	path := writeCSV(t, filepath.Join(t.TempDir(), "d.tsv"), "age\tincome\tlabel\n31\t1200.5\tyes\n45\t\tno\n")

	res, err := NewDataManager(stockRegistry(t), opts).Read(context.Background(), path)
	require.NoError(t, err)
	tab, ok := res.Data.(plugin.Tabular)
	require.True(t, ok)
	rows, cols := tab.Shape()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)
	income, ok := tab.Table().Column("income")
	require.True(t, ok)
	assert.Equal(t, []any{1200.5, nil}, income)
}

func TestDataManagerConsolidatesImages(t *testing.T) {
	opts, _ := testOptions(t)
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.png", "c.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	writeCSV(t, filepath.Join(dir, ".hidden.csv"), "x\n1\n")

	res, err := NewDataManager(stockRegistry(t), opts).Read(context.Background(), dir)
	require.NoError(t, err)
	tab, ok := res.Data.(plugin.Tabular)
	require.True(t, ok)
	assert.Equal(t, []string{"image"}, tab.Labels())
	col, ok := tab.Table().Column("image")
	require.True(t, ok)
	assert.Equal(t, []any{
		filepath.Join(dir, "a.png"), filepath.Join(dir, "b.png"), filepath.Join(dir, "c.png"),
	}, col)
	assert.Equal(t, "pandas", res.Adapter.Descriptor.Name)
}

func TestDataManagerKeepsDownloadedImagesUntilClose(t *testing.T) {
	src := writePNG(t, filepath.Join(t.TempDir(), "a.png"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, src)
	}))
	defer srv.Close()
	opts, _ := testOptions(t)

	res, err := NewDataManager(stockRegistry(t), opts).Read(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	tab, ok := res.Data.(plugin.Tabular)
	require.True(t, ok)
	col, ok := tab.Table().Column("image")
	require.True(t, ok)
	require.Len(t, col, 1)
	file, ok := col[0].(string)
	require.True(t, ok)
	assert.FileExists(t, file)

	res.Close()
	assert.NoFileExists(t, file)
	res.Close()
}

func TestDataManagerRemovesDownloadedTables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("age,label\n31,1\n45,0\n"))
	}))
	defer srv.Close()
	opts, _ := testOptions(t)
	reg := stockRegistry(t)
	Install(reg, opts)

	d, _, err := reg.GetInstance(context.Background(), plugin.CategoryData, map[string]any{"path": srv.URL + "/credit.csv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "label"}, d.(plugin.Data).Labels())
	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDataManagerFailures(t *testing.T) {
	opts, _ := testOptions(t)
	m := NewDataManager(stockRegistry(t), opts)

	_, err := m.Read(context.Background(), t.TempDir())
	assert.Equal(t, CodeNoDataInstances, xerrors.CodeOf(err))

	text := writeCSV(t, filepath.Join(t.TempDir(), "notes.txt"), "just a sentence\n")
	_, err = m.Read(context.Background(), text)
	assert.Equal(t, CodeNoDataInstances, xerrors.CodeOf(err))

	reg := stockRegistry(t)
	mod, err := plugin.NewModule(plugin.Descriptor{Name: "pickle", Category: plugin.CategorySerializer, Runtime: plugin.RuntimeBuiltin}, rawSerializer{})
	require.NoError(t, err)
	require.NoError(t, reg.Register(plugin.CategorySerializer, "pickle", mod))
	_, err = NewDataManager(reg, opts).Read(context.Background(), text)
	assert.Equal(t, CodeUnsupportedFormat, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryData, xerrors.CategoryOf(err))
}

func TestDataManagerMixedPolicy(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, filepath.Join(dir, "a.csv"), "x,y\n1,2\n")
	writePNG(t, filepath.Join(dir, "b.png"))

	opts, collector := testOptions(t)
	res, err := NewDataManager(stockRegistry(t), opts).Read(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, res.Mixed)
	assert.Equal(t, []string{"x", "y"}, res.Data.Labels())
	require.Equal(t, 1, collector.Len())
	assert.Equal(t, string(CodeMixedDataset), collector.Entries()[0].Code)
	assert.Equal(t, xerrors.SeverityWarning, collector.Entries()[0].Severity)

	opts.MixedPolicy = MixedStrict
	_, err = NewDataManager(stockRegistry(t), opts).Read(context.Background(), dir)
	assert.Equal(t, CodeMixedDataset, xerrors.CodeOf(err))
}

func TestModelManager(t *testing.T) {
	opts, _ := testOptions(t)
	m := NewModelManager(stockRegistry(t), opts)

	path := writeCSV(t, filepath.Join(t.TempDir(), "model.csv"), "a,b\n1,2\n")
	_, err := m.ReadFile(context.Background(), path)
	assert.Equal(t, CodeUnsupportedModel, xerrors.CodeOf(err))

	_, err = m.ReadFile(context.Background(), t.TempDir())
	assert.Equal(t, CodeModelDeserialization, xerrors.CodeOf(err))

	sch := map[string]any{"type": "object", "required": []any{"url"}}
	res, err := m.ReadAPI(context.Background(), sch, map[string]any{"url": "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "api", res.Adapter.Descriptor.Name)
	assert.Nil(t, res.Serializer)

	_, err = m.ReadAPI(context.Background(), sch, map[string]any{})
	assert.Equal(t, CodeAPIModelRejected, xerrors.CodeOf(err))
}

func TestPipelineManagerCustomDiscovery(t *testing.T) {
	opts, _ := testOptions(t)
	reg := stockRegistry(t)
	ctor := &constructorPlugin{}
	mod, err := plugin.NewModule(plugin.Descriptor{Name: "custom", Category: plugin.CategoryPipeline, Runtime: plugin.RuntimeBuiltin}, ctor)
	require.NoError(t, err)
	require.NoError(t, reg.Register(plugin.CategoryPipeline, "custom", mod))

	dir := t.TempDir()
	writeCSV(t, filepath.Join(dir, "pipeline.py"), "class Pipe: pass\n")

	res, err := NewPipelineManager(reg, opts).ReadPath(context.Background(), dir)
	require.NoError(t, err)
	defer res.Close()
	assert.True(t, res.Custom)
	assert.Nil(t, res.Serializer)
	assert.Same(t, ctor.built, res.Pipeline)
}

func TestPipelineManagerFailures(t *testing.T) {
	opts, _ := testOptions(t)
	m := NewPipelineManager(stockRegistry(t), opts)

	_, err := m.ReadPath(context.Background(), t.TempDir())
	assert.Equal(t, CodeNoPipelineArtifact, xerrors.CodeOf(err))

	bin := filepath.Join(t.TempDir(), "pipe.bin")
	require.NoError(t, os.WriteFile(bin, []byte{0x00, 0x01, 0x02}, 0o644))
	_, err = m.ReadPath(context.Background(), bin)
	assert.Equal(t, CodePipelineDeserialization, xerrors.CodeOf(err))
}

func TestPipelineManagerExtractsArchives(t *testing.T) {
	opts, _ := testOptions(t)
	zipPath := filepath.Join(t.TempDir(), "pipeline.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("model/artifact.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = NewPipelineManager(stockRegistry(t), opts).ReadPath(context.Background(), zipPath)
	assert.Equal(t, CodeUnsupportedPipeline, xerrors.CodeOf(err))

	entries, err := os.ReadDir(opts.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "extraction dir must be removed")
}

func TestInstallWiresResolvers(t *testing.T) {
	opts, _ := testOptions(t)
	reg := stockRegistry(t)
	Install(reg, opts)
	path := writeCSV(t, filepath.Join(t.TempDir(), "d.csv"), "a,b\n1,2\n3,4\n")

	inst, mod, err := reg.GetInstance(context.Background(), plugin.CategoryData, map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "delimiter", mod.Descriptor.Name)
	rows, _ := inst.(plugin.Data).Shape()
	assert.Equal(t, 2, rows)

	obj, ser, err := reg.GetInstance(context.Background(), plugin.CategorySerializer, map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "delimiter", ser.Descriptor.Name)
	assert.NotNil(t, obj)

	_, _, err = reg.GetInstance(context.Background(), plugin.CategoryData, map[string]any{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestProbeSurvivesPanics(t *testing.T) {
	boom, err := plugin.NewModule(plugin.Descriptor{Name: "boom", Category: plugin.CategorySerializer, Runtime: plugin.RuntimeBuiltin}, panicSerializer{})
	require.NoError(t, err)
	raw, err := plugin.NewModule(plugin.Descriptor{Name: "raw", Category: plugin.CategorySerializer, Runtime: plugin.RuntimeBuiltin}, rawSerializer{})
	require.NoError(t, err)

	obj, ser := Probe(context.Background(), "x", []*plugin.Module{boom, raw}, 0, nil)
	assert.Equal(t, "opaque", obj)
	assert.Equal(t, "raw", ser.Descriptor.Name)

	obj, ser = Probe(context.Background(), "x", []*plugin.Module{boom}, 0, nil)
	assert.Nil(t, obj)
	assert.Nil(t, ser)
}

type panicSerializer struct{}

func (panicSerializer) Deserialize(context.Context, string) (any, error) { panic("corrupt") }
