package manager

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"TestEngine-Core/internal/adapters/imagefile"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/dataset"
	"TestEngine-Core/pkg/plugin"
)

// DataResult is a resolved dataset.
type DataResult struct {
	Data       plugin.Data
	Serializer *plugin.Module
	Adapter    *plugin.Module
	// Files lists every file that produced an instance.
	Files []string
	// Mixed is set when the directory held more than one non-image instance
	// or more than one subtype.
	Mixed bool

	// fileBacked is set when Data refers to files by path.
	fileBacked bool
	closeOnce  sync.Once
	release    func()
}

// Close removes a downloaded dataset. Data that refers to files by path,
// such as a consolidated image column, stays valid until Close.
func (r *DataResult) Close() {
	if r == nil || r.release == nil {
		return
	}
	r.closeOnce.Do(r.release)
}

// DataManager resolves dataset paths.
type DataManager struct {
	reg  *plugin.Registry
	opts Options
}

// NewDataManager constructs a DataManager.
func NewDataManager(reg *plugin.Registry, opts Options) *DataManager {
	return &DataManager{reg: reg, opts: opts.withDefaults()}
}

type dataPair struct {
	path       string
	data       plugin.Data
	serializer *plugin.Module
	adapter    *plugin.Module
}

// Read resolves path (file, directory or URL) into a tabular Data instance.
func (m *DataManager) Read(ctx context.Context, path string) (*DataResult, error) {
	local, cleanup, err := localize(ctx, m.opts, path)
	if err != nil {
		return nil, err
	}
	owned := false
	defer func() {
		if !owned {
			cleanup()
		}
	}()

	files, err := expand(local)
	if err != nil {
		return nil, report(m.opts, xerrors.Wrap(CodeNoDataInstances, err, fmt.Sprintf("read dataset %s", path)), "data-manager")
	}
	serializers, err := m.reg.Get(plugin.CategorySerializer)
	if err != nil {
		return nil, err
	}
	adapters, err := m.reg.Get(plugin.CategoryData)
	if err != nil {
		return nil, err
	}

	var pairs []dataPair
	deserialized := 0
	for _, f := range files {
		obj, ser := Probe(ctx, f, serializers, m.opts.SerializerTimeout, m.opts.Logger)
		if ser == nil {
			continue
		}
		deserialized++
		if pair, ok := m.match(ctx, f, obj, ser, adapters); ok {
			pairs = append(pairs, pair)
		}
	}
	switch {
	case len(pairs) == 0 && deserialized == 0:
		return nil, report(m.opts, xerrors.New(CodeNoDataInstances, fmt.Sprintf("no file under %s could be deserialized", path)), "data-manager")
	case len(pairs) == 0:
		return nil, report(m.opts, xerrors.New(CodeUnsupportedFormat, fmt.Sprintf("no data adapter recognised %s", path)), "data-manager")
	}

	res, err := m.consolidate(ctx, path, pairs)
	if err != nil {
		return nil, report(m.opts, err, "data-manager")
	}
	if _, ok := res.Data.(plugin.Tabular); !ok {
		converted, err := m.convert(ctx, res.Data)
		if err != nil {
			return nil, report(m.opts, err, "data-manager")
		}
		res.Data = converted
	}
	if err := res.Data.Validate(); err != nil {
		return nil, report(m.opts, xerrors.Wrap(CodeUnsupportedFormat, err, fmt.Sprintf("dataset %s", path)), "data-manager")
	}
	res.release = cleanup
	owned = true
	return res, nil
}

func (m *DataManager) match(ctx context.Context, path string, obj any, ser *plugin.Module, adapters []*plugin.Module) (dataPair, bool) {
	for _, a := range adapters {
		dp, ok := a.Adapter.(plugin.DataPlugin)
		if !ok || !dp.IsSupported(ctx, obj) {
			continue
		}
		d, err := dp.Wrap(ctx, obj)
		if err != nil {
			m.opts.Logger.Warn("data adapter failed to wrap", "adapter", a.Descriptor.Name, "path", path, "error", err)
			continue
		}
		return dataPair{path: path, data: d, serializer: ser, adapter: a}, true
	}
	return dataPair{}, false
}

func (m *DataManager) consolidate(ctx context.Context, path string, pairs []dataPair) (*DataResult, error) {
	files := make([]string, len(pairs))
	images := 0
	sameType := true
	for i, p := range pairs {
		files[i] = p.path
		if p.data.Type() == plugin.DataImage {
			images++
		}
		if p.data.Type() != pairs[0].data.Type() {
			sameType = false
		}
	}
	first := pairs[0]

	switch {
	case len(pairs) == 1 && images == 0:
		return &DataResult{Data: first.data, Serializer: first.serializer, Adapter: first.adapter, Files: files}, nil
	case images == len(pairs):
		column := make([]any, len(pairs))
		for i, p := range pairs {
			column[i] = imagePath(p)
		}
		table, err := dataset.FromColumns([]string{imagefile.Column}, map[string][]any{imagefile.Column: column})
		if err != nil {
			return nil, xerrors.Wrap(CodeConversionFailed, err, "consolidate images")
		}
		conv, adapter, err := m.wrapTabular(ctx, table)
		if err != nil {
			return nil, err
		}
		return &DataResult{Data: conv, Serializer: first.serializer, Adapter: adapter, Files: files, fileBacked: true}, nil
	default:
		msg := fmt.Sprintf("dataset directory %s produced %d instances (uniform subtype: %t); using %s", path, len(pairs), sameType, first.path)
		if m.opts.MixedPolicy == MixedStrict {
			return nil, xerrors.New(CodeMixedDataset, msg)
		}
		m.opts.Logger.Warn("mixed dataset directory", "path", path, "instances", len(pairs), "using", first.path)
		_ = m.opts.Collector.Add(xerrors.CategoryData, string(CodeMixedDataset), msg, xerrors.SeverityWarning, "data-manager")
		return &DataResult{
			Data:       first.data,
			Serializer: first.serializer,
			Adapter:    first.adapter,
			Files:      files,
			Mixed:      true,
			fileBacked: first.data.Type() == plugin.DataImage,
		}, nil
	}
}

func imagePath(p dataPair) string {
	if d, ok := p.data.(*imagefile.Data); ok {
		return d.File().Path
	}
	return p.path
}

func (m *DataManager) convert(ctx context.Context, d plugin.Data) (plugin.Data, error) {
	mapping, err := d.ToMapping()
	if err != nil {
		return nil, xerrors.Wrap(CodeConversionFailed, err, "convert dataset to mapping")
	}
	table, err := dataset.FromColumns(d.Labels(), mapping)
	if err != nil {
		return nil, xerrors.Wrap(CodeConversionFailed, err, "convert dataset to table")
	}
	conv, _, err := m.wrapTabular(ctx, table)
	return conv, err
}

func (m *DataManager) wrapTabular(ctx context.Context, table *dataset.Table) (plugin.Data, *plugin.Module, error) {
	mod, err := m.reg.Lookup(plugin.CategoryData, m.opts.ConversionAdapter)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeConversionFailed, err, "conversion adapter unavailable")
	}
	dp, ok := mod.Adapter.(plugin.DataPlugin)
	if !ok || !dp.IsSupported(ctx, table) {
		return nil, nil, xerrors.New(CodeConversionFailed, fmt.Sprintf("adapter %s cannot hold tables", mod.Descriptor.Name))
	}
	d, err := dp.Wrap(ctx, table)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeConversionFailed, err, "wrap table")
	}
	return d, mod, nil
}

// Resolve implements plugin.Resolver with args {"path": string}.
func (m *DataManager) Resolve(ctx context.Context, _ *plugin.Registry, args map[string]any) (any, *plugin.Module, error) {
	path, err := argString(args, "path")
	if err != nil {
		return nil, nil, err
	}
	res, err := m.Read(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	// Image columns name files in the download, which then stays in the
	// temp workspace because the caller holds no handle to release it.
	if !res.fileBacked {
		res.Close()
	}
	return res.Data, res.Adapter, nil
}

// expand returns path itself for files and every regular, non-hidden
// descendant in lexical order for directories.
func expand(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != path && len(d.Name()) > 0 && d.Name()[0] == '.' {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
