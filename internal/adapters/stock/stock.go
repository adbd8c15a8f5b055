// Package stock registers the adapters compiled into the engine.
package stock

import (
	"TestEngine-Core/internal/adapters/apimodel"
	"TestEngine-Core/internal/adapters/delimited"
	"TestEngine-Core/internal/adapters/imagefile"
	"TestEngine-Core/internal/adapters/tabular"
	"TestEngine-Core/pkg/plugin"
)

// Modules builds one module per stock adapter.
func Modules() ([]*plugin.Module, error) {
	specs := []struct {
		desc    plugin.Descriptor
		adapter any
	}{
		{tabular.Descriptor(), tabular.Plugin{}},
		{imagefile.DataDescriptor(), imagefile.Plugin{}},
		{delimited.DataDescriptor(), delimited.Plugin{}},
		{imagefile.SerializerDescriptor(), imagefile.Serializer{}},
		{delimited.SerializerDescriptor(), delimited.Serializer{}},
		{apimodel.Descriptor(), apimodel.New(nil)},
	}
	mods := make([]*plugin.Module, 0, len(specs))
	for _, s := range specs {
		m, err := plugin.NewModule(s.desc, s.adapter)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// Register adds every stock adapter to reg.
func Register(reg *plugin.Registry) error {
	mods, err := Modules()
	if err != nil {
		return err
	}
	return reg.RegisterBatch(mods)
}
