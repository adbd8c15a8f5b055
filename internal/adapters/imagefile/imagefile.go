// Package imagefile provides the stock image serializer and data adapter.
package imagefile

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"TestEngine-Core/pkg/plugin"
)

// Name is the registry name and priority tag of both adapters.
const Name = "image"

// Column is the column holding image paths once consolidated into a table.
const Column = "image"

func init() {
	plugin.RegisterFactory("stock.image.serializer", func(plugin.Descriptor) (any, error) { return Serializer{}, nil })
	plugin.RegisterFactory("stock.image.data", func(plugin.Descriptor) (any, error) { return Plugin{}, nil })
}

// SerializerDescriptor describes the stock image serializer.
func SerializerDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name: Name, Description: "PNG, JPEG and GIF images", Version: "1.0.0",
		Category: plugin.CategorySerializer, Priority: Name,
		Runtime: plugin.RuntimeBuiltin, Entry: "stock.image.serializer",
	}
}

// DataDescriptor describes the stock image data adapter.
func DataDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name: Name, Description: "single image file", Version: "1.0.0",
		Category: plugin.CategoryData, Priority: Name,
		Runtime: plugin.RuntimeBuiltin, Entry: "stock.image.data",
	}
}

// File is a decoded image header.
type File struct {
	Path   string
	Format string
	Width  int
	Height int
}

// Serializer accepts files whose header decodes as a registered image format.
type Serializer struct{}

// Deserialize implements plugin.Serializer.
func (Serializer) Deserialize(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		// Unknown formats and truncated headers both mean "not an image".
		return nil, nil
	}
	return &File{Path: path, Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Plugin recognises *File values.
type Plugin struct{}

// IsSupported implements plugin.DataPlugin.
func (Plugin) IsSupported(_ context.Context, obj any) bool {
	_, ok := obj.(*File)
	return ok
}

// Wrap implements plugin.DataPlugin.
func (Plugin) Wrap(_ context.Context, obj any) (plugin.Data, error) {
	f, ok := obj.(*File)
	if !ok {
		return nil, fmt.Errorf("image adapter cannot wrap %T", obj)
	}
	return &Data{file: *f}, nil
}

// Data is one image file.
type Data struct {
	file File
}

// File returns the decoded header.
func (d *Data) File() File { return d.file }

func (d *Data) Type() plugin.DataType { return plugin.DataImage }
func (d *Data) Shape() (int, int)     { return 1, 1 }
func (d *Data) Labels() []string      { return []string{Column} }
func (d *Data) Raw() any              { return d.file }
func (d *Data) Clone() plugin.Data    { return &Data{file: d.file} }

// KeepOnly implements plugin.Data. Images carry no ground-truth column.
func (d *Data) KeepOnly(column string) error {
	return fmt.Errorf("image data has no column %q", column)
}

// Drop implements plugin.Data.
func (d *Data) Drop(column string) error {
	return fmt.Errorf("image data has no column %q", column)
}

// ToMapping implements plugin.Data.
func (d *Data) ToMapping() (map[string][]any, error) {
	return map[string][]any{Column: {d.file.Path}}, nil
}

// Validate implements plugin.Data.
func (d *Data) Validate() error {
	if d.file.Width <= 0 || d.file.Height <= 0 {
		return fmt.Errorf("image %s has no pixels", d.file.Path)
	}
	return nil
}
