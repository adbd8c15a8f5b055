// Package delimited provides the stock CSV/TSV serializer and data adapter.
package delimited

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"TestEngine-Core/pkg/plugin"
)

// Name is the registry name and priority tag of both adapters.
const Name = "delimiter"

// DefaultMaxBytes caps the size of a file the serializer will parse.
const DefaultMaxBytes int64 = 512 << 20

var candidates = []rune{',', '\t', ';', '|'}

func init() {
	plugin.RegisterFactory("stock.delimited.serializer", func(desc plugin.Descriptor) (any, error) {
		s := Serializer{}
		if v, ok := desc.Config["max_bytes"].(int); ok {
			s.MaxBytes = int64(v)
		}
		return s, nil
	})
	plugin.RegisterFactory("stock.delimited.data", func(plugin.Descriptor) (any, error) { return Plugin{}, nil })
}

// SerializerDescriptor describes the stock delimited-text serializer.
func SerializerDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name: Name, Description: "comma, tab, semicolon or pipe separated text", Version: "1.0.0",
		Category: plugin.CategorySerializer, Priority: Name,
		Runtime: plugin.RuntimeBuiltin, Entry: "stock.delimited.serializer",
	}
}

// DataDescriptor describes the stock delimited data adapter.
func DataDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name: Name, Description: "delimited text with a header row", Version: "1.0.0",
		Category: plugin.CategoryData, Priority: Name,
		Runtime: plugin.RuntimeBuiltin, Entry: "stock.delimited.data",
	}
}

// File is a parsed delimited file.
type File struct {
	Path      string
	Delimiter rune
	Header    []string
	Records   [][]string
}

// Serializer sniffs the delimiter from the header line and parses the file.
type Serializer struct {
	MaxBytes int64
}

// Deserialize implements plugin.Serializer. Binary or ragged input is
// reported as "not mine" rather than as an error.
func (s Serializer) Deserialize(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, limit)
	}
	if f := Parse(path, raw); f != nil {
		return f, nil
	}
	return nil, nil
}

// Parse returns nil when raw is not delimited text.
func Parse(path string, raw []byte) *File {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if len(raw) == 0 || !utf8.Valid(raw) || bytes.IndexByte(raw, 0) >= 0 {
		return nil
	}
	delim, ok := sniff(raw)
	if !ok {
		return nil
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = delim
	// TrimLeadingSpace would swallow a whitespace delimiter and merge empty cells.
	trim := !unicode.IsSpace(delim)
	r.TrimLeadingSpace = trim
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil
	}
	if !trim {
		for _, row := range rows {
			for i, cell := range row {
				row[i] = strings.TrimLeft(cell, " ")
			}
		}
	}
	header := rows[0]
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil
		}
		if _, dup := seen[h]; dup {
			return nil
		}
		seen[h] = struct{}{}
		header[i] = h
	}
	return &File{Path: path, Delimiter: delim, Header: header, Records: rows[1:]}
}

func sniff(raw []byte) (rune, bool) {
	line, _, _ := bufio.NewReader(bytes.NewReader(raw)).ReadLine()
	best, count := rune(0), 0
	for _, c := range candidates {
		if n := strings.Count(string(line), string(c)); n > count {
			best, count = c, n
		}
	}
	return best, count > 0
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
		return nil, fmt.Errorf("delimited adapter cannot wrap %T", obj)
	}
	return &Data{header: append([]string(nil), f.Header...), records: f.Records, path: f.Path}, nil
}

// Data holds delimited records as strings until converted to a table.
type Data struct {
	path    string
	header  []string
	records [][]string
}

func (d *Data) Type() plugin.DataType { return plugin.DataDelimited }
func (d *Data) Shape() (int, int)     { return len(d.records), len(d.header) }
func (d *Data) Labels() []string      { return append([]string(nil), d.header...) }
func (d *Data) Raw() any              { return d.records }

// Clone implements plugin.Data.
func (d *Data) Clone() plugin.Data {
	records := make([][]string, len(d.records))
	for i, r := range d.records {
		records[i] = append([]string(nil), r...)
	}
	return &Data{path: d.path, header: d.Labels(), records: records}
}

func (d *Data) index(column string) (int, error) {
	for i, h := range d.header {
		if h == column {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found in %s", column, d.path)
}

// KeepOnly implements plugin.Data.
func (d *Data) KeepOnly(column string) error {
	idx, err := d.index(column)
	if err != nil {
		return err
	}
	for i, r := range d.records {
		d.records[i] = []string{r[idx]}
	}
	d.header = []string{column}
	return nil
}

// Drop implements plugin.Data.
func (d *Data) Drop(column string) error {
	idx, err := d.index(column)
	if err != nil {
		return err
	}
	for i, r := range d.records {
		d.records[i] = append(append([]string(nil), r[:idx]...), r[idx+1:]...)
	}
	d.header = append(d.header[:idx:idx], d.header[idx+1:]...)
	return nil
}

// ToMapping converts cells to float64 where they parse as numbers and to nil
// where they are empty.
func (d *Data) ToMapping() (map[string][]any, error) {
	out := make(map[string][]any, len(d.header))
	for j, h := range d.header {
		col := make([]any, len(d.records))
		for i, r := range d.records {
			col[i] = cell(r[j])
		}
		out[h] = col
	}
	return out, nil
}

// Validate implements plugin.Data.
func (d *Data) Validate() error {
	if len(d.header) == 0 {
		return fmt.Errorf("%s has no header", d.path)
	}
	return nil
}

func cell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
