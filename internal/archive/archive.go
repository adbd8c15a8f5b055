// Package archive extracts zip and gzip-compressed tar uploads into a
// directory, rejecting entries that would land outside it.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for entries escaping the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ErrUnsupported is returned for files that are neither zip nor tar.gz.
var ErrUnsupported = errors.New("unsupported archive format")

// DefaultMaxBytes caps the total extracted size.
const DefaultMaxBytes int64 = 4 << 30

// Format identifies an archive container.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// Detect sniffs the archive format from magic bytes.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	magic := make([]byte, 4)
	n, _ := io.ReadFull(f, magic)
	magic = magic[:n]
	switch {
	case len(magic) >= 4 && string(magic) == "PK\x03\x04":
		return FormatZip, nil
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return FormatTarGz, nil
	default:
		return "", ErrUnsupported
	}
}

// IsArchive reports whether path sniffs as a supported archive.
func IsArchive(path string) bool {
	_, err := Detect(path)
	return err == nil
}

// Extract unpacks src into dest, which is created if needed.
func Extract(ctx context.Context, src, dest string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	format, err := Detect(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	budget := &budget{left: maxBytes}
	switch format {
	case FormatZip:
		return extractZip(ctx, src, dest, budget)
	default:
		return extractTarGz(ctx, src, dest, budget)
	}
}

// SafeJoin joins name under root, failing for absolute names or names that
// climb out of root.
func SafeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	full := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return full, nil
}

type budget struct{ left int64 }

func (b *budget) copy(ctx context.Context, dst io.Writer, src io.Reader) error {
	n, err := io.Copy(dst, io.LimitReader(&ctxReader{ctx: ctx, r: src}, b.left+1))
	b.left -= n
	if err != nil {
		return err
	}
	if b.left < 0 {
		return errors.New("archive exceeds extraction size limit")
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func extractZip(ctx context.Context, src, dest string, b *budget) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := SafeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := writeEntry(ctx, target, f.Mode().Perm(), b, func() (io.ReadCloser, error) { return f.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, src, dest string, b *budget) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Name == "" {
			continue
		}
		target, err := SafeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			mode := os.FileMode(hdr.Mode).Perm()
			if err := writeEntry(ctx, target, mode, b, func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }); err != nil {
				return err
			}
		default:
			// Links and devices are dropped.
		}
	}
}

func writeEntry(ctx context.Context, target string, mode os.FileMode, b *budget, open func() (io.ReadCloser, error)) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if err := b.copy(ctx, out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
