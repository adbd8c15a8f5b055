package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	xerrors "TestEngine-Core/internal/errors"
)

// DiscoveryError records one candidate file that failed to load.
type DiscoveryError struct {
	Path string
	Err  error
}

// DiscoveryResult summarises one walk.
type DiscoveryResult struct {
	Root    string
	Modules []*Module
	Errors  []DiscoveryError
	Skipped int
}

// Discoverer walks directories for plugin candidates and registers the
// modules they yield in a single batch.
type Discoverer struct {
	registry  *Registry
	loaders   []Loader
	collector *xerrors.Collector
	logger    *slog.Logger
}

// DiscovererOption customises a Discoverer.
type DiscovererOption func(*Discoverer)

// WithCollector records per-file failures in c instead of the default collector.
func WithCollector(c *xerrors.Collector) DiscovererOption {
	return func(d *Discoverer) { d.collector = c }
}

// WithLogger sets the discovery logger.
func WithLogger(l *slog.Logger) DiscovererOption {
	return func(d *Discoverer) { d.logger = l }
}

// NewDiscoverer constructs a discoverer that tries loaders in order.
func NewDiscoverer(reg *Registry, loaders []Loader, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		registry:  reg,
		loaders:   loaders,
		collector: xerrors.Default(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsPrivate reports whether a base name follows the private-module convention.
func IsPrivate(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// Discover walks root, loads every candidate and registers the batch. A
// non-empty nameOverride renames the single module found under root.
func (d *Discoverer) Discover(ctx context.Context, root, nameOverride string) (*DiscoveryResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("discovery root %s", root))
	}
	res := &DiscoveryResult{Root: root}
	if !info.IsDir() {
		d.loadFile(ctx, root, res)
	} else {
		walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				d.fail(res, path, err)
				if entry != nil && entry.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if path != root && IsPrivate(entry.Name()) {
				if entry.IsDir() {
					return fs.SkipDir
				}
				res.Skipped++
				return nil
			}
			if entry.IsDir() {
				return nil
			}
			d.loadFile(ctx, path, res)
			return nil
		})
		if walkErr != nil {
			return res, walkErr
		}
	}

	if nameOverride != "" {
		if len(res.Modules) != 1 {
			return res, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("name override %s needs exactly one plugin under %s, found %d", nameOverride, root, len(res.Modules)))
		}
		res.Modules[0].Descriptor.Name = nameOverride
	}
	if err := d.registry.RegisterBatch(res.Modules); err != nil {
		return res, err
	}
	d.logger.Info("plugin discovery finished",
		"root", root, "loaded", len(res.Modules), "failed", len(res.Errors), "skipped", res.Skipped)
	return res, nil
}

func (d *Discoverer) loadFile(ctx context.Context, path string, res *DiscoveryResult) {
	for _, l := range d.loaders {
		if !l.Match(path) {
			continue
		}
		mods, err := safeLoad(ctx, l, path)
		if err != nil {
			d.fail(res, path, err)
			return
		}
		for _, m := range mods {
			d.logger.Debug("plugin loaded", "category", m.Descriptor.Category, "name", m.Descriptor.Name, "path", path)
		}
		res.Modules = append(res.Modules, mods...)
		return
	}
}

func (d *Discoverer) fail(res *DiscoveryResult, path string, err error) {
	res.Errors = append(res.Errors, DiscoveryError{Path: path, Err: err})
	d.logger.Warn("plugin candidate rejected", "path", path, "error", err)
	code := string(xerrors.CodeOf(err))
	_ = d.collector.Add(xerrors.CategoryPlugin, code, fmt.Sprintf("%s: %v", path, err), xerrors.SeverityWarning, "discovery")
}

// safeLoad shields the walk from loaders that panic.
func safeLoad(ctx context.Context, l Loader, path string) (mods []*Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodePluginLoad, fmt.Sprintf("loader panicked: %v", r))
		}
	}()
	return l.Load(ctx, path)
}
