package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"TestEngine-Core/internal/archive"
	"TestEngine-Core/internal/catalog"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/logger"
	"TestEngine-Core/pkg/plugin"
)

const component = "bundle-store"

// Options configures a Store.
type Options struct {
	// Root is the install root; bundles live at <Root>/<gid>.
	Root string
	// TempDir holds archive extractions and synthetic bundles.
	TempDir  string
	Catalog  catalog.Catalog
	Registry *plugin.Registry
	// Runtime builds exec and wasm algorithms. Nil allows builtin and exec only.
	Runtime         *plugin.DescriptorLoader
	Locker          Locker
	MDX             *MDXValidator
	LockTimeout     time.Duration
	MaxArchiveBytes int64
	Collector       *xerrors.Collector
	Logger          *slog.Logger
}

// Store installs bundles. All filesystem writes under Root go through it.
type Store struct {
	root      string
	tempDir   string
	catalog   catalog.Catalog
	reg       *plugin.Registry
	loader    *AlgorithmLoader
	locker    Locker
	validator *Validator
	lockWait  time.Duration
	maxBytes  int64
	collector *xerrors.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates the install root if needed.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bundle install root cannot be empty")
	}
	if opts.Catalog == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bundle store needs a catalog")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve install root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(CodeInstallFailed, err, "create install root")
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Registry == nil {
		opts.Registry = plugin.NewRegistry()
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Minute
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = archive.DefaultMaxBytes
	}
	if opts.Collector == nil {
		opts.Collector = xerrors.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named(component)
	}
	return &Store{
		root:      root,
		tempDir:   opts.TempDir,
		catalog:   opts.Catalog,
		reg:       opts.Registry,
		loader:    &AlgorithmLoader{Runtime: opts.Runtime},
		locker:    opts.Locker,
		validator: &Validator{MDX: opts.MDX, Logger: opts.Logger},
		lockWait:  opts.LockTimeout,
		maxBytes:  opts.MaxArchiveBytes,
		collector: opts.Collector,
		logger:    opts.Logger,
		now:       time.Now,
	}, nil
}

// Root returns the install root.
func (s *Store) Root() string { return s.root }

// Loader returns the loader that turns installed algorithm metas into plugins.
func (s *Store) Loader() plugin.Loader { return s.loader }

func (s *Store) fail(err error) error {
	s.collector.Record(err, component)
	return err
}

func (s *Store) lock(ctx context.Context, gid string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	return s.locker.Lock(ctx, gid)
}

// Install validates the bundle rooted at dir and installs it. Installing
// identical content twice is a no-op.
func (s *Store) Install(ctx context.Context, dir string) (*catalog.Plugin, error) {
	b, err := s.validator.Validate(dir)
	if err != nil {
		s.logger.Warn("bundle rejected", "path", dir, "error", err)
		return nil, s.fail(err)
	}
	digest, err := Digest(b.Root, b.Files)
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "digest bundle"))
	}
	gid := b.Manifest.GID

	unlock, err := s.lock(ctx, gid)
	if err != nil {
		return nil, s.fail(err)
	}
	defer unlock()

	target := filepath.Join(s.root, gid)
	existing, err := s.catalog.GetPlugin(ctx, gid)
	switch {
	case err == nil && existing.Digest == digest && isDir(target):
		s.logger.Info("bundle already installed", "gid", gid, "digest", digest)
		if err := s.registerAlgorithms(ctx, gid, target); err != nil {
			return nil, err
		}
		return existing, nil
	case err != nil && xerrors.CodeOf(err) != catalog.CodeNotFound:
		return nil, s.fail(err)
	}

	staging, err := os.MkdirTemp(s.root, ".staging-")
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "create staging dir"))
	}
	if err := copyFiles(b.Root, staging, b.Files); err != nil {
		_ = os.RemoveAll(staging)
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "copy bundle "+gid))
	}

	var backup string
	if _, err := os.Lstat(target); err == nil {
		backup = filepath.Join(s.root, ".trash-"+uuid.NewString())
		if err := os.Rename(target, backup); err != nil {
			_ = os.RemoveAll(staging)
			return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "move previous install of "+gid))
		}
	}
	rollback := func() {
		_ = os.RemoveAll(target)
		if backup != "" {
			_ = os.Rename(backup, target)
		}
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		rollback()
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "publish bundle "+gid))
	}

	rec := catalog.Plugin{
		GID:         gid,
		Version:     b.Manifest.Version,
		Name:        b.Manifest.Name,
		Description: b.Manifest.Description,
		Author:      b.Manifest.Author,
		URL:         b.Manifest.URL,
		Tags:        b.Manifest.Tags,
		Digest:      digest,
		InstallPath: target,
		InstalledAt: s.now().Unix(),
		Components:  b.Counts(),
	}
	// Catalog writes happen under the registry lock so that readers never see
	// a catalog that disagrees with the registry for long.
	if err := s.reg.Locked(func() error { return s.catalog.Put(ctx, rec, b.Components) }); err != nil {
		rollback()
		return nil, s.fail(err)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	if err := s.registerAlgorithms(ctx, gid, target); err != nil {
		return nil, err
	}
	logger.Audit().Info("bundle installed", "gid", gid, "version", rec.Version, "digest", digest, "components", len(b.Components))
	return &rec, nil
}

// registerAlgorithms replaces the registry entries of gid with the algorithms
// found under target. Individual load failures are collected, not returned.
func (s *Store) registerAlgorithms(ctx context.Context, gid, target string) error {
	s.unregisterAlgorithms(gid)
	dir := filepath.Join(target, AlgorithmsDir)
	if !isDir(dir) {
		return nil
	}
	d := plugin.NewDiscoverer(s.reg, []plugin.Loader{s.loader}, plugin.WithCollector(s.collector), plugin.WithLogger(s.logger))
	res, err := d.Discover(ctx, dir, "")
	if err != nil {
		return s.fail(err)
	}
	for _, e := range res.Errors {
		s.logger.Warn("algorithm not registered", "gid", gid, "path", e.Path, "error", e.Err)
	}
	return nil
}

func (s *Store) unregisterAlgorithms(gid string) {
	prefix := AlgorithmID(gid, "")
	for _, name := range s.reg.Names(plugin.CategoryAlgorithm) {
		if strings.HasPrefix(name, prefix) {
			_ = s.reg.Remove(plugin.CategoryAlgorithm, name)
		}
	}
}

// LoadInstalled registers the algorithms of every catalogued bundle.
func (s *Store) LoadInstalled(ctx context.Context) error {
	plugins, err := s.catalog.ListPlugins(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if err := s.registerAlgorithms(ctx, p.GID, filepath.Join(s.root, p.GID)); err != nil {
			return err
		}
	}
	return nil
}

// DeletePlugin removes the catalog records and installed files of gid.
func (s *Store) DeletePlugin(ctx context.Context, gid string) error {
	unlock, err := s.lock(ctx, gid)
	if err != nil {
		return s.fail(err)
	}
	defer unlock()
	if err := s.reg.Locked(func() error { return s.catalog.DeletePlugin(ctx, gid) }); err != nil {
		return err
	}
	target, err := archive.SafeJoin(s.root, gid)
	if err != nil {
		return s.fail(xerrors.Wrap(CodePathEscape, err, "delete "+gid))
	}
	if err := os.RemoveAll(target); err != nil {
		return s.fail(xerrors.Wrap(CodeInstallFailed, err, "remove "+target))
	}
	s.unregisterAlgorithms(gid)
	logger.Audit().Info("bundle deleted", "gid", gid)
	return nil
}

// DeleteAll drops every bundle.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.reg.Locked(func() error { return s.catalog.DeleteAll(ctx) }); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return s.fail(xerrors.Wrap(CodeInstallFailed, err, "read install root"))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return s.fail(xerrors.Wrap(CodeInstallFailed, err, "remove "+e.Name()))
		}
	}
	for _, name := range s.reg.Names(plugin.CategoryAlgorithm) {
		if strings.HasPrefix(name, "algo:") {
			_ = s.reg.Remove(plugin.CategoryAlgorithm, name)
		}
	}
	logger.Audit().Info("all bundles deleted", "count", len(entries))
	return nil
}

// List returns every installed bundle.
func (s *Store) List(ctx context.Context) ([]catalog.Plugin, error) {
	return s.catalog.ListPlugins(ctx)
}

// Failure is a bundle that could not be installed during a scan.
type Failure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// MarshalJSON includes the error text.
func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Path  string `json:"path"`
		Code  string `json:"code"`
		Error string `json:"error"`
	}{f.Path, string(xerrors.CodeOf(f.Err)), f.Err.Error()})
}

// ScanReport summarises a directory scan.
type ScanReport struct {
	Installed []catalog.Plugin `json:"installed"`
	Failed    []Failure        `json:"failed"`
}

// ScanDirectory installs every bundle root found under dir. A bundle root is
// a directory holding plugin.meta.json; roots nested inside a bundle are not
// considered.
func (s *Store) ScanDirectory(ctx context.Context, dir string) (*ScanReport, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, s.fail(xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("bundle directory %s does not exist", dir)))
	}
	var roots []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if _, err := os.Stat(filepath.Join(path, ManifestFile)); err == nil {
			roots = append(roots, path)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "scan "+dir))
	}
	report := &ScanReport{}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		p, err := s.Install(ctx, root)
		if err != nil {
			report.Failed = append(report.Failed, Failure{Path: root, Err: err})
			continue
		}
		report.Installed = append(report.Installed, *p)
	}
	return report, nil
}

// ScanAlgorithmDirectory installs a lone algorithm directory as a synthetic
// single-algorithm bundle whose gid is the algorithm's cid.
func (s *Store) ScanAlgorithmDirectory(ctx context.Context, path string) (*catalog.Plugin, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, s.fail(xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve algorithm directory"))
	}
	meta, _, err := ReadAlgorithmMeta(path)
	if err != nil {
		return nil, s.fail(err)
	}
	files, err := s.validator.listFiles(path)
	if err != nil {
		return nil, s.fail(err)
	}
	tmp, err := os.MkdirTemp(s.tempDir, "algorithm-")
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "create synthetic bundle"))
	}
	defer os.RemoveAll(tmp)

	root := filepath.Join(tmp, meta.CID)
	if err := copyFiles(path, filepath.Join(root, AlgorithmsDir, meta.CID), files); err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "copy algorithm "+meta.CID))
	}
	version := meta.Version
	if version == "" {
		version = "1.0.0"
	}
	one := 1
	manifest := Manifest{
		GID:             meta.CID,
		Version:         version,
		Name:            meta.Name,
		Description:     meta.Description,
		Author:          meta.Author,
		Tags:            meta.Tags,
		ComponentCounts: ComponentCounts{Algorithms: &one},
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "encode synthetic manifest"))
	}
	if err := os.WriteFile(filepath.Join(root, ManifestFile), raw, 0o644); err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "write synthetic manifest"))
	}
	return s.Install(ctx, root)
}

// InstallArchive extracts a .zip or .tar.gz upload and scans it for bundles.
func (s *Store) InstallArchive(ctx context.Context, path string) (*ScanReport, error) {
	tmp, err := os.MkdirTemp(s.tempDir, "bundle-archive-")
	if err != nil {
		return nil, s.fail(xerrors.Wrap(CodeInstallFailed, err, "create extraction dir"))
	}
	defer os.RemoveAll(tmp)
	if err := archive.Extract(ctx, path, tmp, s.maxBytes); err != nil {
		code := CodeInstallFailed
		if strings.Contains(err.Error(), archive.ErrUnsafePath.Error()) {
			code = CodePathEscape
		}
		return nil, s.fail(xerrors.Wrap(code, err, "extract "+path))
	}
	report, err := s.ScanDirectory(ctx, tmp)
	if err != nil {
		return report, err
	}
	if len(report.Installed) == 0 && len(report.Failed) == 0 {
		return report, s.fail(xerrors.New(CodeManifestInvalid, fmt.Sprintf("archive %s holds no bundle", path)))
	}
	return report, nil
}
