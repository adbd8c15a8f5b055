package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"TestEngine-Core/internal/archive"
	"TestEngine-Core/internal/catalog"
	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/pkg/plugin"
	"TestEngine-Core/pkg/schema"
)

// Bundle is a validated bundle on disk.
type Bundle struct {
	Root        string
	Manifest    Manifest
	ManifestRaw []byte
	Components  []catalog.Component
	// Files lists every regular file of the bundle relative to Root in
	// lexical order, with forward slashes.
	Files []string
}

// Counts returns the number of components per kind.
func (b *Bundle) Counts() map[catalog.Kind]int {
	out := make(map[catalog.Kind]int)
	for _, c := range b.Components {
		out[c.Kind]++
	}
	return out
}

// Validator checks bundles without touching the install root.
type Validator struct {
	MDX    *MDXValidator
	Logger *slog.Logger
}

func (v *Validator) mdx() *MDXValidator {
	if v.MDX == nil {
		return DefaultMDXValidator()
	}
	return v.MDX
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger == nil {
		return slog.Default()
	}
	return v.Logger
}

// Validate checks the bundle rooted at root and returns it ready to install.
func (v *Validator) Validate(root string) (*Bundle, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(CodeManifestInvalid, err, "resolve bundle root")
	}
	m, raw, err := ReadManifest(root)
	if err != nil {
		return nil, err
	}
	if !plugin.ValidVersion(m.Version) {
		return nil, xerrors.New(CodeManifestInvalid, fmt.Sprintf("bundle %s: version %q is not a semantic version", m.GID, m.Version))
	}
	if base := filepath.Base(root); base != m.GID {
		return nil, xerrors.New(CodeManifestInvalid, fmt.Sprintf("bundle directory %q does not match gid %q", base, m.GID))
	}
	b := &Bundle{Root: root, Manifest: *m, ManifestRaw: raw}
	if b.Files, err = v.listFiles(root); err != nil {
		return nil, err
	}

	steps := []func(*Bundle) error{v.algorithms, v.widgets, v.inputBlocks, v.templates}
	for _, step := range steps {
		if err := step(b); err != nil {
			return nil, err
		}
	}
	if err := checkCounts(b); err != nil {
		return nil, err
	}
	sort.SliceStable(b.Components, func(i, j int) bool {
		if b.Components[i].Kind != b.Components[j].Kind {
			return b.Components[i].Kind < b.Components[j].Kind
		}
		return b.Components[i].CID < b.Components[j].CID
	})
	return b, nil
}

// listFiles collects the regular files of root. Links are refused since they
// can point outside the bundle; dot-files are not part of a bundle.
func (v *Validator) listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			v.logger().Warn("bundle contains a link", "path", path)
			return xerrors.New(CodePathEscape, fmt.Sprintf("%s is a link", path))
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		if xerrors.CodeOf(err) == CodePathEscape {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeManifestInvalid, err, "list bundle files")
	}
	sort.Strings(files)
	return files, nil
}

// resolve joins rel under dir and checks the result stays inside root.
func (v *Validator) resolve(b *Bundle, dir, rel string) (string, error) {
	full, err := joinWithin(b.Root, dir, rel)
	if err != nil {
		v.logger().Warn("bundle path escapes the bundle root", "gid", b.Manifest.GID, "path", rel)
		return "", xerrors.Wrap(CodePathEscape, err, fmt.Sprintf("bundle %s", b.Manifest.GID))
	}
	return full, nil
}

// joinWithin resolves rel against dir, which lies inside root, and rejects
// results outside root.
func joinWithin(root, dir, rel string) (string, error) {
	relDir, err := filepath.Rel(root, dir)
	if err != nil {
		return "", err
	}
	return archive.SafeJoin(root, filepath.Join(relDir, filepath.FromSlash(rel)))
}

func requireFile(path, what string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return xerrors.New(CodeComponentMissing, fmt.Sprintf("%s %s is missing", what, path))
	}
	return nil
}

func (b *Bundle) relPath(path string) string {
	rel, _ := filepath.Rel(b.Root, path)
	return filepath.ToSlash(rel)
}

func (b *Bundle) addComponent(c catalog.Component) error {
	for _, existing := range b.Components {
		if existing.Kind == c.Kind && existing.CID == c.CID {
			return xerrors.New(CodeMetaInvalid, fmt.Sprintf("bundle %s declares %s %q twice", b.Manifest.GID, c.Kind, c.CID))
		}
	}
	c.GID = b.Manifest.GID
	b.Components = append(b.Components, c)
	return nil
}

func (v *Validator) algorithms(b *Bundle) error {
	base := filepath.Join(b.Root, AlgorithmsDir)
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(CodeComponentMissing, err, "read algorithms")
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(base, e.Name())
		meta, raw, err := ReadAlgorithmMeta(dir)
		if err != nil {
			return err
		}
		if err := v.checkAlgorithmFiles(b, dir, meta); err != nil {
			return err
		}
		if err := b.addComponent(catalog.Component{
			CID:                meta.CID,
			Kind:               catalog.KindAlgorithm,
			Name:               meta.Name,
			Description:        meta.Description,
			Version:            meta.Version,
			Tags:               meta.Tags,
			ModelTypes:         meta.ModelType,
			RequireGroundTruth: meta.GroundTruthRequired(),
			Path:               b.relPath(dir),
			Meta:               raw,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReadAlgorithmMeta reads <dir>/<cid>.meta.json where cid is the directory name.
func ReadAlgorithmMeta(dir string) (*AlgorithmMeta, []byte, error) {
	cid := filepath.Base(dir)
	var meta AlgorithmMeta
	raw, err := readMeta(filepath.Join(dir, cid+MetaSuffix), algorithmSchema, CodeMetaInvalid, &meta)
	if err != nil {
		return nil, nil, err
	}
	if meta.CID != cid {
		return nil, nil, xerrors.New(CodeMetaInvalid, fmt.Sprintf("algorithm directory %q declares cid %q", cid, meta.CID))
	}
	if meta.Version != "" && !plugin.ValidVersion(meta.Version) {
		return nil, nil, xerrors.New(CodeMetaInvalid, fmt.Sprintf("algorithm %s: version %q is not a semantic version", cid, meta.Version))
	}
	meta.applyDefaults()
	return &meta, raw, nil
}

func (v *Validator) checkAlgorithmFiles(b *Bundle, dir string, meta *AlgorithmMeta) error {
	for _, ref := range []string{meta.InputSchema, meta.OutputSchema} {
		path, err := v.resolve(b, dir, ref)
		if err != nil {
			return err
		}
		if err := requireFile(path, "algorithm "+meta.CID+" schema"); err != nil {
			return err
		}
		if _, err := schema.Load(path); err != nil {
			return xerrors.Wrap(CodeMetaInvalid, err, fmt.Sprintf("algorithm %s", meta.CID))
		}
	}
	if err := requireFile(filepath.Join(dir, RequirementsFile), "algorithm "+meta.CID); err != nil {
		return err
	}
	switch plugin.Runtime(meta.Runtime) {
	case plugin.RuntimeBuiltin:
		if _, ok := plugin.LookupFactory(meta.Entry); !ok {
			return xerrors.New(CodeComponentMissing, fmt.Sprintf("algorithm %s: builtin %q is not compiled in", meta.CID, meta.Entry))
		}
	default:
		path, err := v.resolve(b, dir, meta.Entry)
		if err != nil {
			return err
		}
		if err := requireFile(path, "algorithm "+meta.CID+" entry"); err != nil {
			return err
		}
	}
	return nil
}

// metaFiles returns every *.meta.json under dir.
func metaFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.HasSuffix(d.Name(), MetaSuffix) {
			out = append(out, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}

// component reads one widget, input block or template meta and checks the
// files named after its cid.
func (v *Validator) component(b *Bundle, kind catalog.Kind, s *schema.Schema, dirName string, check func(dir string, meta *ComponentMeta) error) error {
	files, err := metaFiles(filepath.Join(b.Root, dirName))
	if err != nil {
		return xerrors.Wrap(CodeComponentMissing, err, "read "+dirName)
	}
	for _, path := range files {
		var meta ComponentMeta
		raw, err := readMeta(path, s, CodeMetaInvalid, &meta)
		if err != nil {
			return err
		}
		if stem := strings.TrimSuffix(filepath.Base(path), MetaSuffix); stem != meta.CID {
			return xerrors.New(CodeMetaInvalid, fmt.Sprintf("%s declares cid %q", path, meta.CID))
		}
		if err := check(filepath.Dir(path), &meta); err != nil {
			return err
		}
		if err := b.addComponent(catalog.Component{
			CID:         meta.CID,
			Kind:        kind,
			Name:        meta.Name,
			Description: meta.Description,
			Version:     meta.Version,
			Tags:        meta.Tags,
			Path:        b.relPath(path),
			Meta:        raw,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkMDX(path, what string) error {
	if err := requireFile(path, what); err != nil {
		return err
	}
	if err := v.mdx().ValidateFile(path); err != nil {
		return xerrors.Wrap(CodeMDXInvalid, err, what)
	}
	return nil
}

func (v *Validator) widgets(b *Bundle) error {
	return v.component(b, catalog.KindWidget, widgetSchema, WidgetsDir, func(dir string, meta *ComponentMeta) error {
		if err := v.checkMDX(filepath.Join(dir, meta.CID+".mdx"), "widget "+meta.CID+" template"); err != nil {
			return err
		}
		for _, md := range meta.MockData {
			path, err := v.resolve(b, dir, md.DataPath)
			if err != nil {
				return err
			}
			if err := requireFile(path, "widget "+meta.CID+" mock data"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (v *Validator) inputBlocks(b *Bundle) error {
	return v.component(b, catalog.KindInputBlock, inputBlockSchema, InputBlocksDir, func(dir string, meta *ComponentMeta) error {
		if err := v.checkMDX(filepath.Join(dir, meta.CID+".mdx"), "input block "+meta.CID+" template"); err != nil {
			return err
		}
		return v.checkMDX(filepath.Join(dir, meta.CID+".summary.mdx"), "input block "+meta.CID+" summary")
	})
}

func (v *Validator) templates(b *Bundle) error {
	return v.component(b, catalog.KindTemplate, templateSchema, TemplatesDir, func(dir string, meta *ComponentMeta) error {
		path := filepath.Join(dir, meta.CID+".data.json")
		if err := requireFile(path, "template "+meta.CID+" data"); err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return xerrors.Wrap(CodeComponentMissing, err, "read template data")
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return xerrors.Wrap(CodeMetaInvalid, err, fmt.Sprintf("decode %s", path))
		}
		if err := templateDataSchema.Check(path, doc); err != nil {
			return xerrors.Wrap(CodeMetaInvalid, err, "template "+meta.CID)
		}
		return nil
	})
}

func checkCounts(b *Bundle) error {
	counts := b.Counts()
	declared := []struct {
		kind catalog.Kind
		n    *int
	}{
		{catalog.KindAlgorithm, b.Manifest.ComponentCounts.Algorithms},
		{catalog.KindWidget, b.Manifest.ComponentCounts.Widgets},
		{catalog.KindInputBlock, b.Manifest.ComponentCounts.InputBlocks},
		{catalog.KindTemplate, b.Manifest.ComponentCounts.Templates},
	}
	for _, d := range declared {
		if d.n != nil && *d.n != counts[d.kind] {
			return xerrors.New(CodeComponentMissing, fmt.Sprintf("bundle %s declares %d %s components, found %d",
				b.Manifest.GID, *d.n, d.kind, counts[d.kind]))
		}
	}
	return nil
}
