// Package catalog persists installed plugin bundles and their components.
package catalog

import (
	"context"

	xerrors "TestEngine-Core/internal/errors"
)

// Kind is a bundle component type.
type Kind string

const (
	KindAlgorithm  Kind = "algorithm"
	KindWidget     Kind = "widget"
	KindInputBlock Kind = "input_block"
	KindTemplate   Kind = "template"
)

// Kinds lists every component kind in manifest order.
func Kinds() []Kind {
	return []Kind{KindAlgorithm, KindWidget, KindInputBlock, KindTemplate}
}

const (
	CodeNotFound xerrors.Code = "CATALOG_NOT_FOUND"
	CodeConflict xerrors.Code = "CATALOG_CONFLICT"
	CodeStorage  xerrors.Code = "CATALOG_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message: "catalog record not found", Category: xerrors.CategoryInput, Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message: "catalog write conflict", Category: xerrors.CategorySystem, Severity: xerrors.SeverityCritical, Retryable: true,
	})
	xerrors.Register(CodeStorage, xerrors.Attributes{
		Message: "catalog storage failure", Category: xerrors.CategorySystem, Severity: xerrors.SeverityCritical,
	})
}

// Plugin is one installed bundle.
type Plugin struct {
	GID         string       `json:"gid"`
	Version     string       `json:"version"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Author      string       `json:"author,omitempty"`
	URL         string       `json:"url,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Digest      string       `json:"digest"`
	InstallPath string       `json:"installPath"`
	InstalledAt int64        `json:"installedAt"`
	Components  map[Kind]int `json:"componentCounts,omitempty"`
}

// Component is one algorithm, widget, input block or template of a bundle.
type Component struct {
	GID                string   `json:"gid"`
	CID                string   `json:"cid"`
	Kind               Kind     `json:"kind"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	ModelTypes         []string `json:"modelType,omitempty"`
	RequireGroundTruth bool     `json:"requireGroundTruth,omitempty"`
	// Path is the component's directory or meta file relative to the bundle root.
	Path string `json:"path"`
	// Meta is the raw component meta document.
	Meta []byte `json:"-"`
}

// ID returns the registry identifier "algo:<gid>:<cid>" for algorithms and
// "<kind>:<gid>:<cid>" otherwise.
func (c Component) ID() string {
	prefix := string(c.Kind)
	if c.Kind == KindAlgorithm {
		prefix = "algo"
	}
	return prefix + ":" + c.GID + ":" + c.CID
}

// Catalog stores bundle records. Put replaces every record of the bundle in
// one transaction.
type Catalog interface {
	Put(ctx context.Context, p Plugin, components []Component) error
	DeletePlugin(ctx context.Context, gid string) error
	DeleteAll(ctx context.Context) error
	GetPlugin(ctx context.Context, gid string) (*Plugin, error)
	ListPlugins(ctx context.Context) ([]Plugin, error)
	// ListComponents returns the components of gid, or of every bundle when gid
	// is empty, filtered by kind when kind is non-empty.
	ListComponents(ctx context.Context, gid string, kind Kind) ([]Component, error)
	GetComponent(ctx context.Context, gid string, kind Kind, cid string) (*Component, error)
	Close() error
}

// ListAlgorithms is ListComponents restricted to algorithms.
func ListAlgorithms(ctx context.Context, c Catalog, gid string) ([]Component, error) {
	return c.ListComponents(ctx, gid, KindAlgorithm)
}

// GetAlgorithm is GetComponent restricted to algorithms.
func GetAlgorithm(ctx context.Context, c Catalog, gid, cid string) (*Component, error) {
	return c.GetComponent(ctx, gid, KindAlgorithm, cid)
}

func notFound(what string) error {
	return xerrors.New(CodeNotFound, what+" not found")
}
