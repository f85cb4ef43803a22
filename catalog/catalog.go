// Package catalog stores the publisher's projects, packages, models and
// connections in a storage.Storage. Entities are JSON documents keyed by
// their path:
//
//	projects/<project>
//	projects/<project>/connections/<connection>
//	projects/<project>/packages/<package>
//	projects/<project>/packages/<package>/models/<model path>
//
// A lookup of a missing entity returns *faults.NotFoundError naming the
// entities that do exist beside it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/storage"
)

// ErrInvalidName is returned for names that cannot form a key segment.
var ErrInvalidName = errors.New("catalog: invalid name")

// Project is the top of the hierarchy.
type Project struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Readme      string `json:"readme,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Package groups models that are published together.
type Package struct {
	Project     string `json:"project"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// ModelType distinguishes model sources from notebooks.
type ModelType string

const (
	ModelSource   ModelType = "source"
	ModelNotebook ModelType = "notebook"
)

// Model is one Malloy file inside a package. Path is relative to the
// package root and may contain slashes.
type Model struct {
	Project string    `json:"project"`
	Package string    `json:"package"`
	Path    string    `json:"path"`
	Type    ModelType `json:"type"`
	Source  string    `json:"source,omitempty"`
	// Sources and Queries name what the model exports.
	Sources []string `json:"sources,omitempty"`
	Queries []string `json:"queries,omitempty"`
}

// Connection is a named database connection available to a project.
type Connection struct {
	Project    string            `json:"project"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Catalog is safe for concurrent use; consistency is whatever the
// underlying store provides.
type Catalog struct {
	log   *slog.Logger
	store storage.Storage
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Catalog) { c.log = log }
}

// New returns a catalog over store.
func New(store storage.Storage, opts ...Option) *Catalog {
	c := &Catalog{log: slog.Default(), store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func projectKey(project string) string { return storage.Key("projects", project) }

func packagesPrefix(project string) string { return projectKey(project) + "/packages/" }

func packageKey(project, pkg string) string { return packagesPrefix(project) + pkg }

func modelsPrefix(project, pkg string) string { return packageKey(project, pkg) + "/models/" }

func connectionsPrefix(project string) string { return projectKey(project) + "/connections/" }

// ValidateName rejects names that are empty or contain a path separator.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ValidateModelPath rejects model paths that are absolute or escape the
// package with "..".
func ValidateModelPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("%w: model path %q", ErrInvalidName, p)
	}
	return nil
}

func (c *Catalog) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", key, err)
	}
	return c.store.Set(ctx, key, b)
}

// get loads key into v and reports whether it existed.
func (c *Catalog) get(ctx context.Context, key string, v any) (bool, error) {
	item, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return false, fmt.Errorf("catalog: decode %s: %w", key, err)
	}
	return true, nil
}

// children lists the names directly under prefix. With deep set, names may
// contain further slashes (model paths).
func (c *Catalog) children(ctx context.Context, prefix string, deep bool) ([]string, error) {
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if !deep && strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names, nil
}

// deleteTree removes key and everything below it.
func (c *Catalog) deleteTree(ctx context.Context, key string) error {
	keys, err := c.store.List(ctx, key+"/")
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, k := range append(keys, key) {
		merr = multierror.Append(merr, c.store.Delete(ctx, k))
	}
	return merr.ErrorOrNil()
}

func (c *Catalog) notFound(ctx context.Context, kind, name, parent, siblingsPrefix string, deep bool) error {
	siblings, err := c.children(ctx, siblingsPrefix, deep)
	if err != nil {
		c.log.WarnContext(ctx, "catalog.suggestions.fail", slog.String("err", err.Error()))
	}
	return &faults.NotFoundError{Kind: kind, Name: name, Parent: parent, Suggestions: siblings}
}

// PutProject creates or replaces a project.
func (c *Catalog) PutProject(ctx context.Context, p Project) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	return c.put(ctx, projectKey(p.Name), p)
}

// Project returns the named project.
func (c *Catalog) Project(ctx context.Context, name string) (*Project, error) {
	var p Project
	ok, err := c.get(ctx, projectKey(name), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.notFound(ctx, "project", name, "", "projects/", false)
	}
	return &p, nil
}

// Projects lists every project in name order.
func (c *Catalog) Projects(ctx context.Context) ([]Project, error) {
	names, err := c.children(ctx, "projects/", false)
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(names))
	for _, name := range names {
		var p Project
		if ok, err := c.get(ctx, projectKey(name), &p); err != nil {
			return nil, err
		} else if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProject removes a project with its packages, models and connections.
func (c *Catalog) DeleteProject(ctx context.Context, name string) error {
	if _, err := c.Project(ctx, name); err != nil {
		return err
	}
	return c.deleteTree(ctx, projectKey(name))
}

// PutPackage creates or replaces a package. Its project must exist.
func (c *Catalog) PutPackage(ctx context.Context, p Package) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if _, err := c.Project(ctx, p.Project); err != nil {
		return err
	}
	return c.put(ctx, packageKey(p.Project, p.Name), p)
}

// Package returns one package.
func (c *Catalog) Package(ctx context.Context, project, name string) (*Package, error) {
	if _, err := c.Project(ctx, project); err != nil {
		return nil, err
	}
	var p Package
	ok, err := c.get(ctx, packageKey(project, name), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.notFound(ctx, "package", name, "project "+project, packagesPrefix(project), false)
	}
	return &p, nil
}

// Packages lists a project's packages in name order.
func (c *Catalog) Packages(ctx context.Context, project string) ([]Package, error) {
	if _, err := c.Project(ctx, project); err != nil {
		return nil, err
	}
	names, err := c.children(ctx, packagesPrefix(project), false)
	if err != nil {
		return nil, err
	}
	out := make([]Package, 0, len(names))
	for _, name := range names {
		var p Package
		if ok, err := c.get(ctx, packageKey(project, name), &p); err != nil {
			return nil, err
		} else if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePackage removes a package and its models.
func (c *Catalog) DeletePackage(ctx context.Context, project, name string) error {
	if _, err := c.Package(ctx, project, name); err != nil {
		return err
	}
	return c.deleteTree(ctx, packageKey(project, name))
}

// PutModel creates or replaces a model. Its package must exist.
func (c *Catalog) PutModel(ctx context.Context, m Model) error {
	if err := ValidateModelPath(m.Path); err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = ModelSource
	}
	if _, err := c.Package(ctx, m.Project, m.Package); err != nil {
		return err
	}
	return c.put(ctx, modelsPrefix(m.Project, m.Package)+m.Path, m)
}

// Model returns one model by its package-relative path.
func (c *Catalog) Model(ctx context.Context, project, pkg, modelPath string) (*Model, error) {
	if _, err := c.Package(ctx, project, pkg); err != nil {
		return nil, err
	}
	var m Model
	ok, err := c.get(ctx, modelsPrefix(project, pkg)+modelPath, &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.notFound(ctx, "model", modelPath, "package "+project+"/"+pkg, modelsPrefix(project, pkg), true)
	}
	return &m, nil
}

// Models lists a package's models in path order.
func (c *Catalog) Models(ctx context.Context, project, pkg string) ([]Model, error) {
	if _, err := c.Package(ctx, project, pkg); err != nil {
		return nil, err
	}
	paths, err := c.children(ctx, modelsPrefix(project, pkg), true)
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(paths))
	for _, p := range paths {
		var m Model
		if ok, err := c.get(ctx, modelsPrefix(project, pkg)+p, &m); err != nil {
			return nil, err
		} else if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// PutConnection creates or replaces a connection. Its project must exist.
func (c *Catalog) PutConnection(ctx context.Context, conn Connection) error {
	if err := ValidateName(conn.Name); err != nil {
		return err
	}
	if _, err := c.Project(ctx, conn.Project); err != nil {
		return err
	}
	return c.put(ctx, connectionsPrefix(conn.Project)+conn.Name, conn)
}

// Connection returns one of a project's connections.
func (c *Catalog) Connection(ctx context.Context, project, name string) (*Connection, error) {
	if _, err := c.Project(ctx, project); err != nil {
		return nil, err
	}
	var conn Connection
	ok, err := c.get(ctx, connectionsPrefix(project)+name, &conn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.notFound(ctx, "connection", name, "project "+project, connectionsPrefix(project), false)
	}
	return &conn, nil
}

// Connections lists a project's connections in name order.
func (c *Catalog) Connections(ctx context.Context, project string) ([]Connection, error) {
	if _, err := c.Project(ctx, project); err != nil {
		return nil, err
	}
	names, err := c.children(ctx, connectionsPrefix(project), false)
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(names))
	for _, name := range names {
		var conn Connection
		if ok, err := c.get(ctx, connectionsPrefix(project)+name, &conn); err != nil {
			return nil, err
		} else if ok {
			out = append(out, conn)
		}
	}
	return out, nil
}

// Clear removes every catalog entry.
func (c *Catalog) Clear(ctx context.Context) error {
	keys, err := c.store.List(ctx, "projects/")
	if err != nil {
		return err
	}
	var merr *multierror.Error
	for _, k := range keys {
		merr = multierror.Append(merr, c.store.Delete(ctx, k))
	}
	return merr.ErrorOrNil()
}
