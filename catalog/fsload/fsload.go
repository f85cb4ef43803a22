// Package fsload populates a catalog from a directory tree and keeps it in
// step with the disk.
//
// The root holds publisher.config.json, which lists projects by directory:
//
//	{
//	  // comments and trailing commas are allowed
//	  "projects": [
//	    {"name": "home", "location": "./home"},
//	  ],
//	}
//
// Inside a project directory, every subdirectory holding a publisher.json
// manifest is a package, an optional publisher.connections.json lists the
// project's connections, and README.md becomes the project readme. Every
// .malloy and .malloynb file below a package is a model.
package fsload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/jsonc"

	"github.com/ggoodman/publisher-gateway/catalog"
)

const (
	ConfigFile      = "publisher.config.json"
	PackageManifest = "publisher.json"
	ConnectionsFile = "publisher.connections.json"
)

// ServerConfig is the decoded publisher.config.json.
type ServerConfig struct {
	Projects []ProjectEntry `json:"projects"`
}

// ProjectEntry names one project directory. A relative location is
// resolved against the config file's directory.
type ProjectEntry struct {
	Name        string `json:"name"`
	Location    string `json:"location"`
	Description string `json:"description,omitempty"`
}

type packageManifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type connectionEntry struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ReadJSONC decodes a JSON file that may carry comments and trailing commas.
func ReadJSONC(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonc.ToJSON(b), v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Loader mirrors a root directory into a catalog.
type Loader struct {
	log      *slog.Logger
	clock    clockwork.Clock
	debounce time.Duration
	cat      *catalog.Catalog
	root     string

	mu sync.Mutex // serializes loads
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithClock sets the clock driving the watch debounce.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

// WithDebounce sets how long Watch waits for the disk to settle before
// reloading. Defaults to 250ms.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// New returns a loader for the tree rooted at root.
func New(cat *catalog.Catalog, root string, opts ...Option) *Loader {
	l := &Loader{
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
		debounce: 250 * time.Millisecond,
		cat:      cat,
		root:     root,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the catalog's contents with what is on disk. Problems with
// individual projects are collected; the projects that load cleanly are
// still published.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.clock.Now()

	var cfg ServerConfig
	if err := ReadJSONC(filepath.Join(l.root, ConfigFile), &cfg); err != nil {
		return fmt.Errorf("fsload: %w", err)
	}
	if err := l.cat.Clear(ctx); err != nil {
		return fmt.Errorf("fsload: clear catalog: %w", err)
	}

	var merr *multierror.Error
	for _, p := range cfg.Projects {
		if err := l.loadProject(ctx, p); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("project %q: %w", p.Name, err))
		}
	}
	l.log.InfoContext(ctx, "catalog.load",
		slog.Int("projects", len(cfg.Projects)),
		slog.Duration("dur", l.clock.Since(start)),
	)
	return merr.ErrorOrNil()
}

func (l *Loader) projectDir(p ProjectEntry) string {
	if filepath.IsAbs(p.Location) {
		return p.Location
	}
	return filepath.Join(l.root, p.Location)
}

func (l *Loader) loadProject(ctx context.Context, p ProjectEntry) error {
	dir := l.projectDir(p)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	proj := catalog.Project{Name: p.Name, Description: p.Description, Location: dir}
	if readme, err := os.ReadFile(filepath.Join(dir, "README.md")); err == nil {
		proj.Readme = string(readme)
	}
	if err := l.cat.PutProject(ctx, proj); err != nil {
		return err
	}

	var merr *multierror.Error
	var conns []connectionEntry
	if err := ReadJSONC(filepath.Join(dir, ConnectionsFile), &conns); err != nil && !errors.Is(err, fs.ErrNotExist) {
		merr = multierror.Append(merr, err)
	}
	for _, c := range conns {
		merr = multierror.Append(merr, l.cat.PutConnection(ctx, catalog.Connection{
			Project:    p.Name,
			Name:       c.Name,
			Type:       c.Type,
			Attributes: c.Attributes,
		}))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return multierror.Append(merr, err).ErrorOrNil()
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgDir := filepath.Join(dir, e.Name())
		var m packageManifest
		if err := ReadJSONC(filepath.Join(pkgDir, PackageManifest), &m); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				merr = multierror.Append(merr, err)
			}
			continue
		}
		name := m.Name
		if name == "" {
			name = e.Name()
		}
		if err := l.loadPackage(ctx, p.Name, name, m.Description, pkgDir); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("package %q: %w", name, err))
		}
	}
	return merr.ErrorOrNil()
}

func (l *Loader) loadPackage(ctx context.Context, project, name, desc, dir string) error {
	if err := l.cat.PutPackage(ctx, catalog.Package{Project: project, Name: name, Description: desc, Location: dir}); err != nil {
		return err
	}
	var merr *multierror.Error
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		var typ catalog.ModelType
		switch filepath.Ext(p) {
		case ".malloy":
			typ = catalog.ModelSource
		case ".malloynb":
			typ = catalog.ModelNotebook
		default:
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil {
			merr = multierror.Append(merr, err)
			return nil
		}
		sources, queries := exports(string(src))
		merr = multierror.Append(merr, l.cat.PutModel(ctx, catalog.Model{
			Project: project,
			Package: name,
			Path:    filepath.ToSlash(rel),
			Type:    typ,
			Source:  string(src),
			Sources: sources,
			Queries: queries,
		}))
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

var (
	sourceDecl = regexp.MustCompile(`(?m)^\s*source:\s*([A-Za-z_][A-Za-z0-9_]*)\s+is\b`)
	queryDecl  = regexp.MustCompile(`(?m)^\s*query:\s*([A-Za-z_][A-Za-z0-9_]*)\s+is\b`)
)

// exports lists the top-level source and query names a model declares.
// Full parsing is the engine's job; this only indexes names for listings.
func exports(src string) (sources, queries []string) {
	for _, m := range sourceDecl.FindAllStringSubmatch(src, -1) {
		sources = append(sources, m[1])
	}
	for _, m := range queryDecl.FindAllStringSubmatch(src, -1) {
		queries = append(queries, m[1])
	}
	return sources, queries
}

// Watch reloads the catalog whenever anything below the root changes and
// then calls onChange. Bursts of events within the debounce window cause a
// single reload. It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, onChange func(context.Context) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsload: watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	l.addDirs(w)

	fire := make(chan struct{}, 1)
	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer == nil {
			timer = l.clock.AfterFunc(l.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
			return
		}
		timer.Reset(l.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					l.addDirs(w)
				}
			}
			l.log.DebugContext(ctx, "catalog.watch.event", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.WarnContext(ctx, "catalog.watch.error", slog.String("err", err.Error()))
		case <-fire:
			if err := l.Load(ctx); err != nil {
				l.log.ErrorContext(ctx, "catalog.reload.fail", slog.String("err", err.Error()))
			}
			// Directories may have appeared in the meantime.
			l.addDirs(w)
			if onChange != nil {
				if err := onChange(ctx); err != nil {
					l.log.WarnContext(ctx, "catalog.notify.fail", slog.String("err", err.Error()))
				}
			}
		}
	}
}

// addDirs watches the root and every directory under each configured
// project. Adding an already watched directory is a no-op.
func (l *Loader) addDirs(w *fsnotify.Watcher) {
	roots := []string{l.root}
	var cfg ServerConfig
	if err := ReadJSONC(filepath.Join(l.root, ConfigFile), &cfg); err == nil {
		for _, p := range cfg.Projects {
			roots = append(roots, l.projectDir(p))
		}
	}
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.Add(p); err != nil {
				l.log.Debug("fsnotify add failed", slog.String("path", p), slog.String("err", err.Error()))
			}
			return nil
		})
	}
}
