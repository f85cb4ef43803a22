// Package publisher binds the catalog and the query engine onto a router:
// a resource tree of projects, packages and models, and the query tools.
package publisher

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/ggoodman/publisher-gateway/catalog"
	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/queryengine"
	"github.com/ggoodman/publisher-gateway/router"
)

// Instructions is the initialize text telling agents how to navigate.
const Instructions = `Browse projects with resources/list, then list a project URI for its packages and a package URI for its models. Read a model URI for its Malloy source. Run queries with malloy_executeQuery, passing either query or queryName.`

// Publisher is safe for concurrent use.
type Publisher struct {
	log         *slog.Logger
	cat         *catalog.Catalog
	engine      queryengine.Engine
	maxRowLimit int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) { p.log = log }
}

// WithMaxRowLimit caps the rows a query may ask for. Defaults to 1000.
func WithMaxRowLimit(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.maxRowLimit = n
		}
	}
}

// New returns a publisher serving cat through engine.
func New(cat *catalog.Catalog, engine queryengine.Engine, opts ...Option) *Publisher {
	p := &Publisher{
		log:         slog.Default(),
		cat:         cat,
		engine:      engine,
		maxRowLimit: 1000,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register installs the resource templates, the root lister and the tools
// on r. It must run before the router is sealed.
func (p *Publisher) Register(r *router.Router) error {
	var merr *multierror.Error
	for _, t := range p.templates() {
		merr = multierror.Append(merr, r.HandleResource(t))
	}
	for _, t := range p.tools() {
		merr = multierror.Append(merr, r.HandleTool(t))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	r.SetRootLister(p.listProjects)
	return nil
}

func invalidModelPath(method, field, modelPath string) error {
	return faults.NewInvalidParams(method, &faults.Violation{
		Field:   field,
		Problem: fmt.Sprintf("model path %q must be relative to the package and stay inside it", modelPath),
	})
}
