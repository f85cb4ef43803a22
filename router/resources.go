package router

import (
	"context"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/logctx"
	"github.com/ggoodman/publisher-gateway/mcp"
)

// Vars holds the variables extracted from a concrete resource URI.
type Vars map[string]string

// ResourceReadFunc returns the contents of one concrete URI.
type ResourceReadFunc func(ctx context.Context, call *Call, uri string, vars Vars) (*mcp.ReadResourceResult, error)

// ResourceListFunc returns the direct children of one concrete URI.
type ResourceListFunc func(ctx context.Context, call *Call, vars Vars) ([]mcp.Resource, error)

// RootLister returns the top-level resources listed when no URI is given.
type RootLister func(ctx context.Context, call *Call) ([]mcp.Resource, error)

// ResourceTemplate is an RFC 6570 URI pattern with the handlers serving the
// URIs it matches. A {+var} expression captures embedded slashes.
type ResourceTemplate struct {
	Name        string
	Template    string
	Description string
	MIMEType    string
	Read        ResourceReadFunc
	List        ResourceListFunc

	tmpl *uritemplate.Template
}

// ParseResourceTemplate parses t.Template. The result expands canonical URIs
// and, once passed to HandleResource, matches them with the same parsed
// pattern.
func ParseResourceTemplate(t ResourceTemplate) (*ResourceTemplate, error) {
	tmpl, err := uritemplate.New(t.Template)
	if err != nil {
		return nil, fmt.Errorf("router: parse template %q: %w", t.Template, err)
	}
	t.tmpl = tmpl
	return &t, nil
}

// MustParseResourceTemplate is ParseResourceTemplate for package-level
// templates. It panics on a malformed pattern.
func MustParseResourceTemplate(t ResourceTemplate) *ResourceTemplate {
	parsed, err := ParseResourceTemplate(t)
	if err != nil {
		panic(err)
	}
	return parsed
}

// Expand builds the canonical URI for vars.
func (t *ResourceTemplate) Expand(vars Vars) (string, error) {
	if t.tmpl == nil {
		return "", fmt.Errorf("router: template %q is not parsed", t.Template)
	}
	values := uritemplate.Values{}
	for k, v := range vars {
		values.Set(k, uritemplate.String(v))
	}
	return t.tmpl.Expand(values)
}

// match extracts the template variables from uri, or returns nil.
func (t *ResourceTemplate) match(uri string) Vars {
	values := t.tmpl.Match(uri)
	if values == nil {
		return nil
	}
	names := t.tmpl.Varnames()
	vars := make(Vars, len(names))
	for _, name := range names {
		v := values.Get(name).String()
		if v == "" {
			return nil
		}
		vars[name] = v
	}
	return vars
}

// HandleResource registers a template. Templates are matched in
// registration order. A template from ParseResourceTemplate keeps its parsed
// pattern; any other is parsed here.
func (r *Router) HandleResource(t ResourceTemplate) error {
	if t.tmpl == nil || t.tmpl.Raw() != t.Template {
		parsed, err := ParseResourceTemplate(t)
		if err != nil {
			return err
		}
		t = *parsed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	for _, existing := range r.templates {
		if existing.Template == t.Template {
			return fmt.Errorf("%w: %s", ErrDuplicateTemplate, t.Template)
		}
	}
	r.templates = append(r.templates, &t)
	return nil
}

// SetRootLister sets the lister used by resources/list without a URI.
func (r *Router) SetRootLister(fn RootLister) {
	r.mu.Lock()
	r.roots = fn
	r.mu.Unlock()
}

// Resolve finds the first template, in registration order, that matches
// uri. An unmatched URI yields *faults.ResourceNotFoundError.
func (r *Router) Resolve(uri string) (*ResourceTemplate, Vars, error) {
	r.mu.RLock()
	templates := r.templates
	r.mu.RUnlock()

	for _, t := range templates {
		if vars := t.match(uri); vars != nil {
			return t, vars, nil
		}
	}
	return nil, nil, &faults.ResourceNotFoundError{URI: uri}
}

func (r *Router) readResource(ctx context.Context, call *Call, req mcp.ReadResourceRequest) (any, error) {
	t, vars, err := r.Resolve(req.URI)
	if err != nil {
		return nil, err
	}
	if t.Read == nil {
		return nil, &faults.ResourceNotFoundError{URI: req.URI}
	}
	ctx = logctx.WithResourceData(ctx, &logctx.ResourceData{URI: req.URI, Template: t.Template})
	return t.Read(ctx, call, req.URI, vars)
}

// listResources enumerates one level of the resource tree. Children must
// match a template with exactly one more variable than the parent; deeper
// descendants a lister returns are dropped.
func (r *Router) listResources(ctx context.Context, call *Call, req mcp.ListResourcesRequest) (any, error) {
	var (
		items []mcp.Resource
		depth int
		err   error
	)
	if req.URI == "" {
		r.mu.RLock()
		roots := r.roots
		r.mu.RUnlock()
		if roots != nil {
			items, err = roots(ctx, call)
		}
	} else {
		t, vars, rerr := r.Resolve(req.URI)
		if rerr != nil {
			return nil, rerr
		}
		depth = len(vars)
		ctx = logctx.WithResourceData(ctx, &logctx.ResourceData{URI: req.URI, Template: t.Template})
		if t.List != nil {
			items, err = t.List(ctx, call, vars)
		}
	}
	if err != nil {
		return nil, err
	}

	children := make([]mcp.Resource, 0, len(items))
	for _, item := range items {
		if _, vars, err := r.Resolve(item.URI); err == nil && len(vars) == depth+1 {
			children = append(children, item)
		}
	}

	out, next, err := page(children, req.Cursor, r.pageSize)
	if err != nil {
		return nil, faults.NewInvalidParams(call.Method, err)
	}
	return &mcp.ListResourcesResult{Resources: out, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (r *Router) listTemplates(ctx context.Context, call *Call, req mcp.ListResourceTemplatesRequest) (any, error) {
	r.mu.RLock()
	all := make([]mcp.ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		all = append(all, mcp.ResourceTemplate{
			URITemplate: t.Template,
			Name:        t.Name,
			Description: t.Description,
			MimeType:    t.MIMEType,
		})
	}
	r.mu.RUnlock()

	out, next, err := page(all, req.Cursor, r.pageSize)
	if err != nil {
		return nil, faults.NewInvalidParams(call.Method, err)
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: out, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}
