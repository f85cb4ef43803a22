package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/publisher-gateway/catalog"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/router"
)

const (
	ProjectTemplate = "malloy://project/{projectName}"
	PackageTemplate = "malloy://project/{projectName}/package/{packageName}"
	ModelTemplate   = "malloy://project/{projectName}/package/{packageName}/models/{+modelPath}"

	malloyMIMEType = "text/x-malloy"
	jsonMIMEType   = "application/json"
)

var (
	projectResource = router.MustParseResourceTemplate(router.ResourceTemplate{
		Name:        "project",
		Template:    ProjectTemplate,
		Description: "A project: its description, readme and packages.",
		MIMEType:    jsonMIMEType,
	})
	packageResource = router.MustParseResourceTemplate(router.ResourceTemplate{
		Name:        "package",
		Template:    PackageTemplate,
		Description: "A package of models published together.",
		MIMEType:    jsonMIMEType,
	})
	modelResource = router.MustParseResourceTemplate(router.ResourceTemplate{
		Name:        "model",
		Template:    ModelTemplate,
		Description: "A Malloy model or notebook, with the sources and queries it exports.",
		MIMEType:    malloyMIMEType,
	})
)

func expand(t *router.ResourceTemplate, vars router.Vars) string {
	s, err := t.Expand(vars)
	if err != nil {
		// Only reachable with a malformed template constant.
		panic(err)
	}
	return s
}

// ProjectURI is the canonical URI of a project.
func ProjectURI(project string) string {
	return expand(projectResource, router.Vars{"projectName": project})
}

// PackageURI is the canonical URI of a package.
func PackageURI(project, pkg string) string {
	return expand(packageResource, router.Vars{"projectName": project, "packageName": pkg})
}

// ModelURI is the canonical URI of a model.
func ModelURI(project, pkg, modelPath string) string {
	return expand(modelResource, router.Vars{"projectName": project, "packageName": pkg, "modelPath": modelPath})
}

// templates binds the package-level templates to p. The copies share the
// parsed patterns used by ProjectURI, PackageURI and ModelURI.
func (p *Publisher) templates() []router.ResourceTemplate {
	project, pkg, model := *projectResource, *packageResource, *modelResource
	project.Read, project.List = p.readProject, p.listPackages
	pkg.Read, pkg.List = p.readPackage, p.listModels
	model.Read = p.readModel
	return []router.ResourceTemplate{project, pkg, model}
}

func jsonContents(uri string, v any) (*mcp.ReadResourceResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("publisher: encode %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: uri, MimeType: jsonMIMEType, Text: string(b)}}}, nil
}

func (p *Publisher) listProjects(ctx context.Context, call *router.Call) ([]mcp.Resource, error) {
	projects, err := p.cat.Projects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Resource, 0, len(projects))
	for _, proj := range projects {
		out = append(out, mcp.Resource{
			URI:         ProjectURI(proj.Name),
			Name:        proj.Name,
			Description: proj.Description,
			MimeType:    jsonMIMEType,
		})
	}
	return out, nil
}

type projectView struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Readme      string   `json:"readme,omitempty"`
	Packages    []string `json:"packages"`
	Connections []string `json:"connections"`
}

func (p *Publisher) readProject(ctx context.Context, call *router.Call, uri string, vars router.Vars) (*mcp.ReadResourceResult, error) {
	proj, err := p.cat.Project(ctx, vars["projectName"])
	if err != nil {
		return nil, err
	}
	pkgs, err := p.cat.Packages(ctx, proj.Name)
	if err != nil {
		return nil, err
	}
	conns, err := p.cat.Connections(ctx, proj.Name)
	if err != nil {
		return nil, err
	}
	view := projectView{Name: proj.Name, Description: proj.Description, Readme: proj.Readme, Packages: []string{}, Connections: []string{}}
	for _, pkg := range pkgs {
		view.Packages = append(view.Packages, pkg.Name)
	}
	for _, c := range conns {
		view.Connections = append(view.Connections, c.Name)
	}
	return jsonContents(uri, view)
}

func (p *Publisher) listPackages(ctx context.Context, call *router.Call, vars router.Vars) ([]mcp.Resource, error) {
	project := vars["projectName"]
	pkgs, err := p.cat.Packages(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Resource, 0, len(pkgs))
	for _, pkg := range pkgs {
		out = append(out, mcp.Resource{
			URI:         PackageURI(project, pkg.Name),
			Name:        pkg.Name,
			Description: pkg.Description,
			MimeType:    jsonMIMEType,
		})
	}
	return out, nil
}

type modelSummary struct {
	Path    string            `json:"path"`
	Type    catalog.ModelType `json:"type"`
	Sources []string          `json:"sources,omitempty"`
	Queries []string          `json:"queries,omitempty"`
}

type packageView struct {
	Project     string         `json:"project"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Models      []modelSummary `json:"models"`
}

func (p *Publisher) readPackage(ctx context.Context, call *router.Call, uri string, vars router.Vars) (*mcp.ReadResourceResult, error) {
	pkg, err := p.cat.Package(ctx, vars["projectName"], vars["packageName"])
	if err != nil {
		return nil, err
	}
	models, err := p.cat.Models(ctx, pkg.Project, pkg.Name)
	if err != nil {
		return nil, err
	}
	view := packageView{Project: pkg.Project, Name: pkg.Name, Description: pkg.Description, Models: []modelSummary{}}
	for _, m := range models {
		view.Models = append(view.Models, modelSummary{Path: m.Path, Type: m.Type, Sources: m.Sources, Queries: m.Queries})
	}
	return jsonContents(uri, view)
}

func (p *Publisher) listModels(ctx context.Context, call *router.Call, vars router.Vars) ([]mcp.Resource, error) {
	project, pkg := vars["projectName"], vars["packageName"]
	models, err := p.cat.Models(ctx, project, pkg)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Resource, 0, len(models))
	for _, m := range models {
		out = append(out, mcp.Resource{
			URI:      ModelURI(project, pkg, m.Path),
			Name:     m.Path,
			MimeType: malloyMIMEType,
		})
	}
	return out, nil
}

func (p *Publisher) readModel(ctx context.Context, call *router.Call, uri string, vars router.Vars) (*mcp.ReadResourceResult, error) {
	if err := catalog.ValidateModelPath(vars["modelPath"]); err != nil {
		return nil, invalidModelPath(call.Method, "uri", vars["modelPath"])
	}
	m, err := p.cat.Model(ctx, vars["projectName"], vars["packageName"], vars["modelPath"])
	if err != nil {
		return nil, err
	}
	summary, err := json.Marshal(modelSummary{Path: m.Path, Type: m.Type, Sources: m.Sources, Queries: m.Queries})
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
		{URI: uri, MimeType: malloyMIMEType, Text: m.Source},
		{URI: uri + "#summary", MimeType: jsonMIMEType, Text: string(summary)},
	}}, nil
}
