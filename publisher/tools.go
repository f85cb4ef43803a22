package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ggoodman/publisher-gateway/catalog"
	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/queryengine"
	"github.com/ggoodman/publisher-gateway/router"
)

const (
	ExecuteQueryTool = "malloy_executeQuery"
	CompileTool      = "malloy_compile"
)

// ExecuteQueryArgs are the arguments of malloy_executeQuery.
type ExecuteQueryArgs struct {
	ProjectName string `json:"projectName" jsonschema:"description=Project containing the package"`
	PackageName string `json:"packageName" jsonschema:"description=Package containing the model"`
	ModelPath   string `json:"modelPath" jsonschema:"description=Model path relative to the package root, e.g. flights.malloy"`
	Query       string `json:"query,omitempty" jsonschema:"description=Malloy query text. Exclusive with queryName"`
	QueryName   string `json:"queryName,omitempty" jsonschema:"description=Name of a query the model defines. Exclusive with query"`
	SourceName  string `json:"sourceName,omitempty" jsonschema:"description=Source the named query belongs to. Only valid with queryName"`
	Limit       int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return"`
}

// Validate enforces the exclusivity and range rules the schema cannot.
func (a ExecuteQueryArgs) Validate() error {
	merr := multierror.Append(nil, validateModelRef(a.ProjectName, a.PackageName, a.ModelPath))
	merr = multierror.Append(merr, router.RequireExactlyOne(
		router.Field{Name: "query", Set: a.Query != ""},
		router.Field{Name: "queryName", Set: a.QueryName != ""},
	))
	if a.SourceName != "" && a.QueryName == "" {
		merr = multierror.Append(merr, &faults.Violation{Field: "sourceName", Problem: "is only valid together with queryName"})
	}
	if a.Limit < 0 {
		merr = multierror.Append(merr, &faults.Violation{Field: "limit", Problem: "must be at least 1"})
	}
	return merr.ErrorOrNil()
}

// CompileArgs are the arguments of malloy_compile.
type CompileArgs struct {
	ProjectName string `json:"projectName" jsonschema:"description=Project containing the package"`
	PackageName string `json:"packageName" jsonschema:"description=Package containing the model"`
	ModelPath   string `json:"modelPath" jsonschema:"description=Model path relative to the package root"`
	Source      string `json:"source,omitempty" jsonschema:"description=Malloy text compiled in the context of the model. Omit to compile the model itself"`
}

// Validate checks the model reference.
func (a CompileArgs) Validate() error {
	return validateModelRef(a.ProjectName, a.PackageName, a.ModelPath)
}

// validateModelRef reports malformed names. Absent fields are left to the
// schema validation, which already names them as required.
func validateModelRef(project, pkg, modelPath string) error {
	var merr *multierror.Error
	for _, f := range []struct{ name, value string }{
		{"projectName", project},
		{"packageName", pkg},
	} {
		if f.value == "" {
			continue
		}
		if err := catalog.ValidateName(f.value); err != nil {
			merr = multierror.Append(merr, &faults.Violation{Field: f.name, Problem: "must be a name without slashes"})
		}
	}
	if modelPath != "" {
		if err := catalog.ValidateModelPath(modelPath); err != nil {
			merr = multierror.Append(merr, &faults.Violation{Field: "modelPath", Problem: "must be relative to the package and stay inside it"})
		}
	}
	return merr.ErrorOrNil()
}

func modelRef(project, pkg, modelPath string) queryengine.ModelRef {
	return queryengine.ModelRef{Project: project, Package: pkg, ModelPath: modelPath}
}

func (p *Publisher) tools() []router.Tool {
	return []router.Tool{
		router.NewTool(ExecuteQueryTool, p.executeQuery,
			router.WithToolDescription("Run a Malloy query against a published model and return the result rows with the model definition."),
		),
		router.NewTool(CompileTool, p.compile,
			router.WithToolDescription("Compile Malloy text against a published model and return the generated SQL or the compiler's problems."),
		),
	}
}

func (p *Publisher) executeQuery(ctx context.Context, call *router.Call, args ExecuteQueryArgs) (*mcp.CallToolResult, error) {
	m, err := p.cat.Model(ctx, args.ProjectName, args.PackageName, args.ModelPath)
	if err != nil {
		return nil, err
	}
	if args.QueryName != "" && len(m.Queries) > 0 && args.SourceName == "" && !contains(m.Queries, args.QueryName) {
		return nil, &faults.NotFoundError{
			Kind:        "query",
			Name:        args.QueryName,
			Parent:      "model " + args.ModelPath,
			Suggestions: m.Queries,
		}
	}
	if args.SourceName != "" && len(m.Sources) > 0 && !contains(m.Sources, args.SourceName) {
		return nil, &faults.NotFoundError{
			Kind:        "source",
			Name:        args.SourceName,
			Parent:      "model " + args.ModelPath,
			Suggestions: m.Sources,
		}
	}

	limit := args.Limit
	if limit == 0 || limit > p.maxRowLimit {
		limit = p.maxRowLimit
	}
	if call.Cancelled() {
		p.log.DebugContext(ctx, "tool.call.skip", slog.String("reason", "cancelled"))
		return nil, context.Canceled
	}
	res, err := p.engine.Execute(ctx, queryengine.QuerySpec{
		Model:       modelRef(args.ProjectName, args.PackageName, args.ModelPath),
		ModelSource: m.Source,
		Query:       args.Query,
		QueryName:   args.QueryName,
		SourceName:  args.SourceName,
		RowLimit:    limit,
	})
	if err != nil {
		return nil, engineError(err)
	}
	return router.StructuredResult(res)
}

func (p *Publisher) compile(ctx context.Context, call *router.Call, args CompileArgs) (*mcp.CallToolResult, error) {
	m, err := p.cat.Model(ctx, args.ProjectName, args.PackageName, args.ModelPath)
	if err != nil {
		return nil, err
	}
	if call.Cancelled() {
		return nil, context.Canceled
	}
	res, err := p.engine.Compile(ctx, queryengine.CompileRequest{
		Model:       modelRef(args.ProjectName, args.PackageName, args.ModelPath),
		ModelSource: m.Source,
		Source:      args.Source,
	})
	if err != nil {
		return nil, engineError(err)
	}
	text := res.SQL
	if len(res.Problems) > 0 {
		lines := make([]string, 0, len(res.Problems))
		for _, pr := range res.Problems {
			lines = append(lines, "-- "+pr.String())
		}
		text = strings.Join(lines, "\n") + "\n" + text
	}
	out := router.TextResult(text)
	out.StructuredContent = map[string]any{"sql": res.SQL, "problems": res.Problems}
	return out, nil
}

// engineError keeps cancellations and computation failures as they are and
// wraps anything else as a computation failure.
func engineError(err error) error {
	var ce *faults.ComputationError
	if errors.Is(err, context.Canceled) || errors.As(err, &ce) {
		return err
	}
	return &faults.ComputationError{Summary: "query engine failed", Err: fmt.Errorf("%w", err)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
