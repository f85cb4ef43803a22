package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/publisher-gateway/catalog"
	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/mcp"
	"github.com/ggoodman/publisher-gateway/queryengine"
	"github.com/ggoodman/publisher-gateway/router"
	"github.com/ggoodman/publisher-gateway/storage/memory"
)

type fakeEngine struct {
	mu    sync.Mutex
	specs []queryengine.QuerySpec
	err   error
}

func (e *fakeEngine) Compile(ctx context.Context, req queryengine.CompileRequest) (*queryengine.CompileResult, error) {
	if strings.Contains(req.Source, "carriers") {
		res := &queryengine.CompileResult{Problems: []faults.Problem{{Severity: "error", Message: "Reference to undefined object 'carriers'", Line: 1, Column: 8}}}
		return res, &faults.ComputationError{Summary: "compilation failed", Problems: res.Problems}
	}
	return &queryengine.CompileResult{SQL: "SELECT 1"}, nil
}

func (e *fakeEngine) Execute(ctx context.Context, spec queryengine.QuerySpec) (*queryengine.ExecuteResult, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return &queryengine.ExecuteResult{Result: json.RawMessage(`{"rows":[{"n":1}]}`)}, nil
}

func setup(t *testing.T) (*router.Router, *fakeEngine) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	cat := catalog.New(store)
	ctx := context.Background()

	require.NoError(t, cat.PutProject(ctx, catalog.Project{Name: "home", Description: "Sample models", Readme: "# Home"}))
	require.NoError(t, cat.PutProject(ctx, catalog.Project{Name: "finance"}))
	require.NoError(t, cat.PutConnection(ctx, catalog.Connection{Project: "home", Name: "duckdb", Type: "duckdb"}))
	require.NoError(t, cat.PutPackage(ctx, catalog.Package{Project: "home", Name: "faa", Description: "Flights"}))
	require.NoError(t, cat.PutPackage(ctx, catalog.Package{Project: "home", Name: "ecommerce"}))
	require.NoError(t, cat.PutModel(ctx, catalog.Model{
		Project: "home", Package: "faa", Path: "flights.malloy", Type: catalog.ModelSource,
		Source:  "source: flights is duckdb.table('flights.parquet')",
		Sources: []string{"flights"}, Queries: []string{"by_carrier", "by_month"},
	}))
	require.NoError(t, cat.PutModel(ctx, catalog.Model{
		Project: "home", Package: "faa", Path: "notebooks/overview.malloynb", Type: catalog.ModelNotebook,
	}))

	eng := &fakeEngine{}
	r := router.New()
	require.NoError(t, New(cat, eng, WithMaxRowLimit(100)).Register(r))
	r.Seal()
	return r, eng
}

func route(t *testing.T, r *router.Router, method string, params any) (any, error) {
	t.Helper()
	env, err := jsonrpc.NewRequest(jsonrpc.NumberID(1), method, params)
	require.NoError(t, err)
	return r.Route(t.Context(), env, nil)
}

func listURIs(t *testing.T, r *router.Router, uri string) []string {
	t.Helper()
	params := map[string]any{}
	if uri != "" {
		params["uri"] = uri
	}
	res, err := route(t, r, "resources/list", params)
	require.NoError(t, err)
	var uris []string
	for _, item := range res.(*mcp.ListResourcesResult).Resources {
		uris = append(uris, item.URI)
	}
	return uris
}

func TestResourceTree(t *testing.T) {
	r, _ := setup(t)

	require.Equal(t, []string{"malloy://project/finance", "malloy://project/home"}, listURIs(t, r, ""))
	require.Equal(t, []string{
		"malloy://project/home/package/ecommerce",
		"malloy://project/home/package/faa",
	}, listURIs(t, r, ProjectURI("home")))
	require.Equal(t, []string{
		"malloy://project/home/package/faa/models/flights.malloy",
		"malloy://project/home/package/faa/models/notebooks/overview.malloynb",
	}, listURIs(t, r, PackageURI("home", "faa")))
	require.Empty(t, listURIs(t, r, ModelURI("home", "faa", "flights.malloy")))
}

func TestCanonicalURIsResolve(t *testing.T) {
	r, _ := setup(t)

	tests := []struct {
		uri      string
		template string
		vars     router.Vars
	}{
		{ProjectURI("home"), "project", router.Vars{"projectName": "home"}},
		{PackageURI("home", "faa"), "package", router.Vars{"projectName": "home", "packageName": "faa"}},
		{ModelURI("home", "faa", "notebooks/overview.malloynb"), "model", router.Vars{"projectName": "home", "packageName": "faa", "modelPath": "notebooks/overview.malloynb"}},
	}
	for _, tt := range tests {
		tmpl, vars, err := r.Resolve(tt.uri)
		require.NoError(t, err, tt.uri)
		require.Equal(t, tt.template, tmpl.Name)
		require.Equal(t, tt.vars, vars)
	}
}

func TestReadResources(t *testing.T) {
	r, _ := setup(t)

	res, err := route(t, r, "resources/read", map[string]any{"uri": ProjectURI("home")})
	require.NoError(t, err)
	var proj projectView
	require.NoError(t, json.Unmarshal([]byte(res.(*mcp.ReadResourceResult).Contents[0].Text), &proj))
	require.Equal(t, []string{"ecommerce", "faa"}, proj.Packages)
	require.Equal(t, []string{"duckdb"}, proj.Connections)
	require.Equal(t, "# Home", proj.Readme)

	res, err = route(t, r, "resources/read", map[string]any{"uri": ModelURI("home", "faa", "flights.malloy")})
	require.NoError(t, err)
	contents := res.(*mcp.ReadResourceResult).Contents
	require.Len(t, contents, 2)
	require.Equal(t, malloyMIMEType, contents[0].MimeType)
	require.Contains(t, contents[0].Text, "source: flights")
	require.Contains(t, contents[1].Text, `"by_carrier"`)
}

func TestReadMissingEntitySuggestsSiblings(t *testing.T) {
	r, _ := setup(t)

	_, err := route(t, r, "resources/read", map[string]any{"uri": PackageURI("home", "faaa")})
	var nf *faults.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, []string{"ecommerce", "faa"}, nf.Suggestions)
}

func TestReadModelRejectsEscapingPath(t *testing.T) {
	r, _ := setup(t)

	_, err := route(t, r, "resources/read", map[string]any{"uri": "malloy://project/home/package/faa/models/../../secrets.malloy"})
	var ipe *faults.InvalidParamsError
	require.ErrorAs(t, err, &ipe)
	require.Equal(t, []string{"uri"}, ipe.Fields())
}

func callTool(t *testing.T, r *router.Router, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	res, err := route(t, r, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	return res.(*mcp.CallToolResult), nil
}

func TestExecuteQueryValidation(t *testing.T) {
	r, _ := setup(t)
	base := func(extra map[string]any) map[string]any {
		args := map[string]any{"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy"}
		for k, v := range extra {
			args[k] = v
		}
		return args
	}

	tests := []struct {
		name    string
		args    map[string]any
		fields  []string
		message string
	}{
		{"neither", base(nil), []string{"arguments.query"}, "one of query or queryName is required"},
		{"both", base(map[string]any{"query": "run: flights -> {}", "queryName": "by_carrier"}), []string{"arguments.query"}, "mutually exclusive"},
		{"source without name", base(map[string]any{"query": "run: flights -> {}", "sourceName": "flights"}), []string{"arguments.sourceName"}, "only valid together with queryName"},
		{"negative limit", base(map[string]any{"queryName": "by_carrier", "limit": -1}), []string{"arguments.limit"}, "at least 1"},
		{"escaping path", base(map[string]any{"modelPath": "../x.malloy", "queryName": "by_carrier"}), []string{"arguments.modelPath"}, "stay inside"},
		{"missing fields", map[string]any{"query": "run: x -> {}"}, []string{"arguments.modelPath", "arguments.packageName", "arguments.projectName"}, "is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callTool(t, r, ExecuteQueryTool, tt.args)
			var ipe *faults.InvalidParamsError
			require.ErrorAs(t, err, &ipe)
			require.ElementsMatch(t, tt.fields, ipe.Fields())
			require.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestExecuteQuery(t *testing.T) {
	r, eng := setup(t)

	res, err := callTool(t, r, ExecuteQueryTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy",
		"queryName": "by_carrier", "limit": 5000,
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"rows"`)

	require.Len(t, eng.specs, 1)
	spec := eng.specs[0]
	require.Equal(t, "by_carrier", spec.QueryName)
	require.Equal(t, 100, spec.RowLimit)
	require.Contains(t, spec.ModelSource, "source: flights")
}

func TestExecuteQueryDomainFailures(t *testing.T) {
	r, eng := setup(t)

	_, err := callTool(t, r, ExecuteQueryTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "airports.malloy", "query": "run: a -> {}",
	})
	env, send := faults.Envelope(jsonrpc.NumberID(1), nil, err)
	require.True(t, send)
	require.Nil(t, env.Error)
	var ctr mcp.CallToolResult
	require.NoError(t, json.Unmarshal(env.Result, &ctr))
	require.True(t, ctr.IsError)
	require.Contains(t, ctr.Content[0].Text, "flights.malloy")

	_, err = callTool(t, r, ExecuteQueryTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy", "queryName": "by_year",
	})
	var nf *faults.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "query", nf.Kind)
	require.Equal(t, []string{"by_carrier", "by_month"}, nf.Suggestions)
	require.Empty(t, eng.specs)

	eng.err = errors.New("connection refused")
	_, err = callTool(t, r, ExecuteQueryTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy", "query": "run: flights -> {}",
	})
	var ce *faults.ComputationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, faults.TierDomain, faults.Translate(err).Tier)
}

func TestCompile(t *testing.T) {
	r, _ := setup(t)

	res, err := callTool(t, r, CompileTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy", "source": "run: flights -> {}",
	})
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", res.Content[0].Text)

	_, err = callTool(t, r, CompileTool, map[string]any{
		"projectName": "home", "packageName": "faa", "modelPath": "flights.malloy", "source": "run: carriers -> {}",
	})
	var ce *faults.ComputationError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, ce.Error(), "line 1, column 8")
}

func TestToolsListed(t *testing.T) {
	r, _ := setup(t)
	res, err := route(t, r, "tools/list", nil)
	require.NoError(t, err)
	tools := res.(*mcp.ListToolsResult).Tools
	require.Len(t, tools, 2)
	require.Equal(t, ExecuteQueryTool, tools[0].Name)
	require.ElementsMatch(t, []string{"projectName", "packageName", "modelPath"}, tools[0].InputSchema.Required)
	require.Contains(t, tools[0].InputSchema.Properties, "queryName")
}
