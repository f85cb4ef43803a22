package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/storage/memory"
)

func seeded(t *testing.T) *Catalog {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	c := New(store)
	ctx := context.Background()

	require.NoError(t, c.PutProject(ctx, Project{Name: "home", Description: "Sample models"}))
	require.NoError(t, c.PutProject(ctx, Project{Name: "finance"}))
	require.NoError(t, c.PutPackage(ctx, Package{Project: "home", Name: "ecommerce"}))
	require.NoError(t, c.PutPackage(ctx, Package{Project: "home", Name: "faa"}))
	require.NoError(t, c.PutModel(ctx, Model{Project: "home", Package: "faa", Path: "flights.malloy", Sources: []string{"flights"}}))
	require.NoError(t, c.PutModel(ctx, Model{Project: "home", Package: "faa", Path: "notebooks/overview.malloynb", Type: ModelNotebook}))
	require.NoError(t, c.PutConnection(ctx, Connection{Project: "home", Name: "duckdb", Type: "duckdb"}))
	return c
}

func TestListings(t *testing.T) {
	c := seeded(t)
	ctx := context.Background()

	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	require.Equal(t, "finance", projects[0].Name)
	require.Equal(t, "home", projects[1].Name)

	pkgs, err := c.Packages(ctx, "home")
	require.NoError(t, err)
	require.Len(t, pkgs, 2, "models below a package are not packages")

	models, err := c.Models(ctx, "home", "faa")
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "flights.malloy", models[0].Path)
	require.Equal(t, ModelSource, models[0].Type)
	require.Equal(t, "notebooks/overview.malloynb", models[1].Path)

	conns, err := c.Connections(ctx, "home")
	require.NoError(t, err)
	require.Len(t, conns, 1)
}

func TestNotFoundSuggestsSiblings(t *testing.T) {
	c := seeded(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		lookup      func() error
		kind        string
		suggestions []string
	}{
		{
			name:        "project",
			lookup:      func() error { _, err := c.Project(ctx, "hom"); return err },
			kind:        "project",
			suggestions: []string{"finance", "home"},
		},
		{
			name:        "package",
			lookup:      func() error { _, err := c.Package(ctx, "home", "ecom"); return err },
			kind:        "package",
			suggestions: []string{"ecommerce", "faa"},
		},
		{
			name:        "model",
			lookup:      func() error { _, err := c.Model(ctx, "home", "faa", "flight.malloy"); return err },
			kind:        "model",
			suggestions: []string{"flights.malloy", "notebooks/overview.malloynb"},
		},
		{
			name:        "package of missing project",
			lookup:      func() error { _, err := c.Package(ctx, "nope", "faa"); return err },
			kind:        "project",
			suggestions: []string{"finance", "home"},
		},
		{
			name:        "connection",
			lookup:      func() error { _, err := c.Connection(ctx, "home", "pg"); return err },
			kind:        "connection",
			suggestions: []string{"duckdb"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var nf *faults.NotFoundError
			require.ErrorAs(t, tc.lookup(), &nf)
			require.Equal(t, tc.kind, nf.Kind)
			require.Equal(t, tc.suggestions, nf.Suggestions)
		})
	}
}

func TestPutRequiresParent(t *testing.T) {
	c := seeded(t)
	ctx := context.Background()

	var nf *faults.NotFoundError
	require.ErrorAs(t, c.PutPackage(ctx, Package{Project: "nope", Name: "x"}), &nf)
	require.ErrorAs(t, c.PutModel(ctx, Model{Project: "home", Package: "nope", Path: "a.malloy"}), &nf)
}

func TestInvalidNames(t *testing.T) {
	c := seeded(t)
	ctx := context.Background()

	require.ErrorIs(t, c.PutProject(ctx, Project{Name: "a/b"}), ErrInvalidName)
	require.ErrorIs(t, c.PutProject(ctx, Project{Name: ""}), ErrInvalidName)
	for _, p := range []string{"../escape.malloy", "/abs.malloy", "a/../b.malloy", ""} {
		err := c.PutModel(ctx, Model{Project: "home", Package: "faa", Path: p})
		require.True(t, errors.Is(err, ErrInvalidName), "path %q: %v", p, err)
	}
}

func TestDeleteCascades(t *testing.T) {
	c := seeded(t)
	ctx := context.Background()

	require.NoError(t, c.DeletePackage(ctx, "home", "faa"))
	_, err := c.Model(ctx, "home", "faa", "flights.malloy")
	var nf *faults.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "package", nf.Kind)

	require.NoError(t, c.DeleteProject(ctx, "home"))
	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	require.NoError(t, c.Clear(ctx))
	projects, err = c.Projects(ctx)
	require.NoError(t, err)
	require.Empty(t, projects)
}
