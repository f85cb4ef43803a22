// Package queryengine describes the model compiler and query executor the
// publisher delegates to. Implementations report compiler diagnostics and
// execution failures as *faults.ComputationError.
package queryengine

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/publisher-gateway/faults"
)

// ModelRef locates a model inside the catalog.
type ModelRef struct {
	Project   string `json:"project"`
	Package   string `json:"package"`
	ModelPath string `json:"modelPath"`
}

// CompileRequest asks the engine to compile source in the context of a
// model. Source may be empty to compile the model itself.
type CompileRequest struct {
	Model       ModelRef `json:"model"`
	ModelSource string   `json:"modelSource,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// CompileResult carries the generated SQL or the diagnostics explaining
// why there is none.
type CompileResult struct {
	Problems []faults.Problem `json:"problems,omitempty"`
	SQL      string           `json:"sql,omitempty"`
}

// HasErrors reports whether any diagnostic is an error.
func (r *CompileResult) HasErrors() bool {
	for _, p := range r.Problems {
		if p.Severity == "error" {
			return true
		}
	}
	return false
}

// QuerySpec is one query to run. Exactly one of Query or QueryName is set;
// SourceName narrows a named query to one source.
type QuerySpec struct {
	Model       ModelRef `json:"model"`
	ModelSource string   `json:"modelSource,omitempty"`
	Query       string   `json:"query,omitempty"`
	QueryName   string   `json:"queryName,omitempty"`
	SourceName  string   `json:"sourceName,omitempty"`
	RowLimit    int      `json:"rowLimit,omitempty"`
}

// ExecuteResult is the engine's answer, passed through untouched.
type ExecuteResult struct {
	Result     json.RawMessage `json:"result"`
	ModelDef   json.RawMessage `json:"modelDef,omitempty"`
	DataStyles json.RawMessage `json:"dataStyles,omitempty"`
}

// Engine compiles and executes model queries. Implementations must be safe
// for concurrent use and honor ctx cancellation.
type Engine interface {
	Compile(ctx context.Context, req CompileRequest) (*CompileResult, error)
	Execute(ctx context.Context, spec QuerySpec) (*ExecuteResult, error)
}
