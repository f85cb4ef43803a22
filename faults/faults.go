// Package faults defines the failure conditions raised while serving a
// request and translates each one into its wire representation.
//
// Failures fall into three tiers. Protocol failures (a malformed envelope, an
// unknown method, bad parameters) become JSON-RPC error responses. Domain
// failures (a missing project, a compiler diagnostic) become successful
// responses whose payload is flagged with isError. Transport failures are
// never shown to anyone; they only cause the connection to be dropped.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// MethodNotFoundError reports a request for a method with no registration.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Method)
}

// Violation is one offending parameter.
type Violation struct {
	Field   string
	Problem string
}

func (v *Violation) Error() string {
	if v.Field == "" {
		return v.Problem
	}
	return v.Field + ": " + v.Problem
}

// InvalidParamsError reports every parameter violation found for one call.
type InvalidParamsError struct {
	Method     string
	Violations []*Violation
}

// NewInvalidParams flattens an aggregate of validation errors into an
// InvalidParamsError. It returns nil when err carries no violations.
func NewInvalidParams(method string, err error) *InvalidParamsError {
	if err == nil {
		return nil
	}
	var errs []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.WrappedErrors()
	} else {
		errs = []error{err}
	}
	if len(errs) == 0 {
		return nil
	}

	out := &InvalidParamsError{Method: method}
	for _, e := range errs {
		var v *Violation
		if errors.As(e, &v) {
			out.Violations = append(out.Violations, v)
			continue
		}
		out.Violations = append(out.Violations, &Violation{Problem: e.Error()})
	}
	return out
}

// Fields returns the offending field names, deduplicated and sorted.
func (e *InvalidParamsError) Fields() []string {
	seen := make(map[string]struct{}, len(e.Violations))
	var out []string
	for _, v := range e.Violations {
		if v.Field == "" {
			continue
		}
		if _, ok := seen[v.Field]; ok {
			continue
		}
		seen[v.Field] = struct{}{}
		out = append(out, v.Field)
	}
	sort.Strings(out)
	return out
}

func (e *InvalidParamsError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Error())
	}
	return fmt.Sprintf("invalid params for %s: %s", e.Method, strings.Join(parts, "; "))
}

// ResourceNotFoundError reports a URI that no registered template matches.
type ResourceNotFoundError struct {
	URI string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("no resource template matches %q", e.URI)
}

// DuplicateRequestError reports a request id that is already in flight on the
// same connection.
type DuplicateRequestError struct {
	ID string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request id %s is already in flight", e.ID)
}

// NotFoundError reports a well-formed reference to an entity that does not
// exist. Suggestions lists the names that do exist alongside it.
type NotFoundError struct {
	Kind        string // project, package, model, connection
	Name        string
	Parent      string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if e.Parent == "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q not found in %s", e.Kind, e.Name, e.Parent)
}

// Problem is one compiler or engine diagnostic.
type Problem struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

func (p Problem) String() string {
	if p.Line > 0 {
		return fmt.Sprintf("%s (line %d, column %d): %s", p.Severity, p.Line, p.Column, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Severity, p.Message)
}

// ComputationError reports a failure of the requested computation, such as
// a model that does not compile or a query the engine rejects.
type ComputationError struct {
	Summary  string
	Problems []Problem
	Err      error
}

func (e *ComputationError) Error() string {
	if len(e.Problems) == 0 {
		if e.Err != nil {
			return e.Summary + ": " + e.Err.Error()
		}
		return e.Summary
	}
	lines := make([]string, 0, len(e.Problems)+1)
	lines = append(lines, e.Summary+":")
	for _, p := range e.Problems {
		lines = append(lines, "  "+p.String())
	}
	return strings.Join(lines, "\n")
}

func (e *ComputationError) Unwrap() error { return e.Err }

// TransportError reports a failed write to a connection's stream.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
