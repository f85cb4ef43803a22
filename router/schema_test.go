package router

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ggoodman/publisher-gateway/faults"
)

type exportArgs struct {
	Name   string   `json:"name"`
	Format string   `json:"format,omitempty" jsonschema:"enum=json,enum=csv"`
	Limit  int      `json:"limit,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

func mustCompile(t *testing.T, allowAdditional bool) *paramSchema {
	t.Helper()
	ps, err := compileSchema(reflectSchema[exportArgs](allowAdditional))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return ps
}

func violations(errs []error) map[string]string {
	out := make(map[string]string, len(errs))
	for _, err := range errs {
		var v *faults.Violation
		if errors.As(err, &v) {
			out[v.Field] = v.Problem
		}
	}
	return out
}

func TestValidateReportsEveryField(t *testing.T) {
	ps := mustCompile(t, false)

	raw := json.RawMessage(`{"format":"xml","limit":"ten","tags":[1],"extra":true}`)
	got := violations(ps.validate(raw))

	if diff := cmp.Diff([]string{"extra", "format", "limit", "name", "tags"}, slices.Sorted(maps.Keys(got))); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	if want, got := "is required", got["name"]; want != got {
		t.Fatalf("expected name %q, got %q", want, got)
	}
	if want, got := "is not a recognized field", got["extra"]; want != got {
		t.Fatalf("expected extra %q, got %q", want, got)
	}
	for field, keyword := range map[string]string{"format": "enum", "limit": "type", "tags": "type"} {
		if !strings.Contains(got[field], keyword) {
			t.Fatalf("expected %s to fail on %s, got %q", field, keyword, got[field])
		}
	}
}

// The validator stops at its first failure; aggregation is the router's.
func TestValidatorStopsAtFirstFailure(t *testing.T) {
	ps := mustCompile(t, false)

	var v any
	if err := json.Unmarshal([]byte(`{"format":"xml","limit":"ten","extra":true}`), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rootErr := ps.root.Validate(v)
	if rootErr == nil {
		t.Fatalf("expected the validator to reject params")
	}
	if n := len(ps.validate(json.RawMessage(`{"format":"xml","limit":"ten","extra":true}`))); n != 4 {
		t.Fatalf("expected 4 violations from the router, got %d", n)
	}
	matched := 0
	for _, value := range []string{"xml", "ten", "extra"} {
		if strings.Contains(problem(rootErr), value) {
			matched++
		}
	}
	if matched > 1 {
		t.Fatalf("expected a single failure from the validator, got %q", rootErr)
	}
}

func TestValidateAcceptsAbsentParams(t *testing.T) {
	ps, err := compileSchema(reflectSchema[queryArgs](false))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, raw := range []string{"", "null", " "} {
		got := violations(ps.validate(json.RawMessage(raw)))
		if diff := cmp.Diff(map[string]string{"projectName": "is required"}, got); diff != "" {
			t.Fatalf("%q: violations mismatch (-want +got):\n%s", raw, diff)
		}
	}
}

func TestValidateRejectsNonObject(t *testing.T) {
	ps := mustCompile(t, false)
	got := violations(ps.validate(json.RawMessage(`[1,2]`)))
	if _, ok := got["params"]; !ok || len(got) != 1 {
		t.Fatalf("expected a single params violation, got %v", got)
	}
	errs := ps.validate(json.RawMessage(`{"name":`))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "not valid JSON") {
		t.Fatalf("expected an invalid JSON violation, got %v", errs)
	}
}

func TestValidateAllowsAdditional(t *testing.T) {
	ps := mustCompile(t, true)
	if errs := ps.validate(json.RawMessage(`{"name":"n","extra":true}`)); len(errs) != 0 {
		t.Fatalf("expected no violations, got %v", errs)
	}
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var ps *paramSchema
	if errs := ps.validate(json.RawMessage(`[1]`)); errs != nil {
		t.Fatalf("expected no violations, got %v", errs)
	}
}
