package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	jsv "github.com/google/jsonschema-go/jsonschema"
	"github.com/hashicorp/go-multierror"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/publisher-gateway/faults"
	"github.com/ggoodman/publisher-gateway/mcp"
)

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// Validator is implemented by parameter types with cross-field rules, such
// as mutually exclusive fields. Validate returns one *faults.Violation, an
// aggregate of them, or nil.
type Validator interface {
	Validate() error
}

// reflectSchema reflects P into an inline JSON schema. Unknown fields are
// rejected unless allowAdditional is set.
func reflectSchema[P any](allowAdditional bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == rawMessageType {
				return &jsonschema.Schema{}
			}
			return nil
		},
	}
	return r.Reflect(new(P))
}

// paramSchema is a reflected params schema resolved for validation. The
// root decides whether params are valid; the per-property schemas let a
// failure be reported field by field.
type paramSchema struct {
	root     *jsv.Resolved
	props    map[string]*jsv.Resolved
	required []string
	strict   bool
}

// compileSchema resolves s with the JSON Schema validator. A nil schema
// compiles to nil, which accepts any params.
func compileSchema(s *jsonschema.Schema) (*paramSchema, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var js jsv.Schema
	if err := json.Unmarshal(b, &js); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	// Reflected schemas carry a package-derived $id and a draft URI that
	// play no part in validating inline params.
	js.ID, js.Schema = "", ""

	root, err := js.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	ps := &paramSchema{
		root:     root,
		props:    make(map[string]*jsv.Resolved, len(js.Properties)),
		required: js.Required,
		strict:   s.AdditionalProperties != nil && s.AdditionalProperties != jsonschema.TrueSchema,
	}
	for name, prop := range js.Properties {
		rp, err := prop.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve schema for %q: %w", name, err)
		}
		ps.props[name] = rp
	}
	return ps, nil
}

// validate checks raw against the schema and returns one violation per
// offending field. The validator stops at the first failure, so once the
// root rejects params every top-level field is checked on its own. Absent
// params validate as an empty object.
func (ps *paramSchema) validate(raw json.RawMessage) []error {
	if ps == nil {
		return nil
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []error{&faults.Violation{Problem: "params are not valid JSON"}}
	}
	rootErr := ps.root.Validate(v)
	if rootErr == nil {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return []error{&faults.Violation{Field: "params", Problem: problem(rootErr)}}
	}

	var errs []error
	for _, name := range ps.required {
		if _, ok := obj[name]; !ok {
			errs = append(errs, &faults.Violation{Field: name, Problem: "is required"})
		}
	}
	for _, key := range sortedKeys(obj) {
		prop, ok := ps.props[key]
		if !ok {
			if ps.strict {
				errs = append(errs, &faults.Violation{Field: key, Problem: "is not a recognized field"})
			}
			continue
		}
		if err := prop.Validate(obj[key]); err != nil {
			errs = append(errs, &faults.Violation{Field: key, Problem: problem(err)})
		}
	}
	if len(errs) == 0 {
		// A rule spanning properties, such as minProperties.
		errs = append(errs, &faults.Violation{Field: "params", Problem: problem(rootErr)})
	}
	return errs
}

// problem strips the validator's schema location wrapping and keeps the
// failed keyword, e.g. `type: ten has type "string", want "integer"`.
func problem(err error) string {
	for next := errors.Unwrap(err); next != nil; next = errors.Unwrap(err) {
		err = next
	}
	return err.Error()
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// decodeError marks a failure to unmarshal params that already passed (or
// failed) schema validation.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// bindParams decodes raw into P and applies P's Validate rules.
func bindParams[P any](raw json.RawMessage) (P, error) {
	var p P
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, &decodeError{err: err}
		}
	}
	var v Validator
	if vv, ok := any(p).(Validator); ok {
		v = vv
	} else if vv, ok := any(&p).(Validator); ok {
		v = vv
	}
	if v != nil {
		if err := v.Validate(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// collect merges schema violations with a bind error. A decode failure is
// dropped when schema validation already explained what is wrong.
func collect(schemaErrs []error, bindErr error) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, schemaErrs...)
	if bindErr != nil {
		var de *decodeError
		switch {
		case errors.As(bindErr, &de) && len(schemaErrs) > 0:
		case errors.As(bindErr, &de):
			merr = multierror.Append(merr, &faults.Violation{Problem: de.Error()})
		default:
			merr = multierror.Append(merr, bindErr)
		}
	}
	return merr.ErrorOrNil()
}

// underField re-roots the violations in err below prefix.
func underField(prefix string, err error) error {
	var errs []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.WrappedErrors()
	} else {
		errs = []error{err}
	}
	var out *multierror.Error
	for _, e := range errs {
		var v *faults.Violation
		if errors.As(e, &v) {
			e = &faults.Violation{Field: join(prefix, v.Field), Problem: v.Problem}
		}
		out = multierror.Append(out, e)
	}
	return out.ErrorOrNil()
}

// Field names one member of an exclusivity group and whether it was supplied.
type Field struct {
	Name string
	Set  bool
}

// RequireExactlyOne reports a violation unless exactly one field is set.
// Supplying none names the missing requirement; supplying several names
// the conflict.
func RequireExactlyOne(fields ...Field) error {
	var names, set []string
	for _, f := range fields {
		names = append(names, f.Name)
		if f.Set {
			set = append(set, f.Name)
		}
	}
	switch len(set) {
	case 1:
		return nil
	case 0:
		return &faults.Violation{
			Field:   names[0],
			Problem: fmt.Sprintf("one of %s is required", strings.Join(names, " or ")),
		}
	default:
		return &faults.Violation{
			Field:   set[0],
			Problem: fmt.Sprintf("%s are mutually exclusive; supply only one", strings.Join(set, " and ")),
		}
	}
}

// toMCPInputSchema converts a reflected schema to the simplified tool input
// schema advertised by tools/list.
func toMCPInputSchema(s *jsonschema.Schema) mcp.ToolInputSchema {
	allowAdditional := s == nil || s.AdditionalProperties == nil || s.AdditionalProperties == jsonschema.TrueSchema
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
