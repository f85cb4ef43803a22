// Package router maps JSON-RPC method names to handlers and resource URIs to
// RFC 6570 templates.
//
// A Router is built with New, which installs the session methods
// (initialize, ping) and the resource and tool methods. Domain packages then
// add tools with HandleTool and resource templates with HandleResource before
// the router is sealed.
//
// # Validation
//
// Prepare resolves a request without running it. Params are validated against
// a JSON schema reflected from the handler's params type, and every problem
// (unknown field, missing field, wrong kind) is collected into a single
// *faults.InvalidParamsError. Params types may implement Validator to add
// cross-field rules; RequireExactlyOne covers the common mutually exclusive
// case.
//
//	type QueryArgs struct {
//		Query     string `json:"query,omitempty"`
//		QueryName string `json:"queryName,omitempty"`
//	}
//
//	func (a QueryArgs) Validate() error {
//		return router.RequireExactlyOne(
//			router.Field{Name: "query", Set: a.Query != ""},
//			router.Field{Name: "queryName", Set: a.QueryName != ""},
//		)
//	}
//
// # Resources
//
// Templates are matched in registration order and the first match wins. A
// resources/list call on a URI returns only children that match a template
// with exactly one more variable than the parent.
package router
