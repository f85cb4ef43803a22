// Package mcp contains the wire types and method names of the tool/resource
// protocol spoken by the publisher gateway. It carries no transport logic:
// the ssehttp and stdio transports frame these values and the router builds
// responses from them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Listing children
//
// ListResourcesRequest accepts an optional URI. Without it the roots are
// listed; with it, the direct children of that resource are listed.
package mcp
