// Package wellknown serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
// so clients holding no token can discover where to get one.
package wellknown

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the discovery path prefix. The protected
// resource's own path is appended to it.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// MetadataPath returns the discovery path for a resource URL, e.g.
// https://host/mcp yields /.well-known/oauth-protected-resource/mcp.
func MetadataPath(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", err
	}
	return ProtectedResourcePrefix + strings.TrimSuffix(u.EscapedPath(), "/"), nil
}

// MetadataURL returns the absolute discovery URL for a resource URL.
func MetadataURL(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", err
	}
	p, err := MetadataPath(resource)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: p}).String(), nil
}

// Handler serves md as JSON.
func Handler(md ProtectedResourceMetadata) http.HandlerFunc {
	if len(md.BearerMethodsSupported) == 0 {
		md.BearerMethodsSupported = []string{"header"}
	}
	body, _ := json.Marshal(md)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}
}
