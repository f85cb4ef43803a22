package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeResourceNotFound indicates a resource URI that no template recognizes.
	ErrorCodeResourceNotFound ErrorCode = -32002
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ParseError describes why a raw envelope could not be decoded.
type ParseError struct {
	// Code is ErrorCodeParseError when the body is not a JSON object and
	// ErrorCodeInvalidRequest when it is an object of the wrong shape.
	Code ErrorCode
	// Field is the offending field path, or empty when not determinable.
	Field  string
	Reason string
	// ID is the request id when it could be recovered from the body.
	ID RequestID
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "jsonrpc: invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("jsonrpc: invalid envelope at %q: %s", e.Field, e.Reason)
}

// NotObject reports whether the body failed before any JSON-RPC structure
// could be inspected.
func (e *ParseError) NotObject() bool {
	return e.Code == ErrorCodeParseError
}

// Envelope returns the error envelope that answers this failure.
func (e *ParseError) Envelope() Envelope {
	msg := "invalid request"
	if e.Code == ErrorCodeParseError {
		msg = "parse error"
	}
	data, _ := json.Marshal(map[string]string{"field": e.Field, "reason": e.Reason})
	id := e.ID
	if !id.IsValid() {
		id = NullID()
	}
	return NewError(id, e.Code, msg, data)
}
