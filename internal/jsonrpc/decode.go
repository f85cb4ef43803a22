package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decode parses and validates a raw envelope. Any violation yields a
// *ParseError naming the offending field where it can be determined.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return Envelope{}, &ParseError{Code: ErrorCodeParseError, Reason: "body is not valid JSON"}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &ParseError{Code: ErrorCodeParseError, Reason: "top-level value must be an object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, &ParseError{Code: ErrorCodeParseError, Reason: err.Error()}
	}

	invalid := func(field, reason string, id RequestID) (Envelope, error) {
		return Envelope{}, &ParseError{Code: ErrorCodeInvalidRequest, Field: field, Reason: reason, ID: id}
	}

	// Recover the id first so later failures can still be correlated.
	var id RequestID
	rawID, hasID := fields["id"]
	if hasID {
		if err := id.UnmarshalJSON(rawID); err != nil {
			return invalid("id", "must be a string, number or null", RequestID{})
		}
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok {
		return invalid("jsonrpc", "missing protocol version", id)
	} else if err := json.Unmarshal(raw, &version); err != nil || version != ProtocolVersion {
		return invalid("jsonrpc", `must be exactly "`+ProtocolVersion+`"`, id)
	}

	var present []string
	for _, k := range []string{"method", "result", "error"} {
		if _, ok := fields[k]; ok {
			present = append(present, k)
		}
	}
	switch len(present) {
	case 0:
		return invalid("", "exactly one of method, result or error is required", id)
	case 1:
	default:
		return invalid(strings.Join(present, ","), "exactly one of method, result or error is allowed", id)
	}

	switch present[0] {
	case "method":
		var method string
		if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
			return invalid("method", "must be a non-empty string", id)
		}
		params, hasParams := fields["params"]
		if hasParams && !isStructured(params) {
			return invalid("params", "must be an object or array", id)
		}
		if !hasParams {
			params = nil
		}
		if !hasID {
			return Envelope{Kind: KindNotification, Method: method, Params: params}, nil
		}
		if id.IsNull() {
			return invalid("id", "null is reserved for error responses", RequestID{})
		}
		return Envelope{Kind: KindRequest, ID: id, Method: method, Params: params}, nil

	case "result":
		if !hasID || id.IsNull() {
			return invalid("id", "response requires a non-null id", RequestID{})
		}
		return Envelope{Kind: KindResponse, ID: id, Result: fields["result"]}, nil

	default:
		if !hasID {
			return invalid("id", "error response requires an id", RequestID{})
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(fields["error"], &obj); err != nil || obj == nil {
			return invalid("error", "must be an object", id)
		}
		var code int
		if err := json.Unmarshal(obj["code"], &code); err != nil {
			return invalid("error.code", "must be an integer", id)
		}
		var msg string
		if err := json.Unmarshal(obj["message"], &msg); err != nil {
			return invalid("error.message", "must be a string", id)
		}
		return Envelope{
			Kind: KindErrorResponse,
			ID:   id,
			Error: &Error{
				Code:    ErrorCode(code),
				Message: msg,
				Data:    obj["data"],
			},
		}, nil
	}
}

func isStructured(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && (raw[0] == '{' || raw[0] == '[')
}
