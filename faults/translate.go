package faults

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/publisher-gateway/internal/jsonrpc"
	"github.com/ggoodman/publisher-gateway/mcp"
)

// Tier classifies how a failure reaches the caller.
type Tier uint8

const (
	TierProtocol Tier = iota + 1
	TierDomain
	TierTransport
)

func (t Tier) String() string {
	switch t {
	case TierProtocol:
		return "protocol"
	case TierDomain:
		return "domain"
	case TierTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Translation is the wire-level description of a failure.
type Translation struct {
	Tier    Tier
	Code    jsonrpc.ErrorCode
	Message string
	Hint    string
	// Fields lists offending parameter names for invalid params.
	Fields []string
}

// Translate maps err onto its tier, code, message and remediation hint.
// Unrecognized errors are internal protocol errors whose detail stays out of
// the message.
func Translate(err error) Translation {
	var (
		perr  *jsonrpc.ParseError
		mnf   *MethodNotFoundError
		ipe   *InvalidParamsError
		rnf   *ResourceNotFoundError
		dup   *DuplicateRequestError
		nf    *NotFoundError
		comp  *ComputationError
		trans *TransportError
	)

	switch {
	case err == nil:
		return Translation{}
	case errors.As(err, &trans):
		return Translation{Tier: TierTransport, Message: err.Error()}
	case errors.As(err, &perr):
		return Translation{
			Tier:    TierProtocol,
			Code:    perr.Code,
			Message: perr.Error(),
			Hint:    `send one JSON object with "jsonrpc":"2.0" and exactly one of method, result or error`,
		}
	case errors.As(err, &mnf):
		return Translation{
			Tier:    TierProtocol,
			Code:    jsonrpc.ErrorCodeMethodNotFound,
			Message: mnf.Error(),
			Hint:    "call tools/list or resources/templates/list to discover what this server offers",
		}
	case errors.As(err, &ipe):
		return Translation{
			Tier:    TierProtocol,
			Code:    jsonrpc.ErrorCodeInvalidParams,
			Message: ipe.Error(),
			Fields:  ipe.Fields(),
		}
	case errors.As(err, &rnf):
		return Translation{
			Tier:    TierProtocol,
			Code:    jsonrpc.ErrorCodeResourceNotFound,
			Message: rnf.Error(),
			Hint:    "call resources/templates/list for the accepted URI shapes",
		}
	case errors.As(err, &dup):
		return Translation{
			Tier:    TierProtocol,
			Code:    jsonrpc.ErrorCodeInvalidRequest,
			Message: dup.Error(),
			Hint:    "use a request id that is unique on this connection",
		}
	case errors.As(err, &nf):
		t := Translation{Tier: TierDomain, Message: nf.Error()}
		if len(nf.Suggestions) > 0 {
			t.Hint = fmt.Sprintf("available %ss: %s", nf.Kind, strings.Join(nf.Suggestions, ", "))
		} else {
			t.Hint = "use resources/list to see what is available"
		}
		return t
	case errors.As(err, &comp):
		return Translation{
			Tier:    TierDomain,
			Message: comp.Error(),
			Hint:    "fix the reported problems in the query or model and retry",
		}
	default:
		return Translation{
			Tier:    TierProtocol,
			Code:    jsonrpc.ErrorCodeInternalError,
			Message: "internal error",
		}
	}
}

// DomainResult renders a domain translation as a flagged-success payload.
func (t Translation) DomainResult() *mcp.CallToolResult {
	text := t.Message
	if t.Hint != "" {
		text += "\n\nSuggestion: " + t.Hint
	}
	res := &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
	if t.Hint != "" {
		res.Meta = map[string]any{"hint": t.Hint}
	}
	return res
}

// ErrorData renders the optional data member of a protocol error.
func (t Translation) ErrorData() json.RawMessage {
	if t.Hint == "" && len(t.Fields) == 0 {
		return nil
	}
	data := struct {
		Hint   string   `json:"hint,omitempty"`
		Fields []string `json:"fields,omitempty"`
	}{t.Hint, t.Fields}
	b, _ := json.Marshal(data)
	return b
}

// Envelope builds the response that answers request id given a handler's
// result and error. It reports false for transport failures, which have no
// stream left to answer on. Cancellation is judged by the caller from the
// exchange itself, never from the error chain.
func Envelope(id jsonrpc.RequestID, result any, err error) (jsonrpc.Envelope, bool) {
	if err == nil {
		env, mErr := jsonrpc.NewResult(id, result)
		if mErr != nil {
			return jsonrpc.NewError(id, jsonrpc.ErrorCodeInternalError, "internal error", nil), true
		}
		return env, true
	}

	t := Translate(err)
	switch t.Tier {
	case TierTransport:
		return jsonrpc.Envelope{}, false
	case TierDomain:
		env, mErr := jsonrpc.NewResult(id, t.DomainResult())
		if mErr != nil {
			return jsonrpc.NewError(id, jsonrpc.ErrorCodeInternalError, "internal error", nil), true
		}
		return env, true
	default:
		return jsonrpc.NewError(id, t.Code, t.Message, t.ErrorData()), true
	}
}
