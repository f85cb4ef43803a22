package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// Kind discriminates the four envelope shapes.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// Envelope is one JSON-RPC message unit. Which fields are meaningful depends
// on Kind:
//
//	KindRequest        ID, Method, Params
//	KindNotification   Method, Params
//	KindResponse       ID, Result
//	KindErrorResponse  ID, Error
type Envelope struct {
	Kind   Kind
	ID     RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a request envelope.
func NewRequest(id RequestID, method string, params any) (Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) (Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	return Envelope{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResult builds a successful response envelope.
func NewResult(id RequestID, result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Envelope{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewError builds an error response envelope with the given code.
func NewError(id RequestID, code ErrorCode, message string, data json.RawMessage) Envelope {
	return Envelope{
		Kind: KindErrorResponse,
		ID:   id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// wireEnvelope is the on-the-wire field layout.
type wireEnvelope struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Encode serializes an envelope to wire form. Envelopes built by this package
// always encode; a value that cannot be represented is a programming error
// and panics.
func Encode(env Envelope) Message {
	w := wireEnvelope{JSONRPCVersion: ProtocolVersion}
	switch env.Kind {
	case KindRequest:
		id := env.ID
		w.ID = &id
		w.Method = env.Method
		w.Params = env.Params
	case KindNotification:
		w.Method = env.Method
		w.Params = env.Params
	case KindResponse:
		id := env.ID
		if !id.IsValid() {
			id = NullID()
		}
		w.ID = &id
		w.Result = env.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	case KindErrorResponse:
		id := env.ID
		if !id.IsValid() {
			id = NullID()
		}
		w.ID = &id
		w.Error = env.Error
		if w.Error == nil {
			w.Error = &Error{Code: ErrorCodeInternalError, Message: "internal error"}
		}
	default:
		panic(fmt.Sprintf("jsonrpc: encode envelope of unknown kind %d", env.Kind))
	}

	b, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("jsonrpc: encode %s: %v", env.Kind, err))
	}
	return b
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Encode(e), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := Decode(data)
	if err != nil {
		return err
	}
	*e = env
	return nil
}
