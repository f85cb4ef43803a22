package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonNull marks an explicit null id.
type jsonNull struct{}

// RequestID represents a JSON-RPC ID that can be a string, a number or null.
// The zero value means "absent", which is what a notification carries.
type RequestID struct {
	value any
}

// StringID returns a string request id.
func StringID(s string) RequestID { return RequestID{value: s} }

// NumberID returns an integral request id.
func NumberID(n int64) RequestID { return RequestID{value: n} }

// NullID returns the null id reserved for envelope-level failures.
func NullID() RequestID { return RequestID{value: jsonNull{}} }

// NewRequestID creates a RequestID from a string or number. Any other value
// yields the absent id.
func NewRequestID(value any) RequestID {
	switch v := value.(type) {
	case string:
		return StringID(v)
	case int:
		return NumberID(int64(v))
	case int32:
		return NumberID(int64(v))
	case int64:
		return NumberID(v)
	case float64:
		if v == float64(int64(v)) {
			return NumberID(int64(v))
		}
		return RequestID{value: v}
	case nil:
		return NullID()
	default:
		return RequestID{}
	}
}

// IsValid reports whether the id is present (including an explicit null).
func (id RequestID) IsValid() bool { return id.value != nil }

// IsNull reports whether the id is an explicit JSON null.
func (id RequestID) IsNull() bool {
	_, ok := id.value.(jsonNull)
	return ok
}

// Value returns the underlying string, int64 or float64, or nil.
func (id RequestID) Value() any {
	if id.IsNull() {
		return nil
	}
	return id.value
}

// String returns the string representation of the ID.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case jsonNull:
		return "null"
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		panic("unreachable: RequestID contains unsupported type")
	}
}

// Key returns a map key that keeps string and numeric ids apart, so "1" and
// 1 are distinct requests.
func (id RequestID) Key() string {
	switch id.value.(type) {
	case string:
		return "s:" + id.String()
	case nil:
		return ""
	default:
		return "n:" + id.String()
	}
}

// Equal reports whether two ids are the same wire value.
func (id RequestID) Equal(other RequestID) bool {
	return id.value == other.value
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil || id.IsNull() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = NullID()
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = StringID(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
	}
	if n, err := num.Int64(); err == nil {
		*id = NumberID(n)
		return nil
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
	}
	*id = RequestID{value: f}
	return nil
}
