// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken on the
// router's client-facing and upstream-facing wires.
package jsonrpc

import (
	"encoding/json"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Canonical error codes. The -32000.. range is reserved by the JSON-RPC
// spec for implementation-defined server errors.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// Upstream transport failure, wrapping the underlying error message.
	CodeUpstreamFailed = -32001

	// Router resource URI could not be decoded or read.
	CodeResourceRead = -32010

	// Aggregation failures per kind. Per-backend failures during
	// aggregation are logged and skipped; these surface only when the
	// aggregate result itself cannot be produced.
	CodeToolsAggregation     = -32020
	CodePromptsAggregation   = -32021
	CodeResourcesAggregation = -32022
	CodeReadAggregation      = -32023

	// Subscription gate violations.
	CodeNoSubscription      = -32050
	CodeSubscriptionExpired = -32051
	CodeRequestsExceeded    = -32052
	CodeTokensExceeded      = -32053
)

// Request is an inbound or forwarded JSON-RPC request. The id is kept as
// raw JSON so that string, integer and absent ids round-trip exactly.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ValidVersion reports whether the request's jsonrpc field is acceptable.
// An absent field defaults to "2.0".
func (r *Request) ValidVersion() bool {
	return r.JSONRPC == "" || r.JSONRPC == "2.0"
}

// ParamsMap decodes the request params into a generic map.
// Absent params decode as an empty map.
func (r *Request) ParamsMap() (map[string]any, error) {
	if len(r.Params) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := codec.Unmarshal(r.Params, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// NewRequest builds a forwarded request with the given params value.
func NewRequest(method string, params any) (Request, error) {
	raw, err := codec.Marshal(params)
	if err != nil {
		return Request{}, err
	}
	return Request{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewResult builds a success response, marshaling the given result value.
// A marshaling failure degrades to an internal error response.
func NewResult(id json.RawMessage, result any) Response {
	raw, err := codec.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternal, "marshal result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// RawResult builds a success response from an already-encoded result.
func RawResult(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// ResultMap decodes the response result into a generic map, or nil when
// the result is absent or not an object.
func (r *Response) ResultMap() map[string]any {
	if len(r.Result) == 0 {
		return nil
	}
	var m map[string]any
	if err := codec.Unmarshal(r.Result, &m); err != nil {
		return nil
	}
	return m
}

// Marshal encodes v with the package codec.
func Marshal(v any) ([]byte, error) { return codec.Marshal(v) }

// Unmarshal decodes data with the package codec.
func Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }

// UnmarshalReader decodes a single value from r.
func UnmarshalReader(r io.Reader, v any) error { return codec.NewDecoder(r).Decode(v) }
