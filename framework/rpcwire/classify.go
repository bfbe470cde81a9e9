// Package rpcwire classifies lines read from a child process and encodes the requests written to
// it, using the JSON-RPC 2.0 codec from the MCP Go SDK.
package rpcwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolMarker is the field name that every protocol line must contain. Lines without it are
// never parsed, since the child is free to print anything else on the same stream.
const ProtocolMarker = `"jsonrpc"`

// Kind describes what a line turned out to be.
type Kind int

const (
	// KindDiagnostic is free-form text, or a line that looked like JSON-RPC but could not be decoded.
	KindDiagnostic Kind = iota
	// KindResponse is a result or error for a request we sent.
	KindResponse
	// KindRequest is a call initiated by the child (it has both an id and a method).
	KindRequest
	// KindNotification is a message from the child with a method and no id.
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return "diagnostic"
	}
}

// ResponseRecord is a decoded response. It only lives long enough to be handed to the correlator.
type ResponseRecord struct {
	ID     jsonrpc.ID
	Key    string
	Result json.RawMessage
	Err    error
	Raw    string
}

// IsError returns true if the response carried a JSON-RPC error object instead of a result.
func (r ResponseRecord) IsError() bool {
	return r.Err != nil
}

// ErrorCode returns the JSON-RPC error code, or 0 if the response has no structured error.
func (r ResponseRecord) ErrorCode() int64 {
	var wireErr *jsonrpc.Error
	if errors.As(r.Err, &wireErr) {
		return wireErr.Code
	}
	return 0
}

// Message is the classification of a single line.
type Message struct {
	Kind Kind
	Line string

	// Response is set if Kind is KindResponse.
	Response *ResponseRecord

	// Method is set if Kind is KindRequest or KindNotification.
	Method string

	// RequestID is set if Kind is KindRequest.
	RequestID jsonrpc.ID

	// Malformed is set if the line contained the protocol marker but failed to decode. The line is
	// then treated as a diagnostic.
	Malformed error
}

// Classify decides whether a line is a protocol message or diagnostic text. It never fails: a line
// that cannot be decoded is a diagnostic, with Malformed describing why.
func Classify(line string) Message {
	m := Message{Kind: KindDiagnostic, Line: line}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.Contains(trimmed, ProtocolMarker) {
		return m
	}
	if !strings.HasPrefix(trimmed, "{") {
		m.Malformed = errors.New("protocol marker found outside of a JSON object")
		return m
	}
	decoded, err := jsonrpc.DecodeMessage([]byte(trimmed))
	if err != nil {
		m.Malformed = err
		return m
	}
	switch msg := decoded.(type) {
	case *jsonrpc.Response:
		m.Kind = KindResponse
		m.Response = &ResponseRecord{
			ID:     msg.ID,
			Key:    IDKey(msg.ID),
			Result: msg.Result,
			Err:    msg.Error,
			Raw:    trimmed,
		}
	case *jsonrpc.Request:
		m.Method = msg.Method
		if msg.IsCall() {
			m.Kind = KindRequest
			m.RequestID = msg.ID
		} else {
			m.Kind = KindNotification
		}
	default:
		m.Malformed = fmt.Errorf("unrecognized message type %T", decoded)
	}
	return m
}

// IDKey returns a canonical string for a request identifier. Numeric and string identifiers stay
// distinct, so 1 and "1" do not correlate with each other.
func IDKey(id jsonrpc.ID) string {
	if !id.IsValid() {
		return "null"
	}
	data, err := json.Marshal(id.Raw())
	if err != nil {
		return fmt.Sprintf("%v", id.Raw())
	}
	return string(data)
}

// MakeID converts a Go value to a request identifier. Integer types are accepted in addition to
// the float64 and string values that encoding/json produces.
func MakeID(v interface{}) (jsonrpc.ID, error) {
	switch n := v.(type) {
	case int:
		return jsonrpc.MakeID(float64(n))
	case int64:
		return jsonrpc.MakeID(float64(n))
	}
	return jsonrpc.MakeID(v)
}

// EncodeRequest builds one wire line (without the trailing newline) for a call. params may be nil,
// a json.RawMessage, or any value that encoding/json can marshal.
func EncodeRequest(id jsonrpc.ID, method string, params interface{}) ([]byte, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("request %q has no id", method)
	}
	return encode(id, method, params)
}

// EncodeNotification builds one wire line for a message that expects no response.
func EncodeNotification(method string, params interface{}) ([]byte, error) {
	return encode(jsonrpc.ID{}, method, params)
}

func encode(id jsonrpc.ID, method string, params interface{}) ([]byte, error) {
	if method == "" {
		return nil, errors.New("method name is required")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params for %q: %w", method, err)
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, fmt.Errorf("encoded %q request spans more than one line", method)
	}
	return data, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// EncodeErrorResponse builds a line answering a call from the child with a JSON-RPC error.
func EncodeErrorResponse(id jsonrpc.ID, code int64, message string) ([]byte, error) {
	return jsonrpc.EncodeMessage(&jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
}
