// Package acp implements the newline-delimited JSON-RPC 2.0 framing and the
// correlating stdio connection the gateway uses to talk to Agent Client
// Protocol subprocesses.
package acp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSON-RPC 2.0 error codes used on the wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	ErrParse           = errors.New("invalid JSON")
	ErrNotJSONRPC      = errors.New("missing jsonrpc 2.0 header")
	ErrMessageTooLarge = errors.New("message exceeds max size")
	ErrEmbeddedNewline = errors.New("message contains embedded newline")
)

// Kind classifies a decoded message by structure.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is one JSON-RPC 2.0 message. The ID is kept as raw JSON: ids we
// mint are integers, but ids arriving in agent-originated requests are
// opaque and must be echoed back byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the JSON-RPC error object.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// hasID reports whether the message carries a usable id. A literal null id
// is treated as absent.
func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Kind classifies the message structurally: id+method is a request,
// id+result/error is a response, method without id is a notification.
func (m *Message) Kind() Kind {
	switch {
	case m.hasID() && m.Method != "":
		return KindRequest
	case m.hasID() && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	case m.Method != "" && !m.hasID():
		return KindNotification
	default:
		return KindInvalid
	}
}

// IntID returns the message id as an integer. Only ids the gateway minted
// itself are integers; anything else reports ok=false.
func (m *Message) IntID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(m.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode parses a single newline-delimited segment into a Message.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if m.JSONRPC != "2.0" {
		return nil, ErrNotJSONRPC
	}
	return &m, nil
}

// Encode serialises a message to a single line ending in exactly one
// newline. Encodings longer than maxBytes (0 = unlimited) are rejected, as
// are encodings that would carry a raw newline inside the line, which can
// happen when pre-serialised raw params are passed through verbatim.
func Encode(m *Message, maxBytes int) ([]byte, error) {
	m.JSONRPC = "2.0"
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return nil, ErrEmbeddedNewline
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrMessageTooLarge, len(data), maxBytes)
	}
	return append(data, '\n'), nil
}

func intID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// NewRequest builds a request message with the given integer id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: intID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResponse builds a success response echoing the given id. A nil result
// is encoded as JSON null so the result member is always present.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the given id.
func NewErrorResponse(id json.RawMessage, code int, msg string) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Error: &WireError{Code: code, Message: msg}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
