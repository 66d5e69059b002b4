package acp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"abc","method":"session/request_permission"}`, KindRequest},
		{"response result", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, KindResponse},
		{"response null result", `{"jsonrpc":"2.0","id":7,"result":null}`, KindResponse},
		{"response error", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"session/update","params":{}}`, KindNotification},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"session/cancel"}`, KindNotification},
		{"invalid bare", `{"jsonrpc":"2.0"}`, KindInvalid},
		{"invalid id only", `{"jsonrpc":"2.0","id":3}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.line))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if got := m.Kind(); got != tt.want {
				t.Errorf("expected kind %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestDecodeRejectsMissingHeader(t *testing.T) {
	if _, err := Decode([]byte(`{"id":1,"method":"x"}`)); !errors.Is(err, ErrNotJSONRPC) {
		t.Errorf("expected ErrNotJSONRPC, got %v", err)
	}
	if _, err := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`)); !errors.Is(err, ErrNotJSONRPC) {
		t.Errorf("expected ErrNotJSONRPC for wrong version, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	req, err := NewRequest(42, "session/prompt", PromptParams{
		SessionID: "s-1",
		Prompt:    []ContentBlock{TextBlock("hello\nworld")},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := Encode(req, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Error("expected trailing newline")
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Error("expected exactly one newline in encoded message")
	}

	got, err := Decode(bytes.TrimSuffix(data, []byte("\n")))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind() != KindRequest {
		t.Errorf("expected request, got %s", got.Kind())
	}
	if got.Method != "session/prompt" {
		t.Errorf("expected method session/prompt, got %s", got.Method)
	}
	id, ok := got.IntID()
	if !ok || id != 42 {
		t.Errorf("expected id 42, got %v (ok=%v)", id, ok)
	}

	var p PromptParams
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatal(err)
	}
	if p.Prompt[0].Text != "hello\nworld" {
		t.Errorf("expected content preserved through escaping, got %q", p.Prompt[0].Text)
	}
}

func TestEncodeSizeBoundary(t *testing.T) {
	msg, err := NewNotification("session/update", nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(msg, 0)
	if err != nil {
		t.Fatal(err)
	}
	exact := len(data) - 1 // encoded length excludes the trailing newline

	if _, err := Encode(msg, exact); err != nil {
		t.Errorf("message of exactly the cap should be accepted, got %v", err)
	}
	if _, err := Encode(msg, exact-1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge one byte over the cap, got %v", err)
	}
}

func TestEncodeRejectsEmbeddedNewline(t *testing.T) {
	// Raw params pass through verbatim, so a pretty-printed payload would
	// smuggle a literal newline into the frame.
	msg := &Message{
		Method: "session/update",
		Params: json.RawMessage("{\n\"a\": 1}"),
	}
	if _, err := Encode(msg, 0); !errors.Is(err, ErrEmbeddedNewline) {
		t.Errorf("expected ErrEmbeddedNewline, got %v", err)
	}
}

func TestNewResponseNullResult(t *testing.T) {
	resp, err := NewResponse(json.RawMessage(`"req-9"`), nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(resp, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"result":null`) {
		t.Errorf("expected explicit null result, got %s", data)
	}
	if !strings.Contains(string(data), `"id":"req-9"`) {
		t.Errorf("expected opaque id echoed verbatim, got %s", data)
	}
}

func TestIntID(t *testing.T) {
	m := &Message{ID: json.RawMessage("17")}
	if id, ok := m.IntID(); !ok || id != 17 {
		t.Errorf("expected 17, got %d (ok=%v)", id, ok)
	}
	m = &Message{ID: json.RawMessage(`"abc"`)}
	if _, ok := m.IntID(); ok {
		t.Error("expected string id to report ok=false")
	}
	m = &Message{}
	if _, ok := m.IntID(); ok {
		t.Error("expected missing id to report ok=false")
	}
}
