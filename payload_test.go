package fripac

import (
	"encoding/json"
	"testing"
)

func TestWrapScriptPayloadFieldOrderAndMode(t *testing.T) {
	out, err := WrapScriptPayload("hook.js", []byte("console.log('hi')"))
	if err != nil {
		t.Fatalf("WrapScriptPayload: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["mode"] != ModeEmbedJS {
		t.Fatalf("mode = %v, want %q", decoded["mode"], ModeEmbedJS)
	}
	if decoded["js_filepath"] != "hook.js" {
		t.Fatalf("js_filepath = %v", decoded["js_filepath"])
	}
	if decoded["js_content"] != "console.log('hi')" {
		t.Fatalf("js_content = %v", decoded["js_content"])
	}
}

func TestWrapScriptPayloadReplacesInvalidUTF8(t *testing.T) {
	invalid := []byte{'o', 'k', 0xff, 0xfe, 'd', 'o', 'n', 'e'}
	out, err := WrapScriptPayload("x.js", invalid)
	if err != nil {
		t.Fatalf("WrapScriptPayload: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON (invalid UTF-8 leaked through?): %v", err)
	}
	content, _ := decoded["js_content"].(string)
	if content == "" {
		t.Fatalf("expected non-empty lossily-decoded content")
	}
}
