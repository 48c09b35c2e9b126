package daemon

import (
	"encoding/json"
	"testing"
)

func TestResponseMessages(t *testing.T) {
	r := &Response{}
	r.AddMessage("hello", StatusInfo)
	r.AddMessage("careful", StatusWarn)

	if len(r.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(r.Messages))
	}
	if r.Failed() {
		t.Error("Failed() = true without an error message")
	}

	r.AddMessage("broken", StatusError)
	if !r.Failed() {
		t.Error("Failed() = false with an error message")
	}
}

func TestResponseToJSON(t *testing.T) {
	r := &Response{}
	r.AddMessage("test message", StatusInfo)
	r.AddData(map[string]int{"pid": 7})

	var parsed Response
	if err := json.Unmarshal([]byte(r.ToJSON()), &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}
	if len(parsed.Messages) != 1 || parsed.Messages[0].Message != "test message" {
		t.Errorf("Unexpected messages %+v", parsed.Messages)
	}

	var data map[string]int
	if err := parsed.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if data["pid"] != 7 {
		t.Errorf("pid = %d, want 7", data["pid"])
	}
}

func TestResponseToJSONOmitsEmptyData(t *testing.T) {
	r := &Response{}
	r.AddMessage("ok", StatusInfo)

	var parsed map[string]any
	json.Unmarshal([]byte(r.ToJSON()), &parsed)
	if _, ok := parsed["data"]; ok {
		t.Error("Expected data to be omitted")
	}
}
