package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := WithComponent("flock").Output(&buf)
	l.Info().Str(FieldUser, "bot01").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry[FieldComponent] != "flock" {
		t.Errorf("component = %v, want flock", entry[FieldComponent])
	}
	if entry[FieldUser] != "bot01" {
		t.Errorf("user = %v, want bot01", entry[FieldUser])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestDerive(t *testing.T) {
	var buf bytes.Buffer
	l := Derive(nil).Output(&buf)
	l.Info().Msg("plain")
	if buf.Len() == 0 {
		t.Fatal("expected output from derived logger")
	}
}

func TestTee(t *testing.T) {
	var buf bytes.Buffer
	l := Tee(&buf)
	l.Info().Str(FieldFlock, "test").Msg("both")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "mobu" || entry[FieldFlock] != "test" {
		t.Errorf("entry = %v", entry)
	}
}
