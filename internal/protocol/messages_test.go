package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageTaskControl(t *testing.T) {
	raw := []byte(`{"type":"task_control","task_id":"video_abc123","action":"cancel","reason":"user request"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(TaskControl)
	if !ok {
		t.Fatalf("message type = %T, want TaskControl", msg)
	}
	if control.TaskID != "video_abc123" || control.Action != "cancel" {
		t.Fatalf("unexpected task control: %+v", control)
	}
	if control.Reason != "user request" {
		t.Fatalf("Reason = %q, want %q", control.Reason, "user request")
	}
}

func TestParseClientMessageChat(t *testing.T) {
	raw := []byte(`{"type":"chat_message","task_id":"t1","role":"user","content":"make it moodier"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chat, ok := msg.(ChatMessage)
	if !ok {
		t.Fatalf("message type = %T, want ChatMessage", msg)
	}
	if chat.Content != "make it moodier" {
		t.Fatalf("Content = %q, want %q", chat.Content, "make it moodier")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsServerOnlyType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"progress_update","task_id":"t1","progress":10}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMissingFields(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"task_control","task_id":"t1"}`)); err == nil {
		t.Fatalf("task_control without action parsed, want error")
	}
	if _, err := ParseClientMessage([]byte(`{"type":"chat_message","task_id":"t1","role":"user"}`)); err == nil {
		t.Fatalf("chat_message without content parsed, want error")
	}
}

func TestMarshalProgressUpdate(t *testing.T) {
	text, err := Marshal(ProgressUpdate{
		Type:     TypeProgressUpdate,
		TaskID:   "video_abc123",
		Progress: 45,
		Stage:    "ASSET_GENERATION",
		Message:  "scene 2/5",
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"type":"progress_update"`, `"task_id":"video_abc123"`, `"progress":45`, `"stage":"ASSET_GENERATION"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("Marshal() = %s, missing %s", text, want)
		}
	}
}
