package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageTranscript(t *testing.T) {
	raw := []byte(`{"type":"client_transcript","session_id":"s1","turn_id":"t1","text":"hello there","final":true,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	tr, ok := msg.(ClientTranscript)
	if !ok {
		t.Fatalf("message type = %T, want ClientTranscript", msg)
	}
	if tr.SessionID != "s1" || tr.Text != "hello there" || !tr.Final {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"interrupt","reason":"barge_in"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionInterrupt {
		t.Fatalf("Action = %q, want %q", control.Action, ActionInterrupt)
	}
	if control.Reason != "barge_in" {
		t.Fatalf("Reason = %q, want %q", control.Reason, "barge_in")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidTranscript(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_transcript","session_id":"","text":""}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func BenchmarkParseClientMessageTranscript(b *testing.B) {
	raw := []byte(`{"type":"client_transcript","session_id":"s1","turn_id":"t7","text":"tell me about the weather","final":true,"ts_ms":123456}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientTranscript); !ok {
			b.Fatalf("message type = %T, want ClientTranscript", msg)
		}
	}
}
