package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(7, EventMessage, "s1", &MessagePayload{Text: "hello"})
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if got.V != Version || got.Seq != 7 || got.Type != EventMessage {
		t.Errorf("unexpected envelope %+v", got)
	}
	if got.SessionID == nil || *got.SessionID != "s1" {
		t.Errorf("session id not carried: %v", got.SessionID)
	}

	var p MessagePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil || p.Text != "hello" {
		t.Errorf("payload not carried: %s", got.Payload)
	}
}

func TestEnvelopeSystemMessageNullSession(t *testing.T) {
	env := NewEnvelope(1, EventHeartbeat, "", &HeartbeatPayload{})
	data, _ := env.Encode()
	if !strings.Contains(string(data), `"sessionId":null`) {
		t.Errorf("system envelope must carry null sessionId: %s", data)
	}
}

func TestDecodeEnvelopeMissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"v":"1.0.0","seq":1}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
}

func TestDecodeActionApprove(t *testing.T) {
	action, err := DecodeAction([]byte(`{"type":"approve","payload":{"requestId":"r1","scope":"session"}}`))
	if err != nil {
		t.Fatalf("DecodeAction failed: %v", err)
	}
	if action.Type != ActionApprove {
		t.Errorf("unexpected type %q", action.Type)
	}
}

func TestDecodeActionUnknownType(t *testing.T) {
	if _, err := DecodeAction([]byte(`{"type":"reboot","payload":{}}`)); err == nil {
		t.Error("unknown action type must fail")
	}
}

func TestDecodeActionSchemaValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"approve without requestId", `{"type":"approve","payload":{}}`, false},
		{"approve bad scope", `{"type":"approve","payload":{"requestId":"r1","scope":"forever"}}`, false},
		{"deny", `{"type":"deny","payload":{"requestId":"r1","reason":"no"}}`, true},
		{"deny without requestId", `{"type":"deny","payload":{"reason":"no"}}`, false},
		{"edit_approve without input", `{"type":"edit_approve","payload":{"requestId":"r1"}}`, false},
		{"edit_approve", `{"type":"edit_approve","payload":{"requestId":"r1","editedInput":{"command":"ls"}}}`, true},
		{"batch empty", `{"type":"batch_approve","payload":{"requestIds":[]}}`, false},
		{"batch", `{"type":"batch_approve","payload":{"requestIds":["a","b"]}}`, true},
		{"text_input empty", `{"type":"text_input","payload":{"text":""}}`, false},
		{"text_input", `{"type":"text_input","payload":{"text":"yes"}}`, true},
		{"stop default", `{"type":"stop"}`, true},
		{"pause", `{"type":"pause"}`, true},
		{"start_session no agent", `{"type":"start_session","payload":{"task":"x"}}`, false},
		{"start_session", `{"type":"start_session","payload":{"agent":"claude","task":"x"}}`, true},
		{"resume negative", `{"type":"resume_from_seq","payload":{"sessionId":"s1","afterSeq":-1}}`, false},
		{"resume", `{"type":"resume_from_seq","payload":{"sessionId":"s1","afterSeq":0}}`, true},
		{"auth no token", `{"type":"auth","payload":{}}`, false},
		{"auth", `{"type":"auth","payload":{"token":"secret"}}`, true},
	}
	for _, tt := range tests {
		_, err := DecodeAction([]byte(tt.raw))
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestDecodeActionMalformed(t *testing.T) {
	if _, err := DecodeAction([]byte(`{`)); err == nil {
		t.Error("malformed JSON must fail")
	}
}
