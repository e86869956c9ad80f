package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid publish", env: Envelope{V: Version, Type: TypePublish}},
		{name: "valid message", env: Envelope{V: Version, Type: TypeMessage}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "blank version", env: Envelope{V: "  ", Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "subscribe"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.env.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error for %+v", tt.env)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	t.Parallel()

	payload, err := json.Marshal(PublishPayload{Token: "tok-1", Payload: "hello"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	env := Envelope{
		V:       Version,
		Type:    TypePublish,
		ID:      "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TS:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	for _, key := range []string{"v", "type", "id", "ts", "payload"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("wire form missing %q: %s", key, raw)
		}
	}

	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var p PublishPayload
	if err := json.Unmarshal(back.Payload, &p); err != nil {
		t.Fatalf("unmarshal inner payload: %v", err)
	}
	if p.Token != "tok-1" || p.Payload != "hello" {
		t.Fatalf("payload mangled: %+v", p)
	}
}

func TestEnvelopeOmitsEmptyOptionalFields(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Envelope{V: Version, Type: TypeHelloAck})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "payload"} {
		if _, ok := m[key]; ok {
			t.Fatalf("empty %q should be omitted: %s", key, raw)
		}
	}
}
