package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"missing v", Envelope{Type: TypeMessage}, "missing field: v"},
		{"blank v", Envelope{V: "   ", Type: TypeMessage}, "missing field: v"},
		{"wrong version", Envelope{V: "v2", Type: TypeMessage}, "unsupported protocol version"},
		{"missing type", Envelope{V: Version}, "missing field: type"},
		{"unknown type", Envelope{V: Version, Type: "subscribe"}, "unknown type"},
		{"connected", Envelope{V: Version, Type: TypeConnected}, ""},
		{"join-tenant", Envelope{V: Version, Type: TypeJoinTenant}, ""},
		{"send-message", Envelope{V: Version, Type: TypeSendMessage}, ""},
		{"message", Envelope{V: Version, Type: TypeMessage}, ""},
		{"typing", Envelope{V: Version, Type: TypeTyping}, ""},
		{"error", Envelope{V: Version, Type: TypeError}, ""},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want contains %q", err, tc.wantErr)
			}
		})
	}
}

// The envelope JSON shape is wire-stable: field names are part of the
// protocol and renames are breaking changes.
func TestEnvelope_WireShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	env := Envelope{
		V:       Version,
		Type:    TypeSendMessage,
		ID:      "abc",
		TS:      ts,
		Payload: json.RawMessage(`{"text":"hi"}`),
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"v":"v1"`, `"type":"send-message"`, `"id":"abc"`, `"payload":{"text":"hi"}`} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("wire shape missing %s: %s", want, b)
		}
	}
}

func TestEnvelope_OmitsEmptyOptionalFields(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Envelope{V: Version, Type: TypeTyping})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, forbidden := range []string{`"id"`, `"payload"`} {
		if strings.Contains(string(b), forbidden) {
			t.Fatalf("empty optional field serialized: %s", b)
		}
	}
}
