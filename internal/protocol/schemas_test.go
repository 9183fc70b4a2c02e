package protocol_test

import (
	"encoding/json"
	"testing"

	"krumpkraft.io/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	samples := []string{
		`{"type":"HELLO","protocol_version":"1.0","player_name":"Steve","max_queue":16}`,
		`{"type":"WELCOME","protocol_version":"1.0","session_id":"V1StGXR8_Z5jdHi6B-myT","player_name":"Steve","worlds":["world","lobby"]}`,
		`{"type":"CHAT","protocol_version":"1.0","text":"!status"}`,
		`{"type":"MSG","text":"[KrumpKraft] Agents: 3"}`,
		`{"type":"MSG","from":"Alex","text":"hi"}`,
		`{"type":"ENTITY","op":"spawn","id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","world":"world","pos":[10.5,64,20.5],"label":"Bob (scout)"}`,
		`{"type":"ERROR","code":"E_PROTO_BAD_REQUEST","message":"expected HELLO"}`,
	}
	for _, s := range samples {
		if _, err := protocol.Validate([]byte(s)); err != nil {
			t.Fatalf("validate %s: %v", s, err)
		}
	}
}

func TestSchemas_RejectBadMessages(t *testing.T) {
	bad := []string{
		`{"type":"HELLO","protocol_version":"1.0"}`,
		`{"type":"HELLO","protocol_version":"1.0","player_name":""}`,
		`{"type":"CHAT","protocol_version":"1.0"}`,
		`{"type":"ENTITY","op":"explode","id":"x","world":"world","pos":[0,0,0]}`,
		`{"type":"ENTITY","op":"move","id":"x","world":"world","pos":[0,0]}`,
		`{"type":"ERROR","code":"oops","message":""}`,
		`{"type":"NOPE"}`,
		`not json`,
	}
	for _, s := range bad {
		if _, err := protocol.Validate([]byte(s)); err == nil {
			t.Fatalf("expected %s to be rejected", s)
		}
	}
}

// Outbound structs must satisfy their own schemas.
func TestSchemas_EncodedMessages(t *testing.T) {
	msgs := []any{
		protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, SessionID: "s1", PlayerName: "p", Worlds: []string{}},
		protocol.MsgMsg{Type: protocol.TypeMsg, Text: "hello"},
		protocol.EntityMsg{Type: protocol.TypeEntity, Op: protocol.OpRemove, ID: "e1", World: "world"},
		protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"),
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := protocol.Validate(b); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}
}
