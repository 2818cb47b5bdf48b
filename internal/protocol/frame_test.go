package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode(t *testing.T) {
	t.Run("register", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"register","name":"alice"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeRegister, in.Type)
		assert.Equal(t, "alice", in.Name)
	})

	t.Run("admin command with args", func(t *testing.T) {
		in, err := Decode([]byte(`{"type":"admin_command","command":"kick","args":["bob"]}`))
		require.NoError(t, err)
		assert.Equal(t, "kick", in.Command)
		assert.Equal(t, []string{"bob"}, in.Args)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := Decode([]byte(`"hello"`))
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})

	t.Run("invalid utf-8", func(t *testing.T) {
		frame := []byte(`{"type":"private_message","target":"bob","payload":"` + "\xff\xfe" + `"}`)
		_, err := Decode(frame)
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"text":"hi"}`))
		assert.ErrorIs(t, err, ErrMissingType)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"teleport"}`))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("server-only type", func(t *testing.T) {
		for _, typ := range []Type{TypeSystemNotice, TypeWelcome, TypeMemberList, TypeUserInfo} {
			_, err := Decode([]byte(`{"type":"` + string(typ) + `"}`))
			assert.ErrorIs(t, err, ErrUnknownType, "type %s", typ)
		}
	})
}

func TestIsInbound(t *testing.T) {
	assert.True(t, IsInbound(TypeHeartbeatPong))
	assert.False(t, IsInbound(TypeKeyResponse))
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(EventNotice(EventJoined, "alice joined", at))
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "system_notice", generic["type"])
	assert.Equal(t, "joined", generic["event"])
	assert.Equal(t, "info", generic["level"])
	assert.NotContains(t, generic, "payload")
	assert.NotContains(t, generic, "code")
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestErrorNoticeLevels(t *testing.T) {
	now := time.Now()
	assert.Equal(t, LevelWarning, ErrorNotice(CodeRateLimited, "slow down", now).Level)
	assert.Equal(t, LevelError, ErrorNotice(CodeNameTaken, "taken", now).Level)
}

// Private payloads travel as JSON strings; whatever the client put in the
// string must come back out unchanged after a decode/encode pass.
func TestPayloadSurvivesRelay(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.StringMatching(`[A-Za-z0-9+/=<>&"\\ ]{0,256}`).Draw(t, "payload")
		raw, err := json.Marshal(map[string]string{
			"type":    string(TypePrivateMessage),
			"target":  "bob",
			"payload": payload,
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		in, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out, err := Encode(&Outbound{Type: TypePrivateMessage, From: "alice", Payload: in.Payload})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var back Outbound
		if err := json.Unmarshal(out, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back.Payload != in.Payload {
			t.Fatalf("payload changed: %q -> %q", in.Payload, back.Payload)
		}
	})
}
