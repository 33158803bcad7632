package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventJoin, 7, JoinPayload{Username: "alice", Room: "courtroom-3"})
	require.NoError(t, err)
	assert.Equal(t, EventJoin, env.Event)
	assert.Equal(t, uint64(7), env.Seq)
	assert.JSONEq(t, `{"username":"alice","room":"courtroom-3"}`, string(env.Payload))

	env, err = NewEnvelope(EventError, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error"}`, string(data), "zero seq and nil payload are omitted on the wire")
}

func TestDecodeRoomStateRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`"a string"`, `42`, `[1,2]`, `null`, ``, `   `} {
		_, err := DecodeRoomState(json.RawMessage(raw))
		assert.Error(t, err, "payload %q must be rejected", raw)
	}
}

func TestDecodeRoomStateDefaultsCollections(t *testing.T) {
	room, err := DecodeRoomState(json.RawMessage(`{"name":"courtroom-3"}`))
	require.NoError(t, err)
	assert.Equal(t, "courtroom-3", room.Name)
	assert.NotNil(t, room.Users)
	assert.NotNil(t, room.Documents)
	assert.Empty(t, room.Users)
}

func TestDecodeRoomStateToleratesLeadingWhitespace(t *testing.T) {
	room, err := DecodeRoomState(json.RawMessage("\n\t {\"name\":\"courtroom-3\"}"))
	require.NoError(t, err)
	assert.Equal(t, "courtroom-3", room.Name)
}
