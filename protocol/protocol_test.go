package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageDecodesHistoryAliases(t *testing.T) {
	var items []Message
	raw := `[
		{"role":"user","text":"hello","ts":"2025-01-02T10:00:00Z"},
		{"sender":"admin","message":"hi there","createdAt":"2025-01-02T10:01:00Z"}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &items))
	require.Len(t, items, 2)

	require.Equal(t, RoleUser, items[0].Role)
	require.Equal(t, "hello", items[0].Text)
	require.Equal(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), items[0].TS)

	require.Equal(t, RoleAdmin, items[1].Role)
	require.Equal(t, "hi there", items[1].Text)
	require.Equal(t, time.Date(2025, 1, 2, 10, 1, 0, 0, time.UTC), items[1].TS)
}

func TestEnvelopeRoundTripPayload(t *testing.T) {
	env, err := NewEnvelope(EventUserMessage, TextPayload{Room: "r1", Text: "need a quote"})
	require.NoError(t, err)

	frame, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"agent:user_message","payload":{"room":"r1","text":"need a quote"}}`, string(frame))

	var got TextPayload
	require.NoError(t, env.Decode(&got))
	require.Equal(t, "need a quote", got.Text)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(EventAdminStatusGet, nil)
	require.NoError(t, err)

	var ref RoomRef
	require.NoError(t, env.Decode(&ref))
	require.Empty(t, ref.Room)
}

func TestRoleValid(t *testing.T) {
	require.True(t, RoleSystem.Valid())
	require.False(t, Role("bot").Valid())
}

func TestValidEmail(t *testing.T) {
	require.True(t, ValidEmail("jane@khisima.com"))
	require.False(t, ValidEmail("jane@khisima"))
	require.False(t, ValidEmail("jane doe@khisima.com"))
	require.False(t, ValidEmail(""))
}

func TestInboxStatusRank(t *testing.T) {
	require.Less(t, InboxQueued.Rank(), InboxInProgress.Rank())
	require.Less(t, InboxInProgress.Rank(), InboxDone.Rank())
	require.Zero(t, InboxStatus("archived").Rank())
}
