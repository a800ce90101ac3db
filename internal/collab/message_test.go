package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclab/collabd/internal/common/cnst"
)

func TestParseClientMessageVariants(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"action":"join","collection":"articles","item":"1","version":"v1","color":"teal","initialChanges":{"title":"x"}}`))
	require.NoError(t, err)
	join, ok := msg.(*JoinMessage)
	require.True(t, ok)
	assert.Equal(t, "articles", join.Collection)
	require.NotNil(t, join.Item)
	assert.Equal(t, "1", *join.Item)
	require.NotNil(t, join.Version)
	assert.Equal(t, "v1", *join.Version)
	assert.Equal(t, "teal", join.Color)
	assert.Contains(t, join.InitialChanges, "title")

	msg, err = ParseClientMessage([]byte(`{"action":"leave"}`))
	require.NoError(t, err)
	leave, ok := msg.(*LeaveMessage)
	require.True(t, ok)
	assert.Empty(t, leave.Room)

	msg, err = ParseClientMessage([]byte(`{"action":"focus","room":"r1"}`))
	require.NoError(t, err)
	focus, ok := msg.(*FocusMessage)
	require.True(t, ok)
	assert.Nil(t, focus.Field, "absent field means release")

	msg, err = ParseClientMessage([]byte(`{"action":"update","room":"r1","field":"title"}`))
	require.NoError(t, err)
	update, ok := msg.(*UpdateMessage)
	require.True(t, ok)
	assert.Nil(t, update.Changes, "absent changes means unset")

	msg, err = ParseClientMessage([]byte(`{"action":"updateAll","room":"r1","changes":{"a":1,"b":null}}`))
	require.NoError(t, err)
	all, ok := msg.(*UpdateAllMessage)
	require.True(t, ok)
	assert.Len(t, all.Changes, 2)

	msg, err = ParseClientMessage([]byte(`{"action":"discard","room":"r1","fields":["*"]}`))
	require.NoError(t, err)
	discard, ok := msg.(*DiscardMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"*"}, discard.Fields)
}

func TestParseClientMessageRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"no action", `{"collection":"articles"}`},
		{"unknown action", `{"action":"dance"}`},
		{"join without collection", `{"action":"join"}`},
		{"focus without room", `{"action":"focus","field":"title"}`},
		{"update without field", `{"action":"update","room":"r1"}`},
		{"updateAll without room", `{"action":"updateAll","changes":{}}`},
		{"discard without fields", `{"action":"discard","room":"r1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, cnst.ErrCodeInvalidPayload, perr.Code)
		})
	}
}
