package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateJSON_WireShape(t *testing.T) {
	msg, err := UpdateJSON([]byte(`{"name":"alice"}`), WriteMeta{
		SessionID: "s1", Rev: 1, Reason: ReasonEdit, HintPath: "/name", DirtyPathCount: 1,
	})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"updateJson",
		"json":{"name":"alice"},
		"meta":{"sessionId":"s1","rev":1,"reason":"edit","hintPath":"/name","dirtyPathCount":1,"dirtyCollectionCount":0}
	}`, string(data))

	back, err := Decode(data)
	require.NoError(t, err)
	meta, err := back.WriteMeta()
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Rev)
	assert.Equal(t, "s1", meta.SessionID)
}

func TestAck_FalseIsKept(t *testing.T) {
	data, err := Encode(UpdateJSONAck(AckMeta{OK: false, Rev: 4, Reason: ReasonStaleRev}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"updateJsonAck","meta":{"ok":false,"rev":4,"reason":"stale-rev"}}`, string(data))

	back, err := Decode(data)
	require.NoError(t, err)
	meta, err := back.AckMeta()
	require.NoError(t, err)
	assert.False(t, meta.OK)
	assert.Equal(t, ReasonStaleRev, meta.Reason)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"json":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Ready("s").WriteMeta()
	assert.Error(t, err)
}
