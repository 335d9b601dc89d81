package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggydv12/superleaf/internal/wire"
)

func TestEncodeStampsType(t *testing.T) {
	data, err := wire.Encode(wire.Pull{NodeID: "L2", FileName: "a.txt", CachedVersion: 1, OriginNode: "L1"})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"PULL","node_id":"L2","file_name":"a.txt","cached_version":1,"origin_node":"L1"}`,
		string(data))
}

func TestDecodeQuery(t *testing.T) {
	raw := `{"type":"file_query","file_name":"a.txt","TTL":3,"message_id":"L2_a.txt","origin":"L2","super_node":"SP2"}`

	msg, err := wire.Decode([]byte(raw))
	require.NoError(t, err)

	q, ok := msg.(wire.FileQuery)
	require.True(t, ok)
	assert.Equal(t, 3, q.TTL)
	assert.Equal(t, "SP2", q.SuperNode)
	assert.Equal(t, wire.TypeFileQuery, q.MessageType())
}

func TestDecodeInvalidation(t *testing.T) {
	data, err := wire.Encode(wire.Invalidation{
		FileName:       "a.txt",
		Version:        2,
		MsgID:          wire.InvalidationID("L1", "a.txt", 2),
		OriginServerID: "L1",
	})
	require.NoError(t, err)

	msg, err := wire.Decode(data)
	require.NoError(t, err)
	inv := msg.(wire.Invalidation)
	assert.Equal(t, "L1_a.txt_2", inv.MsgID)
	assert.Equal(t, 2, inv.Version)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"missing type":    `{"file_name":"a.txt"}`,
		"unknown type":    `{"type":"GOSSIP"}`,
		"missing field":   `{"type":"CLEANUP","file_name":"a.txt"}`,
		"wrong kind":      `{"type":"file_query","file_name":"a.txt","TTL":"three","message_id":"x","origin":"L1"}`,
		"zero version":    `{"type":"INVALIDATION","file_name":"a.txt","msg_id":"m","origin_server_id":"L1"}`,
		"missing node id": `{"type":"register_files","files":["a.txt"]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := wire.Decode([]byte(raw))
			assert.ErrorIs(t, err, wire.ErrMalformed)
		})
	}
}

func TestMessageIDs(t *testing.T) {
	assert.Equal(t, "L2_a.txt", wire.QueryID("L2", "a.txt"))
	assert.Equal(t, "L1_a.txt_3", wire.InvalidationID("L1", "a.txt", 3))
}
