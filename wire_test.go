package pocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josedab/pocket-sub009/causal"
)

func TestChangeTLVRoundTrip(t *testing.T) {
	ch := Change{
		Actor: "actor-a",
		Seq:   7,
		Time:  causal.Timestamp{Counter: 42, NodeID: "actor-a"},
		Ops: []FieldOp{
			{Kind: FieldSet, Path: []string{"meta", "author"}, Value: "alice"},
			{Kind: FieldSet, Path: []string{"count"}, Value: float64(3)},
			{Kind: FieldRemove, Path: []string{"obsolete"}},
		},
	}
	rec, err := ch.TLV()
	require.NoError(t, err)

	back, err := ChangeFromTLV(rec)
	require.NoError(t, err)
	assert.Equal(t, &ch, back)
}

func TestSyncMessageTLVRoundTrip(t *testing.T) {
	msg := SyncMessage{
		Heads:    causal.Heads{"actor-a": 3, "actor-b": 1},
		SenderID: "actor-a",
		TargetID: "actor-b",
		Changes: []Change{{
			Actor: "actor-a", Seq: 3,
			Time: causal.Timestamp{Counter: 5, NodeID: "actor-a"},
			Ops:  []FieldOp{{Kind: FieldSet, Path: []string{"x"}, Value: true}},
		}},
	}
	rec, err := msg.TLV()
	require.NoError(t, err)

	back, err := SyncMessageFromTLV(rec)
	require.NoError(t, err)
	assert.Equal(t, &msg, back)
}

func TestSyncMessageTLVNoTarget(t *testing.T) {
	msg := SyncMessage{Heads: causal.Heads{"actor-a": 1}, SenderID: "actor-a"}
	rec, err := msg.TLV()
	require.NoError(t, err)
	back, err := SyncMessageFromTLV(rec)
	require.NoError(t, err)
	assert.Empty(t, back.TargetID)
	assert.Empty(t, back.Changes)
	assert.Equal(t, msg.Heads, back.Heads)
}

func TestBadWireRecords(t *testing.T) {
	_, err := ChangeFromTLV([]byte{})
	assert.ErrorIs(t, err, ErrBadCRecord)
	_, err = ChangeFromTLV([]byte("garbage"))
	assert.Error(t, err)
	_, err = SyncMessageFromTLV([]byte{})
	assert.ErrorIs(t, err, ErrBadMRecord)

	// a change record is not a sync message
	ch := Change{Actor: "a", Seq: 1, Time: causal.Timestamp{Counter: 1, NodeID: "a"}}
	rec, err := ch.TLV()
	require.NoError(t, err)
	_, err = SyncMessageFromTLV(rec)
	assert.Error(t, err)
}
