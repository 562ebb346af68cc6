package pocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGenerateUntilSynced(t *testing.T) {
	doc := NewDocument(DocumentOptions{ActorID: "actor-a"})
	_, err := doc.Change(func(draft map[string]any) { draft["x"] = 1 })
	require.NoError(t, err)

	s := NewSession(doc, SessionOptions{})
	s.AddPeer("p1")
	s.AddPeer("p2")
	assert.ElementsMatch(t, []string{"p1", "p2"}, s.Peers())
	assert.False(t, s.IsFullySynced())

	msg, err := s.GenerateMessage("p1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "p1", msg.TargetID)
	assert.Len(t, msg.Changes, 1)

	// the delta is out; p1 has nothing more coming
	msg, err = s.GenerateMessage("p1")
	require.NoError(t, err)
	assert.Nil(t, msg)
	p1, ok := s.PeerState("p1")
	require.True(t, ok)
	assert.False(t, p1.HasPendingChanges)
	assert.Equal(t, uint64(1), p1.SyncCount)

	assert.False(t, s.IsFullySynced()) // p2 still behind
	_, err = s.GenerateMessage("p2")
	require.NoError(t, err)
	msg, err = s.GenerateMessage("p2")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.True(t, s.IsFullySynced())
}

func TestSessionUnknownPeer(t *testing.T) {
	s := NewSession(NewDocument(DocumentOptions{ActorID: "actor-a"}), SessionOptions{})
	_, err := s.GenerateMessage("nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSessionLocalChangeInvalidatesPeers(t *testing.T) {
	doc := NewDocument(DocumentOptions{ActorID: "actor-a"})
	s := NewSession(doc, SessionOptions{})
	s.AddPeer("p1")
	_, err := s.GenerateMessage("p1") // nothing yet, p1 marked synced
	require.NoError(t, err)
	assert.True(t, s.IsFullySynced())

	_, err = doc.Change(func(draft map[string]any) { draft["x"] = 1 })
	require.NoError(t, err)
	assert.False(t, s.IsFullySynced())
}

func TestSessionReceiveTracksSender(t *testing.T) {
	a := NewDocument(DocumentOptions{ActorID: "actor-a"})
	b := NewDocument(DocumentOptions{ActorID: "actor-b"})
	_, err := b.Change(func(draft map[string]any) { draft["from"] = "b" })
	require.NoError(t, err)

	sa := NewSession(a, SessionOptions{})
	sa.AddPeer("p-other")

	res := sa.ReceiveMessage(b.GenerateSyncMessage(a.Heads()))
	assert.Equal(t, 1, res.AppliedCount)
	assert.Equal(t, "b", a.Value()["from"])

	// the sender was auto-registered and is already covered by us
	bs, ok := sa.PeerState("actor-b")
	require.True(t, ok)
	assert.False(t, bs.HasPendingChanges)
	assert.False(t, bs.LastSyncAt.IsZero())

	// the other peer has not seen b's change yet
	other, ok := sa.PeerState("p-other")
	require.True(t, ok)
	assert.True(t, other.HasPendingChanges)
}

func TestSessionPairConvergence(t *testing.T) {
	a := NewDocument(DocumentOptions{ActorID: "actor-a"})
	b := NewDocument(DocumentOptions{ActorID: "actor-b"})
	_, err := a.Change(func(draft map[string]any) { draft["a"] = 1 })
	require.NoError(t, err)
	_, err = b.Change(func(draft map[string]any) { draft["b"] = 2 })
	require.NoError(t, err)

	sa := NewSession(a, SessionOptions{})
	sb := NewSession(b, SessionOptions{})
	sa.AddPeer("actor-b")
	sb.AddPeer("actor-a")

	// pump messages both ways until neither side has anything left
	for i := 0; i < 10; i++ {
		msg, err := sa.GenerateMessage("actor-b")
		require.NoError(t, err)
		if msg != nil {
			sb.ReceiveMessage(msg)
		}
		msg, err = sb.GenerateMessage("actor-a")
		require.NoError(t, err)
		if msg != nil {
			sa.ReceiveMessage(msg)
		}
		if sa.IsFullySynced() && sb.IsFullySynced() {
			break
		}
	}
	assert.True(t, sa.IsFullySynced())
	assert.True(t, sb.IsFullySynced())
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, a.Value())
	assert.Equal(t, a.Value(), b.Value())
}

func TestSessionOutboxFeedsChangeRecords(t *testing.T) {
	doc := NewDocument(DocumentOptions{ActorID: "actor-a"})
	s := NewSession(doc, SessionOptions{})
	ch, err := doc.Change(func(draft map[string]any) { draft["x"] = 1 })
	require.NoError(t, err)

	recs, err := s.Outbox().Feed()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	decoded, err := ChangeFromTLV(recs[0])
	require.NoError(t, err)
	assert.Equal(t, ch.ID(), decoded.ID())
}

// Changes applied from a peer's sync message must not re-enter the
// outbox; only local authorship is broadcast.
func TestSessionOutboxLocalOnly(t *testing.T) {
	a := NewDocument(DocumentOptions{ActorID: "actor-a"})
	b := NewDocument(DocumentOptions{ActorID: "actor-b"})
	_, err := b.Change(func(draft map[string]any) { draft["from"] = "b" })
	require.NoError(t, err)

	s := NewSession(a, SessionOptions{})
	res := s.ReceiveMessage(b.GenerateSyncMessage(a.Heads()))
	require.Equal(t, 1, res.AppliedCount)

	ch, err := a.Change(func(draft map[string]any) { draft["from"] = "a" })
	require.NoError(t, err)

	recs, err := s.Outbox().Feed()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	decoded, err := ChangeFromTLV(recs[0])
	require.NoError(t, err)
	assert.Equal(t, ch.ID(), decoded.ID())
	assert.Equal(t, "actor-a", decoded.Actor)
}

func TestSessionDestroy(t *testing.T) {
	doc := NewDocument(DocumentOptions{ActorID: "actor-a"})
	s := NewSession(doc, SessionOptions{})
	s.AddPeer("p1")
	s.Destroy()

	_, err := s.GenerateMessage("p1")
	assert.ErrorIs(t, err, ErrSessionDestroyed)
	assert.Empty(t, s.Peers())
	res := s.ReceiveMessage(&SyncMessage{SenderID: "p1"})
	assert.False(t, res.Success)
}
