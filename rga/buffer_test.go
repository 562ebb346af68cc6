package rga

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josedab/pocket-sub009/causal"
)

func newBuffer(t *testing.T, node string) *Buffer {
	buf, err := NewBuffer(Options{NodeID: node})
	require.NoError(t, err)
	return buf
}

func TestInsertBasic(t *testing.T) {
	buf := newBuffer(t, "alice")
	buf.Insert(0, "Hello", nil)
	buf.Insert(5, " world", nil)
	assert.Equal(t, "Hello world", buf.Text())
	assert.Equal(t, 11, buf.Len())
}

func TestInitialContent(t *testing.T) {
	buf, err := NewBuffer(Options{NodeID: "alice", InitialContent: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hi", buf.Text())
}

func TestDelete(t *testing.T) {
	buf := newBuffer(t, "alice")
	buf.Insert(0, "Hello world", nil)
	buf.Delete(5, 6)
	assert.Equal(t, "Hello", buf.Text())
	// cells are tombstoned, not removed
	assert.Equal(t, 11, len(buf.cells))
}

func TestApplyRemoteIdempotent(t *testing.T) {
	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	op := alice.Insert(0, "Hi", nil)

	assert.True(t, bob.ApplyRemote(op))
	assert.False(t, bob.ApplyRemote(op)) // duplicate absorbed
	assert.Equal(t, "Hi", bob.Text())

	// the originator absorbs its own echo too
	assert.False(t, alice.ApplyRemote(op))
	assert.Equal(t, "Hi", alice.Text())
}

// Two replicas insert different text at the same visible index.
// Observers applying the ops in opposite orders must place them
// identically: same-anchor siblings order by descending (timestamp,
// id), not by arrival.
func TestSamePositionInsertConverges(t *testing.T) {
	seeder := newBuffer(t, "seed")
	seedOp := seeder.Insert(0, "base", nil)

	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	require.True(t, alice.ApplyRemote(seedOp))
	require.True(t, bob.ApplyRemote(seedOp))
	insX := alice.Insert(0, "X", nil)
	insY := bob.Insert(0, "Y", nil)

	one := newBuffer(t, "one")
	two := newBuffer(t, "two")
	require.True(t, one.ApplyRemote(seedOp))
	require.True(t, two.ApplyRemote(seedOp))
	require.True(t, one.ApplyRemote(insX))
	require.True(t, one.ApplyRemote(insY))
	require.True(t, two.ApplyRemote(insY))
	require.True(t, two.ApplyRemote(insX))
	assert.Equal(t, one.Text(), two.Text())
	assert.Len(t, one.Text(), 6)

	// the originators converge to the same text as the observers
	require.True(t, alice.ApplyRemote(insY))
	require.True(t, bob.ApplyRemote(insX))
	assert.Equal(t, one.Text(), alice.Text())
	assert.Equal(t, one.Text(), bob.Text())
}

// Replica A deletes a range while replica B formats it. Both orders
// must converge to the same visible text with no crash: delete wins
// visibility.
func TestConcurrentDeleteFormat(t *testing.T) {
	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	seed := alice.Insert(0, "Hi", nil)
	require.True(t, bob.ApplyRemote(seed))

	del := alice.Delete(0, 2)
	format := bob.Format(0, 2, Format{"bold": true})

	assert.True(t, alice.ApplyRemote(format))
	assert.True(t, bob.ApplyRemote(del))

	assert.Equal(t, "", alice.Text())
	assert.Equal(t, "", bob.Text())
	assert.Empty(t, alice.Spans())
}

// Two independent streams touching disjoint regions, delivered to
// two observers in random per-origin-ordered interleavings, converge
// to the same text.
func TestConvergenceUnderInterleaving(t *testing.T) {
	seeder := newBuffer(t, "seed")
	seedOp := seeder.Insert(0, "0123456789", nil)

	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	require.True(t, alice.ApplyRemote(seedOp))
	require.True(t, bob.ApplyRemote(seedOp))

	// alice edits the front, bob edits the back
	aliceOps := []*Operation{
		alice.Insert(0, "<<", nil),
		alice.Delete(2, 2),
		alice.Format(0, 2, Format{"bold": true}),
	}
	bobOps := []*Operation{
		bob.Insert(10, ">>", nil),
		bob.Delete(8, 2),
		bob.Format(8, 2, Format{"italic": true}),
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		x := newBuffer(t, "x")
		y := newBuffer(t, "y")
		require.True(t, x.ApplyRemote(seedOp))
		require.True(t, y.ApplyRemote(seedOp))
		applyInterleaved(t, x, aliceOps, bobOps, rng)
		applyInterleaved(t, y, aliceOps, bobOps, rng)
		assert.Equal(t, x.Text(), y.Text(), "trial %d", trial)
	}

	// the originals converge too once they cross-apply
	for _, op := range bobOps {
		alice.ApplyRemote(op)
	}
	for _, op := range aliceOps {
		bob.ApplyRemote(op)
	}
	assert.Equal(t, alice.Text(), bob.Text())
}

// applyInterleaved delivers two op streams in a random merge that
// preserves each stream's internal order.
func applyInterleaved(t *testing.T, buf *Buffer, a, b []*Operation, rng *rand.Rand) {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if i < len(a) && (j >= len(b) || rng.Intn(2) == 0) {
			assert.True(t, buf.ApplyRemote(a[i]))
			i++
		} else {
			assert.True(t, buf.ApplyRemote(b[j]))
			j++
		}
	}
}

// Deleting then re-inserting at the same visible index must not
// corrupt a concurrent op anchored at the neighbouring cells.
func TestTombstoneStability(t *testing.T) {
	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	seed := alice.Insert(0, "abcdef", nil)
	require.True(t, bob.ApplyRemote(seed))

	// bob formats the middle while alice churns the same region
	format := bob.Format(2, 2, Format{"bold": true})

	alice.Delete(2, 2)
	alice.Insert(2, "CD", nil)
	assert.Equal(t, "abCDef", alice.Text())

	assert.True(t, alice.ApplyRemote(format))
	assert.Equal(t, "abCDef", alice.Text())
	assert.Equal(t, 6, alice.Len())
}

func TestClampMalformedRanges(t *testing.T) {
	buf := newBuffer(t, "alice")
	buf.Insert(0, "abc", nil)

	// out-of-bounds and negative ranges clamp, never panic
	buf.Delete(10, 5)
	assert.Equal(t, "abc", buf.Text())
	buf.Delete(-1, 0)
	assert.Equal(t, "abc", buf.Text())
	buf.Insert(99, "!", nil)
	assert.Equal(t, "abc!", buf.Text())
	buf.Insert(-5, "?", nil)
	assert.Equal(t, "?abc!", buf.Text())
	buf.Format(2, 100, Format{"bold": true})
	assert.Equal(t, "?abc!", buf.Text())
}

// A stale delete arriving after local edits shrank the text removes
// exactly the characters it targeted at origin, not whatever now sits
// at those visible indexes.
func TestStaleRemoteDelete(t *testing.T) {
	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	seed := alice.Insert(0, "abcdef", nil)
	require.True(t, bob.ApplyRemote(seed))

	del := alice.Delete(0, 5) // "f"
	stale := bob.Delete(3, 3) // "abc", aimed at d..f
	assert.True(t, alice.ApplyRemote(stale))
	assert.True(t, bob.ApplyRemote(del))
	assert.Equal(t, "", alice.Text())
	assert.Equal(t, "", bob.Text())
}

func TestFormatLastWriterWins(t *testing.T) {
	alice := newBuffer(t, "alice")
	bob := newBuffer(t, "bob")
	seed := alice.Insert(0, "hey", nil)
	require.True(t, bob.ApplyRemote(seed))

	old := bob.Format(0, 3, Format{"color": "red"})
	require.True(t, alice.ApplyRemote(old))
	newer := alice.Format(0, 3, Format{"color": "blue"})

	require.True(t, bob.ApplyRemote(newer))
	// a replay of the older op changes nothing
	bob2, err := NewBuffer(Options{NodeID: "bob2"})
	require.NoError(t, err)
	require.True(t, bob2.ApplyRemote(seed))
	require.True(t, bob2.ApplyRemote(newer))
	require.True(t, bob2.ApplyRemote(old))

	want := []Span{{Start: 0, Text: "hey", Formats: Format{"color": "blue"}}}
	assert.Equal(t, want, bob.Spans())
	assert.Equal(t, want, bob2.Spans())
}

// A timestamp tie between distinct ops is a node id collision; it is
// logged and then broken on the op id so both orders still agree.
func TestFormatTieDeterministic(t *testing.T) {
	tie := causal.Timestamp{Counter: 100, NodeID: "x"}
	opA := &Operation{
		ID: causal.NewOpID("x", 100), Kind: OpUpdate, Time: tie,
		Origin: "x", Pos: 0, Length: 1, Formats: Format{"color": "red"},
	}
	opB := &Operation{
		ID: causal.NewOpID("y", 100), Kind: OpUpdate, Time: tie,
		Origin: "y", Pos: 0, Length: 1, Formats: Format{"color": "blue"},
	}

	seeder := newBuffer(t, "seed")
	seedOp := seeder.Insert(0, "a", nil)

	one := newBuffer(t, "one")
	two := newBuffer(t, "two")
	require.True(t, one.ApplyRemote(seedOp))
	require.True(t, two.ApplyRemote(seedOp))

	one.ApplyRemote(opA)
	one.ApplyRemote(opB)
	two.ApplyRemote(opB)
	two.ApplyRemote(opA)

	assert.Equal(t, one.Spans(), two.Spans())
}

func TestSpansCoalesce(t *testing.T) {
	buf := newBuffer(t, "alice")
	buf.Insert(0, "hello world", nil)
	buf.Format(0, 5, Format{"bold": true})

	spans := buf.Spans()
	assert.Equal(t, []Span{
		{Start: 0, Text: "hello", Formats: Format{"bold": true}},
		{Start: 5, Text: " world"},
	}, spans)

	buf.Format(5, 6, Format{"bold": true})
	spans = buf.Spans()
	assert.Equal(t, []Span{
		{Start: 0, Text: "hello world", Formats: Format{"bold": true}},
	}, spans)

	buf.RemoveFormat(0, 11, "bold")
	spans = buf.Spans()
	assert.Equal(t, []Span{{Start: 0, Text: "hello world"}}, spans)
}

func TestSnapshotRoundTrip(t *testing.T) {
	buf := newBuffer(t, "alice")
	buf.Insert(0, "hello", Format{"bold": true})
	buf.Delete(4, 1)

	data, err := buf.Snapshot()
	require.NoError(t, err)
	back, err := FromSnapshot(data, Options{})
	require.NoError(t, err)

	assert.Equal(t, buf.Text(), back.Text())
	assert.Equal(t, buf.NodeID(), back.NodeID())
	assert.Equal(t, len(buf.cells), len(back.cells))

	// the restored clock keeps ticking above the snapshot
	op := back.Insert(0, "!", nil)
	assert.Greater(t, op.Time.Counter, uint64(2))
}

func TestOperationTLV(t *testing.T) {
	buf := newBuffer(t, "alice")
	ins := buf.Insert(0, "héllo", Format{"bold": true})
	anchored := buf.Insert(2, "!", nil)
	del := buf.Delete(1, 2)

	for _, op := range []*Operation{ins, anchored, del} {
		tlv, err := op.TLV()
		require.NoError(t, err)
		back, err := OperationFromTLV(tlv)
		require.NoError(t, err)
		assert.Equal(t, op, back)
	}
	assert.Len(t, del.Targets, 2)
	assert.False(t, anchored.Ref.IsZero())

	_, err := OperationFromTLV([]byte("junk"))
	assert.Error(t, err)
}
