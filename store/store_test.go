package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pocket "github.com/josedab/pocket-sub009"
	"github.com/josedab/pocket-sub009/causal"
	"github.com/josedab/pocket-sub009/rga"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	doc := pocket.NewDocument(pocket.DocumentOptions{ActorID: "actor-a"})
	_, err := doc.Change(func(draft map[string]any) {
		draft["title"] = "doc"
		draft["score"] = 2.5
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveDocument("doc-1", doc))
	back, err := s.LoadDocument("doc-1", pocket.DocumentOptions{})
	require.NoError(t, err)
	assert.Equal(t, doc.ActorID(), back.ActorID())
	assert.Equal(t, doc.Value(), back.Value())
	assert.Equal(t, doc.Heads(), back.Heads())

	_, err = s.LoadDocument("no-such", pocket.DocumentOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBufferRoundTrip(t *testing.T) {
	s := openTestStore(t)
	buf, err := rga.NewBuffer(rga.Options{NodeID: "n1", InitialContent: "hello"})
	require.NoError(t, err)
	buf.Delete(0, 1)

	require.NoError(t, s.SaveBuffer("buf-1", buf))
	back, err := s.LoadBuffer("buf-1", rga.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ello", back.Text())
}

func TestHeadsMerge(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MergeHeads("doc-1", causal.Heads{"a": 3, "b": 1}))
	require.NoError(t, s.MergeHeads("doc-1", causal.Heads{"a": 2, "c": 5}))

	heads, err := s.LoadHeads("doc-1")
	require.NoError(t, err)
	assert.Equal(t, causal.Heads{"a": 3, "b": 1, "c": 5}, heads)

	// absent id reads as an empty frontier
	heads, err = s.LoadHeads("doc-2")
	require.NoError(t, err)
	assert.Empty(t, heads)
}

func TestChangeLog(t *testing.T) {
	s := openTestStore(t)
	doc := pocket.NewDocument(pocket.DocumentOptions{ActorID: "actor-a"})
	for _, title := range []string{"one", "two"} {
		ch, err := doc.Change(func(draft map[string]any) { draft["title"] = title })
		require.NoError(t, err)
		require.NoError(t, s.AppendChange("doc-1", ch))
	}
	// re-appending a change overwrites, never duplicates
	last := doc.Changes()[1]
	require.NoError(t, s.AppendChange("doc-1", &last))

	changes, err := s.LoadChanges("doc-1")
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(1), changes[0].Seq)
	assert.Equal(t, uint64(2), changes[1].Seq)

	changes, err = s.LoadChanges("doc-9")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestCorruptSnapshotDetected(t *testing.T) {
	s := openTestStore(t)
	doc := pocket.NewDocument(pocket.DocumentOptions{ActorID: "actor-a"})
	_, err := doc.Change(func(draft map[string]any) { draft["x"] = 1.0 })
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument("doc-1", doc))

	// flip one payload byte behind the checksum
	k := key(litDoc, "doc-1")
	value, closer, err := s.db.Get(k)
	require.NoError(t, err)
	tampered := append([]byte(nil), value...)
	_ = closer.Close()
	tampered[len(tampered)-1] ^= 0xff
	require.NoError(t, s.db.Set(k, tampered, s.wo))

	_, err = s.LoadDocument("doc-1", pocket.DocumentOptions{})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.MergeHeads("x", causal.Heads{"a": 1}), ErrClosed)
	_, err = s.LoadHeads("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}
