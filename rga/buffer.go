package rga

import (
	"log/slog"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/josedab/pocket-sub009/causal"
	"github.com/josedab/pocket-sub009/utils"
)

const DefaultMaxHistory = 1000

type Options struct {
	// NodeID must be unique and stable per replica; empty gets a
	// fresh UUIDv7.
	NodeID         string
	InitialContent string
	// MaxHistory bounds the applied-operation dedup window.
	MaxHistory int
	Logger     utils.Logger
}

func (o *Options) SetDefaults() {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// cell is one character slot of the replicated array. Cells are
// never removed, only tombstoned, so that concurrent operations
// anchored at neighbouring cells stay well-defined. anchor is the id
// of the cell this one was inserted after, zero for the document
// start; cells sharing an anchor are siblings ordered by descending
// insertion (timestamp, id).
type cell struct {
	char      rune
	id        causal.OpID
	anchor    causal.OpID
	formats   Format
	tombstone bool
	time      causal.Timestamp

	// last format writer, for the per-cell last-writer rule
	fmtTime causal.Timestamp
	fmtOp   causal.OpID
}

// Buffer is a Replicated Growable Array over rich-text characters.
// One logical owner per instance; all calls are synchronous and
// non-blocking, the buffer never does I/O.
type Buffer struct {
	clock   *causal.Clock
	cells   []cell
	applied *lru.Cache[string, struct{}]
	log     utils.Logger
}

func NewBuffer(opts Options) (*Buffer, error) {
	opts.SetDefaults()
	applied, err := lru.New[string, struct{}](opts.MaxHistory)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{
		clock:   causal.NewClock(opts.NodeID),
		applied: applied,
		log:     opts.Logger,
	}
	if opts.InitialContent != "" {
		buf.Insert(0, opts.InitialContent, nil)
	}
	return buf, nil
}

func (buf *Buffer) NodeID() string {
	return buf.clock.NodeID()
}

// Len is the visible length, tombstones excluded.
func (buf *Buffer) Len() (n int) {
	for i := range buf.cells {
		if !buf.cells[i].tombstone {
			n++
		}
	}
	return
}

// Text is the visible string.
func (buf *Buffer) Text() string {
	var sb strings.Builder
	for i := range buf.cells {
		if !buf.cells[i].tombstone {
			sb.WriteRune(buf.cells[i].char)
		}
	}
	return sb.String()
}

// physIndex translates a visible index to the physical index of the
// cell holding the pos-th visible character; pos == visible length
// maps to len(cells).
func (buf *Buffer) physIndex(pos int) int {
	seen := 0
	for i := range buf.cells {
		if buf.cells[i].tombstone {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return len(buf.cells)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Insert creates and locally applies an insert operation at the
// visible index, one cell per character. The operation is anchored to
// the id of the cell physically preceding the insertion point, so
// remote replicas place it identically whatever else happened around
// it. The returned operation is what goes out to the other replicas.
func (buf *Buffer) Insert(pos int, text string, formats Format) *Operation {
	ts := buf.clock.Tick()
	pos = clamp(pos, 0, buf.Len())
	var ref causal.OpID
	if at := buf.physIndex(pos); at > 0 {
		ref = buf.cells[at-1].id
	}
	op := &Operation{
		ID:      causal.NewOpID(buf.clock.NodeID(), ts.Counter),
		Kind:    OpInsert,
		Time:    ts,
		Origin:  buf.clock.NodeID(),
		Pos:     pos,
		Ref:     ref,
		Text:    text,
		Formats: formats.Copy(),
	}
	buf.applyInsert(op)
	buf.applied.Add(op.ID.String(), struct{}{})
	return op
}

// Delete tombstones length visible characters starting at pos. The
// operation records the ids of the cells it tombstoned, so remote
// replicas delete exactly those characters even when their visible
// indexes have shifted.
func (buf *Buffer) Delete(pos, length int) *Operation {
	ts := buf.clock.Tick()
	op := &Operation{
		ID:      causal.NewOpID(buf.clock.NodeID(), ts.Counter),
		Kind:    OpDelete,
		Time:    ts,
		Origin:  buf.clock.NodeID(),
		Pos:     pos,
		Length:  length,
		Targets: buf.targetIDs(pos, length),
	}
	buf.applyDelete(op)
	buf.applied.Add(op.ID.String(), struct{}{})
	return op
}

// Format merges the given attributes into every visible character of
// the range. An attribute with value false removes that attribute.
// Targets are captured like Delete's.
func (buf *Buffer) Format(pos, length int, formats Format) *Operation {
	ts := buf.clock.Tick()
	op := &Operation{
		ID:      causal.NewOpID(buf.clock.NodeID(), ts.Counter),
		Kind:    OpUpdate,
		Time:    ts,
		Origin:  buf.clock.NodeID(),
		Pos:     pos,
		Length:  length,
		Formats: formats.Copy(),
		Targets: buf.targetIDs(pos, length),
	}
	buf.applyUpdate(op)
	buf.applied.Add(op.ID.String(), struct{}{})
	return op
}

// targetIDs snapshots the ids of up to length visible cells starting
// at pos, both clamped.
func (buf *Buffer) targetIDs(pos, length int) []causal.OpID {
	pos = clamp(pos, 0, buf.Len())
	if length <= 0 {
		return nil
	}
	var ids []causal.OpID
	for i := buf.physIndex(pos); i < len(buf.cells) && len(ids) < length; i++ {
		if !buf.cells[i].tombstone {
			ids = append(ids, buf.cells[i].id)
		}
	}
	return ids
}

// RemoveFormat drops one attribute type from the range.
func (buf *Buffer) RemoveFormat(pos, length int, formatType string) *Operation {
	return buf.Format(pos, length, Format{formatType: false})
}

// ApplyRemote applies an operation produced elsewhere. Returns false
// for duplicates (and malformed kinds), which are absorbed, not
// errors. Idempotent: at-least-once delivery is safe.
func (buf *Buffer) ApplyRemote(op *Operation) bool {
	if op == nil {
		return false
	}
	key := op.ID.String()
	if buf.applied.Contains(key) {
		return false
	}
	buf.clock.Receive(op.Time)
	switch op.Kind {
	case OpInsert:
		buf.applyInsert(op)
	case OpDelete:
		buf.applyDelete(op)
	case OpUpdate:
		buf.applyUpdate(op)
	default:
		buf.log.Error("rga: unknown op kind", "op", key, "kind", uint8(op.Kind))
		return false
	}
	buf.applied.Add(key, struct{}{})
	return true
}

// applyInsert places the new cells right after the anchor cell, past
// any concurrent sibling that wins the insertion order. The anchor
// never goes away (tombstones are kept), so replicas that apply the
// same set of inserts in any order end up with the same placement.
// Within a multi-character op each cell anchors to the previous one,
// keeping later inserts into the middle of the run well-defined.
func (buf *Buffer) applyInsert(op *Operation) {
	at := buf.anchorIndex(op)
	runes := []rune(op.Text)
	cells := make([]cell, len(runes))
	anchor := op.Ref
	for i, r := range runes {
		cells[i] = cell{
			char:    r,
			id:      op.ID.ToOff(uint64(i)),
			anchor:  anchor,
			formats: op.Formats.Copy(),
			time:    op.Time,
			fmtTime: op.Time,
			fmtOp:   op.ID,
		}
		anchor = cells[i].id
	}
	buf.cells = slices.Insert(buf.cells, at, cells...)
}

// anchorIndex resolves where op's first cell lands: directly after
// the anchor, stepping past every sibling insert (same anchor) of
// higher (timestamp, id) order together with the cells anchored
// inside it. Newest sibling first, so every replica linearizes the
// sibling set identically.
func (buf *Buffer) anchorIndex(op *Operation) int {
	idx := 0
	if !op.Ref.IsZero() {
		a := buf.findCell(op.Ref)
		if a < 0 {
			// the anchor has not arrived here yet; fall back to the
			// originator's visible index
			buf.log.Debug("rga: insert anchor missing",
				"op", op.ID.String(), "ref", op.Ref.String())
			return buf.physIndex(clamp(op.Pos, 0, buf.Len()))
		}
		idx = a + 1
	}
	for idx < len(buf.cells) {
		c := &buf.cells[idx]
		if c.anchor != op.Ref {
			break
		}
		if c.time.Less(op.Time) || (c.time.Equal(op.Time) && c.id.Less(op.ID)) {
			break // the sibling is older, we go before it
		}
		// the sibling wins: skip it and its whole subtree
		sub := map[causal.OpID]struct{}{c.id: {}}
		idx++
		for idx < len(buf.cells) {
			if _, ok := sub[buf.cells[idx].anchor]; !ok {
				break
			}
			sub[buf.cells[idx].id] = struct{}{}
			idx++
		}
	}
	return idx
}

// findCell returns the physical index of the cell with the given id,
// -1 when absent.
func (buf *Buffer) findCell(id causal.OpID) int {
	for i := range buf.cells {
		if buf.cells[i].id == id {
			return i
		}
	}
	return -1
}

// applyDelete tombstones the op's target cells by id. Already-dead
// and never-seen cells are skipped, so replaying or racing deletes
// converges. Ops without targets fall back to the originator's
// visible range, clamped, never rejected.
func (buf *Buffer) applyDelete(op *Operation) {
	if len(op.Targets) > 0 {
		for _, id := range op.Targets {
			if i := buf.findCell(id); i >= 0 {
				buf.cells[i].tombstone = true
			}
		}
		return
	}
	pos := clamp(op.Pos, 0, buf.Len())
	remaining := op.Length
	if remaining <= 0 {
		return
	}
	for i := buf.physIndex(pos); i < len(buf.cells) && remaining > 0; i++ {
		if buf.cells[i].tombstone {
			continue
		}
		buf.cells[i].tombstone = true
		remaining--
	}
}

// applyUpdate rewrites the attributes of the op's target cells,
// falling back to the originator's visible range for ops without
// targets. Tombstoned targets still take the update: invisible now,
// correct if a later op resurrects the comparison.
func (buf *Buffer) applyUpdate(op *Operation) {
	if len(op.Targets) > 0 {
		for _, id := range op.Targets {
			if i := buf.findCell(id); i >= 0 {
				buf.formatCell(&buf.cells[i], op)
			}
		}
		return
	}
	pos := clamp(op.Pos, 0, buf.Len())
	remaining := op.Length
	if remaining <= 0 {
		return
	}
	for i := buf.physIndex(pos); i < len(buf.cells) && remaining > 0; i++ {
		if buf.cells[i].tombstone {
			continue
		}
		remaining--
		buf.formatCell(&buf.cells[i], op)
	}
}

// formatCell is the per-cell last-writer rule: the later Lamport
// timestamp wins. A timestamp tie between two distinct operations
// cannot happen with unique node ids, so it is surfaced as an
// invariant violation and then broken deterministically on the op id.
func (buf *Buffer) formatCell(c *cell, op *Operation) {
	if op.Time.Equal(c.fmtTime) && op.ID != c.fmtOp {
		buf.log.Error("rga: format timestamp tie, duplicate node id?",
			"op", op.ID.String(), "cell", c.id.String(), "prev", c.fmtOp.String())
		if !c.fmtOp.Less(op.ID) {
			return
		}
	} else if !c.fmtTime.Less(op.Time) {
		return
	}
	if c.formats == nil {
		c.formats = make(Format, len(op.Formats))
	}
	for k, v := range op.Formats {
		if b, ok := v.(bool); ok && !b {
			delete(c.formats, k)
		} else {
			c.formats[k] = v
		}
	}
	if len(c.formats) == 0 {
		c.formats = nil
	}
	c.fmtTime = op.Time
	c.fmtOp = op.ID
}
