package rga

import (
	"encoding/json"

	"github.com/josedab/pocket-sub009/causal"
)

// The snapshot is the whole replicated state, tombstones included:
// enough to serialize a buffer and rebuild it elsewhere. Persistence
// itself belongs to the store layer, the buffer only produces and
// consumes bytes.

type cellState struct {
	Char      string           `json:"char"`
	ID        causal.OpID      `json:"id"`
	Anchor    causal.OpID      `json:"anchor"`
	Formats   Format           `json:"formats,omitempty"`
	Tombstone bool             `json:"tombstoned,omitempty"`
	Time      causal.Timestamp `json:"timestamp"`
	FmtTime   causal.Timestamp `json:"formatTime"`
	FmtOp     causal.OpID      `json:"formatOp"`
}

type bufferState struct {
	NodeID  string      `json:"nodeId"`
	Counter uint64      `json:"counter"`
	Cells   []cellState `json:"cells"`
}

func (buf *Buffer) Snapshot() ([]byte, error) {
	state := bufferState{
		NodeID:  buf.clock.NodeID(),
		Counter: buf.clock.Now().Counter,
		Cells:   make([]cellState, 0, len(buf.cells)),
	}
	for i := range buf.cells {
		c := &buf.cells[i]
		state.Cells = append(state.Cells, cellState{
			Char:      string(c.char),
			ID:        c.id,
			Anchor:    c.anchor,
			Formats:   c.formats.Copy(),
			Tombstone: c.tombstone,
			Time:      c.time,
			FmtTime:   c.fmtTime,
			FmtOp:     c.fmtOp,
		})
	}
	return json.Marshal(&state)
}

// FromSnapshot rebuilds a buffer from Snapshot output. The dedup
// window starts empty; replayed history is bounded by MaxHistory
// anyway, so the transport must not replay past that window after a
// restore.
func FromSnapshot(data []byte, opts Options) (*Buffer, error) {
	var state bufferState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	opts.NodeID = state.NodeID
	opts.InitialContent = ""
	buf, err := NewBuffer(opts)
	if err != nil {
		return nil, err
	}
	buf.clock.Receive(causal.Timestamp{Counter: state.Counter})
	buf.cells = make([]cell, 0, len(state.Cells))
	for _, cs := range state.Cells {
		r := []rune(cs.Char)
		if len(r) == 0 {
			continue
		}
		buf.cells = append(buf.cells, cell{
			char:      r[0],
			id:        cs.ID,
			anchor:    cs.Anchor,
			formats:   cs.Formats,
			tombstone: cs.Tombstone,
			time:      cs.Time,
			fmtTime:   cs.FmtTime,
			fmtOp:     cs.FmtOp,
		})
	}
	return buf, nil
}
