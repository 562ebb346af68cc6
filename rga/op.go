package rga

import (
	"encoding/json"
	"fmt"

	"github.com/josedab/pocket-sub009/causal"
)

// Format is a set of per-character attributes, e.g.
// {"bold": true, "color": "red"}. A false value removes the
// attribute when applied as an update.
type Format map[string]any

func (f Format) Copy() Format {
	if len(f) == 0 {
		return nil
	}
	ret := make(Format, len(f))
	for k, v := range f {
		ret[k] = v
	}
	return ret
}

// OpKind is a closed set; anything else on the wire is rejected.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpUpdate
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	}
	return fmt.Sprintf("opkind(%d)", uint8(k))
}

func (k OpKind) MarshalJSON() ([]byte, error) {
	switch k {
	case OpInsert, OpDelete, OpUpdate:
		return json.Marshal(k.String())
	}
	return nil, fmt.Errorf("unknown op kind %d", uint8(k))
}

func (k *OpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "insert":
		*k = OpInsert
	case "delete":
		*k = OpDelete
	case "update":
		*k = OpUpdate
	default:
		return fmt.Errorf("unknown op kind %q", s)
	}
	return nil
}

// Operation is the wire-level unit of text replication. Immutable
// once created; replicas absorb duplicates by id. Positions are in
// visible (tombstone-free) coordinates as seen by the originator and
// are informational: remote application resolves inserts through Ref
// and ranges through Targets, which stay valid however far the
// receiver has diverged.
type Operation struct {
	ID      causal.OpID      `json:"id"`
	Kind    OpKind           `json:"type"`
	Time    causal.Timestamp `json:"timestamp"`
	Origin  string           `json:"origin"`
	Pos     int              `json:"position"`
	Text    string           `json:"content,omitempty"`
	Formats Format           `json:"formats,omitempty"`
	Length  int              `json:"length,omitempty"`

	// Ref anchors an insert: the id of the cell physically preceding
	// the insertion point at origin, zero for the document start.
	Ref causal.OpID `json:"ref"`
	// Targets are the exact cells a delete or format touched at
	// origin.
	Targets []causal.OpID `json:"targets,omitempty"`
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s @%d", op.Kind, op.ID, op.Pos)
}
