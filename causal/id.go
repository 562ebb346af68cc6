package causal

import (
	"errors"
	"strconv"
	"strings"
)

// OpID identifies one operation: the replica that produced it, the
// clock counter it was produced at, and an optional sub-index for
// operations that expand into several elements (one inserted
// character each). Globally unique as long as node ids are.
type OpID struct {
	Node    string `json:"node"`
	Counter uint64 `json:"counter"`
	Off     uint64 `json:"off,omitempty"`
}

var BadOpID = OpID{Node: "", Counter: ^uint64(0)}

var ErrBadID = errors.New("bad id syntax")

func NewOpID(node string, counter uint64) OpID {
	return OpID{Node: node, Counter: counter}
}

// ToOff returns the same operation id with the sub-index set.
func (id OpID) ToOff(off uint64) OpID {
	id.Off = off
	return id
}

// IsZero reports the zero id, used as the "no cell" anchor.
func (id OpID) IsZero() bool {
	return id == OpID{}
}

func (id OpID) Time() Timestamp {
	return Timestamp{Counter: id.Counter, NodeID: id.Node}
}

func (id OpID) Less(other OpID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	if id.Node != other.Node {
		return id.Node < other.Node
	}
	return id.Off < other.Off
}

// String renders "node@counter" or "node@counter:off".
func (id OpID) String() string {
	b := make([]byte, 0, len(id.Node)+16)
	b = append(b, id.Node...)
	b = append(b, '@')
	b = strconv.AppendUint(b, id.Counter, 10)
	if id.Off != 0 {
		b = append(b, ':')
		b = strconv.AppendUint(b, id.Off, 10)
	}
	return string(b)
}

func OpIDFromString(s string) (OpID, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return BadOpID, ErrBadID
	}
	node, rest := s[:at], s[at+1:]
	var off uint64
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		var err error
		off, err = strconv.ParseUint(rest[colon+1:], 10, 64)
		if err != nil {
			return BadOpID, ErrBadID
		}
		rest = rest[:colon]
	}
	counter, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return BadOpID, ErrBadID
	}
	return OpID{Node: node, Counter: counter, Off: off}, nil
}

// ChangeID identifies one atomic document change: the actor plus the
// actor's own change sequence number.
type ChangeID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

func (id ChangeID) String() string {
	return id.Actor + "@" + strconv.FormatUint(id.Seq, 10)
}

func (id ChangeID) Less(other ChangeID) bool {
	if id.Actor != other.Actor {
		return id.Actor < other.Actor
	}
	return id.Seq < other.Seq
}

func ChangeIDFromString(s string) (ChangeID, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return ChangeID{}, ErrBadID
	}
	seq, err := strconv.ParseUint(s[at+1:], 10, 64)
	if err != nil {
		return ChangeID{}, ErrBadID
	}
	return ChangeID{Actor: s[:at], Seq: seq}, nil
}
