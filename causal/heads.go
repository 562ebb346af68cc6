package causal

import (
	"errors"
	"slices"

	"github.com/learn-decentralized-systems/toytlv"
)

// Heads is the causal frontier of a document: for every actor, the
// latest change sequence number known to be applied. With one writer
// per branch the per-actor maximum fully determines the frontier, so
// the set-of-change-ids view (IDs) and the vector view coincide.
type Heads map[string]uint64

func (h Heads) Get(actor string) uint64 {
	return h[actor]
}

// Put records the seq for the actor, returns whether it was unseen
// (i.e. made any difference).
func (h Heads) Put(actor string, seq uint64) bool {
	pre, ok := h[actor]
	if ok && pre >= seq {
		return false
	}
	h[actor] = seq
	return true
}

func (h Heads) PutID(id ChangeID) bool {
	return h.Put(id.Actor, id.Seq)
}

// Seen tells whether every entry of b is already covered by h.
func (h Heads) Seen(b Heads) bool {
	for actor, seq := range b {
		if seq > h[actor] {
			return false
		}
	}
	return true
}

// ProgressedOver tells whether h has anything b does not.
func (h Heads) ProgressedOver(b Heads) bool {
	for actor, seq := range h {
		bseq, ok := b[actor]
		if !ok || seq > bseq {
			return true
		}
	}
	return false
}

// Merge folds b into h, keeping the maximum per actor.
func (h Heads) Merge(b Heads) {
	for actor, seq := range b {
		h.Put(actor, seq)
	}
}

func (h Heads) Copy() Heads {
	ret := make(Heads, len(h))
	for actor, seq := range h {
		ret[actor] = seq
	}
	return ret
}

// IDs is the frontier as a sorted set of change ids.
func (h Heads) IDs() (ids []ChangeID) {
	for actor, seq := range h {
		ids = append(ids, ChangeID{Actor: actor, Seq: seq})
	}
	slices.SortFunc(ids, func(a, b ChangeID) int {
		if a.Less(b) {
			return -1
		} else if b.Less(a) {
			return 1
		}
		return 0
	})
	return
}

func (h Heads) String() string {
	ids := h.IDs()
	ret := make([]byte, 0, len(ids)*24)
	for i, id := range ids {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, id.String()...)
	}
	return string(ret)
}

func HeadsFromString(s string) (Heads, error) {
	h := make(Heads)
	if s == "" {
		return h, nil
	}
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ',' {
			continue
		}
		id, err := ChangeIDFromString(s[start:i])
		if err != nil {
			return nil, err
		}
		h.PutID(id)
		start = i + 1
	}
	return h, nil
}

var ErrBadHRecord = errors.New("bad H record")

// TLV renders the frontier as a sequence of H records, sorted, nil
// for empty.
func (h Heads) TLV() (ret []byte) {
	for _, id := range h.IDs() {
		ret = toytlv.Append(ret, 'H',
			toytlv.Record('A', []byte(id.Actor)),
			toytlv.Record('Q', ZipUint64(id.Seq)),
		)
	}
	return
}

// PutTLV consumes a sequence of H records.
func (h Heads) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var body []byte
		body, rest, err = toytlv.TakeWary('H', rest)
		if err != nil {
			return
		}
		actor, tail := toytlv.Take('A', body)
		seq, tail := toytlv.Take('Q', tail)
		if actor == nil || seq == nil || len(tail) != 0 {
			return ErrBadHRecord
		}
		h.Put(string(actor), UnzipUint64(seq))
	}
	return
}

func HeadsFromTLV(tlv []byte) (Heads, error) {
	h := make(Heads)
	err := h.PutTLV(tlv)
	return h, err
}
