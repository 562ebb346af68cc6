package pocket

import (
	"encoding/json"
	"errors"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/josedab/pocket-sub009/causal"
)

// TLV forms for the storage and transport boundaries. Field paths
// and values travel as JSON since values are arbitrary JSON anyway.
//
//	C( A(actor) Q(seq) T( N(node) Q(counter) )
//	   F( K(kind) P(path-json) V(value-json) )* )
//	M( S(sender) D(target) H(heads...) C(change)* )

var ErrBadCRecord = errors.New("bad C record")
var ErrBadMRecord = errors.New("bad M record")

func (ch *Change) TLV() ([]byte, error) {
	body := toytlv.Concat(
		toytlv.Record('A', []byte(ch.Actor)),
		toytlv.Record('Q', causal.ZipUint64(ch.Seq)),
		toytlv.Record('T',
			toytlv.Record('N', []byte(ch.Time.NodeID)),
			toytlv.Record('Q', causal.ZipUint64(ch.Time.Counter)),
		),
	)
	for _, op := range ch.Ops {
		path, err := json.Marshal(op.Path)
		if err != nil {
			return nil, err
		}
		fop := toytlv.Concat(
			toytlv.TinyRecord('K', []byte{byte(op.Kind)}),
			toytlv.Record('P', path),
		)
		if op.Kind == FieldSet {
			value, err := json.Marshal(op.Value)
			if err != nil {
				return nil, err
			}
			fop = toytlv.Append(fop, 'V', value)
		}
		body = toytlv.Append(body, 'F', fop)
	}
	return toytlv.Record('C', body), nil
}

func ChangeFromTLV(rec []byte) (*Change, error) {
	body, rest := toytlv.Take('C', rec)
	if body == nil || len(rest) != 0 {
		return nil, ErrBadCRecord
	}
	return changeFromBody(body)
}

func changeFromBody(body []byte) (*Change, error) {
	actor, body := toytlv.Take('A', body)
	seq, body := toytlv.Take('Q', body)
	ts, body := toytlv.Take('T', body)
	if actor == nil || seq == nil || ts == nil {
		return nil, ErrBadCRecord
	}
	node, tsrest := toytlv.Take('N', ts)
	counter, tsrest := toytlv.Take('Q', tsrest)
	if node == nil || counter == nil || len(tsrest) != 0 {
		return nil, ErrBadCRecord
	}
	ch := &Change{
		Actor: string(actor),
		Seq:   causal.UnzipUint64(seq),
		Time:  causal.Timestamp{NodeID: string(node), Counter: causal.UnzipUint64(counter)},
	}
	for len(body) > 0 {
		fop, tail, err := toytlv.TakeWary('F', body)
		if err != nil {
			return nil, err
		}
		body = tail
		kind, fop := toytlv.Take('K', fop)
		path, fop := toytlv.Take('P', fop)
		if len(kind) != 1 || path == nil {
			return nil, ErrBadCRecord
		}
		op := FieldOp{Kind: FieldOpKind(kind[0])}
		switch op.Kind {
		case FieldSet, FieldRemove:
		default:
			return nil, ErrBadCRecord
		}
		if err := json.Unmarshal(path, &op.Path); err != nil {
			return nil, err
		}
		if value, _ := toytlv.Take('V', fop); value != nil {
			if err := json.Unmarshal(value, &op.Value); err != nil {
				return nil, err
			}
		}
		ch.Ops = append(ch.Ops, op)
	}
	return ch, nil
}

func (msg *SyncMessage) TLV() ([]byte, error) {
	body := toytlv.Concat(
		toytlv.Record('S', []byte(msg.SenderID)),
	)
	if msg.TargetID != "" {
		body = toytlv.Append(body, 'D', []byte(msg.TargetID))
	}
	body = append(body, msg.Heads.TLV()...)
	for i := range msg.Changes {
		ch, err := msg.Changes[i].TLV()
		if err != nil {
			return nil, err
		}
		body = append(body, ch...)
	}
	return toytlv.Record('M', body), nil
}

func SyncMessageFromTLV(rec []byte) (*SyncMessage, error) {
	body, rest := toytlv.Take('M', rec)
	if body == nil || len(rest) != 0 {
		return nil, ErrBadMRecord
	}
	sender, body := toytlv.Take('S', body)
	if sender == nil {
		return nil, ErrBadMRecord
	}
	msg := &SyncMessage{SenderID: string(sender), Heads: make(causal.Heads)}
	if target, tail := toytlv.Take('D', body); target != nil {
		msg.TargetID = string(target)
		body = tail
	}
	for len(body) > 0 {
		lit, rec, tail, err := toytlv.TakeAnyWary(body)
		if err != nil {
			return nil, err
		}
		body = tail
		switch lit {
		case 'H':
			if err := headEntry(msg.Heads, rec); err != nil {
				return nil, err
			}
		case 'C':
			ch, err := changeFromBody(rec)
			if err != nil {
				return nil, err
			}
			msg.Changes = append(msg.Changes, *ch)
		default:
			return nil, ErrBadMRecord
		}
	}
	return msg, nil
}

func headEntry(h causal.Heads, body []byte) error {
	return h.PutTLV(toytlv.Record('H', body))
}
