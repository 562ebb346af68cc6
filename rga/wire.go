package rga

import (
	"encoding/json"
	"errors"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/josedab/pocket-sub009/causal"
)

// TLV form of an operation, for the store and the op outbox. The
// envelope is an O record; attribute maps travel as JSON since their
// values are arbitrary JSON anyway.
//
//	O( I(id) K(kind) T( N(node) Q(counter) ) G(origin)
//	   P(position) L(length) [R(ref)] [S(content)] [F(formats-json)]
//	   E(target)* )

var ErrBadORecord = errors.New("bad O record")

func (op *Operation) TLV() ([]byte, error) {
	body := toytlv.Concat(
		toytlv.Record('I', []byte(op.ID.String())),
		toytlv.TinyRecord('K', []byte{byte(op.Kind)}),
		toytlv.Record('T',
			toytlv.Record('N', []byte(op.Time.NodeID)),
			toytlv.Record('Q', causal.ZipUint64(op.Time.Counter)),
		),
		toytlv.Record('G', []byte(op.Origin)),
		toytlv.Record('P', causal.ZipUint64(uint64(op.Pos))),
		toytlv.Record('L', causal.ZipUint64(uint64(op.Length))),
	)
	if !op.Ref.IsZero() {
		body = toytlv.Append(body, 'R', []byte(op.Ref.String()))
	}
	if op.Text != "" {
		body = toytlv.Append(body, 'S', []byte(op.Text))
	}
	if len(op.Formats) > 0 {
		formats, err := json.Marshal(op.Formats)
		if err != nil {
			return nil, err
		}
		body = toytlv.Append(body, 'F', formats)
	}
	for _, target := range op.Targets {
		body = toytlv.Append(body, 'E', []byte(target.String()))
	}
	return toytlv.Record('O', body), nil
}

func OperationFromTLV(rec []byte) (*Operation, error) {
	body, rest := toytlv.Take('O', rec)
	if body == nil || len(rest) != 0 {
		return nil, ErrBadORecord
	}
	id, body := toytlv.Take('I', body)
	kind, body := toytlv.Take('K', body)
	ts, body := toytlv.Take('T', body)
	origin, body := toytlv.Take('G', body)
	pos, body := toytlv.Take('P', body)
	length, body := toytlv.Take('L', body)
	if id == nil || len(kind) != 1 || ts == nil || origin == nil || pos == nil || length == nil {
		return nil, ErrBadORecord
	}
	node, tsrest := toytlv.Take('N', ts)
	counter, tsrest := toytlv.Take('Q', tsrest)
	if node == nil || counter == nil || len(tsrest) != 0 {
		return nil, ErrBadORecord
	}
	opID, err := causal.OpIDFromString(string(id))
	if err != nil {
		return nil, err
	}
	op := &Operation{
		ID:     opID,
		Kind:   OpKind(kind[0]),
		Time:   causal.Timestamp{NodeID: string(node), Counter: causal.UnzipUint64(counter)},
		Origin: string(origin),
		Pos:    int(causal.UnzipUint64(pos)),
		Length: int(causal.UnzipUint64(length)),
	}
	switch op.Kind {
	case OpInsert, OpDelete, OpUpdate:
	default:
		return nil, ErrBadORecord
	}
	if ref, tail := toytlv.Take('R', body); ref != nil {
		if op.Ref, err = causal.OpIDFromString(string(ref)); err != nil {
			return nil, err
		}
		body = tail
	}
	if text, tail := toytlv.Take('S', body); text != nil {
		op.Text = string(text)
		body = tail
	}
	if formats, tail := toytlv.Take('F', body); formats != nil {
		if err := json.Unmarshal(formats, &op.Formats); err != nil {
			return nil, err
		}
		body = tail
	}
	for len(body) > 0 {
		target, tail, err := toytlv.TakeWary('E', body)
		if err != nil {
			return nil, err
		}
		id, err := causal.OpIDFromString(string(target))
		if err != nil {
			return nil, err
		}
		op.Targets = append(op.Targets, id)
		body = tail
	}
	return op, nil
}
