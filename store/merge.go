package store

import (
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/josedab/pocket-sub009/causal"
)

// headsMerger folds concurrent writes to a heads key into their
// max-union. Merging is commutative, so newer and older operands get
// the same treatment.
type headsMerger struct {
	heads causal.Heads
}

func (m *headsMerger) merge(value []byte) error {
	other, err := causal.HeadsFromTLV(value)
	if err != nil {
		return err
	}
	m.heads.Merge(other)
	return nil
}

func (m *headsMerger) MergeNewer(value []byte) error {
	return m.merge(value)
}

func (m *headsMerger) MergeOlder(value []byte) error {
	return m.merge(value)
}

func (m *headsMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return m.heads.TLV(), nil, nil
}

func newHeadsMerger(key, value []byte) (pebble.ValueMerger, error) {
	m := &headsMerger{heads: make(causal.Heads)}
	if err := m.merge(value); err != nil {
		return nil, err
	}
	return m, nil
}

var merger = pebble.Merger{
	Name:  "pocket.heads",
	Merge: newHeadsMerger,
}
