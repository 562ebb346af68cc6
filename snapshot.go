package pocket

import (
	"encoding/json"

	"github.com/josedab/pocket-sub009/causal"
)

// Snapshot state: everything needed to serialize a document and
// rebuild it elsewhere. Persistence belongs to the store layer, the
// document only produces and consumes bytes.
type documentState struct {
	ActorID string                `json:"actorId"`
	Counter uint64                `json:"counter"`
	Seq     uint64                `json:"seq"`
	Version uint64                `json:"version"`
	Value   map[string]any        `json:"value"`
	Changes []Change              `json:"changes"`
	Heads   causal.Heads          `json:"heads"`
	Writers map[string]fieldWrite `json:"writers"`
}

func (doc *Document) Snapshot() ([]byte, error) {
	state := documentState{
		ActorID: doc.ActorID(),
		Counter: doc.clock.Now().Counter,
		Seq:     doc.seq,
		Version: doc.version,
		Value:   doc.value,
		Changes: doc.changes,
		Heads:   doc.heads,
		Writers: doc.writers,
	}
	return json.Marshal(&state)
}

// FromSnapshot rebuilds a document from Snapshot output.
func FromSnapshot(data []byte, opts DocumentOptions) (*Document, error) {
	var state documentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	opts.ActorID = state.ActorID
	opts.Initial = nil
	doc := NewDocument(opts)
	doc.clock.Receive(causal.Timestamp{Counter: state.Counter})
	doc.seq = state.Seq
	doc.version = state.Version
	doc.value = state.Value
	doc.changes = state.Changes
	if state.Heads != nil {
		doc.heads = state.Heads
	}
	if state.Writers != nil {
		doc.writers = state.Writers
	}
	for i := range doc.changes {
		if doc.changes[i].Seq > doc.maxSeq[doc.changes[i].Actor] {
			doc.maxSeq[doc.changes[i].Actor] = doc.changes[i].Seq
		}
	}
	return doc, nil
}
