package pocket

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/josedab/pocket-sub009/causal"
)

// FieldOpKind is a closed set: a field is either set or removed.
type FieldOpKind uint8

const (
	FieldSet FieldOpKind = iota + 1
	FieldRemove
)

func (k FieldOpKind) String() string {
	switch k {
	case FieldSet:
		return "set"
	case FieldRemove:
		return "remove"
	}
	return fmt.Sprintf("fieldop(%d)", uint8(k))
}

func (k FieldOpKind) MarshalJSON() ([]byte, error) {
	switch k {
	case FieldSet, FieldRemove:
		return json.Marshal(k.String())
	}
	return nil, fmt.Errorf("unknown field op kind %d", uint8(k))
}

func (k *FieldOpKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "set":
		*k = FieldSet
	case "remove":
		*k = FieldRemove
	default:
		return fmt.Errorf("unknown field op kind %q", s)
	}
	return nil
}

// FieldOp is one field mutation within a change.
type FieldOp struct {
	Kind  FieldOpKind `json:"kind"`
	Path  []string    `json:"path"`
	Value any         `json:"value,omitempty"`
}

// Change is one atomic local mutation: the actor, the actor's own
// monotonic sequence number, and the field ops produced by diffing
// the draft against the previous value. Immutable once committed.
type Change struct {
	Actor string           `json:"actorId"`
	Seq   uint64           `json:"seq"`
	Time  causal.Timestamp `json:"timestamp"`
	Ops   []FieldOp        `json:"operations"`
}

func (ch *Change) ID() causal.ChangeID {
	return causal.ChangeID{Actor: ch.Actor, Seq: ch.Seq}
}

// SyncMessage carries the sender's frontier plus the changes the
// receiver is missing. A nil message means the receiver already
// dominates: nothing to send, not an error.
type SyncMessage struct {
	Heads    causal.Heads `json:"heads"`
	Changes  []Change     `json:"changes"`
	SenderID string       `json:"senderId"`
	TargetID string       `json:"targetId,omitempty"`
}

// MergeResult reports one ReceiveSyncMessage call.
type MergeResult struct {
	Success      bool            `json:"success"`
	AppliedCount int             `json:"appliedCount"`
	Conflicts    []MergeConflict `json:"conflicts,omitempty"`
}

// MergeConflict is a concurrent double-write to one field, detected
// by the document layer and handed to the resolver. ResolvedValue
// holds the last-writer-wins pick the document already made.
type MergeConflict struct {
	Path          []string `json:"path"`
	LocalValue    any      `json:"localValue"`
	RemoteValue   any      `json:"remoteValue"`
	ResolvedValue any      `json:"resolvedValue"`
	Winner        string   `json:"winner"` // "local" or "remote"
}

func pathKey(path []string) string {
	return strings.Join(path, ".")
}

// diffValues produces the op list that turns before into after.
// Nested maps recurse; anything else (arrays included) is replaced
// wholesale.
func diffValues(before, after map[string]any, path []string) (ops []FieldOp) {
	for k, bv := range before {
		if _, ok := after[k]; !ok {
			ops = append(ops, FieldOp{Kind: FieldRemove, Path: appendPath(path, k)})
			continue
		}
		av := after[k]
		bm, bIsMap := bv.(map[string]any)
		am, aIsMap := av.(map[string]any)
		if bIsMap && aIsMap {
			ops = append(ops, diffValues(bm, am, appendPath(path, k))...)
		} else if !reflect.DeepEqual(bv, av) {
			ops = append(ops, FieldOp{Kind: FieldSet, Path: appendPath(path, k), Value: deepCopyValue(av)})
		}
	}
	for k, av := range after {
		if _, ok := before[k]; !ok {
			ops = append(ops, FieldOp{Kind: FieldSet, Path: appendPath(path, k), Value: deepCopyValue(av)})
		}
	}
	return
}

func appendPath(path []string, k string) []string {
	ret := make([]string, 0, len(path)+1)
	ret = append(ret, path...)
	return append(ret, k)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	ret := make(map[string]any, len(m))
	for k, v := range m {
		ret[k] = deepCopyValue(v)
	}
	return ret
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		ret := make([]any, len(tv))
		for i, e := range tv {
			ret[i] = deepCopyValue(e)
		}
		return ret
	default:
		return v
	}
}

// valueAt walks the path; ok is false when any step is missing or
// not a map.
func valueAt(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, step := range path {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = cm[step]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setAt creates intermediate maps as needed; a non-map in the way is
// replaced (the remote writer wins the shape).
func setAt(m map[string]any, path []string, v any) {
	cur := m
	for _, step := range path[:len(path)-1] {
		next, ok := cur[step].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[step] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

func removeAt(m map[string]any, path []string) {
	cur := m
	for _, step := range path[:len(path)-1] {
		next, ok := cur[step].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, path[len(path)-1])
}
