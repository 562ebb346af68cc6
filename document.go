package pocket

import (
	"errors"
	"log/slog"
	"reflect"

	"github.com/josedab/pocket-sub009/causal"
	"github.com/josedab/pocket-sub009/utils"
)

var ErrDocumentDestroyed = errors.New("document destroyed")

// CommitHook observes every change the document applies, local and
// remote. Hooks run synchronously inside the applying call.
type CommitHook func(*Change)

type DocumentOptions struct {
	// ActorID must be unique and stable per replica; empty gets a
	// fresh UUIDv7 via the clock.
	ActorID  string
	Initial  map[string]any
	Resolver *MergeResolver
	Logger   utils.Logger
}

func (o *DocumentOptions) SetDefaults() {
	if o.Resolver == nil {
		o.Resolver = NewMergeResolver(ResolverOptions{})
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type fieldWrite struct {
	Time  causal.Timestamp `json:"timestamp"`
	Actor string           `json:"actor"`
	Seq   uint64           `json:"seq"`
}

// Document wraps a JSON-ish value with an append-only change log and
// a causal frontier. One logical owner per instance; every public
// call is synchronous, the document never does I/O.
type Document struct {
	clock    *causal.Clock
	value    map[string]any
	seq      uint64
	version  uint64 // count of applied changes, local and remote
	changes  []Change
	heads    causal.Heads
	maxSeq   map[string]uint64
	writers  map[string]fieldWrite
	resolver *MergeResolver
	log      utils.Logger
	hooks    []CommitHook

	// per-actor parking lot for out-of-order changes
	pendingSeqs    map[string]*utils.Heap[uint64]
	pendingChanges map[string]Change

	destroyed bool
}

func NewDocument(opts DocumentOptions) *Document {
	opts.SetDefaults()
	return &Document{
		clock:          causal.NewClock(opts.ActorID),
		value:          deepCopyMap(opts.Initial),
		heads:          make(causal.Heads),
		maxSeq:         make(map[string]uint64),
		writers:        make(map[string]fieldWrite),
		resolver:       opts.Resolver,
		log:            opts.Logger,
		pendingSeqs:    make(map[string]*utils.Heap[uint64]),
		pendingChanges: make(map[string]Change),
	}
}

func (doc *Document) ActorID() string {
	return doc.clock.NodeID()
}

// Value is a deep copy of the current document value.
func (doc *Document) Value() map[string]any {
	return deepCopyMap(doc.value)
}

// Heads is a copy of the causal frontier.
func (doc *Document) Heads() causal.Heads {
	return doc.heads.Copy()
}

// Version counts the changes applied so far, local and remote.
func (doc *Document) Version() uint64 {
	return doc.version
}

func (doc *Document) Changes() []Change {
	return append([]Change(nil), doc.changes...)
}

func (doc *Document) Destroyed() bool {
	return doc.destroyed
}

// OnCommit registers a hook for applied changes.
func (doc *Document) OnCommit(hook CommitHook) {
	doc.hooks = append(doc.hooks, hook)
}

// Change runs the mutator on a draft copy of the value, diffs the
// draft against the current value and commits the result as one
// atomic change. Returns nil when the mutator changed nothing.
func (doc *Document) Change(fn func(draft map[string]any)) (*Change, error) {
	if doc.destroyed {
		return nil, ErrDocumentDestroyed
	}
	draft := deepCopyMap(doc.value)
	if draft == nil {
		draft = make(map[string]any)
	}
	fn(draft)
	ops := diffValues(doc.value, draft, nil)
	if len(ops) == 0 {
		return nil, nil
	}
	doc.seq++
	ch := Change{
		Actor: doc.ActorID(),
		Seq:   doc.seq,
		Time:  doc.clock.Tick(),
		Ops:   ops,
	}
	doc.value = draft
	for i := range ops {
		if ops[i].Kind == FieldSet {
			doc.writers[pathKey(ops[i].Path)] = fieldWrite{Time: ch.Time, Actor: ch.Actor, Seq: ch.Seq}
		}
	}
	doc.commit(ch)
	return &ch, nil
}

// commit is the shared tail of a local or remote apply: log, heads,
// counters, hooks.
func (doc *Document) commit(ch Change) {
	doc.changes = append(doc.changes, ch)
	doc.heads.PutID(ch.ID())
	doc.maxSeq[ch.Actor] = ch.Seq
	doc.version++
	for _, hook := range doc.hooks {
		hook(&ch)
	}
}

// GenerateSyncMessage collects the local changes the remote frontier
// does not cover. Nil when the peer already dominates: nothing to
// send, not an error.
func (doc *Document) GenerateSyncMessage(remoteHeads causal.Heads) *SyncMessage {
	if doc.destroyed {
		return nil
	}
	var missing []Change
	for i := range doc.changes {
		if doc.changes[i].Seq > remoteHeads.Get(doc.changes[i].Actor) {
			missing = append(missing, doc.changes[i])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &SyncMessage{
		Heads:    doc.Heads(),
		Changes:  missing,
		SenderID: doc.ActorID(),
	}
}

// ReceiveSyncMessage applies the message's changes idempotently:
// already-seen changes are skipped, per-actor sequence gaps are
// parked until the gap closes, and concurrent field writes go
// through the merge resolver.
func (doc *Document) ReceiveSyncMessage(msg *SyncMessage) (res MergeResult) {
	if doc.destroyed || msg == nil {
		return
	}
	res.Success = true
	for _, ch := range msg.Changes {
		doc.receiveChange(ch, msg.Heads, &res)
	}
	return
}

func (doc *Document) receiveChange(ch Change, senderHeads causal.Heads, res *MergeResult) {
	last := doc.maxSeq[ch.Actor]
	switch {
	case ch.Seq <= last:
		// duplicate, absorbed
		return
	case ch.Seq == last+1:
		doc.applyRemote(ch, senderHeads, res)
	default:
		// gap: park until the missing changes arrive
		key := ch.ID().String()
		if _, dup := doc.pendingChanges[key]; dup {
			return
		}
		heap := doc.pendingSeqs[ch.Actor]
		if heap == nil {
			heap = &utils.Heap[uint64]{}
			doc.pendingSeqs[ch.Actor] = heap
		}
		heap.Push(ch.Seq)
		doc.pendingChanges[key] = ch
		doc.log.Debug("document: parked out-of-order change",
			"change", key, "expected", last+1)
		return
	}
	// drain whatever became applicable
	heap := doc.pendingSeqs[ch.Actor]
	for heap != nil && heap.Len() > 0 && heap.Peek() == doc.maxSeq[ch.Actor]+1 {
		seq := heap.Pop()
		key := causal.ChangeID{Actor: ch.Actor, Seq: seq}.String()
		parked := doc.pendingChanges[key]
		delete(doc.pendingChanges, key)
		doc.applyRemote(parked, senderHeads, res)
	}
}

func (doc *Document) applyRemote(ch Change, senderHeads causal.Heads, res *MergeResult) {
	doc.clock.Receive(ch.Time)
	if doc.value == nil {
		doc.value = make(map[string]any)
	}
	for _, op := range ch.Ops {
		switch op.Kind {
		case FieldSet:
			doc.applyRemoteSet(ch, op, senderHeads, res)
		case FieldRemove:
			removeAt(doc.value, op.Path)
			delete(doc.writers, pathKey(op.Path))
		default:
			doc.log.Error("document: unknown field op kind",
				"change", ch.ID().String(), "kind", uint8(op.Kind))
		}
	}
	doc.commit(ch)
	res.AppliedCount++
}

// applyRemoteSet detects the field collision case: we hold a value
// written by someone the sender had not seen, and it differs from
// the incoming one. Everything else is a plain overwrite.
func (doc *Document) applyRemoteSet(ch Change, op FieldOp, senderHeads causal.Heads, res *MergeResult) {
	key := pathKey(op.Path)
	local, exists := valueAt(doc.value, op.Path)
	w, written := doc.writers[key]
	concurrent := written && w.Actor != ch.Actor && senderHeads.Get(w.Actor) < w.Seq
	if exists && concurrent && !reflect.DeepEqual(local, op.Value) {
		conflict := MergeConflict{
			Path:        append([]string(nil), op.Path...),
			LocalValue:  deepCopyValue(local),
			RemoteValue: deepCopyValue(op.Value),
		}
		// last-writer-wins pick in Lamport order
		if w.Time.Less(ch.Time) {
			conflict.ResolvedValue, conflict.Winner = conflict.RemoteValue, "remote"
		} else {
			conflict.ResolvedValue, conflict.Winner = conflict.LocalValue, "local"
		}
		resolved, err := doc.resolver.Resolve(conflict)
		if err != nil {
			doc.log.Warn("document: custom resolver failed, keeping LWW pick",
				"path", key, "err", err)
			resolved = conflict.ResolvedValue
		}
		setAt(doc.value, op.Path, deepCopyValue(resolved))
		res.Conflicts = append(res.Conflicts, conflict)
	} else {
		setAt(doc.value, op.Path, deepCopyValue(op.Value))
	}
	// the later writer owns the field either way
	if !written || w.Time.Less(ch.Time) {
		doc.writers[key] = fieldWrite{Time: ch.Time, Actor: ch.Actor, Seq: ch.Seq}
	}
}

// Fork produces an independent copy transacting under a new actor
// identity, sharing the value and history at fork time.
func (doc *Document) Fork(newActorID string) *Document {
	fork := &Document{
		clock:          causal.NewClock(newActorID),
		value:          deepCopyMap(doc.value),
		changes:        append([]Change(nil), doc.changes...),
		heads:          doc.heads.Copy(),
		maxSeq:         make(map[string]uint64, len(doc.maxSeq)),
		writers:        make(map[string]fieldWrite, len(doc.writers)),
		version:        doc.version,
		resolver:       doc.resolver,
		log:            doc.log,
		pendingSeqs:    make(map[string]*utils.Heap[uint64]),
		pendingChanges: make(map[string]Change),
	}
	fork.clock.Receive(doc.clock.Now())
	for actor, seq := range doc.maxSeq {
		fork.maxSeq[actor] = seq
	}
	for key, w := range doc.writers {
		fork.writers[key] = w
	}
	fork.seq = fork.maxSeq[fork.ActorID()]
	return fork
}

// Destroy makes the document inert. Terminal: any later Change fails
// with ErrDocumentDestroyed, sync calls no-op.
func (doc *Document) Destroy() {
	doc.destroyed = true
	doc.hooks = nil
	doc.pendingChanges = nil
	doc.pendingSeqs = nil
}
