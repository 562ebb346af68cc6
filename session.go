package pocket

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/josedab/pocket-sub009/causal"
	"github.com/josedab/pocket-sub009/utils"
)

var ErrUnknownPeer = errors.New("unknown peer")
var ErrSessionDestroyed = errors.New("session destroyed")

const DefaultOutboxLimit = 1024

// PeerState tracks how far one peer is known to have converged.
type PeerState struct {
	PeerID            string       `json:"peerId"`
	LastHeads         causal.Heads `json:"lastHeads"`
	HasPendingChanges bool         `json:"hasPendingChanges"`
	LastSyncAt        time.Time    `json:"lastSyncAt"`
	SyncCount         uint64       `json:"syncCount"`
}

type SessionOptions struct {
	// OutboxLimit caps the record queue of committed changes
	// awaiting a transport; overflow drops with a warning.
	OutboxLimit int
	Logger      utils.Logger
}

func (o *SessionOptions) SetDefaults() {
	if o.OutboxLimit <= 0 {
		o.OutboxLimit = DefaultOutboxLimit
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Session drives per-peer convergence for one document: which peers
// still need a delta, and what each was last known to hold. The
// session decides, the transport delivers.
type Session struct {
	id        string
	doc       *Document
	peers     *xsync.MapOf[string, *PeerState]
	outq      *toyqueue.RecordQueue
	log       utils.Logger
	destroyed bool
}

func NewSession(doc *Document, opts SessionOptions) *Session {
	opts.SetDefaults()
	s := &Session{
		id:    ulid.Make().String(),
		doc:   doc,
		peers: xsync.NewMapOf[string, *PeerState](),
		outq:  &toyqueue.RecordQueue{Limit: opts.OutboxLimit},
		log:   opts.Logger,
	}
	doc.OnCommit(s.onCommit)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// onCommit runs for every applied change: any peer might now be
// behind. Only locally authored changes enter the outbox; changes
// applied from a peer are already in flight on the mesh and
// re-broadcasting them would amplify every message.
func (s *Session) onCommit(ch *Change) {
	if s.destroyed {
		return
	}
	s.peers.Range(func(_ string, peer *PeerState) bool {
		peer.HasPendingChanges = true
		return true
	})
	if ch.Actor != s.doc.ActorID() {
		return
	}
	tlv, err := ch.TLV()
	if err != nil {
		s.log.Error("session: change encode failed", "change", ch.ID().String(), "err", err)
		return
	}
	if err := s.outq.Drain(toyqueue.Records{tlv}); err != nil {
		s.log.Warn("session: outbox full, dropping record", "change", ch.ID().String(), "err", err)
	}
}

// Outbox feeds committed changes as TLV records to whatever
// transport drains it.
func (s *Session) Outbox() toyqueue.FeedCloser {
	return s.outq
}

// AddPeer starts tracking a peer; idempotent.
func (s *Session) AddPeer(peerID string) {
	if s.destroyed {
		return
	}
	s.peers.LoadOrStore(peerID, &PeerState{
		PeerID:            peerID,
		LastHeads:         make(causal.Heads),
		HasPendingChanges: true,
	})
}

func (s *Session) RemovePeer(peerID string) {
	s.peers.Delete(peerID)
}

// GenerateMessage builds the delta for one peer. A nil message with
// a nil error means the peer is up to date; the peer is then marked
// synced.
func (s *Session) GenerateMessage(peerID string) (*SyncMessage, error) {
	if s.destroyed {
		return nil, ErrSessionDestroyed
	}
	peer, ok := s.peers.Load(peerID)
	if !ok {
		return nil, ErrUnknownPeer
	}
	peer.LastSyncAt = time.Now()
	msg := s.doc.GenerateSyncMessage(peer.LastHeads)
	if msg == nil {
		peer.HasPendingChanges = false
		return nil, nil
	}
	msg.TargetID = peerID
	peer.SyncCount++
	// assume delivery; idempotent replay covers the loss case
	peer.LastHeads.Merge(msg.Heads)
	SyncMessagesGenerated.WithLabelValues(s.id).Inc()
	return msg, nil
}

// ReceiveMessage applies an inbound delta and refreshes peer state.
// New data from one peer may be news to every other peer, so all of
// them flip back to pending (via the commit hook); the sender's own
// flag is recomputed against its advertised heads.
func (s *Session) ReceiveMessage(msg *SyncMessage) MergeResult {
	if s.destroyed || msg == nil {
		return MergeResult{}
	}
	res := s.doc.ReceiveSyncMessage(msg)
	s.AddPeer(msg.SenderID)
	peer, _ := s.peers.Load(msg.SenderID)
	peer.LastHeads.Merge(msg.Heads)
	peer.SyncCount++
	peer.LastSyncAt = time.Now()
	peer.HasPendingChanges = s.doc.heads.ProgressedOver(peer.LastHeads)

	SyncMessagesReceived.WithLabelValues(s.id).Inc()
	SyncChangesApplied.WithLabelValues(s.id).Add(float64(res.AppliedCount))
	SyncConflictsDetected.WithLabelValues(s.id).Add(float64(len(res.Conflicts)))
	return res
}

// IsFullySynced is true iff no tracked peer is pending.
func (s *Session) IsFullySynced() bool {
	synced := true
	s.peers.Range(func(_ string, peer *PeerState) bool {
		if peer.HasPendingChanges {
			synced = false
			return false
		}
		return true
	})
	return synced
}

func (s *Session) Peers() []string {
	var ids []string
	s.peers.Range(func(id string, _ *PeerState) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

// PeerState returns a copy of one peer's tracking state.
func (s *Session) PeerState(peerID string) (PeerState, bool) {
	peer, ok := s.peers.Load(peerID)
	if !ok {
		return PeerState{}, false
	}
	ret := *peer
	ret.LastHeads = peer.LastHeads.Copy()
	return ret, true
}

// Destroy releases all peer state and makes the session inert.
func (s *Session) Destroy() {
	s.destroyed = true
	s.peers.Clear()
	_ = s.outq.Close()
}
