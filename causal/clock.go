package causal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Timestamp is a Lamport timestamp: a per-replica counter plus the
// replica id. Timestamps are totally ordered by (counter, nodeId);
// counter ties break on the node id, so the order is the same on
// every replica.
type Timestamp struct {
	Counter uint64 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

func (t Timestamp) Less(other Timestamp) bool {
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	return t.NodeID < other.NodeID
}

func (t Timestamp) Equal(other Timestamp) bool {
	return t.Counter == other.Counter && t.NodeID == other.NodeID
}

// Compare returns -1, 0 or 1 in the (counter, nodeId) total order.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.NodeID == ""
}

func (t Timestamp) String() string {
	return t.NodeID + "@" + strconv.FormatUint(t.Counter, 10)
}

func TimestampFromString(s string) (Timestamp, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Timestamp{}, fmt.Errorf("bad timestamp %q", s)
	}
	counter, err := strconv.ParseUint(s[at+1:], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("bad timestamp %q", s)
	}
	return Timestamp{Counter: counter, NodeID: s[:at]}, nil
}

// Clock is the per-replica logical clock. Tick advances it for a
// local event; Receive merges a remote timestamp in (merge-max, no
// increment, so the next local Tick lands strictly above anything
// seen). Single logical owner per instance, same as the structures
// it stamps.
type Clock struct {
	node    string
	counter uint64
}

// NewClock creates a clock for the given replica id. An empty id
// gets a fresh UUIDv7, but callers that persist state must supply a
// stable id themselves.
func NewClock(node string) *Clock {
	if node == "" {
		node = uuid.Must(uuid.NewV7()).String()
	}
	return &Clock{node: node}
}

func (c *Clock) NodeID() string {
	return c.node
}

// Tick registers a local event and returns its timestamp.
func (c *Clock) Tick() Timestamp {
	c.counter++
	return Timestamp{Counter: c.counter, NodeID: c.node}
}

// Receive merges a remote timestamp: the local counter becomes the
// max of the two. Lamport property: any event recorded after this
// call gets a timestamp strictly greater than the remote one.
func (c *Clock) Receive(remote Timestamp) {
	if remote.Counter > c.counter {
		c.counter = remote.Counter
	}
}

// Now peeks at the current timestamp without advancing the clock.
func (c *Clock) Now() Timestamp {
	return Timestamp{Counter: c.counter, NodeID: c.node}
}
