// Package event defines the tagged-union Event type the manager surfaces
// to callers, generalizing the reference server's EventManager (which
// dispatches a fixed EventType enum to registered handlers) into a pollable
// queue, since SPEC_FULL.md §5 calls for a Run/poll loop rather than
// synchronous callback dispatch.
package event

// Type identifies which field of Event is populated.
type Type int

const (
	Connect Type = iota
	Disconnect
	Receive
	ReceiveUnconnected
	Error
	ConnectionLatencyUpdated
	ConnectionRequest
)

func (t Type) String() string {
	names := [...]string{
		"Connect", "Disconnect", "Receive", "ReceiveUnconnected",
		"Error", "ConnectionLatencyUpdated", "ConnectionRequest",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// DeliveryMethod mirrors peer.DeliveryMethod (same values in the same
// order) so that package event does not depend on package peer; the
// manager converts between the two.
type DeliveryMethod int

const (
	Unreliable DeliveryMethod = iota
	ReliableUnordered
	ReliableOrdered
	Sequenced
)

// Event is a pool-allocated tagged union; exactly the fields relevant to
// Type are meaningful. The manager recycles Events back to its pool once
// the caller's Run callback returns (spec §5: "pool-allocated events").
type Event struct {
	Type Type

	// Connect, Disconnect, Receive, ConnectionLatencyUpdated
	PeerAddr string
	PeerID   uint64

	// Disconnect
	DisconnectReason  int
	DisconnectPayload []byte

	// Receive
	Data     []byte
	Channel  byte
	Delivery DeliveryMethod

	// ReceiveUnconnected
	UnconnectedKind int

	// Error
	ErrorCode int
	ErrorText string

	// ConnectionLatencyUpdated
	LatencyMs int64

	// ConnectionRequest: the manager has not yet admitted the remote; the
	// listener's Run callback must call Accept or Reject on Pending before
	// returning, or the request is rejected by default (spec §4.5).
	Pending *PendingConnection
}

// PendingConnection lets a listener accept or reject an inbound connection
// attempt before a Peer is created for it.
type PendingConnection struct {
	Addr    string
	accept  bool
	decided bool
}

func (p *PendingConnection) Accept() { p.accept, p.decided = true, true }
func (p *PendingConnection) Reject() { p.accept, p.decided = false, true }

// Decision reports the listener's choice, defaulting to reject if Accept or
// Reject was never called.
func (p *PendingConnection) Decision() bool { return p.decided && p.accept }

// Queue is a simple pool-backed FIFO of Events, matching the pool-bounded
// free-list discipline of package pool.
type Queue struct {
	free  []*Event
	ready []*Event
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue { return &Queue{} }

// Get returns a recycled or freshly-allocated zero Event for the caller to
// populate and Push.
func (q *Queue) Get() *Event {
	n := len(q.free)
	if n == 0 {
		return &Event{}
	}
	e := q.free[n-1]
	q.free = q.free[:n-1]
	*e = Event{}
	return e
}

// Push enqueues e for delivery.
func (q *Queue) Push(e *Event) { q.ready = append(q.ready, e) }

// Pop dequeues the next ready Event, or (nil, false) if empty.
func (q *Queue) Pop() (*Event, bool) {
	if len(q.ready) == 0 {
		return nil, false
	}
	e := q.ready[0]
	q.ready = q.ready[1:]
	return e, true
}

// Recycle returns e to the free list once the caller is done with it.
func (q *Queue) Recycle(e *Event) {
	if e == nil {
		return
	}
	q.free = append(q.free, e)
}

// Len reports how many events are waiting to be popped.
func (q *Queue) Len() int { return len(q.ready) }
