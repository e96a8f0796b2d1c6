// Package peertable indexes active peers by remote address, the way the
// reference server keeps its player map keyed by network id, generalized
// to a bounded UDP-address keyed table (spec §5 PeerTable).
package peertable

import (
	"fastnet/pkg/peer"
)

// Table maps a remote address string ("ip:port") to its Peer.
type Table struct {
	byAddr map[string]*peer.Peer
	limit  int
}

// New creates a Table bounded to at most limit concurrent peers (spec §6
// MaxConnections; 0 means unbounded).
func New(limit int) *Table {
	return &Table{byAddr: make(map[string]*peer.Peer), limit: limit}
}

// Get returns the peer registered for addr, if any.
func (t *Table) Get(addr string) (*peer.Peer, bool) {
	p, ok := t.byAddr[addr]
	return p, ok
}

// Len reports the current peer count.
func (t *Table) Len() int { return len(t.byAddr) }

// Full reports whether the table has reached its configured limit.
func (t *Table) Full() bool {
	return t.limit > 0 && len(t.byAddr) >= t.limit
}

// Add registers p under addr. Returns false if the table is full and addr
// is not already present.
func (t *Table) Add(addr string, p *peer.Peer) bool {
	if _, exists := t.byAddr[addr]; !exists && t.Full() {
		return false
	}
	t.byAddr[addr] = p
	return true
}

// Remove deregisters addr.
func (t *Table) Remove(addr string) {
	delete(t.byAddr, addr)
}

// Each calls fn for every peer currently registered. fn must not mutate
// the table.
func (t *Table) Each(fn func(addr string, p *peer.Peer)) {
	for addr, p := range t.byAddr {
		fn(addr, p)
	}
}

// All returns a snapshot slice of every registered peer.
func (t *Table) All() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(t.byAddr))
	for _, p := range t.byAddr {
		out = append(out, p)
	}
	return out
}
