// Package fragment implements write-side fragmentation and read-side
// reassembly of logical payloads that exceed a single packet's usable MTU,
// per SPEC_FULL.md §5 / spec.md §4.4.
package fragment

import (
	"github.com/pkg/errors"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// ErrPayloadTooLarge is returned by Split when a payload exceeds maxSize or
// would require more than 65535 fragments.
var ErrPayloadTooLarge = errors.New("fragment: payload exceeds configured maximum")

// Split fragments payload for delivery over property/channel at the given
// negotiated MTU, returning one packet if it fits, or N packets stamped
// with a shared fragmentID otherwise. maxSize bounds the total payload
// length (0 disables the bound).
func Split(pktPool *pool.Pool, property packet.Property, channel byte, payload []byte, mtu int, fragmentID uint16, maxSize int) ([]*packet.Packet, error) {
	if maxSize > 0 && len(payload) > maxSize {
		return nil, ErrPayloadTooLarge
	}

	plain := mtu - packet.HeaderSize(property, false)
	if plain <= 0 {
		return nil, errors.New("fragment: mtu too small for property header")
	}
	if len(payload) <= plain {
		pkt := pktPool.Get(property, channel, len(payload))
		pkt.IsFragmented = false
		pkt.Encode(payload)
		return []*packet.Packet{pkt}, nil
	}

	payloadMTU := mtu - packet.HeaderSize(property, true)
	if payloadMTU <= 0 {
		return nil, errors.New("fragment: mtu too small for fragment header")
	}

	total := (len(payload) + payloadMTU - 1) / payloadMTU
	if total > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}

	out := make([]*packet.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * payloadMTU
		end := start + payloadMTU
		if end > len(payload) {
			end = len(payload)
		}
		part := payload[start:end]

		pkt := pktPool.Get(property, channel, len(part))
		pkt.IsFragmented = true
		pkt.FragmentID = fragmentID
		pkt.FragmentPart = uint16(i)
		pkt.FragmentsTotal = uint16(total)
		pkt.Encode(part)
		out = append(out, pkt)
	}
	return out, nil
}

// Buffer reassembles one logical message out of its fragments, keyed by
// (channel, fragmentId) at the call site (see peer.fragmentKey). It is
// created on the first fragment seen for a given key and destroyed on
// completion or staleness.
type Buffer struct {
	pool     *pool.Pool
	parts    []*packet.Packet
	received int
	total    int
}

// NewBuffer allocates a reassembly entry sized for total fragments.
func NewBuffer(p *pool.Pool, total int) *Buffer {
	return &Buffer{pool: p, parts: make([]*packet.Packet, total), total: total}
}

// Add stores pkt's payload at its FragmentPart index. Duplicate parts are
// dropped (and the duplicate packet recycled). Returns true once every part
// has arrived and the buffer is ready for Assemble.
func (b *Buffer) Add(pkt *packet.Packet) bool {
	idx := int(pkt.FragmentPart)
	if idx < 0 || idx >= len(b.parts) {
		b.pool.Recycle(pkt)
		return false
	}
	if b.parts[idx] != nil {
		b.pool.Recycle(pkt)
		return false
	}
	b.parts[idx] = pkt
	b.received++
	return b.received == b.total
}

// Assemble concatenates every fragment's payload into one contiguous slice
// and recycles the fragment packets. Call only after Add returns true.
func (b *Buffer) Assemble() []byte {
	size := 0
	for _, pkt := range b.parts {
		size += pkt.GetDataSize()
	}
	out := make([]byte, 0, size)
	for _, pkt := range b.parts {
		out = append(out, pkt.Data()...)
	}
	for _, pkt := range b.parts {
		b.pool.Recycle(pkt)
	}
	b.parts = nil
	return out
}

// Discard recycles every fragment received so far without assembling,
// for stale-entry cleanup (no new parts within DisconnectTimeout).
func (b *Buffer) Discard() {
	for _, pkt := range b.parts {
		if pkt != nil {
			b.pool.Recycle(pkt)
		}
	}
	b.parts = nil
}
