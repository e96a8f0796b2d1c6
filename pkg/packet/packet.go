// Package packet implements the wire header codec for fastnet datagrams.
//
// Every datagram begins with one header byte: the low 5 bits hold the
// PacketProperty, the high 3 bits hold flags (Ack, Fragmented, reserved).
// Sequenced properties (the reliable ones, Sequenced and the two Acks) then
// carry a 2-byte little-endian sequence number; channel-scoped properties
// (those plus Unreliable) carry a 1-byte channel index; fragmented packets
// append a 6-byte (fragmentId, fragmentPart, fragmentsTotal) little-endian
// triple.
// See SPEC_FULL.md §4 for the header-size resolution this codec implements.
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Property identifies the kind of datagram carried.
type Property byte

const (
	Unreliable Property = iota
	ReliableUnordered
	ReliableOrdered
	Sequenced
	ReliableSequenced // reserved, spec §9 Open Questions: no channel surfaces it
	Ack
	Ping
	Pong
	ConnectRequest
	ConnectAccept
	Disconnect
	ShutdownOk
	UnconnectedMessage
	DiscoveryRequest
	DiscoveryResponse
	MtuCheck
	MtuOk
	NatIntroduction
	NatIntroductionRequest
	NatPunchMessage
	Merged
	AckOrdered // Ack for the ReliableOrdered channel; Ack itself acks ReliableUnordered

	propertyCount
)

func (p Property) Valid() bool {
	return p < propertyCount
}

func (p Property) String() string {
	names := [...]string{
		"Unreliable", "ReliableUnordered", "ReliableOrdered", "Sequenced",
		"ReliableSequenced", "Ack", "Ping", "Pong", "ConnectRequest",
		"ConnectAccept", "Disconnect", "ShutdownOk", "UnconnectedMessage",
		"DiscoveryRequest", "DiscoveryResponse", "MtuCheck", "MtuOk",
		"NatIntroduction", "NatIntroductionRequest", "NatPunchMessage", "Merged",
		"AckOrdered",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// HasSequence reports whether property carries a 16-bit sequence number.
func HasSequence(p Property) bool {
	switch p {
	case ReliableUnordered, ReliableOrdered, Sequenced, ReliableSequenced, Ack, AckOrdered:
		return true
	default:
		return false
	}
}

// IsChannelScoped reports whether property is routed to a per-peer channel
// instance and therefore carries an explicit channel byte.
func IsChannelScoped(p Property) bool {
	switch p {
	case Unreliable, ReliableUnordered, ReliableOrdered, Sequenced, ReliableSequenced, Ack, AckOrdered:
		return true
	default:
		return false
	}
}

// IsFragmentable reports whether property may legally carry the Fragmented
// flag. Ack never fragments; control packets never fragment.
func IsFragmentable(p Property) bool {
	switch p {
	case Unreliable, ReliableUnordered, ReliableOrdered, Sequenced, ReliableSequenced:
		return true
	default:
		return false
	}
}

const (
	flagAck        = 1 << 7
	flagFragmented = 1 << 6
	propertyMask   = 0x1F

	fragmentHeaderSize = 6
	seqAndChannelSize  = 3 // 2 bytes sequence + 1 byte channel
)

// HeaderSize returns the number of header bytes a packet with the given
// property and fragmented flag occupies. Pure function, no allocation.
func HeaderSize(p Property, fragmented bool) int {
	size := 1
	if HasSequence(p) {
		size += 2
	}
	if IsChannelScoped(p) {
		size += 1
	}
	if fragmented && IsFragmentable(p) {
		size += fragmentHeaderSize
	}
	return size
}

var (
	// ErrTooShort is returned when the input buffer ends before the header
	// the declared property requires.
	ErrTooShort = errors.New("packet: buffer shorter than declared header")
	// ErrUnknownProperty is returned when the header byte's low 5 bits do
	// not name a known PacketProperty.
	ErrUnknownProperty = errors.New("packet: unknown property")
	// ErrBadFragment is returned when a fragmented packet declares
	// fragmentPart >= fragmentsTotal.
	ErrBadFragment = errors.New("packet: fragmentPart >= fragmentsTotal")
)

// Packet is a contiguous byte buffer plus the metadata spec §3 requires.
// A Packet is either pool-owned (Pooled == true) or user-owned; recycling a
// user-owned or DontRecycleNow packet is a no-op.
type Packet struct {
	Property       Property
	Channel        byte
	SequenceNumber uint16
	FragmentID     uint16
	FragmentPart   uint16
	FragmentsTotal uint16
	IsFragmented   bool
	IsAck          bool

	// Buf is the full wire image: header followed by payload. Size() is
	// len(Buf); GetDataSize() is Size() minus the header for Property.
	Buf []byte

	Pooled         bool
	DontRecycleNow bool

	// Bucket records which pool size-class this buffer came from, so
	// Pool.Recycle can return it without recomputing bucketing from
	// scratch. Owned by package pool; other callers must not set it.
	Bucket int
}

// Size returns the total wire length of the packet, header included.
func (pkt *Packet) Size() int { return len(pkt.Buf) }

// GetDataSize returns the payload length, header excluded.
func (pkt *Packet) GetDataSize() int {
	h := HeaderSize(pkt.Property, pkt.IsFragmented)
	if h > len(pkt.Buf) {
		return 0
	}
	return len(pkt.Buf) - h
}

// Data returns the payload slice (aliasing Buf, not a copy).
func (pkt *Packet) Data() []byte {
	h := HeaderSize(pkt.Property, pkt.IsFragmented)
	if h > len(pkt.Buf) {
		return nil
	}
	return pkt.Buf[h:]
}

// Encode writes the header into pkt.Buf[:headerSize] and appends payload,
// replacing pkt.Buf entirely. Used when assembling an outgoing packet from
// scratch; the caller has already set Property/Channel/flags/sequence.
func (pkt *Packet) Encode(payload []byte) {
	h := HeaderSize(pkt.Property, pkt.IsFragmented)
	buf := pkt.Buf
	if cap(buf) < h+len(payload) {
		buf = make([]byte, h+len(payload))
	} else {
		buf = buf[:h+len(payload)]
	}

	flags := byte(0)
	if pkt.IsAck {
		flags |= flagAck
	}
	if pkt.IsFragmented && IsFragmentable(pkt.Property) {
		flags |= flagFragmented
	}
	buf[0] = flags | (byte(pkt.Property) & propertyMask)

	off := 1
	if HasSequence(pkt.Property) {
		binary.LittleEndian.PutUint16(buf[off:], pkt.SequenceNumber)
		off += 2
	}
	if IsChannelScoped(pkt.Property) {
		buf[off] = pkt.Channel
		off++
	}
	if pkt.IsFragmented && IsFragmentable(pkt.Property) {
		binary.LittleEndian.PutUint16(buf[off:], pkt.FragmentID)
		binary.LittleEndian.PutUint16(buf[off+2:], pkt.FragmentPart)
		binary.LittleEndian.PutUint16(buf[off+4:], pkt.FragmentsTotal)
		off += fragmentHeaderSize
	}
	copy(buf[off:], payload)
	pkt.Buf = buf
}

// Decode parses a wire image into pkt, starting at offset and consuming
// count bytes. It returns ErrUnknownProperty, ErrTooShort or ErrBadFragment
// on malformed input; the caller must drop the datagram silently per spec
// §7 rather than surface these as Error events.
func Decode(pkt *Packet, data []byte, offset, count int) error {
	if count < 1 || offset < 0 || offset+count > len(data) {
		return ErrTooShort
	}
	buf := data[offset : offset+count]

	first := buf[0]
	prop := Property(first & propertyMask)
	if !prop.Valid() {
		return ErrUnknownProperty
	}
	isAck := first&flagAck != 0
	isFrag := first&flagFragmented != 0 && IsFragmentable(prop)

	off := 1
	var seq uint16
	if HasSequence(prop) {
		if off+2 > len(buf) {
			return ErrTooShort
		}
		seq = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	var channel byte
	if IsChannelScoped(prop) {
		if off+1 > len(buf) {
			return ErrTooShort
		}
		channel = buf[off]
		off++
	}
	var fragID, fragPart, fragTotal uint16
	if isFrag {
		if off+fragmentHeaderSize > len(buf) {
			return ErrTooShort
		}
		fragID = binary.LittleEndian.Uint16(buf[off:])
		fragPart = binary.LittleEndian.Uint16(buf[off+2:])
		fragTotal = binary.LittleEndian.Uint16(buf[off+4:])
		off += fragmentHeaderSize
		if fragPart >= fragTotal {
			return ErrBadFragment
		}
	}

	pkt.Property = prop
	pkt.Channel = channel
	pkt.SequenceNumber = seq
	pkt.FragmentID = fragID
	pkt.FragmentPart = fragPart
	pkt.FragmentsTotal = fragTotal
	pkt.IsFragmented = isFrag
	pkt.IsAck = isAck

	if cap(pkt.Buf) < count {
		pkt.Buf = make([]byte, count)
	} else {
		pkt.Buf = pkt.Buf[:count]
	}
	copy(pkt.Buf, buf)
	return nil
}

// SeqModulus is the 15-bit window spec §3 specifies sequence numbers wrap
// within ("sequenceNumber (u16, modulo 2^15 windowed)").
const SeqModulus = 1 << 15

// SeqDiff returns the signed modular distance a-b within SeqModulus,
// positive when a is ahead of b. This is the seqLess/seqGreater primitive
// spec §9 requires all sequence-number arithmetic go through.
func SeqDiff(a, b uint16) int32 {
	d := (int32(a) - int32(b)) % SeqModulus
	if d >= SeqModulus/2 {
		d -= SeqModulus
	} else if d < -SeqModulus/2 {
		d += SeqModulus
	}
	return d
}

// SeqGreater reports whether a is strictly ahead of b in window order.
func SeqGreater(a, b uint16) bool { return SeqDiff(a, b) > 0 }

// SeqAdd returns (a+n) mod SeqModulus.
func SeqAdd(a uint16, n uint16) uint16 {
	return uint16((uint32(a) + uint32(n)) % SeqModulus)
}
