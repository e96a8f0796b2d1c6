package channel

import (
	"time"

	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// outstandingPacket is a sent-but-unacknowledged reliable packet retained
// for retransmission.
type outstandingPacket struct {
	pkt      *packet.Packet
	lastSend time.Time
}

// reliableBase holds the send-window, ACK-bitmap and retransmission
// mechanics shared by ReliableUnordered and ReliableOrdered (spec §4.3.3 /
// §4.3.4: "Same ACK and retransmission mechanics ... Differs in delivery").
type reliableBase struct {
	pool       *pool.Pool
	channel    byte
	property   packet.Property
	windowSize uint16

	// send side
	sendWindowStart uint16
	nextSeq         uint16
	pendingOutgoing []pendingSend
	outstanding     map[uint16]*outstandingPacket
	resendCount     int

	// receive side
	recvWindowStart uint16
	receivedBitmap  []byte
	ackDirty        bool

	ready []*packet.Packet
}

func newReliableBase(p *pool.Pool, ch byte, property packet.Property, windowSize uint16) reliableBase {
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	return reliableBase{
		pool:           p,
		channel:        ch,
		property:       property,
		windowSize:     windowSize,
		outstanding:    make(map[uint16]*outstandingPacket),
		receivedBitmap: make([]byte, bitmaskBytes(windowSize)),
	}
}

// pendingSend is a queued outgoing payload awaiting a sequence number,
// together with the fragment header it must be encoded with (if any).
type pendingSend struct {
	payload []byte
	frag    *FragmentInfo
}

// addToQueue copies payload: admission onto the send window may not happen
// until a later tick, by which time a caller-owned or pool-owned backing
// buffer could already have been reused for something else.
func (r *reliableBase) addToQueue(payload []byte, frag *FragmentInfo) error {
	owned := append([]byte(nil), payload...)
	r.pendingOutgoing = append(r.pendingOutgoing, pendingSend{payload: owned, frag: frag})
	return nil
}

// windowHasSpace reports whether the sender may assign another sequence
// number without exceeding windowSize outstanding packets.
func (r *reliableBase) windowHasSpace() bool {
	return len(r.outstanding) < int(r.windowSize)
}

// admitPending promotes queued payloads into the outstanding map while the
// send window has room, returning newly-due packets.
func (r *reliableBase) admitPending(now time.Time) []*packet.Packet {
	var due []*packet.Packet
	for len(r.pendingOutgoing) > 0 && r.windowHasSpace() {
		next := r.pendingOutgoing[0]
		r.pendingOutgoing = r.pendingOutgoing[1:]

		pkt := r.pool.Get(r.property, r.channel, len(next.payload))
		pkt.SequenceNumber = r.nextSeq
		stampFragment(pkt, next.frag)
		pkt.Encode(next.payload)
		pkt.DontRecycleNow = true // retained for retransmission until ACKed

		r.outstanding[r.nextSeq] = &outstandingPacket{pkt: pkt, lastSend: now}
		due = append(due, pkt)
		r.nextSeq = packet.SeqAdd(r.nextSeq, 1)
	}
	return due
}

// retransmitDue returns outstanding packets whose last send exceeds the
// RTT-derived resend delay, and bumps their lastSend to now.
func (r *reliableBase) retransmitDue(now time.Time, avgRTT time.Duration) []*packet.Packet {
	delay := resendDelay(avgRTT)
	var due []*packet.Packet
	for _, op := range r.outstanding {
		if now.Sub(op.lastSend) >= delay {
			op.lastSend = now
			due = append(due, op.pkt)
			r.resendCount++
		}
	}
	return due
}

// buildAck returns a due Ack packet if the receive bitmap changed since the
// last call, else nil.
func (r *reliableBase) buildAck() *packet.Packet {
	if !r.ackDirty {
		return nil
	}
	r.ackDirty = false
	return encodeAck(r.pool, ackPropertyFor(r.property), r.channel, r.recvWindowStart, r.receivedBitmap)
}

// handleAck applies an incoming Ack: clears acknowledged outstanding
// packets (every sequence behind the receiver's windowStart, plus those
// whose bit is set in the mask), recycles them, and slides sendWindowStart
// past the contiguous acknowledged prefix.
func (r *reliableBase) handleAck(pkt *packet.Packet) {
	windowStart, mask, ok := decodeAck(pkt.Data())
	if !ok {
		return
	}
	for seq, op := range r.outstanding {
		if packet.SeqDiff(seq, windowStart) < 0 {
			op.pkt.DontRecycleNow = false
			r.pool.Recycle(op.pkt)
			delete(r.outstanding, seq)
		}
	}
	for i := uint16(0); i < r.windowSize; i++ {
		if !testBit(mask, i) {
			continue
		}
		seq := packet.SeqAdd(windowStart, i)
		if op, exists := r.outstanding[seq]; exists {
			op.pkt.DontRecycleNow = false
			r.pool.Recycle(op.pkt)
			delete(r.outstanding, seq)
		}
	}
	for {
		if _, stillOut := r.outstanding[r.sendWindowStart]; stillOut {
			break
		}
		// Only advance while there is something to advance past: stop if
		// the window start has caught up with the next unassigned seq.
		if r.sendWindowStart == r.nextSeq {
			break
		}
		r.sendWindowStart = packet.SeqAdd(r.sendWindowStart, 1)
	}
}

// withinReceiveWindow reports whether seq falls in
// [recvWindowStart, recvWindowStart+windowSize).
func (r *reliableBase) withinReceiveWindow(seq uint16) bool {
	diff := packet.SeqDiff(seq, r.recvWindowStart)
	return diff >= 0 && diff < int32(r.windowSize)
}

// withinAckableTrailingWindow reports whether seq is behind the receive
// window but close enough that acknowledging its retransmission is still
// meaningful (spec §4.3.4: "acknowledged if within the ACK window behind
// current tail").
func (r *reliableBase) withinAckableTrailingWindow(seq uint16) bool {
	diff := packet.SeqDiff(r.recvWindowStart, seq)
	return diff > 0 && diff <= int32(r.windowSize)
}

// markReceived sets seq's bit in the receive bitmap (relative to
// recvWindowStart) and marks an ACK as due. Returns false if seq is out of
// range for the current bitmap.
func (r *reliableBase) markReceived(seq uint16) bool {
	diff := packet.SeqDiff(seq, r.recvWindowStart)
	if diff < 0 || diff >= int32(r.windowSize) {
		return false
	}
	setBit(r.receivedBitmap, uint16(diff))
	r.ackDirty = true
	return true
}

// slideReceiveWindow advances recvWindowStart by n slots, discarding the
// low bits of the bitmap and shifting the rest down.
func (r *reliableBase) slideReceiveWindow(n uint16) {
	if n == 0 {
		return
	}
	if n >= r.windowSize {
		for i := range r.receivedBitmap {
			r.receivedBitmap[i] = 0
		}
	} else {
		newBitmap := make([]byte, len(r.receivedBitmap))
		for i := uint16(0); i < r.windowSize-n; i++ {
			if testBit(r.receivedBitmap, i+n) {
				setBit(newBitmap, i)
			}
		}
		r.receivedBitmap = newBitmap
	}
	r.recvWindowStart = packet.SeqAdd(r.recvWindowStart, n)
}

func (r *reliableBase) reset() {
	for _, op := range r.outstanding {
		op.pkt.DontRecycleNow = false
		r.pool.Recycle(op.pkt)
	}
	r.outstanding = make(map[uint16]*outstandingPacket)
	r.pendingOutgoing = nil
	for _, pkt := range r.ready {
		r.pool.Recycle(pkt)
	}
	r.ready = nil
}

// resendCountSnapshot exposes the cumulative retransmit count for
// Peer.PacketLoss (SPEC_FULL.md §6 SUPPLEMENTED FEATURES).
func (r *reliableBase) resendCountSnapshot() int { return r.resendCount }
