package peer

import (
	"time"

	"fastnet/pkg/packet"
)

// handlePing answers an incoming Ping with a Pong echoing its timestamp
// payload, and returns no application event (spec §4.5: Ping/Pong never
// surface to the user).
func (p *Peer) handlePing(pkt *packet.Packet, now time.Time) []ReadyPayload {
	stamp := pkt.Data()
	p.pool.Recycle(pkt)
	pong := p.pool.Get(packet.Pong, 0, len(stamp))
	pong.Encode(stamp)
	p.outbound = append(p.outbound, pong)
	return nil
}

// handlePong folds the echoed timestamp's round trip into the RTT EMA
// (spec §4.5, window 6).
func (p *Peer) handlePong(pkt *packet.Packet, now time.Time) {
	data := pkt.Data()
	defer p.pool.Recycle(pkt)
	if len(data) < 8 {
		return
	}
	sentUnixNano := decodeUint64(data)
	sample := now.Sub(time.Unix(0, int64(sentUnixNano)))
	if sample < 0 {
		return
	}
	p.RTT = sample
	if p.rttCount == 0 {
		p.AvgRTT = sample
	} else {
		// EMA over an effective window of rttWindow samples: alpha = 2/(n+1).
		alpha := 2.0 / float64(rttWindow+1)
		p.AvgRTT = time.Duration(float64(p.AvgRTT)*(1-alpha) + float64(sample)*alpha)
	}
	if p.rttCount < rttWindow {
		p.rttCount++
	}
	p.rttDirty = true
}

// TakeRTTUpdate reports the current AvgRTT and clears the dirty flag if a
// Pong updated it since the last call, letting the manager emit exactly one
// ConnectionLatencyUpdated event per sample (spec §4.5, window 6).
func (p *Peer) TakeRTTUpdate() (time.Duration, bool) {
	if !p.rttDirty {
		return 0, false
	}
	p.rttDirty = false
	return p.AvgRTT, true
}

// LastPingSent reports when SendPing was last called, so the manager's
// tick loop can decide when PingInterval has elapsed again.
func (p *Peer) LastPingSent() time.Time { return p.lastPingSent }

// SendPing emits a Ping carrying the current timestamp, called by the
// manager's tick loop at PingInterval.
func (p *Peer) SendPing(now time.Time) {
	body := make([]byte, 8)
	encodeUint64(body, uint64(now.UnixNano()))
	pkt := p.pool.Get(packet.Ping, 0, len(body))
	pkt.Encode(body)
	p.outbound = append(p.outbound, pkt)
	p.lastPingSent = now
}

func encodeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// handleMtuCheck answers a probe for candidate size len(pkt.Buf) with an
// MtuOk of the same size, letting the prober infer the path MTU from
// whichever candidates round-trip successfully (spec §4.5 MTU discovery).
func (p *Peer) handleMtuCheck(pkt *packet.Packet) {
	size := len(pkt.Buf)
	p.pool.Recycle(pkt)
	body := make([]byte, size-packet.HeaderSize(packet.MtuOk, false))
	ok := p.pool.Get(packet.MtuOk, 0, len(body))
	ok.Encode(body)
	p.outbound = append(p.outbound, ok)
}

// handleMtuOk records a successful probe at the current candidate and
// advances to the next rung, or concludes discovery at the top of the
// ladder (spec §4.5).
func (p *Peer) handleMtuOk(pkt *packet.Packet) {
	probedSize := len(pkt.Buf)
	p.pool.Recycle(pkt)
	if !p.mtuProbing {
		return
	}
	if probedSize < mtuCandidates[p.mtuIdx] {
		return // stale reply for an earlier, already-superseded probe
	}
	p.mtuNegotiated = mtuCandidates[p.mtuIdx]
	p.mtuProbeMisses = 0
	if p.mtuIdx+1 >= len(mtuCandidates) {
		p.mtuProbing = false
		return
	}
	p.mtuIdx++
	p.sendMtuProbe()
}

// sendMtuProbe emits an MtuCheck padded to the next candidate rung.
func (p *Peer) sendMtuProbe() {
	size := mtuCandidates[p.mtuIdx]
	body := make([]byte, size-packet.HeaderSize(packet.MtuCheck, false))
	pkt := p.pool.Get(packet.MtuCheck, 0, len(body))
	pkt.Encode(body)
	p.outbound = append(p.outbound, pkt)
}

// StartMtuDiscovery sends the first probe at mtuIdx when probing is on.
// New leaves probing off for every MtuStartIdx and package manager never
// calls this method, so a Peer built by a Manager keeps the MTU New chose
// and sends no MtuCheck probes.
func (p *Peer) StartMtuDiscovery() {
	if !p.mtuProbing {
		return
	}
	p.sendMtuProbe()
}

// TickMtuDiscovery retries the current probe after a timeout, giving up
// after maxMtuProbeRetry misses (spec §4.5: discovery abandons upward
// probing rather than blocking the connection indefinitely).
func (p *Peer) TickMtuDiscovery(now time.Time, probeTimeout time.Duration) {
	if !p.mtuProbing {
		return
	}
	if now.Sub(p.lastSendTime) < probeTimeout {
		return
	}
	p.mtuProbeMisses++
	if p.mtuProbeMisses >= maxMtuProbeRetry {
		p.mtuProbing = false
		return
	}
	p.sendMtuProbe()
}

// handleMerged unpacks a Merged container (spec §4.5 small-packet
// coalescing) into its constituent wire packets and processes each in
// turn, concatenating any resulting ready payloads.
func (p *Peer) handleMerged(pkt *packet.Packet, now time.Time) []ReadyPayload {
	body := pkt.Data()
	p.pool.Recycle(pkt)

	var ready []ReadyPayload
	off := 0
	for off+2 <= len(body) {
		length := int(body[off])<<8 | int(body[off+1])
		off += 2
		if off+length > len(body) {
			break
		}
		inner := p.pool.Get(packet.Unreliable, 0, length)
		if err := packet.Decode(inner, body, off, length); err != nil {
			p.pool.Recycle(inner)
			off += length
			continue
		}
		ready = append(ready, p.ProcessIncoming(inner, now)...)
		off += length
	}
	return ready
}

// QueueForMerge appends a small outgoing packet's wire bytes to the merge
// buffer instead of sending it standalone (spec §4.5); the buffer is
// flushed once it would exceed mtuNegotiated or at end of tick.
func (p *Peer) QueueForMerge(pkt *packet.Packet) {
	if !p.mergeEnabled {
		p.outbound = append(p.outbound, pkt)
		return
	}
	wire := pkt.Buf
	if len(p.mergeBuf)+2+len(wire) > p.mtuNegotiated {
		p.flushMerge()
	}
	p.mergeBuf = append(p.mergeBuf, byte(len(wire)>>8), byte(len(wire)))
	p.mergeBuf = append(p.mergeBuf, wire...)
	p.pool.Recycle(pkt)
}

func (p *Peer) flushMerge() {
	if len(p.mergeBuf) == 0 {
		return
	}
	pkt := p.pool.Get(packet.Merged, 0, len(p.mergeBuf))
	pkt.Encode(p.mergeBuf)
	p.outbound = append(p.outbound, pkt)
	p.mergeBuf = p.mergeBuf[:0]
}

// Flush drains every channel's due packets (new sends, retransmits,
// pending ACKs) through the merge buffer (if small enough) or straight to
// outbound, and returns the accumulated batch for the caller to hand to
// the socket. This is the single per-tick integration point spec §5
// assigns to Peer.
func (p *Peer) Flush(now time.Time) []*packet.Packet {
	for _, ch := range p.activeChannels() {
		for _, pkt := range ch.SendNextPackets(now, p.AvgRTT) {
			if pkt.Size() < p.mtuNegotiated/2 {
				p.QueueForMerge(pkt)
			} else {
				p.outbound = append(p.outbound, pkt)
			}
		}
	}
	p.flushMerge()

	out := p.outbound
	p.outbound = nil
	if len(out) > 0 {
		p.lastSendTime = now
	}
	return out
}

func (p *Peer) activeChannels() []interface {
	SendNextPackets(time.Time, time.Duration) []*packet.Packet
} {
	var chans []interface {
		SendNextPackets(time.Time, time.Duration) []*packet.Packet
	}
	if p.Channels.Simple != nil {
		chans = append(chans, p.Channels.Simple)
	}
	if p.Channels.Sequenced != nil {
		chans = append(chans, p.Channels.Sequenced)
	}
	if p.Channels.ReliableUnordered != nil {
		chans = append(chans, p.Channels.ReliableUnordered)
	}
	if p.Channels.ReliableOrdered != nil {
		chans = append(chans, p.Channels.ReliableOrdered)
	}
	return chans
}
