package peer

import (
	"encoding/binary"
	"time"

	"fastnet/pkg/packet"
)

// BeginConnect builds and queues the first ConnectRequest (client side),
// carrying the local protocol id and connection id so the remote can
// accept or reject based on protocol compatibility (spec §4.5).
func (p *Peer) BeginConnect(now time.Time) {
	p.connectAttempts = 1
	p.lastConnectSent = now
	p.outbound = append(p.outbound, p.buildConnectRequest())
}

func (p *Peer) buildConnectRequest() *packet.Packet {
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:], p.cfg.ProtocolID)
	binary.LittleEndian.PutUint64(body[4:], p.ConnectionID)
	pkt := p.pool.Get(packet.ConnectRequest, 0, len(body))
	pkt.Encode(body)
	return pkt
}

// TickConnect retransmits ConnectRequest at ReconnectDelay intervals while
// InProgress, giving up after MaxConnectAttempts (spec §4.5, §9 Open
// Questions: handshake retry budget).
func (p *Peer) TickConnect(now time.Time) {
	if p.State != InProgress {
		return
	}
	if now.Sub(p.lastConnectSent) < p.cfg.ReconnectDelay {
		return
	}
	if p.connectAttempts >= p.cfg.MaxConnectAttempts {
		p.State = Disconnected
		p.DisconnectReason = ConnectionFailed
		return
	}
	p.connectAttempts++
	p.lastConnectSent = now
	p.outbound = append(p.outbound, p.buildConnectRequest())
}

// HandleConnectRequest is the server-side counterpart: called by the
// manager for a freshly-created Peer upon receiving the remote's
// ConnectRequest. The client's connectionId (bytes 4:12 of the body) is
// adopted as this Peer's own ConnectionID and echoed back in ConnectAccept,
// since spec §6/§9 treat it as a single value shared by both ends, not a
// server-local allocation. Replies with ConnectAccept and transitions
// directly to Connected (no three-way handshake per spec §4.5).
func (p *Peer) HandleConnectRequest(pkt *packet.Packet) {
	body := pkt.Data()
	p.pool.Recycle(pkt)
	if len(body) >= 12 {
		p.ConnectionID = binary.LittleEndian.Uint64(body[4:12])
	}
	p.State = Connected
	accept := make([]byte, 8)
	binary.LittleEndian.PutUint64(accept, p.ConnectionID)
	pkt2 := p.pool.Get(packet.ConnectAccept, 0, len(accept))
	pkt2.Encode(accept)
	p.outbound = append(p.outbound, pkt2)
}

// HandleConnectAccept is the client-side counterpart: transitions an
// InProgress peer to Connected once the remote confirms, but only if the
// echoed connectionId matches the one this Peer sent in its ConnectRequest
// (spec §4.5: "Client processes ConnectAccept by matching connectionId";
// Glossary: the stale-duplicate guard). A mismatched reply is dropped with
// no state change.
func (p *Peer) HandleConnectAccept(pkt *packet.Packet) {
	body := pkt.Data()
	p.pool.Recycle(pkt)
	if len(body) < 8 {
		return
	}
	if binary.LittleEndian.Uint64(body) != p.ConnectionID {
		return
	}
	if p.State == InProgress {
		p.State = Connected
	}
}

// BeginDisconnect sends Disconnect and moves to ShutdownRequested,
// awaiting ShutdownOk before the peer is finally torn down (spec §4.5).
func (p *Peer) BeginDisconnect(now time.Time, payload []byte) {
	if p.State == Disconnected || p.State == ShutdownRequested {
		return
	}
	p.State = ShutdownRequested
	p.shutdownPayload = payload
	p.lastShutdownSent = now
	p.outbound = append(p.outbound, p.buildDisconnect())
}

// buildDisconnect wires a Disconnect body of connectionId u64 | userPayload
// (spec §6 External Interfaces), so the receiver can guard against a stale
// duplicate connection before tearing down state.
func (p *Peer) buildDisconnect() *packet.Packet {
	body := make([]byte, 8+len(p.shutdownPayload))
	binary.LittleEndian.PutUint64(body, p.ConnectionID)
	copy(body[8:], p.shutdownPayload)
	pkt := p.pool.Get(packet.Disconnect, 0, len(body))
	pkt.Encode(body)
	return pkt
}

// TickShutdown resends Disconnect until ShutdownOk arrives or
// DisconnectTimeout elapses, at which point the peer is torn down anyway
// (spec §4.5: shutdown must not hang forever on a silent peer).
func (p *Peer) TickShutdown(now time.Time) bool {
	if p.State != ShutdownRequested {
		return false
	}
	if now.Sub(p.lastShutdownSent) > p.cfg.DisconnectTimeout {
		p.State = Disconnected
		p.DisconnectReason = DisconnectPeerCalled
		return true
	}
	if now.Sub(p.lastShutdownSent) >= resendInterval {
		p.lastShutdownSent = now
		p.outbound = append(p.outbound, p.buildDisconnect())
	}
	return false
}

const resendInterval = 200 * time.Millisecond

// HandleDisconnect is the receiving side's reaction to a remote-initiated
// Disconnect: if the body's connectionId matches this Peer's, acknowledge
// with ShutdownOk and tear down immediately (spec §4.5: "receiver, if
// matching connectionId, surfaces Disconnect and replies ShutdownOk"). A
// mismatched connectionId is ignored with no reply and no state change,
// since it signals a stale duplicate rather than this connection closing.
func (p *Peer) HandleDisconnect(pkt *packet.Packet) []byte {
	body := append([]byte(nil), pkt.Data()...)
	p.pool.Recycle(pkt)
	if len(body) < 8 {
		return nil
	}
	if binary.LittleEndian.Uint64(body) != p.ConnectionID {
		return nil
	}
	payload := body[8:]
	p.State = Disconnected
	ok := p.pool.Get(packet.ShutdownOk, 0, 0)
	ok.Encode(nil)
	p.outbound = append(p.outbound, ok)
	return payload
}

// HandleShutdownOk completes a locally-initiated disconnect.
func (p *Peer) HandleShutdownOk(pkt *packet.Packet) {
	p.pool.Recycle(pkt)
	p.State = Disconnected
	p.DisconnectReason = DisconnectPeerCalled
}

// FailSend tears the peer down immediately after an unrecoverable socket
// write error, bypassing the usual Disconnect/ShutdownOk exchange since the
// socket itself is the thing that failed (spec §7 Error Handling Design).
func (p *Peer) FailSend() {
	if p.State == Disconnected {
		return
	}
	p.State = Disconnected
	p.DisconnectReason = SocketSendError
}

// CheckTimeout reports Timeout if no packet has arrived within
// DisconnectTimeout of a connected peer (spec §4.5).
func (p *Peer) CheckTimeout(now time.Time) bool {
	if p.State != Connected && p.State != InProgress {
		return false
	}
	if now.Sub(p.lastPacketReceiveTime) > p.cfg.DisconnectTimeout {
		wasConnected := p.State == Connected
		p.State = Disconnected
		if wasConnected {
			p.DisconnectReason = Timeout
		} else {
			p.DisconnectReason = ConnectionFailed
		}
		return true
	}
	return false
}
