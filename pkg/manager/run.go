package manager

import (
	"encoding/binary"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"fastnet/pkg/channel"
	"fastnet/pkg/event"
	"fastnet/pkg/packet"
	"fastnet/pkg/peer"
)

// Socket send error codes spec §7's Error Handling Design treats as benign
// and drops silently rather than tearing the peer down: a datagram too
// large for the path, and a destination that is currently unroutable.
const (
	errnoMessageTooLong = 10040 // WSAEMSGSIZE / EMSGSIZE
	errnoNoRouteToHost  = 10065 // WSAEHOSTUNREACH / EHOSTUNREACH
)

// classifySendError reports whether a WriteTo error is one of the two
// codes spec §7 calls benign (message too long, no route to host), which
// are dropped silently rather than disconnecting the peer.
func classifySendError(err error) (errno syscall.Errno, benign bool) {
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch int(errno) {
	case errnoMessageTooLong, errnoNoRouteToHost, int(syscall.EMSGSIZE), int(syscall.EHOSTUNREACH):
		return errno, true
	default:
		return errno, false
	}
}

// deferredSend is one artificially delayed outbound datagram, used when
// SimulateLatency is enabled (SPEC_FULL.md §6 SUPPLEMENTED FEATURES).
type deferredSend struct {
	at   time.Time
	addr *net.UDPAddr
	buf  []byte
}

// Run executes exactly one tick: drains the MPSC submission queue, polls
// the socket until timeout elapses, updates every peer, flushes outbound
// packets, and delivers queued events to onEvent (spec §4.6 / §5).
func (m *Manager) Run(now time.Time, timeout time.Duration, onEvent func(*event.Event)) error {
	m.drainOutbound()

	deadline := now.Add(timeout)
	if err := m.sock.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		n, addr, err := m.sock.ReadFrom(m.recvBuf)
		if err != nil {
			break // deadline exceeded or transient I/O error: end receive phase
		}
		m.handleDatagram(m.recvBuf[:n], addr, now, onEvent)
	}

	m.tickPeers(now, onEvent)
	m.flushDeferred(now)

	for {
		e, ok := m.events.Pop()
		if !ok {
			break
		}
		onEvent(e)
		m.events.Recycle(e)
	}
	return nil
}

func (m *Manager) drainOutbound() {
	for {
		select {
		case item := <-m.outboundCh:
			if err := item.peer.Send(item.payload, item.delivery); err != nil {
				m.log.WithError(err).Warn("manager: send failed")
			}
		default:
			return
		}
	}
}

func (m *Manager) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time, onEvent func(*event.Event)) {
	if m.cfg.SimulatePacketLoss && m.rng.Float64() < m.cfg.SimulationPacketLossChance {
		m.metrics.packetsDropped.WithLabelValues("simulated").Inc()
		return
	}

	pkt := m.pool.GetAndRead(data, 0, len(data))
	if pkt == nil {
		m.metrics.packetsDropped.WithLabelValues("malformed").Inc()
		return
	}
	m.metrics.packetsRecv.WithLabelValues(pkt.Property.String()).Inc()

	addrKey := addr.String()
	if p, ok := m.peers.Get(addrKey); ok {
		m.deliverToPeer(p, pkt, addrKey, now, onEvent)
		return
	}
	m.handleUnconnected(pkt, addr, now, onEvent)
}

func (m *Manager) deliverToPeer(p *peer.Peer, pkt *packet.Packet, addrKey string, now time.Time, onEvent func(*event.Event)) {
	wasConnected := p.State == peer.Connected
	ready := p.ProcessIncoming(pkt, now)
	for _, r := range ready {
		e := m.events.Get()
		e.Type = event.Receive
		e.PeerAddr = addrKey
		e.PeerID = p.ConnectionID
		e.Data = r.Data
		e.Channel = r.Channel
		e.Delivery = event.DeliveryMethod(r.Delivery)
		m.events.Push(e)
	}
	if !wasConnected && p.State == peer.Connected {
		e := m.events.Get()
		e.Type = event.Connect
		e.PeerAddr = addrKey
		e.PeerID = p.ConnectionID
		m.events.Push(e)
	}
	m.emitRTTUpdate(p, addrKey)
	if p.State == peer.Disconnected {
		m.emitDisconnect(p, addrKey)
	}
}

// emitRTTUpdate surfaces one ConnectionLatencyUpdated event and one
// rttMillis observation per Pong that actually moved AvgRTT (spec §4.5:
// "Each RTT update produces a ConnectionLatencyUpdated event").
func (m *Manager) emitRTTUpdate(p *peer.Peer, addrKey string) {
	avg, ok := p.TakeRTTUpdate()
	if !ok {
		return
	}
	m.metrics.rttMillis.Observe(float64(avg.Milliseconds()))
	e := m.events.Get()
	e.Type = event.ConnectionLatencyUpdated
	e.PeerAddr = addrKey
	e.PeerID = p.ConnectionID
	e.LatencyMs = avg.Milliseconds()
	m.events.Push(e)
}

func (m *Manager) emitDisconnect(p *peer.Peer, addrKey string) {
	e := m.events.Get()
	e.Type = event.Disconnect
	e.PeerAddr = addrKey
	e.PeerID = p.ConnectionID
	e.DisconnectReason = int(p.DisconnectReason)
	e.DisconnectPayload = p.DisconnectPayload
	m.events.Push(e)
	m.resetPeerChannels(p)
	m.peers.Remove(addrKey)
}

func (m *Manager) resetPeerChannels(p *peer.Peer) {
	for _, ch := range peerChannels(p) {
		ch.Reset()
	}
}

func peerChannels(p *peer.Peer) []channel.Channel {
	var chans []channel.Channel
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

// handleUnconnected routes a datagram from an address with no registered
// peer: either a connection attempt, a discovery/unconnected side-channel
// message, or an unsolicited protocol packet that is dropped silently
// (spec §7 Protocol failures).
func (m *Manager) handleUnconnected(pkt *packet.Packet, addr *net.UDPAddr, now time.Time, onEvent func(*event.Event)) {
	switch pkt.Property {
	case packet.ConnectRequest:
		m.handleConnectRequest(pkt, addr, now, onEvent)
	case packet.Disconnect:
		// Unknown-peer Disconnect elicits ShutdownOk without creating any
		// state (spec §4.5: "Unknown-peer Disconnect elicits ShutdownOk
		// reply without state").
		m.pool.Recycle(pkt)
		ok := m.pool.Get(packet.ShutdownOk, 0, 0)
		ok.Encode(nil)
		m.sendNow(addr, ok)
	case packet.DiscoveryRequest:
		if m.cfg.DiscoveryEnabled {
			m.emitUnconnected(pkt, addr, 0)
			return
		}
		m.pool.Recycle(pkt)
	case packet.DiscoveryResponse:
		m.emitUnconnected(pkt, addr, 1)
	case packet.UnconnectedMessage:
		if m.cfg.UnconnectedMessagesEnabled {
			m.emitUnconnected(pkt, addr, 2)
			return
		}
		m.pool.Recycle(pkt)
	default:
		m.pool.Recycle(pkt) // channel-scoped packet from an unknown peer: drop
	}
}

func (m *Manager) emitUnconnected(pkt *packet.Packet, addr *net.UDPAddr, kind int) {
	e := m.events.Get()
	e.Type = event.ReceiveUnconnected
	e.PeerAddr = addr.String()
	e.Data = append([]byte(nil), pkt.Data()...)
	e.UnconnectedKind = kind
	m.events.Push(e)
	m.pool.Recycle(pkt)
}

// handleConnectRequest validates protocolId (and PasscodeKey, if
// configured) before admitting a new peer (spec §4.5, §6).
func (m *Manager) handleConnectRequest(pkt *packet.Packet, addr *net.UDPAddr, now time.Time, onEvent func(*event.Event)) {
	body := pkt.Data()
	if len(body) < 12 {
		m.pool.Recycle(pkt)
		return
	}
	protocolID := binary.LittleEndian.Uint32(body[0:4])
	if protocolID != m.cfg.ProtocolID {
		m.pool.Recycle(pkt) // wrong protocolId: dropped without response (spec §7)
		return
	}
	keyBytes := body[12:]

	accept := true
	if m.cfg.PasscodeKey != "" {
		accept = string(keyBytes) == m.cfg.PasscodeKey
	} else {
		pending := &event.PendingConnection{Addr: addr.String()}
		e := m.events.Get()
		e.Type = event.ConnectionRequest
		e.PeerAddr = addr.String()
		e.Pending = pending
		onEvent(e)
		m.events.Recycle(e)
		accept = pending.Decision()
	}
	if !accept {
		m.pool.Recycle(pkt)
		return
	}
	if m.peers.Full() {
		m.pool.Recycle(pkt)
		return
	}

	p := m.newPeer(addr)
	p.HandleConnectRequest(pkt)
	m.peers.Add(addr.String(), p)

	e := m.events.Get()
	e.Type = event.Connect
	e.PeerAddr = addr.String()
	e.PeerID = p.ConnectionID
	m.events.Push(e)
}

func (m *Manager) tickPeers(now time.Time, onEvent func(*event.Event)) {
	connected := 0
	for _, p := range m.peers.All() {
		addrKey := p.Addr.String()
		wasConnected := p.State == peer.Connected

		if p.State == peer.InProgress {
			p.TickConnect(now)
		}
		if p.State == peer.ShutdownRequested {
			p.TickShutdown(now)
		}
		p.CheckTimeout(now)
		p.TickMtuDiscovery(now, m.cfg.PingInterval)
		p.ExpireStaleFragments(now)

		if p.State == peer.Connected && now.Sub(p.LastPingSent()) >= m.cfg.PingInterval {
			p.SendPing(now)
		}
		if !wasConnected && p.State == peer.Connected {
			e := m.events.Get()
			e.Type = event.Connect
			e.PeerAddr = addrKey
			e.PeerID = p.ConnectionID
			m.events.Push(e)
		}

		for _, pkt := range p.Flush(now) {
			m.metrics.packetsSent.WithLabelValues(pkt.Property.String()).Inc()
			if m.cfg.SimulateLatency {
				m.enqueueDeferred(p.Addr, pkt, now)
				continue
			}
			m.sendNow(p.Addr, pkt)
		}

		if p.State == peer.Disconnected {
			m.emitDisconnect(p, addrKey)
			continue
		}
		if p.State == peer.Connected {
			connected++
		}
	}
	m.metrics.connectedPeers.Set(float64(connected))
}

func (m *Manager) sendNow(addr *net.UDPAddr, pkt *packet.Packet) {
	if _, err := m.sock.WriteTo(pkt.Buf, addr); err != nil {
		m.handleSendError(addr, err)
	}
	m.pool.Recycle(pkt)
}

// handleSendError implements spec §7's Error Handling Design: "message too
// long" and "no route to host" are dropped silently, every other non-zero
// send code disconnects the peer with reason SocketSendError and surfaces
// an Error event.
func (m *Manager) handleSendError(addr *net.UDPAddr, err error) {
	errno, benign := classifySendError(err)
	if benign {
		m.log.WithError(err).Debug("manager: write error (benign)")
		return
	}
	m.log.WithError(err).Warn("manager: write error")

	e := m.events.Get()
	e.Type = event.Error
	e.PeerAddr = addr.String()
	e.ErrorCode = int(errno)
	e.ErrorText = err.Error()
	m.events.Push(e)

	// FailSend only flips the peer's state; the caller's usual
	// State == Disconnected check (tickPeers, deliverToPeer) is what
	// actually emits the Disconnect event and tears the peer down, so a
	// send error reported mid-tick doesn't double-emit.
	if p, ok := m.peers.Get(addr.String()); ok {
		p.FailSend()
	}
}

func (m *Manager) enqueueDeferred(addr *net.UDPAddr, pkt *packet.Packet, now time.Time) {
	lo, hi := m.cfg.SimulationMinLatency, m.cfg.SimulationMaxLatency
	delay := lo
	if hi > lo {
		delay = lo + time.Duration(m.rng.Int63n(int64(hi-lo)))
	}
	buf := append([]byte(nil), pkt.Buf...)
	m.pool.Recycle(pkt)
	m.deferred = append(m.deferred, deferredSend{at: now.Add(delay), addr: addr, buf: buf})
}

func (m *Manager) flushDeferred(now time.Time) {
	remaining := m.deferred[:0]
	for _, d := range m.deferred {
		if now.Before(d.at) {
			remaining = append(remaining, d)
			continue
		}
		if _, err := m.sock.WriteTo(d.buf, d.addr); err != nil {
			m.handleSendError(d.addr, err)
		}
	}
	m.deferred = remaining
}
