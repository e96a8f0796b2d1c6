// Package manager implements the socket pump, connection lifecycle and
// event dispatch described in spec §4.6, grounded on the reference
// server's Start/listen/updateLoop structure (source/server/server.go) but
// restructured into the single-threaded cooperative tick spec §5 requires
// instead of the reference's separate reader/ticker goroutines.
package manager

import (
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"fastnet/pkg/event"
	"fastnet/pkg/peer"
	"fastnet/pkg/peertable"
	"fastnet/pkg/pool"
	"fastnet/pkg/socket"
)

// ErrAlreadyRunning is returned by Start when called on a running Manager.
var ErrAlreadyRunning = errors.New("manager: already running")

const receiveBufferSize = 1 << 16

// outboundSend is one item of the MPSC cross-thread submission queue
// SPEC_FULL.md §7 requires: any goroutine may enqueue a send, drained at
// the start of every Run tick.
type outboundSend struct {
	peer     *peer.Peer
	payload  []byte
	delivery peer.DeliveryMethod
}

// Manager owns the socket, the peer table, the packet pool and the event
// queue, and drives all of them from the caller's Run loop.
type Manager struct {
	cfg Config
	log logrus.FieldLogger

	sock    socket.Socket
	running bool

	pool    *pool.Pool
	peers   *peertable.Table
	events  *event.Queue
	metrics *metrics

	outboundCh chan outboundSend
	recvBuf    []byte
	deferred   []deferredSend

	rng *rand.Rand
}

// New constructs a Manager with cfg (use DefaultConfig() as a base).
func New(cfg Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		pool:       pool.New(cfg.poolLimit()),
		peers:      peertable.New(cfg.MaxConnections),
		events:     event.NewQueue(),
		metrics:    newMetrics(),
		outboundCh: make(chan outboundSend, cfg.OutboundQueueSize),
		recvBuf:    make([]byte, receiveBufferSize),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Metrics exposes the Prometheus registry for an embedder to serve over
// its own /metrics endpoint; fastnet never starts an HTTP listener itself.
func (m *Manager) Metrics() *prometheus.Registry { return m.metrics.registry }

// Start binds the UDP socket and marks the manager running (spec §4.6).
func (m *Manager) Start(host string, port int) error {
	if m.running {
		return ErrAlreadyRunning
	}
	network := "udp"
	switch {
	case m.cfg.EnableIPv4 && !m.cfg.EnableIPv6:
		network = "udp4"
	case m.cfg.EnableIPv6 && !m.cfg.EnableIPv4:
		network = "udp6"
	}
	addr, err := net.ResolveUDPAddr(network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "manager: bind error")
	}
	sock, err := socket.ListenNetwork(network, addr)
	if err != nil {
		return errors.Wrap(err, "manager: bind error")
	}
	m.sock = sock
	m.running = true
	m.log.WithFields(logrus.Fields{"host": host, "port": port}).Info("manager started")
	return nil
}

// SetSocket installs a preconfigured Socket (e.g. a Dial()-ed client
// socket, or a fake for tests) instead of binding one via Start.
func (m *Manager) SetSocket(s socket.Socket) {
	m.sock = s
	m.running = true
}

// Connect initiates a client-side handshake to endpoint (spec §4.6). It
// returns the existing peer if one is already registered for that address,
// or nil if MaxConnections would be exceeded.
func (m *Manager) Connect(endpoint *net.UDPAddr, now time.Time) *peer.Peer {
	addr := endpoint.String()
	if existing, ok := m.peers.Get(addr); ok {
		return existing
	}
	if m.peers.Full() {
		return nil
	}
	p := m.newPeer(endpoint)
	p.BeginConnect(now)
	m.peers.Add(addr, p)
	return p
}

func (m *Manager) newPeer(endpoint *net.UDPAddr) *peer.Peer {
	return peer.New(endpoint, peer.NewConnectionID(), m.pool, m.cfg.peerConfig(),
		m.cfg.EnableSimple, m.cfg.EnableSequenced, m.cfg.EnableReliableUnordered, m.cfg.EnableReliableOrdered, m.log)
}

// Send marshals an application send through the MPSC submission queue
// (SPEC_FULL.md §7), safe to call from any goroutine.
func (m *Manager) Send(p *peer.Peer, payload []byte, delivery peer.DeliveryMethod) {
	m.outboundCh <- outboundSend{peer: p, payload: payload, delivery: delivery}
}

// SendToAll enqueues payload for delivery to every connected peer except
// exclude (spec §4.6).
func (m *Manager) SendToAll(payload []byte, delivery peer.DeliveryMethod, exclude *peer.Peer) {
	for _, p := range m.peers.All() {
		if p == exclude || p.State != peer.Connected {
			continue
		}
		m.Send(p, payload, delivery)
	}
}

// DisconnectPeer begins a graceful shutdown of p, idempotent per spec §5.
func (m *Manager) DisconnectPeer(p *peer.Peer, payload []byte, now time.Time) {
	p.BeginDisconnect(now, payload)
}

// DisconnectAll begins a graceful shutdown of every peer.
func (m *Manager) DisconnectAll(payload []byte, now time.Time) {
	for _, p := range m.peers.All() {
		m.DisconnectPeer(p, payload, now)
	}
}

// PeersCount reports the number of peers currently in the table.
func (m *Manager) PeersCount() int { return m.peers.Len() }

// LocalAddr reports the bound socket's address, useful when Start was
// called with port 0 to pick an ephemeral port.
func (m *Manager) LocalAddr() net.Addr { return m.sock.LocalAddr() }

// PeerAt looks up the peer registered for addr, or nil if none.
func (m *Manager) PeerAt(addr *net.UDPAddr) *peer.Peer {
	p, ok := m.peers.Get(addr.String())
	if !ok {
		return nil
	}
	return p
}
