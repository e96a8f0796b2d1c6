// Package peer implements the per-connection state machine described in
// SPEC_FULL.md §5: handshake, RTT estimation, MTU discovery, merge, and the
// four delivery channels, composed the way the reference RakNet server's
// Session composes its send/receive queues and timers.
package peer

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"fastnet/pkg/channel"
	"fastnet/pkg/fragment"
	"fastnet/pkg/packet"
	"fastnet/pkg/pool"
)

// ConnectionState mirrors spec §3's Peer.connectionState enum.
type ConnectionState int

const (
	InProgress ConnectionState = iota
	Connected
	ShutdownRequested
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case InProgress:
		return "InProgress"
	case Connected:
		return "Connected"
	case ShutdownRequested:
		return "ShutdownRequested"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// DisconnectReason mirrors spec §7's Disconnect event reason enum.
type DisconnectReason int

const (
	RemoteConnectionClose DisconnectReason = iota
	SocketSendError
	Timeout
	DisconnectPeerCalled
	ConnectionFailed
)

func (r DisconnectReason) String() string {
	switch r {
	case RemoteConnectionClose:
		return "RemoteConnectionClose"
	case SocketSendError:
		return "SocketSendError"
	case Timeout:
		return "Timeout"
	case DisconnectPeerCalled:
		return "DisconnectPeerCalled"
	case ConnectionFailed:
		return "ConnectionFailed"
	default:
		return "Unknown"
	}
}

// MTU candidates, minus the 68-byte UDP/IPv4 overhead margin (spec §3).
var mtuCandidates = [...]int{576 - 68, 1492 - 68, 1500 - 68, 4352 - 68, 4464 - 68, 7981 - 68}

const (
	maxChannels      = 4 // Unreliable, ReliableUnordered, ReliableOrdered, Sequenced
	rttWindow        = 6
	maxMtuProbeRetry = 3
)

// ChannelSet names the four delivery channels a Peer may expose; a channel
// is present only if enabled in the owning Manager's config.
type ChannelSet struct {
	Simple            *channel.Simple
	Sequenced         *channel.Sequenced
	ReliableUnordered *channel.ReliableUnordered
	ReliableOrdered   *channel.ReliableOrdered
}

// DeliveryMethod selects which of the four channels Peer.Send uses.
type DeliveryMethod int

const (
	Unreliable DeliveryMethod = iota
	ReliableUnorderedDelivery
	ReliableOrderedDelivery
	SequencedDelivery
)

func (d DeliveryMethod) property() packet.Property {
	switch d {
	case Unreliable:
		return packet.Unreliable
	case ReliableUnorderedDelivery:
		return packet.ReliableUnordered
	case ReliableOrderedDelivery:
		return packet.ReliableOrdered
	case SequencedDelivery:
		return packet.Sequenced
	default:
		return packet.Unreliable
	}
}

// Config carries the subset of manager.Config a Peer needs, passed down
// rather than importing package manager (which imports package peer).
type Config struct {
	WindowSize      uint16
	PingInterval    time.Duration
	DisconnectTimeout time.Duration
	ReconnectDelay  time.Duration
	MaxConnectAttempts int
	MergeEnabled    bool
	MtuStartIdx     int
	MaxFragmentedSize int
	ProtocolID      uint32
}

// DefaultConfig matches spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         channel.DefaultWindowSize,
		PingInterval:       time.Second,
		DisconnectTimeout:  5 * time.Second,
		ReconnectDelay:     500 * time.Millisecond,
		MaxConnectAttempts: 10,
		MergeEnabled:       true,
		MtuStartIdx:        -1,
		MaxFragmentedSize:  64 * 1024,
		ProtocolID:         1,
	}
}

// fragmentKey identifies one in-flight reassembly entry.
type fragmentKey struct {
	channel    byte
	fragmentID uint16
}

type fragmentEntry struct {
	buf       *fragment.Buffer
	lastTouch time.Time
}

// Peer is one remote endpoint's connection state.
type Peer struct {
	Addr         *net.UDPAddr
	ConnectionID uint64
	State        ConnectionState

	// DisconnectReason and DisconnectPayload are set when State transitions
	// to Disconnected; the manager reads them once per transition to emit
	// the Disconnect event (spec §7).
	DisconnectReason  DisconnectReason
	DisconnectPayload []byte

	Channels ChannelSet

	mtuIdx        int
	mtuNegotiated int
	mtuProbeMisses int
	mtuProbing    bool

	RTT              time.Duration
	rttCount         int
	AvgRTT           time.Duration
	rttDirty         bool
	lastPingSent     time.Time
	pendingPingStamp uint64

	lastPacketReceiveTime time.Time
	lastSendTime          time.Time

	fragmentIDCounter uint16
	reassembly        map[fragmentKey]*fragmentEntry

	mergeBuf    []byte
	mergeEnabled bool

	connectAttempts int
	lastConnectSent time.Time
	shutdownPayload []byte
	lastShutdownSent time.Time

	pool   *pool.Pool
	cfg    Config
	log    logrus.FieldLogger

	// outbound is populated by Flush and drained by the caller (Manager)
	// into the socket; it exists so Peer never imports package socket.
	outbound []*packet.Packet
}

// New constructs a Peer in InProgress state with the channels enabled per
// cfg. connID is the locally-generated connection id (client: random,
// server: accepted from the ConnectRequest).
func New(addr *net.UDPAddr, connID uint64, p *pool.Pool, cfg Config, enableSimple, enableSequenced, enableReliableUnordered, enableReliableOrdered bool, log logrus.FieldLogger) *Peer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pr := &Peer{
		Addr:                  addr,
		ConnectionID:          connID,
		State:                 InProgress,
		pool:                  p,
		cfg:                   cfg,
		log:                   log,
		reassembly:            make(map[fragmentKey]*fragmentEntry),
		mergeEnabled:          cfg.MergeEnabled,
		lastPacketReceiveTime: time.Now(),
		lastSendTime:          time.Now(),
	}
	if enableSimple {
		pr.Channels.Simple = channel.NewSimple(p, 0)
	}
	if enableSequenced {
		pr.Channels.Sequenced = channel.NewSequenced(p, 0)
	}
	if enableReliableUnordered {
		pr.Channels.ReliableUnordered = channel.NewReliableUnordered(p, 0, cfg.WindowSize)
	}
	if enableReliableOrdered {
		pr.Channels.ReliableOrdered = channel.NewReliableOrdered(p, 0, cfg.WindowSize)
	}

	if cfg.MtuStartIdx < 0 {
		// Spec §4.5 is explicit: MtuStartIdx < 0 disables probing outright
		// and fixes mtuNegotiated at index 1, rather than autodetecting from
		// there (the more specific of the two conflicting spec passages wins).
		pr.mtuIdx = 1
		pr.mtuNegotiated = mtuCandidates[1]
		pr.mtuProbing = false
	} else {
		idx := cfg.MtuStartIdx
		if idx >= len(mtuCandidates) {
			idx = len(mtuCandidates) - 1
		}
		pr.mtuIdx = idx
		pr.mtuNegotiated = mtuCandidates[idx]
		pr.mtuProbing = false
	}
	return pr
}

// MTU returns the currently negotiated MTU.
func (p *Peer) MTU() int { return p.mtuNegotiated }

func (p *Peer) channelFor(d DeliveryMethod) channel.Channel {
	switch d {
	case Unreliable:
		if p.Channels.Simple != nil {
			return p.Channels.Simple
		}
	case SequencedDelivery:
		if p.Channels.Sequenced != nil {
			return p.Channels.Sequenced
		}
	case ReliableUnorderedDelivery:
		if p.Channels.ReliableUnordered != nil {
			return p.Channels.ReliableUnordered
		}
	case ReliableOrderedDelivery:
		if p.Channels.ReliableOrdered != nil {
			return p.Channels.ReliableOrdered
		}
	}
	return nil
}

// ErrChannelDisabled is returned by Send when the requested delivery
// method's channel was not enabled on the owning Manager.
var ErrChannelDisabled = errors.New("peer: delivery channel not enabled")

// Send fragments payload as needed (spec §4.4) and enqueues the resulting
// packet(s) on the channel matching delivery.
func (p *Peer) Send(payload []byte, delivery DeliveryMethod) error {
	ch := p.channelFor(delivery)
	if ch == nil {
		return ErrChannelDisabled
	}
	property := delivery.property()

	pkts, err := fragment.Split(p.pool, property, 0, payload, p.mtuNegotiated, p.fragmentIDCounter, p.cfg.MaxFragmentedSize)
	if err != nil {
		return errors.Wrap(err, "peer: send")
	}
	if len(pkts) > 1 {
		p.fragmentIDCounter++
	}
	for _, pkt := range pkts {
		var frag *channel.FragmentInfo
		if pkt.IsFragmented {
			frag = &channel.FragmentInfo{
				FragmentID:     pkt.FragmentID,
				FragmentPart:   pkt.FragmentPart,
				FragmentsTotal: pkt.FragmentsTotal,
			}
		}
		if err := ch.AddToQueue(pkt.Data(), frag); err != nil {
			return err
		}
		p.pool.Recycle(pkt) // AddToQueue re-encodes payload into the channel's own packet
	}
	return nil
}

// ReadyPayload is a fully reassembled (or never-fragmented) application
// payload surfaced to the Manager's event queue.
type ReadyPayload struct {
	Channel  byte
	Delivery DeliveryMethod
	Data     []byte
}

// ProcessIncoming routes a decoded wire packet to the right channel and
// returns any newly-ready payloads (after fragment reassembly).
func (p *Peer) ProcessIncoming(pkt *packet.Packet, now time.Time) []ReadyPayload {
	p.lastPacketReceiveTime = now

	switch pkt.Property {
	case packet.Ping:
		return p.handlePing(pkt, now)
	case packet.Pong:
		p.handlePong(pkt, now)
		return nil
	case packet.MtuCheck:
		p.handleMtuCheck(pkt)
		return nil
	case packet.MtuOk:
		p.handleMtuOk(pkt)
		return nil
	case packet.Merged:
		return p.handleMerged(pkt, now)
	case packet.ConnectRequest:
		p.HandleConnectRequest(pkt)
		return nil
	case packet.ConnectAccept:
		p.HandleConnectAccept(pkt)
		return nil
	case packet.Disconnect:
		payload := p.HandleDisconnect(pkt)
		if p.State == Disconnected {
			p.DisconnectPayload = payload
			p.DisconnectReason = RemoteConnectionClose
		}
		return nil
	case packet.ShutdownOk:
		p.HandleShutdownOk(pkt)
		return nil
	}

	var ready []ReadyPayload
	if pkt.Property == packet.Unreliable && p.Channels.Simple != nil {
		if p.Channels.Simple.ProcessPacket(pkt) {
			ready = append(ready, p.deliver(pkt, Unreliable, now)...)
		}
		return ready
	}
	if pkt.Property == packet.Sequenced && p.Channels.Sequenced != nil {
		if p.Channels.Sequenced.ProcessPacket(pkt) {
			ready = append(ready, p.deliver(pkt, SequencedDelivery, now)...)
		}
		return ready
	}
	if (pkt.Property == packet.ReliableUnordered || pkt.Property == packet.Ack) && p.Channels.ReliableUnordered != nil {
		p.Channels.ReliableUnordered.ProcessPacket(pkt)
		for {
			out, ok := p.Channels.ReliableUnordered.PopIncoming()
			if !ok {
				break
			}
			ready = append(ready, p.deliver(out, ReliableUnorderedDelivery, now)...)
		}
		return ready
	}
	if (pkt.Property == packet.ReliableOrdered || pkt.Property == packet.AckOrdered) && p.Channels.ReliableOrdered != nil {
		p.Channels.ReliableOrdered.ProcessPacket(pkt)
		for {
			out, ok := p.Channels.ReliableOrdered.PopIncoming()
			if !ok {
				break
			}
			ready = append(ready, p.deliver(out, ReliableOrderedDelivery, now)...)
		}
		return ready
	}

	p.pool.Recycle(pkt)
	return ready
}

// deliver feeds a channel-surfaced packet through fragment reassembly
// (spec §4.4) and returns zero or one completed ReadyPayload.
func (p *Peer) deliver(pkt *packet.Packet, delivery DeliveryMethod, now time.Time) []ReadyPayload {
	if !pkt.IsFragmented {
		data := append([]byte(nil), pkt.Data()...)
		p.pool.Recycle(pkt)
		return []ReadyPayload{{Channel: pkt.Channel, Delivery: delivery, Data: data}}
	}

	key := fragmentKey{channel: pkt.Channel, fragmentID: pkt.FragmentID}
	entry, exists := p.reassembly[key]
	if !exists {
		entry = &fragmentEntry{buf: fragment.NewBuffer(p.pool, int(pkt.FragmentsTotal))}
		p.reassembly[key] = entry
	}
	entry.lastTouch = now
	if entry.buf.Add(pkt) {
		data := entry.buf.Assemble()
		delete(p.reassembly, key)
		return []ReadyPayload{{Channel: pkt.Channel, Delivery: delivery, Data: data}}
	}
	return nil
}

// ExpireStaleFragments discards reassembly entries that have not received a
// new part within DisconnectTimeout (spec §4.4).
func (p *Peer) ExpireStaleFragments(now time.Time) {
	for key, entry := range p.reassembly {
		if now.Sub(entry.lastTouch) > p.cfg.DisconnectTimeout {
			entry.buf.Discard()
			delete(p.reassembly, key)
		}
	}
}

// PacketLoss approximates the loss ratio from cumulative resend counts
// across the reliable channels (SPEC_FULL.md §6 SUPPLEMENTED FEATURES).
func (p *Peer) PacketLoss() float64 {
	resends := 0
	if p.Channels.ReliableUnordered != nil {
		resends += p.Channels.ReliableUnordered.ResendCount()
	}
	if p.Channels.ReliableOrdered != nil {
		resends += p.Channels.ReliableOrdered.ResendCount()
	}
	if resends == 0 {
		return 0
	}
	return float64(resends) / float64(resends+1)
}

// NewConnectionID folds a uuid.v4 draw into a 64-bit connection id
// (SPEC_FULL.md §2 AMBIENT STACK: collision resistance without a hand
// rolled CSPRNG wrapper).
func NewConnectionID() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}
