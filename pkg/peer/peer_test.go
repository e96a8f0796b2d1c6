package peer

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastnet/pkg/pool"
)

func newTestPeer() *Peer {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	cfg := DefaultConfig()
	return New(addr, 42, pool.New(50), cfg, true, true, true, true, nil)
}

func TestSendReliableOrderedRoundTrip(t *testing.T) {
	sender := newTestPeer()
	receiver := newTestPeer()

	require.NoError(t, sender.Send([]byte("hello"), ReliableOrderedDelivery))
	now := time.Now()
	pkts := sender.Flush(now)
	require.Len(t, pkts, 1)

	ready := receiver.ProcessIncoming(pkts[0], now)
	require.Len(t, ready, 1)
	require.Equal(t, "hello", string(ready[0].Data))
}

func TestSendFragmentedReassemblesOnReceiver(t *testing.T) {
	sender := newTestPeer()
	receiver := newTestPeer()
	sender.mtuNegotiated = 64
	sender.mtuProbing = false

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, sender.Send(payload, ReliableUnorderedDelivery))

	now := time.Now()
	pkts := sender.Flush(now)
	require.Greater(t, len(pkts), 1)

	var ready []ReadyPayload
	for _, pkt := range pkts {
		ready = append(ready, receiver.ProcessIncoming(pkt, now)...)
	}
	require.Len(t, ready, 1)
	require.Equal(t, payload, ready[0].Data)
}

func TestPingPongUpdatesRTT(t *testing.T) {
	client := newTestPeer()
	server := newTestPeer()

	start := time.Now()
	client.SendPing(start)
	pings := client.Flush(start)
	require.Len(t, pings, 1)

	later := start.Add(20 * time.Millisecond)
	server.ProcessIncoming(pings[0], later)
	pongs := server.Flush(later)
	require.Len(t, pongs, 1)

	afterRTT := later.Add(5 * time.Millisecond)
	client.ProcessIncoming(pongs[0], afterRTT)
	require.Greater(t, client.AvgRTT, time.Duration(0))
}

func TestConnectHandshakeReachesConnected(t *testing.T) {
	client := newTestPeer()
	server := newTestPeer()

	now := time.Now()
	client.BeginConnect(now)
	reqs := client.Flush(now)
	require.Len(t, reqs, 1)

	server.HandleConnectRequest(reqs[0])
	require.Equal(t, Connected, server.State)
	accepts := server.Flush(now)
	require.Len(t, accepts, 1)

	client.HandleConnectAccept(accepts[0])
	require.Equal(t, Connected, client.State)
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	client := newTestPeer()
	client.cfg.MaxConnectAttempts = 2
	client.cfg.ReconnectDelay = time.Millisecond

	now := time.Now()
	client.BeginConnect(now)
	for i := 0; i < 5; i++ {
		now = now.Add(2 * time.Millisecond)
		client.TickConnect(now)
	}
	require.Equal(t, Disconnected, client.State)
	require.Equal(t, ConnectionFailed, client.DisconnectReason)
}

func TestDisconnectHandshakeCompletes(t *testing.T) {
	client := newTestPeer()
	server := newTestPeer()
	client.State = Connected
	server.State = Connected

	now := time.Now()
	client.BeginDisconnect(now, []byte("bye"))
	require.Equal(t, ShutdownRequested, client.State)
	out := client.Flush(now)
	require.Len(t, out, 1)

	payload := server.HandleDisconnect(out[0])
	require.Equal(t, "bye", string(payload))
	require.Equal(t, Disconnected, server.State)

	acks := server.Flush(now)
	require.Len(t, acks, 1)
	client.HandleShutdownOk(acks[0])
	require.Equal(t, Disconnected, client.State)
	require.Equal(t, DisconnectPeerCalled, client.DisconnectReason)
}

func TestCheckTimeoutDisconnectsSilentPeer(t *testing.T) {
	p := newTestPeer()
	p.State = Connected
	p.cfg.DisconnectTimeout = 10 * time.Millisecond
	start := time.Now()
	p.lastPacketReceiveTime = start

	require.False(t, p.CheckTimeout(start.Add(5*time.Millisecond)))
	require.True(t, p.CheckTimeout(start.Add(20*time.Millisecond)))
	require.Equal(t, Disconnected, p.State)
	require.Equal(t, Timeout, p.DisconnectReason)
}

func TestConnectAcceptMismatchedConnectionIDIsDropped(t *testing.T) {
	client := newTestPeer()
	server := newTestPeer()

	now := time.Now()
	client.BeginConnect(now)
	reqs := client.Flush(now)
	require.Len(t, reqs, 1)

	server.HandleConnectRequest(reqs[0])
	accepts := server.Flush(now)
	require.Len(t, accepts, 1)

	// Forge the connectionId a stale duplicate accept would carry.
	binary.LittleEndian.PutUint64(accepts[0].Data(), client.ConnectionID+1)

	client.HandleConnectAccept(accepts[0])
	require.Equal(t, InProgress, client.State)
}

func TestDisconnectMismatchedConnectionIDIsIgnored(t *testing.T) {
	client := newTestPeer()
	server := newTestPeer()
	client.State = Connected
	server.State = Connected

	now := time.Now()
	client.BeginDisconnect(now, []byte("bye"))
	out := client.Flush(now)
	require.Len(t, out, 1)

	binary.LittleEndian.PutUint64(out[0].Data(), server.ConnectionID+1)

	payload := server.HandleDisconnect(out[0])
	require.Nil(t, payload)
	require.Equal(t, Connected, server.State)
}

func TestMtuStartIdxNegativeDisablesProbing(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	cfg := DefaultConfig()
	cfg.MtuStartIdx = -1
	p := New(addr, 42, pool.New(50), cfg, true, true, true, true, nil)

	require.False(t, p.mtuProbing)
	require.Equal(t, mtuCandidates[1], p.mtuNegotiated)
}

func TestReliableUnorderedAndOrderedAcksDontCollide(t *testing.T) {
	sender := newTestPeer()
	receiver := newTestPeer()

	require.NoError(t, sender.Send([]byte("unordered"), ReliableUnorderedDelivery))
	require.NoError(t, sender.Send([]byte("ordered"), ReliableOrderedDelivery))

	now := time.Now()
	pkts := sender.Flush(now)
	require.Len(t, pkts, 1) // both small packets share one Merged container

	var ready []ReadyPayload
	for _, pkt := range pkts {
		ready = append(ready, receiver.ProcessIncoming(pkt, now)...)
	}
	require.Len(t, ready, 2)

	acks := receiver.Flush(now)
	require.Len(t, acks, 1) // Ack and AckOrdered, merged

	for _, ack := range acks {
		receiver2ready := sender.ProcessIncoming(ack, now)
		require.Empty(t, receiver2ready)
	}

	// Both channels must have cleared their send windows; neither Ack
	// should have been swallowed by the other channel's handler. Flushing
	// well past the resend delay would retransmit anything still outstanding.
	sender.Flush(now.Add(time.Second))
	require.Zero(t, sender.Channels.ReliableUnordered.ResendCount())
	require.Zero(t, sender.Channels.ReliableOrdered.ResendCount())
}

func TestMtuDiscoveryAdvancesThroughLadder(t *testing.T) {
	prober := newTestPeer()
	prober.mtuProbing = true
	prober.mtuIdx = 1
	responder := newTestPeer()

	now := time.Now()
	prober.StartMtuDiscovery()
	checks := prober.Flush(now)
	require.Len(t, checks, 1)
	require.Equal(t, mtuCandidates[1], len(checks[0].Buf))

	responder.handleMtuCheck(checks[0])
	oks := responder.Flush(now)
	require.Len(t, oks, 1)

	prober.handleMtuOk(oks[0])
	require.Equal(t, mtuCandidates[1], prober.mtuNegotiated)
}
