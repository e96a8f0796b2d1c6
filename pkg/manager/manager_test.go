package manager

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastnet/pkg/event"
	"fastnet/pkg/peer"
)

func startTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableIPv4 = true
	cfg.EnableIPv6 = false
	cfg.DisconnectTimeout = 200 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	m := New(cfg, nil)
	require.NoError(t, m.Start("127.0.0.1", 0))
	t.Cleanup(func() { m.sock.Close() })
	return m
}

func acceptAll(e *event.Event) {
	if e.Type == event.ConnectionRequest {
		e.Pending.Accept()
	}
}

func pumpUntil(t *testing.T, a, b *Manager, deadline time.Time, condition func() bool) {
	t.Helper()
	for time.Now().Before(deadline) {
		now := time.Now()
		require.NoError(t, a.Run(now, 10*time.Millisecond, acceptAll))
		require.NoError(t, b.Run(now, 10*time.Millisecond, acceptAll))
		if condition() {
			return
		}
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectHandshakeAdmitsPeerOnBothSides(t *testing.T) {
	server := startTestManager(t)
	client := startTestManager(t)

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	p := client.Connect(serverAddr, time.Now())
	require.NotNil(t, p)

	pumpUntil(t, client, server, time.Now().Add(2*time.Second), func() bool {
		return client.PeersCount() == 1 && server.PeersCount() == 1
	})
}

func TestSendReceiveRoundTripsThroughManagers(t *testing.T) {
	server := startTestManager(t)
	client := startTestManager(t)

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	clientPeer := client.Connect(serverAddr, time.Now())

	pumpUntil(t, client, server, time.Now().Add(2*time.Second), func() bool {
		return client.PeersCount() == 1 && server.PeersCount() == 1
	})

	client.Send(clientPeer, []byte("ping"), peer.ReliableOrderedDelivery)

	var received []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && received == nil {
		now := time.Now()
		require.NoError(t, client.Run(now, 10*time.Millisecond, acceptAll))
		require.NoError(t, server.Run(now, 10*time.Millisecond, func(e *event.Event) {
			if e.Type == event.Receive {
				received = e.Data
			}
			acceptAll(e)
		}))
	}
	require.Equal(t, "ping", string(received))
}

func TestDisconnectPeerRemovesFromBothTables(t *testing.T) {
	server := startTestManager(t)
	client := startTestManager(t)

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	clientPeer := client.Connect(serverAddr, time.Now())

	pumpUntil(t, client, server, time.Now().Add(2*time.Second), func() bool {
		return client.PeersCount() == 1 && server.PeersCount() == 1
	})

	client.DisconnectPeer(clientPeer, []byte("done"), time.Now())

	var serverSawDisconnect bool
	var reason int
	var payload []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (client.PeersCount() != 0 || server.PeersCount() != 0) {
		now := time.Now()
		require.NoError(t, client.Run(now, 10*time.Millisecond, acceptAll))
		require.NoError(t, server.Run(now, 10*time.Millisecond, func(e *event.Event) {
			if e.Type == event.Disconnect {
				serverSawDisconnect = true
				reason = e.DisconnectReason
				payload = e.DisconnectPayload
			}
			acceptAll(e)
		}))
	}
	require.Equal(t, 0, client.PeersCount())
	require.Equal(t, 0, server.PeersCount())
	require.True(t, serverSawDisconnect)
	require.Equal(t, int(peer.RemoteConnectionClose), reason)
	require.Equal(t, "done", string(payload))
}

func TestConnectionLatencyUpdatedEventFiresOnPong(t *testing.T) {
	server := startTestManager(t)
	client := startTestManager(t)

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	client.Connect(serverAddr, time.Now())

	pumpUntil(t, client, server, time.Now().Add(2*time.Second), func() bool {
		return client.PeersCount() == 1 && server.PeersCount() == 1
	})

	var sawLatency bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sawLatency {
		now := time.Now()
		require.NoError(t, client.Run(now, 10*time.Millisecond, func(e *event.Event) {
			if e.Type == event.ConnectionLatencyUpdated {
				sawLatency = true
			}
			acceptAll(e)
		}))
		require.NoError(t, server.Run(now, 10*time.Millisecond, acceptAll))
	}
	require.True(t, sawLatency, "expected a ConnectionLatencyUpdated event after a Ping/Pong round trip")
}

func TestConnectRequestWithWrongProtocolIsDropped(t *testing.T) {
	server := startTestManager(t)
	client := startTestManager(t)
	client.cfg.ProtocolID = server.cfg.ProtocolID + 1

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	client.Connect(serverAddr, time.Now())

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		now := time.Now()
		require.NoError(t, client.Run(now, 10*time.Millisecond, acceptAll))
		require.NoError(t, server.Run(now, 10*time.Millisecond, acceptAll))
	}
	require.Equal(t, 0, server.PeersCount())
}
