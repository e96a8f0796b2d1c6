package peertable

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"fastnet/pkg/peer"
	"fastnet/pkg/pool"
)

func newPeer(port int) *peer.Peer {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	return peer.New(addr, uint64(port), pool.New(10), peer.DefaultConfig(), true, true, true, true, nil)
}

func TestAddGetRemove(t *testing.T) {
	tbl := New(2)
	p1 := newPeer(1)

	require.True(t, tbl.Add("a", p1))
	got, ok := tbl.Get("a")
	require.True(t, ok)
	require.Same(t, p1, got)

	tbl.Remove("a")
	_, ok = tbl.Get("a")
	require.False(t, ok)
}

func TestFullRejectsNewAddresses(t *testing.T) {
	tbl := New(1)
	require.True(t, tbl.Add("a", newPeer(1)))
	require.True(t, tbl.Full())
	require.False(t, tbl.Add("b", newPeer(2)))
	require.True(t, tbl.Add("a", newPeer(3))) // re-adding an existing key is allowed
}

func TestAllReturnsSnapshot(t *testing.T) {
	tbl := New(0)
	tbl.Add("a", newPeer(1))
	tbl.Add("b", newPeer(2))
	require.Len(t, tbl.All(), 2)
}
