package manager

import (
	"time"

	"fastnet/pkg/peer"
)

// Config holds every tunable named in spec §6. New copies it into the
// Manager, which exposes no method to change it afterward; this includes
// the Simulation* fields.
type Config struct {
	UpdateTime         time.Duration
	PingInterval       time.Duration
	DisconnectTimeout  time.Duration
	ReconnectDelay     time.Duration
	MaxConnectAttempts int
	MergeEnabled       bool

	DiscoveryEnabled           bool
	UnconnectedMessagesEnabled bool
	NatPunchEnabled            bool

	EnableReliableOrdered   bool
	EnableReliableUnordered bool
	EnableSequenced         bool
	EnableSimple            bool

	EnableIPv4   bool
	EnableIPv6   bool
	ReuseAddress bool

	MtuStartIdx int

	MaxConnections int
	PoolLimit      int
	WindowSize     uint16
	ProtocolID     uint32
	PasscodeKey    string

	OutboundQueueSize int

	// Simulation knobs (spec §6 "debug-only"; SPEC_FULL.md §6 wires them
	// into receive/send). Read from the Manager's copy made by New.
	SimulatePacketLoss          bool
	SimulationPacketLossChance  float64
	SimulateLatency             bool
	SimulationMinLatency        time.Duration
	SimulationMaxLatency        time.Duration
}

// DefaultConfig matches the defaults enumerated in spec §6.
func DefaultConfig() Config {
	return Config{
		UpdateTime:              100 * time.Millisecond,
		PingInterval:            time.Second,
		DisconnectTimeout:       5 * time.Second,
		ReconnectDelay:          500 * time.Millisecond,
		MaxConnectAttempts:      10,
		MergeEnabled:            true,
		EnableReliableOrdered:   true,
		EnableReliableUnordered: false,
		EnableSequenced:         true,
		EnableSimple:            false,
		EnableIPv4:              true,
		EnableIPv6:              false,
		MtuStartIdx:             -1,
		MaxConnections:          64,
		WindowSize:              64,
		ProtocolID:              1,
		OutboundQueueSize:       256,
	}
}

func (c Config) poolLimit() int {
	if c.PoolLimit > 0 {
		return c.PoolLimit
	}
	conns := c.MaxConnections
	if conns <= 0 {
		conns = 1
	}
	return conns * 50
}

func (c Config) peerConfig() peer.Config {
	return peer.Config{
		WindowSize:         c.WindowSize,
		PingInterval:       c.PingInterval,
		DisconnectTimeout:  c.DisconnectTimeout,
		ReconnectDelay:     c.ReconnectDelay,
		MaxConnectAttempts: c.MaxConnectAttempts,
		MergeEnabled:       c.MergeEnabled,
		MtuStartIdx:        c.MtuStartIdx,
		MaxFragmentedSize:  1 << 20,
		ProtocolID:         c.ProtocolID,
	}
}
