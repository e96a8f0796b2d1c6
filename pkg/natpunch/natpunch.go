// Package natpunch defines an interface for NAT hole punching (spec §4.5
// NatIntroduction / NatPunchMessage). It is interface-only: fastnet ships no
// punching strategy of its own, the way the reference server leaves
// matchmaking/master-server concerns outside RakNet's own protocol layer.
// Package manager does not reference it; a Manager drops NatIntroduction,
// NatIntroductionRequest and NatPunchMessage packets without calling out.
package natpunch

import "net"

// Introducer relays NatIntroduction between two already-connected peers so
// they can attempt a simultaneous-open punch against each other's public
// endpoint.
type Introducer interface {
	// Introduce is called with the two peer addresses to be introduced;
	// the implementation is responsible for delivering NatIntroduction
	// packets to both sides out of band (e.g. because this manager is
	// itself the rendezvous server).
	Introduce(a, b *net.UDPAddr) error
}

// NoopIntroducer ignores every introduction request: Introduce sends
// nothing and returns nil.
type NoopIntroducer struct{}

func (NoopIntroducer) Introduce(a, b *net.UDPAddr) error { return nil }

var _ Introducer = NoopIntroducer{}
