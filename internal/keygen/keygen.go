// Package keygen implements the port-allocation strategies behind the
// six NAT behaviors of RFC 4787's mapping/filtering matrix: full cone,
// (quasi) address-restricted cone, (quasi) port-restricted cone,
// quasi-symmetric, address-dependent and address-port-dependent. Each
// strategy decides which filter key a new mapping gets and which
// external port to try for it; the translation table supplies the
// strategy with read access to its own remote index and read/write
// access to its port-reuse ledger so a strategy can avoid handing out
// a port that would collide with an existing mapping.
package keygen

import (
	"math/rand/v2"

	"github.com/ge9/gonat/internal/natkey"
)

const maxAttempts = 20

// RemoteKeySet reports whether a (global port, filter key) pair is
// already occupied by some mapping's remote index.
type RemoteKeySet[LK natkey.FilterKey] interface {
	HasRemote(globalPort uint16, key LK) bool
}

// LocalPortSet tracks, for the strict address/port-dependent
// strategies, which (local tuple, global port) pairs are held by live
// mappings, so the same local flow is never offered a port that a
// different remote peer is currently using from it.
type LocalPortSet interface {
	HasLocalPort(local natkey.Tuple, globalPort uint16) bool
	AddLocalPort(local natkey.Tuple, globalPort uint16)
}

// EmptyPortQuery bundles the context a strategy needs to pick a free
// external port for a new mapping.
type EmptyPortQuery[LK natkey.FilterKey] struct {
	LocalsUsedPort  LocalPortSet
	Remotes         RemoteKeySet[LK]
	RemoteTuple     natkey.Tuple
	LocalTuple      natkey.Tuple
	LastAssigned    uint16
	HasLastAssigned bool
}

// KeyGen is the strategy interface every NAT behavior implements. It
// replaces the inheritance hierarchy a language with subtyping would
// reach for: Go has none, so each behavior is a distinct type
// satisfying the same small interface.
type KeyGen[LK natkey.FilterKey] interface {
	// FilterKeyFromTuple derives the filter key a mapping should use
	// to recognize inbound packets from remoteTuple.
	FilterKeyFromTuple(remoteTuple natkey.Tuple) LK
	// EmptyPort attempts to find a free external port for a new
	// mapping matching q. It returns false if no free port could be
	// found within the strategy's retry budget.
	EmptyPort(q EmptyPortQuery[LK]) (uint16, bool)
}

func pick(r *rand.Rand, ports []uint16) uint16 {
	return ports[r.IntN(len(ports))]
}

// FullCone admits any remote peer to any mapping it creates (EIM/EIF):
// the filter key is always Unit, and port selection is a pure random
// draw among the configured port pool.
type FullCone struct {
	rng   *rand.Rand
	ports []uint16
}

func NewFullCone(ports []uint16) *FullCone {
	return &FullCone{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), ports: ports}
}

func (k *FullCone) FilterKeyFromTuple(natkey.Tuple) natkey.Unit { return natkey.Unit{} }

func (k *FullCone) EmptyPort(q EmptyPortQuery[natkey.Unit]) (uint16, bool) {
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if !q.Remotes.HasRemote(p, natkey.Unit{}) {
			return p, true
		}
	}
	return 0, false
}

// QuasiRestrictedCone admits a remote peer by address only
// (address-dependent filtering; the mapping itself is not
// address-dependent): the filter key is AddrOnly. It prefers reusing the port last
// assigned to this local tuple before falling back to random draws.
type QuasiRestrictedCone struct {
	rng   *rand.Rand
	ports []uint16
}

func NewQuasiRestrictedCone(ports []uint16) *QuasiRestrictedCone {
	return &QuasiRestrictedCone{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), ports: ports}
}

func (k *QuasiRestrictedCone) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrOnly {
	return natkey.AddrOnly{Addr: remoteTuple.Addr}
}

func (k *QuasiRestrictedCone) EmptyPort(q EmptyPortQuery[natkey.AddrOnly]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	if q.HasLastAssigned && !q.Remotes.HasRemote(q.LastAssigned, key) {
		return q.LastAssigned, true
	}
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if !q.Remotes.HasRemote(p, key) {
			return p, true
		}
	}
	return 0, false
}

// QuasiPortRestrictedCone admits a remote peer by address and port
// (address-and-port-dependent filtering; the mapping itself is not
// address-dependent): the filter key is AddrPort. Like QuasiRestrictedCone it
// prefers the last-assigned port before drawing at random.
type QuasiPortRestrictedCone struct {
	rng   *rand.Rand
	ports []uint16
}

func NewQuasiPortRestrictedCone(ports []uint16) *QuasiPortRestrictedCone {
	return &QuasiPortRestrictedCone{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), ports: ports}
}

func (k *QuasiPortRestrictedCone) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrPort {
	return natkey.AddrPort{Addr: remoteTuple.Addr, Port: remoteTuple.Port}
}

func (k *QuasiPortRestrictedCone) EmptyPort(q EmptyPortQuery[natkey.AddrPort]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	if q.HasLastAssigned && !q.Remotes.HasRemote(q.LastAssigned, key) {
		return q.LastAssigned, true
	}
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if !q.Remotes.HasRemote(p, key) {
			return p, true
		}
	}
	return 0, false
}

// QuasiSymmetric assigns a fresh, independent mapping per remote
// (address, port) pair with no preference for reusing a previous
// port: the filter key is AddrPort and selection is pure random.
type QuasiSymmetric struct {
	rng   *rand.Rand
	ports []uint16
}

func NewQuasiSymmetric(ports []uint16) *QuasiSymmetric {
	return &QuasiSymmetric{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), ports: ports}
}

func (k *QuasiSymmetric) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrPort {
	return natkey.AddrPort{Addr: remoteTuple.Addr, Port: remoteTuple.Port}
}

func (k *QuasiSymmetric) EmptyPort(q EmptyPortQuery[natkey.AddrPort]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if !q.Remotes.HasRemote(p, key) {
			return p, true
		}
	}
	return 0, false
}

// NextPortFunc computes the next candidate port to try after a given
// one, e.g. a cyclic successor over a configured pool. It lets
// AddressDependent and AddressPortDependent climb a deterministic
// sequence instead of drawing blind.
type NextPortFunc func(uint16) uint16

// AddressDependent is the strict address-dependent behavior: on top of
// an AddrOnly filter key, it additionally tracks every (local tuple,
// global port) pair held by a live mapping so the same local flow is
// never reassigned a port another of its remote peers currently holds.
type AddressDependent struct {
	rng          *rand.Rand
	ports        []uint16
	getNextPort  NextPortFunc
}

func NewAddressDependent(ports []uint16, getNextPort NextPortFunc) *AddressDependent {
	return &AddressDependent{
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		ports:       ports,
		getNextPort: getNextPort,
	}
}

func (k *AddressDependent) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrOnly {
	return natkey.AddrOnly{Addr: remoteTuple.Addr}
}

func (k *AddressDependent) tryPort(q EmptyPortQuery[natkey.AddrOnly], key natkey.AddrOnly, p uint16) bool {
	if q.Remotes.HasRemote(p, key) {
		return false
	}
	if q.LocalsUsedPort.HasLocalPort(q.LocalTuple, p) {
		return false
	}
	q.LocalsUsedPort.AddLocalPort(q.LocalTuple, p)
	return true
}

func (k *AddressDependent) EmptyPort(q EmptyPortQuery[natkey.AddrOnly]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	if q.HasLastAssigned {
		candidate := k.getNextPort(q.LastAssigned)
		if k.tryPort(q, key, candidate) {
			return candidate, true
		}
	}
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if k.tryPort(q, key, p) {
			return p, true
		}
	}
	return 0, false
}

// AddressPortDependent is the strict address-and-port-dependent
// behavior: the symmetric analogue of AddressDependent, keyed by
// AddrPort instead of AddrOnly.
type AddressPortDependent struct {
	rng         *rand.Rand
	ports       []uint16
	getNextPort NextPortFunc
}

func NewAddressPortDependent(ports []uint16, getNextPort NextPortFunc) *AddressPortDependent {
	return &AddressPortDependent{
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		ports:       ports,
		getNextPort: getNextPort,
	}
}

func (k *AddressPortDependent) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrPort {
	return natkey.AddrPort{Addr: remoteTuple.Addr, Port: remoteTuple.Port}
}

func (k *AddressPortDependent) tryPort(q EmptyPortQuery[natkey.AddrPort], key natkey.AddrPort, p uint16) bool {
	if q.Remotes.HasRemote(p, key) {
		return false
	}
	if q.LocalsUsedPort.HasLocalPort(q.LocalTuple, p) {
		return false
	}
	q.LocalsUsedPort.AddLocalPort(q.LocalTuple, p)
	return true
}

func (k *AddressPortDependent) EmptyPort(q EmptyPortQuery[natkey.AddrPort]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	if q.HasLastAssigned {
		candidate := k.getNextPort(q.LastAssigned)
		if k.tryPort(q, key, candidate) {
			return candidate, true
		}
	}
	for i := 0; i < maxAttempts; i++ {
		p := pick(k.rng, k.ports)
		if k.tryPort(q, key, p) {
			return p, true
		}
	}
	return 0, false
}
