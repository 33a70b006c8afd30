// Package natkey defines the address/port tuples and filter-key
// variants used to index NAT translation tables. A filter key
// captures how much of the remote endpoint a mapping is willing to
// share across different remote peers, per RFC 4787's mapping/filtering
// taxonomy (full cone down to address-and-port-dependent).
package natkey

import (
	"fmt"
	"net/netip"
)

// Tuple is an IPv4 address paired with a port. The zero Tuple is used
// as a placeholder for "no such endpoint" (e.g. an unparsed packet).
type Tuple struct {
	Addr netip.Addr
	Port uint16
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s:%d", t.Addr, t.Port)
}

// Unit is the filter key of a full-cone mapping: it admits any remote
// peer regardless of address or port.
type Unit struct{}

func (Unit) String() string { return "*:*" }

// AddrOnly is the filter key of an address-restricted-cone mapping: it
// admits any port from a specific remote address.
type AddrOnly struct {
	Addr netip.Addr
}

func (k AddrOnly) String() string { return fmt.Sprintf("%s:*", k.Addr) }

// AddrPort is the filter key of a port-restricted or symmetric mapping:
// it admits only the exact remote address and port recorded.
type AddrPort struct {
	Addr netip.Addr
	Port uint16
}

func (k AddrPort) String() string { return fmt.Sprintf("%s:%d", k.Addr, k.Port) }

// FilterKey is the constraint satisfied by Unit, AddrOnly and
// AddrPort: a comparable, printable value a translation table can use
// as half of a map key.
type FilterKey interface {
	comparable
	fmt.Stringer
}

// LI is the local index of a table: the tuple the local host opened
// the mapping from, paired with the filter key in effect for it.
type LI[LK FilterKey] struct {
	LocalTuple Tuple
	Key        LK
}

// RI is the remote index of a table: the external port the mapping
// was assigned, paired with the filter key a remote peer must match
// to use it.
type RI[LK FilterKey] struct {
	GlobalPort uint16
	Key        LK
}
