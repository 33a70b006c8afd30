// Package tun provides the platform-specific virtual network
// interface the dispatcher reads raw IPv4 packets from and writes
// translated ones back to.
package tun

// Device is a virtual IPv4 interface carrying raw IP packets with no
// link-layer framing. Read and Write are safe to call concurrently
// with each other (but not with themselves).
type Device interface {
	// Read reads one packet into buf and returns its length.
	Read(buf []byte) (int, error)
	// Write sends one packet, which must already contain a complete
	// IPv4 datagram.
	Write(buf []byte) (int, error)
	// Name returns the OS-assigned interface name.
	Name() string
	Close() error
}

// Config describes how to create and address a tun Device.
type Config struct {
	// Name is the interface name to request. Platforms that cannot
	// honor an exact name (Windows) use it as a label instead.
	Name string
	// Address is the IPv4 address assigned to the interface itself.
	// The zero value skips address assignment, leaving it to whatever
	// external setup (e.g. a manual "ip addr add") the operator runs,
	// matching how the original reference tool left its tun address
	// commented out of its own configuration.
	Address [4]byte
	// PrefixLen is the subnet prefix length for Address.
	PrefixLen int
	// PacketInfo requests the platform's 4-byte packet-information
	// prefix (protocol family + flags) on every Read/Write. Linux
	// calls this IFF_NO_PI when absent; Windows' wintun has no such
	// framing and ignores this field.
	PacketInfo bool
}
