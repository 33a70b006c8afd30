// Package nat implements the translation tables that back a NAT
// behavior: a dual-indexed map from local flow to assigned external
// port and back, a generic (non-TCP-aware) table for UDP and ICMP
// Echo, and a TCP-state-aware variant that additionally times
// individual connections out against the handshake/teardown state
// tracked in tcpstate.
package nat

import (
	"sync/atomic"

	"github.com/ge9/gonat/internal/natkey"
)

var nextEntryID uint64

// PacketInfo is the address/port/size information a packet adapter
// extracts from a packet before it reaches a translation table. It is
// protocol-agnostic: the adapter is responsible for interpreting TCP,
// UDP or ICMP Echo framing into the same (src, dst) tuple shape.
type PacketInfo struct {
	SrcTuple natkey.Tuple
	DstTuple natkey.Tuple
	Size     uint16
}

// Entry is a single NAT mapping: the local tuple it was opened from,
// the external port assigned to it, and the filter key recording how
// permissive its remote index lookup is. Entry also carries simple
// traffic counters used for diagnostics.
//
// ID is a process-local, monotonically increasing identifier; it is
// not part of any on-wire or persisted format, so a counter is enough
// and a random/global identifier would be overkill here. The status
// dumps and log lines do not print it.
type Entry[LK natkey.FilterKey] struct {
	ID             uint64
	CreatedAt      int64
	LastEgress     int64
	NatKey         LK
	LocalTuple     natkey.Tuple
	GlobalPort     uint16
	PacketsSent    uint32
	PacketsRecv    uint32
	BytesSent      uint32
	BytesRecv      uint32
}

// NewEntry creates a fresh mapping timestamped at now (Unix seconds).
func NewEntry[LK natkey.FilterKey](now int64, key LK, localTuple natkey.Tuple, globalPort uint16) *Entry[LK] {
	return &Entry[LK]{
		ID:         atomic.AddUint64(&nextEntryID, 1),
		CreatedAt:  now,
		LastEgress: now,
		NatKey:     key,
		LocalTuple: localTuple,
		GlobalPort: globalPort,
	}
}
