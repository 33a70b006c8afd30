package adapter

import (
	"net/netip"

	"github.com/ge9/gonat/internal/natkey"
)

const (
	protoTCP  = 6
	protoUDP  = 17
	protoICMP = 1
)

// RewriteEgress rewrites an outbound packet's source address and
// (for TCP/UDP) source port, or (for ICMP Echo Request) identifier,
// to newSrc, then fixes the affected L4 checksum. raw must have
// already been decoded into d. It reports false if d does not
// describe a packet this function knows how to rewrite (an ICMP Echo
// Reply has no source identifier to set, matching the original
// restriction that a reply's identifier is only ever rewritten on the
// ingress path).
func RewriteEgress(raw []byte, d *Decoded, newSrc natkey.Tuple) bool {
	ihl := d.IHL()
	a := newSrc.Addr.As4()
	raw[12], raw[13], raw[14], raw[15] = a[0], a[1], a[2], a[3]
	l4 := raw[ihl:]

	switch d.Protocol() {
	case ProtoTCP:
		l4[0], l4[1] = byte(newSrc.Port>>8), byte(newSrc.Port)
		fixTCPUDPChecksum(l4, 16, a, dstBytes(d), protoTCP)
	case ProtoUDP:
		l4[0], l4[1] = byte(newSrc.Port>>8), byte(newSrc.Port)
		fixTCPUDPChecksum(l4, 6, a, dstBytes(d), protoUDP)
	case ProtoICMPEcho:
		if !d.ICMPEchoIsRequest() {
			return false
		}
		l4[4], l4[5] = byte(newSrc.Port>>8), byte(newSrc.Port)
		fixICMPChecksum(l4)
	default:
		return false
	}
	return true
}

// RewriteIngress rewrites an inbound packet's destination address and
// (for TCP/UDP) destination port, or (for ICMP Echo Reply) identifier,
// to newDst, then fixes the affected L4 checksum.
func RewriteIngress(raw []byte, d *Decoded, newDst natkey.Tuple) bool {
	ihl := d.IHL()
	a := newDst.Addr.As4()
	raw[16], raw[17], raw[18], raw[19] = a[0], a[1], a[2], a[3]
	l4 := raw[ihl:]

	switch d.Protocol() {
	case ProtoTCP:
		l4[2], l4[3] = byte(newDst.Port>>8), byte(newDst.Port)
		fixTCPUDPChecksum(l4, 16, srcBytes(d), a, protoTCP)
	case ProtoUDP:
		l4[2], l4[3] = byte(newDst.Port>>8), byte(newDst.Port)
		fixTCPUDPChecksum(l4, 6, srcBytes(d), a, protoUDP)
	case ProtoICMPEcho:
		if d.ICMPEchoIsRequest() {
			return false
		}
		l4[4], l4[5] = byte(newDst.Port>>8), byte(newDst.Port)
		fixICMPChecksum(l4)
	default:
		return false
	}
	return true
}

func srcBytes(d *Decoded) [4]byte {
	var b [4]byte
	copy(b[:], d.ip4.SrcIP.To4())
	return b
}

func dstBytes(d *Decoded) [4]byte {
	var b [4]byte
	copy(b[:], d.ip4.DstIP.To4())
	return b
}

// ICMPErrorResolver resolves the local endpoint an embedded ICMP
// error's quoted packet belongs to. localPort is the quoted packet's
// source port (the external port as last seen on the wire); remote is
// the quoted packet's untouched destination, i.e. the peer the
// original packet was headed to.
type ICMPErrorResolver func(localPort uint16, remote natkey.Tuple) (natkey.Tuple, bool)

// RewriteICMPError rewrites a Destination Unreachable or Time
// Exceeded packet so that it reaches the local host whose earlier
// packet provoked it. It parses the quoted IPv4+L4 header embedded in
// the ICMP payload by hand, since gopacket has no notion of "a packet
// inside a packet"; the embedded header's own IHL is read from its
// first byte, exactly as any quoted-packet parser would. It reports
// false if the quoted packet is too short to contain the L4 source and
// destination ports or if resolve finds no matching mapping.
func RewriteICMPError(raw []byte, ihl int, resolve ICMPErrorResolver) bool {
	icmp := raw[ihl:]
	if len(icmp) < 9 {
		return false
	}
	quotedIHL := 4 * int(icmp[8]%16)
	l4Offset := 8 + quotedIHL
	if len(icmp) < l4Offset+4 || len(icmp) < 28 {
		return false
	}

	localPort := uint16(icmp[l4Offset])<<8 | uint16(icmp[l4Offset+1])
	remotePort := uint16(icmp[l4Offset+2])<<8 | uint16(icmp[l4Offset+3])
	remoteAddr, ok := netip.AddrFromSlice(icmp[24:28])
	if !ok {
		return false
	}
	remote := natkey.Tuple{Addr: remoteAddr, Port: remotePort}

	local, ok := resolve(localPort, remote)
	if !ok {
		return false
	}
	a := local.Addr.As4()

	// quoted packet's source address (it left through us, so it still
	// carries the translated/global address) goes back to the real
	// local address.
	icmp[20], icmp[21], icmp[22], icmp[23] = a[0], a[1], a[2], a[3]
	icmp[l4Offset] = byte(local.Port >> 8)
	icmp[l4Offset+1] = byte(local.Port)

	// the outer packet was itself addressed to the translated address;
	// redirect it to the real local host too.
	raw[16], raw[17], raw[18], raw[19] = a[0], a[1], a[2], a[3]

	fixICMPChecksum(icmp)
	return true
}
