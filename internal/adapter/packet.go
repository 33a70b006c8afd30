// Package adapter turns raw IPv4 packets read from a tun.Device into
// the (src, dst) tuples a translation table operates on, and rewrites
// a packet's addresses, ports and checksums in place once a table has
// decided how to translate it. Decoding goes through gopacket's
// DecodingLayerParser, the same pattern the teacher's own packet
// router uses; field rewriting and checksum recomputation are done by
// hand on the raw buffer, since the translation here is a handful of
// fixed-offset byte writes and does not benefit from gopacket's
// general-purpose (and allocation-heavier) serialization layer.
package adapter

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ge9/gonat/internal/nat"
	"github.com/ge9/gonat/internal/natkey"
)

// Protocol identifies which translation table a decoded packet
// belongs to.
type Protocol int

const (
	ProtoOther Protocol = iota
	ProtoTCP
	ProtoUDP
	ProtoICMPEcho
	ProtoICMPError
)

// Decoded holds one packet's parsed layers. A single Decoded is reused
// across many packets (see Dispatcher's sync.Pool) so steady-state
// translation does no per-packet allocation beyond the read buffer
// itself.
type Decoded struct {
	parser  *gopacket.DecodingLayerParser
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	icmp    layers.ICMPv4
	decoded []gopacket.LayerType
}

// NewDecoded creates a reusable decode context.
func NewDecoded() *Decoded {
	d := &Decoded{}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.udp, &d.icmp)
	d.parser.IgnoreUnsupported = true
	return d
}

// Parse decodes raw as an IPv4 packet. raw must not be mutated while
// Decoded's fields (Info, Protocol, IHL) are still in use, since
// gopacket layers reference raw's backing array.
func (d *Decoded) Parse(raw []byte) error {
	return d.parser.DecodeLayers(raw, &d.decoded)
}

func (d *Decoded) has(lt gopacket.LayerType) bool {
	for _, l := range d.decoded {
		if l == lt {
			return true
		}
	}
	return false
}

// IHL returns the IPv4 header length in bytes.
func (d *Decoded) IHL() int {
	return int(d.ip4.IHL) * 4
}

// Protocol reports which table a decoded packet should be routed to.
func (d *Decoded) Protocol() Protocol {
	switch {
	case d.has(layers.LayerTypeTCP):
		return ProtoTCP
	case d.has(layers.LayerTypeUDP):
		return ProtoUDP
	case d.has(layers.LayerTypeICMPv4):
		switch d.icmp.TypeCode.Type() {
		case layers.ICMPv4TypeEchoRequest, layers.ICMPv4TypeEchoReply:
			return ProtoICMPEcho
		case layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4TypeTimeExceeded:
			return ProtoICMPError
		}
	}
	return ProtoOther
}

// ICMPEchoIsRequest reports whether a decoded ICMP Echo packet is a
// request (true) or a reply (false). Only valid when Protocol()
// returned ProtoICMPEcho.
func (d *Decoded) ICMPEchoIsRequest() bool {
	return d.icmp.TypeCode.Type() == layers.ICMPv4TypeEchoRequest
}

func ipv4ToAddr(ip []byte) (netip.Addr, bool) {
	if len(ip) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]}), true
}

// Info extracts the source/destination tuples and total size of a
// decoded TCP, UDP or ICMP Echo packet. Other protocols (including
// ICMP errors, which carry their own embedded-packet parsing; see
// RewriteICMPError) are not representable as a single tuple pair and
// return false.
func (d *Decoded) Info() (nat.PacketInfo, bool) {
	srcIP, ok1 := ipv4ToAddr(d.ip4.SrcIP)
	dstIP, ok2 := ipv4ToAddr(d.ip4.DstIP)
	if !ok1 || !ok2 {
		return nat.PacketInfo{}, false
	}
	size := uint16(len(d.ip4.Contents) + len(d.ip4.Payload))

	switch d.Protocol() {
	case ProtoTCP:
		return nat.PacketInfo{
			SrcTuple: natkey.Tuple{Addr: srcIP, Port: uint16(d.tcp.SrcPort)},
			DstTuple: natkey.Tuple{Addr: dstIP, Port: uint16(d.tcp.DstPort)},
			Size:     size,
		}, true
	case ProtoUDP:
		return nat.PacketInfo{
			SrcTuple: natkey.Tuple{Addr: srcIP, Port: uint16(d.udp.SrcPort)},
			DstTuple: natkey.Tuple{Addr: dstIP, Port: uint16(d.udp.DstPort)},
			Size:     size,
		}, true
	case ProtoICMPEcho:
		var srcPort, dstPort uint16
		if d.ICMPEchoIsRequest() {
			srcPort = d.icmp.Id
		} else {
			dstPort = d.icmp.Id
		}
		return nat.PacketInfo{
			SrcTuple: natkey.Tuple{Addr: srcIP, Port: srcPort},
			DstTuple: natkey.Tuple{Addr: dstIP, Port: dstPort},
			Size:     size,
		}, true
	}
	return nat.PacketInfo{}, false
}

// TCPFlags extracts the control bits of a decoded TCP segment.
func (d *Decoded) TCPFlags() uint8 {
	var f uint8
	if d.tcp.FIN {
		f |= 0x01
	}
	if d.tcp.SYN {
		f |= 0x02
	}
	if d.tcp.RST {
		f |= 0x04
	}
	if d.tcp.ACK {
		f |= 0x10
	}
	return f
}

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMPEcho:
		return "icmp-echo"
	case ProtoICMPError:
		return "icmp-error"
	default:
		return fmt.Sprintf("other(%d)", int(p))
	}
}
