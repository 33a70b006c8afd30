// Package dispatch implements the single-threaded cooperative read
// loop that ties a tun.Device to the three translation tables: read
// one packet, decode it, route it to the table its protocol belongs
// to, rewrite it in place, fix the outer IPv4 header checksum once,
// and write it back out. Grounded on original_source/src/main.rs's
// packet loop and the read-loop/dispatch-function split used by
// Fokir's internal/gateway/router.go.
package dispatch

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ge9/gonat/internal/adapter"
	"github.com/ge9/gonat/internal/core"
	"github.com/ge9/gonat/internal/nat"
	"github.com/ge9/gonat/internal/natkey"
	"github.com/ge9/gonat/internal/tcpstate"
	"github.com/ge9/gonat/internal/tun"
)

// diagnosticAddr is the well-known destination that triggers a status
// dump instead of translation, matching the reference tool's
// hard-coded probe address.
var diagnosticAddr = netip.AddrFrom4([4]byte{192, 0, 2, 2})

const (
	protoTCP  = 6
	protoUDP  = 17
	protoICMP = 1
)

// Dispatcher owns the tables and the device they translate packets
// between.
type Dispatcher struct {
	dev        tun.Device
	globalAddr netip.Addr
	logger     *core.Logger

	tcp      nat.TCPLikeTable
	udp      nat.UDPLikeTable
	icmpEcho nat.UDPLikeTable

	decodedPool sync.Pool

	packetsRead    atomic.Uint64
	packetsDropped atomic.Uint64
	packetsEmitted atomic.Uint64
}

// New creates a dispatcher wired to dev and the three already-built
// tables.
func New(dev tun.Device, globalAddr netip.Addr, tcpTable nat.TCPLikeTable, udpTable, icmpEchoTable nat.UDPLikeTable, logger *core.Logger) *Dispatcher {
	d := &Dispatcher{
		dev:        dev,
		globalAddr: globalAddr,
		tcp:        tcpTable,
		udp:        udpTable,
		icmpEcho:   icmpEchoTable,
		logger:     logger,
	}
	d.decodedPool.New = func() any { return adapter.NewDecoded() }
	return d
}

// Counters returns the current packetsRead/packetsDropped/packetsEmitted.
func (d *Dispatcher) Counters() (read, dropped, emitted uint64) {
	return d.packetsRead.Load(), d.packetsDropped.Load(), d.packetsEmitted.Load()
}

// Run reads packets from the device until ctx is cancelled or Read
// returns an error. It handles one packet at a time, in the order the
// packets were read.
func (d *Dispatcher) Run(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.dev.Read(buf)
		if err != nil {
			return fmt.Errorf("dispatch: read: %w", err)
		}
		d.packetsRead.Add(1)
		d.handlePacket(buf[:n])
	}
}

func (d *Dispatcher) handlePacket(raw []byte) {
	if len(raw) < 1 || raw[0]>>4 != 4 {
		d.packetsDropped.Add(1)
		return
	}

	dec := d.decodedPool.Get().(*adapter.Decoded)
	defer d.decodedPool.Put(dec)

	if err := dec.Parse(raw); err != nil {
		d.packetsDropped.Add(1)
		return
	}

	dstIP, ok := ipv4At(raw, 16)
	if !ok {
		d.packetsDropped.Add(1)
		return
	}
	if dstIP == diagnosticAddr {
		d.printStatus()
		return
	}
	ingress := dstIP == d.globalAddr
	now := time.Now().Unix()

	ok = d.translate(raw, dec, ingress, now)
	if !ok {
		d.packetsDropped.Add(1)
		return
	}

	adapter.FixIPv4HeaderChecksum(raw[:dec.IHL()])
	if _, err := d.dev.Write(raw); err != nil {
		d.logger.Errorf("", "write: %v", err)
		return
	}
	d.packetsEmitted.Add(1)
}

func ipv4At(raw []byte, offset int) (netip.Addr, bool) {
	if len(raw) < offset+4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{raw[offset], raw[offset+1], raw[offset+2], raw[offset+3]}), true
}

// translate routes a decoded packet to the table matching its
// protocol and rewrites it in place using that table's verdict. It
// returns false if the packet should be dropped: an unsupported
// protocol, a table that refused (e.g. a reply identifier gonat never
// rewrites on egress), or a NAT/table miss.
func (d *Dispatcher) translate(raw []byte, dec *adapter.Decoded, ingress bool, now int64) bool {
	switch dec.Protocol() {
	case adapter.ProtoTCP:
		return d.translateTCP(raw, dec, ingress, now)
	case adapter.ProtoUDP:
		return d.translateUDPLike(raw, dec, d.udp, ingress, now)
	case adapter.ProtoICMPEcho:
		isRequest := dec.ICMPEchoIsRequest()
		if isRequest && ingress {
			return false
		}
		if !isRequest && !ingress {
			return false
		}
		return d.translateUDPLike(raw, dec, d.icmpEcho, ingress, now)
	case adapter.ProtoICMPError:
		return d.translateICMPError(raw, dec)
	default:
		return false
	}
}

func (d *Dispatcher) translateTCP(raw []byte, dec *adapter.Decoded, ingress bool, now int64) bool {
	info, ok := dec.Info()
	if !ok {
		return false
	}
	flags := tcpstate.Flags(dec.TCPFlags())

	if ingress {
		localTuple, ok := d.tcp.Ingress(info, flags, now)
		if !ok {
			return false
		}
		return adapter.RewriteIngress(raw, dec, localTuple)
	}
	port, ok := d.tcp.Egress(info, flags, now)
	if !ok {
		return false
	}
	return adapter.RewriteEgress(raw, dec, natkey.Tuple{Addr: d.globalAddr, Port: port})
}

func (d *Dispatcher) translateUDPLike(raw []byte, dec *adapter.Decoded, table nat.UDPLikeTable, ingress bool, now int64) bool {
	info, ok := dec.Info()
	if !ok {
		return false
	}
	if ingress {
		localTuple, ok := table.Ingress(info, now)
		if !ok {
			return false
		}
		return adapter.RewriteIngress(raw, dec, localTuple)
	}
	port, ok := table.Egress(info, now)
	if !ok {
		return false
	}
	return adapter.RewriteEgress(raw, dec, natkey.Tuple{Addr: d.globalAddr, Port: port})
}

// translateICMPError routes an embedded ICMP error by the quoted
// packet's protocol byte (offset 9 of the quoted IPv4 header) to the
// TCP or UDP table's TranslateICMPError resolver.
func (d *Dispatcher) translateICMPError(raw []byte, dec *adapter.Decoded) bool {
	ihl := dec.IHL()
	icmp := raw[ihl:]
	if len(icmp) < 18 {
		return false
	}
	quotedProtocol := icmp[17]

	var resolve adapter.ICMPErrorResolver
	switch quotedProtocol {
	case protoTCP:
		resolve = d.tcp.TranslateICMPError
	case protoUDP:
		resolve = d.udp.TranslateICMPError
	default:
		return false
	}
	return adapter.RewriteICMPError(raw, ihl, resolve)
}

func (d *Dispatcher) printStatus() {
	read, dropped, emitted := d.Counters()
	fmt.Printf("--- dispatcher: read=%d dropped=%d emitted=%d ---\n", read, dropped, emitted)
	fmt.Println("--- tcp ---")
	for _, line := range d.tcp.Status() {
		fmt.Println(line)
	}
	fmt.Println("--- udp ---")
	for _, line := range d.udp.Status() {
		fmt.Println(line)
	}
	fmt.Println("--- icmp-echo ---")
	for _, line := range d.icmpEcho.Status() {
		fmt.Println(line)
	}
}
