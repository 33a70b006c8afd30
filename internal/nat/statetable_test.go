package nat

import (
	"testing"

	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/natkey"
	"github.com/ge9/gonat/internal/tcpstate"
)

type sequentialAddrPort struct {
	ports []uint16
}

func (sequentialAddrPort) FilterKeyFromTuple(remoteTuple natkey.Tuple) natkey.AddrPort {
	return natkey.AddrPort{Addr: remoteTuple.Addr, Port: remoteTuple.Port}
}

func (k sequentialAddrPort) EmptyPort(q keygen.EmptyPortQuery[natkey.AddrPort]) (uint16, bool) {
	key := k.FilterKeyFromTuple(q.RemoteTuple)
	for _, p := range k.ports {
		if !q.Remotes.HasRemote(p, key) {
			return p, true
		}
	}
	return 0, false
}

func TestStateTableHandshakeMovesToLongTimeout(t *testing.T) {
	tbl := NewStateTable[natkey.AddrPort]("tcp", 2000, 120, sequentialAddrPort{ports: []uint16{9000}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 80}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote, Size: 40}, tcpstate.FlagSYN, 1000)
	if !ok {
		t.Fatalf("SYN egress failed")
	}

	local2, ok := tbl.Ingress(PacketInfo{SrcTuple: remote, DstTuple: natkey.Tuple{Addr: addr("192.0.2.1"), Port: port}}, tcpstate.FlagSYN|tcpstate.FlagACK, 1001)
	if !ok || local2 != local {
		t.Fatalf("SYN-ACK ingress = %v, %v", local2, ok)
	}

	_, ok = tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote}, tcpstate.FlagACK, 1002)
	if !ok {
		t.Fatalf("final ACK egress failed")
	}

	h := tbl.connhash[connKey{GlobalPort: port, Remote: remote}]
	ci, ok := tbl.connlist.Get(h)
	if !ok {
		t.Fatalf("connection not found after handshake")
	}
	if ci.StateM.State != tcpstate.Established {
		t.Fatalf("state = %v, want Established", ci.StateM.State)
	}
	if ci.WillExpire != 1002+2000 {
		t.Fatalf("WillExpire = %d, want %d (long timeout)", ci.WillExpire, 1002+2000)
	}
}

func TestStateTableIndependentConnectionsCoexist(t *testing.T) {
	tbl := NewStateTable[natkey.AddrPort]("tcp", 2000, 120, sequentialAddrPort{ports: []uint16{9000, 9001}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remoteA := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 80}
	remoteB := natkey.Tuple{Addr: addr("2.2.2.2"), Port: 80}

	portA, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remoteA}, tcpstate.FlagSYN, 1000)
	if !ok {
		t.Fatalf("first egress failed")
	}
	portB, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remoteB}, tcpstate.FlagSYN, 1000)
	if !ok {
		t.Fatalf("second egress failed")
	}
	// AddrPort-keyed strategy: same local tuple to different remotes
	// gets distinct mappings (distinct filter keys), so no refcount
	// sharing here; this just exercises two independent connections
	// coexisting in the same table without interference.
	if portA == 0 || portB == 0 {
		t.Fatalf("expected two non-zero ports, got %d and %d", portA, portB)
	}
}

func TestStateTableRSTClosesConnection(t *testing.T) {
	tbl := NewStateTable[natkey.AddrPort]("tcp", 2000, 120, sequentialAddrPort{ports: []uint16{9000}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 80}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote}, tcpstate.FlagSYN, 1000)
	if !ok {
		t.Fatalf("SYN egress failed")
	}
	tbl.Ingress(PacketInfo{SrcTuple: remote, DstTuple: natkey.Tuple{Port: port}}, tcpstate.FlagSYN|tcpstate.FlagACK, 1001)
	tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote}, tcpstate.FlagRST, 1002)

	h := tbl.connhash[connKey{GlobalPort: port, Remote: remote}]
	ci, ok := tbl.connlist.Get(h)
	if !ok {
		t.Fatalf("connection missing")
	}
	if ci.StateM.State != tcpstate.Closed {
		t.Fatalf("state = %v, want Closed", ci.StateM.State)
	}
	if ci.WillExpire != 1002+tbl.idleTimeoutShort {
		t.Fatalf("WillExpire = %d, want short timeout after RST", ci.WillExpire)
	}
}

func TestStateTableGCReclaimsExpiredMapping(t *testing.T) {
	tbl := NewStateTable[natkey.AddrPort]("tcp", 2000, 10, sequentialAddrPort{ports: []uint16{9000, 9001}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 80}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote}, tcpstate.FlagSYN, 1000)
	if !ok {
		t.Fatalf("SYN egress failed")
	}

	other := natkey.Tuple{Addr: addr("10.0.0.3"), Port: 4321}
	port2, ok := tbl.Egress(PacketInfo{SrcTuple: other, DstTuple: remote}, tcpstate.FlagSYN, 5000)
	if !ok {
		t.Fatalf("second egress failed")
	}
	if port2 != port {
		t.Fatalf("expected GC to reclaim port %d for the new SYN-only flow, got %d", port, port2)
	}
}
