package nat

import (
	"net/netip"
	"testing"

	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/natkey"
)

// sequentialFullCone is a deterministic full-cone-like strategy for
// tests: it hands out ports in a fixed order and never reuses one
// that HasRemote already reports as occupied, without any randomness.
type sequentialFullCone struct {
	ports []uint16
}

func (sequentialFullCone) FilterKeyFromTuple(natkey.Tuple) natkey.Unit { return natkey.Unit{} }

func (k sequentialFullCone) EmptyPort(q keygen.EmptyPortQuery[natkey.Unit]) (uint16, bool) {
	for _, p := range k.ports {
		if !q.Remotes.HasRemote(p, natkey.Unit{}) {
			return p, true
		}
	}
	return 0, false
}

func addr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestTableEgressCreatesMappingAndReusesIt(t *testing.T) {
	tbl := NewTable[natkey.Unit]("udp", 120, sequentialFullCone{ports: []uint16{9000, 9001}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 53}

	p1 := PacketInfo{SrcTuple: local, DstTuple: remote, Size: 40}
	port1, ok := tbl.Egress(p1, 1000)
	if !ok || port1 != 9000 {
		t.Fatalf("Egress = %d, %v, want 9000, true", port1, ok)
	}

	// Same local tuple, same remote: must reuse the existing mapping's
	// port rather than allocating a new one.
	port2, ok := tbl.Egress(p1, 1001)
	if !ok || port2 != 9000 {
		t.Fatalf("second Egress = %d, %v, want 9000, true", port2, ok)
	}
}

func TestTableIngressRoundTrip(t *testing.T) {
	tbl := NewTable[natkey.Unit]("udp", 120, sequentialFullCone{ports: []uint16{9000}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 53}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote, Size: 40}, 1000)
	if !ok {
		t.Fatalf("Egress failed")
	}

	back, ok := tbl.Ingress(PacketInfo{SrcTuple: remote, DstTuple: natkey.Tuple{Addr: addr("192.0.2.1"), Port: port}, Size: 40}, 1001)
	if !ok || back != local {
		t.Fatalf("Ingress = %v, %v, want %v, true", back, ok, local)
	}
}

func TestTableIngressMissUnknownPort(t *testing.T) {
	tbl := NewTable[natkey.Unit]("udp", 120, sequentialFullCone{ports: []uint16{9000}}, nil)
	_, ok := tbl.Ingress(PacketInfo{
		SrcTuple: natkey.Tuple{Addr: addr("1.1.1.1"), Port: 53},
		DstTuple: natkey.Tuple{Addr: addr("192.0.2.1"), Port: 12345},
	}, 1000)
	if ok {
		t.Fatalf("Ingress succeeded for a port with no mapping")
	}
}

func TestTableGCEvictsIdleMapping(t *testing.T) {
	tbl := NewTable[natkey.Unit]("udp", 10, sequentialFullCone{ports: []uint16{9000, 9001}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 1234}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 53}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote, Size: 40}, 1000)
	if !ok {
		t.Fatalf("Egress failed")
	}

	// Past idleTimeout, the next Egress on an unrelated flow should GC
	// the old mapping's port back into circulation.
	other := natkey.Tuple{Addr: addr("10.0.0.3"), Port: 4321}
	port2, ok := tbl.Egress(PacketInfo{SrcTuple: other, DstTuple: remote, Size: 40}, 2000)
	if !ok {
		t.Fatalf("second Egress failed")
	}
	if port2 != port {
		// both ports are free at this point only if the idle mapping
		// was GC'd; otherwise the second flow would get 9001
		t.Fatalf("expected GC to free port %d for reuse, got %d", port, port2)
	}
}

func TestTableICMPErrorTranslation(t *testing.T) {
	tbl := NewTable[natkey.Unit]("icmp-echo", 120, sequentialFullCone{ports: []uint16{9000}}, nil)
	local := natkey.Tuple{Addr: addr("10.0.0.2"), Port: 55}
	remote := natkey.Tuple{Addr: addr("1.1.1.1"), Port: 0}

	port, ok := tbl.Egress(PacketInfo{SrcTuple: local, DstTuple: remote, Size: 40}, 1000)
	if !ok {
		t.Fatalf("Egress failed")
	}

	local2, ok := tbl.TranslateICMPError(port, remote)
	if !ok || local2 != local {
		t.Fatalf("TranslateICMPError = %v, %v, want %v, true", local2, ok, local)
	}
}
