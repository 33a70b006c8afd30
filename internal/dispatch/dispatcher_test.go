package dispatch

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/ge9/gonat/internal/core"
	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/nat"
	"github.com/ge9/gonat/internal/natkey"
)

// fakeDevice feeds a fixed list of packets to Read and records every
// packet Write receives.
type fakeDevice struct {
	toRead  [][]byte
	written [][]byte
}

func (f *fakeDevice) Read(buf []byte) (int, error) {
	if len(f.toRead) == 0 {
		return 0, context.Canceled
	}
	pkt := f.toRead[0]
	f.toRead = f.toRead[1:]
	return copy(buf, pkt), nil
}

func (f *fakeDevice) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.written = append(f.written, cp)
	return len(buf), nil
}

func (f *fakeDevice) Name() string { return "fake0" }
func (f *fakeDevice) Close() error { return nil }

func buildUDPPacket(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen
	raw := make([]byte, totalLen)

	raw[0] = 0x45
	raw[2] = byte(totalLen >> 8)
	raw[3] = byte(totalLen)
	raw[8] = 64
	raw[9] = protoUDP
	copy(raw[12:16], srcIP[:])
	copy(raw[16:20], dstIP[:])

	l4 := raw[20:]
	l4[0], l4[1] = byte(srcPort>>8), byte(srcPort)
	l4[2], l4[3] = byte(dstPort>>8), byte(dstPort)
	l4[4], l4[5] = byte(udpLen>>8), byte(udpLen)
	copy(l4[8:], payload)
	return raw
}

func TestDispatcherTranslatesOutboundUDP(t *testing.T) {
	globalAddr := netip.AddrFrom4([4]byte{192, 168, 0, 135})
	ports := []uint16{19900, 19901, 19902}

	logger, err := core.NewLogger("", core.LevelOff)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	udpTable := nat.NewTable[natkey.AddrPort]("udp", 150, keygen.NewQuasiSymmetric(ports), logger)
	icmpTable := nat.NewTable[natkey.AddrPort]("icmp-echo", 150, keygen.NewQuasiSymmetric(ports), logger)
	tcpTable := nat.NewStateTable[natkey.AddrOnly]("tcp", 2000, 120, keygen.NewQuasiRestrictedCone(ports), logger)

	raw := buildUDPPacket([4]byte{10, 255, 0, 2}, [4]byte{8, 8, 8, 8}, 5000, 53, []byte("hi"))
	dev := &fakeDevice{toRead: [][]byte{raw}}

	d := New(dev, globalAddr, tcpTable, udpTable, icmpTable, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if len(dev.written) != 1 {
		t.Fatalf("expected 1 packet written, got %d", len(dev.written))
	}
	out := dev.written[0]
	if out[12] != 192 || out[13] != 168 || out[14] != 0 || out[15] != 135 {
		t.Fatalf("source address not rewritten to global address: %v", out[12:16])
	}
	read, dropped, emitted := d.Counters()
	if read != 1 || emitted != 1 || dropped != 0 {
		t.Fatalf("counters = read=%d dropped=%d emitted=%d, want 1/0/1", read, dropped, emitted)
	}
}

func TestDispatcherDropsUnsupportedProtocol(t *testing.T) {
	globalAddr := netip.AddrFrom4([4]byte{192, 168, 0, 135})
	ports := []uint16{19900}

	logger, err := core.NewLogger("", core.LevelOff)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	udpTable := nat.NewTable[natkey.AddrPort]("udp", 150, keygen.NewQuasiSymmetric(ports), logger)
	icmpTable := nat.NewTable[natkey.AddrPort]("icmp-echo", 150, keygen.NewQuasiSymmetric(ports), logger)
	tcpTable := nat.NewStateTable[natkey.AddrOnly]("tcp", 2000, 120, keygen.NewQuasiRestrictedCone(ports), logger)

	raw := make([]byte, 20)
	raw[0] = 0x45
	raw[2], raw[3] = 0, 20
	raw[9] = 41 // IPv6-in-IPv4, not handled
	copy(raw[12:16], []byte{10, 255, 0, 2})
	copy(raw[16:20], []byte{8, 8, 8, 8})
	dev := &fakeDevice{toRead: [][]byte{raw}}

	d := New(dev, globalAddr, tcpTable, udpTable, icmpTable, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if len(dev.written) != 0 {
		t.Fatalf("expected no packet written, got %d", len(dev.written))
	}
	_, dropped, _ := d.Counters()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}
