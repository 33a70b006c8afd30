package adapter

import (
	"net/netip"
	"testing"

	"github.com/ge9/gonat/internal/natkey"
)

// buildUDPPacket assembles a minimal IPv4+UDP packet with a correct
// checksum, for exercising RewriteEgress/RewriteIngress without a live
// capture.
func buildUDPPacket(t *testing.T, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	udpLen := 8 + len(payload)
	totalLen := 20 + udpLen
	raw := make([]byte, totalLen)

	raw[0] = 0x45 // version 4, IHL 5
	raw[2] = byte(totalLen >> 8)
	raw[3] = byte(totalLen)
	raw[8] = 64 // TTL
	raw[9] = protoUDP
	copy(raw[12:16], srcIP[:])
	copy(raw[16:20], dstIP[:])
	FixIPv4HeaderChecksum(raw[:20])

	l4 := raw[20:]
	l4[0], l4[1] = byte(srcPort>>8), byte(srcPort)
	l4[2], l4[3] = byte(dstPort>>8), byte(dstPort)
	l4[4], l4[5] = byte(udpLen>>8), byte(udpLen)
	copy(l4[8:], payload)
	fixTCPUDPChecksum(l4, 6, srcIP, dstIP, protoUDP)

	return raw
}

func verifyIPv4HeaderChecksum(t *testing.T, header []byte) {
	t.Helper()
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	if got := checksumFold(sum); got != 0 {
		t.Fatalf("IPv4 header checksum does not self-verify, residual = %#04x", got)
	}
}

func TestRewriteEgressUpdatesAddressPortAndChecksum(t *testing.T) {
	raw := buildUDPPacket(t, [4]byte{10, 0, 0, 2}, [4]byte{1, 1, 1, 1}, 1234, 53, []byte("hello"))

	d := NewDecoded()
	if err := d.Parse(raw); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if d.Protocol() != ProtoUDP {
		t.Fatalf("Protocol() = %v, want ProtoUDP", d.Protocol())
	}

	newSrc := natkey.Tuple{Addr: netip.AddrFrom4([4]byte{192, 0, 2, 1}), Port: 9000}
	ok := RewriteEgress(raw, d, newSrc)
	if !ok {
		t.Fatalf("RewriteEgress returned false")
	}
	FixIPv4HeaderChecksum(raw[:20])
	verifyIPv4HeaderChecksum(t, raw[:20])

	if raw[12] != 192 || raw[13] != 0 || raw[14] != 2 || raw[15] != 1 {
		t.Fatalf("source address not rewritten: %v", raw[12:16])
	}
	gotPort := uint16(raw[20])<<8 | uint16(raw[21])
	if gotPort != 9000 {
		t.Fatalf("source port = %d, want 9000", gotPort)
	}

	// UDP checksum self-verifies against the pseudo header when summed
	// together with the pseudo header contribution.
	udpLen := len(raw) - 20
	l4 := raw[20:]
	sum := pseudoHeaderSum([4]byte{192, 0, 2, 1}, [4]byte{1, 1, 1, 1}, protoUDP, udpLen)
	for i := 0; i+1 < len(l4); i += 2 {
		sum += uint32(l4[i])<<8 | uint32(l4[i+1])
	}
	if len(l4)%2 == 1 {
		sum += uint32(l4[len(l4)-1]) << 8
	}
	if got := checksumFold(sum); got != 0 {
		t.Fatalf("UDP checksum does not self-verify, residual = %#04x", got)
	}
}
