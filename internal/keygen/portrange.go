package keygen

// PortRange generates the external port pool for a CGNAT deployment
// that has been assigned a contiguous run of port sets spaced across
// cycleNums repeating blocks of cycleSize ports, per the port-set
// allocation scheme used by CGNAT/A+P addressing (RFC 7597-style PSID
// assignment). portsetOffset and portsetSize select the sub-range
// within each block that belongs to this customer.
func PortRange(cycleSize, cycleNums, cycleStarts, portsetOffset, portsetSize uint16) []uint16 {
	ports := make([]uint16, 0, int(cycleNums)*int(portsetSize))
	for n := uint16(0); n < cycleNums; n++ {
		begin := cycleStarts + n*cycleSize + portsetOffset
		for i := uint16(0); i < portsetSize; i++ {
			ports = append(ports, begin+i)
		}
	}
	return ports
}

// PortRangeV6Plus derives the port pool for an MAP-E/v6plus PSID: 15
// blocks of 4096 ports, 16 ports per block selected by psid.
func PortRangeV6Plus(psid uint8) []uint16 {
	return PortRange(4096, 15, 4096, uint16(psid)<<4, 16)
}

// PortRangeOCNVirtualConnect derives the port pool for an OCN virtual
// connect PSID (psid up to 63): 63 blocks of 1024 ports, 16 ports per
// block selected by psid.
func PortRangeOCNVirtualConnect(psid uint8) []uint16 {
	return PortRange(1024, 63, 1024, uint16(psid)<<4, 16)
}
