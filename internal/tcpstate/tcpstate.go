// Package tcpstate tracks per-connection TCP state so a NAT mapping
// knows when a flow has gone through a full handshake and teardown and
// can be reaped on a short timeout rather than held open for the long
// idle timeout every other mapping gets.
package tcpstate

// Flags mirrors the subset of TCP header control bits the state
// machine inspects. Only FIN, SYN, RST and ACK matter here.
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagACK Flags = 1 << 4
)

func (f Flags) has(bit Flags) bool { return f&bit == bit }

// State is one of the nine states a tracked TCP connection passes
// through. "Local" and "Remote" in the Syn/Fin* names refer to which
// side sent the first SYN or the first FIN of the connection.
type State int

const (
	Closed State = iota
	SynLocal
	SynRemote
	SynBoth
	Established
	Fin1Local
	Fin1Remote
	Fin2Local
	Fin2Remote
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case SynLocal:
		return "syn-local"
	case SynRemote:
		return "syn-remote"
	case SynBoth:
		return "syn-both"
	case Established:
		return "established"
	case Fin1Local:
		return "fin1-local"
	case Fin1Remote:
		return "fin1-remote"
	case Fin2Local:
		return "fin2-local"
	case Fin2Remote:
		return "fin2-remote"
	default:
		return "unknown"
	}
}

// Machine holds the current state of one tracked connection.
type Machine struct {
	State State
}

// New creates a state machine from the flags of the packet that first
// established the mapping. isIngress reports whether that packet
// arrived from the remote side rather than the local side.
func New(flags Flags, isIngress bool) *Machine {
	m := &Machine{State: Closed}
	if flags.has(FlagSYN) {
		if isIngress {
			m.State = SynRemote
		} else {
			m.State = SynLocal
		}
	}
	return m
}

// Update advances the state machine on observing a packet with the
// given flags traveling in the direction indicated by isIngress. It
// reports whether the packet was consistent with a state transition
// (this return value is informational; callers are not required to
// act on a false result).
func (m *Machine) Update(flags Flags, isIngress bool) bool {
	if flags.has(FlagRST) {
		m.State = Closed
		return true
	}
	switch m.State {
	case Closed:
		if !flags.has(FlagSYN) {
			return false
		}
		if isIngress {
			m.State = SynRemote
		} else {
			m.State = SynLocal
		}
		return true
	case SynRemote:
		if !flags.has(FlagSYN) {
			return false
		}
		if !isIngress {
			if flags.has(FlagACK) {
				m.State = Established
			} else {
				m.State = SynBoth
			}
		}
		return true
	case SynLocal:
		if !flags.has(FlagSYN) {
			return false
		}
		if isIngress {
			if flags.has(FlagACK) {
				m.State = Established
			} else {
				m.State = SynBoth
			}
		}
		return true
	case SynBoth:
		if flags.has(FlagSYN) && flags.has(FlagACK) {
			m.State = Established
			return true
		}
		return false
	case Established:
		if flags.has(FlagFIN) {
			if isIngress {
				m.State = Fin1Remote
			} else {
				m.State = Fin1Local
			}
			return true
		}
		return (flags | FlagSYN) != FlagSYN
	case Fin1Local:
		if !flags.has(FlagFIN) {
			return false
		}
		if isIngress {
			m.State = Fin2Local
		}
		return true
	case Fin1Remote:
		if !flags.has(FlagFIN) {
			return false
		}
		if !isIngress {
			m.State = Fin2Remote
		}
		return true
	case Fin2Local:
		if !flags.has(FlagACK) {
			return false
		}
		if !isIngress {
			m.State = Closed
		}
		return true
	case Fin2Remote:
		if !flags.has(FlagACK) {
			return false
		}
		if isIngress {
			m.State = Closed
		}
		return true
	default:
		return false
	}
}
