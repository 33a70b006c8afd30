package nat

import (
	"fmt"

	"github.com/ge9/gonat/internal/core"
	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/natkey"
	"github.com/ge9/gonat/internal/tcpstate"
)

// UDPLikeTable is the subset of Table[LK]'s methods that do not
// mention LK, satisfied by Table[LK] for any filter key. It lets a
// table built from a run-time-configured Behavior be stored without
// the caller needing to know which filter key that behavior settled
// on.
type UDPLikeTable interface {
	Egress(p PacketInfo, now int64) (uint16, bool)
	Ingress(p PacketInfo, now int64) (natkey.Tuple, bool)
	TranslateICMPError(localPort uint16, remoteAddr natkey.Tuple) (natkey.Tuple, bool)
	Status() []string
}

// TCPLikeTable is the equivalent interface for StateTable[LK].
type TCPLikeTable interface {
	Egress(p PacketInfo, flags tcpstate.Flags, now int64) (uint16, bool)
	Ingress(p PacketInfo, flags tcpstate.Flags, now int64) (natkey.Tuple, bool)
	TranslateICMPError(localPort uint16, remoteTuple natkey.Tuple) (natkey.Tuple, bool)
	Status() []string
}

// cyclicNextPort builds a keygen.NextPortFunc that walks the
// configured port pool in the order it was given, wrapping around at
// the end, for the strict address/port-dependent behaviors.
func cyclicNextPort(ports []uint16) keygen.NextPortFunc {
	index := make(map[uint16]int, len(ports))
	for i, p := range ports {
		index[p] = i
	}
	return func(last uint16) uint16 {
		i, ok := index[last]
		if !ok {
			return ports[0]
		}
		return ports[(i+1)%len(ports)]
	}
}

// BuildUDPLikeTable constructs the Table[LK] matching cfg.Behavior,
// for use by the UDP and ICMP Echo tables.
func BuildUDPLikeTable(name string, cfg core.TableConfig, ports []uint16, logger EventLogger) (UDPLikeTable, error) {
	timeout := cfg.Long()
	switch cfg.Behavior {
	case core.BehaviorFullCone:
		return NewTable[natkey.Unit](name, timeout, keygen.NewFullCone(ports), logger), nil
	case core.BehaviorQuasiRestrictedCone:
		return NewTable[natkey.AddrOnly](name, timeout, keygen.NewQuasiRestrictedCone(ports), logger), nil
	case core.BehaviorQuasiPortRestrictedCone:
		return NewTable[natkey.AddrPort](name, timeout, keygen.NewQuasiPortRestrictedCone(ports), logger), nil
	case core.BehaviorQuasiSymmetric:
		return NewTable[natkey.AddrPort](name, timeout, keygen.NewQuasiSymmetric(ports), logger), nil
	case core.BehaviorAddressDependent:
		return NewTable[natkey.AddrOnly](name, timeout, keygen.NewAddressDependent(ports, cyclicNextPort(ports)), logger), nil
	case core.BehaviorAddressPortDependent:
		return NewTable[natkey.AddrPort](name, timeout, keygen.NewAddressPortDependent(ports, cyclicNextPort(ports)), logger), nil
	default:
		return nil, fmt.Errorf("nat: unknown behavior %q for table %q", cfg.Behavior, name)
	}
}

// BuildTCPLikeTable constructs the StateTable[LK] matching
// cfg.Behavior, for use by the TCP table.
func BuildTCPLikeTable(name string, cfg core.TableConfig, ports []uint16, logger EventLogger) (TCPLikeTable, error) {
	long, short := cfg.Long(), cfg.Short()
	switch cfg.Behavior {
	case core.BehaviorFullCone:
		return NewStateTable[natkey.Unit](name, long, short, keygen.NewFullCone(ports), logger), nil
	case core.BehaviorQuasiRestrictedCone:
		return NewStateTable[natkey.AddrOnly](name, long, short, keygen.NewQuasiRestrictedCone(ports), logger), nil
	case core.BehaviorQuasiPortRestrictedCone:
		return NewStateTable[natkey.AddrPort](name, long, short, keygen.NewQuasiPortRestrictedCone(ports), logger), nil
	case core.BehaviorQuasiSymmetric:
		return NewStateTable[natkey.AddrPort](name, long, short, keygen.NewQuasiSymmetric(ports), logger), nil
	case core.BehaviorAddressDependent:
		return NewStateTable[natkey.AddrOnly](name, long, short, keygen.NewAddressDependent(ports, cyclicNextPort(ports)), logger), nil
	case core.BehaviorAddressPortDependent:
		return NewStateTable[natkey.AddrPort](name, long, short, keygen.NewAddressPortDependent(ports, cyclicNextPort(ports)), logger), nil
	default:
		return nil, fmt.Errorf("nat: unknown behavior %q for table %q", cfg.Behavior, name)
	}
}
