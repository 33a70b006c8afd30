package nat

import (
	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/list"
	"github.com/ge9/gonat/internal/natkey"
)

type localPortKey struct {
	local      natkey.Tuple
	globalPort uint16
}

// rlIndex is the dual local/remote index shared by both the plain and
// TCP-state-aware translation tables: a map from local flow to the
// entry holding it, a map from remote filter key to the same entry,
// and the bookkeeping a KeyGen strategy needs to avoid handing out a
// colliding port (last-assigned-port hint, and for the strict
// address/port-dependent strategies, the ports each local flow holds
// through its live mappings).
type rlIndex[LK natkey.FilterKey] struct {
	locals             map[natkey.LI[LK]]list.Handle
	localsLastAssigned map[natkey.Tuple]uint16
	localsUsedPort     map[localPortKey]struct{}
	localTupleRefs     map[natkey.Tuple]int
	remotes            map[natkey.RI[LK]]list.Handle
	keygen             keygen.KeyGen[LK]
}

func newRLIndex[LK natkey.FilterKey](kg keygen.KeyGen[LK]) *rlIndex[LK] {
	return &rlIndex[LK]{
		locals:             make(map[natkey.LI[LK]]list.Handle),
		localsLastAssigned: make(map[natkey.Tuple]uint16),
		localsUsedPort:     make(map[localPortKey]struct{}),
		localTupleRefs:     make(map[natkey.Tuple]int),
		remotes:            make(map[natkey.RI[LK]]list.Handle),
		keygen:             kg,
	}
}

// HasRemote implements keygen.RemoteKeySet.
func (r *rlIndex[LK]) HasRemote(globalPort uint16, key LK) bool {
	_, ok := r.remotes[natkey.RI[LK]{GlobalPort: globalPort, Key: key}]
	return ok
}

// HasLocalPort implements keygen.LocalPortSet.
func (r *rlIndex[LK]) HasLocalPort(local natkey.Tuple, globalPort uint16) bool {
	_, ok := r.localsUsedPort[localPortKey{local: local, globalPort: globalPort}]
	return ok
}

// AddLocalPort implements keygen.LocalPortSet.
func (r *rlIndex[LK]) AddLocalPort(local natkey.Tuple, globalPort uint16) {
	r.localsUsedPort[localPortKey{local: local, globalPort: globalPort}] = struct{}{}
}

func (r *rlIndex[LK]) getLocal(li natkey.LI[LK]) (list.Handle, bool) {
	h, ok := r.locals[li]
	return h, ok
}

func (r *rlIndex[LK]) getRemote(ri natkey.RI[LK]) (list.Handle, bool) {
	h, ok := r.remotes[ri]
	return h, ok
}

func (r *rlIndex[LK]) filterKey(remoteTuple natkey.Tuple) LK {
	return r.keygen.FilterKeyFromTuple(remoteTuple)
}

// getEmptyPort asks the KeyGen strategy for a free external port for
// a new mapping opened by p, supplying the last-assigned-port hint
// recorded for p's source tuple if one exists.
func (r *rlIndex[LK]) getEmptyPort(p PacketInfo) (uint16, bool) {
	last, hasLast := r.localsLastAssigned[p.SrcTuple]
	return r.keygen.EmptyPort(keygen.EmptyPortQuery[LK]{
		LocalsUsedPort:  r,
		Remotes:         r,
		RemoteTuple:     p.DstTuple,
		LocalTuple:      p.SrcTuple,
		LastAssigned:    last,
		HasLastAssigned: hasLast,
	})
}

func (r *rlIndex[LK]) insert(key LK, localTuple natkey.Tuple, globalPort uint16, h list.Handle) {
	r.locals[natkey.LI[LK]{LocalTuple: localTuple, Key: key}] = h
	r.remotes[natkey.RI[LK]{GlobalPort: globalPort, Key: key}] = h
	r.localsLastAssigned[localTuple] = globalPort
	r.localTupleRefs[localTuple]++
}

// remove drops a mapping's index entries. Once the last mapping for a
// given local tuple is gone, the last-assigned-port hint for it is
// forgotten too, so localsLastAssigned does not grow without bound
// for flows that have long since gone idle.
func (r *rlIndex[LK]) remove(key LK, localTuple natkey.Tuple, globalPort uint16) {
	delete(r.locals, natkey.LI[LK]{LocalTuple: localTuple, Key: key})
	delete(r.remotes, natkey.RI[LK]{GlobalPort: globalPort, Key: key})
	delete(r.localsUsedPort, localPortKey{local: localTuple, globalPort: globalPort})
	r.localTupleRefs[localTuple]--
	if r.localTupleRefs[localTuple] <= 0 {
		delete(r.localTupleRefs, localTuple)
		delete(r.localsLastAssigned, localTuple)
	}
}
