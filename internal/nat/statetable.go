package nat

import (
	"fmt"
	"sync"

	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/list"
	"github.com/ge9/gonat/internal/natkey"
	"github.com/ge9/gonat/internal/tcpstate"
)

// entryRef wraps a mapping together with the number of live
// connections still referencing it. A mapping with more than one
// ConnInfo exists when a full-cone-style external port is shared by
// several remote peers of the same local flow; it is only reclaimed
// once its last ConnInfo expires.
type entryRef[LK natkey.FilterKey] struct {
	entry    *Entry[LK]
	refCount int
}

// connKey identifies one tracked TCP connection by the external port
// its parent mapping was assigned and the remote peer it talks to.
type connKey struct {
	GlobalPort uint16
	Remote     natkey.Tuple
}

// ConnInfo is one tracked TCP connection's state machine and timeout
// bookkeeping. WillExpire is a Unix timestamp; connections in the
// handshake or teardown phases get the table's short timeout, fully
// Established connections get the long one.
type ConnInfo struct {
	StateM      *tcpstate.Machine
	WillExpire  int64
	BelongsTo   list.Handle
	GlobalPort  uint16
	RemoteTuple natkey.Tuple
}

// StateTable is the TCP-aware NAT translation table. Unlike Table, it
// tracks one ConnInfo per (mapping, remote peer) pair on top of the
// mapping itself, so a full-cone mapping shared by several remote
// peers times each connection out independently while the mapping
// survives as long as any of them are alive. The connection timeout
// queue keeps its entries in a single list split into two ordered
// segments divided by a "pivot" handle: everything before the pivot
// carries the short timeout (handshaking or closing), everything from
// the pivot to the tail carries the long timeout (Established).
type StateTable[LK natkey.FilterKey] struct {
	mu               sync.Mutex
	name             string
	idleTimeoutLong  int64
	idleTimeoutShort int64
	logger           EventLogger

	entrylist *list.List[*entryRef[LK]]
	connlist  *list.List[*ConnInfo]
	connhash  map[connKey]list.Handle
	pivot     list.Handle

	idx *rlIndex[LK]
}

// NewStateTable creates an empty state table. idleTimeoutShort bounds
// connections still in the handshake or teardown phases;
// idleTimeoutLong bounds Established connections.
func NewStateTable[LK natkey.FilterKey](name string, idleTimeoutLong, idleTimeoutShort int64, kg keygen.KeyGen[LK], logger EventLogger) *StateTable[LK] {
	if logger == nil {
		logger = NopLogger{}
	}
	return &StateTable[LK]{
		name:             name,
		idleTimeoutLong:  idleTimeoutLong,
		idleTimeoutShort: idleTimeoutShort,
		logger:           logger,
		entrylist:        list.New[*entryRef[LK]](),
		connlist:         list.New[*ConnInfo](),
		connhash:         make(map[connKey]list.Handle),
		idx:              newRLIndex[LK](kg),
	}
}

// Egress translates an outbound TCP segment, advancing or creating
// the connection's state machine, and returns the external port to
// rewrite it to.
func (t *StateTable[LK]) Egress(p PacketInfo, flags tcpstate.Flags, now int64) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(p.DstTuple)
	li := natkey.LI[LK]{LocalTuple: p.SrcTuple, Key: key}
	if h, ok := t.idx.getLocal(li); ok {
		ref, ok := t.entrylist.GetMut(h)
		if ok {
			(*ref).entry.LastEgress = now
			conntuple := connKey{GlobalPort: (*ref).entry.GlobalPort, Remote: p.DstTuple}
			t.updateConnState(false, conntuple, flags, now, h)
			return t.egress(p, (*ref).entry), true
		}
	}

	t.gc(now)
	port, ok := t.idx.getEmptyPort(p)
	if !ok {
		t.logger.Logf(t.name, "%d no_empty_port: %s -> %s", now, p.SrcTuple, key)
		return 0, false
	}
	return t.insertAndEgress(p, port, key, flags, now), true
}

func (t *StateTable[LK]) egress(p PacketInfo, entry *Entry[LK]) uint16 {
	entry.PacketsSent++
	entry.BytesSent += uint32(p.Size)
	return entry.GlobalPort
}

func (t *StateTable[LK]) insertAndEgress(p PacketInfo, port uint16, key LK, flags tcpstate.Flags, now int64) uint16 {
	entry := NewEntry(now, key, p.SrcTuple, port)
	h := t.entrylist.PushTail(&entryRef[LK]{entry: entry, refCount: 1})
	conntuple := connKey{GlobalPort: port, Remote: p.DstTuple}
	t.pushConnState(false, conntuple, flags, now, h)
	t.idx.insert(key, p.SrcTuple, port, h)
	t.logger.Logf(t.name, "%d inserting: via %d: %s -> %s", now, port, p.SrcTuple, key)
	return t.egress(p, entry)
}

// Ingress translates an inbound TCP segment and returns the local
// tuple to rewrite it to.
func (t *StateTable[LK]) Ingress(p PacketInfo, flags tcpstate.Flags, now int64) (natkey.Tuple, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(p.SrcTuple)
	ri := natkey.RI[LK]{GlobalPort: p.DstTuple.Port, Key: key}
	h, ok := t.idx.getRemote(ri)
	if !ok {
		t.logger.Logf(t.name, "%d ingress_not_found: via %d from %s", now, p.DstTuple.Port, p.SrcTuple)
		return natkey.Tuple{}, false
	}
	ref, ok := t.entrylist.GetMut(h)
	if !ok {
		return natkey.Tuple{}, false
	}
	conntuple := connKey{GlobalPort: (*ref).entry.GlobalPort, Remote: p.SrcTuple}
	t.updateConnState(true, conntuple, flags, now, h)
	(*ref).entry.PacketsRecv++
	(*ref).entry.BytesRecv += uint32(p.Size)
	return (*ref).entry.LocalTuple, true
}

// TranslateICMPError resolves the local tuple for an embedded ICMP
// error, without touching any connection state or counters.
func (t *StateTable[LK]) TranslateICMPError(localPort uint16, remoteTuple natkey.Tuple) (natkey.Tuple, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(remoteTuple)
	ri := natkey.RI[LK]{GlobalPort: localPort, Key: key}
	h, ok := t.idx.getRemote(ri)
	if !ok {
		return natkey.Tuple{}, false
	}
	ref, ok := t.entrylist.Get(h)
	if !ok {
		return natkey.Tuple{}, false
	}
	return ref.entry.LocalTuple, true
}

// updateConnState advances the state machine of the connection
// identified by conntuple (creating one if this is the first packet
// seen for it against an already-existing mapping) and repositions it
// in the timeout queue. Ingress packets never refresh the timer: only
// a local send proves the connection is still wanted.
func (t *StateTable[LK]) updateConnState(isIngress bool, conntuple connKey, flags tcpstate.Flags, now int64, entryKey list.Handle) {
	connH, exists := t.connhash[conntuple]
	if !exists {
		t.pushConnState(isIngress, conntuple, flags, now, entryKey)
		if ref, ok := t.entrylist.GetMut(entryKey); ok {
			(*ref).refCount++
		}
		return
	}

	conn, ok := t.connlist.GetMut(connH)
	if !ok {
		return
	}
	if (*conn).WillExpire < now {
		(*conn).StateM = tcpstate.New(flags, isIngress)
	} else {
		(*conn).StateM.Update(flags, isIngress)
	}
	if isIngress {
		return
	}

	long := (*conn).StateM.State == tcpstate.Established
	if t.pivot == connH {
		next, _ := t.connlist.Next(connH)
		t.pivot = next
	}
	if long {
		moved, ok := t.connlist.MoveToTailAndGet(connH)
		if ok {
			(*moved).WillExpire = now + t.idleTimeoutLong
		}
		if t.pivot == list.Nil {
			t.pivot = connH
		}
	} else {
		t.updateLeastLonger(now)
		moved, ok := t.connlist.MoveBeforeAndGet(t.pivot, connH)
		if ok {
			(*moved).WillExpire = now + t.idleTimeoutShort
		}
	}
}

func (t *StateTable[LK]) pushConnState(isIngress bool, key connKey, flags tcpstate.Flags, now int64, entryKey list.Handle) {
	ci := &ConnInfo{
		StateM:      tcpstate.New(flags, isIngress),
		BelongsTo:   entryKey,
		GlobalPort:  key.GlobalPort,
		RemoteTuple: key.Remote,
	}
	var h list.Handle
	if ci.StateM.State == tcpstate.Established {
		h = t.connlist.PushTail(ci)
		ci.WillExpire = now + t.idleTimeoutLong
		if t.pivot == list.Nil {
			t.pivot = h
		}
	} else {
		t.updateLeastLonger(now)
		h = t.connlist.PushBefore(t.pivot, ci)
		ci.WillExpire = now + t.idleTimeoutShort
		t.updateLeastLonger(now)
	}
	t.connhash[key] = h
}

// updateLeastLonger advances the pivot forward past any node that
// belongs in the short-timeout segment, so it keeps pointing at the
// first node (from the head) whose expiry is at or beyond the
// short-timeout horizon.
func (t *StateTable[LK]) updateLeastLonger(now int64) {
	for t.pivot != list.Nil {
		ci, next, ok := t.connlist.GetNext(t.pivot)
		if !ok {
			return
		}
		if ci.WillExpire >= now+t.idleTimeoutShort {
			return
		}
		t.pivot = next
	}
}

// gc reclaims every connection whose timeout has elapsed, and with it
// any mapping whose last connection was just reclaimed. Callers must
// hold t.mu.
func (t *StateTable[LK]) gc(now int64) {
	t.updateLeastLonger(now)
	for {
		h, ok := t.connlist.Head()
		if !ok {
			break
		}
		ci, ok := t.connlist.Get(h)
		if !ok {
			break
		}
		if ci.WillExpire >= now {
			break
		}
		t.connlist.PopHead()
		delete(t.connhash, connKey{GlobalPort: ci.GlobalPort, Remote: ci.RemoteTuple})

		ref, ok := t.entrylist.GetMut(ci.BelongsTo)
		if !ok {
			continue
		}
		if (*ref).refCount <= 1 {
			t.gcHeadEntry((*ref).entry, now)
			t.entrylist.Remove(ci.BelongsTo)
		} else {
			(*ref).refCount--
		}
	}
	t.updateLeastLonger(now)
}

func (t *StateTable[LK]) gcHeadEntry(entry *Entry[LK], now int64) {
	t.idx.remove(entry.NatKey, entry.LocalTuple, entry.GlobalPort)
	t.logger.Logf(t.name, "%d removing: via %d: %s -> %s", now, entry.GlobalPort, entry.LocalTuple, entry.NatKey)
}

// Status formats one diagnostic line per live mapping followed by an
// indented line per connection it currently holds open.
func (t *StateTable[LK]) Status() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	children := make(map[list.Handle][]*ConnInfo)
	if h, ok := t.connlist.Head(); ok {
		for {
			ci, next, ok := t.connlist.GetNext(h)
			if !ok {
				break
			}
			children[ci.BelongsTo] = append(children[ci.BelongsTo], ci)
			h = next
		}
	}

	var lines []string
	h, ok := t.entrylist.Head()
	for ok {
		ref, _ := t.entrylist.Get(h)
		entry := ref.entry
		lines = append(lines, fmt.Sprintf("[%d]%s->%s sent=%d/%d recv=%d/%d",
			entry.GlobalPort, entry.LocalTuple, entry.NatKey,
			entry.PacketsSent, entry.BytesSent, entry.PacketsRecv, entry.BytesRecv))
		for _, ci := range children[h] {
			lines = append(lines, fmt.Sprintf("    state=%s expires=%d remote=%s", ci.StateM.State, ci.WillExpire, ci.RemoteTuple))
		}
		h, ok = t.entrylist.Next(h)
	}
	return lines
}
