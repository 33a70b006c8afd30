package nat

import (
	"fmt"
	"sync"

	"github.com/ge9/gonat/internal/keygen"
	"github.com/ge9/gonat/internal/list"
	"github.com/ge9/gonat/internal/natkey"
)

// Table is the protocol-agnostic NAT translation table used for UDP
// and ICMP Echo: a single LRU list of mappings ordered by last-egress
// time, with no awareness of any inner connection state. Entries idle
// past idleTimeout seconds are reclaimed the next time an egress
// packet finds no existing mapping and a new one has to be created.
type Table[LK natkey.FilterKey] struct {
	mu          sync.Mutex
	name        string
	idleTimeout int64
	logger      EventLogger
	entries     *list.List[*Entry[LK]]
	idx         *rlIndex[LK]
}

// NewTable creates an empty table named name (used only in log lines
// and status dumps) using kg to assign external ports and logger to
// record insertions, evictions and lookup misses.
func NewTable[LK natkey.FilterKey](name string, idleTimeout int64, kg keygen.KeyGen[LK], logger EventLogger) *Table[LK] {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Table[LK]{
		name:        name,
		idleTimeout: idleTimeout,
		logger:      logger,
		entries:     list.New[*Entry[LK]](),
		idx:         newRLIndex[LK](kg),
	}
}

// Egress translates an outbound packet, creating a new mapping if one
// does not already exist for its (local tuple, remote filter key)
// pair. It returns the external port the packet should be rewritten
// to use, and false if no mapping exists and none could be created
// (the configured port pool is exhausted).
func (t *Table[LK]) Egress(p PacketInfo, now int64) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(p.DstTuple)
	li := natkey.LI[LK]{LocalTuple: p.SrcTuple, Key: key}
	if h, ok := t.idx.getLocal(li); ok {
		entry, ok := t.entries.MoveToTailAndGet(h)
		if ok {
			(*entry).LastEgress = now
			return t.egress(p, *entry), true
		}
	}

	t.gc(now)
	port, ok := t.idx.getEmptyPort(p)
	if !ok {
		t.logger.Logf(t.name, "%d no_empty_port: %s -> %s", now, p.SrcTuple, key)
		return 0, false
	}
	return t.insertAndEgress(p, port, key, now), true
}

func (t *Table[LK]) egress(p PacketInfo, entry *Entry[LK]) uint16 {
	entry.PacketsSent++
	entry.BytesSent += uint32(p.Size)
	return entry.GlobalPort
}

func (t *Table[LK]) insertAndEgress(p PacketInfo, port uint16, key LK, now int64) uint16 {
	entry := NewEntry(now, key, p.SrcTuple, port)
	h := t.entries.PushTail(entry)
	t.idx.insert(key, p.SrcTuple, port, h)
	t.logger.Logf(t.name, "%d inserting: via %d: %s -> %s", now, port, p.SrcTuple, key)
	return t.egress(p, entry)
}

// Ingress translates an inbound packet, looking it up by the filter
// key its source tuple must match. It returns the local tuple to
// rewrite the packet to, and false if no mapping admits this remote
// peer.
func (t *Table[LK]) Ingress(p PacketInfo, now int64) (natkey.Tuple, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(p.SrcTuple)
	ri := natkey.RI[LK]{GlobalPort: p.DstTuple.Port, Key: key}
	h, ok := t.idx.getRemote(ri)
	if !ok {
		t.logger.Logf(t.name, "%d ingress_not_found: via %d from %s", now, p.DstTuple.Port, p.SrcTuple)
		return natkey.Tuple{}, false
	}
	entry, ok := t.entries.GetMut(h)
	if !ok {
		return natkey.Tuple{}, false
	}
	(*entry).PacketsRecv++
	(*entry).BytesRecv += uint32(p.Size)
	return (*entry).LocalTuple, true
}

// TranslateICMPError resolves the local tuple for the connection an
// embedded ICMP error packet belongs to, without touching any traffic
// counters. localPort is the external port the error was addressed
// to and remoteAddr/remotePort are the quoted packet's original
// destination, i.e. the NAT's view of "the remote peer".
func (t *Table[LK]) TranslateICMPError(localPort uint16, remoteAddr natkey.Tuple) (natkey.Tuple, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.idx.filterKey(remoteAddr)
	ri := natkey.RI[LK]{GlobalPort: localPort, Key: key}
	h, ok := t.idx.getRemote(ri)
	if !ok {
		return natkey.Tuple{}, false
	}
	entry, ok := t.entries.Get(h)
	if !ok {
		return natkey.Tuple{}, false
	}
	return entry.LocalTuple, true
}

// gc evicts every mapping whose last egress is older than idleTimeout
// seconds, starting from the least-recently-used end of the list.
// Callers must hold t.mu.
func (t *Table[LK]) gc(now int64) {
	for {
		h, ok := t.entries.Head()
		if !ok {
			return
		}
		entry, ok := t.entries.Get(h)
		if !ok {
			return
		}
		if entry.LastEgress >= now-t.idleTimeout {
			return
		}
		t.entries.PopHead()
		t.idx.remove(entry.NatKey, entry.LocalTuple, entry.GlobalPort)
		t.logger.Logf(t.name, "%d removing: via %d: %s -> %s", now, entry.GlobalPort, entry.LocalTuple, entry.NatKey)
	}
}

// Status formats one diagnostic line per live mapping, oldest first.
func (t *Table[LK]) Status() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lines []string
	h, ok := t.entries.Head()
	for ok {
		entry, next, _ := t.entries.GetNext(h)
		lines = append(lines, fmt.Sprintf("[%d]%s->%s sent=%d/%d recv=%d/%d",
			entry.GlobalPort, entry.LocalTuple, entry.NatKey,
			entry.PacketsSent, entry.BytesSent, entry.PacketsRecv, entry.BytesRecv))
		h, ok = next, next != list.Nil
	}
	return lines
}
