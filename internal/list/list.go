// Package list implements an intrusive doubly-linked list addressed by
// stable, generation-checked handles instead of pointers. Go has no
// borrow checker and no slotmap in the standard library, so the list
// keeps its own arena of slots and hands out (index, generation) pairs
// that stay valid across removals of other elements.
package list

// Handle identifies a node in a List. The zero Handle is never valid
// and is used the way the original used a null key: as a sentinel
// meaning "no node" (e.g. "push at tail" rather than "push before").
type Handle struct {
	index int
	gen   uint32
}

// Nil is the handle used in place of "no position".
var Nil = Handle{}

func (h Handle) valid() bool {
	return h != Nil
}

type node[T any] struct {
	value      T
	prev, next int // index into l.nodes, -1 for none
	gen        uint32
	occupied   bool
}

// List is an intrusive doubly-linked list of values of type T. All
// positional operations are O(1) given a Handle; only Head/Tail walk
// from the stored ends.
type List[T any] struct {
	nodes   []node[T]
	free    []int
	head    int
	tail    int
	length  int
}

// New returns an empty list.
func New[T any]() *List[T] {
	return &List[T]{head: -1, tail: -1}
}

// Len returns the number of elements currently in the list.
func (l *List[T]) Len() int {
	return l.length
}

// alloc never hands out gen 0 for an occupied slot, so Handle{} (Nil)
// can never collide with a real handle.
func (l *List[T]) alloc(v T) int {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		l.nodes[idx].value = v
		l.nodes[idx].occupied = true
		return idx
	}
	l.nodes = append(l.nodes, node[T]{value: v, occupied: true, gen: 1})
	return len(l.nodes) - 1
}

func (l *List[T]) handle(idx int) Handle {
	return Handle{index: idx, gen: l.nodes[idx].gen}
}

func (l *List[T]) resolve(h Handle) (int, bool) {
	if !h.valid() || h.index < 0 || h.index >= len(l.nodes) {
		return 0, false
	}
	n := &l.nodes[h.index]
	if !n.occupied || n.gen != h.gen {
		return 0, false
	}
	return h.index, true
}

// PushHead inserts value at the front of the list and returns its handle.
func (l *List[T]) PushHead(v T) Handle {
	idx := l.alloc(v)
	n := &l.nodes[idx]
	n.prev = -1
	n.next = l.head
	if l.head != -1 {
		l.nodes[l.head].prev = idx
	} else {
		l.tail = idx
	}
	l.head = idx
	l.length++
	return l.handle(idx)
}

// PushTail inserts value at the back of the list and returns its handle.
func (l *List[T]) PushTail(v T) Handle {
	idx := l.alloc(v)
	n := &l.nodes[idx]
	n.next = -1
	n.prev = l.tail
	if l.tail != -1 {
		l.nodes[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.length++
	return l.handle(idx)
}

// PushBefore inserts value immediately before the node identified by
// before, and returns the new node's handle. A Nil before behaves like
// PushTail.
func (l *List[T]) PushBefore(before Handle, v T) Handle {
	bi, ok := l.resolve(before)
	if !ok {
		return l.PushTail(v)
	}
	idx := l.alloc(v)
	n := &l.nodes[idx]
	pi := l.nodes[bi].prev
	n.prev = pi
	n.next = bi
	l.nodes[bi].prev = idx
	if pi != -1 {
		l.nodes[pi].next = idx
	} else {
		l.head = idx
	}
	l.length++
	return l.handle(idx)
}

func (l *List[T]) unlink(idx int) {
	n := &l.nodes[idx]
	if n.prev != -1 {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != -1 {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	l.length--
}

func (l *List[T]) free_(idx int) {
	n := &l.nodes[idx]
	n.occupied = false
	n.gen++
	var zero T
	n.value = zero
	l.free = append(l.free, idx)
}

// PopHead removes and returns the value at the front of the list.
func (l *List[T]) PopHead() (T, bool) {
	if l.head == -1 {
		var zero T
		return zero, false
	}
	idx := l.head
	v := l.nodes[idx].value
	l.unlink(idx)
	l.free_(idx)
	return v, true
}

// PopTail removes and returns the value at the back of the list.
func (l *List[T]) PopTail() (T, bool) {
	if l.tail == -1 {
		var zero T
		return zero, false
	}
	idx := l.tail
	v := l.nodes[idx].value
	l.unlink(idx)
	l.free_(idx)
	return v, true
}

// Remove deletes the node identified by h. It is a no-op if h is stale.
func (l *List[T]) Remove(h Handle) {
	idx, ok := l.resolve(h)
	if !ok {
		return
	}
	l.unlink(idx)
	l.free_(idx)
}

// MoveToTailAndGet moves the node identified by h to the back of the
// list and returns a pointer to its value for in-place mutation.
func (l *List[T]) MoveToTailAndGet(h Handle) (*T, bool) {
	idx, ok := l.resolve(h)
	if !ok {
		return nil, false
	}
	if idx != l.tail {
		l.unlink(idx)
		n := &l.nodes[idx]
		n.prev = l.tail
		n.next = -1
		if l.tail != -1 {
			l.nodes[l.tail].next = idx
		} else {
			l.head = idx
		}
		l.tail = idx
		l.length++
	}
	return &l.nodes[idx].value, true
}

// MoveBeforeAndGet moves the node identified by h to sit immediately
// before the node identified by before, and returns a pointer to h's
// value. A Nil before moves h to the tail. If before and h are the
// same node, this is a no-op.
func (l *List[T]) MoveBeforeAndGet(before, h Handle) (*T, bool) {
	if !before.valid() {
		return l.MoveToTailAndGet(h)
	}
	if before == h {
		idx, ok := l.resolve(h)
		if !ok {
			return nil, false
		}
		return &l.nodes[idx].value, true
	}
	idx, ok := l.resolve(h)
	if !ok {
		return nil, false
	}
	bi, ok := l.resolve(before)
	if !ok {
		return l.MoveToTailAndGet(h)
	}
	l.unlink(idx)
	n := &l.nodes[idx]
	pi := l.nodes[bi].prev
	n.prev = pi
	n.next = bi
	l.nodes[bi].prev = idx
	if pi != -1 {
		l.nodes[pi].next = idx
	} else {
		l.head = idx
	}
	l.length++
	return &l.nodes[idx].value, true
}

// Head returns the handle of the first node, if any.
func (l *List[T]) Head() (Handle, bool) {
	if l.head == -1 {
		return Nil, false
	}
	return l.handle(l.head), true
}

// Tail returns the handle of the last node, if any.
func (l *List[T]) Tail() (Handle, bool) {
	if l.tail == -1 {
		return Nil, false
	}
	return l.handle(l.tail), true
}

// Next returns the handle of the node following h, if any.
func (l *List[T]) Next(h Handle) (Handle, bool) {
	idx, ok := l.resolve(h)
	if !ok {
		return Nil, false
	}
	ni := l.nodes[idx].next
	if ni == -1 {
		return Nil, false
	}
	return l.handle(ni), true
}

// Get returns the value stored at h.
func (l *List[T]) Get(h Handle) (T, bool) {
	idx, ok := l.resolve(h)
	if !ok {
		var zero T
		return zero, false
	}
	return l.nodes[idx].value, true
}

// GetMut returns a pointer to the value stored at h for in-place mutation.
func (l *List[T]) GetMut(h Handle) (*T, bool) {
	idx, ok := l.resolve(h)
	if !ok {
		return nil, false
	}
	return &l.nodes[idx].value, true
}

// GetNext returns both the value stored at h and the handle of the
// following node, in one lookup.
func (l *List[T]) GetNext(h Handle) (T, Handle, bool) {
	idx, ok := l.resolve(h)
	if !ok {
		var zero T
		return zero, Nil, false
	}
	ni := l.nodes[idx].next
	next := Nil
	if ni != -1 {
		next = l.handle(ni)
	}
	return l.nodes[idx].value, next, true
}
