package peerrewards

import (
	"daokernel/core/types"
)

// allocNode is one entry in a member's allocation list.
type allocNode struct {
	pts  uint64
	prev types.Address
	next types.Address
}

// AllocationList is an insertion-ordered list of (recipient, points) pairs
// with running aggregates over the whole list. Recipients are unique; setting
// a recipient's points to zero removes the entry.
type AllocationList struct {
	head    types.Address
	tail    types.Address
	count   int
	total   uint64
	highest uint64
	lowest  uint64
	nodes   map[types.Address]*allocNode
}

// Allocation is a single (recipient, points) pair in list order.
type Allocation struct {
	To  types.Address
	Pts uint64
}

// AllocationView is a read-only summary of a member's allocation list.
type AllocationView struct {
	NumAllocs  int
	HighestPts uint64
	LowestPts  uint64
	TotalPts   uint64
	Tail       types.Address
	Entries    []Allocation
}

// NewAllocationList constructs an empty list.
func NewAllocationList() *AllocationList {
	return &AllocationList{nodes: make(map[types.Address]*allocNode)}
}

// Set inserts, updates, or removes (pts == 0) the allocation for a recipient.
func (l *AllocationList) Set(to types.Address, pts uint64) {
	node, exists := l.nodes[to]
	switch {
	case !exists && pts == 0:
		return
	case !exists:
		l.append(to, pts)
	case pts == 0:
		l.remove(to, node)
	default:
		l.total = l.total - node.pts + pts
		node.pts = pts
		l.rescan()
	}
}

// Get returns the points allocated to a recipient, zero if absent.
func (l *AllocationList) Get(to types.Address) uint64 {
	if node, ok := l.nodes[to]; ok {
		return node.pts
	}
	return 0
}

// NumAllocs returns the entry count.
func (l *AllocationList) NumAllocs() int { return l.count }

// TotalPts returns the sum of all allocation points.
func (l *AllocationList) TotalPts() uint64 { return l.total }

// HighestPts returns the largest single allocation, zero when empty.
func (l *AllocationList) HighestPts() uint64 { return l.highest }

// LowestPts returns the smallest single allocation, zero when empty.
func (l *AllocationList) LowestPts() uint64 { return l.lowest }

// Tail returns the most recently appended recipient, the zero address when
// empty.
func (l *AllocationList) Tail() types.Address { return l.tail }

// View snapshots the list.
func (l *AllocationList) View() AllocationView {
	view := AllocationView{
		NumAllocs:  l.count,
		HighestPts: l.highest,
		LowestPts:  l.lowest,
		TotalPts:   l.total,
		Tail:       l.tail,
	}
	l.walk(func(to types.Address, pts uint64) {
		view.Entries = append(view.Entries, Allocation{To: to, Pts: pts})
	})
	return view
}

func (l *AllocationList) append(to types.Address, pts uint64) {
	node := &allocNode{pts: pts}
	if l.count == 0 {
		l.head = to
	} else {
		node.prev = l.tail
		l.nodes[l.tail].next = to
	}
	l.tail = to
	l.nodes[to] = node
	l.count++
	l.total += pts
	l.rescan()
}

func (l *AllocationList) remove(to types.Address, node *allocNode) {
	if l.head == to {
		l.head = node.next
	} else {
		l.nodes[node.prev].next = node.next
	}
	if l.tail == to {
		l.tail = node.prev
	} else {
		l.nodes[node.next].prev = node.prev
	}
	delete(l.nodes, to)
	l.count--
	l.total -= node.pts
	l.rescan()
}

// rescan recomputes highest and lowest from scratch.
func (l *AllocationList) rescan() {
	l.highest = 0
	l.lowest = 0
	first := true
	l.walk(func(_ types.Address, pts uint64) {
		if pts > l.highest {
			l.highest = pts
		}
		if first || pts < l.lowest {
			l.lowest = pts
		}
		first = false
	})
}

func (l *AllocationList) walk(fn func(to types.Address, pts uint64)) {
	cursor := l.head
	for i := 0; i < l.count; i++ {
		node := l.nodes[cursor]
		fn(cursor, node.pts)
		cursor = node.next
	}
}
