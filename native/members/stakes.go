package members

import (
	"errors"
	"math/big"
)

var (
	// ErrStakeNotFound indicates an unknown stake id. Lookups fail rather
	// than returning a zeroed sentinel.
	ErrStakeNotFound = errors.New("members: no stake exists for id")
	// ErrEmptyStakeList indicates a dequeue or insert against an empty
	// list.
	ErrEmptyStakeList = errors.New("members: cannot dequeue empty stakes list")
	// ErrStakeFieldOverflow indicates an expiry epoch or lock duration
	// outside the 16-bit id range.
	ErrStakeFieldOverflow = errors.New("members: stake id fields are limited to 16 bits")
)

const stakeFieldMax = 1<<16 - 1

// StakeID is the composite key of a stake batch: the expiry epoch in the high
// bits and the lock duration in the low 16 bits. Packed ids sort identically
// to (expiryEpoch, lockDuration) pairs, so the ascending list order is also
// ascending id order per expiry.
type StakeID uint64

// PackStakeID packs an (expiryEpoch, lockDuration) pair into a stake id. Both
// fields must fit in 16 bits; RegisterNewStake enforces this before packing.
func PackStakeID(expiryEpoch, lockDuration uint64) StakeID {
	return StakeID(expiryEpoch<<16 | lockDuration&stakeFieldMax)
}

// UnpackStakeID is the exact inverse of PackStakeID.
func UnpackStakeID(id StakeID) (expiryEpoch, lockDuration uint64) {
	return uint64(id >> 16), uint64(id) & stakeFieldMax
}

// Stake is the externally visible view of a stake batch.
type Stake struct {
	ExpiryEpoch  uint64
	LockDuration uint64
	PrevID       StakeID
	NextID       StakeID
	Amount       *big.Int
}

type stakeNode struct {
	expiryEpoch  uint64
	lockDuration uint64
	prev         StakeID
	next         StakeID
	amount       *big.Int
}

// StakeList is one owner's stake batches, held in an arena keyed by packed id
// and threaded as a doubly linked list ordered by ascending expiry epoch. The
// zero StakeID is the "none" sentinel for head, tail and the node links.
type StakeList struct {
	first StakeID
	last  StakeID
	count int
	total *big.Int
	nodes map[StakeID]*stakeNode
}

// NewStakeList returns an empty list.
func NewStakeList() *StakeList {
	return &StakeList{
		total: big.NewInt(0),
		nodes: make(map[StakeID]*stakeNode),
	}
}

// First returns the head id, or 0 when the list is empty.
func (l *StakeList) First() StakeID { return l.first }

// Last returns the tail id, or 0 when the list is empty.
func (l *StakeList) Last() StakeID { return l.last }

// NumStakes returns the live batch count.
func (l *StakeList) NumStakes() int { return l.count }

// TotalStaked returns the sum of all live batch amounts.
func (l *StakeList) TotalStaked() *big.Int { return new(big.Int).Set(l.total) }

// Get returns the batch stored under id.
func (l *StakeList) Get(id StakeID) (Stake, error) {
	node, ok := l.nodes[id]
	if !ok {
		return Stake{}, ErrStakeNotFound
	}
	return Stake{
		ExpiryEpoch:  node.expiryEpoch,
		LockDuration: node.lockDuration,
		PrevID:       node.prev,
		NextID:       node.next,
		Amount:       new(big.Int).Set(node.amount),
	}, nil
}

func checkStakeFields(expiryEpoch, lockDuration uint64) error {
	if expiryEpoch > stakeFieldMax || lockDuration > stakeFieldMax {
		return ErrStakeFieldOverflow
	}
	return nil
}

// push appends a batch at the tail. The caller guarantees the expiry is >= the
// current tail's expiry.
func (l *StakeList) push(expiryEpoch, lockDuration uint64, amount *big.Int) (StakeID, error) {
	if err := checkStakeFields(expiryEpoch, lockDuration); err != nil {
		return 0, err
	}
	id := PackStakeID(expiryEpoch, lockDuration)
	node := &stakeNode{
		expiryEpoch:  expiryEpoch,
		lockDuration: lockDuration,
		amount:       new(big.Int).Set(amount),
	}
	if l.count == 0 {
		l.first = id
	} else {
		tail := l.nodes[l.last]
		tail.next = id
		node.prev = l.last
	}
	l.last = id
	l.nodes[id] = node
	l.count++
	l.total.Add(l.total, amount)
	return id, nil
}

// insertBefore splices a new batch immediately before an existing node.
func (l *StakeList) insertBefore(beforeID StakeID, expiryEpoch, lockDuration uint64, amount *big.Int) (StakeID, error) {
	if l.count == 0 {
		return 0, ErrEmptyStakeList
	}
	if err := checkStakeFields(expiryEpoch, lockDuration); err != nil {
		return 0, err
	}
	successor, ok := l.nodes[beforeID]
	if !ok {
		return 0, ErrStakeNotFound
	}
	id := PackStakeID(expiryEpoch, lockDuration)
	node := &stakeNode{
		expiryEpoch:  expiryEpoch,
		lockDuration: lockDuration,
		prev:         successor.prev,
		next:         beforeID,
		amount:       new(big.Int).Set(amount),
	}
	if successor.prev == 0 {
		l.first = id
	} else {
		l.nodes[successor.prev].next = id
	}
	successor.prev = id
	l.nodes[id] = node
	l.count++
	l.total.Add(l.total, amount)
	return id, nil
}

// dequeue removes the head batch (the earliest expiry) and returns its lock
// duration and amount. All node fields are zeroed and the arena slot freed.
func (l *StakeList) dequeue() (lockDuration uint64, amount *big.Int, err error) {
	if l.count == 0 {
		return 0, nil, ErrEmptyStakeList
	}
	id := l.first
	node := l.nodes[id]
	lockDuration = node.lockDuration
	amount = new(big.Int).Set(node.amount)

	l.first = node.next
	if node.next == 0 {
		l.last = 0
	} else {
		l.nodes[node.next].prev = 0
	}
	node.expiryEpoch = 0
	node.lockDuration = 0
	node.prev = 0
	node.next = 0
	node.amount = big.NewInt(0)
	delete(l.nodes, id)
	l.count--
	l.total.Sub(l.total, amount)
	return lockDuration, amount, nil
}

// Register records a new stake, keeping the list ordered by ascending expiry.
// A batch with the same (expiry, duration) pair coalesces into the existing
// node; a batch tied on expiry but with a different duration lands after the
// existing tied nodes, so ties keep insertion order.
func (l *StakeList) Register(expiryEpoch, lockDuration uint64, amount *big.Int) (StakeID, error) {
	if err := checkStakeFields(expiryEpoch, lockDuration); err != nil {
		return 0, err
	}
	id := PackStakeID(expiryEpoch, lockDuration)
	if node, ok := l.nodes[id]; ok {
		node.amount.Add(node.amount, amount)
		l.total.Add(l.total, amount)
		return id, nil
	}
	for cursor := l.first; cursor != 0; cursor = l.nodes[cursor].next {
		if l.nodes[cursor].expiryEpoch > expiryEpoch {
			return l.insertBefore(cursor, expiryEpoch, lockDuration, amount)
		}
	}
	return l.push(expiryEpoch, lockDuration, amount)
}

// walk visits every live batch in list order.
func (l *StakeList) walk(visit func(id StakeID, node Stake)) {
	for cursor := l.first; cursor != 0; {
		node := l.nodes[cursor]
		visit(cursor, Stake{
			ExpiryEpoch:  node.expiryEpoch,
			LockDuration: node.lockDuration,
			PrevID:       node.prev,
			NextID:       node.next,
			Amount:       new(big.Int).Set(node.amount),
		})
		cursor = node.next
	}
}
