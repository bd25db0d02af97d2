package members

import (
	"errors"
	"math/big"
	"testing"
)

func TestPackStakeIDRoundTrip(t *testing.T) {
	cases := []struct {
		expiry   uint64
		duration uint64
	}{
		{60, 50},
		{150, 100},
		{65535, 65535},
	}
	for _, tc := range cases {
		id := PackStakeID(tc.expiry, tc.duration)
		want := StakeID(tc.expiry<<16 | tc.duration)
		if id != want {
			t.Fatalf("pack(%d, %d) = %d, want %d", tc.expiry, tc.duration, id, want)
		}
		expiry, duration := UnpackStakeID(id)
		if expiry != tc.expiry || duration != tc.duration {
			t.Fatalf("unpack(%d) = (%d, %d), want (%d, %d)", id, expiry, duration, tc.expiry, tc.duration)
		}
	}
}

func TestStakeIDOrderMatchesFieldOrder(t *testing.T) {
	// Packed ids must sort the same way as (expiry, duration) pairs so the
	// ascending list is ascending in id space too.
	if PackStakeID(16, 65535) >= PackStakeID(17, 0) {
		t.Fatalf("higher expiry must dominate the id ordering")
	}
	if PackStakeID(16, 8) >= PackStakeID(16, 11) {
		t.Fatalf("duration must break ties within an expiry")
	}
}

func TestStakeListRejectsOverflow(t *testing.T) {
	list := NewStakeList()
	if _, err := list.Register(1<<16, 10, big.NewInt(1)); !errors.Is(err, ErrStakeFieldOverflow) {
		t.Fatalf("expected ErrStakeFieldOverflow, got %v", err)
	}
	if _, err := list.Register(10, 1<<16, big.NewInt(1)); !errors.Is(err, ErrStakeFieldOverflow) {
		t.Fatalf("expected ErrStakeFieldOverflow, got %v", err)
	}
}

func TestStakeListEmptyState(t *testing.T) {
	list := NewStakeList()
	if list.First() != 0 || list.Last() != 0 || list.NumStakes() != 0 {
		t.Fatalf("empty list has non-zero state")
	}
	if got := list.TotalStaked(); got.Sign() != 0 {
		t.Fatalf("empty list has staked total %s", got)
	}
	if _, _, err := list.dequeue(); !errors.Is(err, ErrEmptyStakeList) {
		t.Fatalf("expected ErrEmptyStakeList, got %v", err)
	}
	if _, err := list.insertBefore(1, 5, 5, big.NewInt(1)); !errors.Is(err, ErrEmptyStakeList) {
		t.Fatalf("expected ErrEmptyStakeList, got %v", err)
	}
}

func TestStakeListRegisterKeepsExpiryOrder(t *testing.T) {
	list := NewStakeList()
	// Registered out of order on purpose.
	mustRegister(t, list, 35, 10, 300)
	mustRegister(t, list, 13, 10, 150)
	mustRegister(t, list, 24, 10, 200)

	wantOrder := []uint64{13, 24, 35}
	var got []uint64
	list.walk(func(_ StakeID, stake Stake) {
		got = append(got, stake.ExpiryEpoch)
	})
	if len(got) != len(wantOrder) {
		t.Fatalf("expected %d batches, got %d", len(wantOrder), len(got))
	}
	for i := range wantOrder {
		if got[i] != wantOrder[i] {
			t.Fatalf("position %d: expected expiry %d, got %d", i, wantOrder[i], got[i])
		}
	}
	if list.First() != PackStakeID(13, 10) || list.Last() != PackStakeID(35, 10) {
		t.Fatalf("unexpected head/tail: %d/%d", list.First(), list.Last())
	}
	if got := list.TotalStaked(); got.Cmp(big.NewInt(650)) != 0 {
		t.Fatalf("unexpected total: %s", got)
	}

	first, err := list.Get(list.First())
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if first.PrevID != 0 || first.NextID != PackStakeID(24, 10) {
		t.Fatalf("head links wrong: prev %d next %d", first.PrevID, first.NextID)
	}
	mid, err := list.Get(PackStakeID(24, 10))
	if err != nil {
		t.Fatalf("get mid: %v", err)
	}
	if mid.PrevID != PackStakeID(13, 10) || mid.NextID != PackStakeID(35, 10) {
		t.Fatalf("mid links wrong: prev %d next %d", mid.PrevID, mid.NextID)
	}
}

func TestStakeListRegisterCoalescesSameID(t *testing.T) {
	list := NewStakeList()
	id1 := mustRegister(t, list, 15, 10, 150)
	id2 := mustRegister(t, list, 15, 10, 50)
	if id1 != id2 {
		t.Fatalf("same pair must coalesce into one id: %d vs %d", id1, id2)
	}
	if list.NumStakes() != 1 {
		t.Fatalf("expected one batch, got %d", list.NumStakes())
	}
	stake, err := list.Get(id1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stake.Amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected merged amount 200, got %s", stake.Amount)
	}
}

func TestStakeListRegisterTiedExpiryKeepsInsertionOrder(t *testing.T) {
	list := NewStakeList()
	mustRegister(t, list, 17, 12, 250)
	mustRegister(t, list, 16, 11, 150)
	// Tied on expiry with the (16, 11) batch: lands after it, before 17.
	mustRegister(t, list, 16, 8, 200)

	if list.First() != PackStakeID(16, 11) {
		t.Fatalf("unexpected head: %d", list.First())
	}
	if list.Last() != PackStakeID(17, 12) {
		t.Fatalf("unexpected tail: %d", list.Last())
	}
	mid, err := list.Get(PackStakeID(16, 8))
	if err != nil {
		t.Fatalf("get mid: %v", err)
	}
	if mid.PrevID != PackStakeID(16, 11) || mid.NextID != PackStakeID(17, 12) {
		t.Fatalf("tied batch in wrong position: prev %d next %d", mid.PrevID, mid.NextID)
	}
	if list.NumStakes() != 3 || list.TotalStaked().Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected aggregates: %d / %s", list.NumStakes(), list.TotalStaked())
	}
}

func TestStakeListDequeue(t *testing.T) {
	list := NewStakeList()
	mustRegister(t, list, 5, 10, 150)
	mustRegister(t, list, 8, 11, 200)

	duration, amount, err := list.dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if duration != 10 || amount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("dequeued wrong batch: duration %d amount %s", duration, amount)
	}
	if list.First() != PackStakeID(8, 11) || list.Last() != PackStakeID(8, 11) {
		t.Fatalf("head/tail not updated: %d/%d", list.First(), list.Last())
	}
	if list.NumStakes() != 1 || list.TotalStaked().Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected aggregates: %d / %s", list.NumStakes(), list.TotalStaked())
	}
	if _, err := list.Get(PackStakeID(5, 10)); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("dequeued batch should be gone, got %v", err)
	}

	duration, amount, err = list.dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if duration != 11 || amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("dequeued wrong batch: duration %d amount %s", duration, amount)
	}
	if list.First() != 0 || list.Last() != 0 || list.NumStakes() != 0 {
		t.Fatalf("list should be empty")
	}
}

func mustRegister(t *testing.T, list *StakeList, expiry, duration uint64, amount int64) StakeID {
	t.Helper()
	id, err := list.Register(expiry, duration, big.NewInt(amount))
	if err != nil {
		t.Fatalf("register (%d, %d): %v", expiry, duration, err)
	}
	return id
}
