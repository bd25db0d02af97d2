package peerrewards

import (
	"errors"
	"math/big"
	"testing"

	"daokernel/config"
	"daokernel/core/types"
	"daokernel/native/gate"
	"daokernel/native/token"
)

type epochStub struct {
	epoch uint64
}

func (s *epochStub) Current() uint64 { return s.epoch }

type endorsementsStub struct {
	totals map[types.Address]*big.Int
}

func (s *endorsementsStub) set(member types.Address, amount int64) {
	s.totals[member] = big.NewInt(amount)
}

func (s *endorsementsStub) TotalEndorsementsReceived(member types.Address) *big.Int {
	if total, ok := s.totals[member]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

type sinkStub struct {
	events []types.Event
}

func (s *sinkStub) AppendEvent(evt *types.Event) {
	s.events = append(s.events, *evt)
}

func (s *sinkStub) ofType(eventType string) []types.Event {
	var out []types.Event
	for _, evt := range s.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fixture struct {
	module       *Module
	ledger       *token.Ledger
	epochs       *epochStub
	endorsements *endorsementsStub
	sink         *sinkStub
	gate         *gate.Gate
	owner        types.Address

	userA, userB, userC, userD, userE types.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner := addr(1)
	g := gate.New(owner)
	ledger := token.NewLedger("Default Token", "DEF", 18, g)
	epochs := &epochStub{epoch: 1}
	endorsements := &endorsementsStub{totals: make(map[types.Address]*big.Int)}
	sink := &sinkStub{}
	module := NewModule(g, ledger, epochs, endorsements, sink, config.Default().PeerRewards)
	if err := g.Approve(owner, module.ModuleAddress()); err != nil {
		t.Fatalf("approve module: %v", err)
	}

	f := &fixture{
		module: module, ledger: ledger, epochs: epochs,
		endorsements: endorsements, sink: sink, gate: g, owner: owner,
		userA: addr(2), userB: addr(3), userC: addr(4), userD: addr(5), userE: addr(6),
	}
	for _, user := range []types.Address{f.userA, f.userB, f.userC, f.userD, f.userE} {
		if err := g.Approve(owner, user); err != nil {
			t.Fatalf("approve user: %v", err)
		}
	}
	endorsements.set(f.userA, 900000)
	endorsements.set(f.userB, 899999)
	endorsements.set(f.userC, 400000)
	endorsements.set(f.userD, 399999)
	endorsements.set(f.userE, 0)
	return f
}

func (f *fixture) register(t *testing.T, members ...types.Address) {
	t.Helper()
	for _, member := range members {
		if err := f.module.Register(member); err != nil {
			t.Fatalf("register %s: %v", member.Hex(), err)
		}
	}
}

// allocate configures the entries in slice order so list positions are
// deterministic.
func (f *fixture) allocate(t *testing.T, from types.Address, allocs []Allocation) {
	t.Helper()
	for _, alloc := range allocs {
		if err := f.module.ConfigureAllocation(from, alloc.To, alloc.Pts); err != nil {
			t.Fatalf("configure allocation: %v", err)
		}
	}
}

func TestRegisterBelowThreshold(t *testing.T) {
	f := newFixture(t)
	if err := f.module.Register(f.userD); !errors.Is(err, ErrBelowRewardThreshold) {
		t.Fatalf("expected ErrBelowRewardThreshold, got %v", err)
	}
	if err := f.module.Register(f.userE); !errors.Is(err, ErrBelowRewardThreshold) {
		t.Fatalf("expected ErrBelowRewardThreshold, got %v", err)
	}
}

func TestRegisterReceiveOnly(t *testing.T) {
	f := newFixture(t)
	// Above the reward threshold but below the give threshold: eligible to
	// receive, zero allocation points.
	f.register(t, f.userB, f.userC)

	if !f.module.EligibleForRewards(2, f.userB) || !f.module.EligibleForRewards(2, f.userC) {
		t.Fatalf("registrants should be eligible for epoch 2")
	}
	if got := f.module.PointsRegisteredFor(2, f.userB); got.Sign() != 0 {
		t.Fatalf("expected zero points, got %s", got)
	}
	if got := f.module.TotalPointsRegisteredFor(2); got.Sign() != 0 {
		t.Fatalf("expected zero total points, got %s", got)
	}
}

func TestRegisterWithPoints(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)

	// First registration: streak 1 of max 10, so a tenth of the weight.
	if got := f.module.PointsRegisteredFor(2, f.userA); got.Cmp(big.NewInt(90000)) != 0 {
		t.Fatalf("unexpected points: %s", got)
	}
	if got := f.module.TotalPointsRegisteredFor(2); got.Cmp(big.NewInt(90000)) != 0 {
		t.Fatalf("unexpected total points: %s", got)
	}
	registered := f.sink.ofType(EventMemberRegistered)
	if len(registered) != 1 || registered[0].Attributes["points"] != "90000" || registered[0].Attributes["epoch"] != "2" {
		t.Fatalf("unexpected MemberRegistered events: %+v", registered)
	}
}

func TestRegisterTwiceForSameEpoch(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	if err := f.module.Register(f.userA); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegisterStreakScalesPoints(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.epochs.epoch = 2
	f.register(t, f.userA)

	if got := f.module.PointsRegisteredFor(3, f.userA); got.Cmp(big.NewInt(180000)) != 0 {
		t.Fatalf("streak of 2 should double the points, got %s", got)
	}

	// A gap in participation resets the streak.
	f.epochs.epoch = 5
	f.register(t, f.userA)
	if got := f.module.PointsRegisteredFor(6, f.userA); got.Cmp(big.NewInt(90000)) != 0 {
		t.Fatalf("broken streak should reset, got %s", got)
	}
}

func TestConfigureAllocationRejectsSelf(t *testing.T) {
	f := newFixture(t)
	if err := f.module.ConfigureAllocation(f.userA, f.userA, 2); !errors.Is(err, ErrSelfAllocation) {
		t.Fatalf("expected ErrSelfAllocation, got %v", err)
	}
}

func TestCommitRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestCommitRequiresGiveThreshold(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.epochs.epoch = 2

	// A's endorsements dip below the give threshold after registering.
	f.endorsements.set(f.userA, 899999)
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrInsufficientEndorsements) {
		t.Fatalf("expected ErrInsufficientEndorsements, got %v", err)
	}
}

func TestCommitRequiresAllocations(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.epochs.epoch = 2
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrEmptyAllocationList) {
		t.Fatalf("expected ErrEmptyAllocationList, got %v", err)
	}
}

func TestCommitEnforcesBounds(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.epochs.epoch = 2

	// 1 of 11 is under the 10 percent floor.
	f.allocate(t, f.userA, []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 5}})
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrAllocationOutOfBounds) {
		t.Fatalf("expected ErrAllocationOutOfBounds, got %v", err)
	}

	// 4 of 100 is under the floor even with the ceiling satisfied.
	f.allocate(t, f.userA, []Allocation{{f.userB, 4}, {f.userC, 26}, {f.userD, 35}, {f.userE, 35}})
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrAllocationOutOfBounds) {
		t.Fatalf("expected ErrAllocationOutOfBounds, got %v", err)
	}
}

func TestCommitChecksRecipientThreshold(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.epochs.epoch = 2

	// D and E sit below the reward threshold. B and C are unregistered and
	// come first in the list; the threshold check still takes precedence.
	f.allocate(t, f.userA, []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 4}})
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrRecipientBelowThreshold) {
		t.Fatalf("expected ErrRecipientBelowThreshold, got %v", err)
	}
}

func TestCommitChecksRecipientRegistration(t *testing.T) {
	f := newFixture(t)
	f.register(t, f.userA)
	f.endorsements.set(f.userD, 400000)
	f.endorsements.set(f.userE, 400000)
	f.epochs.epoch = 2

	f.allocate(t, f.userA, []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 4}})
	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrRecipientNotRegistered) {
		t.Fatalf("expected ErrRecipientNotRegistered, got %v", err)
	}
}

func TestCommitDistributesProRata(t *testing.T) {
	f := newFixture(t)
	f.endorsements.set(f.userD, 400000)
	f.endorsements.set(f.userE, 400000)
	f.register(t, f.userA, f.userB, f.userC, f.userD, f.userE)
	f.epochs.epoch = 2

	f.allocate(t, f.userA, []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 4}})
	if err := f.module.CommitAllocation(f.userA); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// 500000 split 1:2:3:4.
	want := map[types.Address]int64{f.userB: 50000, f.userC: 100000, f.userD: 150000, f.userE: 200000}
	for to, amount := range want {
		if got := f.module.MintableRewards(2, to); got.Cmp(big.NewInt(amount)) != 0 {
			t.Fatalf("mintable for %s = %s, want %d", to.Hex(), got, amount)
		}
	}
	given := f.sink.ofType(EventAllocationGiven)
	if len(given) != 4 {
		t.Fatalf("expected 4 AllocationGiven events, got %d", len(given))
	}
	if given[0].Attributes["points"] != "1" || given[3].Attributes["points"] != "4" {
		t.Fatalf("unexpected AllocationGiven points: %+v", given)
	}

	if err := f.module.CommitAllocation(f.userA); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func TestClaimRewardsExcludesCurrentEpoch(t *testing.T) {
	f := newFixture(t)
	f.endorsements.set(f.userD, 400000)
	f.endorsements.set(f.userE, 400000)
	f.register(t, f.userA, f.userB, f.userC, f.userD, f.userE)
	f.epochs.epoch = 2
	f.allocate(t, f.userA, []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 4}})
	if err := f.module.CommitAllocation(f.userA); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Rewards allocated in the running epoch are not claimable yet.
	if _, err := f.module.ClaimRewards(f.userB); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}

	f.epochs.epoch = 3
	claimed, err := f.module.ClaimRewards(f.userB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Cmp(big.NewInt(50000)) != 0 {
		t.Fatalf("unexpected claim: %s", claimed)
	}
	if got := f.ledger.BalanceOf(f.userB); got.Cmp(big.NewInt(50000)) != 0 {
		t.Fatalf("unexpected balance: %s", got)
	}
	if got := f.module.LastEpochClaimed(f.userB); got != 2 {
		t.Fatalf("lastClaimed = %d, want 2", got)
	}
	claims := f.sink.ofType(EventRewardsClaimed)
	if len(claims) != 1 || claims[0].Attributes["account"] != f.userB.Hex() || claims[0].Attributes["amount"] != "50000" {
		t.Fatalf("unexpected RewardsClaimed events: %+v", claims)
	}
	if _, err := f.module.ClaimRewards(f.userB); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim on repeat, got %v", err)
	}
}

func TestClaimRewardsSpansEpochs(t *testing.T) {
	f := newFixture(t)
	f.endorsements.set(f.userD, 400000)
	f.endorsements.set(f.userE, 400000)
	allocs := []Allocation{{f.userB, 1}, {f.userC, 2}, {f.userD, 3}, {f.userE, 4}}

	// Three consecutive cycles of register, advance, commit.
	for cycle := 0; cycle < 3; cycle++ {
		f.register(t, f.userA, f.userB, f.userC, f.userD, f.userE)
		f.epochs.epoch++
		f.allocate(t, f.userA, allocs)
		if err := f.module.CommitAllocation(f.userA); err != nil {
			t.Fatalf("commit cycle %d: %v", cycle, err)
		}
	}
	f.epochs.epoch += 2

	for e := uint64(2); e <= 4; e++ {
		if got := f.module.MintableRewards(e, f.userB); got.Cmp(big.NewInt(50000)) != 0 {
			t.Fatalf("mintable epoch %d = %s", e, got)
		}
	}
	claimed, err := f.module.ClaimRewards(f.userB)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Cmp(big.NewInt(150000)) != 0 {
		t.Fatalf("unexpected claim: %s", claimed)
	}
	if got := f.module.LastEpochClaimed(f.userB); got != f.epochs.epoch-1 {
		t.Fatalf("lastClaimed = %d, want %d", got, f.epochs.epoch-1)
	}
	if _, err := f.module.ClaimRewards(f.userB); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}
