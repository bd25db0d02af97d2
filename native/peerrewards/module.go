package peerrewards

import (
	"errors"
	"math/big"
	"strconv"
	"sync"

	"daokernel/config"
	"daokernel/core/epoch"
	"daokernel/core/types"
	"daokernel/native/gate"
	"daokernel/native/token"
	"daokernel/observability/metrics"
)

// ModuleKey is the registry key the peer rewards module installs under.
const ModuleKey = "PAY"

// Event names consumed by external observers.
const (
	EventMemberRegistered = "MemberRegistered"
	EventAllocationGiven  = "AllocationGiven"
	EventRewardsClaimed   = "RewardsClaimed"
)

var (
	// ErrBelowRewardThreshold indicates the member lacks the endorsements
	// required to participate at all.
	ErrBelowRewardThreshold = errors.New("peerrewards: not enough endorsements to participate")
	// ErrAlreadyRegistered indicates a repeat registration for the same
	// epoch.
	ErrAlreadyRegistered = errors.New("peerrewards: already registered for the upcoming epoch")
	// ErrSelfAllocation indicates an allocation pointed at its own giver.
	ErrSelfAllocation = errors.New("peerrewards: cannot allocate to self")
	// ErrNotRegistered indicates the giver did not register during the
	// previous epoch.
	ErrNotRegistered = errors.New("peerrewards: member did not register for peer rewards this epoch")
	// ErrAlreadyCommitted indicates a second commit in the same epoch.
	ErrAlreadyCommitted = errors.New("peerrewards: cannot commit more than once per epoch")
	// ErrInsufficientEndorsements indicates the giver no longer holds
	// enough endorsements to give allocations.
	ErrInsufficientEndorsements = errors.New("peerrewards: not enough endorsements received to give allocations")
	// ErrEmptyAllocationList indicates a commit without any allocations
	// configured.
	ErrEmptyAllocationList = errors.New("peerrewards: allocation list is empty")
	// ErrAllocationOutOfBounds indicates an allocation outside the min/max
	// percentage bounds.
	ErrAllocationOutOfBounds = errors.New("peerrewards: allocations do not comply with threshold boundaries")
	// ErrRecipientBelowThreshold indicates a recipient without enough
	// endorsements to receive an allocation.
	ErrRecipientBelowThreshold = errors.New("peerrewards: recipient does not have enough endorsements to receive allocation")
	// ErrRecipientNotRegistered indicates a recipient who did not register
	// for rewards this epoch.
	ErrRecipientNotRegistered = errors.New("peerrewards: recipient did not register for rewards this epoch")
	// ErrNothingToClaim indicates no unclaimed rewards in past epochs.
	ErrNothingToClaim = errors.New("peerrewards: nothing available to claim")
)

// EndorsementSource exposes the endorsement weight backing participation
// thresholds, usually the members module.
type EndorsementSource interface {
	TotalEndorsementsReceived(member types.Address) *big.Int
}

// EventSink receives the module's events.
type EventSink interface {
	AppendEvent(evt *types.Event)
}

// Module runs the per-epoch peer reward cycle. Members register one epoch
// ahead, commit a bounded allocation list during the epoch, and claim the
// rewards allocated to them in epochs that have fully closed.
type Module struct {
	mu           sync.Mutex
	self         types.Address
	gate         *gate.Gate
	token        *token.Ledger
	epochs       epoch.Source
	endorsements EndorsementSource
	events       EventSink

	rewardsPerEpoch *big.Int
	rewardThreshold *big.Int
	giveThreshold   *big.Int
	minAllocPct     uint64
	maxAllocPct     uint64
	maxStreak       uint64

	registered     map[uint64]map[types.Address]bool
	points         map[uint64]map[types.Address]*big.Int
	totalPoints    map[uint64]*big.Int
	streak         map[types.Address]uint64
	lastRegistered map[types.Address]uint64
	committed      map[uint64]map[types.Address]bool
	allocations    map[types.Address]*AllocationList
	mintable       map[uint64]map[types.Address]*big.Int
	lastClaimed    map[types.Address]uint64
	telemetry      *metrics.KernelMetrics
}

// NewModule constructs the peer rewards engine minting claims on the kernel
// token ledger.
func NewModule(g *gate.Gate, ledger *token.Ledger, epochs epoch.Source, endorsements EndorsementSource, events EventSink, cfg config.PeerRewardsConfig) *Module {
	return &Module{
		self:            types.ModuleAddress("peerrewards"),
		gate:            g,
		token:           ledger,
		epochs:          epochs,
		endorsements:    endorsements,
		events:          events,
		rewardsPerEpoch: new(big.Int).SetUint64(cfg.RewardsPerEpoch),
		rewardThreshold: new(big.Int).SetUint64(cfg.RewardThreshold),
		giveThreshold:   new(big.Int).SetUint64(cfg.GiveThreshold),
		minAllocPct:     cfg.MinAllocPct,
		maxAllocPct:     cfg.MaxAllocPct,
		maxStreak:       cfg.MaxStreak,
		registered:      make(map[uint64]map[types.Address]bool),
		points:          make(map[uint64]map[types.Address]*big.Int),
		totalPoints:     make(map[uint64]*big.Int),
		streak:          make(map[types.Address]uint64),
		lastRegistered:  make(map[types.Address]uint64),
		committed:       make(map[uint64]map[types.Address]bool),
		allocations:     make(map[types.Address]*AllocationList),
		mintable:        make(map[uint64]map[types.Address]*big.Int),
		lastClaimed:     make(map[types.Address]uint64),
		telemetry:       metrics.Kernel(),
	}
}

// ModuleKey satisfies the registry module interface.
func (m *Module) ModuleKey() string { return ModuleKey }

// ModuleAddress returns the address that must be approved on the kernel gate
// for reward minting.
func (m *Module) ModuleAddress() types.Address { return m.self }

// Register enrolls the caller for the upcoming epoch. Members above the give
// threshold also register allocation points, scaled by their consecutive
// participation streak.
func (m *Module) Register(caller types.Address) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	received := m.endorsements.TotalEndorsementsReceived(caller)
	if received.Cmp(m.rewardThreshold) < 0 {
		return ErrBelowRewardThreshold
	}
	current := m.epochs.Current()
	target := current + 1

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered[target][caller] {
		return ErrAlreadyRegistered
	}
	if m.lastRegistered[caller] == current && m.streak[caller] > 0 {
		m.streak[caller]++
	} else {
		m.streak[caller] = 1
	}
	m.lastRegistered[caller] = target

	pts := big.NewInt(0)
	if received.Cmp(m.giveThreshold) >= 0 {
		weight := m.streak[caller]
		if weight > m.maxStreak {
			weight = m.maxStreak
		}
		pts.Mul(received, new(big.Int).SetUint64(weight))
		pts.Div(pts, new(big.Int).SetUint64(m.maxStreak))
	}
	if m.registered[target] == nil {
		m.registered[target] = make(map[types.Address]bool)
		m.points[target] = make(map[types.Address]*big.Int)
	}
	m.registered[target][caller] = true
	m.points[target][caller] = pts
	total, ok := m.totalPoints[target]
	if !ok {
		total = big.NewInt(0)
		m.totalPoints[target] = total
	}
	total.Add(total, pts)

	m.emit(EventMemberRegistered, map[string]string{
		"member": caller.Hex(),
		"epoch":  strconv.FormatUint(target, 10),
		"points": pts.String(),
	})
	m.telemetry.ObserveRegistration(target)
	return nil
}

// ConfigureAllocation sets the caller's allocation to a recipient. Zero points
// removes the entry. The list carries over between epochs until changed.
func (m *Module) ConfigureAllocation(caller, to types.Address, pts uint64) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	if to == caller {
		return ErrSelfAllocation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.allocations[caller]
	if !ok {
		list = NewAllocationList()
		m.allocations[caller] = list
	}
	list.Set(to, pts)
	return nil
}

// CommitAllocation locks in the caller's allocation list for the current
// epoch, crediting each recipient's mintable rewards pro rata by points. The
// commit is all or nothing.
func (m *Module) CommitAllocation(caller types.Address) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered[current][caller] {
		return ErrNotRegistered
	}
	if m.committed[current][caller] {
		return ErrAlreadyCommitted
	}
	if m.endorsements.TotalEndorsementsReceived(caller).Cmp(m.giveThreshold) < 0 {
		return ErrInsufficientEndorsements
	}
	list, ok := m.allocations[caller]
	if !ok || list.NumAllocs() == 0 {
		return ErrEmptyAllocationList
	}
	if list.LowestPts()*100 < list.TotalPts()*m.minAllocPct ||
		list.HighestPts()*100 > list.TotalPts()*m.maxAllocPct {
		return ErrAllocationOutOfBounds
	}
	// Thresholds are validated across the whole list before any
	// registration check, regardless of list order.
	var checkErr error
	list.walk(func(to types.Address, _ uint64) {
		if checkErr == nil && m.endorsements.TotalEndorsementsReceived(to).Cmp(m.rewardThreshold) < 0 {
			checkErr = ErrRecipientBelowThreshold
		}
	})
	if checkErr != nil {
		return checkErr
	}
	list.walk(func(to types.Address, _ uint64) {
		if checkErr == nil && !m.registered[current][to] {
			checkErr = ErrRecipientNotRegistered
		}
	})
	if checkErr != nil {
		return checkErr
	}

	totalPts := new(big.Int).SetUint64(list.TotalPts())
	epochLabel := strconv.FormatUint(current, 10)
	list.walk(func(to types.Address, pts uint64) {
		amount := new(big.Int).SetUint64(pts)
		amount.Mul(amount, m.rewardsPerEpoch)
		amount.Div(amount, totalPts)
		m.creditLocked(current, to, amount)
		m.emit(EventAllocationGiven, map[string]string{
			"from":   caller.Hex(),
			"to":     to.Hex(),
			"points": strconv.FormatUint(pts, 10),
			"epoch":  epochLabel,
		})
	})
	if m.committed[current] == nil {
		m.committed[current] = make(map[types.Address]bool)
	}
	m.committed[current][caller] = true
	m.telemetry.ObserveAllocationCommitted()
	return nil
}

// ClaimRewards mints every reward allocated to the caller in closed epochs,
// that is epochs strictly before the current one and after the last claim.
func (m *Module) ClaimRewards(caller types.Address) (*big.Int, error) {
	if err := m.gate.RequireApproved(caller); err != nil {
		return nil, err
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	total := big.NewInt(0)
	for e := m.lastClaimed[caller] + 1; e < current; e++ {
		if amount, ok := m.mintable[e][caller]; ok {
			total.Add(total, amount)
		}
	}
	if total.Sign() == 0 {
		return nil, ErrNothingToClaim
	}
	if err := m.token.Mint(m.self, caller, total); err != nil {
		return nil, err
	}
	m.lastClaimed[caller] = current - 1
	m.emit(EventRewardsClaimed, map[string]string{
		"account": caller.Hex(),
		"amount":  total.String(),
		"epoch":   strconv.FormatUint(current, 10),
	})
	m.telemetry.ObserveRewardsClaimed(ModuleKey)
	return total, nil
}

// EligibleForRewards reports whether the member registered for the epoch.
func (m *Module) EligibleForRewards(epochNum uint64, member types.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered[epochNum][member]
}

// PointsRegisteredFor returns the allocation points a member registered for an
// epoch.
func (m *Module) PointsRegisteredFor(epochNum uint64, member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pts, ok := m.points[epochNum][member]; ok {
		return new(big.Int).Set(pts)
	}
	return big.NewInt(0)
}

// TotalPointsRegisteredFor returns the aggregate points registered for an
// epoch.
func (m *Module) TotalPointsRegisteredFor(epochNum uint64) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total, ok := m.totalPoints[epochNum]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// MintableRewards returns the rewards allocated to a member in an epoch.
func (m *Module) MintableRewards(epochNum uint64, member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount, ok := m.mintable[epochNum][member]; ok {
		return new(big.Int).Set(amount)
	}
	return big.NewInt(0)
}

// LastEpochClaimed returns the most recent epoch the member has claimed
// through, zero for never.
func (m *Module) LastEpochClaimed(member types.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastClaimed[member]
}

// AllocationsFor snapshots a member's configured allocation list.
func (m *Module) AllocationsFor(member types.Address) AllocationView {
	m.mu.Lock()
	defer m.mu.Unlock()
	if list, ok := m.allocations[member]; ok {
		return list.View()
	}
	return AllocationView{}
}

func (m *Module) creditLocked(epochNum uint64, to types.Address, amount *big.Int) {
	bucket, ok := m.mintable[epochNum]
	if !ok {
		bucket = make(map[types.Address]*big.Int)
		m.mintable[epochNum] = bucket
	}
	if existing, ok := bucket[to]; ok {
		existing.Add(existing, amount)
		return
	}
	bucket[to] = amount
}

func (m *Module) emit(eventType string, attrs map[string]string) {
	if m.events == nil {
		return
	}
	m.events.AppendEvent(&types.Event{Type: eventType, Attributes: attrs})
}
