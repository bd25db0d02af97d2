package members

import (
	"errors"
	"math/big"
	"strconv"
	"sync"

	"daokernel/core/epoch"
	"daokernel/core/types"
	"daokernel/native/gate"
	"daokernel/native/token"
	"daokernel/observability/metrics"
)

// ModuleKey is the registry key the members module installs under.
const ModuleKey = "MBR"

// Event names consumed by external observers. Attribute keys follow the
// documented field order of each event.
const (
	EventTokensStaked         = "TokensStaked"
	EventTokensUnstaked       = "TokensUnstaked"
	EventEndorsementGiven     = "EndorsementGiven"
	EventEndorsementWithdrawn = "EndorsementWithdrawn"
)

var (
	// ErrInvalidDuration indicates a lock duration outside the tier set.
	ErrInvalidDuration = errors.New("members: lock duration is not an allowed tier")
	// ErrZeroAmount indicates a zero or missing stake amount.
	ErrZeroAmount = errors.New("members: staked amount must be positive")
	// ErrNothingToReclaim indicates no stake has vested yet.
	ErrNothingToReclaim = errors.New("members: no expired stakes available for withdraw")
	// ErrEndorsementsOutstanding indicates a reclaim would leave the member
	// with fewer endorsements than they have already given out.
	ErrEndorsementsOutstanding = errors.New("members: not enough endorsements remaining after unstaking")
	// ErrInsufficientEndorsements indicates the member lacks available
	// endorsements to give.
	ErrInsufficientEndorsements = errors.New("members: member does not have available endorsements to give")
	// ErrWithdrawExceedsGiven indicates a withdrawal larger than the
	// pairwise endorsement on record.
	ErrWithdrawExceedsGiven = errors.New("members: withdrawal exceeds endorsements given to member")
)

// EndorsementMultiplier maps a lock duration tier to its endorsement weight
// multiplier. Durations outside the tier set are rejected.
func EndorsementMultiplier(lockDuration uint64) (uint64, bool) {
	switch lockDuration {
	case 50:
		return 1, true
	case 100:
		return 3, true
	case 150:
		return 6, true
	case 200:
		return 10, true
	}
	return 0, false
}

// EventSink receives the module's events.
type EventSink interface {
	AppendEvent(evt *types.Event)
}

// StakesView summarises one member's stake list for queries.
type StakesView struct {
	FirstID     StakeID
	LastID      StakeID
	NumStakes   int
	TotalStaked *big.Int
}

// Module is the membership engine: the per-member epoch-ordered stake ledger
// plus the endorsement relation derived from it. Tokens staked here are held
// in the module's custody balance until reclaimed.
type Module struct {
	mu     sync.Mutex
	self   types.Address
	gate   *gate.Gate
	token  *token.Ledger
	epochs epoch.Source
	events EventSink

	stakes        map[types.Address]*StakeList
	given         map[types.Address]map[types.Address]*big.Int
	received      map[types.Address]map[types.Address]*big.Int
	totalGiven    map[types.Address]*big.Int
	totalReceived map[types.Address]*big.Int

	aggregateTokens  *big.Int
	aggregateBatches int
	telemetry        *metrics.KernelMetrics
}

// NewModule constructs the members engine against the kernel token ledger and
// epoch source.
func NewModule(g *gate.Gate, ledger *token.Ledger, epochs epoch.Source, events EventSink) *Module {
	return &Module{
		self:            types.ModuleAddress("members"),
		gate:            g,
		token:           ledger,
		epochs:          epochs,
		events:          events,
		stakes:          make(map[types.Address]*StakeList),
		given:           make(map[types.Address]map[types.Address]*big.Int),
		received:        make(map[types.Address]map[types.Address]*big.Int),
		totalGiven:      make(map[types.Address]*big.Int),
		totalReceived:   make(map[types.Address]*big.Int),
		aggregateTokens: big.NewInt(0),
		telemetry:       metrics.Kernel(),
	}
}

// ModuleKey satisfies the registry module interface.
func (m *Module) ModuleKey() string { return ModuleKey }

// ModuleAddress returns the custody address staked tokens are held under.
func (m *Module) ModuleAddress() types.Address { return m.self }

// MintEndorsements stakes the caller's tokens for lockDuration epochs,
// crediting endorsement weight per the duration multiplier. The tokens move
// into module custody via the caller's allowance.
func (m *Module) MintEndorsements(caller types.Address, lockDuration uint64, amount *big.Int) (StakeID, error) {
	if err := m.gate.RequireApproved(caller); err != nil {
		return 0, err
	}
	if _, ok := EndorsementMultiplier(lockDuration); !ok {
		return 0, ErrInvalidDuration
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrZeroAmount
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.token.TransferFrom(m.self, caller, m.self, amount); err != nil {
		return 0, err
	}
	list := m.stakeList(caller)
	before := list.NumStakes()
	id, err := list.Register(current+lockDuration, lockDuration, amount)
	if err != nil {
		// The custody transfer must not outlive a failed registration.
		return 0, errors.Join(err, m.token.Transfer(m.self, caller, amount))
	}
	m.aggregateTokens.Add(m.aggregateTokens, amount)
	m.aggregateBatches += list.NumStakes() - before
	m.publishStakeTotals()
	m.emit(EventTokensStaked, map[string]string{
		"owner":        caller.Hex(),
		"amount":       amount.String(),
		"lockDuration": strconv.FormatUint(lockDuration, 10),
		"epoch":        strconv.FormatUint(current, 10),
	})
	return id, nil
}

// ReclaimTokens dequeues every vested stake batch for the caller and returns
// the tokens. The reclaim is all-or-nothing: it fails when nothing has vested,
// and when the remaining weight would no longer cover endorsements already
// given out.
func (m *Module) ReclaimTokens(caller types.Address) (*big.Int, error) {
	if err := m.gate.RequireApproved(caller); err != nil {
		return nil, err
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.stakes[caller]
	if !ok || list.NumStakes() == 0 {
		return nil, ErrNothingToReclaim
	}

	expiredWeight := big.NewInt(0)
	reclaimed := big.NewInt(0)
	var vested []Stake
	for cursor := list.First(); cursor != 0; {
		stake, err := list.Get(cursor)
		if err != nil {
			return nil, err
		}
		if stake.ExpiryEpoch > current {
			break
		}
		multiplier, _ := EndorsementMultiplier(stake.LockDuration)
		weight := new(big.Int).Mul(stake.Amount, new(big.Int).SetUint64(multiplier))
		expiredWeight.Add(expiredWeight, weight)
		reclaimed.Add(reclaimed, stake.Amount)
		vested = append(vested, stake)
		cursor = stake.NextID
	}
	if len(vested) == 0 {
		return nil, ErrNothingToReclaim
	}

	remaining := new(big.Int).Sub(m.endorsementWeightLocked(caller), expiredWeight)
	if remaining.Cmp(m.totalGivenLocked(caller)) < 0 {
		return nil, ErrEndorsementsOutstanding
	}

	// Pay out before touching the list; a ledger failure must leave the
	// stakes intact.
	if err := m.token.Transfer(m.self, caller, reclaimed); err != nil {
		return nil, err
	}
	for _, stake := range vested {
		if _, _, err := list.dequeue(); err != nil {
			return nil, err
		}
		m.emit(EventTokensUnstaked, map[string]string{
			"owner":          caller.Hex(),
			"amount":         stake.Amount.String(),
			"lockDuration":   strconv.FormatUint(stake.LockDuration, 10),
			"epochReclaimed": strconv.FormatUint(current, 10),
		})
	}
	m.aggregateTokens.Sub(m.aggregateTokens, reclaimed)
	m.aggregateBatches -= len(vested)
	m.publishStakeTotals()
	return reclaimed, nil
}

// EndorseMember directs part of the caller's available endorsement weight at
// another member.
func (m *Module) EndorseMember(caller, to types.Address, amount *big.Int) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	available := new(big.Int).Sub(m.endorsementWeightLocked(caller), m.totalGivenLocked(caller))
	if available.Cmp(amount) < 0 {
		return ErrInsufficientEndorsements
	}
	addPair(m.given, caller, to, amount)
	addPair(m.received, to, caller, amount)
	addTotal(m.totalGiven, caller, amount)
	addTotal(m.totalReceived, to, amount)
	m.emit(EventEndorsementGiven, map[string]string{
		"from":   caller.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
		"epoch":  strconv.FormatUint(current, 10),
	})
	return nil
}

// WithdrawEndorsementFrom takes back part of an endorsement previously given.
func (m *Module) WithdrawEndorsementFrom(caller, to types.Address, amount *big.Int) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	pair := getPair(m.given, caller, to)
	if pair.Cmp(amount) < 0 {
		return ErrWithdrawExceedsGiven
	}
	subPair(m.given, caller, to, amount)
	subPair(m.received, to, caller, amount)
	subTotal(m.totalGiven, caller, amount)
	subTotal(m.totalReceived, to, amount)
	m.emit(EventEndorsementWithdrawn, map[string]string{
		"from":   caller.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
		"epoch":  strconv.FormatUint(current, 10),
	})
	return nil
}

// StakesForMember returns the head/tail/count/total view of a member's list.
func (m *Module) StakesForMember(member types.Address) StakesView {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.stakes[member]
	if !ok {
		return StakesView{TotalStaked: big.NewInt(0)}
	}
	return StakesView{
		FirstID:     list.First(),
		LastID:      list.Last(),
		NumStakes:   list.NumStakes(),
		TotalStaked: list.TotalStaked(),
	}
}

// StakeForID resolves a single batch; unknown ids fail with ErrStakeNotFound.
func (m *Module) StakeForID(member types.Address, id StakeID) (Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.stakes[member]
	if !ok {
		return Stake{}, ErrStakeNotFound
	}
	return list.Get(id)
}

// TotalEndorsementsAvailableToGive returns the member's live endorsement
// weight minus what they have already given out.
func (m *Module) TotalEndorsementsAvailableToGive(member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Sub(m.endorsementWeightLocked(member), m.totalGivenLocked(member))
}

// TotalEndorsementsGiven returns the aggregate endorsements the member has
// directed at others.
func (m *Module) TotalEndorsementsGiven(member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.totalGivenLocked(member))
}

// TotalEndorsementsReceived returns the aggregate endorsements directed at the
// member.
func (m *Module) TotalEndorsementsReceived(member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total, ok := m.totalReceived[member]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// EndorsementsGiven returns the pairwise endorsement from giver to receiver.
func (m *Module) EndorsementsGiven(giver, receiver types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getPair(m.given, giver, receiver)
}

// EndorsementsReceived returns the pairwise endorsement held by receiver from
// giver.
func (m *Module) EndorsementsReceived(receiver, giver types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getPair(m.received, receiver, giver)
}

func (m *Module) stakeList(member types.Address) *StakeList {
	list, ok := m.stakes[member]
	if !ok {
		list = NewStakeList()
		m.stakes[member] = list
	}
	return list
}

// endorsementWeightLocked sums amount x multiplier over the member's live
// batches. Callers hold m.mu.
func (m *Module) endorsementWeightLocked(member types.Address) *big.Int {
	weight := big.NewInt(0)
	list, ok := m.stakes[member]
	if !ok {
		return weight
	}
	list.walk(func(_ StakeID, stake Stake) {
		multiplier, _ := EndorsementMultiplier(stake.LockDuration)
		weight.Add(weight, new(big.Int).Mul(stake.Amount, new(big.Int).SetUint64(multiplier)))
	})
	return weight
}

func (m *Module) totalGivenLocked(member types.Address) *big.Int {
	if total, ok := m.totalGiven[member]; ok {
		return total
	}
	return big.NewInt(0)
}

func (m *Module) publishStakeTotals() {
	tokens, _ := new(big.Float).SetInt(m.aggregateTokens).Float64()
	m.telemetry.SetStakeTotals(tokens, m.aggregateBatches)
}

func (m *Module) emit(eventType string, attrs map[string]string) {
	if m.events == nil {
		return
	}
	m.events.AppendEvent(&types.Event{Type: eventType, Attributes: attrs})
}

func addPair(table map[types.Address]map[types.Address]*big.Int, a, b types.Address, amount *big.Int) {
	inner, ok := table[a]
	if !ok {
		inner = make(map[types.Address]*big.Int)
		table[a] = inner
	}
	entry, ok := inner[b]
	if !ok {
		entry = big.NewInt(0)
		inner[b] = entry
	}
	entry.Add(entry, amount)
}

func subPair(table map[types.Address]map[types.Address]*big.Int, a, b types.Address, amount *big.Int) {
	if inner, ok := table[a]; ok {
		if entry, ok := inner[b]; ok {
			entry.Sub(entry, amount)
		}
	}
}

func getPair(table map[types.Address]map[types.Address]*big.Int, a, b types.Address) *big.Int {
	if inner, ok := table[a]; ok {
		if entry, ok := inner[b]; ok {
			return new(big.Int).Set(entry)
		}
	}
	return big.NewInt(0)
}

func addTotal(table map[types.Address]*big.Int, a types.Address, amount *big.Int) {
	entry, ok := table[a]
	if !ok {
		entry = big.NewInt(0)
		table[a] = entry
	}
	entry.Add(entry, amount)
}

func subTotal(table map[types.Address]*big.Int, a types.Address, amount *big.Int) {
	if entry, ok := table[a]; ok {
		entry.Sub(entry, amount)
	}
}
