package mining

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

// ModuleKey is the registry key the mining module installs under.
const ModuleKey = "MNG"

// RewardScale is the fixed-point multiplier behind accRewardsPerShare,
// preserving precision under integer division.
const RewardScale = 1_000_000_000_000

// Event names consumed by external observers.
const (
	EventRewardsIssued  = "RewardsIssued"
	EventRewardsClaimed = "RewardsClaimed"
)

var (
	// ErrVaultAssigned indicates the share vault was already assigned.
	ErrVaultAssigned = errors.New("mining: can only assign vault once")
	// ErrVaultNotAssigned indicates no share vault is assigned yet.
	ErrVaultNotAssigned = errors.New("mining: no vault assigned")
	// ErrEmptyPool indicates a distribution against zero eligible shares.
	ErrEmptyPool = errors.New("mining: no shares in pool to distribute against")
	// ErrAlreadyIssued indicates rewards were already accumulated for the
	// current epoch.
	ErrAlreadyIssued = errors.New("mining: rewards have already been accumulated for the current epoch")
	// ErrNotRegistered indicates the member never registered for the
	// program.
	ErrNotRegistered = errors.New("mining: member is not registered for mining program")
	// ErrNothingToClaim indicates no pending rewards to settle.
	ErrNothingToClaim = errors.New("mining: nothing available to claim")
)

// SharesSource is the eligible-share balance view the accumulator distributes
// against, usually a treasury vault share ledger.
type SharesSource interface {
	BalanceOf(account types.Address) *big.Int
	TotalSupply() *big.Int
}

// EventSink receives the module's events.
type EventSink interface {
	AppendEvent(evt *types.Event)
}

// Module distributes a fixed per-epoch reward pro rata over vault shares using
// a rewards-per-share accumulator. Per-account ineligible baselines exclude
// accrual from before the account registered or changed its share balance.
type Module struct {
	mu     sync.Mutex
	self   types.Address
	gate   *gate.Gate
	token  *token.Ledger
	epochs epoch.Source
	events EventSink

	shares          SharesSource
	accPerShare     *big.Int
	epochReward     *big.Int
	tokenBonus      *big.Int
	lastIssuedEpoch uint64
	ineligible      map[types.Address]*big.Int
	registered      map[types.Address]bool
	telemetry       *metrics.KernelMetrics
}

// NewModule constructs the mining engine minting rewards on the kernel token
// ledger.
func NewModule(g *gate.Gate, ledger *token.Ledger, epochs epoch.Source, events EventSink, epochReward, tokenBonus *big.Int) *Module {
	if epochReward == nil {
		epochReward = big.NewInt(0)
	}
	if tokenBonus == nil {
		tokenBonus = big.NewInt(0)
	}
	return &Module{
		self:        types.ModuleAddress("mining"),
		gate:        g,
		token:       ledger,
		epochs:      epochs,
		events:      events,
		accPerShare: big.NewInt(0),
		epochReward: new(big.Int).Set(epochReward),
		tokenBonus:  new(big.Int).Set(tokenBonus),
		ineligible:  make(map[types.Address]*big.Int),
		registered:  make(map[types.Address]bool),
		telemetry:   metrics.Kernel(),
	}
}

// ModuleKey satisfies the registry module interface.
func (m *Module) ModuleKey() string { return ModuleKey }

// ModuleAddress returns the address that must be approved on the kernel gate
// for reward minting.
func (m *Module) ModuleAddress() types.Address { return m.self }

// AssignVault binds the share source the accumulator distributes against.
// Owner only, and only once.
func (m *Module) AssignVault(caller types.Address, shares SharesSource) error {
	if err := m.gate.RequireOwner(caller); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shares != nil {
		return ErrVaultAssigned
	}
	m.shares = shares
	return nil
}

// SetTokenBonus updates the bonus minted to whoever triggers issuance. Owner
// only.
func (m *Module) SetTokenBonus(caller types.Address, bonus *big.Int) error {
	if err := m.gate.RequireOwner(caller); err != nil {
		return err
	}
	if bonus == nil || bonus.Sign() < 0 {
		return token.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenBonus = new(big.Int).Set(bonus)
	return nil
}

// TokenBonus returns the current issuance bonus.
func (m *Module) TokenBonus() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.tokenBonus)
}

// EpochReward returns the fixed per-epoch distribution amount.
func (m *Module) EpochReward() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.epochReward)
}

// AccRewardsPerShare returns the scaled accumulator value.
func (m *Module) AccRewardsPerShare() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.accPerShare)
}

// IssueRewards accumulates the epoch reward into the per-share accumulator,
// once per epoch, and mints the token bonus to the caller.
func (m *Module) IssueRewards(caller types.Address) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shares == nil {
		return ErrVaultNotAssigned
	}
	totalShares := m.shares.TotalSupply()
	if totalShares.Sign() == 0 {
		return ErrEmptyPool
	}
	if m.lastIssuedEpoch == current {
		return ErrAlreadyIssued
	}
	delta := new(big.Int).Mul(m.epochReward, big.NewInt(RewardScale))
	delta.Div(delta, totalShares)
	m.accPerShare.Add(m.accPerShare, delta)
	m.lastIssuedEpoch = current

	if m.tokenBonus.Sign() > 0 {
		if err := m.token.Mint(m.self, caller, m.tokenBonus); err != nil {
			m.accPerShare.Sub(m.accPerShare, delta)
			m.lastIssuedEpoch = 0
			return err
		}
	}
	m.emit(EventRewardsIssued, map[string]string{
		"epoch":              strconv.FormatUint(current, 10),
		"accRewardsPerShare": m.accPerShare.String(),
	})
	m.telemetry.ObserveRewardsIssued(ModuleKey)
	return nil
}

// PendingRewards returns what the member could claim right now. Pure; never
// negative.
func (m *Module) PendingRewards(member types.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(member)
}

// Register opts the member into the program, resetting their baseline so past
// accrual is excluded.
func (m *Module) Register(caller types.Address) error {
	if err := m.gate.RequireApproved(caller); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shares == nil {
		return ErrVaultNotAssigned
	}
	m.registered[caller] = true
	m.resetBaselineLocked(caller)
	return nil
}

// ClaimRewards settles the member's pending rewards and resets their baseline,
// so a repeat claim in the same epoch fails with ErrNothingToClaim.
func (m *Module) ClaimRewards(caller types.Address) (*big.Int, error) {
	if err := m.gate.RequireApproved(caller); err != nil {
		return nil, err
	}
	current := m.epochs.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.registered[caller] {
		return nil, ErrNotRegistered
	}
	pending := m.pendingLocked(caller)
	if pending.Sign() == 0 {
		return nil, ErrNothingToClaim
	}
	if err := m.token.Mint(m.self, caller, pending); err != nil {
		return nil, err
	}
	m.resetBaselineLocked(caller)
	m.emit(EventRewardsClaimed, map[string]string{
		"account": caller.Hex(),
		"amount":  pending.String(),
		"epoch":   strconv.FormatUint(current, 10),
	})
	m.telemetry.ObserveRewardsClaimed(ModuleKey)
	return pending, nil
}

func (m *Module) pendingLocked(member types.Address) *big.Int {
	if m.shares == nil {
		return big.NewInt(0)
	}
	accrued := new(big.Int).Mul(m.shares.BalanceOf(member), m.accPerShare)
	accrued.Div(accrued, big.NewInt(RewardScale))
	if baseline, ok := m.ineligible[member]; ok {
		accrued.Sub(accrued, baseline)
	}
	if accrued.Sign() < 0 {
		return big.NewInt(0)
	}
	return accrued
}

func (m *Module) resetBaselineLocked(member types.Address) {
	baseline := new(big.Int).Mul(m.shares.BalanceOf(member), m.accPerShare)
	baseline.Div(baseline, big.NewInt(RewardScale))
	m.ineligible[member] = baseline
}

func (m *Module) emit(eventType string, attrs map[string]string) {
	if m.events == nil {
		return
	}
	m.events.AppendEvent(&types.Event{Type: eventType, Attributes: attrs})
}
