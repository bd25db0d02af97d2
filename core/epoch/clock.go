package epoch

import (
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"daokernel/core/types"
	"daokernel/native/gate"
	"daokernel/observability/metrics"
)

// EventEpochIncremented is emitted after every successful advance.
const EventEpochIncremented = "EpochIncremented"

// ModuleKey is the registry key the epoch clock installs under.
const ModuleKey = "EPC"

// ErrTooEarly indicates the minimum real-time period since the last advance
// has not elapsed yet.
var ErrTooEarly = errors.New("epoch: cannot increment epoch before deadline")

// Source is the read-only view of the clock injected into the reward and
// staking modules, keeping them testable without real time.
type Source interface {
	Current() uint64
}

// Minter mints the advance bonus; usually the kernel token ledger.
type Minter interface {
	Mint(caller, to types.Address, amount *big.Int) error
}

// EventSink receives the clock's events.
type EventSink interface {
	AppendEvent(evt *types.Event)
}

// Clock is the monotonically increasing epoch counter. Epochs start at 1 and
// advance only after Period has elapsed since the previous advance.
type Clock struct {
	mu          sync.Mutex
	gate        *gate.Gate
	minter      Minter
	events      EventSink
	self        types.Address
	epoch       uint64
	period      time.Duration
	lastAdvance time.Time
	bonus       *big.Int
	telemetry   *metrics.KernelMetrics
}

// NewClock constructs a clock starting at epoch 1. The genesis time anchors
// the first advance deadline. A nil minter or zero bonus disables the advance
// incentive.
func NewClock(g *gate.Gate, minter Minter, events EventSink, genesis time.Time, period time.Duration, bonus *big.Int) *Clock {
	if bonus == nil {
		bonus = big.NewInt(0)
	}
	return &Clock{
		gate:        g,
		minter:      minter,
		events:      events,
		self:        types.ModuleAddress("epoch"),
		epoch:       1,
		period:      period,
		lastAdvance: genesis,
		bonus:       new(big.Int).Set(bonus),
		telemetry:   metrics.Kernel(),
	}
}

// Current returns the current epoch without side effects.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Advance increments the epoch once the period has elapsed, minting the
// configured bonus to the caller. Owner only.
func (c *Clock) Advance(caller types.Address, now time.Time) (uint64, error) {
	if err := c.gate.RequireOwner(caller); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.lastAdvance.Add(c.period)) {
		return 0, ErrTooEarly
	}
	if c.minter != nil && c.bonus.Sign() > 0 {
		if err := c.minter.Mint(c.self, caller, c.bonus); err != nil {
			return 0, err
		}
	}
	c.epoch++
	c.lastAdvance = now
	if c.events != nil {
		c.events.AppendEvent(&types.Event{
			Type: EventEpochIncremented,
			Attributes: map[string]string{
				"epoch":     strconv.FormatUint(c.epoch, 10),
				"timestamp": strconv.FormatInt(now.Unix(), 10),
			},
		})
	}
	c.telemetry.SetEpochHeight(c.epoch)
	return c.epoch, nil
}

// ModuleKey satisfies the registry module interface.
func (c *Clock) ModuleKey() string { return ModuleKey }

// ModuleAddress returns the clock's custody address, which must be approved on
// the token gate for the advance bonus to mint.
func (c *Clock) ModuleAddress() types.Address {
	return c.self
}
