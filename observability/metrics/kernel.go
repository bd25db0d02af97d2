package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// KernelMetrics tracks kernel-wide counters and gauges for the epoch clock and
// the reward ledgers.
type KernelMetrics struct {
	epochHeight     prometheus.Gauge
	epochAdvances   prometheus.Counter
	stakedTokens    prometheus.Gauge
	activeStakes    prometheus.Gauge
	rewardsIssued   *prometheus.CounterVec
	rewardsClaimed  *prometheus.CounterVec
	registrations   *prometheus.CounterVec
	allocationCount prometheus.Counter
}

var (
	kernelOnce     sync.Once
	kernelRegistry *KernelMetrics
)

// Kernel returns the process-wide kernel metrics, registering them on first
// use.
func Kernel() *KernelMetrics {
	kernelOnce.Do(func() {
		kernelRegistry = &KernelMetrics{
			epochHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "daokernel_epoch_height",
				Help: "Current epoch of the kernel clock.",
			}),
			epochAdvances: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "daokernel_epoch_advances_total",
				Help: "Count of successful epoch advances.",
			}),
			stakedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "daokernel_staked_tokens",
				Help: "Total tokens currently locked across all stake lists.",
			}),
			activeStakes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "daokernel_active_stakes",
				Help: "Number of live stake batches across all members.",
			}),
			rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "daokernel_rewards_issued_total",
				Help: "Reward distributions performed per module.",
			}, []string{"module"}),
			rewardsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "daokernel_rewards_claimed_total",
				Help: "Reward claims settled per module.",
			}, []string{"module"}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "daokernel_registrations_total",
				Help: "Per-epoch reward registrations by epoch.",
			}, []string{"epoch"}),
			allocationCount: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "daokernel_allocations_committed_total",
				Help: "Count of committed peer reward allocations.",
			}),
		}
		prometheus.MustRegister(
			kernelRegistry.epochHeight,
			kernelRegistry.epochAdvances,
			kernelRegistry.stakedTokens,
			kernelRegistry.activeStakes,
			kernelRegistry.rewardsIssued,
			kernelRegistry.rewardsClaimed,
			kernelRegistry.registrations,
			kernelRegistry.allocationCount,
		)
	})
	return kernelRegistry
}

// SetEpochHeight records the current epoch after a successful advance.
func (m *KernelMetrics) SetEpochHeight(epoch uint64) {
	if m == nil {
		return
	}
	m.epochHeight.Set(float64(epoch))
	m.epochAdvances.Inc()
}

// SetStakeTotals records the aggregate staking position.
func (m *KernelMetrics) SetStakeTotals(tokens float64, batches int) {
	if m == nil {
		return
	}
	m.stakedTokens.Set(tokens)
	m.activeStakes.Set(float64(batches))
}

// ObserveRewardsIssued counts a distribution performed by the named module.
func (m *KernelMetrics) ObserveRewardsIssued(module string) {
	if m == nil {
		return
	}
	m.rewardsIssued.WithLabelValues(module).Inc()
}

// ObserveRewardsClaimed counts a claim settled by the named module.
func (m *KernelMetrics) ObserveRewardsClaimed(module string) {
	if m == nil {
		return
	}
	m.rewardsClaimed.WithLabelValues(module).Inc()
}

// ObserveRegistration counts a peer-rewards registration for an epoch.
func (m *KernelMetrics) ObserveRegistration(epoch uint64) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(strconv.FormatUint(epoch, 10)).Inc()
}

// ObserveAllocationCommitted counts a committed allocation fan-out.
func (m *KernelMetrics) ObserveAllocationCommitted() {
	if m == nil {
		return
	}
	m.allocationCount.Inc()
}
