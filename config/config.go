package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the operating parameters for a kernel instance.
type Config struct {
	DAOName        string `toml:"DAOName"`
	Environment    string `toml:"Environment"`
	DataDir        string `toml:"DataDir"`
	MetricsAddress string `toml:"MetricsAddress"`

	Epoch       EpochConfig       `toml:"Epoch"`
	Treasury    TreasuryConfig    `toml:"Treasury"`
	Mining      MiningConfig      `toml:"Mining"`
	PeerRewards PeerRewardsConfig `toml:"PeerRewards"`
}

// TreasuryConfig controls the default vault parameters.
type TreasuryConfig struct {
	VaultFee uint64 `toml:"VaultFee"`
}

// EpochConfig controls the epoch clock.
type EpochConfig struct {
	PeriodSeconds uint64 `toml:"PeriodSeconds"`
	TokenBonus    uint64 `toml:"TokenBonus"`
}

// MiningConfig controls the balance-sheet mining accumulator.
type MiningConfig struct {
	EpochReward uint64 `toml:"EpochReward"`
	TokenBonus  uint64 `toml:"TokenBonus"`
}

// PeerRewardsConfig controls per-epoch registration and allocation bounds.
type PeerRewardsConfig struct {
	RewardsPerEpoch uint64 `toml:"RewardsPerEpoch"`
	RewardThreshold uint64 `toml:"RewardThreshold"`
	GiveThreshold   uint64 `toml:"GiveThreshold"`
	MinAllocPct     uint64 `toml:"MinAllocPct"`
	MaxAllocPct     uint64 `toml:"MaxAllocPct"`
	MaxStreak       uint64 `toml:"MaxStreak"`
}

// Default returns the configuration observed in production deployments.
func Default() *Config {
	return &Config{
		DAOName:        "default",
		Environment:    "local",
		DataDir:        "./data",
		MetricsAddress: ":9464",
		Epoch: EpochConfig{
			PeriodSeconds: 7 * 24 * 60 * 60,
			TokenBonus:    5000,
		},
		Treasury: TreasuryConfig{
			VaultFee: 10,
		},
		Mining: MiningConfig{
			EpochReward: 500000,
			TokenBonus:  5000,
		},
		PeerRewards: PeerRewardsConfig{
			RewardsPerEpoch: 500000,
			RewardThreshold: 400000,
			GiveThreshold:   900000,
			MinAllocPct:     10,
			MaxAllocPct:     40,
			MaxStreak:       10,
		},
	}
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the parameters fall within acceptable bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DAOName) == "" {
		return fmt.Errorf("config: DAOName must be set")
	}
	if c.Epoch.PeriodSeconds == 0 {
		return fmt.Errorf("config: epoch period must be positive")
	}
	if c.Treasury.VaultFee > 100 {
		return fmt.Errorf("config: vault fee must be <= 100")
	}
	pr := c.PeerRewards
	if pr.MinAllocPct > pr.MaxAllocPct {
		return fmt.Errorf("config: min allocation pct %d exceeds max %d", pr.MinAllocPct, pr.MaxAllocPct)
	}
	if pr.MaxAllocPct > 100 {
		return fmt.Errorf("config: max allocation pct must be <= 100")
	}
	if pr.MaxStreak == 0 {
		return fmt.Errorf("config: max streak must be positive")
	}
	if pr.GiveThreshold < pr.RewardThreshold {
		return fmt.Errorf("config: give threshold below reward threshold")
	}
	return nil
}
