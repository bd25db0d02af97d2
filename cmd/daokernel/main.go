package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daokernel/config"
	"daokernel/core/epoch"
	"daokernel/core/registry"
	"daokernel/core/types"
	"daokernel/native/members"
	"daokernel/native/mining"
	"daokernel/native/peerrewards"
	"daokernel/native/token"
	"daokernel/native/treasury"
	"daokernel/observability/logging"
	"daokernel/storage"
)

const ownerEnv = "DAOKERNEL_OWNER"

// tokenSymbol is the kernel token's ticker. Vault shares derive theirs from
// it.
const tokenSymbol = "DEF"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	ownerFlag := flag.String("owner", "", "0x-prefixed owner address (overrides DAOKERNEL_OWNER)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("DAOKERNEL_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("daokernel", env)

	owner, err := resolveOwner(*ownerFlag, os.Getenv(ownerEnv))
	if err != nil {
		logger.Error("Failed to resolve owner address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	kernel := registry.NewKernel(cfg.DAOName, owner)
	g := kernel.Gate()

	ledger := token.NewLedger(cfg.DAOName+" Token", tokenSymbol, 18, g)
	clock := epoch.NewClock(g, ledger, kernel, time.Now(),
		time.Duration(cfg.Epoch.PeriodSeconds)*time.Second,
		new(big.Int).SetUint64(cfg.Epoch.TokenBonus))
	membership := members.NewModule(g, ledger, clock, kernel)
	vaults := treasury.NewModule(g, kernel.Address())
	miner := mining.NewModule(g, ledger, clock, kernel,
		new(big.Int).SetUint64(cfg.Mining.EpochReward),
		new(big.Int).SetUint64(cfg.Mining.TokenBonus))
	rewards := peerrewards.NewModule(g, ledger, clock, membership, kernel, cfg.PeerRewards)

	if err := wire(kernel, owner, clock, ledger, membership, vaults, miner, rewards, cfg); err != nil {
		logger.Error("Failed to wire kernel modules", slog.Any("error", err))
		os.Exit(1)
	}

	// The token ledger and the member ledger restore together so stake
	// lists never sit over a missing custody balance.
	if err := ledger.Load(db); err != nil {
		logger.Error("Failed to restore token ledger", slog.Any("error", err))
		os.Exit(1)
	}
	if err := membership.Load(db); err != nil {
		logger.Error("Failed to restore member ledger", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.MetricsAddress != "" {
		go serveMetrics(logger, cfg.MetricsAddress)
	}

	logger.Info("kernel started",
		slog.String("dao", cfg.DAOName),
		slog.String("owner", owner.Hex()),
		slog.Uint64("epoch", clock.Current()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	run(ctx, logger, clock, miner, owner)

	if err := membership.Save(db); err != nil {
		logger.Error("Failed to persist member ledger", slog.Any("error", err))
		os.Exit(1)
	}
	if err := ledger.Save(db); err != nil {
		logger.Error("Failed to persist token ledger", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("kernel stopped", slog.Uint64("epoch", clock.Current()))
}

// wire installs every module, approves their custody addresses on the gate,
// and opens the kernel token vault backing the mining program.
func wire(kernel *registry.Kernel, owner types.Address, clock *epoch.Clock, ledger *token.Ledger, membership *members.Module, vaults *treasury.Module, miner *mining.Module, rewards *peerrewards.Module, cfg *config.Config) error {
	for _, module := range []registry.Module{ledger, clock, membership, vaults, miner, rewards} {
		if err := kernel.Install(owner, module); err != nil {
			return err
		}
	}
	approved := []types.Address{
		owner,
		clock.ModuleAddress(),
		membership.ModuleAddress(),
		vaults.ModuleAddress(),
		miner.ModuleAddress(),
		rewards.ModuleAddress(),
	}
	for _, addr := range approved {
		if err := kernel.Gate().Approve(owner, addr); err != nil {
			return err
		}
	}
	vault, err := vaults.OpenVault(owner, ledger, cfg.Treasury.VaultFee)
	if err != nil {
		return err
	}
	return miner.AssignVault(owner, vault.Shares())
}

// run drives the epoch clock, advancing whenever the period elapses and
// issuing the mining distribution for the new epoch.
func run(ctx context.Context, logger *slog.Logger, clock *epoch.Clock, miner *mining.Module, owner types.Address) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			next, err := clock.Advance(owner, now)
			if errors.Is(err, epoch.ErrTooEarly) {
				continue
			}
			if err != nil {
				logger.Error("Failed to advance epoch", slog.Any("error", err))
				continue
			}
			logger.Info("epoch advanced", slog.Uint64("epoch", next))
			switch err := miner.IssueRewards(owner); {
			case errors.Is(err, mining.ErrEmptyPool):
				logger.Info("mining distribution skipped, vault is empty", slog.Uint64("epoch", next))
			case err != nil:
				logger.Error("Failed to issue mining rewards", slog.Any("error", err))
			default:
				logger.Info("mining rewards issued", slog.Uint64("epoch", next))
			}
		}
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", slog.Any("error", err))
	}
}

// resolveOwner prefers the CLI flag, then the environment, then a
// deterministic operator address for local runs.
func resolveOwner(flagValue, envValue string) (types.Address, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return types.ParseAddress(v)
	}
	if v := strings.TrimSpace(envValue); v != "" {
		return types.ParseAddress(v)
	}
	return types.ModuleAddress("operator"), nil
}
