package main

import (
	"context"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vechain/4337-bundler/internal/bundle"
	"github.com/vechain/4337-bundler/internal/cache"
	"github.com/vechain/4337-bundler/internal/config"
	"github.com/vechain/4337-bundler/internal/entrypoint"
	"github.com/vechain/4337-bundler/internal/events"
	"github.com/vechain/4337-bundler/internal/execution"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/metrics"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/rpc"
	"github.com/vechain/4337-bundler/internal/server"
	"github.com/vechain/4337-bundler/internal/validation"
)

const (
	reputationSnapshotInterval = 5 * time.Minute
	mempoolSizeReportInterval  = 15 * time.Second
)

func main() {
	cfg := config.Load()

	log.Printf("Starting ERC-4337 Bundler Service")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Port: %d", cfg.Port)

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: Redis connection failed: %v", err)
		log.Printf("Continuing without Redis (rate limiting falls back to in-memory)")
		redisClient = nil
	} else {
		log.Printf("Redis connected: %s", cfg.RedisURL)
	}

	ctx := context.Background()

	m := metrics.New()

	entryPointAddr := common.HexToAddress(cfg.EntryPointAddr)
	ep, err := entrypoint.Dial(ctx, cfg.NodeRPC, entryPointAddr, cfg.BundlerPrivateKey, cfg.ConditionalRPC)
	if err != nil {
		log.Fatalf("Failed to connect to EntryPoint: %v", err)
	}
	log.Printf("Bundler signer address: %s", ep.SignerAddress().Hex())
	log.Printf("EntryPoint: %s (chainID=%s)", ep.Address().Hex(), ep.ChainID().String())

	repManager := reputation.New(reputation.Config{
		BanSlack:        cfg.BanSlack,
		ThrottlingSlack: cfg.ThrottlingSlack,
		HourlyDecay:     cfg.HourlyDecay,
		MinStakeValue:   cfg.MinStakeValueWei(),
		MinUnstakeDelay: cfg.MinUnstakeDelay,
	})

	if redisClient != nil {
		if err := repManager.LoadSnapshot(ctx, redisClient); err != nil {
			log.Printf("Warning: failed to load reputation snapshot: %v", err)
		}
	}

	mempoolManager := mempool.New(cfg.MempoolMaxSize)

	validationManager := validation.New(
		validation.Config{
			UnsafeMode:              cfg.UnsafeMode,
			MaxVerificationGasLimit: cfg.MaxVerificationGasLimit(),
		},
		ep,
		repManager,
		validation.NoopTracer{}, // no real opcode tracer is wired in: safe-mode trace checks see an empty trace
		mempoolManager.SenderSet,
	)

	startBlock, err := ep.BlockNumberHint(ctx)
	if err != nil {
		log.Printf("Warning: could not determine start block for event reconciliation: %v", err)
	}

	eventsManager := events.New(ep.RawClient(), entryPointAddr, ep.ABI(), mempoolManager, repManager, startBlock)

	bundleManager := bundle.New(
		bundle.Config{
			MaxBundleGas:      cfg.MaxBundleGas,
			MinSignerBalance:  cfg.MinSignerBalanceWei(),
			Beneficiary:       cfg.BeneficiaryAddress(),
			ConditionalRPC:    cfg.ConditionalRPC,
			HandleOpsGasLimit: cfg.HandleOpsGasLimit(),
		},
		ep, mempoolManager, repManager, validationManager, eventsManager, m,
	)

	executionManager := execution.New(
		execution.Config{
			EntryPoint:                     entryPointAddr,
			AutoBundleMempoolSize:          cfg.AutoBundleMempoolSize,
			AutoBundleInterval:             cfg.AutoBundleInterval,
			SameUnstakedEntityMempoolCount: cfg.SameUnstakedEntityMempoolCount,
		},
		bundleManager, mempoolManager, repManager, validationManager, eventsManager, m,
	)
	executionManager.Start(ctx)
	defer executionManager.Stop()

	if redisClient != nil {
		stopSnapshots := make(chan struct{})
		defer close(stopSnapshots)
		go snapshotReputationPeriodically(repManager, redisClient, stopSnapshots)
	}

	stopMempoolReport := make(chan struct{})
	defer close(stopMempoolReport)
	go reportMempoolSizePeriodically(mempoolManager, m, stopMempoolReport)

	rpcHandler := rpc.New(ep, executionManager, bundleManager, mempoolManager, repManager, eventsManager)

	srv := server.New(rpcHandler, redisClient, ep, cfg, m)
	srv.Start()

	if redisClient != nil {
		if err := repManager.SaveSnapshot(context.Background(), redisClient); err != nil {
			log.Printf("Warning: failed to save reputation snapshot on shutdown: %v", err)
		}
	}
}

// snapshotReputationPeriodically saves reputation.Manager state to Redis on
// a fixed interval, so an unclean exit still leaves a recent snapshot.
func snapshotReputationPeriodically(repManager *reputation.Manager, redisClient *cache.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(reputationSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := repManager.SaveSnapshot(context.Background(), redisClient); err != nil {
				log.Printf("Warning: failed to save reputation snapshot: %v", err)
			}
		case <-stop:
			return
		}
	}
}

// reportMempoolSizePeriodically samples the mempool's current size into the
// bundler_mempool_size gauge on a fixed interval.
func reportMempoolSizePeriodically(mp *mempool.Manager, m *metrics.Metrics, stop <-chan struct{}) {
	ticker := time.NewTicker(mempoolSizeReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SetMempoolSize(mp.Count())
		case <-stop:
			return
		}
	}
}
