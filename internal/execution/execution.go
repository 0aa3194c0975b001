// Package execution implements ExecutionManager: the size- and
// interval-driven triggers for bundling, and the admission path
// (sendUserOperation) that feeds the mempool.
//
// Grounded on the teacher's graceful-shutdown goroutine/ticker pattern in
// internal/server/server.go's waitForShutdown, generalized from a one-shot
// signal wait to a recurring bundling ticker.
package execution

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vechain/4337-bundler/internal/bundle"
	"github.com/vechain/4337-bundler/internal/events"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/metrics"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/useop"
	"github.com/vechain/4337-bundler/internal/validation"
)

// Config parameterizes the bundling triggers and admission quotas.
type Config struct {
	EntryPoint                  common.Address
	AutoBundleMempoolSize       int // 0 = bundle every op immediately
	AutoBundleInterval          time.Duration // 0 disables
	SameUnstakedEntityMempoolCount int
}

// Manager is the ExecutionManager.
type Manager struct {
	cfg        Config
	bundle     *bundle.Manager
	mempool    *mempool.Manager
	reputation *reputation.Manager
	validator  *validation.Manager
	events     *events.Manager
	metrics    *metrics.Metrics

	unstakedCount map[common.Address]int
	// unstakedByHash remembers which unstaked entities were charged against
	// the quota for a given userOpHash, so releaseUnstakedQuota can credit
	// them back when the op leaves the mempool.
	unstakedByHash map[common.Hash][]common.Address
	mu             sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an ExecutionManager. mtr may be nil, in which case banned
// admissions simply aren't recorded.
func New(cfg Config, bm *bundle.Manager, mp *mempool.Manager, rep *reputation.Manager, val *validation.Manager, ev *events.Manager, mtr *metrics.Metrics) *Manager {
	m := &Manager{
		cfg:            cfg,
		bundle:         bm,
		mempool:        mp,
		reputation:     rep,
		validator:      val,
		events:         ev,
		metrics:        mtr,
		unstakedCount:  make(map[common.Address]int),
		unstakedByHash: make(map[common.Hash][]common.Address),
		stop:           make(chan struct{}),
	}
	mp.SetRemovalHook(m.releaseUnstakedQuota)
	return m
}

func (m *Manager) recordBanned(role string) {
	if m.metrics != nil {
		m.metrics.RecordBanned(role)
	}
}

// Start launches the interval-driven bundling trigger. No-op if the
// interval is zero.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.AutoBundleInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.AutoBundleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.triggerBundle(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the interval-driven trigger and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) triggerBundle(ctx context.Context) {
	result, err := m.bundle.SendNextBundle(ctx)
	if err != nil {
		log.Printf("execution: bundling cycle failed: %v", err)
		return
	}
	if !result.Empty {
		log.Printf("execution: submitted bundle tx=%s ops=%d", result.TransactionHash.Hex(), len(result.UserOpHashes))
	}
}

// AdmissionError reports why sendUserOperation rejected a submission.
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

func admissionErr(code, format string, args ...interface{}) *AdmissionError {
	return &AdmissionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SendUserOperation implements the admission path of §4.6: cheap param
// checks, validation, reputation/quota checks, mempool insertion, reputation
// bump, and the size-driven bundling trigger.
func (m *Manager) SendUserOperation(ctx context.Context, op *useop.UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if entryPoint != m.cfg.EntryPoint {
		return common.Hash{}, admissionErr("InputError", "unsupported entry point %s", entryPoint.Hex())
	}
	if err := checkRequiredFields(op); err != nil {
		return common.Hash{}, admissionErr("InputError", "%v", err)
	}

	// opsSeen is incremented even on validation rejection — a seen-but-
	// rejected op still counts against reputation (§7).
	defer func() {
		m.reputation.UpdateSeenStatus(op.Sender)
		if op.HasPaymaster() {
			m.reputation.UpdateSeenStatus(op.Paymaster())
		}
		if op.HasFactory() {
			m.reputation.UpdateSeenStatus(op.Factory())
		}
	}()

	valResult, err := m.validator.ValidateUserOp(ctx, op, nil, true)
	if err != nil {
		return common.Hash{}, admissionErr("ValidationFailure", "%v", err)
	}

	if m.reputation.GetStatus(op.Sender) == reputation.StatusBanned {
		m.recordBanned("sender")
		return common.Hash{}, admissionErr("Reputation", "sender is banned")
	}
	if op.HasPaymaster() && m.reputation.GetStatus(op.Paymaster()) == reputation.StatusBanned {
		m.recordBanned("paymaster")
		return common.Hash{}, admissionErr("Reputation", "paymaster is banned")
	}
	if op.HasFactory() && m.reputation.GetStatus(op.Factory()) == reputation.StatusBanned {
		m.recordBanned("factory")
		return common.Hash{}, admissionErr("Reputation", "factory is banned")
	}

	userOpHash, err := op.Hash(entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("compute userOpHash: %w", err)
	}

	if err := m.checkUnstakedQuota(userOpHash, op, valResult); err != nil {
		return common.Hash{}, err
	}

	entry := &mempool.Entry{
		UserOp:              op,
		UserOpHash:          userOpHash,
		Prefund:             valResult.Prefund,
		ReferencedContracts: valResult.ReferencedContracts,
	}
	if valResult.Aggregator != nil {
		entry.Aggregator = *valResult.Aggregator
	}

	switch m.mempool.AddUserOp(entry) {
	case mempool.RejectedLowerFee:
		m.releaseUnstakedQuotaForHash(userOpHash)
		return common.Hash{}, admissionErr("InputError", "replacement underpriced: needs >=110%% of incumbent tip")
	case mempool.RejectedCapacity:
		m.releaseUnstakedQuotaForHash(userOpHash)
		return common.Hash{}, admissionErr("InputError", "mempool full and tip too low to evict")
	}

	if op.HasFactory() {
		m.events.NoteFactory(op.Sender, op.Factory())
	}

	if m.cfg.AutoBundleMempoolSize == 0 || m.mempool.Count() >= m.cfg.AutoBundleMempoolSize {
		go m.triggerBundle(context.Background())
	}

	return userOpHash, nil
}

// checkUnstakedQuota enforces SAME_UNSTAKED_ENTITY_MEMPOOL_COUNT: non-staked
// entities (paymaster/factory) are limited to a fixed number of pending ops.
// Charges are recorded against userOpHash so releaseUnstakedQuota can credit
// them back once the op leaves the mempool.
func (m *Manager) checkUnstakedQuota(userOpHash common.Hash, op *useop.UserOperation, valResult *validation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var charged []common.Address
	check := func(addr common.Address, staked bool) error {
		if addr == (common.Address{}) || staked {
			return nil
		}
		if m.unstakedCount[addr] >= m.cfg.SameUnstakedEntityMempoolCount {
			return admissionErr("Reputation", "unstaked entity %s exceeds mempool quota", addr.Hex())
		}
		m.unstakedCount[addr]++
		charged = append(charged, addr)
		return nil
	}

	if valResult.Paymaster != nil {
		if err := check(valResult.Paymaster.Address, valResult.Paymaster.Staked); err != nil {
			return err
		}
	}
	if valResult.Factory != nil {
		if err := check(valResult.Factory.Address, valResult.Factory.Staked); err != nil {
			return err
		}
	}
	if len(charged) > 0 {
		m.unstakedByHash[userOpHash] = charged
	}
	return nil
}

// releaseUnstakedQuota is registered with mempool.Manager as a removal hook:
// whenever an entry leaves the mempool (inclusion, eviction, or explicit
// removal), it credits back any unstaked-entity quota charged at admission.
func (m *Manager) releaseUnstakedQuota(e *mempool.Entry) {
	m.releaseUnstakedQuotaForHash(e.UserOpHash)
}

func (m *Manager) releaseUnstakedQuotaForHash(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	charged, ok := m.unstakedByHash[hash]
	if !ok {
		return
	}
	delete(m.unstakedByHash, hash)
	for _, addr := range charged {
		if m.unstakedCount[addr] > 0 {
			m.unstakedCount[addr]--
		}
	}
}

func checkRequiredFields(op *useop.UserOperation) error {
	if op.Sender == (common.Address{}) {
		return fmt.Errorf("sender is required")
	}
	if op.Nonce == nil {
		return fmt.Errorf("nonce is required")
	}
	if op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil {
		return fmt.Errorf("gas limit fields are required")
	}
	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("fee fields are required")
	}
	if len(op.Signature) == 0 {
		return fmt.Errorf("signature is required")
	}
	return nil
}
