// Package bundle implements BundleManager: selection, re-validation, and
// assembly of a bundle, submission of the resulting transaction, and
// revert-driven reputation/mempool reconciliation.
//
// Grounded on SPEC_FULL.md §4.5 end to end; the single-critical-section
// discipline mirrors the RWMutex-guarded state in the teacher's
// t402Facilitator (go/facilitator.go), generalized from per-struct locking
// to one process-wide bundling mutex per SPEC_FULL.md §5.
package bundle

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/vechain/4337-bundler/internal/entrypoint"
	"github.com/vechain/4337-bundler/internal/events"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/metrics"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/useop"
	"github.com/vechain/4337-bundler/internal/validation"
)

// Config parameterizes bundle assembly and submission.
type Config struct {
	MaxBundleGas       uint64
	MinSignerBalance   *big.Int
	Beneficiary        common.Address
	MergeToAccountRoot bool
	ConditionalRPC     bool
	HandleOpsGasLimit  uint64
}

// entryPointClient is the subset of *entrypoint.Client that bundle assembly
// and submission need, narrowed to a seam so tests can substitute a fake
// instead of a live node.
type entryPointClient interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	SignerAddress() common.Address
	StorageRootHash(ctx context.Context, addr common.Address) (common.Hash, error)
	HandleOpsTx(ctx context.Context, ops []*useop.UserOperation, beneficiary common.Address, gasLimit uint64) (*types.Transaction, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction, storageMap map[common.Address]interface{}) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ReplayRevert(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) (*entrypoint.FailedOp, error)
}

// opValidator is the re-validation seam (step (e)): *validation.Manager's
// entrypoint dependency otherwise forces every createBundle test through a
// live node, same as entryPointClient above.
type opValidator interface {
	ValidateUserOp(ctx context.Context, op *useop.UserOperation, previousCodeHashes map[common.Address]common.Hash, checkStakes bool) (*validation.Result, error)
}

// Manager is the BundleManager. sendNextBundle is the only entry point and
// is itself internally serialised, so callers never need their own lock.
type Manager struct {
	cfg Config

	ep         entryPointClient
	mempool    *mempool.Manager
	reputation *reputation.Manager
	validator  opValidator
	events     *events.Manager
	metrics    *metrics.Metrics

	mu sync.Mutex // the single process-wide bundling mutex (SPEC_FULL.md §5)
}

// New creates a BundleManager. mtr may be nil, in which case bundle
// submissions simply aren't recorded.
func New(cfg Config, ep *entrypoint.Client, mp *mempool.Manager, rep *reputation.Manager, val *validation.Manager, ev *events.Manager, mtr *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, ep: ep, mempool: mp, reputation: rep, validator: val, events: ev, metrics: mtr}
}

func (m *Manager) recordBanned(role string) {
	if m.metrics != nil {
		m.metrics.RecordBanned(role)
	}
}

// storageMapAccumulator tracks the per-bundle merged storage map and
// detects cross-source conflicts (step j).
type storageMapAccumulator struct {
	perSlot map[common.Address]map[common.Hash]common.Hash
	root    map[common.Address]common.Hash
}

func newStorageMapAccumulator() *storageMapAccumulator {
	return &storageMapAccumulator{
		perSlot: make(map[common.Address]map[common.Hash]common.Hash),
		root:    make(map[common.Address]common.Hash),
	}
}

// mergeRoot records a storage-root-hash assertion for addr; returns false if
// it conflicts with one already recorded.
func (s *storageMapAccumulator) mergeRoot(addr common.Address, hash common.Hash) bool {
	if existing, ok := s.root[addr]; ok && existing != hash {
		return false
	}
	s.root[addr] = hash
	return true
}

// mergeSlots records per-slot assertions for addr; returns false if any slot
// conflicts with a previously recorded value.
func (s *storageMapAccumulator) mergeSlots(addr common.Address, slots map[common.Hash]common.Hash) bool {
	existing, ok := s.perSlot[addr]
	if !ok {
		existing = make(map[common.Hash]common.Hash)
		s.perSlot[addr] = existing
	}
	for slot, val := range slots {
		if prev, ok := existing[slot]; ok && prev != val {
			return false
		}
		existing[slot] = val
	}
	return true
}

// Result is what sendNextBundle returns.
type Result struct {
	TransactionHash common.Hash
	UserOpHashes    []common.Hash
	Empty           bool
}

// SendNextBundle runs one full bundling cycle: reconcile, assemble, submit,
// and handle the outcome. At most one call executes at a time.
func (m *Manager) SendNextBundle(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.events != nil {
		if err := m.events.HandlePastEvents(ctx); err != nil {
			log.Printf("bundle: event reconciliation failed: %v", err)
		}
	}

	bundleOps, storageMap, err := m.createBundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	if len(bundleOps) == 0 {
		return &Result{Empty: true}, nil
	}

	beneficiary, err := m.selectBeneficiary(ctx)
	if err != nil {
		return nil, fmt.Errorf("select beneficiary: %w", err)
	}

	return m.sendBundle(ctx, bundleOps, beneficiary, storageMap)
}

type bundleEntry struct {
	userOp     *useop.UserOperation
	userOpHash common.Hash
	valResult  *validation.Result
}

// createBundle implements SPEC_FULL.md §4.5 step 2, rules (a)-(k).
func (m *Manager) createBundle(ctx context.Context) ([]bundleEntry, *storageMapAccumulator, error) {
	snapshot := m.mempool.GetSortedForInclusion()

	knownSenders := make(map[common.Address]bool, len(snapshot))
	for _, e := range snapshot {
		knownSenders[e.UserOp.Sender] = true
	}

	paymasterDeposit := make(map[common.Address]*big.Int)
	stakedEntityCount := make(map[common.Address]int)
	senders := make(map[common.Address]bool)
	storageMap := newStorageMapAccumulator()
	var totalGas uint64

	var bundle []bundleEntry

entryLoop:
	for _, e := range snapshot {
		op := e.UserOp
		factory := op.Factory()
		paymaster := op.Paymaster()

		// (a) BANNED paymaster/factory -> remove
		if op.HasPaymaster() && m.reputation.GetStatus(paymaster) == reputation.StatusBanned {
			m.mempool.RemoveByHash(e.UserOpHash)
			m.recordBanned("paymaster")
			continue
		}
		if op.HasFactory() && m.reputation.GetStatus(factory) == reputation.StatusBanned {
			m.mempool.RemoveByHash(e.UserOpHash)
			m.recordBanned("factory")
			continue
		}

		// (b) THROTTLED paymaster AND already has a slot used -> skip
		if op.HasPaymaster() && m.reputation.GetStatus(paymaster) == reputation.StatusThrottled && stakedEntityCount[paymaster] >= 1 {
			continue
		}
		// (c) THROTTLED factory AND already has a slot used -> skip
		if op.HasFactory() && m.reputation.GetStatus(factory) == reputation.StatusThrottled && stakedEntityCount[factory] >= 1 {
			continue
		}

		// (d) one UserOp per sender per bundle
		if senders[op.Sender] {
			continue
		}

		// (e) re-validate, checkStakes=false
		valResult, err := m.validator.ValidateUserOp(ctx, op, e.ReferencedContracts, false)
		if err != nil {
			m.mempool.RemoveByHash(e.UserOpHash)
			continue
		}

		// (f) cross-sender storage guard
		for addr := range valResult.StorageMap {
			if addr == op.Sender {
				continue
			}
			if knownSenders[addr] {
				continue entryLoop
			}
		}

		// (g) maxBundleGas stop-assembly (not skip)
		userOpGas := new(big.Int).Add(valResult.PreOpGas, op.CallGasLimit).Uint64()
		if totalGas+userOpGas > m.cfg.MaxBundleGas {
			break
		}

		// (h) paymaster deposit accounting
		if op.HasPaymaster() {
			if _, seen := paymasterDeposit[paymaster]; !seen {
				bal, err := m.ep.BalanceOf(ctx, paymaster)
				if err != nil {
					continue
				}
				paymasterDeposit[paymaster] = bal
			}
			remaining := paymasterDeposit[paymaster]
			if remaining.Cmp(valResult.Prefund) < 0 {
				continue
			}
			paymasterDeposit[paymaster] = new(big.Int).Sub(remaining, valResult.Prefund)
			stakedEntityCount[paymaster]++
		}

		// (i) factory accounting
		if op.HasFactory() {
			stakedEntityCount[factory]++
		}

		// (j) storage map merge
		if m.cfg.MergeToAccountRoot && m.cfg.ConditionalRPC && !op.HasFactory() {
			root, err := m.ep.StorageRootHash(ctx, op.Sender)
			if err != nil || !storageMap.mergeRoot(op.Sender, root) {
				continue
			}
		} else {
			conflict := false
			for addr, slots := range valResult.StorageMap {
				if !storageMap.mergeSlots(addr, slots) {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
		}

		// (k) include
		senders[op.Sender] = true
		totalGas += userOpGas
		bundle = append(bundle, bundleEntry{userOp: op, userOpHash: e.UserOpHash, valResult: valResult})
	}

	return bundle, storageMap, nil
}

// selectBeneficiary implements step 3: self-topup if the signer's balance is
// at or below the configured minimum, or if no beneficiary is configured.
func (m *Manager) selectBeneficiary(ctx context.Context) (common.Address, error) {
	balance, err := m.ep.BalanceAt(ctx, m.ep.SignerAddress())
	if err != nil {
		return common.Address{}, err
	}
	if balance.Cmp(m.cfg.MinSignerBalance) <= 0 || m.cfg.Beneficiary == (common.Address{}) {
		return m.ep.SignerAddress(), nil
	}
	return m.cfg.Beneficiary, nil
}

// sendBundle builds, signs, and submits the handleOps transaction, then
// handles the outcome per step 5.
func (m *Manager) sendBundle(ctx context.Context, entries []bundleEntry, beneficiary common.Address, storageMap *storageMapAccumulator) (*Result, error) {
	ops := make([]*useop.UserOperation, len(entries))
	hashes := make([]common.Hash, len(entries))
	for i, e := range entries {
		ops[i] = e.userOp
		hashes[i] = e.userOpHash
	}

	gasLimit := m.cfg.HandleOpsGasLimit
	if gasLimit == 0 {
		gasLimit = 10_000_000
	}

	tx, err := m.ep.HandleOpsTx(ctx, ops, beneficiary, gasLimit)
	if err != nil {
		return nil, fmt.Errorf("build handleOps tx: %w", err)
	}

	rawStorageMap := make(map[common.Address]interface{}, len(storageMap.perSlot)+len(storageMap.root))
	for addr, slots := range storageMap.perSlot {
		rawStorageMap[addr] = slots
	}
	for addr, root := range storageMap.root {
		rawStorageMap[addr] = root
	}

	txHash, err := m.ep.SendRawTransaction(ctx, tx, rawStorageMap)
	if err != nil {
		return m.handleSubmissionError(ctx, err, entries)
	}

	receipt, err := m.ep.WaitForReceipt(ctx, txHash)
	if err != nil {
		log.Printf("bundle: submitted %s but receipt wait failed: %v", txHash.Hex(), err)
		return nil, fmt.Errorf("await handleOps receipt: %w", err)
	}
	if receipt.Status == 0 {
		return m.handleRevertedReceipt(ctx, tx, receipt, entries)
	}

	for _, e := range entries {
		m.mempool.RemoveByHash(e.userOpHash)
		m.reputation.UpdateIncludedStatus(e.userOp.Sender)
		if e.userOp.HasPaymaster() {
			m.reputation.UpdateIncludedStatus(e.userOp.Paymaster())
		}
		if e.userOp.HasFactory() {
			m.reputation.UpdateIncludedStatus(e.userOp.Factory())
		}
	}
	if m.metrics != nil {
		m.metrics.RecordBundleSent(len(entries))
	}

	return &Result{TransactionHash: txHash, UserOpHashes: hashes}, nil
}

// handleSubmissionError implements the fatal/transient branches of step 5's
// outcome handling — failures at submission time (before the transaction is
// ever mined), as opposed to an on-chain FailedOp revert.
func (m *Manager) handleSubmissionError(ctx context.Context, err error, entries []bundleEntry) (*Result, error) {
	if isMethodNotFound(err) {
		return nil, fmt.Errorf("fatal: upstream node missing required method: %w", err)
	}
	log.Printf("bundle: submission failed, no state changes: %v", err)
	return nil, fmt.Errorf("submit bundle: %w", err)
}

// handleRevertedReceipt implements the on-chain FailedOp(opIndex, reason)
// branch of step 5: the transaction was mined but reverted, so the revert
// reason is recovered by replaying the call and classified by its AA1/AA2/AA3
// prefix.
func (m *Manager) handleRevertedReceipt(ctx context.Context, tx *types.Transaction, receipt *types.Receipt, entries []bundleEntry) (*Result, error) {
	failedOp, err := m.ep.ReplayRevert(ctx, tx, receipt.BlockNumber)
	if err != nil {
		log.Printf("bundle: handleOps reverted but revert reason could not be recovered: %v", err)
		return nil, fmt.Errorf("handleOps reverted (reason unavailable): %w", err)
	}

	if failedOp.OpIndex < 0 || int(failedOp.OpIndex) >= len(entries) {
		log.Printf("bundle: FailedOp index out of range: %+v", failedOp)
		return nil, fmt.Errorf("handleOps reverted: %s", failedOp.Reason)
	}
	offender := entries[failedOp.OpIndex]

	switch failedOp.Classify() {
	case "paymaster":
		m.reputation.CrashedHandleOps(offender.userOp.Paymaster())
	case "sender":
		m.reputation.CrashedHandleOps(offender.userOp.Sender)
	case "factory":
		m.reputation.CrashedHandleOps(offender.userOp.Factory())
	default:
		m.mempool.RemoveByHash(offender.userOpHash)
	}

	return nil, fmt.Errorf("handleOps reverted: %s", failedOp.Reason)
}
