// Package validation runs simulated UserOperation validation against the
// EntryPoint and derives the referenced-storage map and entity bindings
// that the rest of the bundler depends on.
//
// Grounded on the teacher's ReadContract/eth_call pattern
// (cmd/facilitator/main.go) for the simulateValidation call itself, and on
// the revert-selector decoding technique described in SPEC_FULL.md §9 for
// ValidationResult/FailedOp.
package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vechain/4337-bundler/internal/entrypoint"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/useop"
)

// Tracer abstracts the EVM opcode/storage-access tracer consumed during
// safe-mode validation. Its implementation (an actual bytecode tracer) is
// out of scope; the bundler consumes its output abstractly.
type Tracer interface {
	// Trace runs a traced simulateValidation call and returns the set of
	// banned-opcode violations and the externally-touched storage/entities.
	Trace(ctx context.Context, op *useop.UserOperation, entryPoint common.Address) (*TraceResult, error)
}

// TraceResult is what a Tracer reports back for ERC-7562-style checks.
type TraceResult struct {
	BannedOpcodeUsed   bool
	BannedOpcodeReason string

	// AccessedSlots maps a touched address to the storage slots read or
	// written outside the sender's own account.
	AccessedSlots map[common.Address]map[common.Hash]common.Hash

	// TouchedCode maps every externally-accessed contract to its observed
	// code hash (for code-hash capture/diffing).
	TouchedCode map[common.Address]common.Hash

	// Create2Count counts CREATE2 invocations observed during the call.
	Create2Count int
}

// NoopTracer satisfies Tracer without enforcing any ERC-7562 rule: it
// reports no banned opcode, no storage access and no touched code. (In
// unsafe mode ValidateUserOp does not call the tracer at all.)
type NoopTracer struct{}

func (NoopTracer) Trace(ctx context.Context, op *useop.UserOperation, entryPoint common.Address) (*TraceResult, error) {
	return &TraceResult{
		AccessedSlots: map[common.Address]map[common.Hash]common.Hash{},
		TouchedCode:   map[common.Address]common.Hash{},
	}, nil
}

// Config parameterizes the validator.
type Config struct {
	UnsafeMode             bool
	MaxVerificationGasLimit *big.Int
}

// Manager runs validateUserOp.
type Manager struct {
	cfg        Config
	ep         *entrypoint.Client
	reputation *reputation.Manager
	tracer     Tracer
	mempoolSenders func() map[common.Address]bool
}

// New creates a validation Manager. mempoolSenders returns the current set
// of mempool sender addresses, used for the "no access to another sender's
// code" storage rule.
func New(cfg Config, ep *entrypoint.Client, rep *reputation.Manager, tracer Tracer, mempoolSenders func() map[common.Address]bool) *Manager {
	if tracer == nil {
		tracer = NoopTracer{}
	}
	return &Manager{cfg: cfg, ep: ep, reputation: rep, tracer: tracer, mempoolSenders: mempoolSenders}
}

// EntityInfo describes the staked/unstaked standing of one participant.
type EntityInfo struct {
	Address common.Address
	Staked  bool
	Stake   *big.Int
}

// Result is the full output of validateUserOp.
type Result struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64

	Sender    EntityInfo
	Factory   *EntityInfo
	Paymaster *EntityInfo
	Aggregator *common.Address

	ReferencedContracts map[common.Address]common.Hash
	StorageMap          map[common.Address]map[common.Hash]common.Hash
}

// Failure is a ValidationFailure — the caller (admission or bundling)
// decides what to do (reject vs. remove).
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

func fail(format string, args ...interface{}) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// calcPreVerificationGas approximates the calldata+overhead cost a bundler
// is owed for including this op, mirroring the EntryPoint's own formula at
// a fixed per-byte/per-op level (zero bytes cheaper than non-zero bytes).
func calcPreVerificationGas(op *useop.UserOperation) *big.Int {
	const fixed = 21000
	const perZeroByte = 4
	const perNonZeroByte = 16

	packed := packForGasCounting(op)
	var cost int64 = fixed
	for _, b := range packed {
		if b == 0 {
			cost += perZeroByte
		} else {
			cost += perNonZeroByte
		}
	}
	return big.NewInt(cost)
}

func packForGasCounting(op *useop.UserOperation) []byte {
	out := make([]byte, 0, len(op.InitCode)+len(op.CallData)+len(op.PaymasterAndData)+len(op.Signature))
	out = append(out, op.InitCode...)
	out = append(out, op.CallData...)
	out = append(out, op.PaymasterAndData...)
	out = append(out, op.Signature...)
	return out
}

// ValidateUserOp runs the full validation pipeline described in SPEC_FULL.md
// §4.3. previousCodeHashes, when non-nil, triggers the code-hash diff check
// used by BundleManager's re-validation pass; checkStakes controls whether
// entity staking is enforced (admission: true; bundle re-validation: false).
func (m *Manager) ValidateUserOp(ctx context.Context, op *useop.UserOperation, previousCodeHashes map[common.Address]common.Hash, checkStakes bool) (*Result, error) {
	if err := m.staticChecks(op); err != nil {
		return nil, err
	}

	simResult, err := m.ep.SimulateValidation(ctx, op)
	if err != nil {
		return nil, fail("simulateValidation: %v", err)
	}

	var trace *TraceResult
	if !m.cfg.UnsafeMode {
		trace, err = m.tracer.Trace(ctx, op, m.ep.Address())
		if err != nil {
			return nil, fail("trace simulateValidation: %v", err)
		}
		if trace.BannedOpcodeUsed {
			return nil, fail("banned opcode used: %s", trace.BannedOpcodeReason)
		}
		if trace.Create2Count > 1 || (trace.Create2Count == 1 && !op.HasFactory()) {
			return nil, fail("CREATE2 only allowed once, in the factory phase")
		}
		if err := m.checkStorageAccessRules(ctx, op, trace, checkStakes); err != nil {
			return nil, err
		}
		if previousCodeHashes != nil {
			for addr, hash := range trace.TouchedCode {
				if prev, ok := previousCodeHashes[addr]; ok && prev != hash {
					return nil, fail("code changed between validations for %s", addr.Hex())
				}
			}
		}
	} else {
		trace = &TraceResult{AccessedSlots: map[common.Address]map[common.Hash]common.Hash{}, TouchedCode: map[common.Address]common.Hash{}}
	}

	if simResult.SigFailed {
		deployed, _ := m.isDeployed(ctx, op.Sender)
		if deployed {
			return nil, fail("AA24 signature error")
		}
	}

	res := &Result{
		PreOpGas:            simResult.PreOpGas,
		Prefund:             simResult.Prefund,
		SigFailed:           simResult.SigFailed,
		ValidAfter:          simResult.ValidAfter,
		ValidUntil:          simResult.ValidUntil,
		Sender:              EntityInfo{Address: op.Sender},
		ReferencedContracts: trace.TouchedCode,
		StorageMap:          trace.AccessedSlots,
	}
	if simResult.Aggregator != (common.Address{}) {
		agg := simResult.Aggregator
		res.Aggregator = &agg
	}

	if checkStakes {
		if op.HasFactory() {
			info, err := m.entityInfo(ctx, op.Factory())
			if err != nil {
				return nil, fail("factory stake lookup: %v", err)
			}
			res.Factory = &info
		}
		if op.HasPaymaster() {
			info, err := m.entityInfo(ctx, op.Paymaster())
			if err != nil {
				return nil, fail("paymaster stake lookup: %v", err)
			}
			res.Paymaster = &info
		}
	} else {
		if op.HasFactory() {
			addr := op.Factory()
			res.Factory = &EntityInfo{Address: addr}
		}
		if op.HasPaymaster() {
			addr := op.Paymaster()
			res.Paymaster = &EntityInfo{Address: addr}
		}
	}

	return res, nil
}

func (m *Manager) entityInfo(ctx context.Context, addr common.Address) (EntityInfo, error) {
	dep, err := m.ep.DepositInfo(ctx, addr)
	if err != nil {
		return EntityInfo{}, err
	}
	return EntityInfo{Address: addr, Staked: dep.Staked, Stake: dep.Stake}, nil
}

func (m *Manager) isDeployed(ctx context.Context, addr common.Address) (bool, error) {
	code, err := m.ep.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

func (m *Manager) staticChecks(op *useop.UserOperation) error {
	if op.Sender == (common.Address{}) {
		return fail("sender must not be zero address")
	}
	if op.CallGasLimit == nil || op.VerificationGasLimit == nil || op.PreVerificationGas == nil ||
		op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil || op.Nonce == nil {
		return fail("missing required gas/nonce field")
	}
	if op.MaxFeePerGas.Sign() <= 0 || op.MaxPriorityFeePerGas.Sign() <= 0 {
		return fail("maxFeePerGas/maxPriorityFeePerGas must be positive")
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return fail("maxPriorityFeePerGas exceeds maxFeePerGas")
	}
	if m.cfg.MaxVerificationGasLimit != nil && op.VerificationGasLimit.Cmp(m.cfg.MaxVerificationGasLimit) > 0 {
		return fail("verificationGasLimit exceeds EntryPoint limit")
	}
	required := calcPreVerificationGas(op)
	if op.PreVerificationGas.Cmp(required) < 0 {
		return fail("preVerificationGas below required %s", required.String())
	}
	return nil
}

// checkStorageAccessRules applies the storage-access rule to the traced
// accesses outside the sender's own account: an access to another sender
// already present in the mempool is rejected and, when checkStakes is set,
// an access to this op's factory or paymaster is rejected unless that
// entity is staked. Accesses to any other address (an aggregator included)
// are not checked.
func (m *Manager) checkStorageAccessRules(ctx context.Context, op *useop.UserOperation, trace *TraceResult, checkStakes bool) error {
	senders := m.mempoolSenders()
	for addr := range trace.AccessedSlots {
		if addr == op.Sender {
			continue
		}
		if senders != nil && senders[addr] && addr != op.Sender {
			return fail("storage access to another sender's account: %s", addr.Hex())
		}
		if !checkStakes {
			continue
		}
		isKnownEntity := addr == op.Factory() || addr == op.Paymaster()
		if !isKnownEntity {
			continue
		}
		dep, err := m.ep.DepositInfo(ctx, addr)
		if err != nil {
			return fail("stake lookup for %s: %v", addr.Hex(), err)
		}
		if !dep.Staked {
			return fail("unstaked entity %s accessed storage outside sender", addr.Hex())
		}
	}
	return nil
}
