// Package events reconciles the mempool and reputation store with observed
// on-chain reality by consuming EntryPoint logs (UserOperationEvent,
// AccountDeployed, SignatureAggregatorChanged).
//
// Grounded on the teacher's catch-up-by-replay shape (no direct analogue in
// t402-io-t402-site, which has no block-following component; the polling
// idiom follows WaitForTransactionReceipt's bounded-loop style in
// cmd/facilitator/main.go, generalized from polling one tx to replaying a
// block range).
package events

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/reputation"
)

// UserOperationEvent is the decoded EntryPoint log.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// Manager consumes EntryPoint events to reconcile mempool/reputation state.
type Manager struct {
	rpc        *ethclient.Client
	entryPoint common.Address
	abi        abi.ABI
	mempool    *mempool.Manager
	reputation *reputation.Manager

	lastBlock uint64

	// factoryBySender remembers the factory address used to deploy each
	// sender, captured from prior validation, since UserOperationEvent
	// itself does not carry the factory.
	factoryBySender map[common.Address]common.Address

	activeAggregator common.Address
}

// New creates an events Manager bound to the given EntryPoint ABI (shared
// with internal/entrypoint so selectors agree).
func New(rpc *ethclient.Client, entryPoint common.Address, contractABI abi.ABI, mp *mempool.Manager, rep *reputation.Manager, startBlock uint64) *Manager {
	return &Manager{
		rpc:             rpc,
		entryPoint:      entryPoint,
		abi:             contractABI,
		mempool:         mp,
		reputation:      rep,
		lastBlock:       startBlock,
		factoryBySender: make(map[common.Address]common.Address),
	}
}

// NoteFactory records the factory used to deploy sender, for attribution
// when its AccountDeployed/UserOperationEvent pair is later observed.
func (m *Manager) NoteFactory(sender, factory common.Address) {
	if factory == (common.Address{}) {
		return
	}
	m.factoryBySender[sender] = factory
}

// HandlePastEvents replays [lastBlock+1, head] idempotently. Called at the
// start of every bundling cycle, under the same mutex as bundle assembly.
func (m *Manager) HandlePastEvents(ctx context.Context) error {
	head, err := m.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head block: %w", err)
	}
	if head <= m.lastBlock {
		return nil
	}

	from := m.lastBlock + 1
	logs, err := m.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{m.entryPoint},
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		m.handleLog(lg)
	}

	m.lastBlock = head
	return nil
}

func (m *Manager) handleLog(lg types.Log) {
	if len(lg.Topics) == 0 {
		return
	}
	switch lg.Topics[0] {
	case m.abi.Events["UserOperationEvent"].ID:
		m.handleUserOperationEvent(lg)
	case m.abi.Events["AccountDeployed"].ID:
		m.handleAccountDeployed(lg)
	case m.abi.Events["SignatureAggregatorChanged"].ID:
		m.handleSignatureAggregatorChanged(lg)
	}
}

func (m *Manager) handleUserOperationEvent(lg types.Log) {
	if len(lg.Topics) < 4 {
		return
	}
	userOpHash := lg.Topics[1]
	sender := common.BytesToAddress(lg.Topics[2].Bytes())
	paymaster := common.BytesToAddress(lg.Topics[3].Bytes())

	// Idempotent: RemoveByHash is a no-op if already removed by a prior
	// replay or by the bundle-submission success path.
	m.mempool.RemoveByHash(userOpHash)

	m.reputation.UpdateIncludedStatus(sender)
	if paymaster != (common.Address{}) {
		m.reputation.UpdateIncludedStatus(paymaster)
	}
	if factory, ok := m.factoryBySender[sender]; ok {
		m.reputation.UpdateIncludedStatus(factory)
	}
}

func (m *Manager) handleAccountDeployed(lg types.Log) {
	if len(lg.Topics) < 3 || len(lg.Data) < 64 {
		return
	}
	sender := common.BytesToAddress(lg.Topics[2].Bytes())
	factory := common.BytesToAddress(lg.Data[:32])
	m.NoteFactory(sender, factory)
}

func (m *Manager) handleSignatureAggregatorChanged(lg types.Log) {
	if len(lg.Topics) < 2 {
		return
	}
	m.activeAggregator = common.BytesToAddress(lg.Topics[1].Bytes())
}

// ActiveAggregator returns the most recently observed aggregator, or the
// zero address if none has been signaled.
func (m *Manager) ActiveAggregator() common.Address {
	return m.activeAggregator
}
