// Package mempool is the ordered, in-memory store of pending
// UserOperations. It is process-local and volatile by design — no
// persistence (see Non-goals): the bundler process loses its mempool on
// restart and relies on EventsManager catch-up plus admission-side
// gossip-free resubmission, not a durable queue.
package mempool

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vechain/4337-bundler/internal/useop"
)

// Entry is a UserOperation plus the metadata derived during validation.
type Entry struct {
	UserOp              *useop.UserOperation
	UserOpHash          common.Hash
	Prefund             *big.Int
	ReferencedContracts map[common.Address]common.Hash
	Aggregator          common.Address

	seq int64 // insertion sequence, for stable tip-sort tie-break
}

// AddResult describes what addUserOp did.
type AddResult int

const (
	Added AddResult = iota
	Replaced
	RejectedLowerFee
	RejectedCapacity
)

// Manager is the mempool. Safe for concurrent use.
type Manager struct {
	maxSize int

	mu       sync.Mutex
	bySender map[useop.Key]*Entry
	byHash   map[common.Hash]*Entry
	seq      int64

	// onRemove, if set, is invoked whenever an entry leaves the mempool —
	// by explicit removal, replacement, or capacity eviction — so other
	// managers can release per-entry bookkeeping (e.g. ExecutionManager's
	// unstaked-entity quota).
	onRemove func(*Entry)
}

// New creates a mempool Manager bounded by maxSize total entries.
func New(maxSize int) *Manager {
	return &Manager{
		maxSize:  maxSize,
		bySender: make(map[useop.Key]*Entry),
		byHash:   make(map[common.Hash]*Entry),
	}
}

// SetRemovalHook registers fn to be called, outside the mempool's lock,
// whenever an entry leaves the mempool. Not safe to call concurrently with
// mempool mutation; intended for one-time wiring at startup.
func (m *Manager) SetRemovalHook(fn func(*Entry)) {
	m.onRemove = fn
}

// AddUserOp enforces invariant 1: one entry per (sender, nonce), replacing
// the incumbent only if the new priority fee is >=110% of the old one.
// On capacity overflow the lowest-tip entry is evicted, unless the new
// entry's tip is not strictly higher than the current lowest, in which case
// it is rejected.
func (m *Manager) AddUserOp(e *Entry) AddResult {
	m.mu.Lock()

	key := e.UserOp.Identity()
	if incumbent, ok := m.bySender[key]; ok {
		if !useop.SameOrHigherTip(e.UserOp.MaxPriorityFeePerGas, incumbent.UserOp.MaxPriorityFeePerGas) {
			m.mu.Unlock()
			return RejectedLowerFee
		}
		delete(m.byHash, incumbent.UserOpHash)
		e.seq = incumbent.seq // preserve original insertion order on replacement
		m.bySender[key] = e
		m.byHash[e.UserOpHash] = e
		m.mu.Unlock()
		m.notifyRemoved(incumbent)
		return Replaced
	}

	var evicted *Entry
	if len(m.bySender) >= m.maxSize {
		lowest := m.lowestTipLocked()
		if lowest != nil && e.UserOp.MaxPriorityFeePerGas.Cmp(lowest.UserOp.MaxPriorityFeePerGas) <= 0 {
			m.mu.Unlock()
			return RejectedCapacity
		}
		if lowest != nil {
			m.removeLocked(lowest.UserOp.Identity())
			evicted = lowest
		}
	}

	m.seq++
	e.seq = m.seq
	m.bySender[key] = e
	m.byHash[e.UserOpHash] = e
	m.mu.Unlock()
	m.notifyRemoved(evicted)
	return Added
}

// notifyRemoved invokes the removal hook for e, if both are set. Must be
// called without holding m.mu.
func (m *Manager) notifyRemoved(e *Entry) {
	if e != nil && m.onRemove != nil {
		m.onRemove(e)
	}
}

func (m *Manager) lowestTipLocked() *Entry {
	var lowest *Entry
	for _, e := range m.bySender {
		if lowest == nil || e.UserOp.MaxPriorityFeePerGas.Cmp(lowest.UserOp.MaxPriorityFeePerGas) < 0 {
			lowest = e
		}
	}
	return lowest
}

// RemoveUserOp removes the entry identified by key. Idempotent.
func (m *Manager) RemoveUserOp(key useop.Key) {
	m.mu.Lock()
	removed := m.removeLocked(key)
	m.mu.Unlock()
	m.notifyRemoved(removed)
}

// removeLocked removes the entry for key, if present, and returns it.
func (m *Manager) removeLocked(key useop.Key) *Entry {
	e, ok := m.bySender[key]
	if !ok {
		return nil
	}
	delete(m.bySender, key)
	delete(m.byHash, e.UserOpHash)
	return e
}

// RemoveByHash removes the entry with the given userOpHash. Idempotent.
func (m *Manager) RemoveByHash(hash common.Hash) {
	m.mu.Lock()
	e, ok := m.byHash[hash]
	if !ok {
		m.mu.Unlock()
		return
	}
	removed := m.removeLocked(e.UserOp.Identity())
	m.mu.Unlock()
	m.notifyRemoved(removed)
}

// GetByHash returns the entry with the given userOpHash, if present.
func (m *Manager) GetByHash(hash common.Hash) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHash[hash]
	return e, ok
}

// GetSortedForInclusion returns a snapshot ordered by tip (highest first),
// stable tie-break by insertion order — invariant 4.
func (m *Manager) GetSortedForInclusion() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.bySender))
	for _, e := range m.bySender {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		c := out[i].UserOp.MaxPriorityFeePerGas.Cmp(out[j].UserOp.MaxPriorityFeePerGas)
		if c != 0 {
			return c > 0
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Count returns the number of entries currently in the mempool.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySender)
}

// Dump returns a snapshot of all entries, for debug RPC.
func (m *Manager) Dump() []*Entry {
	return m.GetSortedForInclusion()
}

// SenderSet returns the set of sender addresses currently pending in the
// mempool, used by ValidationManager's cross-sender storage-access rule.
func (m *Manager) SenderSet() map[common.Address]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[common.Address]bool, len(m.bySender))
	for key := range m.bySender {
		set[key.Sender] = true
	}
	return set
}
