// Package reputation tracks per-address reputation counters and classifies
// entities as OK, THROTTLED, or BANNED — the only defense against entities
// whose off-chain validation succeeds but whose on-chain execution reverts.
//
// Grounded on the teacher's registry pattern in
// go/mechanisms/evm/erc4337 constants (map-keyed config) and the
// RWMutex-guarded struct style of go/facilitator.go's t402Facilitator.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// snapshotStore is the subset of internal/cache.Client SaveSnapshot and
// LoadSnapshot need, kept narrow so this package doesn't import cache
// directly and stays testable with a fake.
type snapshotStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const snapshotKey = "bundler:reputation:snapshot"

// Status classifies an entity's standing.
type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusThrottled:
		return "THROTTLED"
	case StatusBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// Entry holds the mutable reputation counters for one address.
type Entry struct {
	Address     common.Address `json:"address"`
	OpsSeen     int64          `json:"opsSeen"`
	OpsIncluded int64          `json:"opsIncluded"`
}

// StakeInfo describes an entity's EntryPoint-reported stake.
type StakeInfo struct {
	Stake        *big.Int
	UnstakeDelaySec int64
	Staked       bool
}

// Config parameterizes the BANNED/THROTTLED thresholds and decay cadence.
type Config struct {
	BanSlack        int64
	ThrottlingSlack int64
	HourlyDecay     time.Duration
	MinStakeValue   *big.Int
	MinUnstakeDelay int64
}

// Manager is the reputation store. Safe for concurrent use.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[common.Address]*Entry
	allow   map[common.Address]bool
	deny    map[common.Address]bool

	lastDecay time.Time
}

// New creates a reputation Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		entries:   make(map[common.Address]*Entry),
		allow:     make(map[common.Address]bool),
		deny:      make(map[common.Address]bool),
		lastDecay: time.Now(),
	}
}

func isZero(addr common.Address) bool {
	return addr == common.Address{}
}

func (m *Manager) entry(addr common.Address) *Entry {
	e, ok := m.entries[addr]
	if !ok {
		e = &Entry{Address: addr}
		m.entries[addr] = e
	}
	return e
}

// UpdateSeenStatus increments the seen counter. No-op for the zero address.
func (m *Manager) UpdateSeenStatus(addr common.Address) {
	if isZero(addr) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked()
	m.entry(addr).OpsSeen++
}

// UpdateIncludedStatus increments the included counter. No-op for the zero
// address.
func (m *Manager) UpdateIncludedStatus(addr common.Address) {
	if isZero(addr) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked()
	m.entry(addr).OpsIncluded++
}

// CrashedHandleOps records an on-chain handleOps failure attributed to addr,
// forcing BANNED status for at least one decay cycle.
func (m *Manager) CrashedHandleOps(addr common.Address) {
	if isZero(addr) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked()
	e := m.entry(addr)
	e.OpsSeen = 100
	e.OpsIncluded = 0
}

// GetStatus derives the current status for addr. Allow/deny lists override
// the counter-derived status.
func (m *Manager) GetStatus(addr common.Address) Status {
	if isZero(addr) {
		return StatusOK
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayLocked()

	if m.deny[addr] {
		return StatusBanned
	}
	if m.allow[addr] {
		return StatusOK
	}

	e, ok := m.entries[addr]
	if !ok {
		return StatusOK
	}
	return m.deriveStatus(e)
}

func (m *Manager) deriveStatus(e *Entry) Status {
	if e.OpsSeen-e.OpsIncluded*m.cfg.ThrottlingSlack > m.cfg.BanSlack {
		return StatusBanned
	}
	if e.OpsSeen-e.OpsIncluded*m.cfg.ThrottlingSlack > m.cfg.ThrottlingSlack {
		return StatusThrottled
	}
	return StatusOK
}

// CheckStake reports whether an entity satisfies the configured minimum
// stake and unstake delay.
func (m *Manager) CheckStake(info StakeInfo) bool {
	if !info.Staked {
		return false
	}
	if info.Stake == nil || info.Stake.Cmp(m.cfg.MinStakeValue) < 0 {
		return false
	}
	return info.UnstakeDelaySec >= m.cfg.MinUnstakeDelay
}

// SetReputation overwrites (or creates) entries for debug/introspection use.
func (m *Manager) SetReputation(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range entries {
		e := m.entry(in.Address)
		e.OpsSeen = in.OpsSeen
		e.OpsIncluded = in.OpsIncluded
	}
}

// Dump returns a snapshot of all known reputation entries, for debug RPC.
func (m *Manager) Dump() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// SaveSnapshot persists all known reputation entries to store, so counters
// survive a process restart. Mempool intentionally stays volatile (see
// Non-goals); reputation is cheap to persist and has no adversarial cost to
// doing so, so it's the one piece of bundler state given durability.
func (m *Manager) SaveSnapshot(ctx context.Context, store snapshotStore) error {
	entries := m.Dump()
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal reputation snapshot: %w", err)
	}
	if err := store.Set(ctx, snapshotKey, data, 0); err != nil {
		return fmt.Errorf("save reputation snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores reputation entries previously saved with
// SaveSnapshot. A missing key is not an error — it means a fresh
// deployment or first run without Redis, and the manager simply starts
// empty.
func (m *Manager) LoadSnapshot(ctx context.Context, store snapshotStore) error {
	data, err := store.Get(ctx, snapshotKey)
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return fmt.Errorf("unmarshal reputation snapshot: %w", err)
	}
	m.SetReputation(entries)
	return nil
}

// decayLocked applies hourly decay: every HourlyDecay period, each counter
// is multiplied by (hour-elapsed)/24, truncated to integer. Must be called
// with m.mu held.
func (m *Manager) decayLocked() {
	if m.cfg.HourlyDecay <= 0 {
		return
	}
	elapsed := time.Since(m.lastDecay)
	if elapsed < m.cfg.HourlyDecay {
		return
	}
	hours := int64(elapsed / time.Hour)
	if hours <= 0 {
		hours = 1
	}
	factor := hours
	if factor > 24 {
		factor = 24
	}
	for _, e := range m.entries {
		e.OpsSeen = (e.OpsSeen * (24 - factor)) / 24
		e.OpsIncluded = (e.OpsIncluded * (24 - factor)) / 24
	}
	m.lastDecay = time.Now()
}
