package bundle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/vechain/4337-bundler/internal/entrypoint"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/useop"
	"github.com/vechain/4337-bundler/internal/validation"
)

func TestStorageMapAccumulatorMergeRoot(t *testing.T) {
	s := newStorageMapAccumulator()
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")

	if !s.mergeRoot(addr, h1) {
		t.Fatal("first mergeRoot() should succeed")
	}
	if !s.mergeRoot(addr, h1) {
		t.Error("re-asserting the same root hash should succeed")
	}
	if s.mergeRoot(addr, h2) {
		t.Error("asserting a conflicting root hash should fail")
	}
}

func TestStorageMapAccumulatorMergeSlots(t *testing.T) {
	s := newStorageMapAccumulator()
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	slot := common.HexToHash("0xaa")
	v1 := common.HexToHash("0x01")
	v2 := common.HexToHash("0x02")

	if !s.mergeSlots(addr, map[common.Hash]common.Hash{slot: v1}) {
		t.Fatal("first mergeSlots() should succeed")
	}
	if !s.mergeSlots(addr, map[common.Hash]common.Hash{slot: v1}) {
		t.Error("re-asserting the same slot value should succeed")
	}
	if s.mergeSlots(addr, map[common.Hash]common.Hash{slot: v2}) {
		t.Error("asserting a conflicting slot value should fail")
	}
}

func TestStorageMapAccumulatorIndependentAddresses(t *testing.T) {
	s := newStorageMapAccumulator()
	a1 := common.HexToAddress("0x1111111111111111111111111111111111111111")
	a2 := common.HexToAddress("0x2222222222222222222222222222222222222222")
	slot := common.HexToHash("0xaa")

	if !s.mergeSlots(a1, map[common.Hash]common.Hash{slot: common.HexToHash("0x01")}) {
		t.Fatal("mergeSlots for a1 should succeed")
	}
	if !s.mergeSlots(a2, map[common.Hash]common.Hash{slot: common.HexToHash("0x02")}) {
		t.Error("the same slot under a different address should not conflict")
	}
}

type rpcErrStub struct{ code int }

func (e *rpcErrStub) Error() string  { return "rpc error" }
func (e *rpcErrStub) ErrorCode() int { return e.code }

func TestIsMethodNotFound(t *testing.T) {
	if !isMethodNotFound(&rpcErrStub{code: -32601}) {
		t.Error("isMethodNotFound() should recognize -32601 via ErrorCode()")
	}
	if isMethodNotFound(&rpcErrStub{code: -32000}) {
		t.Error("isMethodNotFound() should not match an unrelated RPC code")
	}
	if !isMethodNotFound(errors.New("the method not found on this node")) {
		t.Error("isMethodNotFound() should fall back to substring matching")
	}
	if isMethodNotFound(errors.New("connection refused")) {
		t.Error("isMethodNotFound() should not match unrelated errors")
	}
}

// fakeEntryPoint is the entryPointClient test double: every method the
// bundle package calls on the real *entrypoint.Client, backed by canned
// return values instead of a live node.
type fakeEntryPoint struct {
	balances      map[common.Address]*big.Int
	signerBalance *big.Int
	signerAddr    common.Address
	storageRoots  map[common.Address]common.Hash

	handleOpsErr error
	sendTxHash   common.Hash
	sendErr      error
	receipt      *types.Receipt
	receiptErr   error
	failedOp     *entrypoint.FailedOp
	replayErr    error

	sentOps [][]*useop.UserOperation
}

func (f *fakeEntryPoint) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if b, ok := f.balances[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeEntryPoint) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if f.signerBalance != nil {
		return f.signerBalance, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeEntryPoint) SignerAddress() common.Address { return f.signerAddr }

func (f *fakeEntryPoint) StorageRootHash(ctx context.Context, addr common.Address) (common.Hash, error) {
	return f.storageRoots[addr], nil
}

func (f *fakeEntryPoint) HandleOpsTx(ctx context.Context, ops []*useop.UserOperation, beneficiary common.Address, gasLimit uint64) (*types.Transaction, error) {
	f.sentOps = append(f.sentOps, ops)
	if f.handleOpsErr != nil {
		return nil, f.handleOpsErr
	}
	return types.NewTx(&types.LegacyTx{Nonce: 0, Gas: gasLimit}), nil
}

func (f *fakeEntryPoint) SendRawTransaction(ctx context.Context, tx *types.Transaction, storageMap map[common.Address]interface{}) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return f.sendTxHash, nil
}

func (f *fakeEntryPoint) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeEntryPoint) ReplayRevert(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) (*entrypoint.FailedOp, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return f.failedOp, nil
}

// fakeValidator is the opValidator test double, keyed by sender — every
// seed scenario in this file uses one op per sender.
type fakeValidator struct {
	results map[common.Address]*validation.Result
	errs    map[common.Address]error
}

func (f *fakeValidator) ValidateUserOp(ctx context.Context, op *useop.UserOperation, previousCodeHashes map[common.Address]common.Hash, checkStakes bool) (*validation.Result, error) {
	if err, ok := f.errs[op.Sender]; ok {
		return nil, err
	}
	if r, ok := f.results[op.Sender]; ok {
		return r, nil
	}
	return &validation.Result{
		PreOpGas:   big.NewInt(0),
		Prefund:    big.NewInt(0),
		StorageMap: map[common.Address]map[common.Hash]common.Hash{},
	}, nil
}

func testOp(sender common.Address, nonce, tip int64) *useop.UserOperation {
	return &useop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(1_000),
		MaxPriorityFeePerGas: big.NewInt(tip),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01},
	}
}

func withFactory(op *useop.UserOperation, factory common.Address) *useop.UserOperation {
	op.InitCode = factory.Bytes()
	return op
}

func withPaymaster(op *useop.UserOperation, paymaster common.Address) *useop.UserOperation {
	op.PaymasterAndData = paymaster.Bytes()
	return op
}

func opHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func addToMempool(mp *mempool.Manager, op *useop.UserOperation, hash common.Hash, valResult *validation.Result) {
	mp.AddUserOp(&mempool.Entry{
		UserOp:              op,
		UserOpHash:          hash,
		Prefund:             valResult.Prefund,
		ReferencedContracts: valResult.ReferencedContracts,
	})
}

func newTestBundleManager(cfg Config, ep entryPointClient, mp *mempool.Manager, rep *reputation.Manager, val opValidator) *Manager {
	return &Manager{cfg: cfg, ep: ep, mempool: mp, reputation: rep, validator: val}
}

func banAddress(rep *reputation.Manager, addr common.Address) {
	rep.SetReputation([]reputation.Entry{{Address: addr, OpsSeen: 1000, OpsIncluded: 0}})
}

func throttleAddress(rep *reputation.Manager, addr common.Address) {
	rep.SetReputation([]reputation.Entry{{Address: addr, OpsSeen: 2, OpsIncluded: 0}})
}

func newTestReputation() *reputation.Manager {
	// BanSlack=3, ThrottlingSlack=1: OpsSeen=2 throttles, OpsSeen=1000 bans.
	return reputation.New(reputation.Config{BanSlack: 3, ThrottlingSlack: 1})
}

// (a) a banned paymaster's op is removed from the mempool, not bundled.
func TestCreateBundleRemovesBannedPaymaster(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	paymaster := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	banAddress(rep, paymaster)

	op := withPaymaster(testOp(sender, 0, 10), paymaster)
	addToMempool(mp, op, opHash(1), &validation.Result{Prefund: big.NewInt(0)})

	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, &fakeValidator{})
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 0 {
		t.Errorf("len(bundled) = %d, want 0 (banned paymaster op must not be included)", len(bundled))
	}
	if _, ok := mp.GetByHash(opHash(1)); ok {
		t.Error("op with a banned paymaster should have been removed from the mempool")
	}
}

// (a) a banned factory's op is removed mid-assembly alongside a second,
// clean op from a different sender — banned removal must not stop assembly.
func TestCreateBundleRemovesBannedFactoryMidAssembly(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	bannedSender := common.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	factory := common.HexToAddress("0xCCCC000000000000000000000000000000CCCC")
	cleanSender := common.HexToAddress("0xDDDD000000000000000000000000000000DDDD")
	banAddress(rep, factory)

	bannedOp := withFactory(testOp(bannedSender, 0, 20), factory)
	cleanOp := testOp(cleanSender, 0, 10)
	addToMempool(mp, bannedOp, opHash(1), &validation.Result{})
	addToMempool(mp, cleanOp, opHash(2), &validation.Result{})

	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, &fakeValidator{})
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 || bundled[0].userOp.Sender != cleanSender {
		t.Errorf("bundled = %+v, want exactly the clean sender's op", bundled)
	}
	if _, ok := mp.GetByHash(opHash(1)); ok {
		t.Error("op with a banned factory should have been removed from the mempool")
	}
}

// (b)/(c) a throttled paymaster is allowed one slot per bundle; a second op
// from the same throttled paymaster is skipped (not removed).
func TestCreateBundleSkipsThrottledPaymasterSecondSlot(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	paymaster := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	throttleAddress(rep, paymaster)

	s1 := common.HexToAddress("0x1111111111111111111111111111111111111a")
	s2 := common.HexToAddress("0x2222222222222222222222222222222222222b")
	op1 := withPaymaster(testOp(s1, 0, 20), paymaster)
	op2 := withPaymaster(testOp(s2, 0, 10), paymaster)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})

	val := &fakeValidator{results: map[common.Address]*validation.Result{
		s1: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(0), Paymaster: &validation.EntityInfo{Address: paymaster}, StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
		s2: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(0), Paymaster: &validation.EntityInfo{Address: paymaster}, StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
	}}
	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{balances: map[common.Address]*big.Int{paymaster: big.NewInt(1_000_000)}}, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 || bundled[0].userOp.Sender != s1 {
		t.Errorf("bundled = %+v, want exactly s1's op (first slot for the throttled paymaster)", bundled)
	}
	if _, ok := mp.GetByHash(opHash(2)); !ok {
		t.Error("a throttled-skip must leave the op in the mempool, not remove it")
	}
}

// (d) at most one op per sender is admitted to a single bundle.
func TestCreateBundleOneOpPerSenderPerBundle(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0xEEEE000000000000000000000000000000EEEE")

	op1 := testOp(sender, 0, 50) // higher tip, sorted first
	op2 := testOp(sender, 1, 10)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})

	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, &fakeValidator{})
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 {
		t.Fatalf("len(bundled) = %d, want exactly 1 (one op per sender per bundle)", len(bundled))
	}
	if bundled[0].userOp.Nonce.Int64() != 0 {
		t.Errorf("bundled op nonce = %v, want the higher-tip nonce 0", bundled[0].userOp.Nonce)
	}
}

// (e) a revalidation failure removes the op from the mempool entirely.
func TestCreateBundleRemovesOnRevalidationFailure(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0xFFFF000000000000000000000000000000FFFF")
	op := testOp(sender, 0, 10)
	addToMempool(mp, op, opHash(1), &validation.Result{})

	val := &fakeValidator{errs: map[common.Address]error{sender: errors.New("simulateValidation reverted")}}
	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 0 {
		t.Errorf("len(bundled) = %d, want 0", len(bundled))
	}
	if _, ok := mp.GetByHash(opHash(1)); ok {
		t.Error("an op that fails re-validation must be removed from the mempool")
	}
}

// (f) an op that touches another known sender's storage is skipped
// (cross-sender storage isolation), but stays in the mempool for next cycle.
func TestCreateBundleSkipsCrossSenderStorageConflict(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	s1 := common.HexToAddress("0x1111111111111111111111111111111111111a")
	s2 := common.HexToAddress("0x2222222222222222222222222222222222222b")
	op1 := testOp(s1, 0, 10)
	op2 := testOp(s2, 0, 10)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})

	// op2 touches s1's storage — a sender already pending in the mempool.
	val := &fakeValidator{results: map[common.Address]*validation.Result{
		s2: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{
			s1: {common.HexToHash("0x01"): common.HexToHash("0x02")},
		}},
	}}
	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	for _, e := range bundled {
		if e.userOp.Sender == s2 {
			t.Error("op touching another pending sender's storage must not be bundled")
		}
	}
	if _, ok := mp.GetByHash(opHash(2)); !ok {
		t.Error("a cross-sender storage conflict must leave the op in the mempool, not remove it")
	}
}

// (g) reaching maxBundleGas stops assembly outright — later, otherwise-valid
// ops are excluded too, not just the one that overflowed.
func TestCreateBundleStopsAssemblyAtMaxGas(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	s1 := common.HexToAddress("0x1111111111111111111111111111111111111a")
	s2 := common.HexToAddress("0x2222222222222222222222222222222222222b")
	s3 := common.HexToAddress("0x3333333333333333333333333333333333333c")

	op1 := testOp(s1, 0, 30)
	op2 := testOp(s2, 0, 20)
	op3 := testOp(s3, 0, 10)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})
	addToMempool(mp, op3, opHash(3), &validation.Result{})

	val := &fakeValidator{results: map[common.Address]*validation.Result{
		s1: {PreOpGas: big.NewInt(50_000), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
		s2: {PreOpGas: big.NewInt(10_000_000), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
		s3: {PreOpGas: big.NewInt(50_000), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
	}}
	m := newTestBundleManager(Config{MaxBundleGas: 200_000}, &fakeEntryPoint{}, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 || bundled[0].userOp.Sender != s1 {
		t.Errorf("bundled = %+v, want exactly s1's op (assembly must stop, not skip, at s2)", bundled)
	}
	if _, ok := mp.GetByHash(opHash(3)); !ok {
		t.Error("s3's op must remain in the mempool: assembly stopped before it was even considered")
	}
}

// (h) a paymaster's EntryPoint deposit is split across two ops from the
// same paymaster; once exhausted, further ops are skipped.
func TestCreateBundlePaymasterDepositSplitAcrossTwoOps(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	paymaster := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	s1 := common.HexToAddress("0x1111111111111111111111111111111111111a")
	s2 := common.HexToAddress("0x2222222222222222222222222222222222222b")

	op1 := withPaymaster(testOp(s1, 0, 20), paymaster)
	op2 := withPaymaster(testOp(s2, 0, 10), paymaster)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})

	val := &fakeValidator{results: map[common.Address]*validation.Result{
		s1: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(100), Paymaster: &validation.EntityInfo{Address: paymaster}, StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
		s2: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(100), Paymaster: &validation.EntityInfo{Address: paymaster}, StorageMap: map[common.Address]map[common.Hash]common.Hash{}},
	}}
	ep := &fakeEntryPoint{balances: map[common.Address]*big.Int{paymaster: big.NewInt(150)}}
	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, ep, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 || bundled[0].userOp.Sender != s1 {
		t.Errorf("bundled = %+v, want exactly s1's op (s2 exceeds the remaining deposit)", bundled)
	}
	if _, ok := mp.GetByHash(opHash(2)); !ok {
		t.Error("a deposit-exhausted skip must leave the op in the mempool, not remove it")
	}
}

// (j) two ops asserting conflicting values for the same storage slot on the
// same address cannot both be bundled.
func TestCreateBundleSkipsStorageMapConflict(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	shared := common.HexToAddress("0x9999999999999999999999999999999999999a")
	slot := common.HexToHash("0xaa")
	s1 := common.HexToAddress("0x1111111111111111111111111111111111111a")
	s2 := common.HexToAddress("0x2222222222222222222222222222222222222b")

	op1 := testOp(s1, 0, 20)
	op2 := testOp(s2, 0, 10)
	addToMempool(mp, op1, opHash(1), &validation.Result{})
	addToMempool(mp, op2, opHash(2), &validation.Result{})

	val := &fakeValidator{results: map[common.Address]*validation.Result{
		s1: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{shared: {slot: common.HexToHash("0x01")}}},
		s2: {PreOpGas: big.NewInt(0), Prefund: big.NewInt(0), StorageMap: map[common.Address]map[common.Hash]common.Hash{shared: {slot: common.HexToHash("0x02")}}},
	}}
	m := newTestBundleManager(Config{MaxBundleGas: 10_000_000}, &fakeEntryPoint{}, mp, rep, val)
	bundled, _, err := m.createBundle(context.Background())
	if err != nil {
		t.Fatalf("createBundle() error: %v", err)
	}
	if len(bundled) != 1 || bundled[0].userOp.Sender != s1 {
		t.Errorf("bundled = %+v, want exactly s1's op (s2 conflicts on the shared slot)", bundled)
	}
}

// seed scenario: a FailedOp AA3x revert reclassifies the implicated entity
// as the paymaster, banning it via reputation.CrashedHandleOps.
func TestHandleRevertedReceiptReclassifiesPaymaster(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0x1111111111111111111111111111111111111a")
	paymaster := common.HexToAddress("0xBBBB000000000000000000000000000000BBBB")

	entries := []bundleEntry{
		{userOp: testOp(sender, 0, 10), userOpHash: opHash(1)},
		{userOp: withPaymaster(testOp(sender, 1, 10), paymaster), userOpHash: opHash(2)},
	}
	ep := &fakeEntryPoint{failedOp: &entrypoint.FailedOp{OpIndex: 1, Reason: "AA31 paymaster deposit too low"}}
	m := newTestBundleManager(Config{}, ep, mp, rep, &fakeValidator{})

	tx := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 1})
	receipt := &types.Receipt{Status: 0, BlockNumber: big.NewInt(1)}
	if _, err := m.handleRevertedReceipt(context.Background(), tx, receipt, entries); err == nil {
		t.Fatal("handleRevertedReceipt() should always return an error for a reverted bundle")
	}

	if got := rep.GetStatus(paymaster); got != reputation.StatusBanned {
		t.Errorf("paymaster status after AA3x revert = %v, want BANNED", got)
	}
}

// seed scenario: an AA-prefix-less FailedOp reason falls back to removing
// just the offending op from the mempool, without touching reputation.
func TestHandleRevertedReceiptUnclassifiedRemovesOp(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0x1111111111111111111111111111111111111a")
	op := testOp(sender, 0, 10)
	addToMempool(mp, op, opHash(1), &validation.Result{})

	entries := []bundleEntry{{userOp: op, userOpHash: opHash(1)}}
	ep := &fakeEntryPoint{failedOp: &entrypoint.FailedOp{OpIndex: 0, Reason: "unknown revert"}}
	m := newTestBundleManager(Config{}, ep, mp, rep, &fakeValidator{})

	tx := types.NewTx(&types.LegacyTx{Nonce: 0, Gas: 1})
	receipt := &types.Receipt{Status: 0, BlockNumber: big.NewInt(1)}
	if _, err := m.handleRevertedReceipt(context.Background(), tx, receipt, entries); err == nil {
		t.Fatal("handleRevertedReceipt() should always return an error for a reverted bundle")
	}
	if _, ok := mp.GetByHash(opHash(1)); ok {
		t.Error("an unclassified FailedOp should remove the offending op from the mempool")
	}
}

// sendBundle on a clean handleOps submission returns the transaction hash
// and full set of included userOpHashes, and credits reputation.
func TestSendBundleSuccessCreditsReputation(t *testing.T) {
	mp := mempool.New(10)
	rep := newTestReputation()
	sender := common.HexToAddress("0x1111111111111111111111111111111111111a")
	entries := []bundleEntry{{userOp: testOp(sender, 0, 10), userOpHash: opHash(1)}}

	wantTxHash := common.HexToHash("0xdeadbeef")
	ep := &fakeEntryPoint{
		sendTxHash: wantTxHash,
		receipt:    &types.Receipt{Status: 1, BlockNumber: big.NewInt(1)},
	}
	m := newTestBundleManager(Config{HandleOpsGasLimit: 5_000_000}, ep, mp, rep, &fakeValidator{})

	result, err := m.sendBundle(context.Background(), entries, common.HexToAddress("0xbeef"), newStorageMapAccumulator())
	if err != nil {
		t.Fatalf("sendBundle() error: %v", err)
	}
	if result.TransactionHash != wantTxHash {
		t.Errorf("TransactionHash = %v, want %v", result.TransactionHash, wantTxHash)
	}
	if len(result.UserOpHashes) != 1 || result.UserOpHashes[0] != opHash(1) {
		t.Errorf("UserOpHashes = %v, want [%v]", result.UserOpHashes, opHash(1))
	}
	if got := rep.GetStatus(sender); got != reputation.StatusOK {
		t.Errorf("sender status after inclusion = %v, want OK", got)
	}
}

// selectBeneficiary self-routes to the bundler signer when its balance is at
// or below the configured minimum (self-topup), per step 3.
func TestSelectBeneficiarySelfTopup(t *testing.T) {
	signer := common.HexToAddress("0x5555555555555555555555555555555555555a")
	ep := &fakeEntryPoint{signerAddr: signer, signerBalance: big.NewInt(1)}
	m := newTestBundleManager(Config{MinSignerBalance: big.NewInt(10), Beneficiary: common.HexToAddress("0x6666")}, ep, mempool.New(1), newTestReputation(), &fakeValidator{})

	got, err := m.selectBeneficiary(context.Background())
	if err != nil {
		t.Fatalf("selectBeneficiary() error: %v", err)
	}
	if got != signer {
		t.Errorf("selectBeneficiary() = %v, want the signer address %v (self-topup)", got, signer)
	}
}

func TestSelectBeneficiaryConfigured(t *testing.T) {
	signer := common.HexToAddress("0x5555555555555555555555555555555555555a")
	beneficiary := common.HexToAddress("0x6666666666666666666666666666666666666b")
	ep := &fakeEntryPoint{signerAddr: signer, signerBalance: big.NewInt(1_000)}
	m := newTestBundleManager(Config{MinSignerBalance: big.NewInt(10), Beneficiary: beneficiary}, ep, mempool.New(1), newTestReputation(), &fakeValidator{})

	got, err := m.selectBeneficiary(context.Background())
	if err != nil {
		t.Fatalf("selectBeneficiary() error: %v", err)
	}
	if got != beneficiary {
		t.Errorf("selectBeneficiary() = %v, want the configured beneficiary %v", got, beneficiary)
	}
}
