// Package entrypoint wraps the ERC-4337 EntryPoint contract: simulated
// validation, deposit/stake reads, and handleOps submission over an
// EIP-1559 transaction. Grounded on the teacher's facilitatorEvmSigner in
// cmd/facilitator/main.go (ReadContract/WriteContract/GetBalance/GetCode
// shape over *ethclient.Client), adapted from legacy types.NewTransaction
// to types.DynamicFeeTx for type=2 submission as the spec requires.
package entrypoint

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vechain/4337-bundler/internal/useop"
)

// Client is the bundler's connection to the upstream node and the deployed
// EntryPoint singleton.
type Client struct {
	rpc        *ethclient.Client
	abi        abi.ABI
	address    common.Address
	chainID    *big.Int
	signerKey  *ecdsa.PrivateKey
	signerAddr common.Address

	conditionalRPC bool
}

// Dial connects to the upstream node and binds to the given EntryPoint
// address and bundler signer.
func Dial(ctx context.Context, rpcURL string, entryPoint common.Address, signerKeyHex string, conditionalRPC bool) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect to node: %w", err)
	}

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(abiReader()))
	if err != nil {
		return nil, fmt.Errorf("parse entrypoint abi: %w", err)
	}

	signerKeyHex = strings.TrimPrefix(signerKeyHex, "0x")
	signerKey, err := crypto.HexToECDSA(signerKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse bundler signer key: %w", err)
	}
	signerAddr := crypto.PubkeyToAddress(signerKey.PublicKey)

	return &Client{
		rpc:            rpc,
		abi:            parsedABI,
		address:        entryPoint,
		chainID:        chainID,
		signerKey:      signerKey,
		signerAddr:     signerAddr,
		conditionalRPC: conditionalRPC,
	}, nil
}

// Address returns the bound EntryPoint contract address.
func (c *Client) Address() common.Address { return c.address }

// ChainID returns the upstream chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// SignerAddress returns the bundler's own EOA address.
func (c *Client) SignerAddress() common.Address { return c.signerAddr }

// RawClient exposes the underlying ethclient connection, for components
// (events.Manager) that need raw log filtering the EntryPoint wrapper
// doesn't cover.
func (c *Client) RawClient() *ethclient.Client { return c.rpc }

// ABI exposes the parsed EntryPoint ABI, shared with events.Manager so the
// event topic table is defined in exactly one place.
func (c *Client) ABI() abi.ABI { return c.abi }

// BlockNumberHint returns the current head block number, used as the
// starting point for event reconciliation on a fresh start.
func (c *Client) BlockNumberHint(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

// BalanceOf reads the EntryPoint-held deposit balance of an entity (sender,
// paymaster, or factory) — used for paymaster solvency accounting.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return nil, err
	}
	results, err := c.abi.Methods["balanceOf"].Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return results[0].(*big.Int), nil
}

// Deposit describes an entity's EntryPoint stake bookkeeping.
type Deposit struct {
	Amount          *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
}

// DepositInfo reads the full deposit/stake record for checkStake.
func (c *Client) DepositInfo(ctx context.Context, account common.Address) (Deposit, error) {
	data, err := c.abi.Pack("deposits", account)
	if err != nil {
		return Deposit{}, fmt.Errorf("pack deposits: %w", err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return Deposit{}, err
	}
	results, err := c.abi.Methods["deposits"].Outputs.Unpack(out)
	if err != nil {
		return Deposit{}, fmt.Errorf("unpack deposits: %w", err)
	}
	return Deposit{
		Amount:          results[0].(*big.Int),
		Staked:          results[1].(bool),
		Stake:           results[2].(*big.Int),
		UnstakeDelaySec: results[3].(uint32),
	}, nil
}

// CodeAt returns the deployed bytecode at an address, or nil if it is an EOA
// or undeployed contract account.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.rpc.CodeAt(ctx, addr, nil)
}

// BalanceAt returns the native balance of addr — used to decide whether the
// bundler signer needs a self-topup beneficiary.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, addr, nil)
}

// StorageRootHash fetches an account's storage root via eth_getProof — used
// by the conditional-RPC storage-map merge path.
func (c *Client) StorageRootHash(ctx context.Context, addr common.Address) (common.Hash, error) {
	var result struct {
		StorageHash common.Hash `json:"storageHash"`
	}
	if err := c.rpc.Client().CallContext(ctx, &result, "eth_getProof", addr, []string{}, "latest"); err != nil {
		return common.Hash{}, fmt.Errorf("eth_getProof: %w", err)
	}
	return result.StorageHash, nil
}

// PingNode reports whether the upstream node is reachable, for the
// readiness check.
func (c *Client) PingNode(ctx context.Context) error {
	_, err := c.rpc.BlockNumber(ctx)
	return err
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	to := c.address
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.rpc.CallContract(ctx, msg, nil)
}

// FeeData holds the EIP-1559 fee parameters used to build handleOps txs.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SuggestFeeData derives a simple EIP-1559 fee suggestion from the node's
// base fee plus a suggested priority tip — grounded on the teacher's
// SuggestGasPrice usage in WriteContract, generalized to type=2 fields.
func (c *Client) SuggestFeeData(ctx context.Context) (FeeData, error) {
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeData{}, fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeData{}, fmt.Errorf("fetch head header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// PendingNonce returns the bundler signer's next nonce.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.rpc.PendingNonceAt(ctx, c.signerAddr)
}

// HandleOpsTx builds, signs, and returns the unsent EIP-1559 handleOps
// transaction for the given bundle.
func (c *Client) HandleOpsTx(ctx context.Context, ops []*useop.UserOperation, beneficiary common.Address, gasLimit uint64) (*types.Transaction, error) {
	data, err := c.packHandleOps(ops, beneficiary)
	if err != nil {
		return nil, err
	}

	nonce, err := c.PendingNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch signer nonce: %w", err)
	}
	fees, err := c.SuggestFeeData(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &c.address,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.signerKey)
	if err != nil {
		return nil, fmt.Errorf("sign handleOps tx: %w", err)
	}
	return signedTx, nil
}

func (c *Client) packHandleOps(ops []*useop.UserOperation, beneficiary common.Address) ([]byte, error) {
	type tupleOp struct {
		Sender               common.Address
		Nonce                *big.Int
		InitCode             []byte
		CallData             []byte
		CallGasLimit         *big.Int
		VerificationGasLimit *big.Int
		PreVerificationGas   *big.Int
		MaxFeePerGas         *big.Int
		MaxPriorityFeePerGas *big.Int
		PaymasterAndData     []byte
		Signature            []byte
	}
	tuples := make([]tupleOp, len(ops))
	for i, op := range ops {
		tuples[i] = tupleOp{
			Sender:               op.Sender,
			Nonce:                op.Nonce,
			InitCode:             op.InitCode,
			CallData:             op.CallData,
			CallGasLimit:         op.CallGasLimit,
			VerificationGasLimit: op.VerificationGasLimit,
			PreVerificationGas:   op.PreVerificationGas,
			MaxFeePerGas:         op.MaxFeePerGas,
			MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
			PaymasterAndData:     op.PaymasterAndData,
			Signature:            op.Signature,
		}
	}
	return c.abi.Pack("handleOps", tuples, beneficiary)
}

// WaitForReceipt polls for a mined receipt, bounded by ctx — grounded on
// the teacher's 30-iteration 1s-interval polling loop in
// facilitatorEvmSigner.WaitForTransactionReceipt (cmd/facilitator/main.go).
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt not found before deadline: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// ReplayRevert re-executes a mined, reverted transaction as an eth_call at
// its own block to recover the revert data the node doesn't attach to a
// transaction receipt, then decodes it as a FailedOp.
func (c *Client) ReplayRevert(ctx context.Context, tx *types.Transaction, blockNumber *big.Int) (*FailedOp, error) {
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	to := tx.To()
	msg := ethereum.CallMsg{From: from, To: to, Gas: tx.Gas(), GasFeeCap: tx.GasFeeCap(), GasTipCap: tx.GasTipCap(), Value: tx.Value(), Data: tx.Data()}

	_, callErr := c.rpc.CallContract(ctx, msg, blockNumber)
	if callErr == nil {
		return nil, fmt.Errorf("replay did not revert as expected")
	}
	revertData, ok := extractRevertData(callErr)
	if !ok {
		return nil, fmt.Errorf("replay failed without revert data: %w", callErr)
	}
	return DecodeFailedOp(c.abi, revertData)
}

// SendRawTransaction submits a signed transaction, using the conditional
// variant with a knownAccounts storage-map hint when configured.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction, storageMap map[common.Address]interface{}) (common.Hash, error) {
	if c.conditionalRPC {
		rawTx, err := tx.MarshalBinary()
		if err != nil {
			return common.Hash{}, fmt.Errorf("encode tx: %w", err)
		}
		var result common.Hash
		err = c.rpc.Client().CallContext(ctx, &result, "eth_sendRawTransactionConditional", "0x"+common.Bytes2Hex(rawTx), map[string]interface{}{
			"knownAccounts": storageMap,
		})
		if err != nil {
			return common.Hash{}, err
		}
		return tx.Hash(), nil
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// SimulateValidation invokes entryPoint.simulateValidation via eth_call and
// decodes its (expected) revert payload. The EntryPoint always reverts on
// this call by design — ValidationResult/ValidationResultWithAggregation
// encode the "success" case, anything else is a validation failure.
func (c *Client) SimulateValidation(ctx context.Context, op *useop.UserOperation) (*ValidationResult, error) {
	data, err := c.abi.Pack("simulateValidation", simulateValidationTuple(op))
	if err != nil {
		return nil, fmt.Errorf("pack simulateValidation: %w", err)
	}

	_, callErr := c.call(ctx, data)
	if callErr == nil {
		return nil, fmt.Errorf("simulateValidation did not revert as expected")
	}

	revertData, ok := extractRevertData(callErr)
	if !ok {
		return nil, fmt.Errorf("simulateValidation failed without revert data: %w", callErr)
	}
	return DecodeValidationRevert(c.abi, revertData)
}

func simulateValidationTuple(op *useop.UserOperation) interface{} {
	type tupleOp struct {
		Sender               common.Address
		Nonce                *big.Int
		InitCode             []byte
		CallData             []byte
		CallGasLimit         *big.Int
		VerificationGasLimit *big.Int
		PreVerificationGas   *big.Int
		MaxFeePerGas         *big.Int
		MaxPriorityFeePerGas *big.Int
		PaymasterAndData     []byte
		Signature            []byte
	}
	return tupleOp{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}
