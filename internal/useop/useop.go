// Package useop defines the ERC-4337 v0.6 UserOperation value type and its
// derived identities (hash, sender/paymaster/factory extraction).
package useop

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the ERC-4337 v0.6 pseudo-transaction format. All 256-bit
// fields are represented as *big.Int; addresses are compared
// case-insensitively via common.Address's own comparison semantics.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// Key identifies a UserOperation in the mempool: (sender, nonce).
type Key struct {
	Sender common.Address
	Nonce  string // big.Int.String(), since *big.Int isn't comparable as a map key
}

// Identity returns the mempool identity of the UserOperation.
func (op *UserOperation) Identity() Key {
	return Key{Sender: op.Sender, Nonce: op.Nonce.String()}
}

// Factory returns the factory address encoded in InitCode, or the zero
// address if InitCode is empty.
func (op *UserOperation) Factory() common.Address {
	if len(op.InitCode) < 20 {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:20])
}

// FactoryCalldata returns the remainder of InitCode after the factory
// address.
func (op *UserOperation) FactoryCalldata() []byte {
	if len(op.InitCode) < 20 {
		return nil
	}
	return op.InitCode[20:]
}

// HasFactory reports whether this UserOperation deploys its sender.
func (op *UserOperation) HasFactory() bool {
	return len(op.InitCode) >= 20
}

// Paymaster returns the paymaster address encoded in PaymasterAndData, or
// the zero address if the UserOperation is self-paying.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < 20 {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:20])
}

// HasPaymaster reports whether this UserOperation is sponsored.
func (op *UserOperation) HasPaymaster() bool {
	return len(op.PaymasterAndData) >= 20
}

var userOpTupleArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("uint256")},
	{Type: mustType("bytes32")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// packForHash replicates EntryPoint v0.6's internal pack(): the hashed
// UserOp tuple substitutes keccak256 digests for the dynamic-length fields
// (initCode, callData, paymasterAndData) and drops the signature, matching
// getUserOpHash's preimage construction.
func (op *UserOperation) packForHash() ([]byte, error) {
	initCodeHash := crypto.Keccak256Hash(op.InitCode)
	callDataHash := crypto.Keccak256Hash(op.CallData)
	paymasterHash := crypto.Keccak256Hash(op.PaymasterAndData)

	return userOpTupleArgs.Pack(
		op.Sender,
		op.Nonce,
		initCodeHash,
		callDataHash,
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		paymasterHash,
	)
}

var outerTupleArgs = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
}

// Hash computes the EntryPoint v0.6 userOpHash:
// keccak256(abi.encode(keccak256(packed), entryPoint, chainID)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.packForHash()
	if err != nil {
		return common.Hash{}, err
	}
	inner := crypto.Keccak256Hash(packed)

	outer, err := outerTupleArgs.Pack(inner, entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

// SameOrHigherTip reports whether candidate's priority fee is at least 10%
// higher than incumbent's — the mempool replacement threshold (invariant 1).
func SameOrHigherTip(candidate, incumbent *big.Int) bool {
	threshold := new(big.Int).Mul(incumbent, big.NewInt(110))
	scaled := new(big.Int).Mul(candidate, big.NewInt(100))
	return scaled.Cmp(threshold) >= 0
}

// EqualAddress compares two addresses case-insensitively (common.Address
// already normalises case on construction, but string-derived values may
// not have gone through that path).
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
