package entrypoint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ValidationResult is the decoded success payload of simulateValidation —
// either ValidationResult or ValidationResultWithAggregation.
type ValidationResult struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64

	Aggregator common.Address // zero if none
}

// FailedOp is the decoded payload of a handleOps revert.
type FailedOp struct {
	OpIndex int64
	Reason  string
}

// Classify returns the entity role implicated by the AA1/AA2/AA3 reason
// prefix per ERC-4337: AA1x = factory, AA2x = sender, AA3x = paymaster.
func (f FailedOp) Classify() string {
	switch {
	case strings.HasPrefix(f.Reason, "AA3"):
		return "paymaster"
	case strings.HasPrefix(f.Reason, "AA2"):
		return "sender"
	case strings.HasPrefix(f.Reason, "AA1"):
		return "factory"
	default:
		return ""
	}
}

// DecodeValidationRevert selects on the 4-byte error selector and decodes
// either ValidationResult or ValidationResultWithAggregation. Any other
// selector (including FailedOp) is a validation failure.
func DecodeValidationRevert(contractABI abi.ABI, data []byte) (*ValidationResult, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("revert data too short")
	}
	selector := data[:4]

	if errDef, ok := contractABI.Errors["ValidationResult"]; ok && selectorMatches(errDef, selector) {
		vals, err := errDef.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, fmt.Errorf("unpack ValidationResult: %w", err)
		}
		return &ValidationResult{
			PreOpGas:   vals[0].(*big.Int),
			Prefund:    vals[1].(*big.Int),
			SigFailed:  vals[2].(bool),
			ValidAfter: uint64(vals[3].(*big.Int).Int64()),
			ValidUntil: uint64(vals[4].(*big.Int).Int64()),
		}, nil
	}

	if errDef, ok := contractABI.Errors["ValidationResultWithAggregation"]; ok && selectorMatches(errDef, selector) {
		vals, err := errDef.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, fmt.Errorf("unpack ValidationResultWithAggregation: %w", err)
		}
		return &ValidationResult{
			PreOpGas:   vals[0].(*big.Int),
			Prefund:    vals[1].(*big.Int),
			SigFailed:  vals[2].(bool),
			ValidAfter: uint64(vals[3].(*big.Int).Int64()),
			ValidUntil: uint64(vals[4].(*big.Int).Int64()),
			Aggregator: vals[6].(common.Address),
		}, nil
	}

	if failedOp, err := DecodeFailedOp(contractABI, data); err == nil {
		return nil, fmt.Errorf("simulateValidation reverted: %s", failedOp.Reason)
	}

	return nil, fmt.Errorf("simulateValidation reverted with unrecognized selector %x", selector)
}

// DecodeFailedOp decodes a handleOps FailedOp(opIndex, reason) revert.
func DecodeFailedOp(contractABI abi.ABI, data []byte) (*FailedOp, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("revert data too short")
	}
	errDef, ok := contractABI.Errors["FailedOp"]
	if !ok || !selectorMatches(errDef, data[:4]) {
		return nil, fmt.Errorf("not a FailedOp revert")
	}
	vals, err := errDef.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack FailedOp: %w", err)
	}
	return &FailedOp{
		OpIndex: vals[0].(*big.Int).Int64(),
		Reason:  vals[1].(string),
	}, nil
}

func selectorMatches(errDef abi.Error, selector []byte) bool {
	return string(errDef.ID[:4]) == string(selector)
}

// rpcDataError is the subset of go-ethereum's JSON-RPC error shape that
// carries revert data, matching what ethclient surfaces for eth_call
// reverts.
type rpcDataError interface {
	error
	ErrorData() interface{}
}

// extractRevertData pulls the raw revert bytes out of an eth_call error, if
// the node returned any (go-ethereum's rpc.jsonError implements
// rpc.DataError for this).
func extractRevertData(err error) ([]byte, bool) {
	var dataErr rpcDataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	raw := dataErr.ErrorData()
	if raw == nil {
		return nil, false
	}

	switch v := raw.(type) {
	case string:
		return decodeHexOrJSON(v)
	case []byte:
		return v, true
	default:
		b, jsonErr := json.Marshal(v)
		if jsonErr != nil {
			return nil, false
		}
		var hexStr string
		if json.Unmarshal(b, &hexStr) == nil {
			return decodeHexOrJSON(hexStr)
		}
		return nil, false
	}
}

func decodeHexOrJSON(s string) ([]byte, bool) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
