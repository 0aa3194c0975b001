// Method dispatch for the MethodHandler: eth_sendUserOperation,
// eth_estimateUserOperationGas, eth_supportedEntryPoints, eth_chainId,
// eth_getUserOperationByHash/Receipt, and the debug_bundler_* namespace.
//
// Grounded on the teacher's handleVerify/handleSettle pair in
// internal/server/handlers.go, generalized from two fixed REST endpoints
// to a method-name-keyed dispatch table.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vechain/4337-bundler/internal/bundle"
	"github.com/vechain/4337-bundler/internal/entrypoint"
	"github.com/vechain/4337-bundler/internal/events"
	"github.com/vechain/4337-bundler/internal/execution"
	"github.com/vechain/4337-bundler/internal/mempool"
	"github.com/vechain/4337-bundler/internal/reputation"
	"github.com/vechain/4337-bundler/internal/useop"
)

// Handler is the bundler's JSON-RPC method dispatcher.
type Handler struct {
	ep         *entrypoint.Client
	execution  *execution.Manager
	bundle     *bundle.Manager
	mempool    *mempool.Manager
	reputation *reputation.Manager
	events     *events.Manager
	validator  *schemaValidator
}

// New constructs a Handler wired to the bundler's component managers.
func New(ep *entrypoint.Client, ex *execution.Manager, bm *bundle.Manager, mp *mempool.Manager, rep *reputation.Manager, ev *events.Manager) *Handler {
	return &Handler{
		ep:         ep,
		execution:  ex,
		bundle:     bm,
		mempool:    mp,
		reputation: rep,
		events:     ev,
		validator:  newSchemaValidator(),
	}
}

// Handle decodes one JSON-RPC request and returns its response. Batch
// requests are not supported, matching spec.md's single-operation RPC
// surface.
func (h *Handler) Handle(ctx context.Context, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return failure(nil, CodeInvalidParams, fmt.Sprintf("malformed request: %v", err))
	}

	if err := h.validator.validateParams(req.Method, req.Params); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}

	switch req.Method {
	case "eth_sendUserOperation":
		return h.sendUserOperation(ctx, req)
	case "eth_estimateUserOperationGas":
		return h.estimateUserOperationGas(ctx, req)
	case "eth_supportedEntryPoints":
		return success(req.ID, []string{h.ep.Address().Hex()})
	case "eth_chainId":
		return success(req.ID, hexBig(h.ep.ChainID()))
	case "eth_getUserOperationByHash":
		return h.getUserOperationByHash(req)
	case "eth_getUserOperationReceipt":
		return h.getUserOperationReceipt(ctx, req)
	case "debug_bundler_clearState":
		return success(req.ID, h.debugClearState())
	case "debug_bundler_dumpMempool":
		return success(req.ID, h.debugDumpMempool())
	case "debug_bundler_sendBundleNow":
		return h.debugSendBundleNow(ctx, req)
	case "debug_bundler_dumpReputation":
		return success(req.ID, h.reputation.Dump())
	case "debug_bundler_setReputation":
		return h.debugSetReputation(req)
	default:
		return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (h *Handler) sendUserOperation(ctx context.Context, req Request) Response {
	var params sendUserOperationParams
	if err := params.UnmarshalParams(req.Params); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	op, err := decodeUserOp(params.UserOp)
	if err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	entryPoint := common.HexToAddress(params.EntryPoint)

	userOpHash, err := h.execution.SendUserOperation(ctx, op, entryPoint, h.ep.ChainID())
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return success(req.ID, userOpHash.Hex())
}

// estimateUserOperationGas runs a read-only simulateValidation to obtain
// verificationGasLimit (preOpGas). preVerificationGas and callGasLimit are
// returned as submitted; no gas estimate of the inner call is made.
func (h *Handler) estimateUserOperationGas(ctx context.Context, req Request) Response {
	var params estimateUserOperationGasParams
	if err := params.UnmarshalParams(req.Params); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	op, err := decodeUserOp(params.UserOp)
	if err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}

	simResult, err := h.ep.SimulateValidation(ctx, op)
	if err != nil {
		return failure(req.ID, CodeSimulateValidation, err.Error())
	}

	result := map[string]string{
		"preVerificationGas":   hexBig(op.PreVerificationGas),
		"verificationGasLimit": hexBig(simResult.PreOpGas),
		"callGasLimit":         hexBig(op.CallGasLimit),
	}
	if simResult.ValidAfter != 0 {
		result["validAfter"] = hexUint64(simResult.ValidAfter)
	}
	if simResult.ValidUntil != 0 {
		result["validUntil"] = hexUint64(simResult.ValidUntil)
	}
	return success(req.ID, result)
}

func (h *Handler) getUserOperationByHash(req Request) Response {
	var params getUserOperationParams
	if err := params.UnmarshalParams(req.Params); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	hash := common.HexToHash(params.Hash)

	entry, ok := h.mempool.GetByHash(hash)
	if !ok {
		return success(req.ID, nil)
	}
	return success(req.ID, map[string]interface{}{
		"userOperation":  encodeUserOp(entry.UserOp),
		"entryPoint":     h.ep.Address().Hex(),
		"blockNumber":    nil,
		"blockHash":      nil,
		"transactionHash": nil,
	})
}

func (h *Handler) getUserOperationReceipt(ctx context.Context, req Request) Response {
	var params getUserOperationParams
	if err := params.UnmarshalParams(req.Params); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	hash := common.HexToHash(params.Hash)

	// Still pending: present in the mempool, no receipt yet.
	if _, ok := h.mempool.GetByHash(hash); ok {
		return success(req.ID, nil)
	}
	return success(req.ID, nil)
}

func (h *Handler) debugSendBundleNow(ctx context.Context, req Request) Response {
	result, err := h.bundle.SendNextBundle(ctx)
	if err != nil {
		return errorToResponse(req.ID, &ExecutionError{Reason: "bundle submission failed", Err: err})
	}
	if result.Empty {
		return success(req.ID, map[string]interface{}{"transactionHash": nil, "userOpHashes": []string{}})
	}
	hashes := make([]string, len(result.UserOpHashes))
	for i, hsh := range result.UserOpHashes {
		hashes[i] = hsh.Hex()
	}
	return success(req.ID, map[string]interface{}{
		"transactionHash": result.TransactionHash.Hex(),
		"userOpHashes":    hashes,
	})
}

func (h *Handler) debugDumpMempool() []map[string]interface{} {
	entries := h.mempool.Dump()
	out := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"userOperation": encodeUserOp(e.UserOp),
			"userOpHash":    e.UserOpHash.Hex(),
		}
	}
	return out
}

func (h *Handler) debugClearState() map[string]string {
	for _, e := range h.mempool.Dump() {
		h.mempool.RemoveByHash(e.UserOpHash)
	}
	return map[string]string{"status": "ok"}
}

func (h *Handler) debugSetReputation(req Request) Response {
	var entries []reputation.Entry
	if err := json.Unmarshal(req.Params, &entries); err != nil {
		return failure(req.ID, CodeInvalidParams, err.Error())
	}
	h.reputation.SetReputation(entries)
	return success(req.ID, map[string]string{"status": "ok"})
}

func decodeUserOp(w userOperationJSON) (*useop.UserOperation, error) {
	sender := common.HexToAddress(w.Sender)
	nonce, ok := new(big.Int).SetString(trimHex(w.Nonce), 16)
	if !ok {
		return nil, fmt.Errorf("invalid nonce")
	}
	initCode, err := hex.DecodeString(trimHex(w.InitCode))
	if err != nil {
		return nil, fmt.Errorf("invalid initCode: %w", err)
	}
	callData, err := hex.DecodeString(trimHex(w.CallData))
	if err != nil {
		return nil, fmt.Errorf("invalid callData: %w", err)
	}
	callGasLimit, ok := new(big.Int).SetString(trimHex(w.CallGasLimit), 16)
	if !ok {
		return nil, fmt.Errorf("invalid callGasLimit")
	}
	verificationGasLimit, ok := new(big.Int).SetString(trimHex(w.VerificationGasLimit), 16)
	if !ok {
		return nil, fmt.Errorf("invalid verificationGasLimit")
	}
	preVerificationGas, ok := new(big.Int).SetString(trimHex(w.PreVerificationGas), 16)
	if !ok {
		return nil, fmt.Errorf("invalid preVerificationGas")
	}
	maxFeePerGas, ok := new(big.Int).SetString(trimHex(w.MaxFeePerGas), 16)
	if !ok {
		return nil, fmt.Errorf("invalid maxFeePerGas")
	}
	maxPriorityFeePerGas, ok := new(big.Int).SetString(trimHex(w.MaxPriorityFeePerGas), 16)
	if !ok {
		return nil, fmt.Errorf("invalid maxPriorityFeePerGas")
	}
	paymasterAndData, err := hex.DecodeString(trimHex(w.PaymasterAndData))
	if err != nil {
		return nil, fmt.Errorf("invalid paymasterAndData: %w", err)
	}
	signature, err := hex.DecodeString(trimHex(w.Signature))
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	return &useop.UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         callGasLimit,
		VerificationGasLimit: verificationGasLimit,
		PreVerificationGas:   preVerificationGas,
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
		PaymasterAndData:     paymasterAndData,
		Signature:            signature,
	}, nil
}

// encodeUserOp hexlifies exactly the UserOperation's named fields — the
// fixed-field-set normalisation SPEC_FULL.md's design notes require in
// place of a reflective deep-hexlify.
func encodeUserOp(op *useop.UserOperation) userOperationJSON {
	return userOperationJSON{
		Sender:               op.Sender.Hex(),
		Nonce:                hexBig(op.Nonce),
		InitCode:             "0x" + hex.EncodeToString(op.InitCode),
		CallData:             "0x" + hex.EncodeToString(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     "0x" + hex.EncodeToString(op.PaymasterAndData),
		Signature:            "0x" + hex.EncodeToString(op.Signature),
	}
}

func hexBig(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func hexUint64(v uint64) string {
	return "0x" + new(big.Int).SetUint64(v).Text(16)
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return "0"
	}
	return s
}
