// Package rpc is the JSON-RPC admission face (MethodHandler): request
// envelope decoding, parameter validation, method dispatch, and
// normalisation of hex-bearing response fields.
//
// Grounded on the teacher's json.RawMessage-bodied gin handlers in
// internal/server/handlers.go (VerifyRequest/SettleRequest), generalized
// from a fixed two-endpoint REST shape to a single-endpoint JSON-RPC
// envelope dispatching on a method name.
package rpc

import "encoding/json"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error body.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func success(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func failure(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// userOperationJSON is the wire representation of a UserOperation: every
// numeric/byte field is a hex string, matching ERC-4337's JSON-RPC
// convention. Only these fields are ever hex-normalised on the way out —
// unlike a reflective deep-hexlify, unknown fields pass through untouched.
type userOperationJSON struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// sendUserOperationParams is the shape of eth_sendUserOperation's params
// array: [userOp, entryPoint].
type sendUserOperationParams struct {
	UserOp     userOperationJSON
	EntryPoint string
}

func (p *sendUserOperationParams) UnmarshalParams(raw json.RawMessage) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return err
	}
	if len(arr) < 2 {
		return errParamCount
	}
	if err := json.Unmarshal(arr[0], &p.UserOp); err != nil {
		return err
	}
	return json.Unmarshal(arr[1], &p.EntryPoint)
}

// estimateUserOperationGasParams mirrors sendUserOperationParams.
type estimateUserOperationGasParams = sendUserOperationParams

// getUserOperationParams is the shape of eth_getUserOperationByHash /
// eth_getUserOperationReceipt's params array: [hash].
type getUserOperationParams struct {
	Hash string
}

func (p *getUserOperationParams) UnmarshalParams(raw json.RawMessage) error {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return err
	}
	if len(arr) < 1 {
		return errParamCount
	}
	p.Hash = arr[0]
	return nil
}
