package rpc

import (
	"errors"
	"fmt"

	"github.com/vechain/4337-bundler/internal/execution"
)

// JSON-RPC error codes, per SPEC_FULL.md §6.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602

	CodeSimulateValidation              = -32500
	CodeOpcodeValidation                = -32501
	CodeExpiresShortly                  = -32502
	CodeReputation                      = -32503
	CodeInsufficientStake               = -32504
	CodeUnsupportedSignatureAggregator  = -32505
	CodeInvalidSignature                = -32506

	CodeUserOperationReverted = -32521

	// CodeInternalError covers TransientFailure: RPC timeouts, node
	// disconnects, and other errors not otherwise classified.
	CodeInternalError = -32603
)

var errParamCount = errors.New("not enough params")

// ValidationError reports a domain-level failure (ValidationFailure kind)
// with a stable reason code used for both logging and JSON-RPC mapping.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s (%v)", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError constructs a ValidationError.
func NewValidationError(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// ExecutionError reports an OnChainRevert-kind failure.
type ExecutionError struct {
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed: %s (%v)", e.Reason, e.Err)
	}
	return fmt.Sprintf("execution failed: %s", e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// errorToResponse maps an internal error to a JSON-RPC error code + message,
// the single table implied by the flat ErrCode* constants in the teacher's
// go/errors.go.
func errorToResponse(id []byte, err error) Response {
	var admissionErr *execution.AdmissionError
	if errors.As(err, &admissionErr) {
		code := codeForAdmissionReason(admissionErr.Code)
		return failure(id, code, admissionErr.Message)
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return failure(id, CodeSimulateValidation, valErr.Error())
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return failure(id, CodeUserOperationReverted, execErr.Error())
	}

	return failure(id, CodeInternalError, err.Error())
}

func codeForAdmissionReason(reason string) int {
	switch reason {
	case "InputError":
		return CodeInvalidParams
	case "ValidationFailure":
		return CodeSimulateValidation
	case "Reputation":
		return CodeReputation
	case "InsufficientStake":
		return CodeInsufficientStake
	case "UnsupportedSignatureAggregator":
		return CodeUnsupportedSignatureAggregator
	case "InvalidSignature":
		return CodeInvalidSignature
	case "ExpiresShortly":
		return CodeExpiresShortly
	case "OpcodeValidation":
		return CodeOpcodeValidation
	default:
		return CodeInvalidParams
	}
}
