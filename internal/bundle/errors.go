package bundle

import (
	"errors"
	"strings"
)

// jsonRPCError is the minimal shape of a go-ethereum RPC error, used to
// detect the fatal -32601 method-not-found case (§4.5 step 5).
type jsonRPCError interface {
	error
	ErrorCode() int
}

func isMethodNotFound(err error) bool {
	var rpcErr jsonRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == -32601
	}
	return strings.Contains(err.Error(), "method not found")
}
