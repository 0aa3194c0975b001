// Parameter shape validation — the -32602 boundary check that runs before
// a request is handed to ExecutionManager/ValidationManager at all.
//
// Grounded on the teacher's VerifyRequest/SettleRequest field presence
// checks in internal/server/handlers.go, generalized from Go struct tags
// to JSON Schema documents so each RPC method's param shape is declared
// once and checked uniformly.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const userOpSchemaJSON = `{
  "type": "object",
  "required": ["sender", "nonce", "callGasLimit", "verificationGasLimit",
               "preVerificationGas", "maxFeePerGas", "maxPriorityFeePerGas", "signature"],
  "properties": {
    "sender": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "nonce": {"type": "string"},
    "initCode": {"type": "string"},
    "callData": {"type": "string"},
    "callGasLimit": {"type": "string"},
    "verificationGasLimit": {"type": "string"},
    "preVerificationGas": {"type": "string"},
    "maxFeePerGas": {"type": "string"},
    "maxPriorityFeePerGas": {"type": "string"},
    "paymasterAndData": {"type": "string"},
    "signature": {"type": "string"}
  }
}`

const sendUserOpParamsSchemaJSON = `{
  "type": "array",
  "minItems": 2,
  "maxItems": 2,
  "items": [%s, {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}]
}`

const hashParamsSchemaJSON = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 1,
  "items": [{"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}]
}`

// schemaValidator holds compiled JSON Schemas keyed by RPC method name.
// Methods with no entry are left to their handler's own decoding.
type schemaValidator struct {
	schemas map[string]*gojsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	v := &schemaValidator{schemas: map[string]*gojsonschema.Schema{}}

	sendUserOpSchema := fmt.Sprintf(sendUserOpParamsSchemaJSON, userOpSchemaJSON)
	v.compile("eth_sendUserOperation", sendUserOpSchema)
	v.compile("eth_estimateUserOperationGas", sendUserOpSchema)
	v.compile("eth_getUserOperationByHash", hashParamsSchemaJSON)
	v.compile("eth_getUserOperationReceipt", hashParamsSchemaJSON)

	return v
}

func (v *schemaValidator) compile(method, schemaJSON string) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("rpc: invalid schema for %s: %v", method, err))
	}
	v.schemas[method] = schema
}

// validateParams checks a request's params against its method's declared
// shape. Methods with no schema (chainId, supportedEntryPoints, debug_*)
// pass through untouched.
func (v *schemaValidator) validateParams(method string, params json.RawMessage) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		return fmt.Errorf("missing params for %s", method)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("params for %s: %w", method, err)
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return fmt.Errorf("invalid params for %s: %s", method, result.Errors()[0])
		}
		return fmt.Errorf("invalid params for %s", method)
	}
	return nil
}
