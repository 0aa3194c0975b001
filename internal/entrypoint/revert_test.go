package entrypoint

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func testABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		t.Fatalf("parse entryPointABI: %v", err)
	}
	return parsed
}

func packError(t *testing.T, contractABI abi.ABI, name string, args ...interface{}) []byte {
	t.Helper()
	errDef := contractABI.Errors[name]
	packed, err := errDef.Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return append(append([]byte{}, errDef.ID[:4]...), packed...)
}

func TestFailedOpClassify(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"AA10 sender already constructed", "factory"},
		{"AA21 didn't pay prefund", "sender"},
		{"AA31 paymaster deposit too low", "paymaster"},
		{"unrecognized revert", ""},
	}
	for _, tt := range tests {
		f := FailedOp{Reason: tt.reason}
		if got := f.Classify(); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestDecodeValidationRevertPlain(t *testing.T) {
	contractABI := testABI(t)
	data := packError(t, contractABI, "ValidationResult",
		big.NewInt(21000), big.NewInt(100000), false, big.NewInt(0), big.NewInt(9999999999), []byte{})

	result, err := DecodeValidationRevert(contractABI, data)
	if err != nil {
		t.Fatalf("DecodeValidationRevert() error: %v", err)
	}
	if result.PreOpGas.Cmp(big.NewInt(21000)) != 0 {
		t.Errorf("PreOpGas = %v, want 21000", result.PreOpGas)
	}
	if result.Prefund.Cmp(big.NewInt(100000)) != 0 {
		t.Errorf("Prefund = %v, want 100000", result.Prefund)
	}
	if result.SigFailed {
		t.Error("SigFailed should be false")
	}
	if result.Aggregator != (common.Address{}) {
		t.Error("Aggregator should be zero for a plain ValidationResult")
	}
}

func TestDecodeValidationRevertWithAggregation(t *testing.T) {
	contractABI := testABI(t)
	aggregator := common.HexToAddress("0x1234567890123456789012345678901234567890")
	data := packError(t, contractABI, "ValidationResultWithAggregation",
		big.NewInt(1), big.NewInt(2), true, big.NewInt(0), big.NewInt(0), []byte{}, aggregator)

	result, err := DecodeValidationRevert(contractABI, data)
	if err != nil {
		t.Fatalf("DecodeValidationRevert() error: %v", err)
	}
	if result.Aggregator != aggregator {
		t.Errorf("Aggregator = %v, want %v", result.Aggregator, aggregator)
	}
	if !result.SigFailed {
		t.Error("SigFailed should be true")
	}
}

func TestDecodeValidationRevertFailedOp(t *testing.T) {
	contractABI := testABI(t)
	data := packError(t, contractABI, "FailedOp", big.NewInt(3), "AA21 didn't pay prefund")

	_, err := DecodeValidationRevert(contractABI, data)
	if err == nil {
		t.Error("DecodeValidationRevert() should error on a FailedOp revert")
	}
}

func TestDecodeValidationRevertTooShort(t *testing.T) {
	contractABI := testABI(t)
	if _, err := DecodeValidationRevert(contractABI, []byte{0x01, 0x02}); err == nil {
		t.Error("DecodeValidationRevert() should reject data shorter than 4 bytes")
	}
}

func TestDecodeFailedOp(t *testing.T) {
	contractABI := testABI(t)
	data := packError(t, contractABI, "FailedOp", big.NewInt(5), "AA31 paymaster deposit too low")

	failedOp, err := DecodeFailedOp(contractABI, data)
	if err != nil {
		t.Fatalf("DecodeFailedOp() error: %v", err)
	}
	if failedOp.OpIndex != 5 {
		t.Errorf("OpIndex = %d, want 5", failedOp.OpIndex)
	}
	if failedOp.Reason != "AA31 paymaster deposit too low" {
		t.Errorf("Reason = %q", failedOp.Reason)
	}
	if failedOp.Classify() != "paymaster" {
		t.Errorf("Classify() = %q, want paymaster", failedOp.Classify())
	}
}

func TestDecodeFailedOpWrongSelector(t *testing.T) {
	contractABI := testABI(t)
	data := packError(t, contractABI, "ValidationResult",
		big.NewInt(1), big.NewInt(1), false, big.NewInt(0), big.NewInt(0), []byte{})

	if _, err := DecodeFailedOp(contractABI, data); err == nil {
		t.Error("DecodeFailedOp() should reject a non-FailedOp selector")
	}
}

func TestDecodeHexOrJSON(t *testing.T) {
	b, ok := decodeHexOrJSON("0xdeadbeef")
	if !ok {
		t.Fatal("decodeHexOrJSON() should accept a 0x-prefixed hex string")
	}
	if len(b) != 4 {
		t.Errorf("decoded length = %d, want 4", len(b))
	}

	if _, ok := decodeHexOrJSON("not-hex"); ok {
		t.Error("decodeHexOrJSON() should reject invalid hex")
	}
}

type fakeRPCDataError struct {
	data interface{}
}

func (e fakeRPCDataError) Error() string        { return "execution reverted" }
func (e fakeRPCDataError) ErrorData() interface{} { return e.data }

func TestExtractRevertDataFromHexString(t *testing.T) {
	err := fakeRPCDataError{data: "0xdeadbeef"}
	raw, ok := extractRevertData(err)
	if !ok {
		t.Fatal("extractRevertData() should succeed for a hex-string ErrorData")
	}
	if len(raw) != 4 {
		t.Errorf("len(raw) = %d, want 4", len(raw))
	}
}

func TestExtractRevertDataNoDataError(t *testing.T) {
	_, ok := extractRevertData(errors.New("plain error"))
	if ok {
		t.Error("extractRevertData() should fail for an error not implementing rpcDataError")
	}
}

func TestExtractRevertDataNilData(t *testing.T) {
	err := fakeRPCDataError{data: nil}
	if _, ok := extractRevertData(err); ok {
		t.Error("extractRevertData() should fail when ErrorData() is nil")
	}
}
