package entrypoint

import "strings"

// entryPointABI carries only the fragments the bundler needs: simulateValidation,
// handleOps, balanceOf, and the custom errors/events it must decode. Grounded
// on the teacher's erc20ABI-inline-literal pattern in
// cmd/facilitator/main.go's facilitatorEvmSigner.GetBalance.
const entryPointABI = `[
	{"inputs":[{"internalType":"struct UserOperation","name":"userOp","type":"tuple","components":[
		{"name":"sender","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"initCode","type":"bytes"},
		{"name":"callData","type":"bytes"},
		{"name":"callGasLimit","type":"uint256"},
		{"name":"verificationGasLimit","type":"uint256"},
		{"name":"preVerificationGas","type":"uint256"},
		{"name":"maxFeePerGas","type":"uint256"},
		{"name":"maxPriorityFeePerGas","type":"uint256"},
		{"name":"paymasterAndData","type":"bytes"},
		{"name":"signature","type":"bytes"}
	]}],"name":"simulateValidation","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[
		{"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"callGasLimit","type":"uint256"},
			{"name":"verificationGasLimit","type":"uint256"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"maxFeePerGas","type":"uint256"},
			{"name":"maxPriorityFeePerGas","type":"uint256"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}
		]},
		{"internalType":"address payable","name":"beneficiary","type":"address"}
	],"name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"deposits","outputs":[
		{"internalType":"uint112","name":"deposit","type":"uint112"},
		{"internalType":"bool","name":"staked","type":"bool"},
		{"internalType":"uint112","name":"stake","type":"uint112"},
		{"internalType":"uint32","name":"unstakeDelaySec","type":"uint32"},
		{"internalType":"uint48","name":"withdrawTime","type":"uint48"}
	],"stateMutability":"view","type":"function"},
	{"inputs":[
		{"internalType":"uint256","name":"preOpGas","type":"uint256"},
		{"internalType":"uint256","name":"prefund","type":"uint256"},
		{"internalType":"bool","name":"sigFailed","type":"bool"},
		{"internalType":"uint48","name":"validAfter","type":"uint48"},
		{"internalType":"uint48","name":"validUntil","type":"uint48"},
		{"internalType":"bytes","name":"paymasterContext","type":"bytes"}
	],"name":"ValidationResult","type":"error"},
	{"inputs":[{"internalType":"uint256","name":"opIndex","type":"uint256"},{"internalType":"string","name":"reason","type":"string"}],"name":"FailedOp","type":"error"},
	{"inputs":[
		{"internalType":"uint256","name":"preOpGas","type":"uint256"},
		{"internalType":"uint256","name":"prefund","type":"uint256"},
		{"internalType":"bool","name":"sigFailed","type":"bool"},
		{"internalType":"uint48","name":"validAfter","type":"uint48"},
		{"internalType":"uint48","name":"validUntil","type":"uint48"},
		{"internalType":"bytes","name":"paymasterContext","type":"bytes"},
		{"internalType":"address","name":"aggregator","type":"address"}
	],"name":"ValidationResultWithAggregation","type":"error"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":true,"internalType":"address","name":"paymaster","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
		{"indexed":false,"internalType":"bool","name":"success","type":"bool"},
		{"indexed":false,"internalType":"uint256","name":"actualGasCost","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"actualGasUsed","type":"uint256"}
	],"name":"UserOperationEvent","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":false,"internalType":"address","name":"factory","type":"address"},
		{"indexed":false,"internalType":"address","name":"paymaster","type":"address"}
	],"name":"AccountDeployed","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"aggregator","type":"address"}
	],"name":"SignatureAggregatorChanged","type":"event"}
]`

func abiReader() string {
	return strings.TrimSpace(entryPointABI)
}
