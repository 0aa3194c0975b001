package config

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the bundler service.
type Config struct {
	// Server
	Port        int
	Environment string

	// Redis (optional: admission rate limiting + reputation snapshotting)
	RedisURL string

	// Rate limiting on the admission endpoint
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Chain / node
	NodeRPC          string
	ChainID          int64
	EntryPointAddr   string
	BundlerPrivateKey string
	Beneficiary      string

	// Bundling
	MempoolMaxSize        int
	AutoBundleMempoolSize int
	AutoBundleInterval    time.Duration
	MaxBundleGas          uint64
	MinSignerBalance      string // wei, decimal string (parsed with big.Int)
	ConditionalRPC        bool
	UnsafeMode            bool
	VerificationGasLimitMax int64
	HandleOpsGasLimitVal    uint64

	// Reputation
	MinStakeValue               string // wei, decimal string
	MinUnstakeDelay              int64  // seconds
	SameUnstakedEntityMempoolCount int
	BanSlack                     int64
	ThrottlingSlack              int64
	HourlyDecay                  time.Duration
}

// Load loads configuration from environment variables, falling back to a
// .env file when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnvInt("PORT", 8080),
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL: getEnv("REDIS_URL", ""),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 1000),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		NodeRPC:           getEnv("NODE_RPC", "http://localhost:8545"),
		ChainID:           int64(getEnvInt("CHAIN_ID", 1)),
		EntryPointAddr:    getEnv("ENTRY_POINT", "0x0576a174D229E3cFA37253523E645A78A0C91B57"),
		BundlerPrivateKey: getEnv("BUNDLER_PRIVATE_KEY", ""),
		Beneficiary:       getEnv("BENEFICIARY", ""),

		MempoolMaxSize:        getEnvInt("MEMPOOL_MAX_SIZE", 1000),
		AutoBundleMempoolSize: getEnvInt("AUTO_BUNDLE_MEMPOOL_SIZE", 10),
		AutoBundleInterval:    time.Duration(getEnvInt("AUTO_BUNDLE_INTERVAL", 10)) * time.Second,
		MaxBundleGas:          uint64(getEnvInt("MAX_BUNDLE_GAS", 5_000_000)),
		MinSignerBalance:      getEnv("MIN_SIGNER_BALANCE", "100000000000000000"), // 0.1 ETH
		ConditionalRPC:        getEnvBool("CONDITIONAL_RPC", false),
		UnsafeMode:            getEnvBool("UNSAFE_MODE", false),
		VerificationGasLimitMax: int64(getEnvInt("VERIFICATION_GAS_LIMIT_MAX", 3_000_000)),
		HandleOpsGasLimitVal:    uint64(getEnvInt("HANDLE_OPS_GAS_LIMIT", 10_000_000)),

		MinStakeValue:                  getEnv("MIN_STAKE_VALUE", "100000000000000000"), // 0.1 ETH
		MinUnstakeDelay:                int64(getEnvInt("MIN_UNSTAKE_DELAY", 86400)),
		SameUnstakedEntityMempoolCount: getEnvInt("SAME_UNSTAKED_ENTITY_MEMPOOL_COUNT", 10),
		BanSlack:                       int64(getEnvInt("BAN_SLACK", 50)),
		ThrottlingSlack:                int64(getEnvInt("THROTTLING_SLACK", 10)),
		HourlyDecay:                    time.Duration(getEnvInt("HOURLY_DECAY_SECONDS", 3600)) * time.Second,
	}
}

// MaxVerificationGasLimit returns the configured verification gas ceiling
// as a *big.Int, for validation.Config.
func (c *Config) MaxVerificationGasLimit() *big.Int {
	return big.NewInt(c.VerificationGasLimitMax)
}

// HandleOpsGasLimit returns the gas limit used for the handleOps
// transaction itself.
func (c *Config) HandleOpsGasLimit() uint64 {
	return c.HandleOpsGasLimitVal
}

// BeneficiaryAddress parses the configured beneficiary, or the zero
// address (bundle.Manager falls back to the signer's own address) when
// unset.
func (c *Config) BeneficiaryAddress() common.Address {
	if c.Beneficiary == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Beneficiary)
}

// MinSignerBalanceWei parses MinSignerBalance into a *big.Int, defaulting
// to zero on a malformed value.
func (c *Config) MinSignerBalanceWei() *big.Int {
	v, ok := new(big.Int).SetString(c.MinSignerBalance, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// MinStakeValueWei parses MinStakeValue into a *big.Int, defaulting to
// zero on a malformed value.
func (c *Config) MinStakeValueWei() *big.Int {
	v, ok := new(big.Int).SetString(c.MinStakeValue, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
