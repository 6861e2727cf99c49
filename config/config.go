// Package config loads and validates the facilitator's environment
// knobs. Everything is validated at startup; invalid values fail fast
// rather than surfacing mid-settlement.
package config

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	minSettlementTimeoutMs = 5_000
	maxSettlementTimeoutMs = 300_000
)

var privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config is the validated runtime configuration.
type Config struct {
	// Production toggles the fail-fast rules: a durable store URL is
	// mandatory and memory-backed replay is refused.
	Production bool

	ListenAddress string

	PrivateKey string
	RPCURL     string
	Network    string

	// DatabaseURL selects Postgres when set. BadgerPath selects the
	// embedded store. Neither set means memory (non-production only).
	DatabaseURL string
	BadgerPath  string

	// RedisURL enables the replay-lookup cache when set.
	RedisURL string

	SettlementTimeout time.Duration
	Confirmations     uint64
	// MaxGasPrice caps maxFeePerGas in wei; zero (the default) disables
	// the cap.
	MaxGasPrice       *big.Int
	MinSettlementUnit *big.Int

	// SplitterAddress zero or empty means the splitter is disabled.
	SplitterAddress string
	Treasury        string
	// Mode is "direct" or "splitter".
	Mode string

	PriceRefresh  time.Duration
	PriceEndpoint string

	WebhookTimeout time.Duration
}

// Load reads the environment (plus an optional .env file) and validates
// every knob.
func Load() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		Production:    envBool("FACILITATOR_PRODUCTION", false),
		ListenAddress: envOr("FACILITATOR_LISTEN", ":8402"),
		PrivateKey:    os.Getenv("FACILITATOR_PRIVATE_KEY"),
		RPCURL:        os.Getenv("FACILITATOR_RPC_URL"),
		Network:       envOr("FACILITATOR_NETWORK", "eip155:84532"),
		DatabaseURL:   os.Getenv("FACILITATOR_DATABASE_URL"),
		BadgerPath:    os.Getenv("FACILITATOR_BADGER_PATH"),
		RedisURL:      os.Getenv("FACILITATOR_REDIS_URL"),
		Mode:          envOr("FACILITATOR_MODE", "direct"),
		Treasury:      os.Getenv("FACILITATOR_TREASURY"),
		PriceEndpoint: os.Getenv("FACILITATOR_PRICE_ENDPOINT"),
	}

	if !privateKeyPattern.MatchString(cfg.PrivateKey) {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY must be 32-byte hex with 0x prefix")
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("FACILITATOR_RPC_URL is required")
	}
	if cfg.Production && cfg.DatabaseURL == "" && cfg.BadgerPath == "" {
		return nil, fmt.Errorf("production mode requires FACILITATOR_DATABASE_URL or FACILITATOR_BADGER_PATH")
	}

	timeoutMs, err := envInt("FACILITATOR_SETTLEMENT_TIMEOUT_MS", 60_000)
	if err != nil {
		return nil, err
	}
	if timeoutMs < minSettlementTimeoutMs || timeoutMs > maxSettlementTimeoutMs {
		return nil, fmt.Errorf("FACILITATOR_SETTLEMENT_TIMEOUT_MS must be between %d and %d",
			minSettlementTimeoutMs, maxSettlementTimeoutMs)
	}
	cfg.SettlementTimeout = time.Duration(timeoutMs) * time.Millisecond

	confirmations, err := envInt("FACILITATOR_CONFIRMATIONS", 1)
	if err != nil {
		return nil, err
	}
	if confirmations < 1 {
		return nil, fmt.Errorf("FACILITATOR_CONFIRMATIONS must be at least 1")
	}
	cfg.Confirmations = uint64(confirmations)

	if cfg.MaxGasPrice, err = envBigInt("FACILITATOR_MAX_GAS_PRICE", "0"); err != nil {
		return nil, err
	}
	if cfg.MaxGasPrice.Sign() < 0 {
		return nil, fmt.Errorf("FACILITATOR_MAX_GAS_PRICE must not be negative")
	}
	if cfg.MinSettlementUnit, err = envBigInt("FACILITATOR_MIN_SETTLEMENT_UNIT", "0"); err != nil {
		return nil, err
	}
	if cfg.MinSettlementUnit.Sign() < 0 {
		return nil, fmt.Errorf("FACILITATOR_MIN_SETTLEMENT_UNIT must be non-negative")
	}

	splitterAddr := os.Getenv("FACILITATOR_SPLITTER_ADDRESS")
	if splitterAddr != "" && !isZeroAddress(splitterAddr) {
		if !addressPattern.MatchString(splitterAddr) {
			return nil, fmt.Errorf("FACILITATOR_SPLITTER_ADDRESS is not a valid address")
		}
		cfg.SplitterAddress = splitterAddr
	}
	if cfg.Treasury != "" && !addressPattern.MatchString(cfg.Treasury) {
		return nil, fmt.Errorf("FACILITATOR_TREASURY is not a valid address")
	}

	switch cfg.Mode {
	case "direct":
	case "splitter":
		if cfg.SplitterAddress == "" {
			return nil, fmt.Errorf("splitter mode requires FACILITATOR_SPLITTER_ADDRESS")
		}
		if cfg.Treasury == "" {
			return nil, fmt.Errorf("splitter mode requires FACILITATOR_TREASURY")
		}
	default:
		return nil, fmt.Errorf("FACILITATOR_MODE must be direct or splitter")
	}

	refreshSec, err := envInt("FACILITATOR_PRICE_REFRESH_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.PriceRefresh = time.Duration(refreshSec) * time.Second
	cfg.WebhookTimeout = 10 * time.Second

	return cfg, nil
}

func isZeroAddress(addr string) bool {
	return strings.EqualFold(addr, "0x0000000000000000000000000000000000000000") || addr == "0x0" || addr == "0"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func envBigInt(key, fallback string) (*big.Int, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a decimal integer", key)
	}
	return parsed, nil
}
