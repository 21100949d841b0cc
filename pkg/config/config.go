// Package config builds the feed's immutable configuration from the
// environment, after loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/fetchoracle/twapfeed/pkg/pool"
	"github.com/fetchoracle/twapfeed/pkg/retry"
	"github.com/fetchoracle/twapfeed/pkg/rpc"
	"github.com/fetchoracle/twapfeed/pkg/twap"
	"github.com/fetchoracle/twapfeed/pkg/utils"
)

// ErrMisconfiguredPair covers every inconsistency in the pair lists.
var ErrMisconfiguredPair = errors.New("misconfigured pair")

const (
	DefaultRPCURL         = "https://rpc.v4.testnet.pulsechain.com"
	DefaultWindow         = 12 * 60 * 60
	DefaultCheckpointPath = "./prevPricesCumulative.json"
	DefaultAddr           = ":3003"
	// MaxWindow keeps the window inside the half range of the uint32 block clock.
	MaxWindow = 1 << 31
)

// Checkpoint backends.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// sixDecimals are the stablecoins that do not use 18 decimals.
var sixDecimals = map[string]int{"usdc": 6, "usdt": 6}

type CheckpointConfig struct {
	Backend  string
	Path     string
	RedisKey string
}

// Config is read once at startup and never mutated.
type Config struct {
	Asset          string
	Window         uint32
	Pairs          []pool.Pair
	Rejected       []error // configured pairs left out of Pairs, with the reason
	RPC            rpc.Opts
	Retry          retry.Config
	Bootstrap      twap.BootstrapMode
	Policy         twap.CheckpointPolicy
	RefreshEnabled bool
	Checkpoint     CheckpointConfig
	ClickHouseAddr string
	ClickHouseDB   string
	PublishRedis   bool
	Addr           string
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	asset := strings.ToLower(utils.Env("TWAP_ASSET", "pls"))

	window, err := envPositive("TWAP_TIMESPAN", DefaultWindow)
	if err != nil {
		return nil, err
	}
	attempts, err := envPositive("MAX_RETRIES", retry.DefaultConfig().MaxRetries)
	if err != nil {
		return nil, err
	}

	decimals, err := parseDecimals(utils.Env("PLS_CURRENCY_DECIMALS", ""))
	if err != nil {
		return nil, err
	}
	pairs, rejected, err := ParsePairs(
		asset,
		utils.EnvList("PLS_CURRENCY_SOURCES"),
		utils.EnvList("PLS_ADDR_SOURCES"),
		utils.EnvList("PLS_LPS_ORDER"),
		decimals,
	)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no usable pair: %w", errors.Join(rejected...))
	}
	if window >= MaxWindow {
		return nil, fmt.Errorf("TWAP_TIMESPAN must be below %d seconds, got %d", MaxWindow, window)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = attempts
	retryCfg.InitialDelay = utils.EnvDuration("RPC_RETRY_DELAY", retryCfg.InitialDelay)

	cfg := &Config{
		Asset:    asset,
		Window:   uint32(window),
		Pairs:    pairs,
		Rejected: rejected,
		RPC: rpc.Opts{
			Endpoints: utils.Dedup(utils.SplitList(utils.Env("LP_PULSE_NETWORK_URL", DefaultRPCURL))),
			Timeout:   utils.EnvDuration("RPC_TIMEOUT", 10*time.Second),
			RPS:       utils.EnvInt("RPC_RPS", 20),
			Burst:     utils.EnvInt("RPC_BURST", 40),
		},
		Retry:          retryCfg,
		Bootstrap:      twap.BootstrapMode(strings.ToLower(utils.Env("TWAP_BOOTSTRAP_MODE", string(twap.BootstrapImmediate)))),
		Policy:         twap.CheckpointPolicy(strings.ToLower(utils.Env("TWAP_CHECKPOINT_POLICY", string(twap.CheckpointAlways)))),
		RefreshEnabled: utils.EnvBool("TWAP_REFRESH_ENABLED", false),
		Checkpoint: CheckpointConfig{
			Backend:  strings.ToLower(utils.Env("CHECKPOINT_BACKEND", BackendFile)),
			Path:     utils.Env("CHECKPOINT_PATH", DefaultCheckpointPath),
			RedisKey: utils.Env("CHECKPOINT_REDIS_KEY", "twap:checkpoints"),
		},
		ClickHouseAddr: utils.Env("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   utils.Env("CLICKHOUSE_DB", "twapfeed"),
		PublishRedis:   utils.EnvBool("PRICE_PUBLISH_REDIS", false),
		Addr:           utils.Env("ADDR", DefaultAddr),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that do not come from the pair lists.
func (c *Config) Validate() error {
	if c.Window == 0 {
		return errors.New("window must be positive")
	}
	if c.Window >= MaxWindow {
		return fmt.Errorf("window must be below %d seconds, got %d", MaxWindow, c.Window)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.Retry.MaxRetries)
	}
	if len(c.RPC.Endpoints) == 0 {
		return errors.New("no rpc endpoint configured")
	}
	switch c.Bootstrap {
	case twap.BootstrapImmediate, twap.BootstrapWait:
	default:
		return fmt.Errorf("unknown TWAP_BOOTSTRAP_MODE %q", c.Bootstrap)
	}
	switch c.Policy {
	case twap.CheckpointAlways, twap.CheckpointWindow:
	default:
		return fmt.Errorf("unknown TWAP_CHECKPOINT_POLICY %q", c.Policy)
	}
	switch c.Checkpoint.Backend {
	case BackendFile, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.Checkpoint.Backend)
	}
	for _, p := range c.Pairs {
		if !p.HasAsset(c.Asset) {
			return fmt.Errorf("%w: %s ordering %s/%s does not contain asset %q", ErrMisconfiguredPair, p.Currency, p.Token0, p.Token1, c.Asset)
		}
	}
	return nil
}

// Pair returns the pair configured for currency.
func (c *Config) Pair(currency string) (pool.Pair, bool) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	for _, p := range c.Pairs {
		if p.Currency == currency {
			return p, true
		}
	}
	return pool.Pair{}, false
}

// EngineConfig is the part of Config the TWAP engine needs.
func (c *Config) EngineConfig() twap.Config {
	return twap.Config{
		Asset:     c.Asset,
		Window:    c.Window,
		Bootstrap: c.Bootstrap,
		Policy:    c.Policy,
		Pairs:     c.Pairs,
	}
}

// ParsePairs zips the three parallel lists into pairs. Lists of different
// lengths fail outright. A pair with a bad address, a bad ordering, no side
// matching asset, or a repeated currency is left out and its reason returned
// in rejected; the other pairs are unaffected.
func ParsePairs(asset string, currencies, addresses, orders []string, decimals map[string]int) (pairs []pool.Pair, rejected []error, err error) {
	if len(currencies) == 0 {
		return nil, nil, fmt.Errorf("%w: PLS_CURRENCY_SOURCES is empty", ErrMisconfiguredPair)
	}
	if len(currencies) != len(addresses) {
		return nil, nil, fmt.Errorf("%w: PLS_CURRENCY_SOURCES and PLS_ADDR_SOURCES must have the same length (%d != %d)",
			ErrMisconfiguredPair, len(currencies), len(addresses))
	}
	if len(currencies) != len(orders) {
		return nil, nil, fmt.Errorf("%w: PLS_CURRENCY_SOURCES and PLS_LPS_ORDER must have the same length (%d != %d)",
			ErrMisconfiguredPair, len(currencies), len(orders))
	}

	seen := map[string]bool{}
	pairs = make([]pool.Pair, 0, len(currencies))
	for i, raw := range currencies {
		p, err := parsePair(asset, strings.ToLower(raw), addresses[i], orders[i], decimals, seen)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("%w: position %d: %v", ErrMisconfiguredPair, i, err))
			continue
		}
		seen[p.Currency] = true
		pairs = append(pairs, p)
	}
	return pairs, rejected, nil
}

func parsePair(asset, currency, address, order string, decimals map[string]int, seen map[string]bool) (pool.Pair, error) {
	if currency == "" {
		return pool.Pair{}, errors.New("empty currency")
	}
	if seen[currency] {
		return pool.Pair{}, fmt.Errorf("currency %s listed twice", currency)
	}
	if !common.IsHexAddress(address) {
		return pool.Pair{}, fmt.Errorf("%s address %q is not a hex address", currency, address)
	}
	tokens := strings.Split(strings.ToLower(order), "/")
	if len(tokens) != 2 || strings.TrimSpace(tokens[0]) == "" || strings.TrimSpace(tokens[1]) == "" {
		return pool.Pair{}, fmt.Errorf("%s ordering %q must look like token0/token1", currency, order)
	}

	dec, ok := decimals[currency]
	if !ok {
		dec, ok = sixDecimals[currency]
	}
	if !ok {
		dec = 18
	}
	p := pool.Pair{
		Currency: currency,
		Token0:   strings.TrimSpace(tokens[0]),
		Token1:   strings.TrimSpace(tokens[1]),
		Address:  common.HexToAddress(address),
		Decimals: dec,
	}
	if !p.HasAsset(asset) {
		return pool.Pair{}, fmt.Errorf("%s ordering %s/%s does not contain asset %q", currency, p.Token0, p.Token1, asset)
	}
	return p, nil
}

// envPositive is strict: a set but unusable value is an error, not the default.
func envPositive(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

// parseDecimals reads "usdc:6,wbtc:8".
func parseDecimals(s string) (map[string]int, error) {
	out := map[string]int{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, item := range utils.SplitList(s) {
		if item == "" {
			continue
		}
		name, val, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("PLS_CURRENCY_DECIMALS item %q must be currency:decimals", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 || n > 18 {
			return nil, fmt.Errorf("PLS_CURRENCY_DECIMALS item %q: decimals must be 1..18", item)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out, nil
}
