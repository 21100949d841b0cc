package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchoracle/twapfeed/pkg/config"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

const (
	daiAddr  = "0xe56043671df55de5cdf8459710433c10324de0ae"
	usdcAddr = "0x6753560538eca67617a9ce605178f788be7e524e"
)

func setPairs(t *testing.T) {
	t.Setenv("PLS_CURRENCY_SOURCES", "dai, usdc")
	t.Setenv("PLS_ADDR_SOURCES", daiAddr+","+usdcAddr)
	t.Setenv("PLS_LPS_ORDER", "wpls/dai,WPLS/USDC")
}

func TestFromEnvDefaults(t *testing.T) {
	setPairs(t)

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "pls", cfg.Asset)
	assert.Equal(t, uint32(43200), cfg.Window)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, []string{config.DefaultRPCURL}, cfg.RPC.Endpoints)
	assert.Equal(t, 10*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, twap.BootstrapImmediate, cfg.Bootstrap)
	assert.Equal(t, twap.CheckpointAlways, cfg.Policy)
	assert.Equal(t, config.BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, config.DefaultCheckpointPath, cfg.Checkpoint.Path)
	assert.Equal(t, ":3003", cfg.Addr)
	assert.False(t, cfg.RefreshEnabled)

	require.Len(t, cfg.Pairs, 2)
	dai, ok := cfg.Pair("DAI")
	require.True(t, ok)
	assert.Equal(t, "WPLS/DAI", dai.Key())
	assert.Equal(t, 18, dai.Decimals)
	// checksummed
	assert.Equal(t, "0xE56043671df55dE5CDf8459710433C10324DE0aE", dai.Address.Hex())

	usdc, ok := cfg.Pair("usdc")
	require.True(t, ok)
	assert.Equal(t, 6, usdc.Decimals)
	assert.Equal(t, "WPLS/USDC", usdc.Key())

	ec := cfg.EngineConfig()
	assert.Equal(t, cfg.Window, ec.Window)
	assert.Len(t, ec.Pairs, 2)
}

func TestFromEnvOverrides(t *testing.T) {
	setPairs(t)
	t.Setenv("TWAP_TIMESPAN", "3600")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("RPC_TIMEOUT", "2s")
	t.Setenv("LP_PULSE_NETWORK_URL", "http://a:8545, http://b:8545/,http://a:8545")
	t.Setenv("TWAP_BOOTSTRAP_MODE", "WAIT")
	t.Setenv("TWAP_CHECKPOINT_POLICY", "window")
	t.Setenv("PLS_CURRENCY_DECIMALS", "usdc:8")
	t.Setenv("TWAP_REFRESH_ENABLED", "true")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), cfg.Window)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.RPC.Endpoints)
	assert.Equal(t, twap.BootstrapWait, cfg.Bootstrap)
	assert.Equal(t, twap.CheckpointWindow, cfg.Policy)
	assert.True(t, cfg.RefreshEnabled)

	usdc, _ := cfg.Pair("usdc")
	assert.Equal(t, 8, usdc.Decimals)
}

func TestParsePairsRejectsMisalignedLists(t *testing.T) {
	tests := []struct {
		name       string
		currencies []string
		addresses  []string
		orders     []string
	}{
		{"empty", nil, nil, nil},
		{"addresses short", []string{"dai", "usdc"}, []string{daiAddr}, []string{"wpls/dai", "wpls/usdc"}},
		{"orders short", []string{"dai", "usdc"}, []string{daiAddr, usdcAddr}, []string{"wpls/dai"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := config.ParsePairs("pls", tt.currencies, tt.addresses, tt.orders, nil)
			assert.ErrorIs(t, err, config.ErrMisconfiguredPair)
		})
	}
}

func TestParsePairsDropsOnlyTheBadPair(t *testing.T) {
	tests := []struct {
		name     string
		currency string
		address  string
		order    string
	}{
		{"bad address", "usdc", "not-an-address", "wpls/usdc"},
		{"bad ordering", "usdc", usdcAddr, "wpls-usdc"},
		{"empty token", "usdc", usdcAddr, "wpls/"},
		{"no asset", "usdc", usdcAddr, "usdc/hex"},
		{"asset prefix only", "usdc", usdcAddr, "plsx/usdc"},
		{"duplicate", "DAI", usdcAddr, "wpls/dai"},
		{"empty currency", "", usdcAddr, "wpls/usdc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, rejected, err := config.ParsePairs("pls",
				[]string{"dai", tt.currency},
				[]string{daiAddr, tt.address},
				[]string{"wpls/dai", tt.order}, nil)
			require.NoError(t, err)
			require.Len(t, pairs, 1)
			assert.Equal(t, "dai", pairs[0].Currency)
			require.Len(t, rejected, 1)
			assert.ErrorIs(t, rejected[0], config.ErrMisconfiguredPair)
		})
	}
}

func TestParsePairsKeepsOrder(t *testing.T) {
	pairs, rejected, err := config.ParsePairs("pls", []string{"usdt"}, []string{usdcAddr}, []string{"usdt/wpls"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.Len(t, pairs, 1)
	assert.Equal(t, "USDT/WPLS", pairs[0].Key())
	assert.False(t, pairs[0].AssetIsToken0("pls"))
	assert.Equal(t, common.HexToAddress(usdcAddr), pairs[0].Address)
}

func TestFromEnvRejects(t *testing.T) {
	tests := map[string][2]string{
		"window":    {"TWAP_TIMESPAN", "0"},
		"bootstrap": {"TWAP_BOOTSTRAP_MODE", "later"},
		"policy":    {"TWAP_CHECKPOINT_POLICY", "never"},
		"backend":   {"CHECKPOINT_BACKEND", "s3"},
		"decimals":  {"PLS_CURRENCY_DECIMALS", "usdc"},
		"retries":   {"MAX_RETRIES", "-1"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			setPairs(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestFromEnvKeepsGoodPairs(t *testing.T) {
	setPairs(t)
	t.Setenv("PLS_ADDR_SOURCES", daiAddr+",not-an-address")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	require.Len(t, cfg.Pairs, 1)
	_, ok := cfg.Pair("dai")
	assert.True(t, ok)
	_, ok = cfg.Pair("usdc")
	assert.False(t, ok)
	require.Len(t, cfg.Rejected, 1)
	assert.ErrorIs(t, cfg.Rejected[0], config.ErrMisconfiguredPair)
	assert.Contains(t, cfg.Rejected[0].Error(), "not-an-address")
}

func TestFromEnvRejectsWhenNoPairIsLeft(t *testing.T) {
	setPairs(t)
	t.Setenv("PLS_LPS_ORDER", "hex/dai,usdc/hex")
	_, err := config.FromEnv()
	assert.ErrorIs(t, err, config.ErrMisconfiguredPair)
}

func TestWindowMustFitTheBlockClock(t *testing.T) {
	for _, v := range []string{"2147483648", "4294967396"} {
		t.Run(v, func(t *testing.T) {
			setPairs(t)
			t.Setenv("TWAP_TIMESPAN", v)
			_, err := config.FromEnv()
			assert.ErrorContains(t, err, "TWAP_TIMESPAN")
		})
	}

	setPairs(t)
	t.Setenv("TWAP_TIMESPAN", "2147483647")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, uint32(2147483647), cfg.Window)

	cfg.Window = config.MaxWindow
	assert.Error(t, cfg.Validate())
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	env := "PLS_CURRENCY_SOURCES=dai\nPLS_ADDR_SOURCES=" + daiAddr + "\nPLS_LPS_ORDER=wpls/dai\nTWAP_TIMESPAN=600\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	// godotenv never overrides what is already set
	t.Setenv("TWAP_TIMESPAN", "900")
	for _, k := range []string{"PLS_CURRENCY_SOURCES", "PLS_ADDR_SOURCES", "PLS_LPS_ORDER"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(900), cfg.Window)
	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, "WPLS/DAI", cfg.Pairs[0].Key())
}

func TestLoadWithoutDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	setPairs(t)

	_, err = config.Load()
	require.NoError(t, err)
}
