package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
environment: test
providers:
  - name: cryptocompare
    kind: cryptocompare
    base_url: https://min-api.cryptocompare.com
    per_second: 10
  - name: binance
    kind: binance
    base_url: https://api.binance.com
    priority: 2
    enabled: false
orders:
  exchanges:
    - name: paper
transport:
  breaker:
    failure_threshold: 3
    cooldown: 1s
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, 3, c.Transport.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, c.Transport.Breaker.Cooldown)
	assert.Equal(t, 0.5, c.Transport.Breaker.FailureRatio)
	assert.Equal(t, 3, c.Transport.Retry.MaxRetries)
	assert.Equal(t, []int{7, 30, 90}, c.Correlation.WindowsDays)
	assert.Equal(t, []string{"BTC", "ETH"}, c.Pipeline.Symbols)

	require.Len(t, c.Providers, 2)
	assert.Equal(t, 10, c.Providers[0].PerSecond)
	assert.Equal(t, 100, c.Providers[0].PerMinute)
	assert.True(t, c.Providers[0].Enabled)
	assert.False(t, c.Providers[1].Enabled, "explicit false must survive defaults")
	assert.Equal(t, 10.0, c.Orders.Exchanges[0].FeeBps)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	c := Default()
	c.Correlation.CriticalThreshold = 0.9
	assert.Error(t, c.Validate())

	c = Default()
	c.Providers = []ProviderConfig{
		{Name: "a", Kind: "binance", BaseURL: "https://a", PerSecond: 1, PerMinute: 1},
		{Name: "a", Kind: "binance", BaseURL: "https://a", PerSecond: 1, PerMinute: 1},
	}
	assert.Error(t, c.Validate())
}

func TestEnvOverridesAndNames(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	env := map[string]string{
		"CRYPTOPULL_SYMBOLS":               "BTC, SOL ,",
		"CRYPTOPULL_CRYPTOCOMPARE_API_KEY": "k-123",
		"CRYPTOPULL_TRADING_MODE":          "live",
	}
	c.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, []string{"BTC", "SOL"}, c.Pipeline.Symbols)
	assert.Equal(t, "k-123", c.Providers[0].APIKey)
	assert.Equal(t, "live", c.Orders.Mode)
	assert.Equal(t, "CRYPTOPULL_COIN_BASE_API_KEY", EnvName("cryptopull", "coin-base", "api_key"))

	red := c.Redacted()
	assert.Equal(t, "***", red.Providers[0].APIKey)
	assert.Equal(t, "k-123", c.Providers[0].APIKey)
}

func TestParameterStoreSetPersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.yaml")
	s, err := NewParameterStore(path, map[string]float64{"prediction.lambda": 0.5})
	require.NoError(t, err)

	var got []string
	s.Subscribe(func(k string, v float64) { got = append(got, k) })

	v, err := s.Set("prediction.lambda", "0.75")
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)
	assert.Equal(t, []string{"prediction.lambda"}, got)

	_, err = s.Set("nope", "1")
	assert.Error(t, err)
	_, err = s.Set("prediction.lambda", "NaN")
	assert.Error(t, err)

	reopened, err := NewParameterStore(path, map[string]float64{"prediction.lambda": 0.5})
	require.NoError(t, err)
	lv, _ := reopened.Get("prediction.lambda")
	assert.Equal(t, 0.75, lv)
}

func TestParameterStoreReloadIgnoresUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 2\nunknown: 9\n"), 0o644))
	s, err := NewParameterStore(path, map[string]float64{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 2}, s.List())
}
