package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, StorageModeMemory, cfg.Storage.Mode)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, time.Hour, cfg.Stream.PaymentWindow.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Bridge.BlockTime.Duration)
	assert.Equal(t, 12, cfg.Bridge.MaxConfirmations)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing version",
			mutate: func(c *Config) { c.Version = "" },
			want:   "version",
		},
		{
			name:   "bad version",
			mutate: func(c *Config) { c.Version = "1.0" },
			want:   "version",
		},
		{
			name:   "unknown storage mode",
			mutate: func(c *Config) { c.Storage.Mode = "hybrid" },
			want:   "storage.mode",
		},
		{
			name:   "kv without nats",
			mutate: func(c *Config) { c.Storage.Mode = StorageModeKV },
			want:   "nats.enabled",
		},
		{
			name: "nats without url",
			mutate: func(c *Config) {
				c.NATS.Enabled = true
				c.NATS.URL = ""
			},
			want: "nats.url",
		},
		{
			name:   "zero payment window",
			mutate: func(c *Config) { c.Stream.PaymentWindow = Duration{} },
			want:   "payment_window",
		},
		{
			name:   "timeout multiplier below one",
			mutate: func(c *Config) { c.Bridge.TimeoutMultiplier = 0.5 },
			want:   "timeout_multiplier",
		},
		{
			name: "unsorted confirmation tiers",
			mutate: func(c *Config) {
				c.Bridge.ConfirmationTiers = []ConfirmationTier{
					{UpTo: 10_000_000, Confirmations: 3},
					{UpTo: 1_000_000, Confirmations: 2},
				}
			},
			want: "ascending",
		},
		{
			name: "duplicate yield protocol",
			mutate: func(c *Config) {
				c.Yield.Protocols = []ProtocolConfig{
					{Name: "anchor", RateBps: 500},
					{Name: "anchor", RateBps: 800},
				}
			},
			want: "duplicate",
		},
		{
			name:   "zero monitor interval",
			mutate: func(c *Config) { c.Monitor.Interval = Duration{} },
			want:   "monitor.interval",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1h30m"`)))
	assert.Equal(t, 90*time.Minute, d.Duration)

	require.NoError(t, d.UnmarshalJSON([]byte(`1000000000`)))
	assert.Equal(t, time.Second, d.Duration)

	assert.Error(t, d.UnmarshalJSON([]byte(`"bogus"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	out, err := Duration{15 * time.Minute}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"15m0s"`, string(out))
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bitflow.json")
	body := `{
		"stream": {"payment_window": "30m", "payment_interval": "15s", "batch_rate": 50, "batch_burst": 10},
		"yield": {"protocols": [{"name": "anchor", "rate_bps": 1000, "min_stake": 10000}]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 30*time.Minute, cfg.Stream.PaymentWindow.Duration)
	assert.Equal(t, float64(50), cfg.Stream.BatchRate)
	require.Len(t, cfg.Yield.Protocols, 1)
	assert.Equal(t, "anchor", cfg.Yield.Protocols[0].Name)

	// Defaults retained for untouched sections
	assert.Equal(t, 10*time.Minute, cfg.Bridge.BlockTime.Duration)
	assert.Equal(t, StorageModeMemory, cfg.Storage.Mode)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stream": {"payment_window": "0s"}}`), 0600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "config.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bitflow.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))

	t.Setenv("BITFLOW_NATS_URL", "nats://broker:4222")
	t.Setenv("BITFLOW_HTTP_ADDR", ":9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
}

func TestComponentMapping(t *testing.T) {
	cfg := DefaultConfig()

	sc := cfg.Stream.Component()
	assert.Equal(t, time.Hour, sc.PaymentWindow)
	assert.Equal(t, 5, sc.BatchBurst)

	bc := cfg.Bridge.Component()
	assert.Equal(t, uint64(500), bc.FlatFee)
	require.Len(t, bc.ConfirmationTiers, 3)
	assert.Equal(t, 2, bc.ConfirmationTiers[0].Confirmations)
	assert.Equal(t, 5, bc.RetryPolicy.MaxAttempts)

	mc := cfg.Monitor.Component()
	assert.Equal(t, 30*time.Second, mc.Interval)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(DefaultConfig())

	got := sc.Get()
	got.Stream.BatchBurst = 99
	assert.NotEqual(t, 99, sc.Get().Stream.BatchBurst, "Get must return a copy")

	bad := DefaultConfig()
	bad.Storage.Mode = "tape"
	assert.Error(t, sc.Update(bad))

	good := DefaultConfig()
	good.Stream.BatchBurst = 7
	require.NoError(t, sc.Update(good))
	assert.Equal(t, 7, sc.Get().Stream.BatchBurst)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		v1, v2 string
		want   int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.1.9", 1},
		{"1.0.1", "1.0.2", -1},
		{"v2.0.0", "1.9.9", 1},
	}
	for _, tc := range cases {
		got, err := CompareVersions(tc.v1, tc.v2)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s vs %s", tc.v1, tc.v2)
	}

	_, err := CompareVersions("1.0", "1.0.0")
	assert.Error(t, err)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": {"b": [1, 2, {"c": true}]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": {"b": }`)))

	deep := make([]byte, 101)
	for i := range deep {
		deep[i] = '['
	}
	assert.Error(t, validateJSONDepth(deep))
}
