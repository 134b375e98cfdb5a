package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitflowhq/bitflow-core/bridge"
	"github.com/bitflowhq/bitflow-core/monitor"
	"github.com/bitflowhq/bitflow-core/pkg/retry"
	"github.com/bitflowhq/bitflow-core/recovery"
	"github.com/bitflowhq/bitflow-core/stream"
	"github.com/bitflowhq/bitflow-core/yield"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // In-memory only, state lost on restart
	StorageModeKV     = "kv"     // NATS JetStream key-value buckets
)

// Duration is a time.Duration that marshals to and from JSON strings
// ("10m", "1h30m"). Bare numbers are accepted as nanoseconds for
// compatibility with programmatically generated files.
type Duration struct {
	time.Duration
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a duration string or a number of
// nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(val)
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// Config represents the complete engine configuration.
type Config struct {
	Version  string         `json:"version"` // Semantic version for config compatibility checks
	HTTP     HTTPConfig     `json:"http"`
	NATS     NATSConfig     `json:"nats"`
	Storage  StorageConfig  `json:"storage"`
	Stream   StreamConfig   `json:"stream"`
	Bridge   BridgeConfig   `json:"bridge"`
	Yield    YieldConfig    `json:"yield"`
	Recovery RecoveryConfig `json:"recovery"`
	Monitor  MonitorConfig  `json:"monitor"`
}

// HTTPConfig defines the operational HTTP listener (metrics and health).
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// NATSConfig defines NATS connection settings. NATS is optional: when
// Enabled is false the engine runs with in-memory storage and discards
// events.
type NATSConfig struct {
	Enabled        bool     `json:"enabled"`
	URL            string   `json:"url,omitempty"`
	Name           string   `json:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Mode         string `json:"mode"`                    // memory or kv
	BucketPrefix string `json:"bucket_prefix,omitempty"` // KV bucket name prefix
}

// StreamConfig holds payment stream settings.
type StreamConfig struct {
	PaymentWindow   Duration `json:"payment_window"`
	PaymentInterval Duration `json:"payment_interval"`
	BatchRate       float64  `json:"batch_rate"`
	BatchBurst      int      `json:"batch_burst"`
	Operators       []string `json:"operators,omitempty"`
}

// Component maps the stream section onto the stream manager's config.
func (c StreamConfig) Component() stream.Config {
	return stream.Config{
		PaymentWindow:   c.PaymentWindow.Duration,
		PaymentInterval: c.PaymentInterval.Duration,
		BatchRate:       rate.Limit(c.BatchRate),
		BatchBurst:      c.BatchBurst,
		Operators:       c.Operators,
	}
}

// RetryConfig is the JSON form of a retry policy.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
	AddJitter    bool     `json:"add_jitter"`
}

func (c RetryConfig) policy() retry.Config {
	return retry.Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay.Duration,
		MaxDelay:     c.MaxDelay.Duration,
		Multiplier:   c.Multiplier,
		AddJitter:    c.AddJitter,
	}
}

func retryJSON(p retry.Config) RetryConfig {
	return RetryConfig{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: Duration{p.InitialDelay},
		MaxDelay:     Duration{p.MaxDelay},
		Multiplier:   p.Multiplier,
		AddJitter:    p.AddJitter,
	}
}

// ConfirmationTier maps an amount ceiling to required confirmations.
type ConfirmationTier struct {
	UpTo          uint64 `json:"up_to"`
	Confirmations int    `json:"confirmations"`
}

// BridgeConfig holds bridge adapter settings.
type BridgeConfig struct {
	BlockTime         Duration           `json:"block_time"`
	TimeoutMultiplier float64            `json:"timeout_multiplier"`
	FlatFee           uint64             `json:"flat_fee"`
	FeeBps            int64              `json:"fee_bps"`
	ConfirmationTiers []ConfirmationTier `json:"confirmation_tiers,omitempty"`
	MaxConfirmations  int                `json:"max_confirmations"`
	Retry             RetryConfig        `json:"retry"`
}

// Component maps the bridge section onto the bridge adapter's config.
func (c BridgeConfig) Component() bridge.Config {
	tiers := make([]bridge.ConfirmationTier, len(c.ConfirmationTiers))
	for i, t := range c.ConfirmationTiers {
		tiers[i] = bridge.ConfirmationTier{UpTo: t.UpTo, Confirmations: t.Confirmations}
	}
	return bridge.Config{
		BlockTime:         c.BlockTime.Duration,
		TimeoutMultiplier: c.TimeoutMultiplier,
		FlatFee:           c.FlatFee,
		FeeBps:            c.FeeBps,
		ConfirmationTiers: tiers,
		MaxConfirmations:  c.MaxConfirmations,
		RetryPolicy:       c.Retry.policy(),
	}
}

// ProtocolConfig declares a built-in yield protocol instance.
type ProtocolConfig struct {
	Name     string `json:"name"`
	RateBps  uint64 `json:"rate_bps"`
	MinStake uint64 `json:"min_stake"`
}

// YieldConfig holds yield manager settings and the protocols to register
// at startup.
type YieldConfig struct {
	ProtocolTimeout Duration         `json:"protocol_timeout"`
	Retry           RetryConfig      `json:"retry"`
	Protocols       []ProtocolConfig `json:"protocols,omitempty"`
}

// Component maps the yield section onto the yield manager's config.
func (c YieldConfig) Component() yield.Config {
	return yield.Config{
		ProtocolTimeout: c.ProtocolTimeout.Duration,
		Retry:           c.Retry.policy(),
	}
}

// RecoveryConfig holds error recovery settings.
type RecoveryConfig struct {
	Window    Duration `json:"window"`
	Operators []string `json:"operators,omitempty"`
}

// Component maps the recovery section onto the recovery manager's config.
func (c RecoveryConfig) Component() recovery.Config {
	return recovery.Config{
		Window:    c.Window.Duration,
		Operators: c.Operators,
	}
}

// MonitorConfig holds health monitor settings.
type MonitorConfig struct {
	Interval           Duration `json:"interval"`
	ErrorRateThreshold int      `json:"error_rate_threshold"`
}

// Component maps the monitor section onto the health monitor's config.
func (c MonitorConfig) Component() monitor.Config {
	return monitor.Config{
		Interval:           c.Interval.Duration,
		ErrorRateThreshold: c.ErrorRateThreshold,
	}
}

// DefaultConfig returns the built-in defaults: in-memory storage, no
// NATS, and each component's production defaults.
func DefaultConfig() *Config {
	streamDef := stream.DefaultConfig()
	bridgeDef := bridge.DefaultConfig()
	yieldDef := yield.DefaultConfig()
	recoveryDef := recovery.DefaultConfig()
	monitorDef := monitor.DefaultConfig()

	tiers := make([]ConfirmationTier, len(bridgeDef.ConfirmationTiers))
	for i, t := range bridgeDef.ConfirmationTiers {
		tiers[i] = ConfirmationTier{UpTo: t.UpTo, Confirmations: t.Confirmations}
	}

	return &Config{
		Version: "1.0.0",
		HTTP:    HTTPConfig{Addr: ":8222"},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			Name:           "bitflow",
			MaxReconnects:  -1,
			ConnectTimeout: Duration{5 * time.Second},
		},
		Storage: StorageConfig{
			Mode:         StorageModeMemory,
			BucketPrefix: "bitflow",
		},
		Stream: StreamConfig{
			PaymentWindow:   Duration{streamDef.PaymentWindow},
			PaymentInterval: Duration{streamDef.PaymentInterval},
			BatchRate:       float64(streamDef.BatchRate),
			BatchBurst:      streamDef.BatchBurst,
		},
		Bridge: BridgeConfig{
			BlockTime:         Duration{bridgeDef.BlockTime},
			TimeoutMultiplier: bridgeDef.TimeoutMultiplier,
			FlatFee:           bridgeDef.FlatFee,
			FeeBps:            bridgeDef.FeeBps,
			ConfirmationTiers: tiers,
			MaxConfirmations:  bridgeDef.MaxConfirmations,
			Retry:             retryJSON(bridgeDef.RetryPolicy),
		},
		Yield: YieldConfig{
			ProtocolTimeout: Duration{yieldDef.ProtocolTimeout},
			Retry:           retryJSON(yieldDef.Retry),
		},
		Recovery: RecoveryConfig{
			Window: Duration{recoveryDef.Window},
		},
		Monitor: MonitorConfig{
			Interval:           Duration{monitorDef.Interval},
			ErrorRateThreshold: monitorDef.ErrorRateThreshold,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Version == "" {
		return stderrors.New("version is required")
	}
	if _, _, _, err := parseSemVer(c.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}

	switch c.Storage.Mode {
	case StorageModeMemory, StorageModeKV:
	default:
		return fmt.Errorf("storage.mode must be %q or %q, got %q",
			StorageModeMemory, StorageModeKV, c.Storage.Mode)
	}
	if c.Storage.Mode == StorageModeKV && !c.NATS.Enabled {
		return stderrors.New("storage.mode kv requires nats.enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return stderrors.New("nats.url is required when nats.enabled")
	}

	if c.Stream.PaymentWindow.Duration <= 0 {
		return stderrors.New("stream.payment_window must be positive")
	}
	if c.Stream.PaymentInterval.Duration <= 0 {
		return stderrors.New("stream.payment_interval must be positive")
	}
	if c.Stream.BatchRate <= 0 || c.Stream.BatchBurst <= 0 {
		return stderrors.New("stream.batch_rate and stream.batch_burst must be positive")
	}

	if c.Bridge.BlockTime.Duration <= 0 {
		return stderrors.New("bridge.block_time must be positive")
	}
	if c.Bridge.TimeoutMultiplier < 1 {
		return stderrors.New("bridge.timeout_multiplier must be at least 1")
	}
	if c.Bridge.FeeBps < 0 || c.Bridge.FeeBps >= 10_000 {
		return stderrors.New("bridge.fee_bps must be in [0, 10000)")
	}
	var prev uint64
	for i, tier := range c.Bridge.ConfirmationTiers {
		if tier.Confirmations <= 0 {
			return fmt.Errorf("bridge.confirmation_tiers[%d]: confirmations must be positive", i)
		}
		if tier.UpTo <= prev {
			return fmt.Errorf("bridge.confirmation_tiers[%d]: ceilings must be strictly ascending", i)
		}
		prev = tier.UpTo
	}
	if c.Bridge.MaxConfirmations <= 0 {
		return stderrors.New("bridge.max_confirmations must be positive")
	}

	if c.Yield.ProtocolTimeout.Duration <= 0 {
		return stderrors.New("yield.protocol_timeout must be positive")
	}
	seen := make(map[string]bool)
	for i, p := range c.Yield.Protocols {
		if p.Name == "" {
			return fmt.Errorf("yield.protocols[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("yield.protocols[%d]: duplicate protocol %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.RateBps == 0 {
			return fmt.Errorf("yield.protocols[%d]: rate_bps must be positive", i)
		}
	}

	if c.Recovery.Window.Duration <= 0 {
		return stderrors.New("recovery.window must be positive")
	}
	if c.Monitor.Interval.Duration <= 0 {
		return stderrors.New("monitor.interval must be positive")
	}
	if c.Monitor.ErrorRateThreshold <= 0 {
		return stderrors.New("monitor.error_rate_threshold must be positive")
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns an indented JSON rendering of the configuration.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config{version:%s}", c.Version)
	}
	return string(data)
}

// Load reads the JSON file at path, layers it over DefaultConfig,
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Environment overrides, applied after file parsing. Only the deploy-time
// knobs that commonly differ between environments are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BITFLOW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("BITFLOW_STORAGE_MODE"); v != "" {
		cfg.Storage.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("BITFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return safeWriteFile(path, data)
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return stderrors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// CompareVersions compares two semantic versions. Returns -1 if v1 < v2,
// 0 if equal, 1 if v1 > v2.
func CompareVersions(v1, v2 string) (int, error) {
	maj1, min1, pat1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v1, err)
	}
	maj2, min2, pat2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", v2, err)
	}

	switch {
	case maj1 != maj2:
		return sign(maj1 - maj2), nil
	case min1 != min2:
		return sign(min1 - min2), nil
	default:
		return sign(pat1 - pat2), nil
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func parseSemVer(version string) (major, minor, patch int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(version, "v"), ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected major.minor.patch, got %q", version)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version component %q", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
