package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/collateral"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/lending"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/native/liquidation"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/observability/otel"
	"github.com/Bastion-Protocol/domainfi-bastion-sub000/relayer"
)

// Config is the node configuration loaded from config.toml.
type Config struct {
	ListenAddress    string   `toml:"ListenAddress"`
	DataDir          string   `toml:"DataDir"`
	JournalPath      string   `toml:"JournalPath"`
	OracleConfigFile string   `toml:"OracleConfigFile"`
	Environment      string   `toml:"Environment"`
	LogLevel         string   `toml:"LogLevel"`
	PausedModules    []string `toml:"PausedModules"`

	Origin      OriginConfig      `toml:"origin"`
	Risk        RiskConfig        `toml:"risk"`
	Interest    InterestConfig    `toml:"interest"`
	Liquidation LiquidationConfig `toml:"liquidation"`
	Relay       RelayConfig       `toml:"relay"`
	Security    SecurityConfig    `toml:"rpc_security"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// OriginConfig points the relayer at the origin chain custody registry.
type OriginConfig struct {
	RPCURL              string `toml:"RPCURL"`
	CustodyContract     string `toml:"CustodyContract"`
	Confirmations       uint64 `toml:"Confirmations"`
	PollIntervalSeconds uint64 `toml:"PollIntervalSeconds"`
	StartHeight         uint64 `toml:"StartHeight"`
}

// RiskConfig carries the collateral safety limits in basis points.
type RiskConfig struct {
	MaxLTVBps               uint64 `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
}

// InterestConfig parameterises the kinked borrow rate curve. Rates are
// annualised fractions, Kink is a utilisation fraction in [0, 1].
type InterestConfig struct {
	BaseRate         float64 `toml:"BaseRate"`
	Slope1           float64 `toml:"Slope1"`
	Slope2           float64 `toml:"Slope2"`
	Kink             float64 `toml:"Kink"`
	ReserveFactorBps uint64  `toml:"ReserveFactorBps"`
}

// LiquidationConfig bounds a single liquidation call.
type LiquidationConfig struct {
	MaxLiquidationRatioBps uint64 `toml:"MaxLiquidationRatioBps"`
	LiquidationBonusBps    uint64 `toml:"LiquidationBonusBps"`
}

// RelayConfig tunes the custody event retry schedule.
type RelayConfig struct {
	RetryBaseMillis int     `toml:"RetryBaseMillis"`
	RetryMaxMillis  int     `toml:"RetryMaxMillis"`
	MaxAttempts     int     `toml:"MaxAttempts"`
	JitterFraction  float64 `toml:"JitterFraction"`
}

// SecurityConfig authenticates RPC writers. The shared secret may be
// inlined, pulled from an environment variable, or read from a file;
// the first populated source wins in that order.
type SecurityConfig struct {
	AuthSecret     string  `toml:"AuthSecret"`
	AuthSecretEnv  string  `toml:"AuthSecretEnv"`
	AuthSecretFile string  `toml:"AuthSecretFile"`
	RatePerSecond  float64 `toml:"RatePerSecond"`
	RateBurst      int     `toml:"RateBurst"`
}

// TelemetryConfig mirrors the OTLP exporter knobs.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Load reads the configuration from path, creating a commented default
// file when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:    ":8080",
		DataDir:          "./bastion-data",
		OracleConfigFile: "./oracle.yaml",
		Environment:      "dev",
		LogLevel:         "info",
		Origin: OriginConfig{
			Confirmations:       6,
			PollIntervalSeconds: 15,
		},
		Risk: RiskConfig{
			MaxLTVBps:               7000,
			LiquidationThresholdBps: 7500,
		},
		Interest: InterestConfig{
			BaseRate:         0.02,
			Slope1:           0.15,
			Slope2:           0.60,
			Kink:             0.80,
			ReserveFactorBps: 1000,
		},
		Liquidation: LiquidationConfig{
			MaxLiquidationRatioBps: 5000,
			LiquidationBonusBps:    1000,
		},
		Relay: RelayConfig{
			RetryBaseMillis: 500,
			RetryMaxMillis:  30_000,
			MaxAttempts:     5,
			JitterFraction:  0.2,
		},
		Security: SecurityConfig{
			AuthSecretEnv: "BASTIOND_RPC_SECRET",
			RatePerSecond: 20,
			RateBurst:     40,
		},
	}
}

func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = filepath.Join(c.DataDir, "relay.db")
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = def.Environment
	}
	if c.Origin.Confirmations == 0 {
		c.Origin.Confirmations = def.Origin.Confirmations
	}
	if c.Origin.PollIntervalSeconds == 0 {
		c.Origin.PollIntervalSeconds = def.Origin.PollIntervalSeconds
	}
	if c.Risk.MaxLTVBps == 0 && c.Risk.LiquidationThresholdBps == 0 {
		c.Risk = def.Risk
	}
	if c.Interest == (InterestConfig{}) {
		c.Interest = def.Interest
	}
	if c.Liquidation == (LiquidationConfig{}) {
		c.Liquidation = def.Liquidation
	}
	if c.Relay == (RelayConfig{}) {
		c.Relay = def.Relay
	}
	if c.Security.RatePerSecond <= 0 {
		c.Security.RatePerSecond = def.Security.RatePerSecond
	}
	if c.Security.RateBurst <= 0 {
		c.Security.RateBurst = def.Security.RateBurst
	}
}

// Validate rejects configurations the engines would refuse at startup.
func (c *Config) Validate() error {
	if err := c.RiskParameters().Validate(); err != nil {
		return err
	}
	if err := c.LiquidationParams().Validate(); err != nil {
		return err
	}
	if c.Interest.BaseRate < 0 || c.Interest.Slope1 < 0 || c.Interest.Slope2 < 0 {
		return fmt.Errorf("config: interest rates must be non-negative")
	}
	if c.Interest.Kink <= 0 || c.Interest.Kink > 1 {
		return fmt.Errorf("config: interest kink %v outside (0, 1]", c.Interest.Kink)
	}
	if c.Interest.ReserveFactorBps > 10_000 {
		return fmt.Errorf("config: reserve factor %d exceeds 10000 bps", c.Interest.ReserveFactorBps)
	}
	if contract := strings.TrimSpace(c.Origin.CustodyContract); contract != "" && !ethcommon.IsHexAddress(contract) {
		return fmt.Errorf("config: origin custody contract %q is not a hex address", contract)
	}
	return nil
}

// RiskParameters converts the risk section for the collateral manager.
func (c *Config) RiskParameters() collateral.RiskParameters {
	return collateral.RiskParameters{
		MaxLTVBps:               c.Risk.MaxLTVBps,
		LiquidationThresholdBps: c.Risk.LiquidationThresholdBps,
	}
}

// InterestModel materialises the configured rate curve.
func (c *Config) InterestModel() *lending.InterestModel {
	return lending.NewInterestModel(c.Interest.BaseRate, c.Interest.Slope1, c.Interest.Slope2, c.Interest.Kink)
}

// LiquidationParams converts the liquidation section.
func (c *Config) LiquidationParams() liquidation.Params {
	return liquidation.Params{
		MaxLiquidationRatioBps: c.Liquidation.MaxLiquidationRatioBps,
		LiquidationBonusBps:    c.Liquidation.LiquidationBonusBps,
	}
}

// RetryPolicy converts the relay section.
func (c *Config) RetryPolicy() relayer.RetryPolicy {
	return relayer.RetryPolicy{
		BaseDelay:      time.Duration(c.Relay.RetryBaseMillis) * time.Millisecond,
		MaxDelay:       time.Duration(c.Relay.RetryMaxMillis) * time.Millisecond,
		MaxAttempts:    c.Relay.MaxAttempts,
		JitterFraction: c.Relay.JitterFraction,
	}
}

// WatcherConfig converts the origin section. The caller decides whether
// an empty contract disables the watcher.
func (c *Config) WatcherConfig() relayer.WatcherConfig {
	return relayer.WatcherConfig{
		Contract:      ethcommon.HexToAddress(strings.TrimSpace(c.Origin.CustodyContract)),
		Confirmations: c.Origin.Confirmations,
		PollInterval:  time.Duration(c.Origin.PollIntervalSeconds) * time.Second,
		StartHeight:   c.Origin.StartHeight,
	}
}

// OtelConfig converts the telemetry section.
func (c *Config) OtelConfig() otel.Config {
	return otel.Config{
		Endpoint: c.Telemetry.Endpoint,
		Insecure: c.Telemetry.Insecure,
		Headers:  c.Telemetry.Headers,
		Traces:   c.Telemetry.Traces,
		Metrics:  c.Telemetry.Metrics,
	}
}

// ResolveAuthSecret yields the RPC shared secret, preferring the inline
// value, then the environment variable, then the secret file.
func (c *Config) ResolveAuthSecret() (string, error) {
	if secret := strings.TrimSpace(c.Security.AuthSecret); secret != "" {
		return secret, nil
	}
	if env := strings.TrimSpace(c.Security.AuthSecretEnv); env != "" {
		if secret := strings.TrimSpace(os.Getenv(env)); secret != "" {
			return secret, nil
		}
	}
	if file := strings.TrimSpace(c.Security.AuthSecretFile); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("config: read auth secret file: %w", err)
		}
		if secret := strings.TrimSpace(string(raw)); secret != "" {
			return secret, nil
		}
	}
	return "", nil
}
