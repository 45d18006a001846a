package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "0.0.0.0:9000"
DataDir = "./data"
OracleConfigFile = "./oracle.yaml"
Environment = "staging"
LogLevel = "debug"
PausedModules = ["lending"]

[origin]
RPCURL = "https://origin.example/rpc"
CustodyContract = "0x00000000000000000000000000000000000000aa"
Confirmations = 12
PollIntervalSeconds = 5
StartHeight = 1000

[risk]
MaxLTVBps = 6000
LiquidationThresholdBps = 6500

[interest]
BaseRate = 0.01
Slope1 = 0.1
Slope2 = 0.5
Kink = 0.9
ReserveFactorBps = 2000

[liquidation]
MaxLiquidationRatioBps = 4000
LiquidationBonusBps = 500

[relay]
RetryBaseMillis = 250
RetryMaxMillis = 10000
MaxAttempts = 7
JitterFraction = 0.1

[rpc_security]
AuthSecret = "swordfish"
RatePerSecond = 5.0
RateBurst = 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Fatalf("listen address: got %q", cfg.ListenAddress)
	}
	if cfg.JournalPath != filepath.Join("./data", "relay.db") {
		t.Fatalf("journal path default: got %q", cfg.JournalPath)
	}
	if got := cfg.RiskParameters(); got.MaxLTVBps != 6000 || got.LiquidationThresholdBps != 6500 {
		t.Fatalf("risk params: got %+v", got)
	}
	if got := cfg.RetryPolicy(); got.BaseDelay != 250*time.Millisecond || got.MaxAttempts != 7 {
		t.Fatalf("retry policy: got %+v", got)
	}
	watcher := cfg.WatcherConfig()
	if watcher.Confirmations != 12 || watcher.PollInterval != 5*time.Second || watcher.StartHeight != 1000 {
		t.Fatalf("watcher config: got %+v", watcher)
	}
	secret, err := cfg.ResolveAuthSecret()
	if err != nil {
		t.Fatalf("resolve auth secret: %v", err)
	}
	if secret != "swordfish" {
		t.Fatalf("auth secret: got %q", secret)
	}
}

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Risk.LiquidationThresholdBps <= cfg.Risk.MaxLTVBps {
		t.Fatalf("default threshold %d must exceed max LTV %d", cfg.Risk.LiquidationThresholdBps, cfg.Risk.MaxLTVBps)
	}
}

func TestLoadRejectsInvertedRiskParameters(t *testing.T) {
	path := writeConfig(t, `[risk]
MaxLTVBps = 7500
LiquidationThresholdBps = 7000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected inverted risk parameters to fail")
	}
}

func TestLoadRejectsBadCustodyContract(t *testing.T) {
	path := writeConfig(t, `[origin]
CustodyContract = "not-an-address"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid contract address to fail")
	}
}

func TestResolveAuthSecretFromEnvAndFile(t *testing.T) {
	t.Setenv("BASTION_TEST_SECRET", "from-env")
	cfg := &Config{Security: SecurityConfig{AuthSecretEnv: "BASTION_TEST_SECRET"}}
	secret, err := cfg.ResolveAuthSecret()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if secret != "from-env" {
		t.Fatalf("env secret: got %q", secret)
	}

	file := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(file, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}
	cfg = &Config{Security: SecurityConfig{AuthSecretFile: file}}
	secret, err = cfg.ResolveAuthSecret()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if secret != "from-file" {
		t.Fatalf("file secret: got %q", secret)
	}
}
