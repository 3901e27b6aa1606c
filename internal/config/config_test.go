package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggonzalez94/routex/internal/settlement"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	for _, key := range []string{"ROUTEX_CONFIG", "ROUTEX_OUTPUT", "ROUTEX_TIMEOUT", "ROUTEX_LIFI_API_KEY", "ROUTEX_POLL_INTERVAL", "ROUTEX_SETTLEMENT_TIMEOUT_POLICY", "ROUTEX_LOG_LEVEL", "ROUTEX_TEST_LIFI_KEY"} {
		t.Setenv(key, "")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "json" || settings.Retries != 2 || settings.LogLevel != "warn" {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	if settings.PollInterval != 5*time.Second || settings.PollAttempts != 60 || settings.RateAcceptTimeout != 30*time.Second {
		t.Fatalf("unexpected execution defaults %+v", settings)
	}
	if settings.SettlementPolicy != settlement.PolicyFail {
		t.Fatalf("expected fail policy by default, got %s", settings.SettlementPolicy)
	}
	if settings.JournalPath != filepath.Join(dir, "cache", "routex", "journal.db") {
		t.Fatalf("unexpected journal path %s", settings.JournalPath)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)
	cfgPath := filepath.Join(dir, "routex.yaml")
	yaml := `
output: plain
timeout: 3s
log_level: info
lifi:
  api_key_env: ROUTEX_TEST_LIFI_KEY
  integrator: my-app
rpc:
  "8453": https://base.example
execution:
  poll_interval: 2s
  poll_attempts: 10
  settlement_timeout_policy: continue
  slippage: 0.01
smart_account:
  bundler_url: https://bundler.example/{chainId}
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROUTEX_TEST_LIFI_KEY", "from-file-env")
	t.Setenv("ROUTEX_TIMEOUT", "7s")
	t.Setenv("ROUTEX_POLL_INTERVAL", "1s")

	settings, err := Load(GlobalFlags{ConfigPath: cfgPath, JSON: true, Timeout: "9s", Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "json" {
		t.Fatalf("flag must win over file, got %s", settings.OutputMode)
	}
	if settings.Timeout != 9*time.Second {
		t.Fatalf("flag timeout must win, got %s", settings.Timeout)
	}
	if settings.PollInterval != time.Second {
		t.Fatalf("env must win over file, got %s", settings.PollInterval)
	}
	if settings.PollAttempts != 10 || settings.SettlementPolicy != settlement.PolicyContinue || settings.Slippage != 0.01 {
		t.Fatalf("unexpected execution settings %+v", settings)
	}
	if settings.LiFiAPIKey != "from-file-env" || settings.LiFiIntegrator != "my-app" {
		t.Fatalf("unexpected lifi settings %+v", settings)
	}
	if settings.RPCOverrides[8453] != "https://base.example" {
		t.Fatalf("unexpected rpc overrides %+v", settings.RPCOverrides)
	}
	if settings.BundlerURL != "https://bundler.example/{chainId}" || settings.LogLevel != "info" {
		t.Fatalf("unexpected settings %+v", settings)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("ROUTEX_LIFI_API_KEY=dotenv-key\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("ROUTEX_LIFI_API_KEY") })
	_ = os.Unsetenv("ROUTEX_LIFI_API_KEY")

	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.LiFiAPIKey != "dotenv-key" {
		t.Fatalf("expected key from .env, got %q", settings.LiFiAPIKey)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1}); err == nil {
		t.Fatal("expected --json/--plain conflict")
	}
	if _, err := Load(GlobalFlags{LogLevel: "loud", Retries: -1}); err == nil {
		t.Fatal("expected invalid log level")
	}
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte("rpc:\n  base: https://x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(GlobalFlags{ConfigPath: cfgPath, Retries: -1}); err == nil {
		t.Fatal("expected invalid rpc chain id")
	}
}
