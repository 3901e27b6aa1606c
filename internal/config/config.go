package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/routex/internal/settlement"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	LogLevel       string
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	JournalPath    string
	JournalLock    string

	LiFiBaseURL    string
	LiFiAPIKey     string
	LiFiIntegrator string

	RPCOverrides map[int64]string

	PollInterval      time.Duration
	PollAttempts      int
	RateAcceptTimeout time.Duration
	SettlementPolicy  settlement.Policy
	Slippage          float64
	ReceiptTimeout    time.Duration
	GasMultiplier     float64

	BundlerURL          string
	EntryPoint          string
	SmartAccountAddress string
}

type fileConfig struct {
	Output   string `yaml:"output"`
	Timeout  string `yaml:"timeout"`
	Retries  *int   `yaml:"retries"`
	LogLevel string `yaml:"log_level"`
	Cache    struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Journal struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"journal"`
	LiFi struct {
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		APIKeyEnv  string `yaml:"api_key_env"`
		Integrator string `yaml:"integrator"`
	} `yaml:"lifi"`
	RPC       map[string]string `yaml:"rpc"`
	Execution struct {
		PollInterval            string   `yaml:"poll_interval"`
		PollAttempts            *int     `yaml:"poll_attempts"`
		RateAcceptTimeout       string   `yaml:"rate_accept_timeout"`
		SettlementTimeoutPolicy string   `yaml:"settlement_timeout_policy"`
		Slippage                *float64 `yaml:"slippage"`
		ReceiptTimeout          string   `yaml:"receipt_timeout"`
		GasMultiplier           *float64 `yaml:"gas_multiplier"`
	} `yaml:"execution"`
	SmartAccount struct {
		BundlerURL string `yaml:"bundler_url"`
		EntryPoint string `yaml:"entry_point"`
		Address    string `yaml:"address"`
	} `yaml:"smart_account"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadDotEnv(".env"); err != nil {
		return Settings{}, err
	}
	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = settlement.DefaultInterval
	}
	if settings.PollAttempts <= 0 {
		settings.PollAttempts = settlement.DefaultMaxAttempts
	}
	if settings.RateAcceptTimeout <= 0 {
		settings.RateAcceptTimeout = 30 * time.Second
	}
	if settings.Slippage <= 0 || settings.Slippage >= 1 {
		settings.Slippage = 0.005
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		LogLevel:          "warn",
		MaxStale:          5 * time.Minute,
		CacheEnabled:      true,
		CachePath:         cachePath,
		CacheLockPath:     lockPath,
		JournalPath:       filepath.Join(cacheDir, "journal.db"),
		JournalLock:       filepath.Join(cacheDir, "journal.lock"),
		RPCOverrides:      map[int64]string{},
		PollInterval:      settlement.DefaultInterval,
		PollAttempts:      settlement.DefaultMaxAttempts,
		RateAcceptTimeout: 30 * time.Second,
		SettlementPolicy:  settlement.PolicyFail,
		Slippage:          0.005,
		ReceiptTimeout:    5 * time.Minute,
		GasMultiplier:     1.2,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("ROUTEX_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "routex", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "routex")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

// loadDotEnv exports the variables of path without overriding the process
// environment. A missing file is fine.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Journal.Path != "" {
		settings.JournalPath = cfg.Journal.Path
	}
	if cfg.Journal.LockPath != "" {
		settings.JournalLock = cfg.Journal.LockPath
	}

	if cfg.LiFi.BaseURL != "" {
		settings.LiFiBaseURL = cfg.LiFi.BaseURL
	}
	if cfg.LiFi.APIKey != "" {
		settings.LiFiAPIKey = cfg.LiFi.APIKey
	}
	if cfg.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.LiFi.APIKeyEnv)
	}
	if cfg.LiFi.Integrator != "" {
		settings.LiFiIntegrator = cfg.LiFi.Integrator
	}

	for key, url := range cfg.RPC {
		chainID, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || chainID <= 0 {
			return fmt.Errorf("config rpc: invalid chain id %q", key)
		}
		if strings.TrimSpace(url) != "" {
			settings.RPCOverrides[chainID] = strings.TrimSpace(url)
		}
	}

	exec := cfg.Execution
	if exec.PollInterval != "" {
		d, err := time.ParseDuration(exec.PollInterval)
		if err != nil {
			return fmt.Errorf("config execution.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if exec.PollAttempts != nil {
		settings.PollAttempts = *exec.PollAttempts
	}
	if exec.RateAcceptTimeout != "" {
		d, err := time.ParseDuration(exec.RateAcceptTimeout)
		if err != nil {
			return fmt.Errorf("config execution.rate_accept_timeout: %w", err)
		}
		settings.RateAcceptTimeout = d
	}
	if exec.SettlementTimeoutPolicy != "" {
		policy, err := settlement.ParsePolicy(exec.SettlementTimeoutPolicy)
		if err != nil {
			return fmt.Errorf("config execution.settlement_timeout_policy: %w", err)
		}
		settings.SettlementPolicy = policy
	}
	if exec.Slippage != nil {
		settings.Slippage = *exec.Slippage
	}
	if exec.ReceiptTimeout != "" {
		d, err := time.ParseDuration(exec.ReceiptTimeout)
		if err != nil {
			return fmt.Errorf("config execution.receipt_timeout: %w", err)
		}
		settings.ReceiptTimeout = d
	}
	if exec.GasMultiplier != nil {
		settings.GasMultiplier = *exec.GasMultiplier
	}

	if cfg.SmartAccount.BundlerURL != "" {
		settings.BundlerURL = cfg.SmartAccount.BundlerURL
	}
	if cfg.SmartAccount.EntryPoint != "" {
		settings.EntryPoint = cfg.SmartAccount.EntryPoint
	}
	if cfg.SmartAccount.Address != "" {
		settings.SmartAccountAddress = cfg.SmartAccount.Address
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("ROUTEX_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("ROUTEX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("ROUTEX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("ROUTEX_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("ROUTEX_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("ROUTEX_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("ROUTEX_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("ROUTEX_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("ROUTEX_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("ROUTEX_JOURNAL_PATH"); v != "" {
		settings.JournalPath = v
	}
	if v := os.Getenv("ROUTEX_JOURNAL_LOCK_PATH"); v != "" {
		settings.JournalLock = v
	}
	if v := os.Getenv("ROUTEX_LIFI_BASE_URL"); v != "" {
		settings.LiFiBaseURL = v
	}
	if v := os.Getenv("ROUTEX_LIFI_API_KEY"); v != "" {
		settings.LiFiAPIKey = v
	}
	if v := os.Getenv("ROUTEX_LIFI_INTEGRATOR"); v != "" {
		settings.LiFiIntegrator = v
	}
	if v := os.Getenv("ROUTEX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("ROUTEX_POLL_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.PollAttempts = n
		}
	}
	if v := os.Getenv("ROUTEX_RATE_ACCEPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RateAcceptTimeout = d
		}
	}
	if v := os.Getenv("ROUTEX_SETTLEMENT_TIMEOUT_POLICY"); v != "" {
		if p, err := settlement.ParsePolicy(v); err == nil {
			settings.SettlementPolicy = p
		}
	}
	if v := os.Getenv("ROUTEX_SLIPPAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.Slippage = f
		}
	}
	if v := os.Getenv("ROUTEX_BUNDLER_URL"); v != "" {
		settings.BundlerURL = v
	}
	if v := os.Getenv("ROUTEX_ENTRY_POINT"); v != "" {
		settings.EntryPoint = v
	}
	if v := os.Getenv("ROUTEX_SMART_ACCOUNT"); v != "" {
		settings.SmartAccountAddress = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = strings.ToLower(strings.TrimSpace(flags.LogLevel))
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
