package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath          string
	BackendURL          string
	Timeout             string
	Retries             int
	PollingInterval     string
	MaxPollingAttempts  int
	HasMaxPollAttempts  bool
	NoGasFeeEstimations bool
	WebSocketURL        string
	NoWebSocket         bool
	NoHistory           bool
	KeySource           string
}

type Chain struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	RPCURL string `yaml:"rpc_url"`
}

type Settings struct {
	BackendURL           string
	Timeout              time.Duration
	Retries              int
	PollingInterval      time.Duration
	MaxPollingAttempts   int
	HasMaxPollAttempts   bool
	UseGasFeeEstimations bool
	WebSocketEnabled     bool
	WebSocketURL         string
	Chains               []Chain
	HistoryEnabled       bool
	HistoryPath          string
	HistoryLockPath      string
	KeySource            string
}

type fileConfig struct {
	Backend struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		Retries *int   `yaml:"retries"`
	} `yaml:"backend"`
	Polling struct {
		Interval    string `yaml:"interval"`
		MaxAttempts *int   `yaml:"max_attempts"`
	} `yaml:"polling"`
	Gas struct {
		UseFeeEstimations *bool `yaml:"use_fee_estimations"`
	} `yaml:"gas"`
	WebSocket struct {
		Enabled *bool  `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"websocket"`
	History struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"history"`
	Chains []Chain `yaml:"chains"`
	Wallet struct {
		KeySource string `yaml:"key_source"`
	} `yaml:"wallet"`
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

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.PollingInterval <= 0 {
		settings.PollingInterval = 5 * time.Second
	}
	if settings.WebSocketURL == "" {
		settings.WebSocketEnabled = false
	}
	return settings, nil
}

func defaultSettings() (Settings, error) {
	historyPath, lockPath, err := defaultHistoryPaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		BackendURL:           "https://api.relay.link",
		Timeout:              10 * time.Second,
		Retries:              2,
		PollingInterval:      5 * time.Second,
		UseGasFeeEstimations: true,
		HistoryEnabled:       true,
		HistoryPath:          historyPath,
		HistoryLockPath:      lockPath,
		KeySource:            "auto",
		Chains: []Chain{
			{ID: 1, Name: "ethereum"},
			{ID: 10, Name: "optimism"},
			{ID: 137, Name: "polygon"},
			{ID: 8453, Name: "base"},
			{ID: 42161, Name: "arbitrum"},
		},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "planexec", "config.yaml"), nil
}

func defaultHistoryPaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "planexec")
	return filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"), nil
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

	if cfg.Backend.URL != "" {
		settings.BackendURL = cfg.Backend.URL
	}
	if cfg.Backend.Timeout != "" {
		d, err := time.ParseDuration(cfg.Backend.Timeout)
		if err != nil {
			return fmt.Errorf("config backend.timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Backend.Retries != nil {
		settings.Retries = *cfg.Backend.Retries
	}
	if cfg.Polling.Interval != "" {
		d, err := time.ParseDuration(cfg.Polling.Interval)
		if err != nil {
			return fmt.Errorf("config polling.interval: %w", err)
		}
		settings.PollingInterval = d
	}
	if cfg.Polling.MaxAttempts != nil {
		settings.MaxPollingAttempts = *cfg.Polling.MaxAttempts
		settings.HasMaxPollAttempts = true
	}
	if cfg.Gas.UseFeeEstimations != nil {
		settings.UseGasFeeEstimations = *cfg.Gas.UseFeeEstimations
	}
	if cfg.WebSocket.Enabled != nil {
		settings.WebSocketEnabled = *cfg.WebSocket.Enabled
	}
	if cfg.WebSocket.URL != "" {
		settings.WebSocketURL = cfg.WebSocket.URL
	}
	if cfg.History.Enabled != nil {
		settings.HistoryEnabled = *cfg.History.Enabled
	}
	if cfg.History.Path != "" {
		settings.HistoryPath = cfg.History.Path
	}
	if cfg.History.LockPath != "" {
		settings.HistoryLockPath = cfg.History.LockPath
	}
	if len(cfg.Chains) > 0 {
		settings.Chains = mergeChains(settings.Chains, cfg.Chains)
	}
	if cfg.Wallet.KeySource != "" {
		settings.KeySource = cfg.Wallet.KeySource
	}
	return nil
}

// mergeChains keeps the default chain list and lets the file add chains or
// override rpc urls for known ids.
func mergeChains(defaults, overrides []Chain) []Chain {
	out := append([]Chain(nil), defaults...)
	for _, override := range overrides {
		found := false
		for i := range out {
			if out[i].ID == override.ID {
				if override.Name != "" {
					out[i].Name = override.Name
				}
				if override.RPCURL != "" {
					out[i].RPCURL = override.RPCURL
				}
				found = true
				break
			}
		}
		if !found {
			out = append(out, override)
		}
	}
	return out
}

func applyEnv(settings *Settings) {
	if v := strings.TrimSpace(os.Getenv("PLANEXEC_BACKEND_URL")); v != "" {
		settings.BackendURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PLANEXEC_WEBSOCKET_URL")); v != "" {
		settings.WebSocketURL = v
		settings.WebSocketEnabled = true
	}
	if v := strings.TrimSpace(os.Getenv("PLANEXEC_MAX_POLLING_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			settings.MaxPollingAttempts = n
			settings.HasMaxPollAttempts = true
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.BackendURL != "" {
		settings.BackendURL = flags.BackendURL
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
	if flags.PollingInterval != "" {
		d, err := time.ParseDuration(flags.PollingInterval)
		if err != nil {
			return fmt.Errorf("parse --polling-interval: %w", err)
		}
		settings.PollingInterval = d
	}
	if flags.HasMaxPollAttempts {
		settings.MaxPollingAttempts = flags.MaxPollingAttempts
		settings.HasMaxPollAttempts = true
	}
	if flags.NoGasFeeEstimations {
		settings.UseGasFeeEstimations = false
	}
	if flags.WebSocketURL != "" {
		settings.WebSocketURL = flags.WebSocketURL
		settings.WebSocketEnabled = true
	}
	if flags.NoWebSocket {
		settings.WebSocketEnabled = false
	}
	if flags.NoHistory {
		settings.HistoryEnabled = false
	}
	if flags.KeySource != "" {
		settings.KeySource = flags.KeySource
	}
	return nil
}

// ChainByID looks a configured chain up by id.
func (s Settings) ChainByID(id int64) (Chain, bool) {
	for _, c := range s.Chains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

// ChainNames returns the id -> name map the engine validates against.
func (s Settings) ChainNames() map[int64]string {
	out := make(map[int64]string, len(s.Chains))
	for _, c := range s.Chains {
		out[c.ID] = c.Name
	}
	return out
}

// RPCURLs returns the id -> rpc url map for chains that have one.
func (s Settings) RPCURLs() map[int64]string {
	out := map[int64]string{}
	for _, c := range s.Chains {
		if strings.TrimSpace(c.RPCURL) != "" {
			out[c.ID] = c.RPCURL
		}
	}
	return out
}
