package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pushchain/anchor-relayer/relayer/constant"
)

//go:embed default_config.json
var defaultConfigJSON []byte

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg *Config) error {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 9955
	}
	if cfg.API.ReadTimeoutSecs == 0 {
		cfg.API.ReadTimeoutSecs = 15
	}
	if cfg.API.WriteTimeoutSecs == 0 {
		cfg.API.WriteTimeoutSecs = 15
	}

	// Signing defaults
	if cfg.Signing.Backend == "" {
		cfg.Signing.Backend = constant.SignerRemote
	}
	if cfg.Signing.TimeoutSeconds == 0 {
		cfg.Signing.TimeoutSeconds = 30
	}
	if cfg.Signing.MaxRetries == 0 {
		cfg.Signing.MaxRetries = 3
	}
	if len(cfg.Signing.ResourceKeys) > 0 {
		normalized := make(map[string]string, len(cfg.Signing.ResourceKeys))
		for k, v := range cfg.Signing.ResourceKeys {
			normalized[strings.ToLower(k)] = v
		}
		cfg.Signing.ResourceKeys = normalized
	}

	// Registry defaults
	if cfg.Registry.Mode == "" {
		cfg.Registry.Mode = constant.RegistryStatic
	}
	if cfg.Registry.CacheTTLSeconds == 0 {
		cfg.Registry.CacheTTLSeconds = 300
	}
	if cfg.Registry.CacheSize == 0 {
		cfg.Registry.CacheSize = 1024
	}

	// Queue defaults
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 3
	}
	if cfg.Queue.ConfirmIntervalSeconds == 0 {
		cfg.Queue.ConfirmIntervalSeconds = 6
	}
	if cfg.Queue.BackoffBaseMillis == 0 {
		cfg.Queue.BackoffBaseMillis = 500
	}
	if cfg.Queue.BackoffMaxSeconds == 0 {
		cfg.Queue.BackoffMaxSeconds = 60
	}
	if cfg.Queue.MaxNotFoundRetries == 0 {
		cfg.Queue.MaxNotFoundRetries = 10
	}
	if cfg.Queue.FeeCacheTTLSeconds == 0 {
		cfg.Queue.FeeCacheTTLSeconds = 60
	}

	for key, chain := range cfg.EVMChains {
		id := resolveChainID(key, chain.ChainID)
		if id == 0 {
			return chainKeyError("evm", key)
		}
		chain.ChainID = id
		if chain.BlockConfirmations == 0 {
			chain.BlockConfirmations = 12
		}
		if chain.PollIntervalSeconds == 0 {
			chain.PollIntervalSeconds = 7
		}
		if chain.MaxBlockRange == 0 {
			chain.MaxBlockRange = 1000
		}
		if chain.RPCTimeoutSeconds == 0 {
			chain.RPCTimeoutSeconds = 10
		}
		if chain.GasLimit == 0 {
			chain.GasLimit = 1_000_000
		}
		if chain.MaxRefund == "" {
			chain.MaxRefund = "0"
		}
		cfg.EVMChains[key] = chain
	}

	for key, chain := range cfg.SubstrateChains {
		id := resolveChainID(key, chain.ChainID)
		if id == 0 {
			return chainKeyError("substrate", key)
		}
		chain.ChainID = id
		if chain.BlockConfirmations == 0 {
			chain.BlockConfirmations = 2
		}
		if chain.PollIntervalSeconds == 0 {
			chain.PollIntervalSeconds = 6
		}
		if chain.RPCTimeoutSeconds == 0 {
			chain.RPCTimeoutSeconds = 10
		}
		cfg.SubstrateChains[key] = chain
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Signing.Backend == constant.SignerMock && !cfg.AllowMockSigner {
		return fmt.Errorf("mock signing backend requires allow_mock_signer")
	}
	return nil
}

// Validate applies defaults and validates the config in place.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeDir>/config/relayer_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads, defaults and validates the config from <BasePath>/config/relayer_config.json.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}
