package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level" validate:"min=-1,max=5"` // zerolog levels, -1 = trace
	LogFormat  string `json:"log_format" validate:"oneof=json console"`
	LogSampler bool   `json:"log_sampler"`

	// Node Config
	NodeHome string `json:"node_home"`

	// Query API / websocket server
	API APIConfig `json:"api"`

	// Chains keyed by their numeric chain id
	EVMChains       map[string]EVMChainConfig       `json:"evm_chains" validate:"dive"`
	SubstrateChains map[string]SubstrateChainConfig `json:"substrate_chains" validate:"dive"`

	Signing  SigningConfig  `json:"signing"`
	Registry RegistryConfig `json:"registry"`
	Queue    QueueConfig    `json:"queue"`

	// AllowMockSigner must be set before the local mock backend may sign.
	AllowMockSigner bool `json:"allow_mock_signer"`
}

type APIConfig struct {
	Port             int  `json:"port" validate:"min=0,max=65535"`
	EnableWebsocket  bool `json:"enable_websocket"`
	ReadTimeoutSecs  int  `json:"read_timeout_seconds"`
	WriteTimeoutSecs int  `json:"write_timeout_seconds"`
}

// EVMChainConfig holds all settings for one EVM chain.
type EVMChainConfig struct {
	Name    string   `json:"name"`
	ChainID uint64   `json:"chain_id"`
	Enabled bool     `json:"enabled"`
	RPCURLs []string `json:"rpc_urls" validate:"required_if=Enabled true,dive,required"`

	BlockConfirmations  uint64 `json:"block_confirmations"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	MaxBlockRange       uint64 `json:"max_block_range"`
	RPCTimeoutSeconds   int    `json:"rpc_timeout_seconds"`

	// Relayer account used for outbound transactions; usually set through the environment.
	PrivateKey         string `json:"private_key,omitempty"`
	BeneficiaryAddress string `json:"beneficiary_address,omitempty"`

	GasLimit   uint64  `json:"gas_limit"`
	FeePercent float64 `json:"fee_percent" validate:"min=0,max=100"`
	// MaxRefund in wei, decimal string.
	MaxRefund string `json:"max_refund"`

	Contracts []ContractConfig `json:"contracts" validate:"dive"`
}

// SubstrateChainConfig holds all settings for one Substrate chain.
type SubstrateChainConfig struct {
	Name    string `json:"name"`
	ChainID uint64 `json:"chain_id" validate:"max=4294967295"`
	Enabled bool   `json:"enabled"`
	RPCURL  string `json:"rpc_url" validate:"required_if=Enabled true"`

	BlockConfirmations  uint64 `json:"block_confirmations"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	RPCTimeoutSeconds   int    `json:"rpc_timeout_seconds"`

	// SURI of the relayer account signing extrinsics.
	SURI string `json:"suri,omitempty"`

	Pallets []PalletConfig `json:"pallets" validate:"dive"`
}

// ContractConfig describes one watched EVM contract.
type ContractConfig struct {
	Address             string  `json:"address" validate:"required"`
	Kind                string  `json:"kind" validate:"oneof=vanchor anchor signature-bridge governance"`
	StartBlock          uint64  `json:"start_block"`
	SyncFrom            *uint64 `json:"sync_from,omitempty"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
	// ResourceID of this anchor, 32 bytes hex.
	ResourceID string `json:"resource_id,omitempty"`
	// SignatureBridge receiving proposals targeting this contract's resource.
	SignatureBridge string `json:"signature_bridge,omitempty"`
	WithdrawEnabled bool   `json:"withdraw_enabled"`

	LinkedAnchors []LinkedAnchorConfig `json:"linked_anchors,omitempty" validate:"dive"`
}

// PalletConfig describes one watched Substrate pallet.
type PalletConfig struct {
	Pallet              string  `json:"pallet" validate:"required"`
	Kind                string  `json:"kind" validate:"oneof=dkg governance signature-bridge"`
	StartBlock          uint64  `json:"start_block"`
	SyncFrom            *uint64 `json:"sync_from,omitempty"`
	PollIntervalSeconds int     `json:"poll_interval_seconds"`
	ResourceID          string  `json:"resource_id,omitempty"`

	LinkedAnchors []LinkedAnchorConfig `json:"linked_anchors,omitempty" validate:"dive"`
}

// LinkedAnchorConfig is a statically configured propagation target.
type LinkedAnchorConfig struct {
	ChainKind  string `json:"chain_kind" validate:"oneof=evm substrate"`
	ChainID    uint64 `json:"chain_id"`
	Address    string `json:"address" validate:"required"`
	ResourceID string `json:"resource_id" validate:"required"`
}

type SigningConfig struct {
	Backend        string `json:"backend" validate:"oneof=remote mock"`
	RemoteEndpoint string `json:"remote_endpoint,omitempty" validate:"required_if=Backend remote"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
	// MockPrivateKey is a hex secp256k1 key used by the mock backend.
	MockPrivateKey string `json:"mock_private_key,omitempty"`
	// GovernorPublicKey is the expected signer of every proposal, hex encoded.
	GovernorPublicKey string `json:"governor_public_key,omitempty"`
	// ResourceKeys overrides the expected signer per resource id.
	ResourceKeys map[string]string `json:"resource_keys,omitempty"`
}

type RegistryConfig struct {
	Mode string `json:"mode" validate:"oneof=static dynamic"`
	// EVM chain id hosting the registry contract (dynamic mode).
	ChainID         uint64 `json:"chain_id,omitempty"`
	Address         string `json:"address,omitempty" validate:"required_if=Mode dynamic"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
	CacheSize       int    `json:"cache_size"`
}

type QueueConfig struct {
	MaxAttempts            int `json:"max_attempts"`
	PollIntervalSeconds    int `json:"poll_interval_seconds"`
	ConfirmIntervalSeconds int `json:"confirm_interval_seconds"`
	BackoffBaseMillis      int `json:"backoff_base_millis"`
	BackoffMaxSeconds      int `json:"backoff_max_seconds"`
	MaxNotFoundRetries     int `json:"max_not_found_retries"`
	FeeCacheTTLSeconds     int `json:"fee_cache_ttl_seconds"`
}

// EVMChainIDs returns the configured EVM chain ids in ascending order.
func (c *Config) EVMChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.EVMChains))
	for key, chain := range c.EVMChains {
		ids = append(ids, resolveChainID(key, chain.ChainID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetEVMChain returns the configuration of an EVM chain by numeric id.
func (c *Config) GetEVMChain(chainID uint64) (EVMChainConfig, bool) {
	for key, chain := range c.EVMChains {
		if resolveChainID(key, chain.ChainID) == chainID {
			chain.ChainID = chainID
			return chain, true
		}
	}
	return EVMChainConfig{}, false
}

// GetSubstrateChain returns the configuration of a Substrate chain by numeric id.
func (c *Config) GetSubstrateChain(chainID uint64) (SubstrateChainConfig, bool) {
	for key, chain := range c.SubstrateChains {
		if resolveChainID(key, chain.ChainID) == chainID {
			chain.ChainID = chainID
			return chain, true
		}
	}
	return SubstrateChainConfig{}, false
}

// ExpectedKeyFor returns the configured signer public key for a resource.
func (s SigningConfig) ExpectedKeyFor(resourceID string) string {
	if key, ok := s.ResourceKeys[strings.ToLower(resourceID)]; ok {
		return key
	}
	return s.GovernorPublicKey
}

// resolveChainID prefers the explicit id and falls back to the map key.
func resolveChainID(key string, explicit uint64) uint64 {
	if explicit != 0 {
		return explicit
	}
	id, err := cast.ToUint64E(strings.TrimSpace(key))
	if err != nil {
		return 0
	}
	return id
}

func chainKeyError(kind, key string) error {
	return fmt.Errorf("%s chain %q has no numeric chain id", kind, key)
}
