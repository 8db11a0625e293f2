package constant

import "os"

// <NodeDir>/                    (e.g., /home/relayer/.anchor-relayer)
// └── config/
//	└── relayer_config.json
// └── databases/
//	└── chains/evm_1/chain_data.db
//	└── chains/substrate_1080/chain_data.db

const (
	NodeDir = ".anchor-relayer"

	ConfigSubdir   = "config"
	ConfigFileName = "relayer_config.json"

	DatabasesSubdir = "databases"
	ChainDBFileName = "chain_data.db"

	// EnvPrefix prefixes every environment override, e.g. RELAYER_LOG_LEVEL.
	EnvPrefix = "RELAYER"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir

// Watched item kinds.
const (
	KindVAnchor         = "vanchor"
	KindAnchor          = "anchor"
	KindSignatureBridge = "signature-bridge"
	KindGovernance      = "governance"
	KindDKG             = "dkg"
)

// Signing backend kinds.
const (
	SignerRemote = "remote"
	SignerMock   = "mock"
)

// Registry modes.
const (
	RegistryStatic  = "static"
	RegistryDynamic = "dynamic"
)
