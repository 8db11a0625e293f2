package core

import (
	"path/filepath"
	"sort"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
	"github.com/pushchain/anchor-relayer/relayer/chains/substrate"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	"github.com/pushchain/anchor-relayer/relayer/db"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/fees"
	"github.com/pushchain/anchor-relayer/relayer/proof"
	"github.com/pushchain/anchor-relayer/relayer/registry"
	"github.com/pushchain/anchor-relayer/relayer/signing"
)

// Build dials every enabled chain of cfg and assembles the context.
func Build(cfg *config.Config, logger zerolog.Logger) (*RelayerContext, error) {
	dbs := db.NewChainDBManager(filepath.Join(cfg.NodeHome, constant.DatabasesSubdir), logger)

	signer, err := signing.NewBackend(cfg.Signing, cfg.AllowMockSigner, nil, logger)
	if err != nil {
		return nil, err
	}

	evmClients := make(map[uint64]*evm.Client)
	closeAll := func() {
		for _, c := range evmClients {
			c.Close()
		}
		_ = signer.Close()
	}
	for _, id := range cfg.EVMChainIDs() {
		chainCfg, _ := cfg.GetEVMChain(id)
		if !chainCfg.Enabled {
			continue
		}
		client, err := evm.Dial(chainCfg, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		evmClients[id] = client
	}

	var caller registry.ContractCaller
	if cfg.Registry.Mode == constant.RegistryDynamic {
		client, ok := evmClients[cfg.Registry.ChainID]
		if !ok {
			closeAll()
			return nil, relayererrors.NewConfigError("", "registry chain is not an enabled evm chain")
		}
		caller = client
	}
	resolver, err := registry.New(cfg, caller, registry.WithLogger(logger))
	if err != nil {
		closeAll()
		return nil, err
	}

	estimator := fees.NewEstimator(time.Duration(cfg.Queue.FeeCacheTTLSeconds)*time.Second, logger)

	rc, err := New(cfg, Deps{
		DBs:      dbs,
		Signer:   signer,
		Resolver: resolver,
		Fees:     estimator,
	}, logger)
	if err != nil {
		closeAll()
		return nil, err
	}

	for _, id := range cfg.EVMChainIDs() {
		client, ok := evmClients[id]
		if !ok {
			continue
		}
		chainCfg, _ := cfg.GetEVMChain(id)
		if err := rc.registerEVM(chainCfg, client, estimator); err != nil {
			client.Close()
			_ = rc.Close()
			return nil, err
		}
	}

	for _, chainCfg := range substrateChains(cfg) {
		if !chainCfg.Enabled {
			continue
		}
		client, err := substrate.Dial(chainCfg, logger)
		if err != nil {
			_ = rc.Close()
			return nil, err
		}
		spec := ChainSpec{
			Client: client,
			Source: substrate.NewBlockSource(client, logger),
			Items:  substrateItems(chainCfg),
			Close:  client.Close,
		}
		if _, err := rc.RegisterChain(spec); err != nil {
			client.Close()
			_ = rc.Close()
			return nil, err
		}
	}
	return rc, nil
}

func (rc *RelayerContext) registerEVM(chainCfg config.EVMChainConfig, client *evm.Client, estimator *fees.Estimator) error {
	chain := client.Chain()
	items, err := evmItems(chainCfg)
	if err != nil {
		return err
	}

	spec := ChainSpec{
		Client:  client,
		Source:  evm.NewBlockSource(client.RPC(), evm.NewEventParser(chain, rc.logger), rc.logger),
		Items:   items,
		Bridges: make(map[common.ResourceID]string),
		Roots:   proof.NewRootChecker(client),
		Close:   client.Close,
	}
	if client.Address() != (ethcommon.Address{}) {
		spec.Relayer = client.Address().Hex()
	}
	for _, contract := range chainCfg.Contracts {
		if contract.Kind == constant.KindSignatureBridge && spec.Bridge == "" {
			spec.Bridge = contract.Address
		}
		if contract.ResourceID != "" && contract.SignatureBridge != "" {
			rid, err := common.ParseResourceID(contract.ResourceID)
			if err != nil {
				return relayererrors.NewConfigError(chain.String(), err.Error())
			}
			spec.Bridges[rid] = contract.SignatureBridge
		}
		if contract.WithdrawEnabled {
			spec.Withdrawable = append(spec.Withdrawable, contract.Address)
		}
	}

	maxRefund, err := fees.ParseMaxRefund(chainCfg.MaxRefund)
	if err != nil {
		return relayererrors.NewConfigError(chain.String(), "invalid max_refund "+chainCfg.MaxRefund)
	}
	estimator.AddChain(chain, fees.ChainFees{
		Source:     client,
		FeePercent: chainCfg.FeePercent,
		MaxRefund:  maxRefund,
	})

	_, err = rc.RegisterChain(spec)
	return err
}

func evmItems(chainCfg config.EVMChainConfig) ([]common.WatchedItem, error) {
	chain := common.EVMChain(chainCfg.ChainID)
	items := make([]common.WatchedItem, 0, len(chainCfg.Contracts))
	for _, contract := range chainCfg.Contracts {
		if !ethcommon.IsHexAddress(contract.Address) {
			return nil, relayererrors.NewConfigError(chain.String(), "invalid contract address "+contract.Address)
		}
		item := common.WatchedItem{
			Chain:             chain,
			Address:           ethcommon.HexToAddress(contract.Address).Hex(),
			Kind:              contract.Kind,
			StartBlock:        contract.StartBlock,
			SyncFrom:          contract.SyncFrom,
			PollInterval:      pollInterval(contract.PollIntervalSeconds, chainCfg.PollIntervalSeconds),
			ConfirmationDepth: chainCfg.BlockConfirmations,
			MaxBlockRange:     chainCfg.MaxBlockRange,
		}
		switch {
		case contract.ResourceID != "":
			rid, err := common.ParseResourceID(contract.ResourceID)
			if err != nil {
				return nil, relayererrors.NewConfigError(chain.String(), err.Error())
			}
			item.ResourceID = &rid
		case contract.Kind == constant.KindVAnchor || contract.Kind == constant.KindAnchor:
			rid := common.NewResourceID(ethcommon.HexToAddress(contract.Address).Bytes(), chain)
			item.ResourceID = &rid
		}
		items = append(items, item)
	}
	return items, nil
}

func substrateItems(chainCfg config.SubstrateChainConfig) []common.WatchedItem {
	chain := common.SubstrateChain(uint32(chainCfg.ChainID))
	items := make([]common.WatchedItem, 0, len(chainCfg.Pallets))
	for _, pallet := range chainCfg.Pallets {
		item := common.WatchedItem{
			Chain:             chain,
			Address:           pallet.Pallet,
			Kind:              pallet.Kind,
			StartBlock:        pallet.StartBlock,
			SyncFrom:          pallet.SyncFrom,
			PollInterval:      pollInterval(pallet.PollIntervalSeconds, chainCfg.PollIntervalSeconds),
			ConfirmationDepth: chainCfg.BlockConfirmations,
		}
		if rid, err := common.ParseResourceID(pallet.ResourceID); err == nil {
			item.ResourceID = &rid
		}
		items = append(items, item)
	}
	return items
}

func substrateChains(cfg *config.Config) []config.SubstrateChainConfig {
	out := make([]config.SubstrateChainConfig, 0, len(cfg.SubstrateChains))
	for _, chain := range cfg.SubstrateChains {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func pollInterval(itemSeconds, chainSeconds int) time.Duration {
	if itemSeconds > 0 {
		return time.Duration(itemSeconds) * time.Second
	}
	return time.Duration(chainSeconds) * time.Second
}

// ensure the production clients satisfy what the context expects of them
var (
	_ common.ChainClient = (*evm.Client)(nil)
	_ common.ChainClient = (*substrate.Client)(nil)
	_ common.GasReporter = (*evm.Client)(nil)
	_ common.GasEstimator = (*evm.Client)(nil)
	_ common.HashTracker = (*substrate.Client)(nil)
	_ fees.GasSource     = (*evm.Client)(nil)
)
