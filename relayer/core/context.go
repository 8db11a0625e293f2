// Package core is the relayer's composition root: it owns the per-chain
// resources, turns watched events into signed proposals, and serves the
// query API.
package core

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/db"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/fees"
	"github.com/pushchain/anchor-relayer/relayer/metrics"
	"github.com/pushchain/anchor-relayer/relayer/proof"
	"github.com/pushchain/anchor-relayer/relayer/queue"
	"github.com/pushchain/anchor-relayer/relayer/registry"
	"github.com/pushchain/anchor-relayer/relayer/signing"
	"github.com/pushchain/anchor-relayer/relayer/watcher"
)

// Chain bundles everything the relayer owns for one chain.
type Chain struct {
	ID     common.ChainIdentifier
	Store  *common.ChainStore
	Client common.ChainClient
	Queue  *queue.Queue
	Source watcher.BlockSource
	Items  []common.WatchedItem

	// Bridge is the signature bridge receiving proposals; Bridges overrides it per target resource.
	Bridge  string
	Bridges map[common.ResourceID]string
	Roots   *proof.RootChecker
	// Relayer is the account submitting transactions on this chain.
	Relayer string
	// Withdrawable lists the lowercased anchors accepting relayed withdrawals.
	Withdrawable map[string]bool
}

// Item returns the watched item with address contract, case-insensitively.
func (c *Chain) Item(contract string) (common.WatchedItem, bool) {
	for _, item := range c.Items {
		if strings.EqualFold(item.Address, contract) {
			return item, true
		}
	}
	return common.WatchedItem{}, false
}

// BridgeFor returns the signature bridge handling proposals for resource.
func (c *Chain) BridgeFor(resource common.ResourceID) string {
	if bridge, ok := c.Bridges[resource]; ok && bridge != "" {
		return bridge
	}
	return c.Bridge
}

// ChainSpec describes a chain handed to RegisterChain.
type ChainSpec struct {
	Client       common.ChainClient
	Source       watcher.BlockSource
	Items        []common.WatchedItem
	Bridge       string
	Bridges      map[common.ResourceID]string
	Roots        *proof.RootChecker
	Relayer      string
	Withdrawable []string
	// Close releases the chain's connections on shutdown.
	Close func()
}

// Deps are the shared collaborators of a RelayerContext. Nil fields get defaults
// where one exists.
type Deps struct {
	DBs      *db.ChainDBManager
	Signer   *signing.Backend
	Resolver registry.Resolver
	Fees     *fees.Estimator
	Verifier proof.Verifier
	Metrics  *metrics.Metrics
	Notifier *queue.Notifier
}

// RelayerContext is the process wide state handed to every component.
type RelayerContext struct {
	Config   *config.Config
	DBs      *db.ChainDBManager
	Signer   *signing.Backend
	Keys     *Keyring
	Resolver registry.Resolver
	Fees     *fees.Estimator
	Verifier proof.Verifier
	Metrics  *metrics.Metrics
	Notifier *queue.Notifier

	logger zerolog.Logger

	mu      sync.RWMutex
	chains  map[common.ChainIdentifier]*Chain
	closers []func()

	fatalOnce sync.Once
	fatalCh   chan error
}

// New creates an empty context; chains are added with RegisterChain.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*RelayerContext, error) {
	if cfg == nil {
		return nil, relayererrors.NewConfigError("", "config is required")
	}
	if deps.Signer == nil {
		return nil, relayererrors.NewConfigError("", "signing backend is required")
	}
	if deps.DBs == nil {
		return nil, relayererrors.NewConfigError("", "database manager is required")
	}
	if deps.Resolver == nil {
		resolver, err := registry.NewStaticResolver(cfg)
		if err != nil {
			return nil, err
		}
		deps.Resolver = resolver
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Fees == nil {
		deps.Fees = fees.NewEstimator(time.Duration(cfg.Queue.FeeCacheTTLSeconds)*time.Second, logger)
	}
	if deps.Verifier == nil {
		deps.Verifier = proof.StructuralVerifier{}
	}
	if deps.Notifier == nil {
		deps.Notifier = queue.NewNotifier()
	}

	keys, err := NewKeyring(cfg.Signing, deps.Signer.PublicKey())
	if err != nil {
		return nil, err
	}

	return &RelayerContext{
		Config:   cfg,
		DBs:      deps.DBs,
		Signer:   deps.Signer,
		Keys:     keys,
		Resolver: deps.Resolver,
		Fees:     deps.Fees,
		Verifier: deps.Verifier,
		Metrics:  deps.Metrics,
		Notifier: deps.Notifier,
		logger:   logger.With().Str("component", "relayer_context").Logger(),
		chains:   make(map[common.ChainIdentifier]*Chain),
		fatalCh:  make(chan error, 1),
	}, nil
}

// RegisterChain opens the chain's database and creates its queue.
func (rc *RelayerContext) RegisterChain(spec ChainSpec) (*Chain, error) {
	if spec.Client == nil {
		return nil, relayererrors.NewConfigError("", "chain client is required")
	}
	id := spec.Client.Chain()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.chains[id]; exists {
		return nil, relayererrors.NewConfigError(id.String(), "chain registered twice")
	}

	database, err := rc.DBs.GetChainDB(id.String())
	if err != nil {
		return nil, relayererrors.NewStoreError(id.String(), "failed to open chain database", err)
	}
	chainStore := common.NewChainStore(database, id)

	withdrawable := make(map[string]bool, len(spec.Withdrawable))
	for _, addr := range spec.Withdrawable {
		withdrawable[strings.ToLower(addr)] = true
	}

	chain := &Chain{
		ID:           id,
		Store:        chainStore,
		Client:       spec.Client,
		Source:       spec.Source,
		Items:        spec.Items,
		Bridge:       spec.Bridge,
		Bridges:      spec.Bridges,
		Roots:        spec.Roots,
		Relayer:      spec.Relayer,
		Withdrawable: withdrawable,
		Queue: queue.New(
			chainStore,
			spec.Client,
			queue.OptionsFromConfig(rc.Config.Queue),
			rc.Notifier,
			rc.Metrics,
			rc.Fatal,
			rc.logger,
		),
	}
	rc.chains[id] = chain
	if spec.Close != nil {
		rc.closers = append(rc.closers, spec.Close)
	}

	rc.logger.Info().
		Str("chain", id.String()).
		Int("watched_items", len(spec.Items)).
		Msg("chain registered")
	return chain, nil
}

// Chain returns a registered chain, nil when unknown.
func (rc *RelayerContext) Chain(id common.ChainIdentifier) *Chain {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.chains[id]
}

// Chains returns the registered chains ordered by identifier.
func (rc *RelayerContext) Chains() []*Chain {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]*Chain, 0, len(rc.chains))
	for _, chain := range rc.chains {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Logger returns the context logger.
func (rc *RelayerContext) Logger() zerolog.Logger {
	return rc.logger
}

// Fatal reports an error after which the process must stop. Only the first one is kept.
func (rc *RelayerContext) Fatal(err error) {
	if err == nil {
		return
	}
	rc.fatalOnce.Do(func() {
		rc.logger.Error().Err(err).Msg("fatal relayer error")
		rc.fatalCh <- err
	})
}

// FatalErrors delivers the first fatal error.
func (rc *RelayerContext) FatalErrors() <-chan error {
	return rc.fatalCh
}

// Close releases chain connections, the signer and the databases.
func (rc *RelayerContext) Close() error {
	rc.mu.Lock()
	closers := rc.closers
	rc.closers = nil
	rc.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	if err := rc.Signer.Close(); err != nil {
		rc.logger.Warn().Err(err).Msg("failed to close signing backend")
	}
	return rc.DBs.CloseAll()
}
