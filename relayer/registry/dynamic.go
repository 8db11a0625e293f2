package registry

import (
	"context"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultCacheSize = 256
)

// ContractCaller performs read-only contract calls; *evm.Client implements it.
type ContractCaller interface {
	Chain() common.ChainIdentifier
	Call(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error)
}

// Option customises a DynamicResolver.
type Option func(*DynamicResolver)

// WithLogger sets the resolver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *DynamicResolver) {
		r.logger = logger.With().Str("component", "registry_resolver").Logger()
	}
}

// DynamicResolver queries an on-chain bridge registry and caches the answer.
type DynamicResolver struct {
	caller   ContractCaller
	registry ethcommon.Address
	cache    *expirable.LRU[common.ResourceID, []LinkedAnchor]
	logger   zerolog.Logger
}

// NewDynamicResolver creates a resolver reading getLinkedAnchors from the registry contract.
func NewDynamicResolver(cfg config.RegistryConfig, caller ContractCaller, opts ...Option) (*DynamicResolver, error) {
	if !ethcommon.IsHexAddress(cfg.Address) {
		return nil, relayererrors.NewConfigError("", "invalid registry address "+cfg.Address)
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}

	r := &DynamicResolver{
		caller:   caller,
		registry: ethcommon.HexToAddress(cfg.Address),
		cache:    expirable.NewLRU[common.ResourceID, []LinkedAnchor](size, nil, ttl),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *DynamicResolver) Resolve(ctx context.Context, source common.ResourceID) ([]LinkedAnchor, error) {
	if linked, ok := r.cache.Get(source); ok {
		r.logger.Debug().Str("resource_id", source.Hex()).Msg("cache hit for linked anchors")
		return linked, nil
	}

	data, err := evm.PackGetLinkedAnchors(source)
	if err != nil {
		return nil, relayererrors.NewInternalError("", "failed to pack registry call", err)
	}
	out, err := r.caller.Call(ctx, r.registry, data)
	if err != nil {
		return nil, err
	}
	ids, err := evm.UnpackLinkedAnchors(out)
	if err != nil {
		return nil, relayererrors.NewMalformedError(r.caller.Chain().String(), "invalid registry response", err)
	}
	if len(ids) == 0 {
		return nil, ErrUnregistered
	}

	linked := make([]LinkedAnchor, 0, len(ids))
	for _, raw := range ids {
		rid := common.ResourceID(raw)
		anchor, err := anchorFromResourceID(rid)
		if err != nil {
			r.logger.Warn().Err(err).Str("resource_id", rid.Hex()).Msg("skipping linked anchor")
			continue
		}
		linked = append(linked, anchor)
	}
	if len(linked) == 0 {
		return nil, ErrUnregistered
	}

	r.cache.Add(source, linked)
	r.logger.Debug().
		Str("resource_id", source.Hex()).
		Int("linked", len(linked)).
		Msg("cached linked anchors")
	return linked, nil
}

// Purge drops every cached entry.
func (r *DynamicResolver) Purge() {
	r.cache.Purge()
}

func anchorFromResourceID(rid common.ResourceID) (LinkedAnchor, error) {
	chain, err := rid.Chain()
	if err != nil {
		return LinkedAnchor{}, err
	}
	var address string
	switch chain.Kind {
	case common.ChainKindEVM:
		address = strings.ToLower(ethcommon.BytesToAddress(rid.TargetAddress()).Hex())
	default:
		address = hexutil.Encode(trimLeadingZeros(rid[:26]))
	}
	return LinkedAnchor{Chain: chain, Address: address, ResourceID: rid}, nil
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}
