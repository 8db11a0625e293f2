// Package registry resolves the linked anchors a local event propagates to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// ErrUnregistered is returned when a resource id has no linked anchors.
var ErrUnregistered = errors.New("resource id is not registered")

// LinkedAnchor is a remote anchor receiving proposals for a local event.
type LinkedAnchor struct {
	Chain      common.ChainIdentifier
	Address    string
	ResourceID common.ResourceID
}

func (a LinkedAnchor) String() string {
	return a.Chain.String() + "/" + a.Address
}

// Resolver maps a source resource id to the anchors linked to it.
type Resolver interface {
	Resolve(ctx context.Context, source common.ResourceID) ([]LinkedAnchor, error)
}

// New builds the resolver selected by cfg.Registry. caller is only used in dynamic mode.
func New(cfg *config.Config, caller ContractCaller, opts ...Option) (Resolver, error) {
	switch cfg.Registry.Mode {
	case "", constant.RegistryStatic:
		return NewStaticResolver(cfg)
	case constant.RegistryDynamic:
		if caller == nil {
			return nil, relayererrors.NewConfigError("", "dynamic registry requires a client for its chain")
		}
		return NewDynamicResolver(cfg.Registry, caller, opts...)
	default:
		return nil, relayererrors.NewConfigError("", fmt.Sprintf("unknown registry mode %q", cfg.Registry.Mode))
	}
}

// StaticResolver serves the linked anchors enumerated in configuration.
type StaticResolver struct {
	links map[common.ResourceID][]LinkedAnchor
}

// NewStaticResolver indexes every configured contract and pallet with a resource id.
func NewStaticResolver(cfg *config.Config) (*StaticResolver, error) {
	r := &StaticResolver{links: make(map[common.ResourceID][]LinkedAnchor)}

	for _, chainID := range cfg.EVMChainIDs() {
		chain, _ := cfg.GetEVMChain(chainID)
		for _, contract := range chain.Contracts {
			if err := r.add(contract.ResourceID, contract.LinkedAnchors); err != nil {
				return nil, err
			}
		}
	}
	for _, chain := range cfg.SubstrateChains {
		for _, pallet := range chain.Pallets {
			if err := r.add(pallet.ResourceID, pallet.LinkedAnchors); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *StaticResolver) add(source string, linked []config.LinkedAnchorConfig) error {
	if source == "" || len(linked) == 0 {
		return nil
	}
	rid, err := common.ParseResourceID(source)
	if err != nil {
		return relayererrors.NewConfigError("", err.Error())
	}
	for _, l := range linked {
		anchor, err := anchorFromConfig(l)
		if err != nil {
			return err
		}
		r.links[rid] = append(r.links[rid], anchor)
	}
	return nil
}

func anchorFromConfig(l config.LinkedAnchorConfig) (LinkedAnchor, error) {
	chain, err := common.NewChainIdentifier(l.ChainKind, l.ChainID)
	if err != nil {
		return LinkedAnchor{}, relayererrors.NewConfigError("", err.Error())
	}
	rid, err := common.ParseResourceID(l.ResourceID)
	if err != nil {
		return LinkedAnchor{}, relayererrors.NewConfigError("", err.Error())
	}
	return LinkedAnchor{Chain: chain, Address: strings.ToLower(l.Address), ResourceID: rid}, nil
}

func (r *StaticResolver) Resolve(_ context.Context, source common.ResourceID) ([]LinkedAnchor, error) {
	linked, ok := r.links[source]
	if !ok {
		return nil, ErrUnregistered
	}
	out := make([]LinkedAnchor, len(linked))
	copy(out, linked)
	return out, nil
}
