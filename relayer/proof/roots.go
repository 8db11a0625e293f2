package proof

import (
	"context"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/chains/evm"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// ContractCaller performs read-only contract calls; *evm.Client implements it.
type ContractCaller interface {
	Chain() common.ChainIdentifier
	Call(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error)
}

// RootChecker asks an anchor contract about its merkle roots.
type RootChecker struct {
	caller ContractCaller
}

func NewRootChecker(caller ContractCaller) *RootChecker {
	return &RootChecker{caller: caller}
}

// IsKnownRoot reports whether root is in the anchor's root history.
func (r *RootChecker) IsKnownRoot(ctx context.Context, anchor ethcommon.Address, root [32]byte) (bool, error) {
	data, err := evm.PackIsKnownRoot(root)
	if err != nil {
		return false, relayererrors.NewInternalError(r.chain(), "failed to pack isKnownRoot", err)
	}
	return r.callBool(ctx, anchor, evm.MethodIsKnownRoot, data)
}

// IsValidRoots checks the anchor's own root and the neighbor roots a proof was built against.
func (r *RootChecker) IsValidRoots(ctx context.Context, anchor ethcommon.Address, roots [][32]byte) (bool, error) {
	if len(roots) == 0 {
		return false, nil
	}
	data, err := evm.PackIsValidRoots(roots)
	if err != nil {
		return false, relayererrors.NewInternalError(r.chain(), "failed to pack isValidRoots", err)
	}
	return r.callBool(ctx, anchor, evm.MethodIsValidRoots, data)
}

// LastRoot returns the anchor's current merkle root.
func (r *RootChecker) LastRoot(ctx context.Context, anchor ethcommon.Address) ([32]byte, error) {
	data, err := evm.PackGetLastRoot()
	if err != nil {
		return [32]byte{}, relayererrors.NewInternalError(r.chain(), "failed to pack getLastRoot", err)
	}
	out, err := r.caller.Call(ctx, anchor, data)
	if err != nil {
		return [32]byte{}, err
	}
	root, err := evm.UnpackRoot(out)
	if err != nil {
		return [32]byte{}, relayererrors.NewMalformedError(r.chain(), "invalid getLastRoot response", err)
	}
	return root, nil
}

func (r *RootChecker) callBool(ctx context.Context, anchor ethcommon.Address, method string, data []byte) (bool, error) {
	out, err := r.caller.Call(ctx, anchor, data)
	if err != nil {
		return false, err
	}
	ok, err := evm.UnpackBool(method, out)
	if err != nil {
		return false, relayererrors.NewMalformedError(r.chain(), "invalid "+method+" response", err)
	}
	return ok, nil
}

func (r *RootChecker) chain() string {
	return r.caller.Chain().String()
}
