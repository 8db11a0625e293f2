package api

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/core"
	"github.com/pushchain/anchor-relayer/relayer/withdraw"
)

// QueryService defines the read side needed by the API server; *core.RelayerContext implements it.
type QueryService interface {
	GetLeaves(chainID common.ChainIdentifier, contract string, r core.Range) (*core.LeavesResponse, error)
	GetEncryptedOutputs(chainID common.ChainIdentifier, contract string, r core.Range) (*core.EncryptedOutputsResponse, error)
	GetFeeInfo(ctx context.Context, chainID common.ChainIdentifier, target string, amount *uint256.Int) (*core.FeeInfoResponse, error)
	GetMetrics() (string, error)
}

// WithdrawHandler runs one withdraw flow; *withdraw.Service implements it.
type WithdrawHandler interface {
	Handle(ctx context.Context, cmd withdraw.Command, emit withdraw.Emitter) error
}
