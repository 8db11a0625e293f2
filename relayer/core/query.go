package core

import (
	"context"
	"math"

	"github.com/holiman/uint256"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/fees"
)

// Range selects cache indexes start <= i < end. Nil bounds default to 0 and u32::MAX.
type Range struct {
	Start *uint32
	End   *uint32
}

func (r Range) bounds() (uint64, uint64) {
	start, end := uint64(0), uint64(math.MaxUint32)
	if r.Start != nil {
		start = uint64(*r.Start)
	}
	if r.End != nil {
		end = uint64(*r.End)
	}
	return start, end
}

// LeavesResponse answers GetLeaves.
type LeavesResponse struct {
	Leaves           []string `json:"leaves"`
	LastQueriedBlock uint64   `json:"lastQueriedBlock"`
}

// EncryptedOutputsResponse answers GetEncryptedOutputs.
type EncryptedOutputsResponse struct {
	EncryptedOutputs []string `json:"encryptedOutputs"`
	LastQueriedBlock uint64   `json:"lastQueriedBlock"`
}

// FeeInfoResponse answers GetFeeInfo with decimal wei amounts.
type FeeInfoResponse struct {
	EstimatedFee string `json:"estimatedFee"`
	GasPrice     string `json:"gasPrice"`
	MaxRefund    string `json:"maxRefund"`
	Timestamp    int64  `json:"timestamp"`
}

func (rc *RelayerContext) anchorItem(chainID common.ChainIdentifier, contract string, kinds ...string) (*Chain, common.WatchedItem, error) {
	chain := rc.Chain(chainID)
	if chain == nil {
		return nil, common.WatchedItem{}, relayererrors.NewValidationError(chainID.String(), "unsupported chain")
	}
	item, ok := chain.Item(contract)
	if !ok {
		return nil, common.WatchedItem{}, relayererrors.NewValidationError(chainID.String(), "unsupported contract "+contract)
	}
	for _, kind := range kinds {
		if item.Kind == kind {
			return chain, item, nil
		}
	}
	return nil, common.WatchedItem{}, relayererrors.NewValidationError(chainID.String(), "contract "+contract+" is not an anchor")
}

// GetLeaves returns the cached leaves of an anchor and the block they reflect.
func (rc *RelayerContext) GetLeaves(chainID common.ChainIdentifier, contract string, r Range) (*LeavesResponse, error) {
	chain, item, err := rc.anchorItem(chainID, contract, constant.KindVAnchor, constant.KindAnchor)
	if err != nil {
		return nil, err
	}
	start, end := r.bounds()
	leaves, watermark, err := chain.Store.GetLeaves(item.Address, start, end)
	if err != nil {
		return nil, err
	}

	out := &LeavesResponse{Leaves: make([]string, 0, len(leaves)), LastQueriedBlock: watermark}
	for _, leaf := range leaves {
		out.Leaves = append(out.Leaves, leaf.Value)
	}
	return out, nil
}

// GetEncryptedOutputs returns the cached encrypted outputs of a variable anchor.
func (rc *RelayerContext) GetEncryptedOutputs(chainID common.ChainIdentifier, contract string, r Range) (*EncryptedOutputsResponse, error) {
	chain, item, err := rc.anchorItem(chainID, contract, constant.KindVAnchor)
	if err != nil {
		return nil, err
	}
	start, end := r.bounds()
	outputs, watermark, err := chain.Store.GetEncryptedOutputs(item.Address, start, end)
	if err != nil {
		return nil, err
	}

	out := &EncryptedOutputsResponse{EncryptedOutputs: make([]string, 0, len(outputs)), LastQueriedBlock: watermark}
	for _, output := range outputs {
		out.EncryptedOutputs = append(out.EncryptedOutputs, output.Data)
	}
	return out, nil
}

// GetFeeInfo quotes relaying a withdrawal of amount wei to target.
func (rc *RelayerContext) GetFeeInfo(ctx context.Context, chainID common.ChainIdentifier, target string, amount *uint256.Int) (*FeeInfoResponse, error) {
	info, err := rc.Fees.GetFeeInfo(ctx, chainID, target, amount)
	if err != nil {
		return nil, err
	}
	return feeInfoResponse(info), nil
}

func feeInfoResponse(info *fees.FeeInfo) *FeeInfoResponse {
	return &FeeInfoResponse{
		EstimatedFee: info.EstimatedFee.Dec(),
		GasPrice:     info.GasPrice.Dec(),
		MaxRefund:    info.MaxRefund.Dec(),
		Timestamp:    info.Timestamp.Unix(),
	}
}

// GetMetrics renders every collector in the prometheus text format.
func (rc *RelayerContext) GetMetrics() (string, error) {
	return rc.Metrics.Text()
}
