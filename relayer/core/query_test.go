package core

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/fees"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

func seedCache(t *testing.T, f *fixture, leaves, outputs int, toBlock uint64) {
	t.Helper()
	batch := common.Batch{Contract: sourceAnchor, ToBlock: toBlock, ToBlockHash: fmt.Sprintf("0x%064x", toBlock)}
	for i := 0; i < leaves; i++ {
		batch.Leaves = append(batch.Leaves, store.Leaf{
			LeafIndex:   uint64(i),
			Value:       fmt.Sprintf("0x%064x", i+1),
			BlockNumber: toBlock,
		})
	}
	for i := 0; i < outputs; i++ {
		batch.Outputs = append(batch.Outputs, store.EncryptedOutput{
			Contract:    sourceAnchor,
			OutputIndex: uint64(i),
			Data:        fmt.Sprintf("0x%02x", i+0xa0),
			BlockNumber: toBlock,
		})
	}
	require.NoError(t, f.rc.Chain(sourceChain).Store.SetWatermarkAndAppend(batch))
}

func u32(v uint32) *uint32 { return &v }

func TestGetLeaves(t *testing.T) {
	f := newFixture(t, nil)

	empty, err := f.rc.GetLeaves(sourceChain, sourceAnchor, Range{})
	require.NoError(t, err)
	assert.Empty(t, empty.Leaves)
	assert.NotNil(t, empty.Leaves)
	assert.Zero(t, empty.LastQueriedBlock)

	seedCache(t, f, 5, 0, 42)

	tests := []struct {
		name string
		r    Range
		want []string
	}{
		{name: "all", r: Range{}, want: []string{
			fmt.Sprintf("0x%064x", 1), fmt.Sprintf("0x%064x", 2), fmt.Sprintf("0x%064x", 3),
			fmt.Sprintf("0x%064x", 4), fmt.Sprintf("0x%064x", 5),
		}},
		{name: "start only", r: Range{Start: u32(3)}, want: []string{fmt.Sprintf("0x%064x", 4), fmt.Sprintf("0x%064x", 5)}},
		{name: "end exclusive", r: Range{End: u32(2)}, want: []string{fmt.Sprintf("0x%064x", 1), fmt.Sprintf("0x%064x", 2)}},
		{name: "window", r: Range{Start: u32(1), End: u32(3)}, want: []string{fmt.Sprintf("0x%064x", 2), fmt.Sprintf("0x%064x", 3)}},
		{name: "empty window", r: Range{Start: u32(3), End: u32(3)}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.rc.GetLeaves(sourceChain, "0x1111111111111111111111111111111111111111", tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Leaves)
			assert.Equal(t, uint64(42), resp.LastQueriedBlock)
		})
	}
}

func TestGetEncryptedOutputs(t *testing.T) {
	f := newFixture(t, nil)
	seedCache(t, f, 0, 3, 7)

	resp, err := f.rc.GetEncryptedOutputs(sourceChain, sourceAnchor, Range{Start: u32(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa1", "0xa2"}, resp.EncryptedOutputs)
	assert.Equal(t, uint64(7), resp.LastQueriedBlock)
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.rc.GetLeaves(common.EVMChain(99), sourceAnchor, Range{})
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "unsupported chain")

	_, err = f.rc.GetLeaves(sourceChain, "0x9999999999999999999999999999999999999999", Range{})
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "unsupported contract")

	_, err = f.rc.GetEncryptedOutputs(targetChain, targetBridge, Range{})
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeValidation))
	assert.Contains(t, err.Error(), "not an anchor")
}

func TestGetFeeInfo(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.rc.GetFeeInfo(ctx, targetChain, targetAnchor, nil)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeValidation))

	f.rc.Fees.AddChain(targetChain, fees.ChainFees{
		Source:     &gasSource{price: big.NewInt(20), limit: 100},
		FeePercent: 10,
		MaxRefund:  uint256.NewInt(1000),
	})

	info, err := f.rc.GetFeeInfo(ctx, targetChain, targetAnchor, uint256.NewInt(3000))
	require.NoError(t, err)
	assert.Equal(t, "2200", info.EstimatedFee)
	assert.Equal(t, "20", info.GasPrice)
	assert.Equal(t, "800", info.MaxRefund)
	assert.NotZero(t, info.Timestamp)

	info, err = f.rc.GetFeeInfo(ctx, targetChain, targetAnchor, nil)
	require.NoError(t, err)
	assert.Equal(t, "1000", info.MaxRefund)
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.HandleEvents(context.Background(), f.sourceItem(t), []common.DomainEvent{depositEvent(0, 0x01)})

	text, err := f.rc.GetMetrics()
	require.NoError(t, err)
	assert.Contains(t, text, "relayer_proposals_signed_total")
}

// ---- Mocks ----

type gasSource struct {
	price *big.Int
	limit uint64
}

func (g *gasSource) GasPrice(context.Context) (*big.Int, error) { return g.price, nil }

func (g *gasSource) GasLimit() uint64 { return g.limit }
