package evm

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithFailover(t *testing.T) {
	t.Run("falls over to the next endpoint", func(t *testing.T) {
		bad := &mockEthBackend{}
		good := &mockEthBackend{}
		bad.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection refused"))
		good.On("BlockNumber", mock.Anything).Return(uint64(42), nil)

		rpc := newTestRPC(bad, good)
		number, err := rpc.LatestBlock(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(42), number)
	})

	t.Run("fails after every endpoint failed", func(t *testing.T) {
		a := &mockEthBackend{}
		b := &mockEthBackend{}
		a.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection refused"))
		b.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection reset"))

		rpc := newTestRPC(a, b)
		_, err := rpc.LatestBlock(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after trying 2 endpoints")
	})

	t.Run("not found is returned without failover", func(t *testing.T) {
		a := &mockEthBackend{}
		b := &mockEthBackend{}
		a.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)
		b.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)

		rpc := newTestRPC(a, b)
		_, err := rpc.TransactionReceipt(context.Background(), ethcommon.Hash{})
		require.ErrorIs(t, err, ethereum.NotFound)

		calls := len(a.Calls) + len(b.Calls)
		assert.Equal(t, 1, calls)
	})

	t.Run("revert is returned without failover", func(t *testing.T) {
		a := &mockEthBackend{}
		b := &mockEthBackend{}
		a.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted"))
		b.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted"))

		rpc := newTestRPC(a, b)
		_, err := rpc.EstimateGas(context.Background(), ethereum.CallMsg{})
		require.Error(t, err)
		assert.True(t, isReverted(err))
		assert.Equal(t, 1, len(a.Calls)+len(b.Calls))
	})

	t.Run("canceled context stops immediately", func(t *testing.T) {
		a := &mockEthBackend{}
		rpc := newTestRPC(a)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := rpc.LatestBlock(ctx)
		require.ErrorIs(t, err, context.Canceled)
		a.AssertNotCalled(t, "BlockNumber", mock.Anything)
	})

	t.Run("no endpoints", func(t *testing.T) {
		rpc := newTestRPC()
		_, err := rpc.LatestBlock(context.Background())
		require.Error(t, err)
	})
}
