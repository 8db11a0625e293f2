package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
)

// mockEthBackend is a mock implementation of the Ethereum client for testing
type mockEthBackend struct {
	mock.Mock
}

func (m *mockEthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockEthBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	if header := args.Get(0); header != nil {
		return header.(*types.Header), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)
	if logs := args.Get(0); logs != nil {
		return logs.([]types.Log), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if id := args.Get(0); id != nil {
		return id.(*big.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if receipt := args.Get(0); receipt != nil {
		return receipt.(*types.Receipt), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error) {
	args := m.Called(ctx, hash)
	if tx := args.Get(0); tx != nil {
		return tx.(*types.Transaction), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockEthBackend) NonceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (uint64, error) {
	args := m.Called(ctx, account, blockNumber)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockEthBackend) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockEthBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if price := args.Get(0); price != nil {
		return price.(*big.Int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockEthBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, msg, blockNumber)
	if out := args.Get(0); out != nil {
		return out.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEthBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockEthBackend) Close() {
	m.Called()
}

func newTestRPC(backends ...*mockEthBackend) *RPCClient {
	list := make([]ethBackend, len(backends))
	for i, b := range backends {
		list[i] = b
	}
	return newRPCClientWithBackends(list, 0, zerolog.Nop())
}
