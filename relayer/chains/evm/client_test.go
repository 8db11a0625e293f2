package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

func newTestClient(t *testing.T, backend *mockEthBackend) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := config.EVMChainConfig{
		ChainID:            5001,
		PrivateKey:         hexutil.Encode(crypto.FromECDSA(key)),
		GasLimit:           1_000_000,
		BlockConfirmations: 3,
	}
	client, err := NewClient(cfg, newTestRPC(backend), zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsBadKey(t *testing.T) {
	_, err := NewClient(config.EVMChainConfig{ChainID: 1, PrivateKey: "0xnothex"}, newTestRPC(), zerolog.Nop())
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeConfig))
}

func TestSignAndSubmitTransaction(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)

	backend.On("PendingNonceAt", mock.Anything, client.Address()).Return(uint64(7), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(2_000_000_000), nil)

	txData, err := TxRequest{
		To:    "0x91eb86019fd8d7c5a9e31143d422850a13f670a3",
		Data:  []byte{0x01, 0x02},
		Value: "10",
	}.Encode()
	require.NoError(t, err)

	signed, err := client.SignTransaction(context.Background(), txData)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), signed.Nonce)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(signed.Raw))
	assert.Equal(t, signed.Hash, tx.Hash().Hex())
	assert.Equal(t, uint64(1_000_000), tx.Gas())
	assert.Equal(t, big.NewInt(10), tx.Value())
	assert.Equal(t, []byte{0x01, 0x02}, tx.Data())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(5001)), tx)
	require.NoError(t, err)
	assert.Equal(t, client.Address(), sender)

	backend.On("SendTransaction", mock.Anything, mock.AnythingOfType("*types.Transaction")).Return(nil).Once()
	hash, err := client.SubmitTransaction(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, hash)

	backend.On("SendTransaction", mock.Anything, mock.Anything).Return(errors.New("already known")).Once()
	hash, err = client.SubmitTransaction(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, hash)
}

func TestSubmitTransactionClassifiesErrors(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)
	backend.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(0), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)

	txData, err := TxRequest{To: "0x91eb86019fd8d7c5a9e31143d422850a13f670a3"}.Encode()
	require.NoError(t, err)
	signed, err := client.SignTransaction(context.Background(), txData)
	require.NoError(t, err)

	backend.On("SendTransaction", mock.Anything, mock.Anything).Return(errors.New("insufficient funds for gas * price + value")).Once()
	_, err = client.SubmitTransaction(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeSubmission))

	backend.On("SendTransaction", mock.Anything, mock.Anything).Return(errors.New("dial tcp: connection refused")).Once()
	_, err = client.SubmitTransaction(context.Background(), signed)
	require.Error(t, err)
	assert.True(t, relayererrors.IsUnbounded(err))
}

func TestSignTransactionValidation(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)

	_, err := client.SignTransaction(context.Background(), []byte(`{"to":"nope"}`))
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeMalformed))

	readOnly, err := NewClient(config.EVMChainConfig{ChainID: 1}, newTestRPC(backend), zerolog.Nop())
	require.NoError(t, err)
	_, err = readOnly.SignTransaction(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeConfig))
}

func TestGetTransactionStatus(t *testing.T) {
	hash := ethcommon.HexToHash("0xaaaa")

	tests := []struct {
		name  string
		setup func(b *mockEthBackend)
		want  common.TxStatus
	}{
		{
			name: "finalized after enough confirmations",
			setup: func(b *mockEthBackend) {
				b.On("TransactionReceipt", mock.Anything, hash).
					Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)
				b.On("BlockNumber", mock.Anything).Return(uint64(102), nil)
			},
			want: common.TxStatusFinalized,
		},
		{
			name: "in block below confirmation depth",
			setup: func(b *mockEthBackend) {
				b.On("TransactionReceipt", mock.Anything, hash).
					Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil)
				b.On("BlockNumber", mock.Anything).Return(uint64(101), nil)
			},
			want: common.TxStatusInBlock,
		},
		{
			name: "reverted",
			setup: func(b *mockEthBackend) {
				b.On("TransactionReceipt", mock.Anything, hash).
					Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(100)}, nil)
			},
			want: common.TxStatusReverted,
		},
		{
			name: "pending in the pool",
			setup: func(b *mockEthBackend) {
				b.On("TransactionReceipt", mock.Anything, hash).Return(nil, ethereum.NotFound)
				b.On("TransactionByHash", mock.Anything, hash).
					Return(types.NewTx(&types.LegacyTx{}), true, nil)
			},
			want: common.TxStatusPending,
		},
		{
			name: "dropped from the pool",
			setup: func(b *mockEthBackend) {
				b.On("TransactionReceipt", mock.Anything, hash).Return(nil, ethereum.NotFound)
				b.On("TransactionByHash", mock.Anything, hash).Return(nil, false, ethereum.NotFound)
			},
			want: common.TxStatusDropped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockEthBackend{}
			tt.setup(backend)
			client := newTestClient(t, backend)

			status, err := client.GetTransactionStatus(context.Background(), hash.Hex())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}

	t.Run("rpc failure is a network error", func(t *testing.T) {
		backend := &mockEthBackend{}
		backend.On("TransactionReceipt", mock.Anything, hash).Return(nil, errors.New("connection refused"))
		client := newTestClient(t, backend)

		_, err := client.GetTransactionStatus(context.Background(), hash.Hex())
		require.Error(t, err)
		assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeNetwork))
	})
}

func TestNonceConsumed(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)
	backend.On("NonceAt", mock.Anything, client.Address(), (*big.Int)(nil)).Return(uint64(5), nil)

	used, err := client.NonceConsumed(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, used)

	used, err = client.NonceConsumed(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestGasUsed(t *testing.T) {
	hash := ethcommon.HexToHash("0xbbbb")
	backend := &mockEthBackend{}
	backend.On("TransactionReceipt", mock.Anything, hash).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 52_000, BlockNumber: big.NewInt(7)}, nil)
	client := newTestClient(t, backend)

	gas, err := client.GasUsed(context.Background(), hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(52_000), gas)
}

func TestCall(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)

	root := [32]byte{31: 9}
	input, err := PackIsKnownRoot(root)
	require.NoError(t, err)
	output, err := BridgeABI.Methods[MethodIsKnownRoot].Outputs.Pack(true)
	require.NoError(t, err)

	backend.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.To != nil && *msg.To == anchorAddr && string(msg.Data) == string(input)
	}), (*big.Int)(nil)).Return(output, nil)

	out, err := client.Call(context.Background(), anchorAddr, input)
	require.NoError(t, err)
	known, err := UnpackBool(MethodIsKnownRoot, out)
	require.NoError(t, err)
	assert.True(t, known)
}

func TestEstimateGas(t *testing.T) {
	backend := &mockEthBackend{}
	client := newTestClient(t, backend)

	txData, err := TxRequest{To: anchorAddr.Hex(), Data: []byte{0xca, 0xfe}, Value: "5"}.Encode()
	require.NoError(t, err)

	backend.On("EstimateGas", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.From == client.Address() && msg.To != nil && *msg.To == anchorAddr &&
			msg.Value.Cmp(big.NewInt(5)) == 0 && string(msg.Data) == "\xca\xfe"
	})).Return(uint64(210_000), nil).Once()

	gas, err := client.EstimateGas(context.Background(), txData)
	require.NoError(t, err)
	assert.Equal(t, uint64(210_000), gas)

	backend.On("EstimateGas", mock.Anything, mock.Anything).
		Return(uint64(0), errors.New("execution reverted: nullifier already spent")).Once()
	_, err = client.EstimateGas(context.Background(), txData)
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeSubmission))
	assert.False(t, relayererrors.IsUnbounded(err))

	backend.On("EstimateGas", mock.Anything, mock.Anything).
		Return(uint64(0), errors.New("dial tcp: connection refused")).Once()
	_, err = client.EstimateGas(context.Background(), txData)
	require.Error(t, err)
	assert.True(t, relayererrors.IsUnbounded(err))

	_, err = client.EstimateGas(context.Background(), []byte(`{"to":"nope"}`))
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeMalformed))
	backend.AssertExpectations(t)
}
