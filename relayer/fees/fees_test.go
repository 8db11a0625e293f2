package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
)

func TestFee(t *testing.T) {
	fee, err := Fee(uint256.NewInt(10), 1000, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(10500), fee.Uint64())

	fee, err = Fee(uint256.NewInt(3), 1000, 0.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3015), fee.Uint64())

	_, err = Fee(uint256.NewInt(1), 1, -1)
	assert.Error(t, err)
}

func TestGetFeeInfo(t *testing.T) {
	source := &fakeGas{price: big.NewInt(20), limit: 100}
	e := NewEstimator(time.Minute, zerolog.Nop())
	e.AddChain(common.EVMChain(5), ChainFees{Source: source, FeePercent: 10, MaxRefund: uint256.NewInt(5000)})
	ctx := context.Background()

	info, err := e.GetFeeInfo(ctx, common.EVMChain(5), "0xAnchor", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2200), info.EstimatedFee.Uint64())
	assert.Equal(t, uint64(20), info.GasPrice.Uint64())
	assert.Equal(t, uint64(5000), info.MaxRefund.Uint64())
	assert.False(t, info.Timestamp.IsZero())

	// amount caps the refund to what is left after the fee
	info, err = e.GetFeeInfo(ctx, common.EVMChain(5), "0xanchor", uint256.NewInt(3000))
	require.NoError(t, err)
	assert.Equal(t, uint64(800), info.MaxRefund.Uint64())
	assert.Equal(t, 1, source.calls)

	info, err = e.GetFeeInfo(ctx, common.EVMChain(5), "0xanchor", uint256.NewInt(100))
	require.NoError(t, err)
	assert.True(t, info.MaxRefund.IsZero())

	_, err = e.GetFeeInfo(ctx, common.EVMChain(6), "0xanchor", nil)
	assert.Error(t, err)
}

func TestGetFeeInfoGasError(t *testing.T) {
	e := NewEstimator(0, zerolog.Nop())
	e.AddChain(common.EVMChain(5), ChainFees{Source: &fakeGas{err: errors.New("connection refused")}})

	_, err := e.GetFeeInfo(context.Background(), common.EVMChain(5), "0xanchor", nil)
	assert.Error(t, err)
}

func TestParseMaxRefund(t *testing.T) {
	v, err := ParseMaxRefund("")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	v, err = ParseMaxRefund("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.Dec())

	_, err = ParseMaxRefund("abc")
	assert.Error(t, err)
}

// ---- Mocks ----

type fakeGas struct {
	price *big.Int
	limit uint64
	err   error
	calls int
}

func (f *fakeGas) GasPrice(context.Context) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.price, nil
}

func (f *fakeGas) GasLimit() uint64 { return f.limit }
