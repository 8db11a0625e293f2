// Package fees estimates what a relayed withdrawal costs and what the relayer charges for it.
package fees

import (
	"context"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

const (
	defaultTTL = time.Minute
	cacheSize  = 128
	// fee percentages are kept in basis points
	bpsDenominator = 10_000
)

// GasSource reports the current gas price and the gas limit used for withdrawals.
type GasSource interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	GasLimit() uint64
}

// ChainFees is the fee policy of one chain.
type ChainFees struct {
	Source     GasSource
	FeePercent float64
	MaxRefund  *uint256.Int
}

// FeeInfo answers a fee query.
type FeeInfo struct {
	EstimatedFee *uint256.Int
	GasPrice     *uint256.Int
	MaxRefund    *uint256.Int
	Timestamp    time.Time
}

type quote struct {
	gasPrice *uint256.Int
	fee      *uint256.Int
	at       time.Time
}

// Estimator computes fee info per chain and target, caching gas quotes for a TTL.
type Estimator struct {
	chains map[common.ChainIdentifier]ChainFees
	cache  *expirable.LRU[string, quote]
	now    func() time.Time
	logger zerolog.Logger
}

// NewEstimator creates an estimator; ttl <= 0 uses one minute.
func NewEstimator(ttl time.Duration, logger zerolog.Logger) *Estimator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Estimator{
		chains: make(map[common.ChainIdentifier]ChainFees),
		cache:  expirable.NewLRU[string, quote](cacheSize, nil, ttl),
		now:    time.Now,
		logger: logger.With().Str("component", "fee_estimator").Logger(),
	}
}

// AddChain registers the fee policy of chain.
func (e *Estimator) AddChain(chain common.ChainIdentifier, fees ChainFees) {
	e.chains[chain] = fees
}

// ParseMaxRefund reads a decimal wei amount; empty means zero.
func ParseMaxRefund(s string) (*uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(strings.TrimSpace(s))
}

// GetFeeInfo quotes relaying a withdrawal of amount to target on chain:
// estimated_fee = gas_price * gas_limit * (1 + fee_percent / 100). The refund
// offered is capped by the configured maximum and by what amount leaves after the fee.
func (e *Estimator) GetFeeInfo(ctx context.Context, chain common.ChainIdentifier, target string, amount *uint256.Int) (*FeeInfo, error) {
	policy, ok := e.chains[chain]
	if !ok {
		return nil, relayererrors.NewValidationError(chain.String(), "unsupported chain")
	}

	key := chain.String() + "/" + strings.ToLower(target)
	q, hit := e.cache.Get(key)
	if !hit {
		var err error
		q, err = e.quote(ctx, policy)
		if err != nil {
			return nil, relayererrors.WrapRelayerError(err, relayererrors.ErrCodeNetwork, chain.String(), "failed to fetch gas price")
		}
		e.cache.Add(key, q)
		e.logger.Debug().
			Str("chain", chain.String()).
			Str("target", target).
			Str("gas_price", q.gasPrice.Dec()).
			Msg("refreshed fee quote")
	}

	maxRefund := new(uint256.Int)
	if policy.MaxRefund != nil {
		maxRefund.Set(policy.MaxRefund)
	}
	if amount != nil && !amount.IsZero() {
		left := new(uint256.Int)
		if _, underflow := left.SubOverflow(amount, q.fee); underflow {
			left.Clear()
		}
		if left.Lt(maxRefund) {
			maxRefund = left
		}
	}

	return &FeeInfo{
		EstimatedFee: new(uint256.Int).Set(q.fee),
		GasPrice:     new(uint256.Int).Set(q.gasPrice),
		MaxRefund:    maxRefund,
		Timestamp:    q.at,
	}, nil
}

func (e *Estimator) quote(ctx context.Context, policy ChainFees) (quote, error) {
	price, err := policy.Source.GasPrice(ctx)
	if err != nil {
		return quote{}, err
	}
	gasPrice, overflow := uint256.FromBig(price)
	if overflow {
		return quote{}, relayererrors.NewMalformedError("", "gas price overflows 256 bits", nil)
	}
	fee, err := Fee(gasPrice, policy.Source.GasLimit(), policy.FeePercent)
	if err != nil {
		return quote{}, err
	}
	return quote{gasPrice: gasPrice, fee: fee, at: e.now()}, nil
}

// Fee computes gasPrice * gasLimit * (1 + percent / 100), rounding down.
func Fee(gasPrice *uint256.Int, gasLimit uint64, percent float64) (*uint256.Int, error) {
	if percent < 0 || math.IsNaN(percent) {
		return nil, relayererrors.NewValidationError("", "fee percent must not be negative")
	}
	bps := uint64(math.Round(percent * 100))

	cost, overflow := new(uint256.Int).MulOverflow(gasPrice, uint256.NewInt(gasLimit))
	if overflow {
		return nil, relayererrors.NewValidationError("", "gas cost overflows 256 bits")
	}
	fee, overflow := new(uint256.Int).MulOverflow(cost, uint256.NewInt(bpsDenominator+bps))
	if overflow {
		return nil, relayererrors.NewValidationError("", "fee overflows 256 bits")
	}
	return fee.Div(fee, uint256.NewInt(bpsDenominator)), nil
}
