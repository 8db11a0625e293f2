package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const defaultCallTimeout = 10 * time.Second

// ethBackend is the subset of *ethclient.Client the relayer uses.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error)
	NonceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Close()
}

// RPCClient spreads calls over several endpoints of the same chain with round-robin failover.
type RPCClient struct {
	clients     []ethBackend
	index       uint64
	callTimeout time.Duration
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewRPCClient dials every URL and keeps the endpoints reporting expectedChainID.
func NewRPCClient(rpcURLs []string, expectedChainID uint64, callTimeout time.Duration, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "evm_rpc_client").Logger()
	backends := make([]ethBackend, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			// keep the endpoint, it may just be slow right now
			log.Warn().Err(err).Str("url", url).Uint64("expected_chain_id", expectedChainID).
				Msg("failed to verify chain ID, proceeding with endpoint anyway")
			backends = append(backends, client)
			continue
		}
		if chainID.Uint64() != expectedChainID {
			client.Close()
			log.Warn().
				Str("url", url).
				Uint64("expected_chain_id", expectedChainID).
				Uint64("actual_chain_id", chainID.Uint64()).
				Msg("chain ID mismatch, closing endpoint")
			continue
		}

		backends = append(backends, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}
	return newRPCClientWithBackends(backends, callTimeout, log), nil
}

func newRPCClientWithBackends(backends []ethBackend, callTimeout time.Duration, logger zerolog.Logger) *RPCClient {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &RPCClient{clients: backends, callTimeout: callTimeout, logger: logger}
}

// executeWithFailover runs fn against the endpoints in turn until one succeeds.
// Every attempt gets its own call timeout.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(context.Context, ethBackend) error) error {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	if len(clients) == 0 {
		return fmt.Errorf("no RPC clients available for %s", operation)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := clients[index%uint64(len(clients))]
		if client == nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, rc.callTimeout)
		err := fn(callCtx, client)
		cancel()
		if err == nil {
			return nil
		}
		if isNotFound(err) || isReverted(err) {
			// a definitive answer, another endpoint will not know better
			return err
		}
		lastErr = err

		rc.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return fmt.Errorf("operation %s failed after trying %d endpoints: %w", operation, len(clients), lastErr)
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

// isReverted reports whether the node rejected a call because the EVM reverted.
func isReverted(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// LatestBlock returns the head block number.
func (rc *RPCClient) LatestBlock(ctx context.Context) (uint64, error) {
	var number uint64
	err := rc.executeWithFailover(ctx, "get_block_number", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		number, innerErr = client.BlockNumber(ctx)
		return innerErr
	})
	return number, err
}

// HeaderByNumber returns the header at number.
func (rc *RPCClient) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := rc.executeWithFailover(ctx, "get_header", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		header, innerErr = client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return innerErr
	})
	if err == nil && header == nil {
		return nil, fmt.Errorf("header %d not available", number)
	}
	return header, err
}

// FilterLogs fetches logs matching query.
func (rc *RPCClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := rc.executeWithFailover(ctx, "filter_logs", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		logs, innerErr = client.FilterLogs(ctx, query)
		return innerErr
	})
	return logs, err
}

// TransactionReceipt returns ethereum.NotFound for unknown or pending transactions.
func (rc *RPCClient) TransactionReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := rc.executeWithFailover(ctx, "get_transaction_receipt", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		receipt, innerErr = client.TransactionReceipt(ctx, hash)
		return innerErr
	})
	return receipt, err
}

// TransactionByHash returns the transaction and whether it is still pending.
func (rc *RPCClient) TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := rc.executeWithFailover(ctx, "get_transaction", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		tx, pending, innerErr = client.TransactionByHash(ctx, hash)
		return innerErr
	})
	return tx, pending, err
}

// NonceAt returns the confirmed nonce of account at the head.
func (rc *RPCClient) NonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	var nonce uint64
	err := rc.executeWithFailover(ctx, "get_nonce", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		nonce, innerErr = client.NonceAt(ctx, account, nil)
		return innerErr
	})
	return nonce, err
}

// PendingNonceAt returns the next nonce of account including pooled transactions.
func (rc *RPCClient) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	var nonce uint64
	err := rc.executeWithFailover(ctx, "get_pending_nonce", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		nonce, innerErr = client.PendingNonceAt(ctx, account)
		return innerErr
	})
	return nonce, err
}

// GasPrice fetches the suggested gas price.
func (rc *RPCClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := rc.executeWithFailover(ctx, "get_gas_price", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		gasPrice, innerErr = client.SuggestGasPrice(ctx)
		return innerErr
	})
	return gasPrice, err
}

// SendTransaction broadcasts a signed transaction.
func (rc *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return rc.executeWithFailover(ctx, "send_transaction", func(ctx context.Context, client ethBackend) error {
		return client.SendTransaction(ctx, tx)
	})
}

// CallContract performs an eth_call at the head, or at block when non-nil.
func (rc *RPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var out []byte
	err := rc.executeWithFailover(ctx, "call_contract", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		out, innerErr = client.CallContract(ctx, msg, block)
		return innerErr
	})
	return out, err
}

// EstimateGas simulates msg at the head and returns the gas it used.
func (rc *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := rc.executeWithFailover(ctx, "estimate_gas", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		gas, innerErr = client.EstimateGas(ctx, msg)
		return innerErr
	})
	return gas, err
}

// Close closes all endpoints.
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, client := range rc.clients {
		if client != nil {
			client.Close()
		}
	}
	rc.clients = nil
}
