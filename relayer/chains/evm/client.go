package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// TxRequest is the chain specific payload stored in QueueItem.TxData for EVM chains.
type TxRequest struct {
	To       string        `json:"to"`
	Data     hexutil.Bytes `json:"data"`
	Value    string        `json:"value,omitempty"` // wei, decimal
	GasLimit uint64        `json:"gas_limit,omitempty"`
}

// Encode serializes the request for the queue.
func (r TxRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeTxRequest parses QueueItem.TxData.
func DecodeTxRequest(raw []byte) (TxRequest, error) {
	var req TxRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, pkgerrors.Wrap(err, "invalid evm tx request")
	}
	if !ethcommon.IsHexAddress(req.To) {
		return req, pkgerrors.Errorf("invalid evm tx target %q", req.To)
	}
	return req, nil
}

// Client is the EVM implementation of common.ChainClient.
type Client struct {
	chain         common.ChainIdentifier
	rpc           *RPCClient
	key           *ecdsa.PrivateKey
	from          ethcommon.Address
	signer        types.Signer
	gasLimit      uint64
	confirmations uint64
	logger        zerolog.Logger
}

// NewClient creates a client for cfg. Without a private key the client can
// read but not sign.
func NewClient(cfg config.EVMChainConfig, rpc *RPCClient, logger zerolog.Logger) (*Client, error) {
	chain := common.EVMChain(cfg.ChainID)
	c := &Client{
		chain:         chain,
		rpc:           rpc,
		signer:        types.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
		gasLimit:      cfg.GasLimit,
		confirmations: cfg.BlockConfirmations,
		logger: logger.With().
			Str("component", "evm_client").
			Str("chain", chain.String()).
			Logger(),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, relayererrors.NewConfigError(chain.String(), "invalid relayer private key")
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Dial connects to the configured endpoints and creates the client.
func Dial(cfg config.EVMChainConfig, logger zerolog.Logger) (*Client, error) {
	timeout := time.Duration(cfg.RPCTimeoutSeconds) * time.Second
	rpc, err := NewRPCClient(cfg.RPCURLs, cfg.ChainID, timeout, logger)
	if err != nil {
		return nil, relayererrors.NewNetworkError(common.EVMChain(cfg.ChainID).String(), "failed to connect", err)
	}
	return NewClient(cfg, rpc, logger)
}

func (c *Client) Chain() common.ChainIdentifier {
	return c.chain
}

// RPC exposes the underlying endpoint pool.
func (c *Client) RPC() *RPCClient {
	return c.rpc
}

// Address is the relayer account, zero when no key is configured.
func (c *Client) Address() ethcommon.Address {
	return c.from
}

func (c *Client) networkErr(err error, message string) error {
	if err == nil {
		return nil
	}
	if relayererrors.CodeOf(err) != "" {
		return err
	}
	if pkgerrors.Is(err, context.DeadlineExceeded) {
		return relayererrors.NewTimeoutError(c.chain.String(), message, err)
	}
	return relayererrors.NewNetworkError(c.chain.String(), message, err)
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	number, err := c.rpc.LatestBlock(ctx)
	return number, c.networkErr(err, "failed to get latest block")
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	header, err := c.rpc.HeaderByNumber(ctx, number)
	if err != nil {
		return "", c.networkErr(err, "failed to get block header")
	}
	return header.Hash().Hex(), nil
}

// GasPrice returns the suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.rpc.GasPrice(ctx)
	return price, c.networkErr(err, "failed to get gas price")
}

// GasLimit is the configured default gas limit of outbound transactions.
func (c *Client) GasLimit() uint64 {
	return c.gasLimit
}

// Call performs a read-only contract call at the head.
func (c *Client) Call(ctx context.Context, to ethcommon.Address, data []byte) ([]byte, error) {
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	return out, c.networkErr(err, "contract call failed")
}

// SignTransaction builds a legacy transaction from txData at the account's
// pending nonce and signs it.
func (c *Client) SignTransaction(ctx context.Context, txData []byte) (*common.SignedTx, error) {
	if c.key == nil {
		return nil, relayererrors.NewConfigError(c.chain.String(), "no relayer private key configured")
	}
	req, err := DecodeTxRequest(txData)
	if err != nil {
		return nil, relayererrors.NewMalformedError(c.chain.String(), "invalid tx data", err)
	}

	value, err := c.txValue(req)
	if err != nil {
		return nil, err
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = c.gasLimit
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, c.networkErr(err, "failed to get pending nonce")
	}
	gasPrice, err := c.rpc.GasPrice(ctx)
	if err != nil {
		return nil, c.networkErr(err, "failed to get gas price")
	}

	to := ethcommon.HexToAddress(req.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, relayererrors.NewInternalError(c.chain.String(), "failed to sign transaction", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, relayererrors.NewInternalError(c.chain.String(), "failed to encode transaction", err)
	}

	return &common.SignedTx{Hash: signed.Hash().Hex(), Nonce: nonce, Raw: raw}, nil
}

func (c *Client) txValue(req TxRequest) (*big.Int, error) {
	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok {
			return nil, relayererrors.NewMalformedError(c.chain.String(), "invalid tx value "+req.Value, nil)
		}
	}
	return value, nil
}

// EstimateGas simulates txData from the relayer account at the head. A call
// that reverts yields a SUBMISSION error.
func (c *Client) EstimateGas(ctx context.Context, txData []byte) (uint64, error) {
	req, err := DecodeTxRequest(txData)
	if err != nil {
		return 0, relayererrors.NewMalformedError(c.chain.String(), "invalid tx data", err)
	}
	value, err := c.txValue(req)
	if err != nil {
		return 0, err
	}

	to := ethcommon.HexToAddress(req.To)
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: req.Data})
	if err != nil {
		if isReverted(err) {
			return 0, relayererrors.NewSubmissionError(c.chain.String(), "transaction would revert", err)
		}
		return 0, c.networkErr(err, "failed to estimate gas")
	}
	return gas, nil
}

// SubmitTransaction broadcasts tx. A transaction the node already knows counts as submitted.
func (c *Client) SubmitTransaction(ctx context.Context, signed *common.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return "", relayererrors.NewMalformedError(c.chain.String(), "invalid raw transaction", err)
	}

	err := c.rpc.SendTransaction(ctx, tx)
	if err == nil || isAlreadyKnown(err) {
		c.logger.Info().
			Str("tx_hash", tx.Hash().Hex()).
			Uint64("nonce", tx.Nonce()).
			Msg("transaction broadcast")
		return tx.Hash().Hex(), nil
	}
	if relayererrors.IsUnbounded(err) {
		return "", c.networkErr(err, "failed to broadcast transaction")
	}
	return "", relayererrors.NewSubmissionError(c.chain.String(), "transaction rejected", err).
		WithContext("tx_hash", tx.Hash().Hex())
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// GetTransactionStatus maps receipt and pool state to a TxStatus.
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (common.TxStatus, error) {
	txHash := ethcommon.HexToHash(hash)

	receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == types.ReceiptStatusFailed {
			return common.TxStatusReverted, nil
		}
		head, err := c.rpc.LatestBlock(ctx)
		if err != nil {
			return "", c.networkErr(err, "failed to get latest block")
		}
		included := receipt.BlockNumber.Uint64()
		if head >= included && head-included+1 >= c.confirmations {
			return common.TxStatusFinalized, nil
		}
		return common.TxStatusInBlock, nil
	case err != nil && !isNotFound(err):
		return "", c.networkErr(err, "failed to get transaction receipt")
	}

	_, pending, err := c.rpc.TransactionByHash(ctx, txHash)
	if err != nil {
		if isNotFound(err) {
			return common.TxStatusDropped, nil
		}
		return "", c.networkErr(err, "failed to get transaction")
	}
	if pending {
		return common.TxStatusPending, nil
	}
	// mined but the receipt is not indexed yet
	return common.TxStatusInBlock, nil
}

// GasUsed returns the gas used by a mined transaction.
func (c *Client) GasUsed(ctx context.Context, hash string) (uint64, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, ethcommon.HexToHash(hash))
	if err != nil {
		return 0, c.networkErr(err, "failed to get transaction receipt")
	}
	return receipt.GasUsed, nil
}

// NonceConsumed reports whether a transaction with nonce was mined for the relayer account.
func (c *Client) NonceConsumed(ctx context.Context, nonce uint64) (bool, error) {
	confirmed, err := c.rpc.NonceAt(ctx, c.from)
	if err != nil {
		return false, c.networkErr(err, "failed to get account nonce")
	}
	return confirmed > nonce, nil
}

// Close releases the endpoints.
func (c *Client) Close() {
	c.rpc.Close()
}
