package substrate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// scanWindow bounds how far back an unknown extrinsic is searched for.
const scanWindow = 128

// CallRequest is the payload stored in QueueItem.TxData for Substrate chains.
// Args are SCALE encoded call arguments.
type CallRequest struct {
	Pallet string          `json:"pallet"`
	Call   string          `json:"call"`
	Args   []hexutil.Bytes `json:"args"`
}

// Method returns the "Pallet.call" name used by the metadata lookup.
func (r CallRequest) Method() string {
	return r.Pallet + "." + r.Call
}

// Encode serializes the request for the queue.
func (r CallRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeCallRequest parses QueueItem.TxData.
func DecodeCallRequest(raw []byte) (CallRequest, error) {
	var req CallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, pkgerrors.Wrap(err, "invalid substrate call request")
	}
	if req.Pallet == "" || req.Call == "" {
		return req, pkgerrors.New("substrate call request needs pallet and call")
	}
	return req, nil
}

// ExtrinsicHash is the blake2b-256 hash of an encoded extrinsic.
func ExtrinsicHash(raw []byte) string {
	return types.Hash(blake2b.Sum256(raw)).Hex()
}

// sentExtrinsic is the lookup state of one submitted extrinsic. Entries in
// Client.sent are replaced under Client.mu, never mutated in place.
type sentExtrinsic struct {
	nonce     uint64
	scannedTo uint64
	inBlock   uint64
	blockHash types.Hash
	index     int
}

// Client is the Substrate implementation of common.ChainClient.
type Client struct {
	chain  common.ChainIdentifier
	node   nodeAPI
	logger zerolog.Logger

	mu   sync.Mutex
	sent map[string]*sentExtrinsic
}

// Dial connects to the node of cfg.
func Dial(cfg config.SubstrateChainConfig, logger zerolog.Logger) (*Client, error) {
	chain := common.SubstrateChain(uint32(cfg.ChainID))
	node, err := dialNode(cfg.RPCURL, cfg.SURI)
	if err != nil {
		return nil, relayererrors.NewNetworkError(chain.String(), "failed to connect", err)
	}
	return newClient(chain, node, logger), nil
}

func newClient(chain common.ChainIdentifier, node nodeAPI, logger zerolog.Logger) *Client {
	return &Client{
		chain: chain,
		node:  node,
		sent:  make(map[string]*sentExtrinsic),
		logger: logger.With().
			Str("component", "substrate_client").
			Str("chain", chain.String()).
			Logger(),
	}
}

func (c *Client) Chain() common.ChainIdentifier {
	return c.chain
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
	n, err := c.node.BestNumber(ctx)
	return n, c.networkErr(err, "failed to get best block")
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	hash, err := c.node.BlockHash(ctx, number)
	if err != nil {
		return "", c.networkErr(err, "failed to get block hash")
	}
	return hash.Hex(), nil
}

// SignTransaction signs the call in txData at the account's current nonce.
func (c *Client) SignTransaction(ctx context.Context, txData []byte) (*common.SignedTx, error) {
	req, err := DecodeCallRequest(txData)
	if err != nil {
		return nil, relayererrors.NewMalformedError(c.chain.String(), "invalid tx data", err)
	}
	nonce, err := c.node.AccountNonce(ctx)
	if err != nil {
		return nil, c.networkErr(err, "failed to get account nonce")
	}
	raw, err := c.node.SignExtrinsic(ctx, req, nonce)
	if err != nil {
		return nil, relayererrors.NewInternalError(c.chain.String(), "failed to sign extrinsic", err)
	}
	return &common.SignedTx{Hash: ExtrinsicHash(raw), Nonce: nonce, Raw: raw}, nil
}

// SubmitTransaction broadcasts a signed extrinsic.
func (c *Client) SubmitTransaction(ctx context.Context, tx *common.SignedTx) (string, error) {
	best, _ := c.node.BestNumber(ctx)

	hash, err := c.node.SubmitExtrinsic(ctx, tx.Raw)
	if err != nil {
		if relayererrors.IsUnbounded(err) {
			return "", c.networkErr(err, "failed to submit extrinsic")
		}
		return "", relayererrors.NewSubmissionError(c.chain.String(), "extrinsic rejected", err).
			WithContext("tx_hash", tx.Hash)
	}

	c.mu.Lock()
	from := uint64(0)
	if best > 0 {
		from = best - 1
	}
	c.sent[hash.Hex()] = &sentExtrinsic{nonce: tx.Nonce, scannedTo: from}
	c.mu.Unlock()

	c.logger.Info().
		Str("tx_hash", hash.Hex()).
		Uint64("nonce", tx.Nonce).
		Msg("extrinsic submitted")
	return hash.Hex(), nil
}

// GetTransactionStatus locates the extrinsic in recent blocks or the pool.
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (common.TxStatus, error) {
	best, err := c.node.BestNumber(ctx)
	if err != nil {
		return "", c.networkErr(err, "failed to get best block")
	}
	finalized, err := c.node.FinalizedNumber(ctx)
	if err != nil {
		return "", c.networkErr(err, "failed to get finalized block")
	}

	c.mu.Lock()
	var entry sentExtrinsic
	stored, known := c.sent[hash]
	if known {
		entry = *stored
	} else {
		start := uint64(0)
		if best > scanWindow {
			start = best - scanWindow
		}
		entry = sentExtrinsic{scannedTo: start}
	}
	c.mu.Unlock()
	defer func() { c.remember(hash, entry, known) }()

	if entry.inBlock > 0 {
		current, err := c.node.BlockHash(ctx, entry.inBlock)
		if err != nil {
			return "", c.networkErr(err, "failed to get block hash")
		}
		if current != entry.blockHash {
			// the including block was reorganized away
			entry.scannedTo = entry.inBlock - 1
			entry.inBlock = 0
		}
	}

	if entry.inBlock == 0 {
		if err := c.scan(ctx, hash, &entry, best); err != nil {
			return "", err
		}
	}

	if entry.inBlock > 0 {
		failed, err := c.extrinsicFailed(ctx, entry.blockHash, entry.index)
		if err != nil {
			return "", err
		}
		if failed {
			return common.TxStatusReverted, nil
		}
		if entry.inBlock <= finalized {
			return common.TxStatusFinalized, nil
		}
		return common.TxStatusInBlock, nil
	}

	pending, err := c.node.PendingExtrinsics(ctx)
	if err != nil {
		return "", c.networkErr(err, "failed to get pending extrinsics")
	}
	for _, raw := range pending {
		if ExtrinsicHash(raw) == hash {
			return common.TxStatusPending, nil
		}
	}
	return common.TxStatusDropped, nil
}

// remember stores the scan progress of hash. An entry forgotten while the
// lookup ran stays forgotten.
func (c *Client) remember(hash string, entry sentExtrinsic, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sent[hash]; ok || !known {
		c.sent[hash] = &entry
	}
}

func (c *Client) scan(ctx context.Context, hash string, entry *sentExtrinsic, best uint64) error {
	for n := entry.scannedTo + 1; n <= best; n++ {
		blockHash, err := c.node.BlockHash(ctx, n)
		if err != nil {
			return c.networkErr(err, "failed to get block hash")
		}
		exts, err := c.node.BlockExtrinsics(ctx, blockHash)
		if err != nil {
			return c.networkErr(err, "failed to get block")
		}
		for i, raw := range exts {
			if ExtrinsicHash(raw) == hash {
				entry.inBlock = n
				entry.blockHash = blockHash
				entry.index = i
				return nil
			}
		}
		entry.scannedTo = n
	}
	return nil
}

func (c *Client) extrinsicFailed(ctx context.Context, blockHash types.Hash, index int) (bool, error) {
	events, err := c.node.Events(ctx, blockHash)
	if err != nil {
		return false, c.networkErr(err, "failed to get block events")
	}
	for _, ev := range events {
		if ev == nil || ev.Name != EventExtrinsicFailed || ev.Phase == nil {
			continue
		}
		if ev.Phase.IsApplyExtrinsic && int(ev.Phase.AsApplyExtrinsic) == index {
			return true, nil
		}
	}
	return false, nil
}

// NonceConsumed reports whether the relayer account's nonce moved past nonce.
func (c *Client) NonceConsumed(ctx context.Context, nonce uint64) (bool, error) {
	current, err := c.node.AccountNonce(ctx)
	if err != nil {
		return false, c.networkErr(err, "failed to get account nonce")
	}
	return current > nonce, nil
}

// Forget drops bookkeeping of a hash once its item reached a final state.
func (c *Client) Forget(hash string) {
	c.mu.Lock()
	delete(c.sent, hash)
	c.mu.Unlock()
}

// Close closes the node connection.
func (c *Client) Close() {
	c.node.Close()
}
