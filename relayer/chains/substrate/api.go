package substrate

import (
	"context"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	pkgerrors "github.com/pkg/errors"
)

// nodeAPI is the slice of the node RPC the relayer needs, in plain types.
type nodeAPI interface {
	BestNumber(ctx context.Context) (uint64, error)
	FinalizedNumber(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (types.Hash, error)
	Header(ctx context.Context, hash types.Hash) (*types.Header, error)
	Events(ctx context.Context, hash types.Hash) ([]*parser.Event, error)
	// BlockExtrinsics returns the SCALE encoded extrinsics of a block.
	BlockExtrinsics(ctx context.Context, hash types.Hash) ([][]byte, error)
	PendingExtrinsics(ctx context.Context) ([][]byte, error)
	AccountNonce(ctx context.Context) (uint64, error)
	// SignExtrinsic builds and signs call with the relayer account at nonce.
	SignExtrinsic(ctx context.Context, call CallRequest, nonce uint64) ([]byte, error)
	SubmitExtrinsic(ctx context.Context, raw []byte) (types.Hash, error)
	Close()
}

// gsrpcAPI implements nodeAPI with go-substrate-rpc-client.
type gsrpcAPI struct {
	api     *gsrpc.SubstrateAPI
	keyring *signature.KeyringPair

	mu        sync.Mutex
	retriever retriever.EventRetriever
	meta      *types.Metadata
}

func dialNode(url, suri string) (*gsrpcAPI, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", url)
	}
	node := &gsrpcAPI{api: api}
	if suri != "" {
		kp, err := signature.KeyringPairFromSecret(suri, 42)
		if err != nil {
			api.Client.Close()
			return nil, pkgerrors.Wrap(err, "invalid relayer SURI")
		}
		node.keyring = &kp
	}
	return node, nil
}

func (n *gsrpcAPI) BestNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	header, err := n.api.RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, err
	}
	return uint64(header.Number), nil
}

func (n *gsrpcAPI) FinalizedNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hash, err := n.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, err
	}
	header, err := n.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, err
	}
	return uint64(header.Number), nil
}

func (n *gsrpcAPI) BlockHash(ctx context.Context, number uint64) (types.Hash, error) {
	if err := ctx.Err(); err != nil {
		return types.Hash{}, err
	}
	return n.api.RPC.Chain.GetBlockHash(number)
}

func (n *gsrpcAPI) Header(ctx context.Context, hash types.Hash) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.api.RPC.Chain.GetHeader(hash)
}

func (n *gsrpcAPI) eventRetriever() (retriever.EventRetriever, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.retriever != nil {
		return n.retriever, nil
	}
	r, err := retriever.NewDefaultEventRetriever(state.NewEventProvider(n.api.RPC.State), n.api.RPC.State)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create event retriever")
	}
	n.retriever = r
	return r, nil
}

func (n *gsrpcAPI) Events(ctx context.Context, hash types.Hash) ([]*parser.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := n.eventRetriever()
	if err != nil {
		return nil, err
	}
	return r.GetEvents(hash)
}

func encodeExtrinsics(exts []types.Extrinsic) ([][]byte, error) {
	out := make([][]byte, 0, len(exts))
	for _, ext := range exts {
		raw, err := codec.Encode(ext)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (n *gsrpcAPI) BlockExtrinsics(ctx context.Context, hash types.Hash) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	block, err := n.api.RPC.Chain.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	return encodeExtrinsics(block.Block.Extrinsics)
}

func (n *gsrpcAPI) PendingExtrinsics(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exts, err := n.api.RPC.Author.PendingExtrinsics()
	if err != nil {
		return nil, err
	}
	return encodeExtrinsics(exts)
}

func (n *gsrpcAPI) metadata() (*types.Metadata, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.meta != nil {
		return n.meta, nil
	}
	meta, err := n.api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, err
	}
	n.meta = meta
	return meta, nil
}

func (n *gsrpcAPI) AccountNonce(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if n.keyring == nil {
		return 0, pkgerrors.New("no relayer account configured")
	}
	meta, err := n.metadata()
	if err != nil {
		return 0, err
	}
	key, err := types.CreateStorageKey(meta, "System", "Account", n.keyring.PublicKey)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to build account storage key")
	}
	var info types.AccountInfo
	ok, err := n.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return uint64(info.Nonce), nil
}

func (n *gsrpcAPI) SignExtrinsic(ctx context.Context, req CallRequest, nonce uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.keyring == nil {
		return nil, pkgerrors.New("no relayer account configured")
	}
	meta, err := n.metadata()
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, len(req.Args))
	for i, arg := range req.Args {
		// arguments arrive SCALE encoded
		args[i] = types.Data(arg)
	}
	call, err := types.NewCall(meta, req.Method(), args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to build call %s", req.Method())
	}

	genesis, err := n.api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return nil, err
	}
	rv, err := n.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, err
	}

	ext := types.NewExtrinsic(call)
	err = ext.Sign(*n.keyring, types.SignatureOptions{
		BlockHash:          genesis,
		Era:                types.ExtrinsicEra{IsMortalEra: false},
		GenesisHash:        genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to sign extrinsic")
	}
	return codec.Encode(ext)
}

func (n *gsrpcAPI) SubmitExtrinsic(ctx context.Context, raw []byte) (types.Hash, error) {
	var hash types.Hash
	if err := ctx.Err(); err != nil {
		return hash, err
	}
	err := n.api.Client.Call(&hash, "author_submitExtrinsic", codec.HexEncodeToString(raw))
	return hash, err
}

func (n *gsrpcAPI) Close() {
	n.api.Client.Close()
}
