package substrate

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ---- Mocks ----

type fakeBlock struct {
	parent     types.Hash
	extrinsics [][]byte
	events     []*parser.Event
}

type fakeNode struct {
	mu        sync.Mutex
	best      uint64
	finalized uint64
	blocks    map[uint64]*fakeBlock
	pending   [][]byte
	nonce     uint64
	submitted [][]byte
	submitErr error
}

func newFakeNode() *fakeNode {
	return &fakeNode{blocks: map[uint64]*fakeBlock{}}
}

func hashOf(n uint64) types.Hash {
	var h types.Hash
	binary.BigEndian.PutUint64(h[24:], n)
	h[0] = 0xbb
	return h
}

func (f *fakeNode) numberOf(hash types.Hash) (uint64, error) {
	for n := range f.blocks {
		if hashOf(n) == hash {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unknown block %s", hash.Hex())
}

func (f *fakeNode) block(n uint64) *fakeBlock {
	b, ok := f.blocks[n]
	if !ok {
		b = &fakeBlock{}
		if n > 0 {
			b.parent = hashOf(n - 1)
		}
		f.blocks[n] = b
	}
	return b
}

func (f *fakeNode) BestNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.best, nil
}

func (f *fakeNode) FinalizedNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized, nil
}

func (f *fakeNode) BlockHash(ctx context.Context, number uint64) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block(number)
	return hashOf(number), nil
}

func (f *fakeNode) Header(ctx context.Context, hash types.Hash) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.numberOf(hash)
	if err != nil {
		return nil, err
	}
	return &types.Header{ParentHash: f.blocks[n].parent, Number: types.BlockNumber(n)}, nil
}

func (f *fakeNode) Events(ctx context.Context, hash types.Hash) ([]*parser.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.numberOf(hash)
	if err != nil {
		return nil, err
	}
	return f.blocks[n].events, nil
}

func (f *fakeNode) BlockExtrinsics(ctx context.Context, hash types.Hash) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.numberOf(hash)
	if err != nil {
		return nil, err
	}
	return f.blocks[n].extrinsics, nil
}

func (f *fakeNode) PendingExtrinsics(ctx context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeNode) AccountNonce(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeNode) SignExtrinsic(ctx context.Context, call CallRequest, nonce uint64) ([]byte, error) {
	raw := []byte(fmt.Sprintf("%s|%d", call.Method(), nonce))
	for _, arg := range call.Args {
		raw = append(raw, arg...)
	}
	return raw, nil
}

func (f *fakeNode) SubmitExtrinsic(ctx context.Context, raw []byte) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return types.Hash{}, f.submitErr
	}
	f.submitted = append(f.submitted, raw)
	f.pending = append(f.pending, raw)
	var h types.Hash
	copy(h[:], hexutil.MustDecode(ExtrinsicHash(raw)))
	return h, nil
}

func (f *fakeNode) Close() {}

// include moves raw from the pool into block n.
func (f *fakeNode) include(n uint64, raw []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.block(n)
	b.extrinsics = append(b.extrinsics, raw)
	kept := f.pending[:0]
	for _, p := range f.pending {
		if string(p) != string(raw) {
			kept = append(kept, p)
		}
	}
	f.pending = kept
	if n > f.best {
		f.best = n
	}
	return len(b.extrinsics) - 1
}

func (f *fakeNode) addEvent(n uint64, ev *parser.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.block(n)
	b.events = append(b.events, ev)
}
