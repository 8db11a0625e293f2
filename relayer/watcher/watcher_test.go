package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/db"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

// ---- Mocks ----

type fetchCall struct{ from, to uint64 }

type fakeSource struct {
	mu      sync.Mutex
	head    uint64
	headErr error
	hashes  map[uint64]string
	logs    []common.DomainEvent
	fetches []fetchCall
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{head: head, hashes: map[uint64]string{}}
}

func (f *fakeSource) hashOf(n uint64) string {
	if h, ok := f.hashes[n]; ok {
		return h
	}
	return fmt.Sprintf("0x%064x", n)
}

func (f *fakeSource) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeSource) BlockHash(ctx context.Context, number uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashOf(number), nil
}

func (f *fakeSource) ParentHash(ctx context.Context, number uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashOf(number - 1), nil
}

func (f *fakeSource) FetchEvents(ctx context.Context, item common.WatchedItem, from, to uint64) ([]common.DomainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetchCall{from, to})
	var out []common.DomainEvent
	for _, ev := range f.logs {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.fetches...)
}

// ---- Helpers ----

const contract = "0x91eb86019fd8d7c5a9e31143d422850a13f670a3"

func depositAt(block uint64, leafIndex uint64) common.DomainEvent {
	var leaf [32]byte
	leaf[31] = byte(leafIndex + 1)
	return common.DomainEvent{
		Kind:        common.EventDeposit,
		Chain:       common.EVMChain(5001),
		Contract:    contract,
		BlockNumber: block,
		LogIndex:    0,
		TxHash:      fmt.Sprintf("0xtx%d", block),
		Deposit:     &common.Deposit{LeafIndex: leafIndex, Leaf: leaf},
	}
}

func setup(t *testing.T, source *fakeSource, startBlock, depth uint64) (*Watcher, *common.ChainStore) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cs := common.NewChainStore(database, common.EVMChain(5001))
	item := common.WatchedItem{
		Chain:             common.EVMChain(5001),
		Address:           contract,
		Kind:              "vanchor",
		StartBlock:        startBlock,
		ConfirmationDepth: depth,
		PollInterval:      10 * time.Millisecond,
	}
	w := New(item, source, cs, nil, nil, nil, zerolog.Nop())
	require.NoError(t, w.Init())
	return w, cs
}

// ---- Tests ----

func TestPollRespectsConfirmationDepth(t *testing.T) {
	source := newFakeSource(106)
	source.logs = []common.DomainEvent{depositAt(101, 0), depositAt(103, 1), depositAt(105, 2)}

	w, cs := setup(t, source, 101, 2)

	wm, err := cs.GetWatermark(contract)
	require.NoError(t, err)
	require.Equal(t, uint64(100), wm.Block)

	events, err := w.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []fetchCall{{101, 104}}, source.fetchCalls())
	require.Len(t, events, 2)
	assert.Equal(t, uint64(101), events[0].BlockNumber)
	assert.Equal(t, uint64(103), events[1].BlockNumber)

	wm, err = cs.GetWatermark(contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(104), wm.Block)

	leaves, last, err := cs.GetLeaves(contract, 0, 10)
	require.NoError(t, err)
	assert.Len(t, leaves, 2)
	assert.Equal(t, uint64(104), last)
}

func TestRepeatedPollsWithoutNewBlocksAreIdempotent(t *testing.T) {
	source := newFakeSource(106)
	source.logs = []common.DomainEvent{depositAt(101, 0), depositAt(103, 1)}
	w, cs := setup(t, source, 101, 2)

	_, err := w.Poll(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		events, err := w.Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, events)
	}

	assert.Len(t, source.fetchCalls(), 1)
	wm, err := cs.GetWatermark(contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(104), wm.Block)
	leaves, _, err := cs.GetLeaves(contract, 0, 10)
	require.NoError(t, err)
	assert.Len(t, leaves, 2)
}

func TestPollNeverReemitsCommittedEvents(t *testing.T) {
	source := newFakeSource(106)
	source.logs = []common.DomainEvent{depositAt(101, 0), depositAt(103, 1), depositAt(105, 2)}
	w, _ := setup(t, source, 101, 2)

	first, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)

	source.mu.Lock()
	source.head = 110
	source.mu.Unlock()

	second, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(105), second[0].BlockNumber)
}

func TestPollRecordsPendingEvents(t *testing.T) {
	source := newFakeSource(106)
	output := common.DomainEvent{
		Kind:            common.EventEncryptedOutput,
		Chain:           common.EVMChain(5001),
		Contract:        contract,
		BlockNumber:     102,
		EncryptedOutput: &common.EncryptedOutput{Index: 0, Data: []byte{0xaa}},
	}
	source.logs = []common.DomainEvent{depositAt(101, 0), output, depositAt(103, 1)}
	w, cs := setup(t, source, 101, 2)

	events, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)

	pending, err := cs.ListPendingEvents()
	require.NoError(t, err)
	require.Len(t, pending, 2, "encrypted outputs only feed the cache")
	assert.Equal(t, events[0].Hash(), pending[0].EventHash)
	assert.Equal(t, events[2].Hash(), pending[1].EventHash)

	decoded, err := common.DecodeEvent(pending[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, events[2], decoded)
	assert.Equal(t, events[2].Hash(), decoded.Hash())
}

func TestPollHonorsMaxBlockRange(t *testing.T) {
	source := newFakeSource(1000)
	w, cs := setup(t, source, 1, 0)
	w.item.MaxBlockRange = 100

	_, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []fetchCall{{1, 100}}, source.fetchCalls())

	wm, err := cs.GetWatermark(contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), wm.Block)
}

func TestPollDetectsReorgAndRollsBack(t *testing.T) {
	source := newFakeSource(120)
	w, cs := setup(t, source, 1, 0)
	w.item.MaxBlockRange = 50

	_, err := w.Poll(context.Background()) // 1..50
	require.NoError(t, err)
	_, err = w.Poll(context.Background()) // 51..100
	require.NoError(t, err)

	// block 100 is replaced on chain, block 50 still matches
	source.mu.Lock()
	source.hashes[100] = "0xforked"
	source.mu.Unlock()

	_, err = w.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeReorg))

	wm, err := cs.GetWatermark(contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), wm.Block)

	events, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	calls := source.fetchCalls()
	assert.Equal(t, fetchCall{51, 100}, calls[len(calls)-1])
}

func TestPollNetworkErrorIsRetryable(t *testing.T) {
	source := newFakeSource(0)
	source.headErr = errors.New("dial tcp: connection refused")
	w, cs := setup(t, source, 10, 1)

	_, err := w.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, relayererrors.IsUnbounded(err))

	wm, err := cs.GetWatermark(contract)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), wm.Block)

	delay, fatal := w.tick(context.Background())
	assert.False(t, fatal)
	assert.GreaterOrEqual(t, delay, w.item.PollInterval)
	assert.Equal(t, uint(1), w.failures)
}

func TestPollSkipsMalformedEvents(t *testing.T) {
	source := newFakeSource(10)
	bad := common.DomainEvent{Kind: common.EventDeposit, Chain: common.EVMChain(5001), Contract: contract, BlockNumber: 3}
	source.logs = []common.DomainEvent{bad, depositAt(4, 0)}
	w, _ := setup(t, source, 1, 0)

	events, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(4), events[0].BlockNumber)
}

func TestRunDeliversEventsToHandler(t *testing.T) {
	source := newFakeSource(10)
	source.logs = []common.DomainEvent{depositAt(2, 0), depositAt(5, 1)}
	w, _ := setup(t, source, 1, 1)

	var mu sync.Mutex
	var got []common.DomainEvent
	w.handler = EventHandlerFunc(func(ctx context.Context, item common.WatchedItem, events []common.DomainEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, events...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
