package substrate

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
)

var testChain = common.SubstrateChain(1080)

func u8Seq(b []byte) []any {
	out := make([]any, len(b))
	for i, v := range b {
		out[i] = types.U8(v)
	}
	return out
}

func proposalBytes(nonce uint32) []byte {
	data := make([]byte, 40+3)
	data[0] = 0xaa
	binary.BigEndian.PutUint32(data[36:40], nonce)
	return data
}

func keyRotationEvent() *parser.Event {
	return &parser.Event{
		Name: EventPublicKeySignatureChanged,
		Fields: registry.DecodedFields{
			{Name: "compressed_pub_key", Value: u8Seq([]byte{0x02, 0x01})},
			{Name: "pub_key_sig", Value: registry.DecodedFields{{Name: "", Value: []byte{0x09}}}},
		},
	}
}

func TestParseKeyRotation(t *testing.T) {
	p := eventParser{chain: testChain}
	item := common.WatchedItem{Chain: testChain, Address: "DKG", Kind: constant.KindDKG}

	ev, err := p.parse(item, 50, "0xb1", 3, keyRotationEvent())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, common.EventKeyRotation, ev.Kind)
	assert.Equal(t, []byte{0x02, 0x01}, ev.KeyRotation.NewKey)
	assert.Equal(t, []byte{0x09}, ev.KeyRotation.Signature)
	assert.Equal(t, uint64(50), ev.KeyRotation.Nonce)
	assert.Equal(t, uint(3), ev.LogIndex)
	require.NoError(t, ev.Validate())

	withNonce := keyRotationEvent()
	withNonce.Fields = append(withNonce.Fields, &registry.DecodedField{Name: "nonce", Value: types.U32(7)})
	ev, err = p.parse(item, 50, "0xb1", 3, withNonce)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.KeyRotation.Nonce)
}

func TestParseProposalSigned(t *testing.T) {
	p := eventParser{chain: testChain}
	item := common.WatchedItem{Chain: testChain, Address: "DKGProposalHandler", Kind: constant.KindGovernance}

	ev, err := p.parse(item, 9, "0xb2", 0, &parser.Event{
		Name:   EventProposalSigned,
		Fields: registry.DecodedFields{{Name: "data", Value: types.Bytes(proposalBytes(12))}},
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, common.EventGovernance, ev.Kind)
	assert.Equal(t, uint64(12), ev.Governance.Nonce)

	_, err = p.parse(item, 9, "0xb2", 1, &parser.Event{
		Name:   EventProposalSigned,
		Fields: registry.DecodedFields{{Name: "data", Value: []byte{1, 2, 3}}},
	})
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeMalformed))
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	p := eventParser{chain: testChain}
	item := common.WatchedItem{Chain: testChain, Address: "DKG", Kind: constant.KindDKG}

	ev, err := p.parse(item, 1, "0x01", 0, &parser.Event{Name: "Balances.Transfer"})
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = p.parse(item, 1, "0x01", 0, &parser.Event{Name: "DKG.NextKeygenThresholdUpdated"})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestBlockSourceFetchEvents(t *testing.T) {
	node := newFakeNode()
	node.best = 10
	node.addEvent(3, &parser.Event{Name: "System.ExtrinsicSuccess"})
	node.addEvent(3, keyRotationEvent())
	node.addEvent(5, &parser.Event{Name: EventPublicKeySignatureChanged}) // no fields
	node.addEvent(6, keyRotationEvent())

	source := newBlockSource(testChain, node, zerolog.Nop())
	item := common.WatchedItem{Chain: testChain, Address: "DKG", Kind: constant.KindDKG}

	events, err := source.FetchEvents(context.Background(), item, 1, 6)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].BlockNumber)
	assert.Equal(t, uint(1), events[0].LogIndex)
	assert.Equal(t, uint64(6), events[1].BlockNumber)

	parent, err := source.ParentHash(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, hashOf(5).Hex(), parent)
}

func TestClientSignSubmitAndTrack(t *testing.T) {
	node := newFakeNode()
	node.best = 20
	node.finalized = 18
	node.nonce = 4
	client := newClient(testChain, node, zerolog.Nop())
	ctx := context.Background()

	txData, err := CallRequest{Pallet: "SignatureBridge", Call: "execute_proposal", Args: []hexutil.Bytes{{0x01}}}.Encode()
	require.NoError(t, err)

	signed, err := client.SignTransaction(ctx, txData)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), signed.Nonce)
	assert.Equal(t, ExtrinsicHash(signed.Raw), signed.Hash)

	hash, err := client.SubmitTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, signed.Hash, hash)

	status, err := client.GetTransactionStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, common.TxStatusPending, status)

	index := node.include(21, signed.Raw)
	status, err = client.GetTransactionStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, common.TxStatusInBlock, status)

	node.mu.Lock()
	node.finalized = 21
	node.nonce = 5
	node.mu.Unlock()
	status, err = client.GetTransactionStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, common.TxStatusFinalized, status)

	used, err := client.NonceConsumed(ctx, 4)
	require.NoError(t, err)
	assert.True(t, used)

	node.addEvent(21, &parser.Event{
		Name:  EventExtrinsicFailed,
		Phase: &types.Phase{IsApplyExtrinsic: true, AsApplyExtrinsic: uint32(index)},
	})
	status, err = client.GetTransactionStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, common.TxStatusReverted, status)
}

func TestClientConcurrentStatusLookups(t *testing.T) {
	node := newFakeNode()
	node.best = 10
	client := newClient(testChain, node, zerolog.Nop())
	ctx := context.Background()

	txData, err := CallRequest{Pallet: "SignatureBridge", Call: "execute_proposal"}.Encode()
	require.NoError(t, err)
	signed, err := client.SignTransaction(ctx, txData)
	require.NoError(t, err)
	hash, err := client.SubmitTransaction(ctx, signed)
	require.NoError(t, err)
	node.include(14, signed.Raw)

	var wg sync.WaitGroup
	statuses := make([]common.TxStatus, 8)
	errs := make([]error, 8)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = client.GetTransactionStatus(ctx, hash)
		}(i)
	}
	wg.Wait()

	for i := range statuses {
		require.NoError(t, errs[i])
		assert.Equal(t, common.TxStatusInBlock, statuses[i])
	}

	client.mu.Lock()
	entry := client.sent[hash]
	client.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, uint64(14), entry.inBlock)
	assert.Equal(t, hashOf(14), entry.blockHash)

	client.Forget(hash)
	client.remember(hash, *entry, true)
	client.mu.Lock()
	_, tracked := client.sent[hash]
	client.mu.Unlock()
	assert.False(t, tracked)
}

func TestClientReportsDroppedExtrinsic(t *testing.T) {
	node := newFakeNode()
	node.best = 5
	client := newClient(testChain, node, zerolog.Nop())

	status, err := client.GetTransactionStatus(context.Background(), ExtrinsicHash([]byte("never sent")))
	require.NoError(t, err)
	assert.Equal(t, common.TxStatusDropped, status)
}

func TestClientSubmitErrors(t *testing.T) {
	node := newFakeNode()
	client := newClient(testChain, node, zerolog.Nop())
	tx := &common.SignedTx{Hash: ExtrinsicHash([]byte{1}), Raw: []byte{1}}

	node.submitErr = errors.New("1010: Invalid Transaction: Transaction is outdated")
	_, err := client.SubmitTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeSubmission))

	node.submitErr = errors.New("connection reset by peer")
	_, err = client.SubmitTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeNetwork))

	_, err = client.SignTransaction(context.Background(), []byte(`{"pallet":""}`))
	require.Error(t, err)
	assert.True(t, relayererrors.IsCode(err, relayererrors.ErrCodeMalformed))
}
