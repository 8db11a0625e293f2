package signing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/signing/transport"
	"github.com/pushchain/anchor-relayer/relayer/signing/transport/mock"
)

func testProposal(nonce uint32) *Proposal {
	target := common.EVMChain(5)
	rid := common.NewResourceID(bytes.Repeat([]byte{0xaa}, 20), target)
	return &Proposal{
		TargetChain: target,
		Header: ProposalHeader{
			ResourceID:  rid,
			FunctionSig: FunctionSig("updateEdge(uint256,uint32,bytes32)"),
			Nonce:       nonce,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
}

func TestProposalHeaderRoundTrip(t *testing.T) {
	p := testProposal(42)
	raw := p.Bytes()
	require.Len(t, raw, HeaderLength+3)

	parsed, err := ParseProposal(p.TargetChain, raw)
	require.NoError(t, err)
	assert.Equal(t, p.Header, parsed.Header)
	assert.Equal(t, p.Payload, parsed.Payload)
	assert.Equal(t, p.LogicalKey(), parsed.LogicalKey())
	assert.True(t, strings.HasSuffix(parsed.LogicalKey(), ":42"))

	_, err = DecodeProposalHeader(raw[:10])
	assert.Error(t, err)
}

func TestMockBackendSignsVerifiably(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := NewMockBackend(key, zerolog.Nop())

	p := testProposal(1)
	require.NoError(t, backend.Sign(context.Background(), p))
	require.Len(t, p.Signature, SignatureLength)

	compressed := crypto.CompressPubkey(&key.PublicKey)
	assert.NoError(t, Verify(p.Bytes(), p.Signature, compressed))
	assert.NoError(t, Verify(p.Bytes(), p.Signature, crypto.PubkeyToAddress(key.PublicKey).Bytes()))
	assert.NoError(t, Verify(p.Bytes(), p.Signature, crypto.FromECDSAPub(&key.PublicKey)))

	eth, err := EthereumSignature(p.Signature)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, eth[64], byte(27))
	assert.NoError(t, Verify(p.Bytes(), eth, compressed))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	assert.Error(t, Verify(p.Bytes(), p.Signature, crypto.CompressPubkey(&other.PublicKey)))

	p.Payload = []byte{0xff}
	assert.Error(t, Verify(p.Bytes(), p.Signature, compressed))
}

func TestNewBackendRefusesMockWithoutOptIn(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg := config.SigningConfig{
		Backend:        "mock",
		MockPrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}

	_, err = NewBackend(cfg, false, nil, zerolog.Nop())
	require.Error(t, err)

	backend, err := NewBackend(cfg, true, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, BackendMock, backend.Kind)

	cfg.MockPrivateKey = "nothex"
	_, err = NewBackend(cfg, true, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRemoteBackendSigns(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tr := mock.New("dkg", key)
	backend := NewRemoteBackend(tr, RemoteOptions{Timeout: time.Second, MaxRetries: 3, RetryDelay: 5 * time.Millisecond}, zerolog.Nop())

	tr.FailNext(2)
	p := testProposal(7)
	require.NoError(t, backend.Sign(context.Background(), p))
	assert.Equal(t, 3, tr.Requests())
	assert.NoError(t, Verify(p.Bytes(), p.Signature, crypto.CompressPubkey(&key.PublicKey)))
}

func TestRemoteBackendTimesOutAfterRetries(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tr := mock.New("dkg", key)
	tr.SetDelay(time.Second)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	backend := NewRemoteBackend(tr, RemoteOptions{
		Timeout:    20 * time.Millisecond,
		MaxRetries: 3,
		RetryDelay: 5 * time.Millisecond,
	}, logger)

	p := testProposal(3)
	err = backend.Sign(context.Background(), p)
	require.Error(t, err)

	var signErr *SigningError
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, SigningTimeout, signErr.Kind)
	assert.Equal(t, uint(4), signErr.Attempts)
	assert.True(t, signErr.Requeue())
	assert.Equal(t, 4, tr.Requests())
	assert.Nil(t, p.Signature)

	assert.Equal(t, 1, strings.Count(buf.String(), `"level":"error"`))
}

func TestRemoteBackendTransportFailure(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tr := mock.New("dkg", key)
	tr.FailNext(10)
	backend := NewRemoteBackend(tr, RemoteOptions{Timeout: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}, zerolog.Nop())

	err = backend.Sign(context.Background(), testProposal(1))
	var signErr *SigningError
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, SigningTransport, signErr.Kind)
	assert.Equal(t, 2, tr.Requests())
}

func TestRemoteBackendRejectionIsNotRetried(t *testing.T) {
	tr := &rejectingTransport{}
	backend := NewRemoteBackend(tr, RemoteOptions{Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, zerolog.Nop())

	err := backend.Sign(context.Background(), testProposal(1))
	var signErr *SigningError
	require.True(t, errors.As(err, &signErr))
	assert.Equal(t, SigningRejected, signErr.Kind)
	assert.False(t, signErr.Requeue())
	assert.Equal(t, 1, tr.calls)
}

func TestRemoteBackendHonorsCallerCancel(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tr := mock.New("dkg", key)
	tr.SetDelay(time.Second)
	backend := NewRemoteBackend(tr, RemoteOptions{Timeout: 5 * time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = backend.Sign(ctx, testProposal(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestParseExpectedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	for _, raw := range [][]byte{
		want.Bytes(),
		crypto.CompressPubkey(&key.PublicKey),
		crypto.FromECDSAPub(&key.PublicKey),
		crypto.FromECDSAPub(&key.PublicKey)[1:],
	} {
		parsed, err := ParseExpectedKey(hexutil.Encode(raw))
		require.NoError(t, err)
		addr, err := KeyAddress(parsed)
		require.NoError(t, err)
		assert.Equal(t, want, addr)
	}

	_, err = ParseExpectedKey("0x1234")
	assert.Error(t, err)
	_, err = ParseExpectedKey("zz")
	assert.Error(t, err)
}

// ---- Mocks ----

type rejectingTransport struct {
	calls int
}

func (r *rejectingTransport) ID() string { return "reject" }

func (r *rejectingTransport) Request(_ context.Context, req *transport.SignRequest) (*transport.SignResponse, error) {
	r.calls++
	return &transport.SignResponse{RequestID: req.RequestID, Error: "bad nonce"}, errors.New("signer rejected request " + req.RequestID + ": bad nonce")
}

func (r *rejectingTransport) Close() error { return nil }
