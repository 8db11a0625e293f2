package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/core"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/withdraw"
)

func newTestServer(t *testing.T, query *mockQuery, handler WithdrawHandler) *Server {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return NewServer(query, handler, config.APIConfig{Port: 0, EnableWebsocket: handler != nil}, logger)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, &mockQuery{}, nil)

	w := serve(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = serve(s, http.MethodGet, "/api/v1/non-existent")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleLeaves(t *testing.T) {
	query := &mockQuery{leaves: &core.LeavesResponse{Leaves: []string{"0x01", "0x02"}, LastQueriedBlock: 42}}
	s := newTestServer(t, query, nil)

	t.Run("returns leaves and block", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/v1/leaves/evm/5/0x1111111111111111111111111111111111111111?start=1&end=3")
		require.Equal(t, http.StatusOK, w.Code)

		var resp core.LeavesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []string{"0x01", "0x02"}, resp.Leaves)
		assert.Equal(t, uint64(42), resp.LastQueriedBlock)
		assert.Contains(t, w.Body.String(), `"lastQueriedBlock":42`)

		assert.Equal(t, common.EVMChain(5), query.lastChain)
		assert.Equal(t, "0x1111111111111111111111111111111111111111", query.lastContract)
		require.NotNil(t, query.lastRange.Start)
		require.NotNil(t, query.lastRange.End)
		assert.Equal(t, uint32(1), *query.lastRange.Start)
		assert.Equal(t, uint32(3), *query.lastRange.End)
	})

	t.Run("range defaults", func(t *testing.T) {
		w := serve(s, http.MethodGet, "/api/v1/leaves/substrate/1080/pallet")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, common.SubstrateChain(1080), query.lastChain)
		assert.Nil(t, query.lastRange.Start)
		assert.Nil(t, query.lastRange.End)
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, target := range []string{
			"/api/v1/leaves/cosmos/5/0x11",
			"/api/v1/leaves/evm/abc/0x11",
			"/api/v1/leaves/evm/5/0x11?start=-1",
			"/api/v1/leaves/evm/5/0x11?end=nope",
		} {
			w := serve(s, http.MethodGet, target)
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := serve(s, http.MethodPost, "/api/v1/leaves/evm/5/0x11")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("query errors map to status codes", func(t *testing.T) {
		query.err = relayererrors.NewValidationError("evm:5", "unsupported contract")
		defer func() { query.err = nil }()

		w := serve(s, http.MethodGet, "/api/v1/leaves/evm/5/0x11")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "VALIDATION", resp.Code)
		assert.Contains(t, resp.Error, "unsupported contract")

		query.err = relayererrors.NewStoreError("evm:5", "disk gone", nil)
		w = serve(s, http.MethodGet, "/api/v1/leaves/evm/5/0x11")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleEncryptedOutputs(t *testing.T) {
	query := &mockQuery{outputs: &core.EncryptedOutputsResponse{EncryptedOutputs: []string{"0xaa"}, LastQueriedBlock: 7}}
	s := newTestServer(t, query, nil)

	w := serve(s, http.MethodGet, "/api/v1/encrypted_outputs/evm/5/0x11?start=4")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"encryptedOutputs":["0xaa"],"lastQueriedBlock":7}`, w.Body.String())
	require.NotNil(t, query.lastRange.Start)
	assert.Equal(t, uint32(4), *query.lastRange.Start)
}

func TestHandleFeeInfo(t *testing.T) {
	query := &mockQuery{fee: &core.FeeInfoResponse{EstimatedFee: "2200", GasPrice: "20", MaxRefund: "800", Timestamp: 1700000000}}
	s := newTestServer(t, query, nil)

	w := serve(s, http.MethodGet, "/api/v1/fee_info/evm/5/0x22?amount=3000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"estimatedFee":"2200","gasPrice":"20","maxRefund":"800","timestamp":1700000000}`, w.Body.String())
	require.NotNil(t, query.lastAmount)
	assert.Equal(t, uint64(3000), query.lastAmount.Uint64())

	w = serve(s, http.MethodGet, "/api/v1/fee_info/evm/5/0x22")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, query.lastAmount)

	w = serve(s, http.MethodGet, "/api/v1/fee_info/evm/5/0x22?amount=-3")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	query.err = relayererrors.NewNetworkError("evm:5", "rpc down", nil)
	w = serve(s, http.MethodGet, "/api/v1/fee_info/evm/5/0x22")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t, &mockQuery{metrics: "relayer_proposals_signed_total{backend=\"mock\"} 1\n"}, nil)

	w := serve(s, http.MethodGet, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "relayer_proposals_signed_total")
}

func TestWithdrawSocket(t *testing.T) {
	handler := &mockWithdraw{script: []withdraw.Message{
		{Kind: withdraw.KindNetwork, Status: withdraw.NetworkConnecting},
		{Kind: withdraw.KindNetwork, Status: withdraw.NetworkConnected},
		{Kind: withdraw.KindWithdraw, Status: withdraw.WithdrawSent},
		{Kind: withdraw.KindWithdraw, Status: withdraw.WithdrawSubmitted, TxHash: "0xabc"},
		{Kind: withdraw.KindWithdraw, Status: withdraw.WithdrawFinalized, TxHash: "0xabc"},
	}}
	s := newTestServer(t, &mockQuery{}, handler)
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() withdraw.Message {
		var m withdraw.Message
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	bad := read()
	assert.Equal(t, "withdraw:errored", bad.String())
	assert.Equal(t, "MALFORMED", bad.Code)

	cmd := `{"chain_kind":"evm","chain_id":5,"target":"0x22",
		"proof_data":{"proof":"0x01","roots":["0x0000000000000000000000000000000000000000000000000000000000000001"],
		"input_nullifiers":["0x0000000000000000000000000000000000000000000000000000000000000002"]},
		"ext_data":{"fee":"1"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))

	var got []string
	for {
		m := read()
		got = append(got, m.String())
		if m.Terminal() {
			assert.Equal(t, "0xabc", m.TxHash)
			break
		}
	}
	assert.Equal(t, []string{
		"network:connecting", "network:connected", "withdraw:sent", "withdraw:submitted", "withdraw:finalized",
	}, got)

	cmds := handler.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, uint64(5), cmds[0].ChainID)
	assert.Equal(t, "1", cmds[0].ExtData.Fee)
}

func TestWithdrawSocketDisabled(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	s := NewServer(&mockQuery{}, &mockWithdraw{}, config.APIConfig{EnableWebsocket: false}, logger)

	w := serve(s, http.MethodGet, "/ws")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---- Mocks ----

type mockQuery struct {
	mu sync.Mutex

	leaves  *core.LeavesResponse
	outputs *core.EncryptedOutputsResponse
	fee     *core.FeeInfoResponse
	metrics string
	err     error

	lastChain    common.ChainIdentifier
	lastContract string
	lastRange    core.Range
	lastAmount   *uint256.Int
}

func (m *mockQuery) GetLeaves(chainID common.ChainIdentifier, contract string, r core.Range) (*core.LeavesResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChain, m.lastContract, m.lastRange = chainID, contract, r
	if m.err != nil {
		return nil, m.err
	}
	return m.leaves, nil
}

func (m *mockQuery) GetEncryptedOutputs(chainID common.ChainIdentifier, contract string, r core.Range) (*core.EncryptedOutputsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChain, m.lastContract, m.lastRange = chainID, contract, r
	if m.err != nil {
		return nil, m.err
	}
	return m.outputs, nil
}

func (m *mockQuery) GetFeeInfo(_ context.Context, chainID common.ChainIdentifier, target string, amount *uint256.Int) (*core.FeeInfoResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastChain, m.lastContract, m.lastAmount = chainID, target, amount
	if m.err != nil {
		return nil, m.err
	}
	return m.fee, nil
}

func (m *mockQuery) GetMetrics() (string, error) {
	return m.metrics, nil
}

type mockWithdraw struct {
	script []withdraw.Message

	mu   sync.Mutex
	cmds []withdraw.Command
}

func (m *mockWithdraw) Handle(_ context.Context, cmd withdraw.Command, emit withdraw.Emitter) error {
	m.mu.Lock()
	m.cmds = append(m.cmds, cmd)
	m.mu.Unlock()
	for _, msg := range m.script {
		if err := emit(msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockWithdraw) commands() []withdraw.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]withdraw.Command(nil), m.cmds...)
}
