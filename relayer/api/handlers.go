package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/spf13/cast"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/core"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/withdraw"
)

const socketWriteWait = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := relayererrors.CodeOf(err)
	switch code {
	case relayererrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case relayererrors.ErrCodeNetwork, relayererrors.ErrCodeTimeout:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(relayererrors.ErrCodeValidation)})
}

// chainFromPath reads {chain_kind}/{chain_id}.
func chainFromPath(r *http.Request) (common.ChainIdentifier, error) {
	vars := mux.Vars(r)
	id, err := cast.ToUint64E(vars["chain_id"])
	if err != nil {
		return common.ChainIdentifier{}, err
	}
	return common.NewChainIdentifier(vars["chain_kind"], id)
}

// rangeFromQuery reads the optional start and end parameters.
func rangeFromQuery(r *http.Request) (core.Range, error) {
	var out core.Range
	q := r.URL.Query()
	if s := q.Get("start"); s != "" {
		v, err := cast.ToUint32E(s)
		if err != nil {
			return out, err
		}
		out.Start = &v
	}
	if e := q.Get("end"); e != "" {
		v, err := cast.ToUint32E(e)
		if err != nil {
			return out, err
		}
		out.End = &v
	}
	return out, nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleLeaves handles GET /api/v1/leaves/{chain_kind}/{chain_id}/{contract}?start=&end=
func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	chainID, err := chainFromPath(r)
	if err != nil {
		badRequest(w, "invalid chain: "+err.Error())
		return
	}
	rng, err := rangeFromQuery(r)
	if err != nil {
		badRequest(w, "invalid range: "+err.Error())
		return
	}

	resp, err := s.query.GetLeaves(chainID, mux.Vars(r)["contract"], rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEncryptedOutputs handles GET /api/v1/encrypted_outputs/{chain_kind}/{chain_id}/{contract}?start=&end=
func (s *Server) handleEncryptedOutputs(w http.ResponseWriter, r *http.Request) {
	chainID, err := chainFromPath(r)
	if err != nil {
		badRequest(w, "invalid chain: "+err.Error())
		return
	}
	rng, err := rangeFromQuery(r)
	if err != nil {
		badRequest(w, "invalid range: "+err.Error())
		return
	}

	resp, err := s.query.GetEncryptedOutputs(chainID, mux.Vars(r)["contract"], rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFeeInfo handles GET /api/v1/fee_info/{chain_kind}/{chain_id}/{target}?amount=<wei>
func (s *Server) handleFeeInfo(w http.ResponseWriter, r *http.Request) {
	chainID, err := chainFromPath(r)
	if err != nil {
		badRequest(w, "invalid chain: "+err.Error())
		return
	}

	var amount *uint256.Int
	if raw := strings.TrimSpace(r.URL.Query().Get("amount")); raw != "" {
		amount, err = uint256.FromDecimal(raw)
		if err != nil {
			badRequest(w, "invalid amount: "+err.Error())
			return
		}
	}

	resp, err := s.query.GetFeeInfo(r.Context(), chainID, mux.Vars(r)["target"], amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /api/v1/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := s.query.GetMetrics()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

// handleWithdrawSocket handles GET /ws. Every text frame is a withdraw command;
// commands run one after another and their messages are written back as JSON.
func (s *Server) handleWithdrawSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	// server timeouts do not apply to the upgraded connection
	_ = conn.NetConn().SetDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("withdraw socket opened")

	commands := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case commands <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	emit := func(m withdraw.Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteJSON(m)
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("withdraw socket closed")
			return
		case raw := <-commands:
			cmd, err := withdraw.ParseCommand(raw)
			if err != nil {
				msg := withdraw.Message{
					Kind:   withdraw.KindWithdraw,
					Status: withdraw.WithdrawErrored,
					Code:   string(relayererrors.ErrCodeMalformed),
					Reason: err.Error(),
				}
				if emit(msg) != nil {
					return
				}
				continue
			}
			if err := s.withdraw.Handle(ctx, cmd, emit); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("withdraw session ended")
				}
				return
			}
		}
	}
}
