package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/leaves/{chain_kind}/{chain_id}/{contract}", s.handleLeaves).Methods(http.MethodGet)
	v1.HandleFunc("/encrypted_outputs/{chain_kind}/{chain_id}/{contract}", s.handleEncryptedOutputs).Methods(http.MethodGet)
	v1.HandleFunc("/fee_info/{chain_kind}/{chain_id}/{target}", s.handleFeeInfo).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	if s.withdraw != nil {
		r.HandleFunc("/ws", s.handleWithdrawSocket).Methods(http.MethodGet)
	}

	return r
}
