// Package transport carries signing requests to the DKG signer.
package transport

import "context"

// SignRequest asks the signer for a signature over Message.
type SignRequest struct {
	RequestID  string `json:"request_id"`
	ResourceID string `json:"resource_id"`
	Nonce      uint32 `json:"nonce"`
	Message    []byte `json:"message"`
}

// SignResponse carries a 65 byte [R || S || V] secp256k1 signature over keccak256(Message).
type SignResponse struct {
	RequestID string `json:"request_id"`
	Signature []byte `json:"signature"`
	// PublicKey is the signer key the signature was produced with, when reported.
	PublicKey []byte `json:"public_key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Transport abstracts delivery of signing requests.
type Transport interface {
	// ID identifies the remote endpoint.
	ID() string
	// Request sends req and waits for the response or ctx.
	Request(ctx context.Context, req *SignRequest) (*SignResponse, error)
	// Close releases any underlying resources.
	Close() error
}

// Handler serves signing requests on the signer side.
type Handler func(ctx context.Context, req *SignRequest) (*SignResponse, error)
