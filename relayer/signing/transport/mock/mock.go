package mock

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pushchain/anchor-relayer/relayer/signing/transport"
)

// Transport is an in-memory signer used by tests and local demos.
type Transport struct {
	id  string
	key *ecdsa.PrivateKey

	mu       sync.Mutex
	delay    time.Duration
	failures int
	requests int
}

// New creates a mock transport signing with key.
func New(id string, key *ecdsa.PrivateKey) *Transport {
	return &Transport{id: id, key: key}
}

// SetDelay makes every request take d before answering.
func (t *Transport) SetDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = d
}

// FailNext makes the next n requests fail with a connection error.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

// Requests returns how many requests were received.
func (t *Transport) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

func (t *Transport) ID() string { return "mock://" + t.id }

func (t *Transport) Request(ctx context.Context, req *transport.SignRequest) (*transport.SignResponse, error) {
	t.mu.Lock()
	t.requests++
	delay := t.delay
	fail := t.failures > 0
	if fail {
		t.failures--
	}
	t.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("mock transport: connection refused")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return t.Handle(ctx, req)
}

// Handle signs req; usable as a transport.Handler behind a signer server.
func (t *Transport) Handle(_ context.Context, req *transport.SignRequest) (*transport.SignResponse, error) {
	sig, err := crypto.Sign(crypto.Keccak256(req.Message), t.key)
	if err != nil {
		return nil, err
	}
	return &transport.SignResponse{
		RequestID: req.RequestID,
		Signature: sig,
		PublicKey: crypto.FromECDSAPub(&t.key.PublicKey),
	}, nil
}

func (t *Transport) Close() error {
	return nil
}
