package signing

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pushchain/anchor-relayer/relayer/config"
	"github.com/pushchain/anchor-relayer/relayer/constant"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/signing/transport"
)

// BackendKind selects how proposals get signed.
type BackendKind string

const (
	BackendRemote BackendKind = constant.SignerRemote
	BackendMock   BackendKind = constant.SignerMock
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// RemoteOptions tune the remote backend.
type RemoteOptions struct {
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
}

// Backend signs proposals. Exactly one variant is set, matching Kind.
type Backend struct {
	Kind BackendKind

	remote *remoteSigner
	mock   *mockSigner
}

// NewBackend builds the backend selected in cfg. The mock backend is refused
// unless allowMock is set.
func NewBackend(cfg config.SigningConfig, allowMock bool, tr transport.Transport, logger zerolog.Logger) (*Backend, error) {
	switch BackendKind(cfg.Backend) {
	case BackendRemote:
		if tr == nil {
			var err error
			tr, err = transport.NewGRPCTransport(cfg.RemoteEndpoint)
			if err != nil {
				return nil, relayererrors.NewConfigError("", err.Error())
			}
		}
		opts := RemoteOptions{
			Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
			MaxRetries: uint(max(cfg.MaxRetries, 0)),
		}
		return NewRemoteBackend(tr, opts, logger), nil
	case BackendMock:
		if !allowMock {
			return nil, relayererrors.NewConfigError("", "mock signer requires allow_mock_signer")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.MockPrivateKey, "0x"))
		if err != nil {
			return nil, relayererrors.NewConfigError("", "invalid mock signer key")
		}
		return NewMockBackend(key, logger), nil
	default:
		return nil, relayererrors.NewConfigError("", "unknown signing backend "+cfg.Backend)
	}
}

// NewRemoteBackend creates a backend delegating to a DKG signer over tr.
func NewRemoteBackend(tr transport.Transport, opts RemoteOptions, logger zerolog.Logger) *Backend {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &Backend{
		Kind: BackendRemote,
		remote: &remoteSigner{
			transport: tr,
			opts:      opts,
			logger: logger.With().
				Str("component", "remote_signer").
				Str("endpoint", tr.ID()).
				Logger(),
		},
	}
}

// NewMockBackend creates a local backend signing with key.
func NewMockBackend(key *ecdsa.PrivateKey, logger zerolog.Logger) *Backend {
	logger.Warn().
		Str("component", "mock_signer").
		Str("address", crypto.PubkeyToAddress(key.PublicKey).Hex()).
		Msg("mock signing backend enabled")
	return &Backend{Kind: BackendMock, mock: &mockSigner{key: key}}
}

// Sign fills p.Signature.
func (b *Backend) Sign(ctx context.Context, p *Proposal) error {
	var (
		sig []byte
		err error
	)
	switch b.Kind {
	case BackendRemote:
		sig, err = b.remote.sign(ctx, p)
	case BackendMock:
		sig, err = b.mock.sign(p)
	default:
		return &SigningError{Kind: SigningDisabled, Resource: p.Header.ResourceID.Hex()}
	}
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// PublicKey returns the compressed key of the mock backend, nil for the remote one.
func (b *Backend) PublicKey() []byte {
	if b.Kind != BackendMock || b.mock == nil {
		return nil
	}
	return crypto.CompressPubkey(&b.mock.key.PublicKey)
}

// Close releases the remote transport.
func (b *Backend) Close() error {
	if b.Kind == BackendRemote && b.remote != nil {
		return b.remote.transport.Close()
	}
	return nil
}

type mockSigner struct {
	key *ecdsa.PrivateKey
}

func (m *mockSigner) sign(p *Proposal) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(p.Bytes()), m.key)
}

type remoteSigner struct {
	transport transport.Transport
	opts      RemoteOptions
	logger    zerolog.Logger
}

func (r *remoteSigner) sign(ctx context.Context, p *Proposal) ([]byte, error) {
	return r.request(ctx, &transport.SignRequest{
		RequestID:  uuid.NewString(),
		ResourceID: p.Header.ResourceID.Hex(),
		Nonce:      p.Header.Nonce,
		Message:    p.Bytes(),
	})
}

// request retries timeouts and transport failures up to MaxRetries times and
// logs the final failure once.
func (r *remoteSigner) request(ctx context.Context, req *transport.SignRequest) ([]byte, error) {
	var (
		sig      []byte
		attempts uint
	)
	err := relayererrors.RetryWithConfig(ctx, func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		resp, err := r.transport.Request(callCtx, req)
		if err != nil {
			return r.classify(ctx, callCtx, err)
		}
		if len(resp.Signature) == 0 {
			return relayererrors.NewInvalidProposalError("", "signer returned an empty signature")
		}
		sig = resp.Signature
		return nil
	}, &relayererrors.RetryConfig{
		MaxAttempts:  r.opts.MaxRetries + 1,
		InitialDelay: r.opts.RetryDelay,
		MaxDelay:     30 * time.Second,
		MaxJitter:    max(r.opts.RetryDelay/2, time.Millisecond),
		OnRetry: func(attempt uint, err error) {
			r.logger.Debug().
				Err(err).
				Uint("attempt", attempt).
				Str("request_id", req.RequestID).
				Msg("retrying signing request")
		},
	})
	if err == nil {
		return sig, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	kind := SigningRejected
	switch {
	case relayererrors.IsCode(err, relayererrors.ErrCodeTimeout):
		kind = SigningTimeout
	case relayererrors.IsCode(err, relayererrors.ErrCodeNetwork):
		kind = SigningTransport
	}
	signErr := &SigningError{Kind: kind, Resource: req.ResourceID, Attempts: attempts, Cause: err}
	r.logger.Error().
		Err(err).
		Str("kind", string(kind)).
		Str("resource_id", req.ResourceID).
		Uint("attempts", attempts).
		Msg("signing request failed")
	return nil, signErr
}

func (r *remoteSigner) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() == nil && (callCtx.Err() == context.DeadlineExceeded || status.Code(err) == codes.DeadlineExceeded) {
		return relayererrors.NewTimeoutError("", "signing request timed out", err)
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition:
		return relayererrors.NewInvalidProposalError("", err.Error())
	}
	if strings.Contains(err.Error(), "signer rejected") {
		return relayererrors.NewInvalidProposalError("", err.Error())
	}
	return relayererrors.NewNetworkError("", "signing transport failed", err)
}
