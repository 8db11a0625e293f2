package transport

import (
	"context"
	"encoding/json"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName = "dkg.Signer"
	signMethod  = "/" + serviceName + "/Sign"
)

// jsonCodec lets the signer service speak JSON over gRPC framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// GRPCTransport reaches a remote DKG signer over gRPC.
type GRPCTransport struct {
	endpoint string
	conn     *grpc.ClientConn
}

// NewGRPCTransport creates a lazily connecting client for endpoint.
func NewGRPCTransport(endpoint string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	conn, err := grpc.NewClient(endpoint, append(base, opts...)...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create signer client for %s", endpoint)
	}
	return &GRPCTransport{endpoint: endpoint, conn: conn}, nil
}

func (t *GRPCTransport) ID() string { return t.endpoint }

func (t *GRPCTransport) Request(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	resp := new(SignResponse)
	if err := t.conn.Invoke(ctx, signMethod, req, resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp, pkgerrors.Errorf("signer rejected request %s: %s", req.RequestID, resp.Error)
	}
	return resp, nil
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

type signerService interface {
	sign(ctx context.Context, req *SignRequest) (*SignResponse, error)
}

type handlerService struct{ handler Handler }

func (h handlerService) sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	return h.handler(ctx, req)
}

func signHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SignRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(signerService).sign(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signMethod}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return srv.(signerService).sign(ctx, r.(*SignRequest))
	})
}

var signerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*signerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sign", Handler: signHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// NewSignerServer returns a gRPC server answering Sign calls with handler.
// Used by local signer stubs and tests.
func NewSignerServer(handler Handler, opts ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}, opts...)...)
	server.RegisterService(&signerServiceDesc, handlerService{handler: handler})
	return server
}
