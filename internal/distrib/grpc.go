package distrib

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

const (
	serviceName   = "spine.distrib.Collective"
	gatherMethod  = "/" + serviceName + "/Gather"
	barrierMethod = "/" + serviceName + "/Barrier"
)

// #region messages
// collectiveRequest is carried CBOR-encoded in a BytesValue.
type collectiveRequest struct {
	Rank    int    `cbor:"rank"`
	Seq     uint64 `cbor:"seq"`
	Payload []byte `cbor:"payload,omitempty"`
}

func encodeRequest(req collectiveRequest) (*wrapperspb.BytesValue, error) {
	data, err := wire.Marshal(req)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func decodeRequest(in *wrapperspb.BytesValue) (collectiveRequest, error) {
	var req collectiveRequest
	if err := wire.Unmarshal(in.GetValue(), &req); err != nil {
		return req, fmt.Errorf("decode collective request: %w", err)
	}
	return req, nil
}
// #endregion messages

// #region service
type collectiveServer interface {
	gatherRPC(ctx context.Context, req collectiveRequest) error
	barrierRPC(ctx context.Context, req collectiveRequest) error
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: unaryHandler(gatherMethod, collectiveServer.gatherRPC)},
		{MethodName: "Barrier", Handler: unaryHandler(barrierMethod, collectiveServer.barrierRPC)},
	},
	Metadata: "spine/distrib/collective",
}

func unaryHandler(method string, call func(collectiveServer, context.Context, collectiveRequest) error) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, msg any) (any, error) {
			req, err := decodeRequest(msg.(*wrapperspb.BytesValue))
			if err != nil {
				return nil, err
			}
			if err := call(srv.(collectiveServer), ctx, req); err != nil {
				return nil, err
			}
			return &emptypb.Empty{}, nil
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, handle)
	}
}
// #endregion service

// #region coordinator
// Coordinator is rank 0 of a multi-process group. It hosts the collective
// service the other ranks dial.
type Coordinator struct {
	hub    *hub
	server *grpc.Server
	logger *slog.Logger

	gatherSeq  uint64
	barrierSeq uint64
}

// ServeCoordinator serves the collective for a group of size ranks on lis
// and returns the rank-0 handle. Gathered payloads may be up to maxMessage
// bytes each.
func ServeCoordinator(lis net.Listener, size, maxMessage int, logger *slog.Logger) *Coordinator {
	server := grpc.NewServer(grpc.MaxRecvMsgSize(maxMessage), grpc.MaxSendMsgSize(maxMessage))
	c := &Coordinator{hub: newHub(size), server: server, logger: logger}
	c.server.RegisterService(&collectiveServiceDesc, c)
	go func() {
		if err := c.server.Serve(lis); err != nil {
			logger.Error("collective server stopped", "error", err)
		}
	}()
	logger.Info("collective coordinator listening", "addr", lis.Addr().String(), "world_size", size)
	return c
}

func (c *Coordinator) gatherRPC(ctx context.Context, req collectiveRequest) error {
	if req.Rank == 0 {
		return fmt.Errorf("rank 0 is the coordinator")
	}
	_, err := c.hub.gather(ctx, req.Seq, req.Rank, req.Payload)
	return err
}

func (c *Coordinator) barrierRPC(ctx context.Context, req collectiveRequest) error {
	if req.Rank == 0 {
		return fmt.Errorf("rank 0 is the coordinator")
	}
	return c.hub.barrier(ctx, req.Seq, req.Rank)
}

func (c *Coordinator) Rank() int { return 0 }
func (c *Coordinator) Size() int { return c.hub.size }

func (c *Coordinator) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	c.gatherSeq++
	return c.hub.gather(ctx, c.gatherSeq, 0, payload)
}

func (c *Coordinator) Barrier(ctx context.Context) error {
	c.barrierSeq++
	return c.hub.barrier(ctx, c.barrierSeq, 0)
}

// Close stops the collective server once in-flight calls complete.
func (c *Coordinator) Close() error {
	c.server.GracefulStop()
	return nil
}
// #endregion coordinator

// #region remote
// remoteGroup is a rank > 0 talking to the coordinator over gRPC.
type remoteGroup struct {
	conn       *grpc.ClientConn
	rank, size int

	gatherSeq  uint64
	barrierSeq uint64
}

// DialGroup connects rank to the coordinator at addr. Calls wait for the
// coordinator to come up rather than failing fast, and may carry payloads
// of up to maxMessage bytes.
func DialGroup(addr string, rank, size, maxMessage int, opts ...grpc.DialOption) (Group, error) {
	if rank <= 0 || rank >= size {
		return nil, fmt.Errorf("rank %d cannot dial a group of size %d", rank, size)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(maxMessage),
			grpc.MaxCallSendMsgSize(maxMessage),
		),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &remoteGroup{conn: conn, rank: rank, size: size}, nil
}

func (g *remoteGroup) Rank() int { return g.rank }
func (g *remoteGroup) Size() int { return g.size }

func (g *remoteGroup) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	g.gatherSeq++
	return nil, g.invoke(ctx, gatherMethod, collectiveRequest{Rank: g.rank, Seq: g.gatherSeq, Payload: payload})
}

func (g *remoteGroup) Barrier(ctx context.Context) error {
	g.barrierSeq++
	return g.invoke(ctx, barrierMethod, collectiveRequest{Rank: g.rank, Seq: g.barrierSeq})
}

func (g *remoteGroup) invoke(ctx context.Context, method string, req collectiveRequest) error {
	in, err := encodeRequest(req)
	if err != nil {
		return err
	}
	if err := g.conn.Invoke(ctx, method, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return nil
}

func (g *remoteGroup) Close() error {
	return g.conn.Close()
}
// #endregion remote
