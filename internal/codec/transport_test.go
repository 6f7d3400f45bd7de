package codec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region fake-service
// stateService is a minimal reconstruction service holding one state dict.
type stateService struct {
	mu     sync.Mutex
	state  checkpoint.State
	loaded checkpoint.State
}

func unaryHandler(fn func(s *stateService, req []byte) (any, error)) grpc.MethodHandler {
	return func(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		out, err := fn(srv.(*stateService), in.GetValue())
		if err != nil {
			return nil, err
		}
		data, err := wire.Marshal(out)
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(data), nil
	}
}

var stateServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StateDict",
			Handler: unaryHandler(func(s *stateService, _ []byte) (any, error) {
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.state, nil
			}),
		},
		{
			MethodName: "LoadStateDict",
			Handler: unaryHandler(func(s *stateService, req []byte) (any, error) {
				var st checkpoint.State
				if err := wire.Unmarshal(req, &st); err != nil {
					return nil, err
				}
				s.mu.Lock()
				s.loaded = st
				s.mu.Unlock()
				return loadStateReply{}, nil
			}),
		},
	},
}

// serveState starts the service on an in-memory listener and returns a
// dial option reaching it.
func serveState(t *testing.T, svc *stateService, maxMessage int) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(maxMessage), grpc.MaxSendMsgSize(maxMessage))
	srv.RegisterService(&stateServiceDesc, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

// largeState is roughly 9 MB of CBOR, including one tensor with more
// elements than a default CBOR decoder accepts.
func largeState() checkpoint.State {
	head := checkpoint.Tensor{Shape: []int{512, 512}, Data: make([]float32, 512*512)}
	for i := range head.Data {
		head.Data[i] = float32(i) / 7
	}
	st := checkpoint.State{"uresnet.head.weight": head}
	for l := 0; l < 50; l++ {
		w := checkpoint.Tensor{Shape: []int{30000}, Data: make([]float32, 30000)}
		for i := range w.Data {
			w.Data[i] = float32(i+l) / 3
		}
		st[fmt.Sprintf("gnn.layer%d.weight", l)] = w
	}
	return st
}
// #endregion fake-service

// #region transport-tests
func TestNewCodecClient_StateDictBeyondDefaultMessageSize(t *testing.T) {
	svc := &stateService{state: largeState()}
	dialer := serveState(t, svc, 64<<20)
	c, err := NewCodecClient("passthrough:///bufnet", 64<<20, slog.New(slog.NewTextHandler(io.Discard, nil)), dialer)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := c.StateDict(ctx)
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}
	if !reflect.DeepEqual(got, svc.state) {
		t.Fatalf("state dict differs: %d tensors, want %d", len(got), len(svc.state))
	}
	if _, err := c.LoadStateDict(ctx, got); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !reflect.DeepEqual(svc.loaded, svc.state) {
		t.Errorf("service received a different state dict")
	}
}

func TestNewCodecClient_MessageCapEnforced(t *testing.T) {
	dialer := serveState(t, &stateService{state: largeState()}, 64<<20)
	c, err := NewCodecClient("passthrough:///bufnet", 1<<20, slog.New(slog.NewTextHandler(io.Discard, nil)), dialer)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.StateDict(ctx)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}
// #endregion transport-tests
