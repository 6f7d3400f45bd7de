// Package codec is the gRPC client of the reconstruction service, the
// external process that owns the data loader and the network. Every
// message is CBOR carried in a BytesValue.
package codec

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/modules"
	"github.com/danielpatrickdp/spine-driver/internal/stepper"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

const serviceName = "spine.service.Reconstruction"

func method(name string) string {
	return "/" + serviceName + "/" + name
}

// #region types
// InitRequest configures the service for one rank.
type InitRequest struct {
	Train       bool           `cbor:"train"`
	Seed        int64          `cbor:"seed"`
	Rank        int            `cbor:"rank"`
	WorldSize   int            `cbor:"world_size"`
	Distributed bool           `cbor:"distributed"`
	Loader      map[string]any `cbor:"loader,omitempty"`
	Model       map[string]any `cbor:"model,omitempty"`
	Optimizer   map[string]any `cbor:"optimizer,omitempty"`
	Scheduler   map[string]any `cbor:"lr_scheduler,omitempty"`
}

// InitResponse describes the loader and model the service built.
type InitResponse struct {
	// DatasetBatches is the number of batches in one pass over the
	// dataset, across all ranks.
	DatasetBatches int      `cbor:"dataset_batches"`
	BatchSize      int      `cbor:"batch_size"`
	ForwardParams  []string `cbor:"forward_params"`
	LossParams     []string `cbor:"loss_params"`
	HasScheduler   bool     `cbor:"has_scheduler"`
	HasBuffers     bool     `cbor:"has_buffers"`
	GPU            bool     `cbor:"gpu"`
}

// DeviceMemory is the accelerator memory report, in GB.
type DeviceMemory struct {
	GPU     bool    `cbor:"gpu"`
	UsedGB  float64 `cbor:"used_gb"`
	TotalGB float64 `cbor:"total_gb"`
}

// Percent returns UsedGB as a percentage of TotalGB.
func (m DeviceMemory) Percent() float64 {
	if m.TotalGB <= 0 {
		return 0
	}
	return 100 * m.UsedGB / m.TotalGB
}

type batchReply struct {
	Data    map[string]batch.Wire `cbor:"data"`
	FirstID int64                 `cbor:"first_id"`
}

type forwardRequest struct {
	Inputs map[string]batch.Wire `cbor:"inputs"`
	Grad   bool                  `cbor:"grad"`
}

type loadStateReply struct {
	Unexpected []string `cbor:"unexpected"`
}
// #endregion types

var (
	_ stepper.Model         = (*CodecClient)(nil)
	_ stepper.BufferUpdater = (*CodecClient)(nil)
	_ checkpoint.Source     = (*CodecClient)(nil)
	_ checkpoint.Target     = (*CodecClient)(nil)
	_ modules.FreezeTarget  = (*CodecClient)(nil)
)

// #region client-struct
// CodecClient wraps the gRPC connection to the reconstruction service.
type CodecClient struct {
	conn   *grpc.ClientConn
	cc     grpc.ClientConnInterface
	logger *slog.Logger

	firstID int64
	buffers bool
}
// #endregion client-struct

// #region constructor
// NewCodecClient connects to the reconstruction service at addr. Messages
// in either direction may be up to maxMessage bytes; state dicts and
// batch outputs routinely exceed the gRPC default. Extra options are
// applied after the defaults.
func NewCodecClient(addr string, maxMessage int, logger *slog.Logger, opts ...grpc.DialOption) (*CodecClient, error) {
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
	return &CodecClient{conn: conn, cc: conn, logger: logger}, nil
}

// NewCodecClientWithConn creates a CodecClient over an existing connection.
// Used for testing without a real service.
func NewCodecClientWithConn(cc grpc.ClientConnInterface, logger *slog.Logger) *CodecClient {
	return &CodecClient{cc: cc, logger: logger}
}
// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
// #endregion close

// #region invoke
// call sends req and decodes the reply into resp. A nil resp expects an
// empty reply.
func (c *CodecClient) call(ctx context.Context, name string, req, resp any) error {
	in := wrapperspb.Bytes(nil)
	if req != nil {
		data, err := wire.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", name, err)
		}
		in = wrapperspb.Bytes(data)
	}
	if resp == nil {
		if err := c.cc.Invoke(ctx, method(name), in, new(emptypb.Empty)); err != nil {
			return fmt.Errorf("%s rpc: %w", name, err)
		}
		return nil
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, method(name), in, out); err != nil {
		return fmt.Errorf("%s rpc: %w", name, err)
	}
	if err := wire.Unmarshal(out.GetValue(), resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", name, err)
	}
	return nil
}

func (c *CodecClient) decodeResult(name string, m map[string]batch.Wire) (batch.Result, error) {
	r, coerced, err := batch.ResultFromWire(m)
	if err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", name, err)
	}
	if len(coerced) > 0 {
		c.logger.Warn("binary strings converted to text", "rpc", name, "keys", coerced)
	}
	return r, nil
}
// #endregion invoke

// #region loader
// Initialize builds the loader and model on the service side.
func (c *CodecClient) Initialize(ctx context.Context, req InitRequest) (InitResponse, error) {
	var resp InitResponse
	if err := c.call(ctx, "Initialize", req, &resp); err != nil {
		return InitResponse{}, err
	}
	c.buffers = resp.HasBuffers
	return resp, nil
}

// DatasetSize returns the number of batches in one dataset pass.
func (c *CodecClient) DatasetSize(ctx context.Context) (int, error) {
	var n int
	if err := c.call(ctx, "DatasetSize", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SetEpoch reseeds the distributed sampler for a new epoch.
func (c *CodecClient) SetEpoch(ctx context.Context, epoch int) error {
	return c.call(ctx, "SetEpoch", epoch, nil)
}

// NextBatch fetches the next batch. The loader cycles past the end of
// the dataset.
func (c *CodecClient) NextBatch(ctx context.Context) (batch.Result, error) {
	var resp batchReply
	if err := c.call(ctx, "NextBatch", nil, &resp); err != nil {
		return nil, err
	}
	c.firstID = resp.FirstID
	return c.decodeResult("NextBatch", resp.Data)
}

// FirstID returns the dataset index of the first entry of the last batch.
func (c *CodecClient) FirstID() int64 { return c.firstID }
// #endregion loader

// #region model
func (c *CodecClient) Forward(ctx context.Context, inputs batch.Result, grad bool) (batch.Result, error) {
	in, err := batch.ResultToWire(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode Forward inputs: %w", err)
	}
	var out map[string]batch.Wire
	if err := c.call(ctx, "Forward", forwardRequest{Inputs: in, Grad: grad}, &out); err != nil {
		return nil, err
	}
	return c.decodeResult("Forward", out)
}

func (c *CodecClient) Loss(ctx context.Context, inputs batch.Result) (batch.Result, error) {
	in, err := batch.ResultToWire(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode Loss inputs: %w", err)
	}
	var out map[string]batch.Wire
	if err := c.call(ctx, "Loss", in, &out); err != nil {
		return nil, err
	}
	return c.decodeResult("Loss", out)
}

func (c *CodecClient) ZeroGrad(ctx context.Context) error {
	return c.call(ctx, "ZeroGrad", nil, nil)
}

// Backward sends the reference of the loss tensor; only the service
// holds its graph.
func (c *CodecClient) Backward(ctx context.Context, loss batch.Tensor) error {
	if loss.Ref == "" {
		return fmt.Errorf("backward: loss tensor has no service reference")
	}
	return c.call(ctx, "Backward", loss.Ref, nil)
}

func (c *CodecClient) OptimizerStep(ctx context.Context) error {
	return c.call(ctx, "OptimizerStep", nil, nil)
}

func (c *CodecClient) SchedulerStep(ctx context.Context) error {
	return c.call(ctx, "SchedulerStep", nil, nil)
}

// UpdateBuffers is a no-op when the service reported no buffers to update.
func (c *CodecClient) UpdateBuffers(ctx context.Context) error {
	if !c.buffers {
		return nil
	}
	return c.call(ctx, "UpdateBuffers", nil, nil)
}
// #endregion model

// #region state
func (c *CodecClient) StateDict(ctx context.Context) (checkpoint.State, error) {
	var st checkpoint.State
	if err := c.call(ctx, "StateDict", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *CodecClient) StateKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.call(ctx, "StateKeys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *CodecClient) LoadStateDict(ctx context.Context, state checkpoint.State) ([]string, error) {
	var resp loadStateReply
	if err := c.call(ctx, "LoadStateDict", state, &resp); err != nil {
		return nil, err
	}
	return resp.Unexpected, nil
}

func (c *CodecClient) OptimizerState(ctx context.Context) (wire.RawMessage, error) {
	var raw wire.RawMessage
	if err := c.call(ctx, "OptimizerState", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *CodecClient) LoadOptimizerState(ctx context.Context, state wire.RawMessage) error {
	return c.call(ctx, "LoadOptimizerState", state, nil)
}
// #endregion state

// #region freeze
// Parameters lists the names of the trainable parameters.
func (c *CodecClient) Parameters(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.call(ctx, "Parameters", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *CodecClient) SetModuleEval(ctx context.Context, module string) error {
	return c.call(ctx, "SetModuleEval", module, nil)
}

func (c *CodecClient) FreezeParameters(ctx context.Context, names []string) error {
	return c.call(ctx, "FreezeParameters", names, nil)
}
// #endregion freeze

// #region memory
func (c *CodecClient) DeviceMemory(ctx context.Context) (DeviceMemory, error) {
	var m DeviceMemory
	if err := c.call(ctx, "DeviceMemory", nil, &m); err != nil {
		return DeviceMemory{}, err
	}
	return m, nil
}
// #endregion memory
