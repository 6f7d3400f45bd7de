// Package driver runs the training and inference loop: it pulls batches,
// steps the model, saves checkpoints, writes per-entry outputs and logs
// every iteration.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/distrib"
	"github.com/danielpatrickdp/spine-driver/internal/logging"
	"github.com/danielpatrickdp/spine-driver/internal/post"
	"github.com/danielpatrickdp/spine-driver/internal/runstore"
	"github.com/danielpatrickdp/spine-driver/internal/stepper"
	"github.com/danielpatrickdp/spine-driver/internal/stopwatch"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// ErrMissingProduct marks a configured input absent from the batch.
var ErrMissingProduct = errors.New("product missing from batch")

// Phases are the timed sections of an iteration, in log order.
var Phases = []string{"iteration", "io", "forward", "backward", "unwrap", "post", "save", "write"}

// #region collaborators
// Loader is the data source.
type Loader interface {
	NextBatch(ctx context.Context) (batch.Result, error)
	SetEpoch(ctx context.Context, epoch int) error
}

// Sink receives the per-entry inputs and outputs of every iteration.
type Sink interface {
	Append(data, result batch.Result) error
	Close() error
}

// Tracker records the run lifecycle and the checkpoint catalog.
type Tracker interface {
	Start(runID string, startIteration int64) error
	Progress(runID string, iteration int64) error
	SetStatus(runID string, status runstore.Status, errMsg string) error
	RecordCheckpoint(rec runstore.CheckpointRecord) (runstore.CheckpointRecord, error)
}

// LogFactory opens the log sink of a pass whose weights start at start.
type LogFactory func(start int64) (logging.Sink, error)

// MemoryProbe reports memory usage at the end of an iteration.
type MemoryProbe func(ctx context.Context) logging.Memory

// WeightLoader loads one weight file and returns its start iteration.
type WeightLoader func(ctx context.Context, path string) (int64, error)
// #endregion collaborators

// #region options
// Options are the static settings of a Driver.
type Options struct {
	Run      config.RunConfig
	Schedule config.Schedule
	RunID    string

	// Inputs and LossInputs bind model parameters to batch products.
	// A nil LossInputs skips the loss.
	Inputs     map[string]string
	LossInputs map[string]string

	// Write enables the sink on every rank; only the main rank holds it.
	Write       bool
	Compression wire.Compression
}

// Deps are the collaborators of a Driver. Group, Post, Reporter, Memory,
// Tracker and Source are optional.
type Deps struct {
	Loader   Loader
	Stepper  *stepper.Stepper
	Source   checkpoint.Source
	Group    distrib.Group
	Post     post.Chain
	Sink     Sink
	NewLog   LogFactory
	Reporter *logging.Reporter
	Memory   MemoryProbe
	Tracker  Tracker
	Logger   *slog.Logger
}
// #endregion options

// #region state
// State is the lifecycle of a Driver.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)
// #endregion state

// #region driver
// Driver owns the iteration loop of one process.
type Driver struct {
	opts  Options
	deps  Deps
	watch *stopwatch.Set
	state State
	log   logging.Sink
}

// New checks the options against the collaborators.
func New(opts Options, deps Deps) (*Driver, error) {
	run := opts.Run
	if deps.Loader == nil || deps.Stepper == nil || deps.NewLog == nil || deps.Logger == nil {
		return nil, fmt.Errorf("driver needs a loader, a stepper, a log factory and a logger")
	}
	if opts.Schedule.IterPerEpoch < 1 {
		return nil, fmt.Errorf("%w: %d iterations per epoch", config.ErrConfig, opts.Schedule.IterPerEpoch)
	}
	if opts.Write && !run.Unwrap {
		return nil, fmt.Errorf("%w: writing outputs requires io.unwrap", config.ErrConfig)
	}
	if len(deps.Post) > 0 && !run.Unwrap {
		return nil, fmt.Errorf("%w: post-processors require io.unwrap", config.ErrConfig)
	}
	if opts.Write && run.Main() && deps.Sink == nil {
		return nil, fmt.Errorf("writing enabled but the main process has no sink")
	}
	if run.Train && run.CheckpointStep > 0 && run.Main() && deps.Source == nil {
		return nil, fmt.Errorf("checkpointing enabled but no state source")
	}
	if deps.Stepper.Train() != run.Train {
		return nil, fmt.Errorf("stepper mode does not match run mode")
	}
	if deps.Group == nil {
		deps.Group = distrib.Single()
	}
	if run.Distributed && deps.Group.Size() != run.WorldSize {
		return nil, fmt.Errorf("group of size %d for a world of %d", deps.Group.Size(), run.WorldSize)
	}
	if deps.Memory == nil {
		deps.Memory = systemMemory
	}
	deps.Logger = deps.Logger.With("rank", run.Rank)
	return &Driver{opts: opts, deps: deps, watch: stopwatch.New(Phases...), state: StateIdle}, nil
}

// State returns the lifecycle state.
func (d *Driver) State() State { return d.state }

func systemMemory(context.Context) logging.Memory {
	used, perc := logging.SystemMemory()
	return logging.Memory{CPU: used, CPUPerc: perc}
}

func (d *Driver) begin(start int64) error {
	if d.state != StateIdle {
		return fmt.Errorf("driver already %s", d.state)
	}
	d.state = StateRunning
	if t := d.deps.Tracker; t != nil {
		if err := t.Start(d.opts.RunID, start); err != nil {
			return fmt.Errorf("record run start: %w", err)
		}
	}
	return nil
}

// finish moves to the terminal state matching err and returns err.
func (d *Driver) finish(err error) error {
	status := runstore.StatusCompleted
	d.state = StateCompleted
	msg := ""
	if err != nil {
		status = runstore.StatusFailed
		d.state = StateFailed
		msg = err.Error()
	}
	if t := d.deps.Tracker; t != nil {
		if terr := t.SetStatus(d.opts.RunID, status, msg); terr != nil {
			d.deps.Logger.Error("failed to record run status", "status", status, "error", terr)
		}
	}
	return err
}
// #endregion driver

// #region project
// Project selects the products bound to each parameter.
func Project(data batch.Result, bindings map[string]string) (batch.Result, error) {
	out := make(batch.Result, len(bindings))
	for param, product := range bindings {
		v, ok := data[product]
		if !ok {
			return nil, fmt.Errorf("%w: %q (input %s)", ErrMissingProduct, product, param)
		}
		out[param] = v
	}
	return out, nil
}
// #endregion project
