// Package stepper runs one forward (and loss) pass of the model over a
// batch and, in training, the parameter update that follows it.
package stepper

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/config"
)

// LossKey is the loss output holding the total loss.
const LossKey = "loss"

// IterationKey is the loss input carrying the iteration for
// iteration-dependent losses.
const IterationKey = "iteration"

// ErrNoLoss is returned by Backward when the last Step produced no loss.
var ErrNoLoss = errors.New("no training loss to back-propagate")

// #region model
// Model is the live network. Forward and Loss bind their inputs by name.
type Model interface {
	Forward(ctx context.Context, inputs batch.Result, grad bool) (batch.Result, error)
	Loss(ctx context.Context, inputs batch.Result) (batch.Result, error)
	ZeroGrad(ctx context.Context) error
	Backward(ctx context.Context, loss batch.Tensor) error
	OptimizerStep(ctx context.Context) error
	SchedulerStep(ctx context.Context) error
}

// BufferUpdater is implemented by models holding state that is updated
// outside of the gradient step, e.g. running statistics.
type BufferUpdater interface {
	UpdateBuffers(ctx context.Context) error
}
// #endregion model

// #region stepper
// Options configures a Stepper.
type Options struct {
	Train             bool
	KeepOutput        []string
	IgnoreKeys        []string
	TimeDependentLoss bool
	// Scheduler advances the learning-rate schedule after each update.
	Scheduler bool
}

// Stepper drives the model one batch at a time.
type Stepper struct {
	model Model
	opts  Options
	keep  map[string]bool
	drop  map[string]bool
	loss  *batch.Tensor
}

// New returns a Stepper. KeepOutput and IgnoreKeys are mutually exclusive.
func New(model Model, opts Options) (*Stepper, error) {
	if len(opts.KeepOutput) > 0 && len(opts.IgnoreKeys) > 0 {
		return nil, fmt.Errorf("%w: keep_output and ignore_keys are mutually exclusive", config.ErrConfig)
	}
	s := &Stepper{model: model, opts: opts}
	if len(opts.KeepOutput) > 0 {
		s.keep = toSet(opts.KeepOutput)
	}
	if len(opts.IgnoreKeys) > 0 {
		s.drop = toSet(opts.IgnoreKeys)
	}
	return s, nil
}

func toSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
// #endregion stepper

// #region step
// Step runs the forward pass over inputs, then the loss over lossInputs
// merged with the forward outputs when lossInputs is non-nil. Gradients
// are tracked for the whole step exactly when training. The returned
// result is filtered and normalized.
func (s *Stepper) Step(ctx context.Context, inputs, lossInputs batch.Result, iteration int64) (batch.Result, error) {
	s.loss = nil
	out, err := s.model.Forward(ctx, inputs, s.opts.Train)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if out == nil {
		out = make(batch.Result)
	}

	if lossInputs != nil {
		merged := make(batch.Result, len(lossInputs)+len(out)+1)
		merged.Merge(lossInputs)
		merged.Merge(out)
		if s.opts.TimeDependentLoss {
			merged[IterationKey] = batch.Scalar(iteration)
		}
		lossOut, err := s.model.Loss(ctx, merged)
		if err != nil {
			return nil, fmt.Errorf("loss: %w", err)
		}
		out.Merge(lossOut)

		if s.opts.Train {
			t, ok := lossOut[LossKey].(batch.Tensor)
			if !ok {
				return nil, fmt.Errorf("loss output %q is missing or not a tensor", LossKey)
			}
			s.loss = &t
		}
	}

	s.filter(out)
	if err := batch.NormalizeResult(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stepper) filter(r batch.Result) {
	for k := range r {
		if (s.keep != nil && !s.keep[k]) || s.drop[k] {
			delete(r, k)
		}
	}
}
// #endregion step

// #region backward
// Backward applies one parameter update from the loss of the last Step:
// reset gradients, back-propagate, step the optimizer, advance the
// learning-rate schedule, then update non-gradient buffers.
func (s *Stepper) Backward(ctx context.Context) error {
	if s.loss == nil {
		return ErrNoLoss
	}
	loss := *s.loss
	s.loss = nil

	if err := s.model.ZeroGrad(ctx); err != nil {
		return fmt.Errorf("zero grad: %w", err)
	}
	if err := s.model.Backward(ctx, loss); err != nil {
		return fmt.Errorf("backward: %w", err)
	}
	if err := s.model.OptimizerStep(ctx); err != nil {
		return fmt.Errorf("optimizer step: %w", err)
	}
	if s.opts.Scheduler {
		if err := s.model.SchedulerStep(ctx); err != nil {
			return fmt.Errorf("scheduler step: %w", err)
		}
	}
	if u, ok := s.model.(BufferUpdater); ok {
		if err := u.UpdateBuffers(ctx); err != nil {
			return fmt.Errorf("update buffers: %w", err)
		}
	}
	return nil
}

// Train reports whether the stepper runs in training mode.
func (s *Stepper) Train() bool {
	return s.opts.Train
}
// #endregion backward
