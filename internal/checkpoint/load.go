package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/modules"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// wrapperPrefix is prepended to every parameter name by the distributed
// model wrapper.
const wrapperPrefix = "module."

// #region target
// Target is a live model that weights are restored into.
type Target interface {
	// StateKeys lists every name in the live model's state.
	StateKeys(ctx context.Context) ([]string, error)
	// LoadStateDict loads the given subset of the state and reports the
	// keys that do not belong to the model.
	LoadStateDict(ctx context.Context, state State) (unexpected []string, err error)
	LoadOptimizerState(ctx context.Context, state wire.RawMessage) error
}
// #endregion target

// #region missing
// MissingParameter is one required parameter absent from a checkpoint.
// Key is the name looked up in the checkpoint after remapping.
type MissingParameter struct {
	Name string
	Key  string
}

// MissingParametersError lists every required parameter a checkpoint
// lacks. Nothing is loaded when it is returned.
type MissingParametersError struct {
	Path    string
	Module  string
	Missing []MissingParameter
}

func (e *MissingParametersError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checkpoint %s is missing %d parameters for %s:", e.Path, len(e.Missing), e.Module)
	for _, m := range e.Missing {
		if m.Key == m.Name {
			fmt.Fprintf(&b, " %s", m.Name)
		} else {
			fmt.Fprintf(&b, " %s (as %s)", m.Name, m.Key)
		}
	}
	return b.String()
}
// #endregion missing

// #region load
// Request names one weight file to restore into a module of the model.
type Request struct {
	// Module is the module name in the live model; ModelName is the name
	// its weights are stored under. Both equal the model name for a
	// top-level load.
	Module    string
	ModelName string
	Path      string
	TopLevel  bool
}

// Result reports what a Load did.
type Result struct {
	Iteration int64
	// StartIteration is Iteration+1 for top-level loads, otherwise 0.
	StartIteration int64
	Loaded         int
	Unexpected     []string
}

// Load restores the weights at req.Path into target. Every required key
// is checked before target is touched: if any is missing the load fails
// with a *MissingParametersError and the model is left unchanged.
func Load(ctx context.Context, run config.RunConfig, req Request, target Target, logger *slog.Logger) (Result, error) {
	ckpt, _, err := ReadFile(req.Path)
	if err != nil {
		return Result{}, err
	}
	stored := ckpt.ModelState
	if !run.Distributed {
		stored = stripWrapper(stored)
	}

	keys, err := target.StateKeys(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list model state: %w", err)
	}
	sort.Strings(keys)

	ready := make(State)
	var missing []MissingParameter
	if req.TopLevel {
		for _, name := range keys {
			if _, ok := stored[name]; !ok {
				missing = append(missing, MissingParameter{Name: name, Key: name})
			}
		}
		ready = stored
	} else {
		for _, name := range keys {
			if !modules.HasSegment(name, req.Module) {
				continue
			}
			key := remap(name, req.Module, req.ModelName)
			t, ok := stored[key]
			if !ok {
				missing = append(missing, MissingParameter{Name: name, Key: key})
				continue
			}
			ready[name] = t
		}
	}
	if len(missing) > 0 {
		return Result{}, &MissingParametersError{Path: req.Path, Module: req.Module, Missing: missing}
	}

	unexpected, err := target.LoadStateDict(ctx, ready)
	if err != nil {
		return Result{}, fmt.Errorf("load state into %s: %w", req.Module, err)
	}
	if len(unexpected) > 0 {
		logger.Warn("weight file holds parameters the model does not use", "path", req.Path, "module", req.Module,
			"count", len(unexpected), "keys", unexpected)
	}

	res := Result{Iteration: ckpt.Iteration, Loaded: len(ready), Unexpected: unexpected}
	if req.TopLevel {
		if run.Train && run.RestoreOptimizer {
			if err := target.LoadOptimizerState(ctx, ckpt.OptimizerState); err != nil {
				return Result{}, fmt.Errorf("restore optimizer: %w", err)
			}
		}
		res.StartIteration = ckpt.Iteration + 1
	}
	return res, nil
}

func stripWrapper(s State) State {
	out := make(State, len(s))
	for k, v := range s {
		out[strings.TrimPrefix(k, wrapperPrefix)] = v
	}
	return out
}

// remap replaces every whole segment equal to module with modelName.
func remap(name, module, modelName string) string {
	if module == modelName {
		return name
	}
	segs := strings.Split(name, ".")
	for i, s := range segs {
		if s == module {
			segs[i] = modelName
		}
	}
	return strings.Join(segs, ".")
}
// #endregion load

// #region load-all
// Plan lists the loads a configuration asks for: the whole-model weights
// first, then every module that names its own weight file.
func Plan(run config.RunConfig, root *config.ModuleConfig) []Request {
	var plan []Request
	if run.ModelPath != "" {
		plan = append(plan, Request{Module: run.ModelName, ModelName: run.ModelName, Path: run.ModelPath, TopLevel: true})
	}
	_ = modules.Walk(root, func(n modules.Node) error {
		if n.Module.ModelPath != "" {
			plan = append(plan, Request{Module: n.Module.Name, ModelName: n.Module.ModelName, Path: n.Module.ModelPath})
		}
		return nil
	})
	return plan
}

// LoadAll executes Plan. Outside training, a plan entry that is a glob
// over several files is skipped; the caller loops over those files. It
// returns the iteration to start from: 0 unless whole-model weights were
// loaded.
func LoadAll(ctx context.Context, run config.RunConfig, root *config.ModuleConfig, target Target, logger *slog.Logger) (int64, error) {
	var start int64
	for _, req := range Plan(run, root) {
		if info, err := os.Stat(req.Path); err != nil || !info.Mode().IsRegular() {
			files, rerr := Resolve(req.Path, run.Train)
			if rerr == nil && len(files) > 0 && !run.Train {
				logger.Debug("weight path is a pattern, loading per file later", "module", req.Module, "path", req.Path)
				continue
			}
			if errors.Is(rerr, ErrAmbiguousPath) {
				return 0, fmt.Errorf("module %s: %w", req.Module, rerr)
			}
			return 0, fmt.Errorf("%w for module %s: %s", ErrWeightsNotFound, req.Module, req.Path)
		}

		logger.Info("restoring weights", "module", req.Module, "path", req.Path)
		res, err := Load(ctx, run, req, target, logger)
		if err != nil {
			return 0, err
		}
		if req.TopLevel {
			start = res.StartIteration
		}
	}
	return start, nil
}
// #endregion load-all
