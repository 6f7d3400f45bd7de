package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/danielpatrickdp/spine-driver/internal/config"
)

// ErrNoWeightsToFreeze marks a freeze directive that matched no parameter,
// which means the module name does not match the model's naming.
var ErrNoWeightsToFreeze = errors.New("module marked for freezing matches no parameters")

// #region target
// FreezeTarget is the live model as seen by the freeze resolver.
type FreezeTarget interface {
	Parameters(ctx context.Context) ([]string, error)
	SetModuleEval(ctx context.Context, module string) error
	FreezeParameters(ctx context.Context, names []string) error
}
// #endregion target

// #region freeze
// FreezeReport lists what Freeze did.
type FreezeReport struct {
	// Counts maps module path to the number of parameters frozen for it.
	Counts map[string]int
	// Frozen is the sorted set of all frozen parameter names.
	Frozen []string
}

// Freeze puts every module marked freeze_weights into evaluation mode and
// marks each parameter whose name contains the module name (or its
// model_name alias) as a segment as non-trainable. Applying it more than
// once freezes the same set.
func Freeze(ctx context.Context, root *config.ModuleConfig, target FreezeTarget, logger *slog.Logger) (FreezeReport, error) {
	report := FreezeReport{Counts: make(map[string]int)}

	var marked []Node
	_ = Walk(root, func(n Node) error {
		if n.Module.FreezeWeights {
			marked = append(marked, n)
		}
		return nil
	})
	if len(marked) == 0 {
		return report, nil
	}

	params, err := target.Parameters(ctx)
	if err != nil {
		return report, fmt.Errorf("list parameters: %w", err)
	}

	frozen := make(map[string]struct{})
	for _, n := range marked {
		var names []string
		for _, p := range params {
			if HasSegment(p, n.Module.Name) || HasSegment(p, n.Module.ModelName) {
				names = append(names, p)
			}
		}
		if len(names) == 0 {
			return report, fmt.Errorf("%w: %s", ErrNoWeightsToFreeze, n.Path)
		}
		if err := target.SetModuleEval(ctx, n.Path); err != nil {
			return report, fmt.Errorf("set %s to eval mode: %w", n.Path, err)
		}
		if err := target.FreezeParameters(ctx, names); err != nil {
			return report, fmt.Errorf("freeze %s: %w", n.Path, err)
		}
		report.Counts[n.Path] = len(names)
		for _, name := range names {
			frozen[name] = struct{}{}
		}
		logger.Info("froze module weights", "module", n.Path, "parameters", len(names))
	}

	for name := range frozen {
		report.Frozen = append(report.Frozen, name)
	}
	sort.Strings(report.Frozen)
	return report, nil
}
// #endregion freeze
