package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// #region run-config
// RunConfig is the immutable per-process view of the configuration that
// every component receives at construction.
type RunConfig struct {
	Train bool
	// Iterations < 0 means exactly one epoch; 0 when Epochs is set.
	Iterations     int
	Epochs         float64
	CheckpointStep int
	ReportStep     int
	Seed           int64

	Distributed bool
	WorldSize   int
	Rank        int

	Unwrap            bool
	TimeDependentLoss bool
	RestoreOptimizer  bool
	WeightPrefix      string
	ModelPath         string
	ModelName         string
	LogDir            string
}

// Main reports whether this is the coordinating process.
func (r RunConfig) Main() bool {
	return r.Rank == 0
}

// Run derives the RunConfig of the given rank. A nil seed is replaced by
// the current time, so callers spawning ranks should resolve it once.
func (c *Config) Run(rank int) (RunConfig, error) {
	if rank < 0 || rank >= c.Base.WorldSize {
		return RunConfig{}, fmt.Errorf("%w: rank %d outside world of size %d", ErrConfig, rank, c.Base.WorldSize)
	}
	tv := c.Trainval
	run := RunConfig{
		Train:            tv.Train,
		CheckpointStep:   tv.CheckpointStep,
		ReportStep:       tv.ReportStep,
		Distributed:      c.Base.Distributed,
		WorldSize:        c.Base.WorldSize,
		Rank:             rank,
		Unwrap:           c.IO.Unwrap,
		RestoreOptimizer: tv.RestoreOptimizer,
		WeightPrefix:     tv.WeightPrefix,
		ModelPath:        tv.ModelPath,
		LogDir:           c.Base.LogDir,
	}
	if tv.Iterations != nil {
		run.Iterations = *tv.Iterations
	}
	if tv.Epochs != nil {
		run.Epochs = *tv.Epochs
	}
	if c.Base.Seed != nil {
		run.Seed = *c.Base.Seed
	} else {
		run.Seed = time.Now().Unix()
	}
	if c.Model != nil {
		run.ModelName = c.Model.Name
		run.TimeDependentLoss = c.Model.TimeDependentLoss
	}
	return run, nil
}
// #endregion run-config

// #region schedule
// Schedule is the loop budget derived from the dataset size.
type Schedule struct {
	IterPerEpoch int
	Iterations   int
	Epochs       float64
}

// Schedule derives the iteration and epoch budgets from the number of
// batches the data source yields per epoch, split across the world.
func (r RunConfig) Schedule(batches int) (Schedule, error) {
	world := r.WorldSize
	if world < 1 {
		world = 1
	}
	per := batches / world
	if per < 1 {
		return Schedule{}, fmt.Errorf("%w: dataset of %d batches is too small for %d processes", ErrConfig, batches, world)
	}
	s := Schedule{IterPerEpoch: per}
	switch {
	case r.Epochs > 0:
		s.Epochs = r.Epochs
		s.Iterations = int(r.Epochs * float64(per))
	case r.Iterations < 0:
		s.Iterations = per
		s.Epochs = 1
	default:
		s.Iterations = r.Iterations
		s.Epochs = float64(r.Iterations) / float64(per)
	}
	return s, nil
}
// #endregion schedule

// #region verbosity
// ParseVerbosity maps a verbosity name to a slog level. critical logs at
// error level with a critical attribute.
func ParseVerbosity(name string) (level slog.Level, critical bool, err error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, false, nil
	case "", "info":
		return slog.LevelInfo, false, nil
	case "warning", "warn":
		return slog.LevelWarn, false, nil
	case "error":
		return slog.LevelError, false, nil
	case "critical":
		return slog.LevelError, true, nil
	default:
		return 0, false, fmt.Errorf("%w: unknown verbosity %q", ErrConfig, name)
	}
}
// #endregion verbosity
