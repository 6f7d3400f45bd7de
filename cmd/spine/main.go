// spine drives training and inference of a reconstruction model served by
// an external service. It loads the configuration, restores weights,
// launches one process per rank in distributed mode, and runs the loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/codec"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/distrib"
	"github.com/danielpatrickdp/spine-driver/internal/driver"
	"github.com/danielpatrickdp/spine-driver/internal/logging"
	"github.com/danielpatrickdp/spine-driver/internal/modules"
	"github.com/danielpatrickdp/spine-driver/internal/post"
	"github.com/danielpatrickdp/spine-driver/internal/runstore"
	"github.com/danielpatrickdp/spine-driver/internal/sink"
	"github.com/danielpatrickdp/spine-driver/internal/stepper"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region main
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	rank       int
	seed       int64
	runID      string
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("spine", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "configuration file (default: $SPINE_CONFIG)")
	flagSet.IntVar(&f.rank, "rank", -1, "rank of this process; all ranks are launched when unset")
	flagSet.Int64Var(&f.seed, "seed", 0, "random seed overriding base.seed")
	flagSet.StringVar(&f.runID, "run-id", "", "run identifier shared by all ranks")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if cfg.Model == nil {
		return fmt.Errorf("%w: the model section is required", config.ErrConfig)
	}
	logger, err := newLogger(cfg.Base.Verbosity)
	if err != nil {
		return err
	}
	if flagSet.Changed("seed") {
		cfg.Base.Seed = &f.seed
	}
	if f.runID == "" {
		f.runID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Base.Distributed && f.rank < 0 {
		// resolve the seed once so every rank shuffles alike
		runCfg, err := cfg.Run(0)
		if err != nil {
			return err
		}
		return launchRanks(ctx, f.configPath, cfg.Base.WorldSize, runCfg.Seed, f.runID, logger)
	}
	if f.rank < 0 {
		f.rank = 0
	}
	return runRank(ctx, cfg, f.rank, f.runID, logger)
}
// #endregion main

// #region rank
func runRank(ctx context.Context, cfg *config.Config, rank int, runID string, logger *slog.Logger) error {
	run, err := cfg.Run(rank)
	if err != nil {
		return err
	}
	logger = logger.With("rank", rank, "run_id", runID)
	logger.Info("starting", "mode", mode(run.Train), "world_size", run.WorldSize, "seed", run.Seed)

	client, err := codec.NewCodecClient(cfg.Base.ServiceAddr, cfg.Base.MaxMessageBytes(), logger)
	if err != nil {
		return fmt.Errorf("connect to reconstruction service at %s: %w", cfg.Base.ServiceAddr, err)
	}
	defer client.Close()

	info, err := client.Initialize(ctx, codec.InitRequest{
		Train:       run.Train,
		Seed:        run.Seed,
		Rank:        rank,
		WorldSize:   run.WorldSize,
		Distributed: run.Distributed,
		Loader:      cfg.IO.Loader,
		Model:       moduleTree(&cfg.Model.Modules),
		Optimizer:   cfg.Trainval.Optimizer,
		Scheduler:   cfg.Trainval.LRScheduler,
	})
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	sched, err := run.Schedule(info.DatasetBatches)
	if err != nil {
		return err
	}

	inputs, lossInputs, err := resolveBindings(cfg.Model, info, logger)
	if err != nil {
		return err
	}
	st, err := stepper.New(client, stepper.Options{
		Train:             run.Train,
		KeepOutput:        cfg.Model.KeepOutput,
		IgnoreKeys:        cfg.Model.IgnoreKeys,
		TimeDependentLoss: run.TimeDependentLoss,
		Scheduler:         info.HasScheduler,
	})
	if err != nil {
		return err
	}

	start, err := checkpoint.LoadAll(ctx, run, &cfg.Model.Modules, client, logger)
	if err != nil {
		return err
	}
	report, err := modules.Freeze(ctx, &cfg.Model.Modules, client, logger)
	if err != nil {
		return err
	}
	if len(report.Frozen) > 0 {
		logger.Info("frozen parameters", "count", len(report.Frozen))
	}

	ckptComp, err := wire.ParseCompression(cfg.Trainval.CheckpointCompression)
	if err != nil {
		return fmt.Errorf("%w: trainval.checkpoint_compression: %v", config.ErrConfig, err)
	}
	if run.Train && run.Main() && run.CheckpointStep > 0 {
		if err := os.MkdirAll(filepath.Dir(run.WeightPrefix), 0o755); err != nil {
			return fmt.Errorf("create weight directory: %w", err)
		}
	}

	store, err := runstore.NewStore(cfg.Base.RunDB)
	if err != nil {
		return err
	}
	defer store.Close()
	var tracker driver.Tracker
	if run.Main() {
		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if _, err := store.CreateRun(runID, run.Train, run.WorldSize, string(configJSON)); err != nil {
			return err
		}
		tracker = store
	}

	group, err := openGroup(cfg, run, logger)
	if err != nil {
		return err
	}
	defer group.Close()

	var out *sink.Writer
	if w := cfg.IO.Writer; w != nil && run.Main() {
		comp, err := wire.ParseCompression(w.Compression)
		if err != nil {
			return err
		}
		if out, err = sink.Create(w.FileName, comp, runID, run); err != nil {
			return err
		}
		defer func() {
			if err := out.Close(); err != nil {
				logger.Error("failed to close output file", "path", w.FileName, "error", err)
			}
			logger.Info("wrote outputs", "path", w.FileName, "entries", out.Count())
		}()
	}

	chain, err := post.Build(&cfg.Post, logger)
	if err != nil {
		return err
	}

	deps := driver.Deps{
		Loader:   client,
		Stepper:  st,
		Source:   client,
		Group:    group,
		Post:     chain,
		NewLog:   logFactory(cfg.Base.LogFormat, run, runID, store, logger),
		Reporter: logging.NewReporter(run.Train, info.GPU, run.Distributed, rank),
		Memory:   memoryProbe(client, info.GPU, logger),
		Tracker:  tracker,
		Logger:   logger,
	}
	if out != nil {
		deps.Sink = out
	}
	d, err := driver.New(driver.Options{
		Run:         run,
		Schedule:    sched,
		RunID:       runID,
		Inputs:      inputs,
		LossInputs:  lossInputs,
		Write:       cfg.IO.Writer != nil,
		Compression: ckptComp,
	}, deps)
	if err != nil {
		return err
	}

	if weights := perFileWeights(run); len(weights) > 0 {
		load := func(ctx context.Context, path string) (int64, error) {
			res, err := checkpoint.Load(ctx, run, checkpoint.Request{
				Module:    run.ModelName,
				ModelName: run.ModelName,
				Path:      path,
				TopLevel:  true,
			}, client, logger)
			return res.StartIteration, err
		}
		return d.RunInference(ctx, weights, load)
	}
	return d.Run(ctx, start)
}
// #endregion rank

// #region helpers
func mode(train bool) string {
	if train {
		return "train"
	}
	return "inference"
}

// resolveBindings binds batch products to the parameters the service
// reports. A nil loss map means the loss is not computed.
func resolveBindings(m *config.ModelConfig, info codec.InitResponse, logger *slog.Logger) (inputs, lossInputs map[string]string, err error) {
	if m.NetworkInput.Positional || m.LossInput.Positional {
		logger.Warn("list-form input bindings are deprecated, use a param: product mapping")
	}
	if inputs, err = m.NetworkInput.Resolve(info.ForwardParams); err != nil {
		return nil, nil, fmt.Errorf("network_input: %w", err)
	}
	if m.LossInput.Empty() {
		return inputs, nil, nil
	}
	if lossInputs, err = m.LossInput.Resolve(info.LossParams); err != nil {
		return nil, nil, fmt.Errorf("loss_input: %w", err)
	}
	return inputs, lossInputs, nil
}

// moduleTree renders the module configuration for the service.
func moduleTree(m *config.ModuleConfig) map[string]any {
	out := make(map[string]any, len(m.Params)+len(m.Children))
	for k, v := range m.Params {
		out[k] = v
	}
	for _, c := range m.Children {
		out[c.Name] = moduleTree(c)
	}
	return out
}

func openGroup(cfg *config.Config, run config.RunConfig, logger *slog.Logger) (distrib.Group, error) {
	if !run.Distributed {
		return distrib.Single(), nil
	}
	addr := cfg.Base.CoordinatorAddr
	if run.Main() {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return distrib.ServeCoordinator(lis, run.WorldSize, cfg.Base.MaxMessageBytes(), logger), nil
	}
	return distrib.DialGroup(addr, run.Rank, run.WorldSize, cfg.Base.MaxMessageBytes())
}

func logFactory(format string, run config.RunConfig, runID string, store *runstore.Store, logger *slog.Logger) driver.LogFactory {
	return func(start int64) (logging.Sink, error) {
		if format == "sqlite" {
			return logging.NewSQLiteLogger(store.DB(), runID, run.Rank)
		}
		path := logging.FileName(run.LogDir, run.Train, run.Distributed, run.Rank, start)
		logger.Info("iteration log", "path", path)
		return logging.NewCSVLogger(path, logger)
	}
}

func memoryProbe(client *codec.CodecClient, gpu bool, logger *slog.Logger) driver.MemoryProbe {
	return func(ctx context.Context) logging.Memory {
		used, perc := logging.SystemMemory()
		mem := logging.Memory{CPU: used, CPUPerc: perc}
		if !gpu {
			return mem
		}
		dev, err := client.DeviceMemory(ctx)
		if err != nil {
			logger.Warn("device memory unavailable", "error", err)
			return mem
		}
		mem.GPU, mem.GPUPerc = dev.UsedGB, dev.Percent()
		return mem
	}
}

// perFileWeights lists the weight files of an inference run whose
// model_path is a pattern; each gets its own pass.
func perFileWeights(run config.RunConfig) []string {
	if run.Train || run.ModelPath == "" {
		return nil
	}
	if info, err := os.Stat(run.ModelPath); err == nil && info.Mode().IsRegular() {
		return nil
	}
	files, err := checkpoint.Resolve(run.ModelPath, false)
	if err != nil {
		return nil
	}
	return files
}
// #endregion helpers
