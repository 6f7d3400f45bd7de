package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/distrib"
	"github.com/danielpatrickdp/spine-driver/internal/logging"
	"github.com/danielpatrickdp/spine-driver/internal/runstore"
)

// IndexKey is the batch product holding the dataset index of each entry.
const IndexKey = "index"

const stampLayout = "2006-01-02 15:04:05"

// #region run
// Run executes one pass over the schedule. start is the iteration the
// loaded weights resume from; training continues from it while inference
// always counts from zero and only uses start to name its log.
func (d *Driver) Run(ctx context.Context, start int64) error {
	if err := d.begin(start); err != nil {
		return err
	}
	return d.finish(d.pass(ctx, start))
}

// RunInference runs one inference pass per weight file, reloading the
// model through load before each pass.
func (d *Driver) RunInference(ctx context.Context, weights []string, load WeightLoader) error {
	if d.opts.Run.Train {
		return fmt.Errorf("inference over weight files requested in training mode")
	}
	if err := d.begin(0); err != nil {
		return err
	}
	for _, path := range weights {
		start, err := load(ctx, path)
		if err != nil {
			return d.finish(fmt.Errorf("load weights %s: %w", path, err))
		}
		d.deps.Logger.Info("inference pass", "weights", path, "start_iteration", start)
		if err := d.pass(ctx, start); err != nil {
			return d.finish(fmt.Errorf("weights %s: %w", path, err))
		}
	}
	return d.finish(nil)
}

func (d *Driver) pass(ctx context.Context, start int64) (err error) {
	run, sched := d.opts.Run, d.opts.Schedule
	log, err := d.deps.NewLog(start)
	if err != nil {
		return fmt.Errorf("open iteration log: %w", err)
	}
	d.log = log
	defer func() {
		if cerr := log.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close iteration log: %w", cerr)
		}
	}()

	it := int64(0)
	if run.Train {
		it = start
	}
	per := int64(sched.IterPerEpoch)
	total := int64(sched.Iterations)
	epoch := it / per
	d.deps.Logger.Info("starting loop", "iteration", it, "iterations", total, "iter_per_epoch", per)

	if run.Distributed && it < total {
		if err := d.deps.Loader.SetEpoch(ctx, int(epoch)); err != nil {
			return fmt.Errorf("set epoch %d: %w", epoch, err)
		}
	}
	for ; it < total; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e := it / per; e != epoch {
			epoch = e
			if run.Distributed {
				if err := d.deps.Loader.SetEpoch(ctx, int(epoch)); err != nil {
					return fmt.Errorf("set epoch %d: %w", epoch, err)
				}
			}
		}
		if err := d.iterate(ctx, it); err != nil {
			return fmt.Errorf("iteration %d: %w", it, err)
		}
	}
	if t := d.deps.Tracker; t != nil && total > 0 {
		if err := t.Progress(d.opts.RunID, total-1); err != nil {
			d.deps.Logger.Warn("failed to record progress", "error", err)
		}
	}
	return nil
}
// #endregion run

// #region iterate
func (d *Driver) iterate(ctx context.Context, it int64) error {
	run := d.opts.Run
	w := d.watch
	w.Reset()
	stamp := time.Now().Format(stampLayout)
	epoch := float64(it) / float64(d.opts.Schedule.IterPerEpoch)

	w.Start("iteration")

	w.Start("io")
	data, err := d.deps.Loader.NextBatch(ctx)
	if err != nil {
		return fmt.Errorf("next batch: %w", err)
	}
	inputs, err := Project(data, d.opts.Inputs)
	if err != nil {
		return err
	}
	var lossInputs batch.Result
	if d.opts.LossInputs != nil {
		if lossInputs, err = Project(data, d.opts.LossInputs); err != nil {
			return err
		}
	}
	firstID := d.firstID(data)
	w.Stop("io")

	w.Start("forward")
	result, err := d.deps.Stepper.Step(ctx, inputs, lossInputs, it)
	w.Stop("forward")
	if err != nil {
		return err
	}

	if run.Train {
		w.Start("backward")
		err := d.deps.Stepper.Backward(ctx)
		w.Stop("backward")
		if err != nil {
			return err
		}
	}

	if run.Unwrap {
		w.Start("unwrap")
		data, result, err = unwrap(data, result)
		w.Stop("unwrap")
		if err != nil {
			return err
		}
		w.Start("post")
		err = d.deps.Post.Apply(data, result, batch.EntryCount(data))
		w.Stop("post")
		if err != nil {
			return fmt.Errorf("post-processing: %w", err)
		}
	}

	if run.Train && run.Main() && run.CheckpointStep > 0 && (it+1)%int64(run.CheckpointStep) == 0 {
		w.Start("save")
		err := d.save(ctx, it)
		w.Stop("save")
		if err != nil {
			return err
		}
	}

	if d.opts.Write {
		w.Start("write")
		err := d.write(ctx, data, result)
		w.Stop("write")
		if err != nil {
			return err
		}
	}
	w.Stop("iteration")

	mem := d.deps.Memory(ctx)
	names, values := w.Columns()
	rec := logging.Record{
		Iteration:   it,
		Epoch:       epoch,
		FirstID:     firstID,
		Memory:      mem,
		TimerNames:  names,
		TimerValues: values,
		Scalars:     result.Scalars(),
	}
	if err := d.log.Append(rec); err != nil {
		return fmt.Errorf("log iteration: %w", err)
	}

	if logging.ReportDue(it, run.ReportStep) {
		if err := d.report(ctx, it, epoch, stamp, mem, rec.Scalars); err != nil {
			return err
		}
	}
	return nil
}

// unwrap normalizes and splits data and result per entry. The entry count
// is taken from the data.
func unwrap(data, result batch.Result) (batch.Result, batch.Result, error) {
	if err := batch.NormalizeResult(data); err != nil {
		return nil, nil, fmt.Errorf("normalize data: %w", err)
	}
	n := batchSize(data)
	ud, err := batch.UnwrapResult(data, n)
	if err != nil {
		return nil, nil, fmt.Errorf("data: %w", err)
	}
	ur, err := batch.UnwrapResult(result, n)
	if err != nil {
		return nil, nil, fmt.Errorf("result: %w", err)
	}
	return ud, ur, nil
}

func batchSize(data batch.Result) int {
	switch v := data[IndexKey].(type) {
	case batch.Array:
		if len(v.Shape) > 0 {
			return v.Rows()
		}
		return len(v.Data)
	case batch.List:
		return len(v)
	}
	for _, v := range data {
		switch v := v.(type) {
		case batch.FlatBatch:
			return v.BatchSize()
		case batch.FlatBatchList:
			if len(v) > 0 {
				return v[0].BatchSize()
			}
		}
	}
	return 1
}

// firstID is the dataset index of the first entry, -1 when unknown.
func (d *Driver) firstID(data batch.Result) int64 {
	switch v := data[IndexKey].(type) {
	case batch.Array:
		if len(v.Data) > 0 {
			return int64(v.Data[0])
		}
	case batch.Scalar:
		return int64(v)
	}
	if f, ok := d.deps.Loader.(interface{ FirstID() int64 }); ok {
		return f.FirstID()
	}
	return -1
}
// #endregion iterate

// #region save
func (d *Driver) save(ctx context.Context, it int64) error {
	c, err := checkpoint.Snapshot(ctx, d.deps.Source, it)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	saved, err := checkpoint.Save(d.opts.Run.WeightPrefix, c, d.opts.Compression)
	if err != nil {
		return err
	}
	d.deps.Logger.Info("saved checkpoint", "path", saved.Path, "digest", saved.Digest.Short(), "bytes", saved.Size)
	if t := d.deps.Tracker; t != nil {
		_, err := t.RecordCheckpoint(runstore.CheckpointRecord{
			RunID:       d.opts.RunID,
			Iteration:   it,
			Path:        saved.Path,
			Digest:      saved.Digest.String(),
			Size:        saved.Size,
			Compression: d.opts.Compression.String(),
		})
		if err != nil {
			return fmt.Errorf("record checkpoint: %w", err)
		}
	}
	return nil
}
// #endregion save

// #region write
// write hands the iteration to the sink. Distributed runs gather every
// rank's entries first and only the main rank appends.
func (d *Driver) write(ctx context.Context, data, result batch.Result) error {
	if d.opts.Run.Distributed {
		var err error
		if data, err = distrib.Aggregate(ctx, d.deps.Group, data); err != nil {
			return fmt.Errorf("gather data: %w", err)
		}
		if result, err = distrib.Aggregate(ctx, d.deps.Group, result); err != nil {
			return fmt.Errorf("gather result: %w", err)
		}
	}
	if !d.opts.Run.Main() {
		return nil
	}
	if err := d.deps.Sink.Append(data, result); err != nil {
		return fmt.Errorf("write outputs: %w", err)
	}
	return nil
}
// #endregion write

// #region report
func (d *Driver) report(ctx context.Context, it int64, epoch float64, stamp string, mem logging.Memory, scalars map[string]float64) error {
	run := d.opts.Run
	if t := d.deps.Tracker; t != nil {
		if err := t.Progress(d.opts.RunID, it); err != nil {
			d.deps.Logger.Warn("failed to record progress", "error", err)
		}
	}
	r := d.deps.Reporter
	if r == nil {
		return nil
	}
	if run.Main() {
		if err := r.Header(it, epoch, stamp); err != nil {
			return err
		}
	}
	if run.Distributed {
		if err := d.deps.Group.Barrier(ctx); err != nil {
			return fmt.Errorf("report barrier: %w", err)
		}
	}
	row := logging.Row{
		NetTime:  (d.watch.Read("forward").Wall + d.watch.Read("backward").Wall).Seconds(),
		IterTime: d.watch.Read("iteration").Wall.Seconds(),
		Memory:   mem,
		Loss:     scalarOr(scalars, "loss", -1),
		Accuracy: scalarOr(scalars, "accuracy", -1),
	}
	if err := r.Row(row); err != nil {
		return err
	}
	if run.Distributed {
		if err := d.deps.Group.Barrier(ctx); err != nil {
			return fmt.Errorf("report barrier: %w", err)
		}
	}
	if run.Main() {
		return r.Footer()
	}
	return nil
}

func scalarOr(m map[string]float64, key string, def float64) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}
// #endregion report
