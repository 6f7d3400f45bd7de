package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/distrib"
	"github.com/danielpatrickdp/spine-driver/internal/logging"
	"github.com/danielpatrickdp/spine-driver/internal/post"
	"github.com/danielpatrickdp/spine-driver/internal/runstore"
	"github.com/danielpatrickdp/spine-driver/internal/stepper"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region fakes
// fakeLoader yields batches of two entries with consecutive indexes.
type fakeLoader struct {
	next   int
	epochs []int
}

func (l *fakeLoader) NextBatch(context.Context) (batch.Result, error) {
	first := float64(2 * l.next)
	l.next++
	return batch.Result{
		"index":      batch.Array{Shape: []int{2}, Data: []float64{first, first + 1}},
		"input_data": batch.Array{Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		"label":      batch.Array{Shape: []int{2, 1}, Data: []float64{0, 1}},
	}, nil
}

func (l *fakeLoader) SetEpoch(_ context.Context, epoch int) error {
	l.epochs = append(l.epochs, epoch)
	return nil
}

type fakeModel struct {
	mu        sync.Mutex
	forwards  int
	backwards int
}

func (m *fakeModel) Forward(_ context.Context, inputs batch.Result, _ bool) (batch.Result, error) {
	m.mu.Lock()
	m.forwards++
	m.mu.Unlock()
	return batch.Result{"segmentation": inputs["input_data"]}, nil
}

func (m *fakeModel) Loss(context.Context, batch.Result) (batch.Result, error) {
	return batch.Result{
		"loss":     batch.Tensor{Shape: []int{1}, Data: []float64{0.5}, Ref: "loss"},
		"accuracy": batch.Scalar(0.75),
	}, nil
}

func (m *fakeModel) ZeroGrad(context.Context) error { return nil }

func (m *fakeModel) Backward(context.Context, batch.Tensor) error {
	m.mu.Lock()
	m.backwards++
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) OptimizerStep(context.Context) error { return nil }
func (m *fakeModel) SchedulerStep(context.Context) error { return nil }

func (m *fakeModel) StateDict(context.Context) (checkpoint.State, error) {
	return checkpoint.State{"w": {Shape: []int{2}, Data: []float32{1, 2}}}, nil
}

func (m *fakeModel) OptimizerState(context.Context) (wire.RawMessage, error) {
	return nil, nil
}

type memSink struct {
	data, results []batch.Result
	closed        bool
}

func (s *memSink) Append(data, result batch.Result) error {
	s.data = append(s.data, data)
	s.results = append(s.results, result)
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

type memLog struct {
	records []logging.Record
	closed  bool
}

func (l *memLog) Append(r logging.Record) error {
	l.records = append(l.records, r)
	return nil
}

func (l *memLog) Close() error {
	l.closed = true
	return nil
}

type fakeTracker struct {
	starts      []int64
	statuses    []runstore.Status
	progress    []int64
	checkpoints []runstore.CheckpointRecord
}

func (t *fakeTracker) Start(_ string, start int64) error {
	t.starts = append(t.starts, start)
	t.statuses = append(t.statuses, runstore.StatusRunning)
	return nil
}

func (t *fakeTracker) Progress(_ string, it int64) error {
	t.progress = append(t.progress, it)
	return nil
}

func (t *fakeTracker) SetStatus(_ string, s runstore.Status, _ string) error {
	t.statuses = append(t.statuses, s)
	return nil
}

func (t *fakeTracker) RecordCheckpoint(rec runstore.CheckpointRecord) (runstore.CheckpointRecord, error) {
	t.checkpoints = append(t.checkpoints, rec)
	return rec, nil
}

type tagProcessor struct{}

func (tagProcessor) Name() string { return "tag" }

func (tagProcessor) Process(e *post.Entry) error {
	e.Set("tag", batch.Scalar(e.Index))
	return nil
}
// #endregion fakes

// #region helpers
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	loader  *fakeLoader
	model   *fakeModel
	sink    *memSink
	logs    []*memLog
	starts  []int64
	tracker *fakeTracker
	report  *bytes.Buffer
	opts    Options
	deps    Deps
}

func newHarness(t *testing.T, train bool) *harness {
	t.Helper()
	h := &harness{
		loader:  &fakeLoader{},
		model:   &fakeModel{},
		sink:    &memSink{},
		tracker: &fakeTracker{},
		report:  &bytes.Buffer{},
	}
	st, err := stepper.New(h.model, stepper.Options{Train: train})
	if err != nil {
		t.Fatalf("stepper: %v", err)
	}
	h.opts = Options{
		Run: config.RunConfig{
			Train:        train,
			WorldSize:    1,
			ReportStep:   3,
			WeightPrefix: filepath.Join(t.TempDir(), "snapshot"),
		},
		Schedule:   config.Schedule{IterPerEpoch: 3, Iterations: 6, Epochs: 2},
		RunID:      "run-1",
		Inputs:     map[string]string{"input_data": "input_data"},
		LossInputs: map[string]string{"label": "label"},
	}
	h.deps = Deps{
		Loader:  h.loader,
		Stepper: st,
		Source:  h.model,
		NewLog: func(start int64) (logging.Sink, error) {
			l := &memLog{}
			h.logs = append(h.logs, l)
			h.starts = append(h.starts, start)
			return l, nil
		},
		Reporter: &logging.Reporter{Out: h.report, Train: train},
		Memory:   func(context.Context) logging.Memory { return logging.Memory{CPU: 1.5, CPUPerc: 10} },
		Tracker:  h.tracker,
		Logger:   quietLogger(),
	}
	return h
}

func (h *harness) build(t *testing.T) *Driver {
	t.Helper()
	d, err := New(h.opts, h.deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}
// #endregion helpers

// #region train
func TestRun_TrainSchedule(t *testing.T) {
	h := newHarness(t, true)
	h.opts.Run.CheckpointStep = 2
	d := h.build(t)

	if err := d.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d.State() != StateCompleted {
		t.Errorf("state = %s, want completed", d.State())
	}
	if h.model.backwards != 6 {
		t.Errorf("backwards = %d, want 6", h.model.backwards)
	}
	if len(h.loader.epochs) != 0 {
		t.Errorf("SetEpoch called %v outside distributed mode", h.loader.epochs)
	}

	recs := h.logs[0].records
	if len(recs) != 6 {
		t.Fatalf("records = %d, want 6", len(recs))
	}
	for i, r := range recs {
		if r.Iteration != int64(i) {
			t.Errorf("record %d iteration = %d", i, r.Iteration)
		}
		if r.FirstID != int64(2*i) {
			t.Errorf("record %d first id = %d, want %d", i, r.FirstID, 2*i)
		}
		if r.Scalars["loss"] != 0.5 || r.Scalars["accuracy"] != 0.75 {
			t.Errorf("record %d scalars = %v", i, r.Scalars)
		}
	}
	if recs[4].Epoch < 1.33 || recs[4].Epoch > 1.34 {
		t.Errorf("epoch of iteration 4 = %f", recs[4].Epoch)
	}
	if !h.logs[0].closed {
		t.Error("log not closed")
	}
	if len(recs[0].TimerNames) != 4*len(Phases) {
		t.Errorf("timer columns = %d, want %d", len(recs[0].TimerNames), 4*len(Phases))
	}

	for _, it := range []int64{1, 3, 5} {
		if _, err := os.Stat(checkpoint.FileName(h.opts.Run.WeightPrefix, it)); err != nil {
			t.Errorf("checkpoint %d: %v", it, err)
		}
	}
	if len(h.tracker.checkpoints) != 3 || h.tracker.checkpoints[2].Iteration != 5 {
		t.Errorf("recorded checkpoints = %+v", h.tracker.checkpoints)
	}
	want := []runstore.Status{runstore.StatusRunning, runstore.StatusCompleted}
	if len(h.tracker.statuses) != 2 || h.tracker.statuses[0] != want[0] || h.tracker.statuses[1] != want[1] {
		t.Errorf("statuses = %v, want %v", h.tracker.statuses, want)
	}

	out := h.report.String()
	for _, s := range []string{"Iter. 2 (epoch 0.667)", "Iter. 5 (epoch 1.667)", "0.500", "0.750"} {
		if !strings.Contains(out, s) {
			t.Errorf("report missing %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "Iter. 3 ") {
		t.Errorf("report printed outside report_step:\n%s", out)
	}
}

func TestRun_ResumesFromStart(t *testing.T) {
	h := newHarness(t, true)
	d := h.build(t)

	if err := d.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := h.logs[0].records
	if len(recs) != 2 || recs[0].Iteration != 4 || recs[1].Iteration != 5 {
		t.Fatalf("records = %+v", recs)
	}
	if h.starts[0] != 4 || h.tracker.starts[0] != 4 {
		t.Errorf("start = %d/%d, want 4", h.starts[0], h.tracker.starts[0])
	}
}

func TestRun_TwiceFails(t *testing.T) {
	h := newHarness(t, true)
	d := h.build(t)
	if err := d.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := d.Run(context.Background(), 0); err == nil {
		t.Fatal("second Run should fail")
	}
}
// #endregion train

// #region inference
func TestRun_InferenceCountsFromZero(t *testing.T) {
	h := newHarness(t, false)
	h.opts.LossInputs = nil
	h.opts.Run.CheckpointStep = 1
	d := h.build(t)

	if err := d.Run(context.Background(), 7); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := h.logs[0].records
	if len(recs) != 6 || recs[0].Iteration != 0 {
		t.Fatalf("records = %d, first iteration %d", len(recs), recs[0].Iteration)
	}
	if h.starts[0] != 7 {
		t.Errorf("log start = %d, want 7", h.starts[0])
	}
	if h.model.backwards != 0 {
		t.Errorf("backwards = %d in inference", h.model.backwards)
	}
	if len(h.tracker.checkpoints) != 0 {
		t.Errorf("checkpoints saved in inference: %+v", h.tracker.checkpoints)
	}
	if _, ok := recs[0].Scalars["loss"]; ok {
		t.Error("loss computed without loss inputs")
	}
	if !strings.Contains(h.report.String(), "-1.000") {
		t.Errorf("missing loss should report -1:\n%s", h.report.String())
	}
}

func TestRunInference_OnePassPerWeight(t *testing.T) {
	h := newHarness(t, false)
	h.opts.LossInputs = nil
	d := h.build(t)

	var loaded []string
	load := func(_ context.Context, path string) (int64, error) {
		loaded = append(loaded, path)
		return int64(10 * len(loaded)), nil
	}
	if err := d.RunInference(context.Background(), []string{"a.ckpt", "b.ckpt"}, load); err != nil {
		t.Fatalf("RunInference: %v", err)
	}
	if len(loaded) != 2 || len(h.logs) != 2 {
		t.Fatalf("loaded %v, %d logs", loaded, len(h.logs))
	}
	if h.starts[0] != 10 || h.starts[1] != 20 {
		t.Errorf("log starts = %v", h.starts)
	}
	for i, l := range h.logs {
		if len(l.records) != 6 || l.records[0].Iteration != 0 || !l.closed {
			t.Errorf("pass %d: %d records, closed %v", i, len(l.records), l.closed)
		}
	}
	if d.State() != StateCompleted {
		t.Errorf("state = %s", d.State())
	}
}

func TestRunInference_LoadFailure(t *testing.T) {
	h := newHarness(t, false)
	h.opts.LossInputs = nil
	d := h.build(t)

	boom := errors.New("boom")
	err := d.RunInference(context.Background(), []string{"a.ckpt"}, func(context.Context, string) (int64, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s, want failed", d.State())
	}
}
// #endregion inference

// #region errors
func TestRun_MissingProduct(t *testing.T) {
	h := newHarness(t, true)
	h.opts.Inputs = map[string]string{"input_data": "voxels"}
	d := h.build(t)

	err := d.Run(context.Background(), 0)
	if !errors.Is(err, ErrMissingProduct) {
		t.Fatalf("err = %v, want ErrMissingProduct", err)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %s, want failed", d.State())
	}
	last := h.tracker.statuses[len(h.tracker.statuses)-1]
	if last != runstore.StatusFailed {
		t.Errorf("tracked status = %s", last)
	}
}

func TestNew_WriteRequiresUnwrap(t *testing.T) {
	h := newHarness(t, true)
	h.opts.Write = true
	h.deps.Sink = h.sink
	if _, err := New(h.opts, h.deps); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestNew_PostRequiresUnwrap(t *testing.T) {
	h := newHarness(t, true)
	h.deps.Post = post.Chain{tagProcessor{}}
	if _, err := New(h.opts, h.deps); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestNew_ModeMismatch(t *testing.T) {
	h := newHarness(t, true)
	h.opts.Run.Train = false
	if _, err := New(h.opts, h.deps); err == nil {
		t.Fatal("expected mode mismatch error")
	}
}

func TestProject(t *testing.T) {
	data := batch.Result{"a": batch.Scalar(1), "b": batch.Scalar(2)}
	got, err := Project(data, map[string]string{"x": "b"})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(got) != 1 || got["x"] != batch.Scalar(2) {
		t.Errorf("got %v", got)
	}
	if _, err := Project(data, map[string]string{"x": "c"}); !errors.Is(err, ErrMissingProduct) {
		t.Errorf("err = %v, want ErrMissingProduct", err)
	}
}
// #endregion errors

// #region write
func TestRun_WritesUnwrappedEntries(t *testing.T) {
	h := newHarness(t, true)
	h.opts.Run.Unwrap = true
	h.opts.Write = true
	h.deps.Sink = h.sink
	h.deps.Post = post.Chain{tagProcessor{}}
	d := h.build(t)

	if err := d.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.sink.data) != 6 {
		t.Fatalf("appends = %d, want 6", len(h.sink.data))
	}
	idx, ok := h.sink.data[0]["index"].(batch.List)
	if !ok || len(idx) != 2 {
		t.Fatalf("index = %#v", h.sink.data[0]["index"])
	}
	seg, ok := h.sink.results[0]["segmentation"].(batch.List)
	if !ok || len(seg) != 2 {
		t.Fatalf("segmentation = %#v", h.sink.results[0]["segmentation"])
	}
	tags, ok := h.sink.results[0]["tag"].(batch.List)
	if !ok || len(tags) != 2 || tags[1] != batch.Scalar(1) {
		t.Errorf("tag = %#v", h.sink.results[0]["tag"])
	}
	if h.sink.results[0]["loss"] != batch.Scalar(0.5) {
		t.Errorf("loss = %#v", h.sink.results[0]["loss"])
	}
}

func TestRun_DistributedAggregatesOnMain(t *testing.T) {
	groups := distrib.NewLocalGroups(2)
	harnesses := make([]*harness, 2)
	drivers := make([]*Driver, 2)
	for rank := range harnesses {
		h := newHarness(t, true)
		h.opts.Run.Distributed = true
		h.opts.Run.WorldSize = 2
		h.opts.Run.Rank = rank
		h.opts.Run.Unwrap = true
		h.opts.Run.ReportStep = 2
		h.opts.Write = true
		h.opts.Schedule = config.Schedule{IterPerEpoch: 2, Iterations: 4, Epochs: 2}
		h.deps.Group = groups[rank]
		h.deps.Reporter = &logging.Reporter{Out: h.report, Train: true, Distributed: true, Rank: rank}
		if rank == 0 {
			h.deps.Sink = h.sink
		} else {
			h.deps.Sink = nil
			h.deps.Tracker = nil
		}
		harnesses[rank] = h
		drivers[rank] = h.build(t)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := range drivers {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = drivers[rank].Run(context.Background(), 0)
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	main := harnesses[0]
	if len(main.sink.data) != 4 {
		t.Fatalf("appends = %d, want 4", len(main.sink.data))
	}
	if idx := main.sink.data[0]["index"].(batch.List); len(idx) != 4 {
		t.Errorf("gathered entries = %d, want 4", len(idx))
	}
	for rank, h := range harnesses {
		if len(h.loader.epochs) != 2 || h.loader.epochs[0] != 0 || h.loader.epochs[1] != 1 {
			t.Errorf("rank %d SetEpoch calls = %v", rank, h.loader.epochs)
		}
	}
	if !strings.Contains(main.report.String(), "Iter. 1 (epoch 0.500)") {
		t.Errorf("main report:\n%s", main.report.String())
	}
	if other := harnesses[1].report.String(); strings.Contains(other, "Iter.") || !strings.Contains(other, "| 1    ") {
		t.Errorf("rank 1 report:\n%s", other)
	}
	if len(main.tracker.checkpoints) != 0 {
		t.Errorf("checkpoints without checkpoint_step: %+v", main.tracker.checkpoints)
	}
}
// #endregion write
