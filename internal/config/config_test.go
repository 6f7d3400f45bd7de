package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/danielpatrickdp/spine-driver/internal/match"
)

const trainYAML = `
base:
  world_size: 2
  distributed: true
  seed: 42
  verbosity: debug
io:
  loader:
    batch_size: 4
  unwrap: true
  writer:
    file_name: out.spine
model:
  name: full_chain
  modules:
    uresnet:
      freeze_weights: true
      model_path: weights/uresnet.ckpt
      num_classes: 5
      ppn:
        model_name: ppn_head
        depth: 3
    grappa:
      edge_max: 8
  network_input:
    data: input_data
    seg_label: segment_label
  loss_input:
    - segment_label
trainval:
  train: true
  iterations: 100
  checkpoint_step: 10
post:
  match:
    particles:
      match_mode: both
      overlap_mode: dice
      weight_overlap: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// #region load-tests
func TestLoadFile_YAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "train.yaml", trainYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Base.WorldSize != 2 || !cfg.Base.Distributed {
		t.Errorf("base = %+v", cfg.Base)
	}
	if cfg.Base.LogFormat != "csv" {
		t.Errorf("log format default = %q, want csv", cfg.Base.LogFormat)
	}
	if cfg.Base.MaxMessageBytes() != 1<<30 {
		t.Errorf("message cap default = %d bytes, want 1 GiB", cfg.Base.MaxMessageBytes())
	}
	if *cfg.Trainval.Iterations != 100 || cfg.Trainval.Epochs != nil {
		t.Errorf("trainval = %+v", cfg.Trainval)
	}
	if cfg.Post.Match.Particles.OverlapMode != "dice" {
		t.Errorf("particles = %+v", cfg.Post.Match.Particles)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	content := `{
		// loop budget
		"trainval": {"epochs": 2.5,},
		"base": {"log_format": "sqlite"},
	}`
	cfg, err := LoadFile(writeFile(t, "run.jsonc", content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg.Trainval.Epochs != 2.5 {
		t.Errorf("epochs = %v, want 2.5", *cfg.Trainval.Epochs)
	}
	if cfg.Base.LogFormat != "sqlite" {
		t.Errorf("log format = %q", cfg.Base.LogFormat)
	}
}

func TestLoad_RequiresSpineConfig(t *testing.T) {
	t.Setenv("SPINE_CONFIG", "")
	_, err := Load()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("SPINE_SERVICE_ADDR", "reco:9000")
	t.Setenv("SPINE_RUN_DB", "/tmp/runs.db")
	cfg, err := Parse([]byte("trainval: {iterations: -1}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Base.ServiceAddr != "reco:9000" || cfg.Base.RunDB != "/tmp/runs.db" {
		t.Errorf("base = %+v", cfg.Base)
	}
	if cfg.Base.CoordinatorAddr != Default().Base.CoordinatorAddr {
		t.Errorf("coordinator = %q, want default", cfg.Base.CoordinatorAddr)
	}
}

// #endregion load-tests

// #region validate-tests
func TestParse_ConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"both budgets", "trainval: {iterations: 10, epochs: 1}", "mutually exclusive"},
		{"no budget", "trainval: {train: false}", "one of trainval.iterations"},
		{"world without distributed", "base: {world_size: 4}\ntrainval: {iterations: 1}", "base.distributed"},
		{"distributed alone", "base: {distributed: true}\ntrainval: {iterations: 1}", "base.distributed"},
		{"writer without unwrap", "io: {writer: {file_name: x}}\ntrainval: {iterations: 1}", "io.unwrap"},
		{"keep and ignore", "model: {name: m, keep_output: [a], ignore_keys: [b]}\ntrainval: {iterations: 1}", "mutually exclusive"},
		{"bad verbosity", "base: {verbosity: loud}\ntrainval: {iterations: 1}", "verbosity"},
		{"message cap", "base: {max_message_mb: 4096}\ntrainval: {iterations: 1}", "base.max_message_mb"},
		{"bad compression", "trainval: {iterations: 1, checkpoint_compression: brotli}", "checkpoint_compression"},
		{"weighted count", "post: {match: {fragments: {overlap_mode: count, weight_overlap: true}}}\ntrainval: {iterations: 1}", "post.match.fragments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParse_InvalidMatchModeKeepsCause(t *testing.T) {
	_, err := Parse([]byte("post: {match: {particles: {match_mode: sideways}}}\ntrainval: {iterations: 1}"))
	if !errors.Is(err, match.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	_, err := Parse([]byte("base: {log_format: xml, verbosity: loud}"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_format", "verbosity", "trainval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// #endregion validate-tests

// #region module-tests
func TestModuleConfig_Tree(t *testing.T) {
	cfg, err := Parse([]byte(trainYAML))
	if err != nil {
		t.Fatal(err)
	}
	root := cfg.Model.Modules
	if root.Name != "full_chain" {
		t.Errorf("root name = %q", root.Name)
	}
	if len(root.Children) != 2 || root.Children[0].Name != "uresnet" || root.Children[1].Name != "grappa" {
		t.Fatalf("children out of file order: %+v", root.Children)
	}
	uresnet := root.Child("uresnet")
	if !uresnet.FreezeWeights || uresnet.ModelPath != "weights/uresnet.ckpt" || uresnet.ModelName != "uresnet" {
		t.Errorf("uresnet = %+v", uresnet)
	}
	if uresnet.Params["num_classes"] != 5 {
		t.Errorf("num_classes = %v", uresnet.Params["num_classes"])
	}
	ppn := uresnet.Child("ppn")
	if ppn == nil || ppn.ModelName != "ppn_head" {
		t.Fatalf("ppn = %+v", ppn)
	}
	if _, ok := uresnet.Params["ppn"]; ok {
		t.Error("child module leaked into params")
	}
}

func TestBindings_NamedAndPositional(t *testing.T) {
	cfg, err := Parse([]byte(trainYAML))
	if err != nil {
		t.Fatal(err)
	}
	in := cfg.Model.NetworkInput
	if in.Positional {
		t.Error("network_input should be named")
	}
	got, _ := in.Resolve(nil)
	if !reflect.DeepEqual(got, map[string]string{"data": "input_data", "seg_label": "segment_label"}) {
		t.Errorf("network input = %v", got)
	}
	if !reflect.DeepEqual(in.Params, []string{"data", "seg_label"}) {
		t.Errorf("params out of file order: %v", in.Params)
	}

	loss := cfg.Model.LossInput
	if !loss.Positional {
		t.Fatal("loss_input should be positional")
	}
	got, err = loss.Resolve([]string{"seg_label", "weights"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, map[string]string{"seg_label": "segment_label"}) {
		t.Errorf("loss input = %v", got)
	}
	if _, err := loss.Resolve(nil); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for too few params, got %v", err)
	}
}

// #endregion module-tests

// #region run-tests
func TestRun_DerivesRunConfig(t *testing.T) {
	cfg, err := Parse([]byte(trainYAML))
	if err != nil {
		t.Fatal(err)
	}
	run, err := cfg.Run(1)
	if err != nil {
		t.Fatal(err)
	}
	if run.Main() {
		t.Error("rank 1 should not be main")
	}
	if run.Seed != 42 || !run.Train || run.Iterations != 100 || run.ModelName != "full_chain" || !run.Unwrap {
		t.Errorf("run = %+v", run)
	}
	if _, err := cfg.Run(2); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for rank outside world, got %v", err)
	}
}

func TestSchedule_Derivation(t *testing.T) {
	cases := []struct {
		name       string
		run        RunConfig
		batches    int
		iterations int
		epochs     float64
	}{
		{"iterations", RunConfig{Iterations: 250, WorldSize: 1}, 100, 250, 2.5},
		{"epochs", RunConfig{Epochs: 1.5, WorldSize: 2}, 100, 75, 1.5},
		{"one epoch", RunConfig{Iterations: -1, WorldSize: 4}, 100, 25, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := tc.run.Schedule(tc.batches)
			if err != nil {
				t.Fatal(err)
			}
			if s.Iterations != tc.iterations {
				t.Errorf("iterations = %d, want %d", s.Iterations, tc.iterations)
			}
			if math.Abs(s.Epochs-tc.epochs) > 1e-9 {
				t.Errorf("epochs = %v, want %v", s.Epochs, tc.epochs)
			}
			if math.Abs(s.Epochs-float64(s.Iterations)/float64(s.IterPerEpoch)) > 1e-9 {
				t.Errorf("epochs %v inconsistent with %d iterations of %d per epoch", s.Epochs, s.Iterations, s.IterPerEpoch)
			}
		})
	}
}

func TestSchedule_TooFewBatches(t *testing.T) {
	if _, err := (RunConfig{Iterations: 1, WorldSize: 4}).Schedule(3); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// #endregion run-tests
