// Package config loads the driver configuration.
//
// Configuration is read from a single file named by the --config flag or
// the SPINE_CONFIG environment variable. YAML is the native format; files
// ending in .json or .jsonc are accepted too (comments and trailing commas
// allowed). A handful of deployment addresses may be overridden from the
// environment: SPINE_SERVICE_ADDR, SPINE_COORDINATOR_ADDR and SPINE_RUN_DB.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/spine-driver/internal/match"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// ErrConfig is wrapped by every configuration error.
var ErrConfig = errors.New("configuration error")

// #region types
// Config is the full driver configuration.
type Config struct {
	Base     BaseConfig     `yaml:"base"`
	IO       IOConfig       `yaml:"io"`
	Model    *ModelConfig   `yaml:"model,omitempty"`
	Trainval TrainvalConfig `yaml:"trainval"`
	Post     PostConfig     `yaml:"post"`
}

// BaseConfig holds process-level settings.
type BaseConfig struct {
	WorldSize   int    `yaml:"world_size"`
	Distributed bool   `yaml:"distributed"`
	Seed        *int64 `yaml:"seed,omitempty"`

	// Verbosity is one of debug, info, warning, error, critical.
	Verbosity string `yaml:"verbosity"`

	LogDir string `yaml:"log_dir"`
	// LogFormat is csv (one file per run) or sqlite (rows in the run DB).
	LogFormat string `yaml:"log_format"`

	RunDB           string `yaml:"run_db"`
	ServiceAddr     string `yaml:"service_addr"`
	CoordinatorAddr string `yaml:"coordinator_addr"`

	// MaxMessageMB caps one RPC message to the reconstruction service or
	// between ranks. State dicts and gathered outputs travel whole.
	MaxMessageMB int `yaml:"max_message_mb"`
}

// maxMessageMB keeps the byte cap within gRPC's int32 message length.
const maxMessageMB = 2047

// MaxMessageBytes is MaxMessageMB in bytes.
func (b BaseConfig) MaxMessageBytes() int {
	return b.MaxMessageMB << 20
}

// IOConfig configures the data source and the output sink.
type IOConfig struct {
	// Loader is forwarded verbatim to the reconstruction service.
	Loader map[string]any `yaml:"loader"`
	Unwrap bool           `yaml:"unwrap"`
	Writer *WriterConfig  `yaml:"writer,omitempty"`
}

// WriterConfig configures the per-entry output file.
type WriterConfig struct {
	FileName    string `yaml:"file_name"`
	Compression string `yaml:"compression"`
}

// ModelConfig describes the model and how batch products bind to it.
type ModelConfig struct {
	Name              string       `yaml:"name"`
	Modules           ModuleConfig `yaml:"modules"`
	NetworkInput      Bindings     `yaml:"network_input"`
	LossInput         Bindings     `yaml:"loss_input"`
	KeepOutput        []string     `yaml:"keep_output"`
	IgnoreKeys        []string     `yaml:"ignore_keys"`
	TimeDependentLoss bool         `yaml:"time_dependent_loss"`
}

// TrainvalConfig holds the loop settings. Exactly one of Iterations and
// Epochs must be set; Iterations < 0 means one epoch.
type TrainvalConfig struct {
	Train                 bool           `yaml:"train"`
	Iterations            *int           `yaml:"iterations,omitempty"`
	Epochs                *float64       `yaml:"epochs,omitempty"`
	ReportStep            int            `yaml:"report_step"`
	CheckpointStep        int            `yaml:"checkpoint_step"`
	WeightPrefix          string         `yaml:"weight_prefix"`
	ModelPath             string         `yaml:"model_path"`
	RestoreOptimizer      bool           `yaml:"restore_optimizer"`
	Optimizer             map[string]any `yaml:"optimizer,omitempty"`
	LRScheduler           map[string]any `yaml:"lr_scheduler,omitempty"`
	CheckpointCompression string         `yaml:"checkpoint_compression"`
}

// PostConfig configures the per-entry post-processors.
type PostConfig struct {
	Match *MatchConfig `yaml:"match,omitempty"`
}

// MatchConfig holds the matcher options per object category.
type MatchConfig struct {
	Fragments    *match.Options `yaml:"fragments,omitempty" json:"fragments,omitempty"`
	Particles    *match.Options `yaml:"particles,omitempty" json:"particles,omitempty"`
	Interactions *match.Options `yaml:"interactions,omitempty" json:"interactions,omitempty"`
}
// #endregion types

// #region defaults
// Default returns the configuration used as a base before loading a file.
func Default() *Config {
	return &Config{
		Base: BaseConfig{
			WorldSize:       1,
			Verbosity:       "info",
			LogDir:          "logs",
			LogFormat:       "csv",
			RunDB:           "spine_runs.db",
			ServiceAddr:     "localhost:50051",
			CoordinatorAddr: "localhost:50061",
			MaxMessageMB:    1024,
		},
		Trainval: TrainvalConfig{
			ReportStep:            1,
			WeightPrefix:          "weights/snapshot",
			CheckpointCompression: "zstd",
		},
	}
}
// #endregion defaults

// #region load
// Load reads the file named by SPINE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("SPINE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("%w: SPINE_CONFIG environment variable not set; set it to the path of your config file, or use --config", ErrConfig)
	}
	return LoadFile(path)
}

// LoadFile reads, overrides from the environment, and validates.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// tabs are JSON whitespace but not YAML indentation
		data = bytes.ReplaceAll(jsonc.ToJSON(data), []byte("\t"), []byte(" "))
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or plain JSON) bytes on top of Default, applies the
// environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.applyEnv()
	if cfg.Model != nil {
		cfg.Model.Modules.Name = cfg.Model.Name
		cfg.Model.Modules.ModelName = cfg.Model.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Base.ServiceAddr = envOr("SPINE_SERVICE_ADDR", c.Base.ServiceAddr)
	c.Base.CoordinatorAddr = envOr("SPINE_COORDINATOR_ADDR", c.Base.CoordinatorAddr)
	c.Base.RunDB = envOr("SPINE_RUN_DB", c.Base.RunDB)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
// #endregion load

// #region validate
// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	if c.Base.WorldSize < 1 {
		add("base.world_size must be at least 1, got %d", c.Base.WorldSize)
	} else if (c.Base.WorldSize > 1) != c.Base.Distributed {
		add("base.distributed must be set exactly when base.world_size > 1 (world_size=%d, distributed=%v)",
			c.Base.WorldSize, c.Base.Distributed)
	}
	if _, _, err := ParseVerbosity(c.Base.Verbosity); err != nil {
		errs = append(errs, err)
	}
	if c.Base.MaxMessageMB < 1 || c.Base.MaxMessageMB > maxMessageMB {
		add("base.max_message_mb must be between 1 and %d, got %d", maxMessageMB, c.Base.MaxMessageMB)
	}
	if c.Base.LogFormat != "csv" && c.Base.LogFormat != "sqlite" {
		add("base.log_format must be csv or sqlite, got %q", c.Base.LogFormat)
	}

	if c.IO.Writer != nil {
		if !c.IO.Unwrap {
			add("io.writer requires io.unwrap: the writer stores one record per entry")
		}
		if _, err := wire.ParseCompression(c.IO.Writer.Compression); err != nil {
			add("io.writer.compression: %v", err)
		}
		if c.IO.Writer.FileName == "" {
			add("io.writer.file_name is required")
		}
	}

	if c.Model != nil {
		if len(c.Model.KeepOutput) > 0 && len(c.Model.IgnoreKeys) > 0 {
			add("model.keep_output and model.ignore_keys are mutually exclusive")
		}
	}

	tv := c.Trainval
	switch {
	case tv.Iterations != nil && tv.Epochs != nil:
		add("trainval.iterations and trainval.epochs are mutually exclusive")
	case tv.Iterations == nil && tv.Epochs == nil:
		add("one of trainval.iterations or trainval.epochs is required")
	case tv.Epochs != nil && *tv.Epochs <= 0:
		add("trainval.epochs must be positive, got %v", *tv.Epochs)
	}
	if tv.ReportStep < 0 {
		add("trainval.report_step must not be negative")
	}
	if _, err := wire.ParseCompression(tv.CheckpointCompression); err != nil {
		add("trainval.checkpoint_compression: %v", err)
	}
	if tv.Train && c.Model == nil {
		add("training requires a model section")
	}

	if m := c.Post.Match; m != nil {
		for _, cat := range []struct {
			name string
			opts *match.Options
		}{{"fragments", m.Fragments}, {"particles", m.Particles}, {"interactions", m.Interactions}} {
			if cat.opts == nil {
				continue
			}
			if _, err := match.ParseConfig(*cat.opts); err != nil {
				add("post.match.%s: %w", cat.name, err)
			}
		}
		if m.Fragments == nil && m.Particles == nil && m.Interactions == nil {
			add("post.match needs at least one of fragments, particles or interactions")
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
// #endregion validate
