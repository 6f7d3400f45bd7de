// Package match pairs reconstructed objects with their true counterparts
// (and vice versa) by ranking pairwise overlap scores.
package match

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidMode marks an unknown match direction or overlap metric.
	ErrInvalidMode = errors.New("invalid match configuration")
	// ErrUnweightable marks weighting requested for a metric that has no
	// weighted form.
	ErrUnweightable = errors.New("only iou and dice overlaps can be weighted")
)

// #region modes
// Direction selects which side plays the source of the match.
type Direction string

const (
	RecoToTruth Direction = "reco_to_truth"
	TruthToReco Direction = "truth_to_reco"
	Both        Direction = "both"
)

// Metric is the overlap score between two objects.
type Metric string

const (
	Count   Metric = "count"
	IoU     Metric = "iou"
	Dice    Metric = "dice"
	Chamfer Metric = "chamfer"
)

// RecoToTruth reports whether the reco→truth pass runs.
func (d Direction) RecoToTruth() bool { return d != TruthToReco }

// TruthToReco reports whether the truth→reco pass runs.
func (d Direction) TruthToReco() bool { return d != RecoToTruth }
// #endregion modes

// #region config
// Config is the matching setup for one object category.
type Config struct {
	Direction Direction
	Metric    Metric
	// Threshold is compared against scores: a pair is valid only when its
	// score is strictly greater. For chamfer it is a negated distance.
	Threshold float64
	Weighted  bool
}

// Options is the raw, unvalidated form of a Config.
type Options struct {
	MatchMode     string   `yaml:"match_mode" json:"match_mode"`
	OverlapMode   string   `yaml:"overlap_mode" json:"overlap_mode"`
	MinOverlap    *float64 `yaml:"min_overlap" json:"min_overlap"`
	WeightOverlap bool     `yaml:"weight_overlap" json:"weight_overlap"`
}

// DefaultConfig matches in both directions by IoU, any positive overlap.
func DefaultConfig() Config {
	return Config{Direction: Both, Metric: IoU}
}

// ParseConfig validates opts. Empty names take the defaults. For chamfer,
// MinOverlap is read as a maximum distance; without it every pair is valid.
func ParseConfig(opts Options) (Config, error) {
	cfg := DefaultConfig()

	switch opts.MatchMode {
	case "":
	case string(RecoToTruth), string(TruthToReco), string(Both):
		cfg.Direction = Direction(opts.MatchMode)
	case "all":
		cfg.Direction = Both
	default:
		return Config{}, fmt.Errorf("%w: match mode %q, must be one of reco_to_truth, truth_to_reco, both", ErrInvalidMode, opts.MatchMode)
	}

	switch opts.OverlapMode {
	case "":
	case string(Count), string(IoU), string(Dice), string(Chamfer):
		cfg.Metric = Metric(opts.OverlapMode)
	default:
		return Config{}, fmt.Errorf("%w: overlap mode %q, must be one of count, iou, dice, chamfer", ErrInvalidMode, opts.OverlapMode)
	}

	if opts.WeightOverlap && cfg.Metric != IoU && cfg.Metric != Dice {
		return Config{}, fmt.Errorf("%w: got %s", ErrUnweightable, cfg.Metric)
	}
	cfg.Weighted = opts.WeightOverlap

	if cfg.Metric == Chamfer {
		cfg.Threshold = math.Inf(-1)
		if opts.MinOverlap != nil {
			cfg.Threshold = -*opts.MinOverlap
		}
	} else if opts.MinOverlap != nil {
		cfg.Threshold = *opts.MinOverlap
	}
	return cfg, nil
}
// #endregion config
