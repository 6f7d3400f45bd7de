package post

import (
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/match"
	"github.com/danielpatrickdp/spine-driver/internal/reco"
)

// #region match-processor
type categoryMatcher struct {
	kind reco.Kind
	cfg  match.Config
}

// MatchProcessor pairs reconstructed and true objects of each configured
// category. It reads reco_<category> and truth_<category>, writes the
// match fields back into those objects, and stores
// <kind>_matches_r2t / <kind>_matches_r2t_overlap (and t2r) as arrays of
// (source id, target id) pairs and overlaps.
type MatchProcessor struct {
	categories []categoryMatcher
}

// NewMatchProcessor parses the options of every configured category.
func NewMatchProcessor(cfg config.MatchConfig) (*MatchProcessor, error) {
	p := &MatchProcessor{}
	for _, c := range []struct {
		kind reco.Kind
		opts *match.Options
	}{
		{reco.KindFragment, cfg.Fragments},
		{reco.KindParticle, cfg.Particles},
		{reco.KindInteraction, cfg.Interactions},
	} {
		if c.opts == nil {
			continue
		}
		mc, err := match.ParseConfig(*c.opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.kind.Category(), err)
		}
		p.categories = append(p.categories, categoryMatcher{kind: c.kind, cfg: mc})
	}
	if len(p.categories) == 0 {
		return nil, fmt.Errorf("%w: match processor needs at least one category", config.ErrConfig)
	}
	return p, nil
}

func (p *MatchProcessor) Name() string { return "match" }

// Keys lists the result keys the processor reads.
func (p *MatchProcessor) Keys() []string {
	var out []string
	for _, c := range p.categories {
		out = append(out, "reco_"+c.kind.Category(), "truth_"+c.kind.Category())
	}
	return out
}

func (p *MatchProcessor) Process(e *Entry) error {
	for _, c := range p.categories {
		cat := c.kind.Category()
		recoObjs, err := objects(e.Result, "reco_"+cat)
		if err != nil {
			return err
		}
		truthObjs, err := objects(e.Result, "truth_"+cat)
		if err != nil {
			return err
		}

		res, err := match.Match(recoObjs, truthObjs, c.cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", cat, err)
		}
		prefix := string(c.kind) + "_matches"
		if r := res.RecoToTruth; r != nil {
			if err := reco.ApplyMatches(recoObjs, r.Records); err != nil {
				return fmt.Errorf("%s: %w", cat, err)
			}
			e.Set(prefix+"_r2t", pairArray(r.Pairs))
			e.Set(prefix+"_r2t_overlap", overlapArray(r.Overlaps))
		}
		if r := res.TruthToReco; r != nil {
			if err := reco.ApplyMatches(truthObjs, r.Records); err != nil {
				return fmt.Errorf("%s: %w", cat, err)
			}
			e.Set(prefix+"_t2r", pairArray(r.Pairs))
			e.Set(prefix+"_t2r_overlap", overlapArray(r.Overlaps))
		}
		e.Set("reco_"+cat, batch.Objects(recoObjs))
		e.Set("truth_"+cat, batch.Objects(truthObjs))
	}
	return nil
}

// objects returns a copy of the object list stored under key, so match
// fields are only visible through the values the processor sets.
func objects(r batch.Result, key string) ([]reco.Object, error) {
	v, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	objs, ok := v.(batch.Objects)
	if !ok {
		return nil, fmt.Errorf("%s is %s, not objects", key, v.Kind())
	}
	return append([]reco.Object(nil), objs...), nil
}

func pairArray(pairs []match.Pair) batch.Array {
	data := make([]float64, 0, 2*len(pairs))
	for _, p := range pairs {
		data = append(data, float64(p.Source), float64(p.Target))
	}
	return batch.Array{Shape: []int{len(pairs), 2}, Data: data}
}

func overlapArray(overlaps []float64) batch.Array {
	return batch.Array{Shape: []int{len(overlaps)}, Data: append([]float64(nil), overlaps...)}
}
// #endregion match-processor

// #region build
// Build assembles the chain described by the post section. A nil section
// yields an empty chain.
func Build(cfg *config.PostConfig, logger *slog.Logger) (Chain, error) {
	var chain Chain
	if cfg == nil {
		return chain, nil
	}
	if cfg.Match != nil {
		mp, err := NewMatchProcessor(*cfg.Match)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mp)
		logger.Info("post-processor enabled", "name", mp.Name(), "inputs", mp.Keys())
	}
	return chain, nil
}
// #endregion build
