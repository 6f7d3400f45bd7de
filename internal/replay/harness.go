// Package replay re-runs the match post-processor over recorded entries
// without the model service, and summarizes the outcome.
package replay

import (
	"fmt"
	"sort"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/post"
	"github.com/danielpatrickdp/spine-driver/internal/sink"
)

// #region types
// EntryResult is the outcome of re-matching one entry.
type EntryResult struct {
	Index  int64
	Result batch.Result
	Err    error
}

// DirectionStats aggregates one match direction of one category.
type DirectionStats struct {
	Sources     int
	Matched     int
	MeanOverlap float64 // over matched sources
}

// MatchedFraction returns Matched/Sources, or 0 with no sources.
func (d DirectionStats) MatchedFraction() float64 {
	if d.Sources == 0 {
		return 0
	}
	return float64(d.Matched) / float64(d.Sources)
}

// Summary aggregates a replay run. Stats is keyed like the result keys
// without the "_matches" infix, e.g. "particle_r2t".
type Summary struct {
	Entries int
	Failed  int
	Stats   map[string]DirectionStats
}

// StatKeys returns the keys of s.Stats in sorted order.
func (s Summary) StatKeys() []string {
	keys := make([]string, 0, len(s.Stats))
	for k := range s.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
// #endregion types

// #region replay
// Replay runs the match processor built from cfg on every entry. A
// failing entry is recorded and does not stop the run.
func Replay(entries []sink.Entry, cfg config.MatchConfig) ([]EntryResult, error) {
	mp, err := post.NewMatchProcessor(cfg)
	if err != nil {
		return nil, err
	}
	chain := post.Chain{mp}

	results := make([]EntryResult, 0, len(entries))
	for _, ent := range entries {
		res := make(batch.Result, len(ent.Result))
		res.Merge(ent.Result)
		e := post.NewEntry(int(ent.Index), ent.Data, res)
		out := EntryResult{Index: ent.Index, Result: e.Result}
		if err := chain.Process(e); err != nil {
			out.Err = fmt.Errorf("entry %d: %w", ent.Index, err)
		}
		results = append(results, out)
	}
	return results, nil
}
// #endregion replay

// #region summarize
var directions = []string{"r2t", "t2r"}

// Summarize counts matched sources per category and direction.
func Summarize(results []EntryResult) Summary {
	sum := Summary{Stats: make(map[string]DirectionStats)}
	overlapSums := make(map[string]float64)
	for _, r := range results {
		sum.Entries++
		if r.Err != nil {
			sum.Failed++
			continue
		}
		for key, v := range r.Result {
			kind, dir, ok := splitPairsKey(key)
			if !ok {
				continue
			}
			pairs, ok := v.(batch.Array)
			if !ok {
				continue
			}
			overlaps, _ := r.Result[key+"_overlap"].(batch.Array)
			statKey := kind + "_" + dir
			st := sum.Stats[statKey]
			for i := 0; i < pairs.Rows(); i++ {
				st.Sources++
				if pairs.Data[2*i+1] < 0 {
					continue
				}
				st.Matched++
				if i < len(overlaps.Data) {
					overlapSums[statKey] += overlaps.Data[i]
				}
			}
			sum.Stats[statKey] = st
		}
	}
	for k, st := range sum.Stats {
		if st.Matched > 0 {
			st.MeanOverlap = overlapSums[k] / float64(st.Matched)
			sum.Stats[k] = st
		}
	}
	return sum
}

// splitPairsKey parses "<kind>_matches_<dir>".
func splitPairsKey(key string) (kind, dir string, ok bool) {
	for _, d := range directions {
		suffix := "_matches_" + d
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			return key[:len(key)-len(suffix)], d, true
		}
	}
	return "", "", false
}
// #endregion summarize
