package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/reco"
	"github.com/danielpatrickdp/spine-driver/internal/sink"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string             `json:"description"`
	Match       config.MatchConfig `json:"match"`
	Entries     []FixtureEntry     `json:"entries"`
	Expected    []FixtureExpected  `json:"expected"`
}

// FixtureEntry holds the object lists of one entry, keyed by product
// name ("reco_particles", "truth_particles", ...).
type FixtureEntry struct {
	Index   int64                    `json:"index"`
	Objects map[string][]reco.Object `json:"objects"`
}

// FixtureExpected is the expected best match of one source object.
// Target -1 means unmatched.
type FixtureExpected struct {
	Entry  int64  `json:"entry"`
	Key    string `json:"key"` // e.g. "particle_matches_r2t"
	Source int    `json:"source"`
	Target int    `json:"target"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToEntries converts the fixture entries to sink entries.
func (f *Fixture) ToEntries() []sink.Entry {
	out := make([]sink.Entry, len(f.Entries))
	for i, fe := range f.Entries {
		res := make(batch.Result, len(fe.Objects))
		for k, objs := range fe.Objects {
			res[k] = batch.Objects(objs)
		}
		out[i] = sink.Entry{Index: fe.Index, Data: batch.Result{}, Result: res}
	}
	return out
}

// Mismatch describes an expectation the replay did not meet.
type Mismatch struct {
	Expected FixtureExpected
	Got      int
	Reason   string
}

// Check compares replay results against the fixture expectations.
func (f *Fixture) Check(results []EntryResult) []Mismatch {
	byIndex := make(map[int64]EntryResult, len(results))
	for _, r := range results {
		byIndex[r.Index] = r
	}
	var out []Mismatch
	for _, exp := range f.Expected {
		r, ok := byIndex[exp.Entry]
		if !ok || r.Err != nil {
			out = append(out, Mismatch{Expected: exp, Got: -1, Reason: "entry missing or failed"})
			continue
		}
		pairs, ok := r.Result[exp.Key].(batch.Array)
		if !ok {
			out = append(out, Mismatch{Expected: exp, Got: -1, Reason: "key not produced"})
			continue
		}
		got, found := bestTarget(pairs, exp.Source)
		switch {
		case !found:
			out = append(out, Mismatch{Expected: exp, Got: -1, Reason: "source not in pairs"})
		case got != exp.Target:
			out = append(out, Mismatch{Expected: exp, Got: got, Reason: "wrong target"})
		}
	}
	return out
}

func bestTarget(pairs batch.Array, source int) (int, bool) {
	for i := 0; i < pairs.Rows(); i++ {
		if int(pairs.Data[2*i]) == source {
			return int(pairs.Data[2*i+1]), true
		}
	}
	return 0, false
}

// #endregion fixture-loader
