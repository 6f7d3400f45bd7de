// replay re-runs the match post-processor over recorded entries, either
// an output file written by spine or a JSON fixture with expected matches.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/danielpatrickdp/spine-driver/internal/config"
	"github.com/danielpatrickdp/spine-driver/internal/replay"
	"github.com/danielpatrickdp/spine-driver/internal/sink"
)

// #region main

func main() {
	var sinkPath, configPath, fixturePath string
	var jsonOut bool
	flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flagSet.StringVar(&sinkPath, "sink", "", "output file written by spine (sink mode)")
	flagSet.StringVar(&configPath, "config", "", "configuration whose post.match section is replayed (sink mode)")
	flagSet.StringVar(&fixturePath, "fixture", "", "path to fixture JSON (fixture mode)")
	flagSet.BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if (sinkPath == "" && fixturePath == "") || (sinkPath != "" && fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --sink path/to/output --config path/to/config.yaml")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if fixturePath != "" {
		exitCode = runFixtureMode(fixturePath, jsonOut)
	} else {
		exitCode = runSinkMode(sinkPath, configPath, jsonOut)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region sink-mode

func runSinkMode(sinkPath, configPath string, jsonOut bool) int {
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "sink mode needs --config with a post.match section")
		return 2
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if cfg.Post.Match == nil {
		fmt.Fprintf(os.Stderr, "%s has no post.match section\n", configPath)
		return 2
	}

	r, err := sink.Open(sinkPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open output file: %v\n", err)
		return 2
	}
	entries, err := r.ReadAll()
	r.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read output file: %v\n", err)
		return 2
	}

	results, err := replay.Replay(entries, *cfg.Post.Match)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}
	sum := replay.Summarize(results)
	if err := printSummary(os.Stdout, sum, jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "print summary: %v\n", err)
		return 2
	}
	if sum.Failed > 0 {
		return 1
	}
	return 0
}

// #endregion sink-mode

// #region fixture-mode

func runFixtureMode(path string, jsonOut bool) int {
	fixture, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}
	results, err := replay.Replay(fixture.ToEntries(), fixture.Match)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}
	if err := printSummary(os.Stdout, replay.Summarize(results), jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "print summary: %v\n", err)
		return 2
	}

	mismatches := fixture.Check(results)
	if len(mismatches) == 0 {
		fmt.Printf("\nfixture %q: %d expectations OK\n", fixture.Description, len(fixture.Expected))
		return 0
	}
	fmt.Printf("\nfixture %q: %d of %d expectations failed\n", fixture.Description, len(mismatches), len(fixture.Expected))
	for _, m := range mismatches {
		e := m.Expected
		fmt.Printf("  entry %d %s source %d: want %d, got %d (%s)\n", e.Entry, e.Key, e.Source, e.Target, m.Got, m.Reason)
	}
	return 1
}

// #endregion fixture-mode

// #region output

type summaryJSON struct {
	Entries int                     `json:"entries"`
	Failed  int                     `json:"failed"`
	Stats   map[string]directionRow `json:"stats"`
}

type directionRow struct {
	Sources         int     `json:"sources"`
	Matched         int     `json:"matched"`
	MatchedFraction float64 `json:"matched_fraction"`
	MeanOverlap     float64 `json:"mean_overlap"`
}

func printSummary(w io.Writer, sum replay.Summary, jsonOut bool) error {
	if jsonOut {
		out := summaryJSON{Entries: sum.Entries, Failed: sum.Failed, Stats: make(map[string]directionRow, len(sum.Stats))}
		for k, st := range sum.Stats {
			out.Stats[k] = directionRow{
				Sources:         st.Sources,
				Matched:         st.Matched,
				MatchedFraction: st.MatchedFraction(),
				MeanOverlap:     st.MeanOverlap,
			}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "Entries: %d (%d failed)\n\n", sum.Entries, sum.Failed)
	fmt.Fprintf(w, "%-20s  %8s  %8s  %8s  %12s\n", "Category", "Sources", "Matched", "Fraction", "Mean Overlap")
	fmt.Fprintf(w, "%-20s+-%8s+-%8s+-%8s+-%12s\n", "--------------------", "--------", "--------", "--------", "------------")
	for _, k := range sum.StatKeys() {
		st := sum.Stats[k]
		fmt.Fprintf(w, "%-20s  %8d  %8d  %8.3f  %12.4f\n", k, st.Sources, st.Matched, st.MatchedFraction(), st.MeanOverlap)
	}
	return nil
}

// #endregion output
