// inspect prints the run catalog, checkpoint headers and output files
// written by spine.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/checkpoint"
	"github.com/danielpatrickdp/spine-driver/internal/runstore"
	"github.com/danielpatrickdp/spine-driver/internal/sink"
)

// #region main

func main() {
	var (
		dbPath   string
		last     int
		runID    string
		ckptPath string
		sinkPath string
		jsonOut  bool
	)
	flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	flagSet.StringVar(&dbPath, "db", os.Getenv("SPINE_RUN_DB"), "path to the run database")
	flagSet.IntVar(&last, "last", 20, "show N most recent runs")
	flagSet.StringVar(&runID, "run", "", "show one run and its checkpoints")
	flagSet.StringVar(&ckptPath, "checkpoint", "", "dump the header and parameters of a checkpoint file")
	flagSet.StringVar(&sinkPath, "sink", "", "dump the header and entries of an output file")
	flagSet.BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	var err error
	switch {
	case ckptPath != "":
		err = runCheckpointMode(ckptPath, jsonOut)
	case sinkPath != "":
		err = runSinkMode(sinkPath, last, jsonOut)
	case dbPath == "":
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/spine_runs.db [--last N] [--run id] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --checkpoint file.ckpt | --sink file [--json]")
		os.Exit(2)
	default:
		err = runStoreMode(dbPath, runID, last, jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region store-mode

type runRow struct {
	RunID          string `json:"run_id"`
	Mode           string `json:"mode"`
	WorldSize      int    `json:"world_size"`
	Status         string `json:"status"`
	StartIteration int64  `json:"start_iteration"`
	LastIteration  int64  `json:"last_iteration"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type checkpointRow struct {
	Iteration   int64  `json:"iteration"`
	Path        string `json:"path"`
	Digest      string `json:"digest"`
	Size        int64  `json:"size"`
	Compression string `json:"compression"`
	CreatedAt   string `json:"created_at"`
}

type runDetail struct {
	runRow
	Checkpoints []checkpointRow `json:"checkpoints"`
}

func toRunRow(r runstore.Run) runRow {
	return runRow{
		RunID:          r.RunID,
		Mode:           r.Mode(),
		WorldSize:      r.WorldSize,
		Status:         string(r.Status),
		StartIteration: r.StartIteration,
		LastIteration:  r.LastIteration,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func runStoreMode(dbPath, runID string, last int, jsonOut bool) error {
	store, err := runstore.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if runID == "" {
		runs, err := store.ListRuns(last)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "no runs found")
			return nil
		}
		rows := make([]runRow, len(runs))
		for i, r := range runs {
			rows[i] = toRunRow(r)
		}
		if jsonOut {
			return printJSON(rows)
		}
		printRunTable(os.Stdout, rows)
		return nil
	}

	r, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	ckpts, err := store.ListCheckpoints(runID)
	if err != nil {
		return err
	}
	out := runDetail{runRow: toRunRow(r), Checkpoints: make([]checkpointRow, len(ckpts))}
	for i, c := range ckpts {
		out.Checkpoints[i] = checkpointRow{
			Iteration:   c.Iteration,
			Path:        c.Path,
			Digest:      c.Digest,
			Size:        c.Size,
			Compression: c.Compression,
			CreatedAt:   c.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:        %s\n", out.RunID)
	fmt.Printf("Mode:       %s (world size %d)\n", out.Mode, out.WorldSize)
	fmt.Printf("Status:     %s\n", out.Status)
	fmt.Printf("Iterations: %d .. %d\n", out.StartIteration, out.LastIteration)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	if out.Error != "" {
		fmt.Printf("Error:      %s\n", out.Error)
	}
	if len(out.Checkpoints) == 0 {
		fmt.Println("\nNo checkpoints.")
		return nil
	}
	fmt.Println()
	printCheckpointTable(os.Stdout, out.Checkpoints)
	return nil
}

func printRunTable(w io.Writer, rows []runRow) {
	fmt.Fprintln(w, heading(fmt.Sprintf("%-12s  %-9s  %5s  %-9s  %10s  %s",
		"Run", "Mode", "World", "Status", "Last Iter.", "Created")))
	fmt.Fprintf(w, "%-12s+-%-9s+-%5s+-%-9s+-%10s+-%s\n",
		"------------", "---------", "-----", "---------", "----------", "--------------------")
	for _, r := range rows {
		fmt.Fprintf(w, "%-12s  %-9s  %5d  %-9s  %10d  %s\n",
			shortID(r.RunID), r.Mode, r.WorldSize, r.Status, r.LastIteration, r.CreatedAt)
	}
}

func printCheckpointTable(w io.Writer, rows []checkpointRow) {
	fmt.Fprintln(w, heading(fmt.Sprintf("%10s  %-12s  %10s  %-5s  %s", "Iteration", "Digest", "Bytes", "Comp.", "Path")))
	fmt.Fprintf(w, "%10s+-%-12s+-%10s+-%-5s+-%s\n", "----------", "------------", "----------", "-----", "--------------------")
	for _, c := range rows {
		fmt.Fprintf(w, "%10d  %-12s  %10d  %-5s  %s\n", c.Iteration, shortID(c.Digest), c.Size, c.Compression, c.Path)
	}
}

// #endregion store-mode

// #region checkpoint-mode

type checkpointDump struct {
	Path        string           `json:"path"`
	Version     uint8            `json:"version"`
	Compression string           `json:"compression"`
	Size        uint64           `json:"payload_size"`
	Digest      string           `json:"digest"`
	Iteration   int64            `json:"iteration"`
	Parameters  map[string][]int `json:"parameters"`
	Optimizer   bool             `json:"optimizer_state"`
}

func runCheckpointMode(path string, jsonOut bool) error {
	c, h, err := checkpoint.ReadFile(path)
	if err != nil {
		return err
	}
	out := checkpointDump{
		Path:        path,
		Version:     h.Version,
		Compression: h.Compression.String(),
		Size:        h.Size,
		Digest:      h.Digest.String(),
		Iteration:   c.Iteration,
		Parameters:  make(map[string][]int, len(c.ModelState)),
		Optimizer:   len(c.OptimizerState) > 0,
	}
	for name, t := range c.ModelState {
		out.Parameters[name] = t.Shape
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Checkpoint: %s\n", out.Path)
	fmt.Printf("Format:     v%d, %s, %d bytes\n", out.Version, out.Compression, out.Size)
	fmt.Printf("Digest:     %s\n", out.Digest)
	fmt.Printf("Iteration:  %d\n", out.Iteration)
	fmt.Printf("Optimizer:  %v\n", out.Optimizer)
	fmt.Printf("\n%s\n", heading(fmt.Sprintf("Parameters (%d):", len(out.Parameters))))
	names := make([]string, 0, len(out.Parameters))
	for name := range out.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-48s %v\n", name, out.Parameters[name])
	}
	return nil
}

// #endregion checkpoint-mode

// #region sink-mode

type sinkEntry struct {
	Index  int64             `json:"index"`
	Data   map[string]string `json:"data"`
	Result map[string]string `json:"result"`
}

type sinkDump struct {
	Path      string      `json:"path"`
	RunID     string      `json:"run_id"`
	Mode      string      `json:"mode"`
	CreatedAt string      `json:"created_at"`
	Entries   []sinkEntry `json:"entries"`
	Total     int         `json:"total"`
}

func runSinkMode(path string, limit int, jsonOut bool) error {
	r, err := sink.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	out := sinkDump{Path: path, RunID: h.RunID, Mode: "inference", CreatedAt: h.CreatedAt.Format("2006-01-02T15:04:05Z")}
	if h.Run.Train {
		out.Mode = "train"
	}
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		out.Total++
		if limit > 0 && len(out.Entries) >= limit {
			continue
		}
		out.Entries = append(out.Entries, sinkEntry{Index: e.Index, Data: describe(e.Data), Result: describe(e.Result)})
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Output file: %s\n", out.Path)
	fmt.Printf("Run:         %s (%s)\n", out.RunID, out.Mode)
	fmt.Printf("Created:     %s\n", out.CreatedAt)
	fmt.Printf("Entries:     %d\n", out.Total)
	for _, e := range out.Entries {
		fmt.Printf("\n%s\n", heading(fmt.Sprintf("Entry %d", e.Index)))
		printValues("data", e.Data)
		printValues("result", e.Result)
	}
	return nil
}

// describe summarizes each value by kind and size.
func describe(r batch.Result) map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		switch v := v.(type) {
		case batch.Scalar:
			out[k] = fmt.Sprintf("scalar %g", float64(v))
		case batch.Array:
			out[k] = fmt.Sprintf("array %v", v.Shape)
		case batch.FlatBatch:
			out[k] = fmt.Sprintf("%s batch %v", v.Type, v.Array.Shape)
		case batch.List:
			out[k] = fmt.Sprintf("list of %d", len(v))
		case batch.Strings:
			out[k] = fmt.Sprintf("strings %q", []string(v))
		case batch.Objects:
			out[k] = fmt.Sprintf("%d objects", len(v))
		default:
			out[k] = string(v.Kind())
		}
	}
	return out
}

func printValues(label string, values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-7s %-32s %s\n", label, k, values[k])
	}
}

// #endregion sink-mode

// #region output

var headingStyle = lipgloss.NewStyle().Bold(true)

func heading(s string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	return headingStyle.Render(s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}

// #endregion output
