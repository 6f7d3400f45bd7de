// Package logging records one row per iteration (scalars, timing, memory)
// and prints the periodic progress report.
package logging

import (
	"fmt"
	"path/filepath"
	"sort"
)

// #region record
// Memory is the memory usage at the end of an iteration, in GB and percent.
type Memory struct {
	CPU, CPUPerc float64
	GPU, GPUPerc float64
}

// Record is one iteration log row.
type Record struct {
	Iteration int64
	Epoch     float64
	FirstID   int64
	Memory    Memory
	// TimerNames and TimerValues are parallel, in display order.
	TimerNames  []string
	TimerValues []float64
	Scalars     map[string]float64
}

// Columns flattens r into named columns: the fixed columns, then timers,
// then scalars sorted by key.
func (r Record) Columns() (names []string, values []float64) {
	names = []string{"iter", "epoch", "first_id", "cpu_mem", "cpu_mem_perc", "gpu_mem", "gpu_mem_perc"}
	values = []float64{float64(r.Iteration), r.Epoch, float64(r.FirstID),
		r.Memory.CPU, r.Memory.CPUPerc, r.Memory.GPU, r.Memory.GPUPerc}
	names = append(names, r.TimerNames...)
	values = append(values, r.TimerValues...)

	keys := make([]string, 0, len(r.Scalars))
	for k := range r.Scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		names = append(names, k)
		values = append(values, r.Scalars[k])
	}
	return names, values
}
// #endregion record

// #region sink
// Sink receives one Record per iteration.
type Sink interface {
	Append(r Record) error
	Close() error
}

// FileName returns the CSV log path of a run: {dir}/{train|inference}
// [_proc{rank}]_log-{start:07d}.csv. The rank suffix is only added for
// distributed runs.
func FileName(dir string, train, distributed bool, rank int, start int64) string {
	prefix := "inference"
	if train {
		prefix = "train"
	}
	if distributed {
		prefix += fmt.Sprintf("_proc%d", rank)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_log-%07d.csv", prefix, start))
}
// #endregion sink
