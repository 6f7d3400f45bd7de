// Package post runs per-entry post-processors over the unwrapped outputs
// of a batch.
package post

import (
	"fmt"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
)

// #region entry
// Entry is the view of one dataset entry handed to processors.
type Entry struct {
	Index  int
	Data   batch.Result
	Result batch.Result

	written map[string]bool
}

// NewEntry builds an entry from per-entry data and result maps.
func NewEntry(index int, data, result batch.Result) *Entry {
	if result == nil {
		result = batch.Result{}
	}
	return &Entry{Index: index, Data: data, Result: result, written: make(map[string]bool)}
}

// Set stores a result value produced for this entry.
func (e *Entry) Set(key string, v batch.Value) {
	e.Result[key] = v
	e.written[key] = true
}

// Written lists the keys set on this entry, in no particular order.
func (e *Entry) Written() []string {
	out := make([]string, 0, len(e.written))
	for k := range e.written {
		out = append(out, k)
	}
	return out
}
// #endregion entry

// #region processor
// Processor transforms one entry.
type Processor interface {
	Name() string
	Process(e *Entry) error
}

// Chain runs processors in order.
type Chain []Processor

// Process runs every processor on e, stopping at the first error.
func (c Chain) Process(e *Entry) error {
	for _, p := range c {
		if err := p.Process(e); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

// Apply runs the chain on each of the n entries of an unwrapped batch and
// writes every produced value back into result as a per-entry List.
func (c Chain) Apply(data, result batch.Result, n int) error {
	if len(c) == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		e := NewEntry(i, entryView(data, i), entryView(result, i))
		if err := c.Process(e); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		for _, k := range e.Written() {
			list, ok := result[k].(batch.List)
			if !ok || len(list) != n {
				list = make(batch.List, n)
				if prev, had := result[k]; had {
					for j := range list {
						list[j] = batch.EntryAt(prev, j)
					}
				}
				result[k] = list
			}
			list[i] = e.Result[k]
		}
	}
	return nil
}

func entryView(r batch.Result, i int) batch.Result {
	out := make(batch.Result, len(r))
	for k, v := range r {
		out[k] = batch.EntryAt(v, i)
	}
	return out
}
// #endregion processor
