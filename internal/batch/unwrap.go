package batch

import "fmt"

// #region unwrap
// Unwrap expands one plain value of a batch of size n into one value per
// entry. Batches are split along their entry axis by Counts (index
// values shifted back by Offsets). Lists of length n are taken as
// already per entry. Scalars and any other value are shared by all
// entries and returned unchanged.
//
// Arrays and string lists carry no entry axis of their own, so their
// length decides: an array whose leading dimension is n is split into
// one row per entry, and a string list of length n into one single
// string list per entry. Anything else is shared. An output whose
// length only coincides with n (a per-class table in a batch of as
// many entries, say) must be sent with Shared set to stay whole.
func Unwrap(v Value, n int) (Value, error) {
	switch v := v.(type) {
	case FlatBatch:
		return v.unwrap(n)
	case FlatBatchList:
		perEntry := make([]List, n)
		for j, b := range v {
			items, err := b.unwrap(n)
			if err != nil {
				return nil, fmt.Errorf("batch list element %d: %w", j, err)
			}
			for i := range perEntry {
				perEntry[i] = append(perEntry[i], items[i])
			}
		}
		out := make(List, n)
		for i := range perEntry {
			out[i] = perEntry[i]
		}
		return out, nil
	case Array:
		if v.Shared || len(v.Shape) == 0 || v.Rows() != n {
			return v, nil
		}
		out := make(List, n)
		for i := 0; i < n; i++ {
			out[i] = v.SliceRows(i, i+1)
		}
		return out, nil
	case Strings:
		if len(v) != n {
			return v, nil
		}
		out := make(List, n)
		for i, s := range v {
			out[i] = Strings{s}
		}
		return out, nil
	case Tensor, Batch, BatchList:
		return nil, fmt.Errorf("cannot unwrap %s before normalization", v.Kind())
	default:
		return v, nil
	}
}

// UnwrapResult unwraps every value of r, returning a new result.
func UnwrapResult(r Result, n int) (Result, error) {
	out := make(Result, len(r))
	for k, v := range r {
		u, err := Unwrap(v, n)
		if err != nil {
			return nil, fmt.Errorf("unwrap %s: %w", k, err)
		}
		out[k] = u
	}
	return out, nil
}

func (b FlatBatch) unwrap(n int) (List, error) {
	if len(b.Counts) != n {
		return nil, fmt.Errorf("batch has %d entries, expected %d", len(b.Counts), n)
	}
	if b.Type == EdgeIndexBatch {
		return b.unwrapColumns()
	}
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	if total != b.Array.Rows() {
		return nil, fmt.Errorf("counts sum to %d but batch has %d rows", total, b.Array.Rows())
	}
	out := make(List, n)
	lo := 0
	for i, c := range b.Counts {
		part := b.Array.SliceRows(lo, lo+c)
		if b.Type == IndexBatch && i < len(b.Offsets) {
			shift(part.Data, b.Offsets[i])
		}
		out[i] = part
		lo += c
	}
	return out, nil
}

// unwrapColumns splits a (2, E) edge index along its edge axis.
func (b FlatBatch) unwrapColumns() (List, error) {
	if len(b.Array.Shape) != 2 {
		return nil, fmt.Errorf("edge index must be 2-d, got shape %v", b.Array.Shape)
	}
	rows, cols := b.Array.Shape[0], b.Array.Shape[1]
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	if total != cols {
		return nil, fmt.Errorf("counts sum to %d but edge index has %d edges", total, cols)
	}
	out := make(List, len(b.Counts))
	lo := 0
	for i, c := range b.Counts {
		data := make([]float64, rows*c)
		for r := 0; r < rows; r++ {
			copy(data[r*c:(r+1)*c], b.Array.Data[r*cols+lo:r*cols+lo+c])
		}
		if i < len(b.Offsets) {
			shift(data, b.Offsets[i])
		}
		out[i] = Array{Shape: []int{rows, c}, Data: data}
		lo += c
	}
	return out, nil
}

func shift(data []float64, offset int64) {
	if offset == 0 {
		return
	}
	for j := range data {
		data[j] -= float64(offset)
	}
}
// #endregion unwrap

// #region entry
// EntryAt returns the value of entry i from an unwrapped value: the i-th
// element of a List, or the value itself when it is shared by all entries.
func EntryAt(v Value, i int) Value {
	if l, ok := v.(List); ok && i < len(l) {
		return l[i]
	}
	return v
}

// EntryCount infers the number of entries in an unwrapped result from its
// lists. Returns 0 when r holds no list.
func EntryCount(r Result) int {
	n := 0
	for _, v := range r {
		if l, ok := v.(List); ok && len(l) > n {
			n = len(l)
		}
	}
	return n
}
// #endregion entry
