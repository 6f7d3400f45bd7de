package distrib

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/danielpatrickdp/spine-driver/internal/batch"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region aggregate
// Aggregate gathers values from every rank onto rank 0 and merges them
// key by key. Rank 0 receives the merged result; other ranks receive nil
// and must not use it.
//
// The merge rule follows the value: scalars are averaged, or summed when
// the key contains "count"; arrays are concatenated along their first
// axis; lists, strings and objects are concatenated in rank order.
func Aggregate(ctx context.Context, g Group, values batch.Result) (batch.Result, error) {
	encoded, err := batch.ResultToWire(values)
	if err != nil {
		return nil, err
	}
	payload, err := wire.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	parts, err := g.Gather(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	if g.Rank() != 0 {
		return nil, nil
	}

	perRank := make([]batch.Result, len(parts))
	for rank, part := range parts {
		var m map[string]batch.Wire
		if err := wire.Unmarshal(part, &m); err != nil {
			return nil, fmt.Errorf("decode values of rank %d: %w", rank, err)
		}
		r, _, err := batch.ResultFromWire(m)
		if err != nil {
			return nil, fmt.Errorf("decode values of rank %d: %w", rank, err)
		}
		perRank[rank] = r
	}
	return Merge(perRank)
}

// Merge combines per-rank results. Every rank must report the same keys.
func Merge(perRank []batch.Result) (batch.Result, error) {
	if len(perRank) == 0 {
		return batch.Result{}, nil
	}
	keys := make([]string, 0, len(perRank[0]))
	for k := range perRank[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(batch.Result, len(keys))
	for _, key := range keys {
		vals := make([]batch.Value, len(perRank))
		for rank, r := range perRank {
			v, ok := r[key]
			if !ok {
				return nil, fmt.Errorf("rank %d did not report %s", rank, key)
			}
			vals[rank] = v
		}
		merged, err := mergeKey(key, vals)
		if err != nil {
			return nil, fmt.Errorf("merge %s: %w", key, err)
		}
		out[key] = merged
	}
	for rank, r := range perRank[1:] {
		if len(r) != len(keys) {
			return nil, fmt.Errorf("rank %d reported %d values, rank 0 reported %d", rank+1, len(r), len(keys))
		}
	}
	return out, nil
}

func mergeKey(key string, vals []batch.Value) (batch.Value, error) {
	kind := vals[0].Kind()
	for rank, v := range vals {
		if v.Kind() != kind {
			return nil, fmt.Errorf("rank %d holds %s, rank 0 holds %s", rank, v.Kind(), kind)
		}
	}
	switch kind {
	case batch.KindScalar:
		var sum float64
		for _, v := range vals {
			sum += float64(v.(batch.Scalar))
		}
		if strings.Contains(key, "count") {
			return batch.Scalar(sum), nil
		}
		return batch.Scalar(sum / float64(len(vals))), nil
	case batch.KindArray:
		return concatArrays(vals)
	case batch.KindList:
		var out batch.List
		for _, v := range vals {
			out = append(out, v.(batch.List)...)
		}
		return out, nil
	case batch.KindStrings:
		var out batch.Strings
		for _, v := range vals {
			out = append(out, v.(batch.Strings)...)
		}
		return out, nil
	case batch.KindObjects:
		var out batch.Objects
		for _, v := range vals {
			out = append(out, v.(batch.Objects)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("no merge rule for %s", kind)
	}
}

func concatArrays(vals []batch.Value) (batch.Value, error) {
	first := vals[0].(batch.Array)
	if len(first.Shape) == 0 {
		return nil, fmt.Errorf("cannot concatenate 0-d arrays")
	}
	tail := first.Shape[1:]
	rows := 0
	var data []float64
	for rank, v := range vals {
		a := v.(batch.Array)
		if len(a.Shape) != len(first.Shape) || !slices.Equal(a.Shape[1:], tail) {
			return nil, fmt.Errorf("rank %d array shape %v incompatible with %v", rank, a.Shape, first.Shape)
		}
		rows += a.Shape[0]
		data = append(data, a.Data...)
	}
	return batch.Array{Shape: append([]int{rows}, tail...), Data: data}, nil
}
// #endregion aggregate
