package batch

import (
	"errors"
	"fmt"
)

// ErrNotNormalizable marks an output that has no plain form.
var ErrNotNormalizable = errors.New("output cannot be normalized")

// #region normalize
// Normalize converts a model output into its plain form: scalars pass
// through, single-element tensors become scalars, batches and batch lists
// are flattened, plain values pass through (lists element-wise). Tensors
// with more than one element are not normalizable.
func Normalize(v Value) (Value, error) {
	switch v := v.(type) {
	case Scalar:
		return v, nil
	case Tensor:
		if v.NumEl() == 1 && len(v.Data) == 1 {
			return Scalar(v.Data[0]), nil
		}
		return nil, fmt.Errorf("%w: tensor of shape %v", ErrNotNormalizable, v.Shape)
	case Batch:
		return v.Flatten()
	case BatchList:
		out := make(FlatBatchList, len(v))
		for i, b := range v {
			fb, err := b.Flatten()
			if err != nil {
				return nil, fmt.Errorf("batch list element %d: %w", i, err)
			}
			out[i] = fb
		}
		return out, nil
	case FlatBatch, FlatBatchList, Array, Strings, Objects:
		return v, nil
	case List:
		out := make(List, len(v))
		for i, item := range v {
			n, err := Normalize(item)
			if err != nil {
				return nil, fmt.Errorf("list element %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrNotNormalizable)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotNormalizable, v)
	}
}

// NormalizeResult normalizes every value of r in place.
func NormalizeResult(r Result) error {
	for k, v := range r {
		n, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("cannot cast output %s: %w", k, err)
		}
		r[k] = n
	}
	return nil
}
// #endregion normalize

// #region flatten
// Flatten returns the plain form of b, detached from the service tensor.
func (b Batch) Flatten() (FlatBatch, error) {
	arr := Array{
		Shape: append([]int{}, b.Tensor.Shape...),
		Data:  append([]float64{}, b.Tensor.Data...),
	}
	if err := arr.Validate(); err != nil {
		return FlatBatch{}, fmt.Errorf("%w: %v", ErrNotNormalizable, err)
	}
	return FlatBatch{
		Type:    b.Type,
		Array:   arr,
		Counts:  append([]int{}, b.Counts...),
		Offsets: append([]int64{}, b.Offsets...),
	}, nil
}

// BatchSize is the number of entries in the batch.
func (b FlatBatch) BatchSize() int {
	return len(b.Counts)
}
// #endregion flatten
