package batch

import (
	"fmt"

	"github.com/danielpatrickdp/spine-driver/internal/reco"
	"github.com/danielpatrickdp/spine-driver/internal/wire"
)

// #region wire-type
// Wire is the serializable form of a Value, used on every RPC and in
// sink files. Exactly the fields relevant to Kind are set.
type Wire struct {
	Kind    Kind          `cbor:"kind"`
	Scalar  float64       `cbor:"scalar,omitempty"`
	Shape   []int         `cbor:"shape,omitempty"`
	Data    []float64     `cbor:"data,omitempty"`
	Ref     string        `cbor:"ref,omitempty"`
	Type    BatchKind     `cbor:"type,omitempty"`
	Counts  []int         `cbor:"counts,omitempty"`
	Offsets []int64       `cbor:"offsets,omitempty"`
	Items   []Wire        `cbor:"items,omitempty"`
	Strings []string      `cbor:"strings,omitempty"`
	Bytes   [][]byte      `cbor:"bytes,omitempty"`
	Objects []reco.Object `cbor:"objects,omitempty"`
	Shared  bool          `cbor:"shared,omitempty"`
}
// #endregion wire-type

// #region to-wire
// ToWire converts v to its wire form.
func ToWire(v Value) (Wire, error) {
	switch v := v.(type) {
	case Scalar:
		return Wire{Kind: KindScalar, Scalar: float64(v)}, nil
	case Tensor:
		return Wire{Kind: KindTensor, Shape: v.Shape, Data: v.Data, Ref: v.Ref}, nil
	case Batch:
		return Wire{Kind: KindBatch, Type: v.Type, Shape: v.Tensor.Shape, Data: v.Tensor.Data,
			Ref: v.Tensor.Ref, Counts: v.Counts, Offsets: v.Offsets}, nil
	case FlatBatch:
		return Wire{Kind: KindFlatBatch, Type: v.Type, Shape: v.Array.Shape, Data: v.Array.Data,
			Counts: v.Counts, Offsets: v.Offsets}, nil
	case BatchList:
		items := make([]Wire, len(v))
		for i, b := range v {
			w, err := ToWire(b)
			if err != nil {
				return Wire{}, err
			}
			items[i] = w
		}
		return Wire{Kind: KindBatchList, Items: items}, nil
	case FlatBatchList:
		items := make([]Wire, len(v))
		for i, b := range v {
			w, err := ToWire(b)
			if err != nil {
				return Wire{}, err
			}
			items[i] = w
		}
		return Wire{Kind: KindFlatBatchList, Items: items}, nil
	case Array:
		return Wire{Kind: KindArray, Shape: v.Shape, Data: v.Data, Shared: v.Shared}, nil
	case List:
		items := make([]Wire, len(v))
		for i, item := range v {
			w, err := ToWire(item)
			if err != nil {
				return Wire{}, fmt.Errorf("list element %d: %w", i, err)
			}
			items[i] = w
		}
		return Wire{Kind: KindList, Items: items}, nil
	case Strings:
		return Wire{Kind: KindStrings, Strings: v}, nil
	case Objects:
		return Wire{Kind: KindObjects, Objects: v}, nil
	default:
		return Wire{}, fmt.Errorf("no wire form for %T", v)
	}
}
// #endregion to-wire

// #region from-wire
// FromWire converts a wire value back. coerced reports that binary
// strings were converted to text somewhere in the value.
func FromWire(w Wire) (v Value, coerced bool, err error) {
	switch w.Kind {
	case KindScalar:
		return Scalar(w.Scalar), false, nil
	case KindTensor:
		return Tensor{Shape: w.Shape, Data: w.Data, Ref: w.Ref}, false, nil
	case KindBatch:
		return Batch{Type: w.Type, Tensor: Tensor{Shape: w.Shape, Data: w.Data, Ref: w.Ref},
			Counts: w.Counts, Offsets: w.Offsets}, false, nil
	case KindFlatBatch:
		return FlatBatch{Type: w.Type, Array: Array{Shape: w.Shape, Data: w.Data},
			Counts: w.Counts, Offsets: w.Offsets}, false, nil
	case KindBatchList:
		out := make(BatchList, len(w.Items))
		for i, item := range w.Items {
			b, _, err := FromWire(item)
			if err != nil {
				return nil, false, err
			}
			bb, ok := b.(Batch)
			if !ok {
				return nil, false, fmt.Errorf("batch list element %d is %s", i, b.Kind())
			}
			out[i] = bb
		}
		return out, false, nil
	case KindFlatBatchList:
		out := make(FlatBatchList, len(w.Items))
		for i, item := range w.Items {
			b, _, err := FromWire(item)
			if err != nil {
				return nil, false, err
			}
			fb, ok := b.(FlatBatch)
			if !ok {
				return nil, false, fmt.Errorf("flat batch list element %d is %s", i, b.Kind())
			}
			out[i] = fb
		}
		return out, false, nil
	case KindArray:
		return Array{Shape: w.Shape, Data: w.Data, Shared: w.Shared}, false, nil
	case KindList:
		out := make(List, len(w.Items))
		for i, item := range w.Items {
			iv, c, err := FromWire(item)
			if err != nil {
				return nil, false, fmt.Errorf("list element %d: %w", i, err)
			}
			coerced = coerced || c
			out[i] = iv
		}
		return out, coerced, nil
	case KindStrings:
		return Strings(w.Strings), false, nil
	case kindBytes:
		out := make(Strings, len(w.Bytes))
		for i, b := range w.Bytes {
			out[i] = string(b)
		}
		return out, true, nil
	case KindObjects:
		return Objects(w.Objects), false, nil
	default:
		return nil, false, fmt.Errorf("unknown wire kind %q", w.Kind)
	}
}
// #endregion from-wire

// #region result-wire
// ResultToWire converts every value of r.
func ResultToWire(r Result) (map[string]Wire, error) {
	out := make(map[string]Wire, len(r))
	for k, v := range r {
		w, err := ToWire(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = w
	}
	return out, nil
}

// ResultFromWire converts every value back. coerced lists the keys whose
// binary strings were converted to text.
func ResultFromWire(m map[string]Wire) (r Result, coerced []string, err error) {
	r = make(Result, len(m))
	for k, w := range m {
		v, c, err := FromWire(w)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", k, err)
		}
		if c {
			coerced = append(coerced, k)
		}
		r[k] = v
	}
	return r, coerced, nil
}

// MarshalValue encodes v as CBOR.
func MarshalValue(v Value) ([]byte, error) {
	w, err := ToWire(v)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(w)
}

// UnmarshalValue decodes a CBOR value produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var w Wire
	if err := wire.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	v, _, err := FromWire(w)
	return v, err
}
// #endregion result-wire
