// Package batch defines the closed set of values that flow between the
// data source, the model and the output sinks, and the per-variant
// operations on them: normalization, per-entry unwrapping and the wire form.
package batch

import (
	"fmt"

	"github.com/danielpatrickdp/spine-driver/internal/reco"
)

// #region kind
// Kind tags a Value variant.
type Kind string

const (
	KindScalar        Kind = "scalar"
	KindTensor        Kind = "tensor"
	KindBatch         Kind = "batch"
	KindBatchList     Kind = "batch_list"
	KindFlatBatch     Kind = "flat_batch"
	KindFlatBatchList Kind = "flat_batch_list"
	KindArray         Kind = "array"
	KindList          Kind = "list"
	KindStrings       Kind = "strings"
	KindObjects       Kind = "objects"

	// kindBytes only exists on the wire: binary strings that are coerced
	// to Strings on decode.
	kindBytes Kind = "bytes"
)
// #endregion kind

// #region value
// Value is one data or output product. The set of implementations is
// closed; every operation in this package switches over it exhaustively.
type Value interface {
	Kind() Kind
	isValue()
}

// Result maps product names to values.
type Result map[string]Value

// Scalar is a plain number.
type Scalar float64

// Tensor is a live model tensor. Ref identifies the tensor on the service
// side when it participates in a gradient graph (the training loss).
type Tensor struct {
	Shape []int
	Data  []float64
	Ref   string
}

// NumEl returns the number of elements implied by Shape.
func (t Tensor) NumEl() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// BatchKind distinguishes the three batch containers.
type BatchKind string

const (
	TensorBatch    BatchKind = "tensor"
	IndexBatch     BatchKind = "index"
	EdgeIndexBatch BatchKind = "edge_index"
)

// Batch is a live batched container: a tensor whose rows (columns for
// edge indexes) are split between entries according to Counts. Offsets
// shift index values back to entry-local numbering when unwrapping.
type Batch struct {
	Type    BatchKind
	Tensor  Tensor
	Counts  []int
	Offsets []int64
}

// BatchList is a list of live batches, e.g. one per network depth.
type BatchList []Batch

// Array is a plain numeric array with a row-major shape. Shared marks an
// array that belongs to the whole batch even when its leading dimension
// happens to equal the batch size.
type Array struct {
	Shape  []int
	Data   []float64
	Shared bool
}

// FlatBatch is the plain form of a Batch.
type FlatBatch struct {
	Type    BatchKind
	Array   Array
	Counts  []int
	Offsets []int64
}

// FlatBatchList is the plain form of a BatchList.
type FlatBatchList []FlatBatch

// List holds one value per entry after unwrapping, or a plain list of values.
type List []Value

// Strings is a plain list of text values.
type Strings []string

// Objects is a list of reconstructed or true objects of one entry.
type Objects []reco.Object

func (Scalar) Kind() Kind        { return KindScalar }
func (Tensor) Kind() Kind        { return KindTensor }
func (Batch) Kind() Kind         { return KindBatch }
func (BatchList) Kind() Kind     { return KindBatchList }
func (FlatBatch) Kind() Kind     { return KindFlatBatch }
func (FlatBatchList) Kind() Kind { return KindFlatBatchList }
func (Array) Kind() Kind         { return KindArray }
func (List) Kind() Kind          { return KindList }
func (Strings) Kind() Kind       { return KindStrings }
func (Objects) Kind() Kind       { return KindObjects }

func (Scalar) isValue()        {}
func (Tensor) isValue()        {}
func (Batch) isValue()         {}
func (BatchList) isValue()     {}
func (FlatBatch) isValue()     {}
func (FlatBatchList) isValue() {}
func (Array) isValue()         {}
func (List) isValue()          {}
func (Strings) isValue()       {}
func (Objects) isValue()       {}
// #endregion value

// #region array-helpers
// Rows returns the size of the first axis, or 0 for a 0-d array.
func (a Array) Rows() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// rowWidth is the number of elements per row.
func (a Array) rowWidth() int {
	w := 1
	for _, d := range a.Shape[1:] {
		w *= d
	}
	return w
}

// SliceRows returns rows [lo, hi) as a new array sharing no memory with a.
func (a Array) SliceRows(lo, hi int) Array {
	w := a.rowWidth()
	shape := append([]int{hi - lo}, a.Shape[1:]...)
	data := make([]float64, (hi-lo)*w)
	copy(data, a.Data[lo*w:hi*w])
	return Array{Shape: shape, Data: data}
}

// Validate checks that Data has as many elements as Shape implies.
func (a Array) Validate() error {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	if n != len(a.Data) {
		return fmt.Errorf("array shape %v implies %d elements, have %d", a.Shape, n, len(a.Data))
	}
	return nil
}
// #endregion array-helpers

// #region result-helpers
// Scalars returns every scalar-valued entry of r.
func (r Result) Scalars() map[string]float64 {
	out := make(map[string]float64)
	for k, v := range r {
		if s, ok := v.(Scalar); ok {
			out[k] = float64(s)
		}
	}
	return out
}

// Merge copies every entry of other into r, overwriting existing keys.
func (r Result) Merge(other Result) {
	for k, v := range other {
		r[k] = v
	}
}
// #endregion result-helpers
