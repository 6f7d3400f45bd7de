package match

import (
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/spine-driver/internal/reco"
)

// ErrMissingWeights marks weighted matching over objects without depositions.
var ErrMissingWeights = errors.New("object has no depositions to weight by")

// #region matrix
// Matrix is a dense row-major Rows×Cols overlap matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// NewMatrix allocates a zero matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (m Matrix) At(i, j int) float64     { return m.Data[i*m.Cols+j] }
func (m Matrix) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

// T returns the transpose as a new matrix.
func (m Matrix) T() Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Set(j, i, m.At(i, j))
		}
	}
	return t
}

// Mask marks the valid cells of a Matrix.
type Mask struct {
	Rows, Cols int
	Data       []bool
}

func (k Mask) At(i, j int) bool { return k.Data[i*k.Cols+j] }

// Valid marks every cell scoring strictly above threshold.
func (m Matrix) Valid(threshold float64) Mask {
	k := Mask{Rows: m.Rows, Cols: m.Cols, Data: make([]bool, len(m.Data))}
	for i, v := range m.Data {
		k.Data[i] = v > threshold
	}
	return k
}
// #endregion matrix

// #region compute
// Compute scores every (source, target) pair under metric. Weighted iou
// and dice take the intersection weight from the source object, so the
// result is not symmetric in its arguments.
func Compute(sources, targets []reco.Object, metric Metric, weighted bool) (Matrix, error) {
	if weighted && metric != IoU && metric != Dice {
		return Matrix{}, fmt.Errorf("%w: got %s", ErrUnweightable, metric)
	}
	m := NewMatrix(len(sources), len(targets))
	if metric == Chamfer {
		for i := range sources {
			for j := range targets {
				m.Set(i, j, -chamferDistance(sources[i].Points, targets[j].Points))
			}
		}
		return m, nil
	}

	sets := make([]voxelSet, len(targets))
	for j := range targets {
		s, err := newVoxelSet(&targets[j], weighted)
		if err != nil {
			return Matrix{}, err
		}
		sets[j] = s
	}
	for i := range sources {
		src, err := newVoxelSet(&sources[i], weighted)
		if err != nil {
			return Matrix{}, err
		}
		for j := range targets {
			m.Set(i, j, score(metric, src, sets[j]))
		}
	}
	return m, nil
}

// voxelSet maps voxel index to weight (1 when unweighted).
type voxelSet struct {
	w     map[int64]float64
	total float64
}

func newVoxelSet(o *reco.Object, weighted bool) (voxelSet, error) {
	if weighted && !o.Weighted() {
		return voxelSet{}, fmt.Errorf("%w: %s %d", ErrMissingWeights, o.Kind, o.ID)
	}
	s := voxelSet{w: make(map[int64]float64, len(o.Index))}
	for k, idx := range o.Index {
		if _, dup := s.w[idx]; dup {
			continue
		}
		v := 1.0
		if weighted {
			v = o.Depositions[k]
		}
		s.w[idx] = v
		s.total += v
	}
	return s, nil
}

func score(metric Metric, src, tgt voxelSet) float64 {
	// intersection carries the source weights; the target-only part of
	// the union carries the target weights
	var inter, tgtShared float64
	small, large := src.w, tgt.w
	if len(large) < len(small) {
		small, large = large, small
	}
	for idx := range small {
		if _, ok := large[idx]; ok {
			inter += src.w[idx]
			tgtShared += tgt.w[idx]
		}
	}
	switch metric {
	case Count:
		return inter
	case IoU:
		union := src.total + tgt.total - tgtShared
		if union == 0 {
			return 0
		}
		return inter / union
	case Dice:
		sum := src.total + tgt.total
		if sum == 0 {
			return 0
		}
		return 2 * inter / sum
	default:
		return 0
	}
}

// chamferDistance is the symmetric mean nearest-point distance. It is
// +Inf when either set is empty.
func chamferDistance(a, b [][3]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	return (meanNearest(a, b) + meanNearest(b, a)) / 2
}

func meanNearest(from, to [][3]float64) float64 {
	var sum float64
	for _, p := range from {
		best := math.Inf(1)
		for _, q := range to {
			dx, dy, dz := p[0]-q[0], p[1]-q[1], p[2]-q[2]
			if d := dx*dx + dy*dy + dz*dz; d < best {
				best = d
			}
		}
		sum += math.Sqrt(best)
	}
	return sum / float64(len(from))
}
// #endregion compute
