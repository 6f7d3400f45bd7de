package match

import (
	"sort"

	"github.com/danielpatrickdp/spine-driver/internal/reco"
)

// Unmatched is the target ID and overlap reported for a source without
// any valid target.
const Unmatched = -1

// #region resolution
// Pair is the best match of one source object. Target is Unmatched when
// the source has no valid target.
type Pair struct {
	Source int `cbor:"source" json:"source"`
	Target int `cbor:"target" json:"target"`
}

// Resolution is the outcome of one matching direction: a full ranked
// record per source, and the best pair and its overlap in source order.
type Resolution struct {
	Records  []reco.MatchRecord
	Pairs    []Pair
	Overlaps []float64
}
// #endregion resolution

// #region resolve
// Resolve ranks, for each source row, the valid targets by decreasing
// score. Equal scores keep their target order. sourceIDs and targetIDs
// map rows and columns to object IDs.
func Resolve(m Matrix, valid Mask, sourceIDs, targetIDs []int) Resolution {
	res := Resolution{
		Records:  make([]reco.MatchRecord, m.Rows),
		Pairs:    make([]Pair, m.Rows),
		Overlaps: make([]float64, m.Rows),
	}
	for i := 0; i < m.Rows; i++ {
		var cols []int
		for j := 0; j < m.Cols; j++ {
			if valid.At(i, j) {
				cols = append(cols, j)
			}
		}
		sort.SliceStable(cols, func(a, b int) bool {
			return m.At(i, cols[a]) > m.At(i, cols[b])
		})

		rec := reco.MatchRecord{
			ObjectID:     sourceIDs[i],
			Match:        make([]int, len(cols)),
			MatchOverlap: make([]float64, len(cols)),
		}
		for k, j := range cols {
			rec.Match[k] = targetIDs[j]
			rec.MatchOverlap[k] = m.At(i, j)
		}
		res.Records[i] = rec

		if len(cols) == 0 {
			res.Pairs[i] = Pair{Source: sourceIDs[i], Target: Unmatched}
			res.Overlaps[i] = Unmatched
			continue
		}
		res.Pairs[i] = Pair{Source: sourceIDs[i], Target: rec.Match[0]}
		res.Overlaps[i] = rec.MatchOverlap[0]
	}
	return res
}
// #endregion resolve
