package match

import (
	"fmt"

	"github.com/danielpatrickdp/spine-driver/internal/reco"
)

// #region result
// Result holds the resolutions of the directions that ran; the other is nil.
type Result struct {
	RecoToTruth *Resolution
	TruthToReco *Resolution
}
// #endregion result

// #region match
// Match computes the overlap matrix between recoObjs and truthObjs and
// resolves it in the configured directions. The objects are not modified;
// merge Result records with reco.ApplyMatches.
//
// Unweighted metrics are symmetric, so the truth→reco pass reuses the
// transposed matrix. Weighted metrics take the intersection weight from
// the source side, so the reverse matrix is recomputed with truth as the
// source.
func Match(recoObjs, truthObjs []reco.Object, cfg Config) (Result, error) {
	recoIDs, truthIDs := ids(recoObjs), ids(truthObjs)

	forward, err := Compute(recoObjs, truthObjs, cfg.Metric, cfg.Weighted)
	if err != nil {
		return Result{}, fmt.Errorf("compute reco to truth overlaps: %w", err)
	}

	var out Result
	if cfg.Direction.RecoToTruth() {
		r := Resolve(forward, forward.Valid(cfg.Threshold), recoIDs, truthIDs)
		out.RecoToTruth = &r
	}
	if cfg.Direction.TruthToReco() {
		reverse := forward.T()
		if cfg.Weighted {
			reverse, err = Compute(truthObjs, recoObjs, cfg.Metric, true)
			if err != nil {
				return Result{}, fmt.Errorf("compute truth to reco overlaps: %w", err)
			}
		}
		r := Resolve(reverse, reverse.Valid(cfg.Threshold), truthIDs, recoIDs)
		out.TruthToReco = &r
	}
	return out, nil
}

func ids(objs []reco.Object) []int {
	out := make([]int, len(objs))
	for i := range objs {
		out[i] = objs[i].ID
	}
	return out
}
// #endregion match
