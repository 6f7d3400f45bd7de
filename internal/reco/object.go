// Package reco holds the reconstructed and true objects that the match
// post-processor pairs up: fragments, particles and interactions.
package reco

import "fmt"

// #region kind
// Kind is the level of an object in the reconstruction hierarchy.
type Kind string

const (
	KindFragment    Kind = "fragment"
	KindParticle    Kind = "particle"
	KindInteraction Kind = "interaction"
)

// Category returns the plural product-name form ("particles").
func (k Kind) Category() string {
	return string(k) + "s"
}

// ParseCategory maps "fragments" | "particles" | "interactions" to a Kind.
func ParseCategory(name string) (Kind, error) {
	switch name {
	case "fragments":
		return KindFragment, nil
	case "particles":
		return KindParticle, nil
	case "interactions":
		return KindInteraction, nil
	default:
		return "", fmt.Errorf("unknown object category %q", name)
	}
}
// #endregion kind

// #region object
// Object is one reconstructed or true fragment, particle or interaction.
// Index lists the voxel indexes of the object in the entry's point cloud;
// Depositions, when present, is parallel to Index. Points holds voxel
// coordinates, used by Chamfer matching.
type Object struct {
	Kind        Kind         `cbor:"kind" json:"kind"`
	ID          int          `cbor:"id" json:"id"`
	IsTruth     bool         `cbor:"is_truth" json:"is_truth"`
	Index       []int64      `cbor:"index" json:"index"`
	Depositions []float64    `cbor:"depositions,omitempty" json:"depositions,omitempty"`
	Points      [][3]float64 `cbor:"points,omitempty" json:"points,omitempty"`

	// Semantic shape for fragments/particles, particle ID for particles.
	Shape int `cbor:"shape" json:"shape"`
	PID   int `cbor:"pid" json:"pid"`

	// Members are fragment IDs for a particle, particle IDs for an interaction.
	Members []int       `cbor:"members,omitempty" json:"members,omitempty"`
	Vertex  *[3]float64 `cbor:"vertex,omitempty" json:"vertex,omitempty"`

	IsMatched    bool      `cbor:"is_matched" json:"is_matched"`
	Match        []int     `cbor:"match" json:"match"`
	MatchOverlap []float64 `cbor:"match_overlap" json:"match_overlap"`
}

// Size is the number of voxels in the object.
func (o *Object) Size() int {
	return len(o.Index)
}

// Weighted reports whether per-voxel depositions are available.
func (o *Object) Weighted() bool {
	return len(o.Depositions) == len(o.Index) && len(o.Index) > 0
}
// #endregion object

// #region match-record
// MatchRecord is the match outcome for one source object, keyed by its ID.
// Match is ordered best overlap first, MatchOverlap is parallel to it.
type MatchRecord struct {
	ObjectID     int
	Match        []int
	MatchOverlap []float64
}

// ApplyMatches merges match records into the objects they refer to.
// Objects without a record are left untouched. Returns an error if a
// record refers to an unknown object ID.
func ApplyMatches(objects []Object, records []MatchRecord) error {
	byID := make(map[int]int, len(objects))
	for i := range objects {
		byID[objects[i].ID] = i
	}
	for _, rec := range records {
		i, ok := byID[rec.ObjectID]
		if !ok {
			return fmt.Errorf("match record for unknown object %d", rec.ObjectID)
		}
		obj := &objects[i]
		obj.Match = append([]int{}, rec.Match...)
		obj.MatchOverlap = append([]float64{}, rec.MatchOverlap...)
		obj.IsMatched = len(obj.Match) > 0
	}
	return nil
}

// CheckMatchInvariant verifies that the match bookkeeping of o is consistent.
func CheckMatchInvariant(o *Object) error {
	if len(o.Match) != len(o.MatchOverlap) {
		return fmt.Errorf("object %d: %d matches but %d overlaps", o.ID, len(o.Match), len(o.MatchOverlap))
	}
	if o.IsMatched != (len(o.Match) > 0) {
		return fmt.Errorf("object %d: is_matched=%v with %d matches", o.ID, o.IsMatched, len(o.Match))
	}
	return nil
}
// #endregion match-record
