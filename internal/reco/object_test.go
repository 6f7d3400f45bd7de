package reco

import "testing"

func TestApplyMatches_SetsFieldsByID(t *testing.T) {
	objs := []Object{{ID: 4}, {ID: 7}}
	err := ApplyMatches(objs, []MatchRecord{
		{ObjectID: 7, Match: []int{2, 0}, MatchOverlap: []float64{0.9, 0.4}},
		{ObjectID: 4},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if objs[0].IsMatched {
		t.Error("expected object 4 unmatched")
	}
	if !objs[1].IsMatched || objs[1].Match[0] != 2 {
		t.Errorf("expected object 7 matched to 2, got %+v", objs[1])
	}
	for i := range objs {
		if err := CheckMatchInvariant(&objs[i]); err != nil {
			t.Errorf("invariant: %v", err)
		}
	}
}

func TestApplyMatches_UnknownID(t *testing.T) {
	objs := []Object{{ID: 1}}
	if err := ApplyMatches(objs, []MatchRecord{{ObjectID: 9}}); err == nil {
		t.Fatal("expected error for unknown object")
	}
}

func TestApplyMatches_RecordsAreCopied(t *testing.T) {
	objs := []Object{{ID: 0}}
	rec := MatchRecord{ObjectID: 0, Match: []int{1}, MatchOverlap: []float64{0.5}}
	_ = ApplyMatches(objs, []MatchRecord{rec})
	rec.Match[0] = 99
	if objs[0].Match[0] != 1 {
		t.Error("expected object to own a copy of the match list")
	}
}

func TestCheckMatchInvariant_Violations(t *testing.T) {
	bad := Object{ID: 1, IsMatched: true}
	if err := CheckMatchInvariant(&bad); err == nil {
		t.Error("expected error for matched object without matches")
	}
	bad = Object{ID: 2, Match: []int{1}}
	if err := CheckMatchInvariant(&bad); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestParseCategory(t *testing.T) {
	k, err := ParseCategory("interactions")
	if err != nil || k != KindInteraction {
		t.Errorf("expected interaction kind, got %v %v", k, err)
	}
	if k.Category() != "interactions" {
		t.Errorf("expected round trip, got %s", k.Category())
	}
	if _, err := ParseCategory("voxels"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestWeighted(t *testing.T) {
	o := Object{Index: []int64{1, 2}, Depositions: []float64{0.5, 1.5}}
	if !o.Weighted() {
		t.Error("expected weighted object")
	}
	o.Depositions = o.Depositions[:1]
	if o.Weighted() {
		t.Error("expected mismatched depositions to be unweighted")
	}
}
