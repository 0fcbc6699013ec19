package detect

import "testing"

func TestDominant_PicksLargestArea(t *testing.T) {
	faces := []Face{
		{BBox: []float64{0, 0, 10, 10}, Score: 0.9},
		{BBox: []float64{0, 0, 50, 50}, Score: 0.5},
	}
	got, ok := Dominant(faces)
	if !ok || got.Score != 0.5 {
		t.Fatalf("expected the larger face to win, got %+v (ok=%v)", got, ok)
	}
}

func TestDominant_TieBreaksOnScore(t *testing.T) {
	faces := []Face{
		{BBox: []float64{0, 0, 20, 20}, Score: 0.4},
		{BBox: []float64{0, 0, 20, 20}, Score: 0.9},
	}
	got, ok := Dominant(faces)
	if !ok || got.Score != 0.9 {
		t.Fatalf("expected equal-area tie to resolve on score, got %+v (ok=%v)", got, ok)
	}
}

func TestDominant_Empty(t *testing.T) {
	_, ok := Dominant(nil)
	if ok {
		t.Fatal("expected ok=false for no faces")
	}
}
