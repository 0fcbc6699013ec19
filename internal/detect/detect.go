// Package detect defines the boundary to the face detector/embedder model.
// detect() is treated as an opaque black-box function per §6.2/§9: no
// component outside this package's Detector interface may depend on a
// concrete model binding.
package detect

import "context"

// Face is one detected face with its recognition embedding.
type Face struct {
	Embedding []float32
	BBox      []float64 // x1, y1, x2, y2 corner coordinates in source-image pixels
	Score     float64   // detector confidence, used for tie-breaks
}

// Detector runs face detection + embedding extraction on a single frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, imageData []byte) ([]Face, error)
}

// Area returns the bounding-box area, used to pick the dominant face when a
// pose image yields more than one detection (§4.3 step 2).
func (f Face) Area() float64 {
	if len(f.BBox) != 4 {
		return 0
	}
	width := f.BBox[2] - f.BBox[0]
	height := f.BBox[3] - f.BBox[1]
	return width * height
}

// Dominant picks the face with the largest bounding-box area, tie-breaking
// on the highest detector score (§4.3 step 2: "≥2 faces -> choose the one
// with maximum bounding-box area (tie-break: highest detector score)").
func Dominant(faces []Face) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() || (f.Area() == best.Area() && f.Score > best.Score) {
			best = f
		}
	}
	return best, true
}
