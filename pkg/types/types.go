package types

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShapeMismatch is returned when tensor shapes cannot be combined,
	// e.g. exemplar and instance embeddings with different channel counts.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidGeometry is returned for degenerate boxes or crop sizes.
	ErrInvalidGeometry = errors.New("invalid geometry")
)

// Box is an axis-aligned rectangle in the 1-indexed corner convention used
// by tracking benchmarks: (X, Y) is the top-left pixel, W and H its extent.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CenterBox is a 0-indexed, centre-based box.
type CenterBox struct {
	Cy float64 `json:"cy"`
	Cx float64 `json:"cx"`
	H  float64 `json:"h"`
	W  float64 `json:"w"`
}

// Validate reports ErrInvalidGeometry for boxes without a positive, finite extent.
func (b Box) Validate() error {
	for _, v := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("box %v has non-finite coordinates: %w", b, ErrInvalidGeometry)
		}
	}
	if b.W <= 0 || b.H <= 0 {
		return fmt.Errorf("box %v has non-positive size: %w", b, ErrInvalidGeometry)
	}
	return nil
}

// Center converts the box to its 0-indexed centre form.
func (b Box) Center() CenterBox {
	return CenterBox{
		Cy: b.Y - 1 + (b.H-1)/2,
		Cx: b.X - 1 + (b.W-1)/2,
		H:  b.H,
		W:  b.W,
	}
}

func (b Box) String() string {
	return fmt.Sprintf("(%g,%g,%g,%g)", b.X, b.Y, b.W, b.H)
}

// Shape4 names the dimensions of an (N, C, H, W) tensor.
type Shape4 struct {
	N, C, H, W int
}

// Shape4Of unpacks a 4D shape, failing with ErrShapeMismatch otherwise.
func Shape4Of(shape []int) (Shape4, error) {
	if len(shape) != 4 {
		return Shape4{}, fmt.Errorf("expected 4D tensor, got shape %v: %w", shape, ErrShapeMismatch)
	}
	return Shape4{N: shape[0], C: shape[1], H: shape[2], W: shape[3]}, nil
}

// Ints returns the shape as a slice suitable for tensor.WithShape.
func (s Shape4) Ints() []int {
	return []int{s.N, s.C, s.H, s.W}
}

// Size is the total number of elements.
func (s Shape4) Size() int {
	return s.N * s.C * s.H * s.W
}
