package transforms

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// Transform is one step of an augmentation sequence. Randomized steps draw
// from rng only; deterministic steps ignore it.
type Transform interface {
	Apply(img *image.NRGBA, rng *rand.Rand) (*image.NRGBA, error)
}

// Compose applies transforms in order
type Compose []Transform

// Apply runs every step, stopping at the first error.
func (c Compose) Apply(img *image.NRGBA, rng *rand.Rand) (*image.NRGBA, error) {
	var err error
	for i, t := range c {
		img, err = t.Apply(img, rng)
		if err != nil {
			return nil, fmt.Errorf("step %d (%T): %w", i, t, err)
		}
	}
	return img, nil
}

// RandomStretch rescales both sides by one factor drawn from
// [1-MaxStretch, 1+MaxStretch] using a random kernel.
type RandomStretch struct {
	MaxStretch float64
}

// Apply implements Transform
func (s RandomStretch) Apply(img *image.NRGBA, rng *rand.Rand) (*image.NRGBA, error) {
	interp := RandomInterpolation(rng)
	scale := distuv.Uniform{Min: 1 - s.MaxStretch, Max: 1 + s.MaxStretch, Src: rng}.Rand()

	b := img.Bounds()
	w := int(math.RoundToEven(float64(b.Dx()) * scale))
	h := int(math.RoundToEven(float64(b.Dy()) * scale))
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("stretch %.3f of %dx%d: %w", scale, b.Dx(), b.Dy(), types.ErrInvalidGeometry)
	}
	return imaging.Resize(img, w, h, interp.Filter()), nil
}

// CenterCrop cuts the central Width x Height region, padding with the
// image's mean colour when the region overhangs.
type CenterCrop struct {
	Width, Height int
}

// NewCenterCrop creates a square CenterCrop
func NewCenterCrop(size int) CenterCrop {
	return CenterCrop{Width: size, Height: size}
}

// Apply implements Transform
func (c CenterCrop) Apply(img *image.NRGBA, _ *rand.Rand) (*image.NRGBA, error) {
	if c.Width < 1 || c.Height < 1 {
		return nil, fmt.Errorf("center crop %dx%d: %w", c.Width, c.Height, types.ErrInvalidGeometry)
	}
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	i := int(math.RoundToEven(float64(h-c.Height) / 2))
	j := int(math.RoundToEven(float64(w-c.Width) / 2))

	if npad := max(0, -i, -j, i+c.Height-h, j+c.Width-w); npad > 0 {
		img = Pad(img, npad, MeanColor(img))
		i += npad
		j += npad
	}
	return imaging.Crop(img, image.Rect(j, i, j+c.Width, i+c.Height)), nil
}

// RandomCrop cuts a Width x Height region at a uniformly random offset.
// Sources smaller than the region are first padded with their mean colour.
type RandomCrop struct {
	Width, Height int
}

// NewRandomCrop creates a square RandomCrop
func NewRandomCrop(size int) RandomCrop {
	return RandomCrop{Width: size, Height: size}
}

// Apply implements Transform
func (c RandomCrop) Apply(img *image.NRGBA, rng *rand.Rand) (*image.NRGBA, error) {
	if c.Width < 1 || c.Height < 1 {
		return nil, fmt.Errorf("random crop %dx%d: %w", c.Width, c.Height, types.ErrInvalidGeometry)
	}
	b := img.Bounds()
	if npad := max(0, (c.Height-b.Dy()+1)/2, (c.Width-b.Dx()+1)/2); npad > 0 {
		img = Pad(img, npad, MeanColor(img))
		b = img.Bounds()
	}

	i := rng.IntN(b.Dy() - c.Height + 1)
	j := rng.IntN(b.Dx() - c.Width + 1)
	return imaging.Crop(img, image.Rect(j, i, j+c.Width, i+c.Height)), nil
}
