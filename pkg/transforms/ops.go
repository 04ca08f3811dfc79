package transforms

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// ToNRGBA returns img as an NRGBA image anchored at the origin, copying only
// when necessary.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	return imaging.Clone(img)
}

// MeanColor returns the per-channel average colour of the whole image,
// rounded to 8 bits.
func MeanColor(img *image.NRGBA) color.NRGBA {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return color.NRGBA{A: 255}
	}

	channels := [3][]float64{make([]float64, 0, n), make([]float64, 0, n), make([]float64, 0, n)}
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			channels[0] = append(channels[0], float64(row[x]))
			channels[1] = append(channels[1], float64(row[x+1]))
			channels[2] = append(channels[2], float64(row[x+2]))
		}
	}

	return color.NRGBA{
		R: saturate(stat.Mean(channels[0], nil)),
		G: saturate(stat.Mean(channels[1], nil)),
		B: saturate(stat.Mean(channels[2], nil)),
		A: 255,
	}
}

func saturate(v float64) uint8 {
	v = math.RoundToEven(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Pad surrounds img with n pixels of fill on every side.
func Pad(img *image.NRGBA, n int, fill color.Color) *image.NRGBA {
	if n <= 0 {
		return img
	}
	b := img.Bounds()
	canvas := imaging.New(b.Dx()+2*n, b.Dy()+2*n, fill)
	return imaging.Paste(canvas, img, image.Pt(n, n))
}

// MaxCropSide bounds the side of the square region CropAndResize will
// materialize before resampling.
const MaxCropSide = 1 << 14

// CropAndResize extracts the square of side size centred at center
// (0-indexed row/column), fills whatever falls outside img with border and
// resamples the patch to outSize x outSize. A region that misses img
// entirely yields a solid border patch.
func CropAndResize(img *image.NRGBA, center types.CenterBox, size float64, outSize int, border color.Color, interp Interpolation) (*image.NRGBA, error) {
	size = math.RoundToEven(size)
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 1 {
		return nil, fmt.Errorf("crop size %v: %w", size, types.ErrInvalidGeometry)
	}
	if size > MaxCropSide {
		return nil, fmt.Errorf("crop size %v exceeds %d: %w", size, MaxCropSide, types.ErrInvalidGeometry)
	}
	if outSize < 1 {
		return nil, fmt.Errorf("output size %d: %w", outSize, types.ErrInvalidGeometry)
	}

	b := img.Bounds()
	y0f := math.RoundToEven(center.Cy - (size-1)/2)
	x0f := math.RoundToEven(center.Cx - (size-1)/2)
	if math.IsNaN(y0f) || math.IsNaN(x0f) ||
		y0f >= float64(b.Dy()) || x0f >= float64(b.Dx()) || y0f+size <= 0 || x0f+size <= 0 {
		return imaging.New(outSize, outSize, border), nil
	}

	side := int(size)
	region := image.Rect(int(x0f), int(y0f), int(x0f)+side, int(y0f)+side).Add(b.Min)

	var patch *image.NRGBA
	if region.In(b) {
		patch = imaging.Crop(img, region)
	} else {
		inside := region.Intersect(b)
		canvas := imaging.New(side, side, border)
		patch = imaging.Paste(canvas, imaging.Crop(img, inside), inside.Min.Sub(region.Min))
	}
	return imaging.Resize(patch, outSize, outSize, interp.Filter()), nil
}

// ToTensor converts an HWC image into a (3, H, W) float32 tensor holding
// the raw 0..255 RGB values.
func ToTensor(img *image.NRGBA) *tensor.Dense {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	plane := h * w
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4])
			data[plane+i] = float32(row[x*4+1])
			data[2*plane+i] = float32(row[x*4+2])
		}
	}

	return tensor.New(tensor.WithShape(3, h, w), tensor.WithBacking(data))
}
