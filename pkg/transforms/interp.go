package transforms

import (
	"fmt"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// Interpolation selects the resampling kernel used when resizing a patch
type Interpolation int

// Resampling kernels drawn from during augmentation
const (
	Linear Interpolation = iota
	Cubic
	Area
	Nearest
	Lanczos
)

// Interpolations lists every kernel RandomInterpolation draws from
func Interpolations() []Interpolation {
	return []Interpolation{Linear, Cubic, Area, Nearest, Lanczos}
}

// RandomInterpolation picks one of the five kernels uniformly
func RandomInterpolation(rng *rand.Rand) Interpolation {
	return Interpolation(rng.IntN(int(Lanczos) + 1))
}

// Filter maps the kernel onto its imaging resample filter.
func (i Interpolation) Filter() imaging.ResampleFilter {
	switch i {
	case Cubic:
		return imaging.CatmullRom
	case Area:
		return imaging.Box
	case Nearest:
		return imaging.NearestNeighbor
	case Lanczos:
		return imaging.Lanczos
	default:
		return imaging.Linear
	}
}

func (i Interpolation) String() string {
	switch i {
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	case Area:
		return "area"
	case Nearest:
		return "nearest"
	case Lanczos:
		return "lanczos"
	default:
		return fmt.Sprintf("Interpolation(%d)", int(i))
	}
}

// ParseInterpolation is the inverse of String
func ParseInterpolation(name string) (Interpolation, error) {
	for _, i := range Interpolations() {
		if i.String() == name {
			return i, nil
		}
	}
	return Linear, fmt.Errorf("unknown interpolation %q", name)
}
