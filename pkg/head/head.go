// Package head implements the SiamFC correlation head: the response map
// between exemplar and instance embeddings produced by a backbone network.
package head

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// DefaultOutScale keeps raw correlation sums in a range suited to the
// logistic loss.
const DefaultOutScale = 0.001

// Head computes scaled cross-correlation response maps
type Head struct {
	config Config
}

// Config holds configuration for the correlation head
type Config struct {
	OutScale float64 `json:"out_scale"`
}

// New creates a Head with the default output scale
func New() *Head {
	return &Head{config: Config{OutScale: DefaultOutScale}}
}

// NewWithConfig creates a Head with custom configuration
func NewWithConfig(config Config) *Head {
	return &Head{config: config}
}

// OutScale returns the factor applied to every response value.
func (h *Head) OutScale() float64 {
	return h.config.OutScale
}

// Forward correlates every instance in x (Nx, C, Hx, Wx) with every exemplar
// in z (Nz, C, Hz, Wz) and returns the scaled responses as
// (Nx, Nz, Hx-Hz+1, Wx-Wz+1). Plane [i, j] belongs to instance i and
// exemplar j.
//
// The exemplar batch is used directly as the filter bank of a single
// ungrouped convolution, so all Nx*Nz pairs are computed in one pass.
func (h *Head) Forward(z, x *tensor.Dense) (*tensor.Dense, error) {
	if _, _, err := checkPair(z, x); err != nil {
		return nil, err
	}
	return Conv2D(x, z, 1, float32(h.config.OutScale))
}

// Paired is the grouped "fast xcorr": instances are folded Nz at a time
// along the channel axis so that a convolution with groups = Nz correlates
// instance i only with exemplar i mod Nz. Nx must be a multiple of Nz; with
// Nx == Nz this is the usual one-exemplar-per-instance training batch.
// The result has shape (Nx, 1, Ho, Wo).
func (h *Head) Paired(z, x *tensor.Dense) (*tensor.Dense, error) {
	zs, xs, err := checkPair(z, x)
	if err != nil {
		return nil, err
	}
	if xs.N%zs.N != 0 {
		return nil, fmt.Errorf("instance batch %d is not a multiple of exemplar batch %d: %w",
			xs.N, zs.N, types.ErrShapeMismatch)
	}

	xd, _, _ := float32Data(x)
	folded := NewTensor(types.Shape4{N: xs.N / zs.N, C: zs.N * xs.C, H: xs.H, W: xs.W}, xd)

	out, err := Conv2D(folded, z, zs.N, float32(h.config.OutScale))
	if err != nil {
		return nil, err
	}
	od, outShape, _ := float32Data(out)
	return NewTensor(types.Shape4{N: xs.N, C: 1, H: outShape.H, W: outShape.W}, od), nil
}

// CrossCorrelate is the unscaled response of every (instance, exemplar)
// pair computed as an explicit sliding-window dot product. It has the
// same layout as Forward and serves as its reference.
func CrossCorrelate(z, x *tensor.Dense) (*tensor.Dense, error) {
	zs, xs, err := checkPair(z, x)
	if err != nil {
		return nil, err
	}
	zd, _, _ := float32Data(z)
	xd, _, _ := float32Data(x)

	ho, wo := xs.H-zs.H+1, xs.W-zs.W+1
	out := types.Shape4{N: xs.N, C: zs.N, H: ho, W: wo}
	od := make([]float32, out.Size())

	for i := 0; i < xs.N; i++ {
		for j := 0; j < zs.N; j++ {
			dst := od[(i*zs.N+j)*ho*wo : (i*zs.N+j+1)*ho*wo]
			for oy := 0; oy < ho; oy++ {
				for ox := 0; ox < wo; ox++ {
					var sum float32
					for c := 0; c < xs.C; c++ {
						for r := 0; r < zs.H; r++ {
							zoff := ((j*zs.C+c)*zs.H + r) * zs.W
							xoff := ((i*xs.C+c)*xs.H+oy+r)*xs.W + ox
							sum += blas32.Dot(
								blas32.Vector{N: zs.W, Inc: 1, Data: zd[zoff : zoff+zs.W]},
								blas32.Vector{N: zs.W, Inc: 1, Data: xd[xoff : xoff+zs.W]},
							)
						}
					}
					dst[oy*wo+ox] = sum
				}
			}
		}
	}

	return NewTensor(out, od), nil
}

func checkPair(z, x *tensor.Dense) (types.Shape4, types.Shape4, error) {
	_, zs, err := float32Data(z)
	if err != nil {
		return zs, types.Shape4{}, fmt.Errorf("exemplar: %w", err)
	}
	_, xs, err := float32Data(x)
	if err != nil {
		return zs, xs, fmt.Errorf("instance: %w", err)
	}
	if zs.C != xs.C {
		return zs, xs, fmt.Errorf("exemplar has %d channels, instance has %d: %w",
			zs.C, xs.C, types.ErrShapeMismatch)
	}
	if zs.H > xs.H || zs.W > xs.W {
		return zs, xs, fmt.Errorf("exemplar %dx%d larger than instance %dx%d: %w",
			zs.H, zs.W, xs.H, xs.W, types.ErrShapeMismatch)
	}
	if zs.N < 1 || xs.N < 1 || zs.H < 1 || zs.W < 1 {
		return zs, xs, fmt.Errorf("empty batch or exemplar: %w", types.ErrShapeMismatch)
	}
	return zs, xs, nil
}
