package head

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// NewTensor wraps data as a row-major float32 tensor of the given shape.
// A nil data slice allocates zeroed storage.
func NewTensor(shape types.Shape4, data []float32) *tensor.Dense {
	if data == nil {
		data = make([]float32, shape.Size())
	}
	return tensor.New(tensor.WithShape(shape.Ints()...), tensor.WithBacking(data))
}

// float32Data returns the backing slice and 4D shape of t.
func float32Data(t *tensor.Dense) ([]float32, types.Shape4, error) {
	if t == nil {
		return nil, types.Shape4{}, fmt.Errorf("nil tensor: %w", types.ErrShapeMismatch)
	}
	s, err := types.Shape4Of(t.Shape())
	if err != nil {
		return nil, s, err
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, s, fmt.Errorf("expected float32 tensor, got %v: %w", t.Dtype(), types.ErrShapeMismatch)
	}
	if len(data) != s.Size() {
		return nil, s, fmt.Errorf("tensor is not contiguous (%d values for shape %v): %w", len(data), t.Shape(), types.ErrShapeMismatch)
	}
	return data, s, nil
}

// Conv2D computes a grouped 2D cross-correlation with stride 1 and no
// padding, scaled by alpha.
//
// x has shape (N, groups*Cg, H, W) and w has shape (K, Cg, kh, kw) with K a
// multiple of groups. Output channel k only sees input channels of group
// k/(K/groups). The result has shape (N, K, H-kh+1, W-kw+1).
//
// Each (sample, group) pair is lowered with im2col and reduced by one GEMM.
func Conv2D(x, w *tensor.Dense, groups int, alpha float32) (*tensor.Dense, error) {
	xd, xs, err := float32Data(x)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	wd, ws, err := float32Data(w)
	if err != nil {
		return nil, fmt.Errorf("filters: %w", err)
	}
	if groups < 1 {
		return nil, fmt.Errorf("groups must be positive, got %d: %w", groups, types.ErrShapeMismatch)
	}
	if xs.C != groups*ws.C {
		return nil, fmt.Errorf("input has %d channels, filters expect %d groups of %d: %w",
			xs.C, groups, ws.C, types.ErrShapeMismatch)
	}
	if ws.N%groups != 0 {
		return nil, fmt.Errorf("%d filters do not split into %d groups: %w", ws.N, groups, types.ErrShapeMismatch)
	}
	if ws.H > xs.H || ws.W > xs.W || ws.H < 1 || ws.W < 1 {
		return nil, fmt.Errorf("filter %dx%d does not fit input %dx%d: %w",
			ws.H, ws.W, xs.H, xs.W, types.ErrShapeMismatch)
	}

	ho, wo := xs.H-ws.H+1, xs.W-ws.W+1
	kg := ws.N / groups
	patch := ws.C * ws.H * ws.W
	plane := ho * wo

	out := types.Shape4{N: xs.N, C: ws.N, H: ho, W: wo}
	od := make([]float32, out.Size())
	cols := make([]float32, patch*plane)

	for n := 0; n < xs.N; n++ {
		for g := 0; g < groups; g++ {
			src := xd[(n*xs.C+g*ws.C)*xs.H*xs.W : (n*xs.C+(g+1)*ws.C)*xs.H*xs.W]
			im2col(src, ws.C, xs.H, xs.W, ws.H, ws.W, cols)

			a := blas32.General{Rows: kg, Cols: patch, Stride: patch, Data: wd[g*kg*patch : (g+1)*kg*patch]}
			b := blas32.General{Rows: patch, Cols: plane, Stride: plane, Data: cols}
			c := blas32.General{Rows: kg, Cols: plane, Stride: plane, Data: od[(n*ws.N+g*kg)*plane : (n*ws.N+(g+1)*kg)*plane]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, a, b, 0, c)
		}
	}

	return NewTensor(out, od), nil
}

// im2col lays out every kh x kw window of a (c, h, w) block as a column of
// cols, which must hold c*kh*kw rows of (h-kh+1)*(w-kw+1) values.
func im2col(src []float32, c, h, w, kh, kw int, cols []float32) {
	ho, wo := h-kh+1, w-kw+1
	row := 0
	for ch := 0; ch < c; ch++ {
		base := ch * h * w
		for i := 0; i < kh; i++ {
			for j := 0; j < kw; j++ {
				dst := cols[row*ho*wo : (row+1)*ho*wo]
				for oy := 0; oy < ho; oy++ {
					copy(dst[oy*wo:(oy+1)*wo], src[base+(oy+i)*w+j:base+(oy+i)*w+j+wo])
				}
				row++
			}
		}
	}
}
