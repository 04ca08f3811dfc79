// Package loss builds training targets for SiamFC response maps and scores
// responses against them with a class-balanced logistic loss.
package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// Config holds label geometry and loss weighting
type Config struct {
	TotalStride int     `json:"total_stride"`
	RPos        float64 `json:"r_pos"`
	RNeg        float64 `json:"r_neg"`
	NegWeight   float64 `json:"neg_weight"`
}

// DefaultConfig returns the standard SiamFC label settings
func DefaultConfig() Config {
	return Config{
		TotalStride: 8,
		RPos:        16,
		RNeg:        0,
		NegWeight:   1,
	}
}

// Labels returns logistic labels for a response map of the given shape.
// A cell is positive (1) when its block distance from the map centre is
// within RPos/TotalStride, neutral (0.5) within RNeg/TotalStride and
// negative (0) otherwise. The same plane is repeated over N and C.
func Labels(shape types.Shape4, cfg Config) (*tensor.Dense, error) {
	if cfg.TotalStride < 1 {
		return nil, fmt.Errorf("total stride %d: %w", cfg.TotalStride, types.ErrInvalidGeometry)
	}
	if shape.Size() == 0 {
		return nil, fmt.Errorf("empty label shape %v: %w", shape.Ints(), types.ErrShapeMismatch)
	}

	rPos := cfg.RPos / float64(cfg.TotalStride)
	rNeg := cfg.RNeg / float64(cfg.TotalStride)

	plane := make([]float32, shape.H*shape.W)
	for y := 0; y < shape.H; y++ {
		dy := math.Abs(float64(y) - float64(shape.H-1)/2)
		for x := 0; x < shape.W; x++ {
			dist := math.Abs(float64(x)-float64(shape.W-1)/2) + dy
			switch {
			case dist <= rPos:
				plane[y*shape.W+x] = 1
			case dist < rNeg:
				plane[y*shape.W+x] = 0.5
			}
		}
	}

	data := make([]float32, 0, shape.Size())
	for i := 0; i < shape.N*shape.C; i++ {
		data = append(data, plane...)
	}
	return tensor.New(tensor.WithShape(shape.Ints()...), tensor.WithBacking(data)), nil
}

// BalancedWeights gives positives and negatives equal total weight:
// each positive gets 1/#pos, each negative NegWeight/#neg, neutral cells 0,
// and the result is normalized to sum to 1.
func BalancedWeights(labels []float32, negWeight float64) []float64 {
	var pos, neg int
	for _, l := range labels {
		switch l {
		case 1:
			pos++
		case 0:
			neg++
		}
	}

	weights := make([]float64, len(labels))
	for i, l := range labels {
		switch {
		case l == 1:
			weights[i] = 1 / float64(pos)
		case l == 0:
			weights[i] = negWeight / float64(neg)
		}
	}

	if sum := floats.Sum(weights); sum > 0 {
		floats.Scale(1/sum, weights)
	}
	return weights
}

// BalancedLoss is the weighted binary cross entropy between the response
// logits and labels, summed over every cell.
func BalancedLoss(response, labels *tensor.Dense, cfg Config) (float64, error) {
	if !response.Shape().Eq(labels.Shape()) {
		return 0, fmt.Errorf("response %v vs labels %v: %w", response.Shape(), labels.Shape(), types.ErrShapeMismatch)
	}
	logits, ok := response.Data().([]float32)
	if !ok {
		return 0, fmt.Errorf("response must be float32, got %v: %w", response.Dtype(), types.ErrShapeMismatch)
	}
	targets, ok := labels.Data().([]float32)
	if !ok {
		return 0, fmt.Errorf("labels must be float32, got %v: %w", labels.Dtype(), types.ErrShapeMismatch)
	}

	weights := BalancedWeights(targets, cfg.NegWeight)
	losses := make([]float64, len(logits))
	for i, z := range logits {
		losses[i] = bceWithLogits(float64(z), float64(targets[i]))
	}
	return floats.Dot(weights, losses), nil
}

// bceWithLogits is max(z,0) - z*t + log(1+exp(-|z|)), stable for large |z|.
func bceWithLogits(z, t float64) float64 {
	return math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
}
