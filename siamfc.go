// Package siamfc provides the training-side core of a SiamFC visual object
// tracker.
//
// A fully-convolutional Siamese tracker embeds a small exemplar patch of
// the target and a larger instance (search) patch with the same backbone,
// then cross-correlates the two embeddings. The peak of the resulting
// response map locates the target in the search patch.
//
// Basic usage:
//
//	package main
//
//	import (
//		"log"
//		"math/rand/v2"
//
//		"github.com/disintegration/imaging"
//		"github.com/menta2k/siamfc-go"
//		"github.com/menta2k/siamfc-go/pkg/types"
//	)
//
//	func main() {
//		tracker := siamfc.New()
//		rng := rand.New(rand.NewPCG(1, 2))
//
//		frame, err := imaging.Open("00000001.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		box := types.Box{X: 100, Y: 100, W: 50, H: 80}
//
//		// Exemplar (3,127,127) and instance (3,239,239) tensors
//		pair, err := tracker.Prepare(rng, frame, frame, box, box)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// ... run pair through a backbone, then
//		// response, err := tracker.Respond(zEmbedding, xEmbedding)
//	}
//
// The package consists of three main components:
//
// 1. Transforms (pkg/transforms): context cropping and augmentation of training pairs
// 2. Head (pkg/head): batched cross-correlation of embeddings
// 3. Loss (pkg/loss): logistic labels and a class-balanced loss for response maps
//
// The backbone network, the online tracking loop and scale search are not
// part of this module.
package siamfc

import (
	"fmt"
	"image"
	"math/rand/v2"

	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/head"
	"github.com/menta2k/siamfc-go/pkg/loss"
	"github.com/menta2k/siamfc-go/pkg/transforms"
	"github.com/menta2k/siamfc-go/pkg/types"
)

// Version of the siamfc library
const Version = "1.0.0"

// SiamFC combines the pair transforms, correlation head and loss
type SiamFC struct {
	pipeline *transforms.Pipeline
	head     *head.Head
	loss     loss.Config
}

// New creates a SiamFC with default configuration
func New() *SiamFC {
	return &SiamFC{
		pipeline: transforms.New(),
		head:     head.New(),
		loss:     loss.DefaultConfig(),
	}
}

// NewWithConfig creates a SiamFC with custom configuration
func NewWithConfig(transformConfig transforms.Config, headConfig head.Config, lossConfig loss.Config) *SiamFC {
	return &SiamFC{
		pipeline: transforms.NewWithConfig(transformConfig),
		head:     head.NewWithConfig(headConfig),
		loss:     lossConfig,
	}
}

// Pipeline exposes the underlying transform pipeline
func (s *SiamFC) Pipeline() *transforms.Pipeline {
	return s.pipeline
}

// Prepare crops and augments an exemplar/instance training pair
func (s *SiamFC) Prepare(rng *rand.Rand, z, x image.Image, boxZ, boxX types.Box) (transforms.Pair, error) {
	return s.pipeline.Prepare(rng, z, x, boxZ, boxX)
}

// Respond returns the (Nx, Nz, Ho, Wo) response of every instance
// embedding against every exemplar embedding
func (s *SiamFC) Respond(z, x *tensor.Dense) (*tensor.Dense, error) {
	return s.head.Forward(z, x)
}

// RespondPaired returns the (Nx, 1, Ho, Wo) response of each instance
// against its own exemplar
func (s *SiamFC) RespondPaired(z, x *tensor.Dense) (*tensor.Dense, error) {
	return s.head.Paired(z, x)
}

// Loss scores a response map against the logistic labels for its shape
func (s *SiamFC) Loss(response *tensor.Dense) (float64, error) {
	shape, err := types.Shape4Of(response.Shape())
	if err != nil {
		return 0, err
	}
	labels, err := loss.Labels(shape, s.loss)
	if err != nil {
		return 0, err
	}
	return loss.BalancedLoss(response, labels, s.loss)
}

// Batch stacks equally shaped (C, H, W) float32 tensors into one
// (N, C, H, W) tensor
func Batch(items ...*tensor.Dense) (*tensor.Dense, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("empty batch: %w", types.ErrShapeMismatch)
	}
	first := items[0].Shape()
	if len(first) != 3 {
		return nil, fmt.Errorf("expected (C, H, W) items, got %v: %w", first, types.ErrShapeMismatch)
	}

	shape := types.Shape4{N: len(items), C: first[0], H: first[1], W: first[2]}
	data := make([]float32, 0, shape.Size())
	for i, item := range items {
		if !item.Shape().Eq(first) {
			return nil, fmt.Errorf("item %d has shape %v, want %v: %w", i, item.Shape(), first, types.ErrShapeMismatch)
		}
		values, ok := item.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("item %d is %v, want float32: %w", i, item.Dtype(), types.ErrShapeMismatch)
		}
		data = append(data, values...)
	}
	return head.NewTensor(shape, data), nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
