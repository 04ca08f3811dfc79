// Package transforms turns raw (image, box) pairs into fixed-size exemplar
// and instance tensors for training a SiamFC network.
//
// Both images of a pair are first cropped around their box with context
// padding onto an InstanceSize canvas, then run through an augmentation
// sequence:
//
//	exemplar: stretch -> center(InstanceSize-8) -> random(InstanceSize-16) -> center(ExemplarSize)
//	instance: stretch -> center(InstanceSize-8) -> random(InstanceSize-16)
//
// The 8 pixel margins leave the random crop room to jitter the target
// without ever sampling outside the context crop.
package transforms

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// Default SiamFC training geometry
const (
	DefaultExemplarSize = 127
	DefaultInstanceSize = 255
	DefaultContext      = 0.5
	DefaultMaxStretch   = 0.05

	// margin is the per-step shrink between the context crop and the
	// final instance size.
	margin = 8
)

// Config holds the fixed geometry of a Pipeline
type Config struct {
	ExemplarSize int     `json:"exemplar_sz"`
	InstanceSize int     `json:"instance_sz"`
	Context      float64 `json:"context"`
	MaxStretch   float64 `json:"max_stretch"`
}

// DefaultConfig returns the standard 127/255 configuration
func DefaultConfig() Config {
	return Config{
		ExemplarSize: DefaultExemplarSize,
		InstanceSize: DefaultInstanceSize,
		Context:      DefaultContext,
		MaxStretch:   DefaultMaxStretch,
	}
}

// Pipeline prepares training pairs
type Pipeline struct {
	config     Config
	exemplarTF Compose
	instanceTF Compose
	logger     logrus.FieldLogger
}

// Pair is a prepared exemplar/instance tensor pair, each (3, H, W).
type Pair struct {
	Exemplar *tensor.Dense
	Instance *tensor.Dense
}

// New creates a Pipeline with the default configuration
func New() *Pipeline {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Pipeline with custom configuration
func NewWithConfig(config Config) *Pipeline {
	stretch := RandomStretch{MaxStretch: config.MaxStretch}
	return &Pipeline{
		config: config,
		exemplarTF: Compose{
			stretch,
			NewCenterCrop(config.InstanceSize - margin),
			NewRandomCrop(config.InstanceSize - 2*margin),
			NewCenterCrop(config.ExemplarSize),
		},
		instanceTF: Compose{
			stretch,
			NewCenterCrop(config.InstanceSize - margin),
			NewRandomCrop(config.InstanceSize - 2*margin),
		},
		logger: logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used for crop geometry traces
func (p *Pipeline) SetLogger(logger logrus.FieldLogger) {
	p.logger = logger
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.config
}

// ExemplarShape is the (C, H, W) shape of every prepared exemplar.
func (p *Pipeline) ExemplarShape() tensor.Shape {
	return tensor.Shape{3, p.config.ExemplarSize, p.config.ExemplarSize}
}

// InstanceShape is the (C, H, W) shape of every prepared instance.
func (p *Pipeline) InstanceShape() tensor.Shape {
	s := p.config.InstanceSize - 2*margin
	return tensor.Shape{3, s, s}
}

// ContextSize is the side, in source pixels, of the square crop taken
// around box so that it maps onto an outSize canvas at exemplar scale.
func (p *Pipeline) ContextSize(box types.Box, outSize int) (float64, error) {
	if err := box.Validate(); err != nil {
		return 0, err
	}
	context := p.config.Context * (box.W + box.H)
	size := math.Sqrt((box.W + context) * (box.H + context))
	size *= float64(outSize) / float64(p.config.ExemplarSize)
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return 0, fmt.Errorf("context size %v for box %v: %w", size, box, types.ErrInvalidGeometry)
	}
	return size, nil
}

// CropWithContext crops a square context region around box and resamples
// it to outSize x outSize with a randomly chosen kernel. Regions outside
// the image take the image's mean colour.
func (p *Pipeline) CropWithContext(img image.Image, box types.Box, outSize int, rng *rand.Rand) (*image.NRGBA, error) {
	return p.crop(img, box, outSize, RandomInterpolation(rng))
}

// Eval is the deterministic counterpart of CropWithContext for inference:
// the kernel is fixed and nothing is augmented.
func (p *Pipeline) Eval(img image.Image, box types.Box, outSize int, interp Interpolation) (*image.NRGBA, error) {
	return p.crop(img, box, outSize, interp)
}

func (p *Pipeline) crop(img image.Image, box types.Box, outSize int, interp Interpolation) (*image.NRGBA, error) {
	size, err := p.ContextSize(box, outSize)
	if err != nil {
		return nil, err
	}
	src := ToNRGBA(img)
	avg := MeanColor(src)

	p.logger.WithFields(logrus.Fields{
		"box":    box.String(),
		"size":   size,
		"out":    outSize,
		"interp": interp.String(),
	}).Debug("crop with context")

	return CropAndResize(src, box.Center(), size, outSize, avg, interp)
}

// Prepare builds one training pair from an exemplar frame z and an
// instance frame x with their target boxes. All randomness is drawn from rng.
func (p *Pipeline) Prepare(rng *rand.Rand, z, x image.Image, boxZ, boxX types.Box) (Pair, error) {
	zp, err := p.CropWithContext(z, boxZ, p.config.InstanceSize, rng)
	if err != nil {
		return Pair{}, fmt.Errorf("exemplar crop: %w", err)
	}
	xp, err := p.CropWithContext(x, boxX, p.config.InstanceSize, rng)
	if err != nil {
		return Pair{}, fmt.Errorf("instance crop: %w", err)
	}

	if zp, err = p.exemplarTF.Apply(zp, rng); err != nil {
		return Pair{}, fmt.Errorf("exemplar augmentation: %w", err)
	}
	if xp, err = p.instanceTF.Apply(xp, rng); err != nil {
		return Pair{}, fmt.Errorf("instance augmentation: %w", err)
	}

	return Pair{Exemplar: ToTensor(zp), Instance: ToTensor(xp)}, nil
}
