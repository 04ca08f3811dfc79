// Package dataset samples exemplar/instance training pairs from annotated
// video sequences stored as a directory of frames plus groundtruth.txt.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/menta2k/siamfc-go/internal/imageio"
	"github.com/menta2k/siamfc-go/internal/utils"
	"github.com/menta2k/siamfc-go/pkg/types"
)

// GroundTruthFile is the annotation file expected in every sequence directory
const GroundTruthFile = "groundtruth.txt"

// ErrNoValidFrames is returned when every annotation of a sequence is filtered out
var ErrNoValidFrames = errors.New("no valid frames")

// Config controls which annotated frames are eligible for sampling
type Config struct {
	FrameRange int     `json:"frame_range"`
	MinSide    float64 `json:"min_side"`
	MaxSide    float64 `json:"max_side"`
	MinRatio   float64 `json:"min_ratio"`
	MaxRatio   float64 `json:"max_ratio"`
	MinAspect  float64 `json:"min_aspect"`
	MaxAspect  float64 `json:"max_aspect"`
}

// DefaultConfig returns the filtering used for GOT-10k style training data
func DefaultConfig() Config {
	return Config{
		FrameRange: 100,
		MinSide:    20,
		MaxSide:    500,
		MinRatio:   0.01,
		MaxRatio:   0.5,
		MinAspect:  0.25,
		MaxAspect:  4,
	}
}

// Sequence is one annotated video
type Sequence struct {
	Dir    string
	Frames []string
	Boxes  []types.Box
	// Size of the first frame, used for the relative box filters.
	Size image.Point
}

// Sample is a sampled training pair
type Sample struct {
	IndexZ, IndexX int
	Z, X           *image.NRGBA
	BoxZ, BoxX     types.Box
}

// LoadSequence reads the frame list and annotations of dir
func LoadSequence(dir string) (*Sequence, error) {
	if !utils.DirExists(dir) {
		return nil, fmt.Errorf("sequence %s: %w", dir, os.ErrNotExist)
	}
	annotations := filepath.Join(dir, GroundTruthFile)
	if !utils.FileExists(annotations) {
		return nil, fmt.Errorf("sequence %s has no %s: %w", dir, GroundTruthFile, os.ErrNotExist)
	}

	frames, err := utils.ListFrames(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in %s: %w", dir, ErrNoValidFrames)
	}

	f, err := os.Open(annotations)
	if err != nil {
		return nil, fmt.Errorf("failed to open annotations: %w", err)
	}
	defer f.Close()

	boxes, err := ParseBoxes(f)
	if err != nil {
		return nil, err
	}
	if len(boxes) != len(frames) {
		return nil, fmt.Errorf("%s has %d frames but %d annotations", dir, len(frames), len(boxes))
	}

	size, err := frameSize(frames[0])
	if err != nil {
		return nil, err
	}

	return &Sequence{Dir: dir, Frames: frames, Boxes: boxes, Size: size}, nil
}

// ParseBoxes reads one x,y,w,h box per line; fields may be separated by
// commas, tabs or spaces. Blank lines are skipped.
func ParseBoxes(r io.Reader) ([]types.Box, error) {
	var boxes []types.Box
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.FieldsFunc(scanner.Text(), func(c rune) bool {
			return c == ',' || unicode.IsSpace(c)
		})
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("annotation line %d: expected 4 values, got %d", line, len(fields))
		}

		var v [4]float64
		for i, field := range fields {
			n, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("annotation line %d: %w", line, err)
			}
			v[i] = n
		}
		boxes = append(boxes, types.Box{X: v[0], Y: v[1], W: v[2], H: v[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	return boxes, nil
}

func frameSize(path string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, fmt.Errorf("failed to read frame size of %s: %w", path, err)
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// ValidIndices returns the frames whose boxes pass the size, ratio and
// aspect filters of cfg.
func (s *Sequence) ValidIndices(cfg Config) []int {
	var indices []int
	for i, b := range s.Boxes {
		if b.Validate() != nil {
			continue
		}
		if b.W < cfg.MinSide || b.H < cfg.MinSide || b.W > cfg.MaxSide || b.H > cfg.MaxSide {
			continue
		}
		if s.Size.X > 0 && s.Size.Y > 0 {
			rw, rh := b.W/float64(s.Size.X), b.H/float64(s.Size.Y)
			if rw < cfg.MinRatio || rh < cfg.MinRatio || rw > cfg.MaxRatio || rh > cfg.MaxRatio {
				continue
			}
		}
		aspect := b.W / math.Max(1, b.H)
		if aspect < cfg.MinAspect || aspect > cfg.MaxAspect {
			continue
		}
		indices = append(indices, i)
	}
	return indices
}

// SampleIndices picks an (exemplar, instance) frame pair, exemplar first,
// fewer than frameRange frames apart. Sequences with one or two valid
// frames always yield them directly.
func SampleIndices(rng *rand.Rand, indices []int, frameRange int) (int, int, error) {
	switch len(indices) {
	case 0:
		return 0, 0, ErrNoValidFrames
	case 1:
		return indices[0], indices[0], nil
	case 2:
		return indices[0], indices[1], nil
	}

	for attempt := 0; attempt < 100; attempt++ {
		a := rng.IntN(len(indices))
		b := rng.IntN(len(indices) - 1)
		if b >= a {
			b++
		}
		z, x := min(indices[a], indices[b]), max(indices[a], indices[b])
		if x-z < frameRange {
			return z, x, nil
		}
	}

	z := indices[rng.IntN(len(indices))]
	return z, z, nil
}

// Pair samples and loads a training pair from the sequence
func (s *Sequence) Pair(rng *rand.Rand, cfg Config) (Sample, error) {
	iz, ix, err := SampleIndices(rng, s.ValidIndices(cfg), cfg.FrameRange)
	if err != nil {
		return Sample{}, fmt.Errorf("%s: %w", s.Dir, err)
	}

	z, err := imageio.Load(s.Frames[iz])
	if err != nil {
		return Sample{}, fmt.Errorf("failed to load exemplar frame: %w", err)
	}
	x := z
	if ix != iz {
		if x, err = imageio.Load(s.Frames[ix]); err != nil {
			return Sample{}, fmt.Errorf("failed to load instance frame: %w", err)
		}
	}

	return Sample{
		IndexZ: iz,
		IndexX: ix,
		Z:      z,
		X:      x,
		BoxZ:   s.Boxes[iz],
		BoxX:   s.Boxes[ix],
	}, nil
}
