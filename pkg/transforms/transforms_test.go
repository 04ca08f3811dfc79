package transforms

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// createTestImage creates an image with a bright square subject on a gradient
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.NRGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.NRGBA{uint8(x * 255 / width), uint8(y * 255 / height), 64, 255})
			}
		}
	}

	return img
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func quietPipeline(cfg Config) *Pipeline {
	p := NewWithConfig(cfg)
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	p.SetLogger(logger)
	return p
}

func TestNew(t *testing.T) {
	p := New()
	cfg := p.Config()

	if cfg.ExemplarSize != 127 || cfg.InstanceSize != 255 {
		t.Errorf("Expected 127/255 defaults, got %d/%d", cfg.ExemplarSize, cfg.InstanceSize)
	}
	if cfg.Context != 0.5 {
		t.Errorf("Expected context 0.5, got %f", cfg.Context)
	}
	if !p.InstanceShape().Eq([]int{3, 239, 239}) {
		t.Errorf("Expected instance shape (3,239,239), got %v", p.InstanceShape())
	}
}

func TestCropWithContextIdentity(t *testing.T) {
	img := createTestImage(64, 64)
	p := quietPipeline(Config{ExemplarSize: 64, InstanceSize: 255, Context: 0})

	for _, interp := range Interpolations() {
		patch, err := p.Eval(img, types.Box{X: 1, Y: 1, W: 64, H: 64}, 64, interp)
		if err != nil {
			t.Fatalf("Eval failed with %s: %v", interp, err)
		}
		if !bytes.Equal(patch.Pix, img.Pix) {
			t.Errorf("Expected unchanged pixels with %s kernel", interp)
		}
	}
}

func TestCropWithContextPadsWithMeanColor(t *testing.T) {
	// Left half red, right half blue: the mean differs from every real pixel.
	img := imaging.New(100, 100, color.NRGBA{0, 0, 255, 255})
	img = imaging.Paste(img, imaging.New(50, 100, color.NRGBA{255, 0, 0, 255}), image.Pt(0, 0))

	want := MeanColor(img)
	if want != (color.NRGBA{128, 0, 128, 255}) {
		t.Fatalf("Unexpected mean color %v", want)
	}

	// A 20px crop centred on (4.5, 4.5) overhangs the top-left corner by 5px.
	p := quietPipeline(Config{ExemplarSize: 20, InstanceSize: 255, Context: 0})
	patch, err := p.Eval(img, types.Box{X: 1, Y: 1, W: 10, H: 10}, 40, Nearest)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	if got := patch.NRGBAAt(0, 0); got != want {
		t.Errorf("Expected border pixel %v, got %v", want, got)
	}
	if got := patch.NRGBAAt(39, 0); got != want {
		t.Errorf("Expected border pixel %v, got %v", want, got)
	}
	if got := patch.NRGBAAt(12, 12); got != (color.NRGBA{255, 0, 0, 255}) {
		t.Errorf("Expected image pixel inside crop, got %v", got)
	}
}

func TestSolidImageStaysSolid(t *testing.T) {
	fill := color.NRGBA{10, 200, 30, 255}
	img := imaging.New(40, 40, fill)
	p := quietPipeline(DefaultConfig())

	patch, err := p.CropWithContext(img, types.Box{X: 30, Y: 30, W: 20, H: 20}, 255, newRand(1))
	if err != nil {
		t.Fatalf("CropWithContext failed: %v", err)
	}
	for _, pt := range []image.Point{{0, 0}, {254, 0}, {0, 254}, {254, 254}, {127, 127}} {
		if got := patch.NRGBAAt(pt.X, pt.Y); got != fill {
			t.Errorf("Expected %v at %v, got %v", fill, pt, got)
		}
	}
}

func TestContextSize(t *testing.T) {
	p := New()

	size, err := p.ContextSize(types.Box{X: 1, Y: 1, W: 50, H: 80}, 127)
	if err != nil {
		t.Fatalf("ContextSize failed: %v", err)
	}
	want := math.Sqrt((50 + 65) * (80 + 65))
	if math.Abs(size-want) > 1e-9 {
		t.Errorf("Expected %f, got %f", want, size)
	}

	size255, _ := p.ContextSize(types.Box{X: 1, Y: 1, W: 50, H: 80}, 255)
	if math.Abs(size255-want*255/127) > 1e-9 {
		t.Errorf("Expected instance crop scaled by 255/127, got %f", size255)
	}
}

func TestInvalidGeometry(t *testing.T) {
	p := quietPipeline(DefaultConfig())
	img := createTestImage(100, 100)

	boxes := []types.Box{
		{X: 10, Y: 10, W: 0, H: 10},
		{X: 10, Y: 10, W: 10, H: -5},
		{X: 10, Y: 10, W: math.NaN(), H: 10},
		{X: 10, Y: 10, W: math.Inf(1), H: 10},
	}
	for _, box := range boxes {
		_, err := p.Prepare(newRand(1), img, img, box, types.Box{X: 1, Y: 1, W: 10, H: 10})
		if !errors.Is(err, types.ErrInvalidGeometry) {
			t.Errorf("Expected invalid geometry for %v, got %v", box, err)
		}
	}
}

func TestCropFarOutsideFrame(t *testing.T) {
	img := createTestImage(64, 64)
	box := types.Box{X: -3e9, Y: 10, W: 20, H: 20}
	if err := box.Validate(); err != nil {
		t.Fatalf("Expected a valid box, got %v", err)
	}

	p := quietPipeline(DefaultConfig())
	pair, err := p.Prepare(newRand(1), img, img, box, box)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !pair.Exemplar.Shape().Eq(p.ExemplarShape()) {
		t.Errorf("Unexpected exemplar shape %v", pair.Exemplar.Shape())
	}

	// Nothing of the frame is visible, so the patch is all mean colour.
	mean := MeanColor(img)
	data := pair.Exemplar.Data().([]float32)
	plane := len(data) / 3
	for c, want := range []uint8{mean.R, mean.G, mean.B} {
		for _, v := range data[c*plane : (c+1)*plane] {
			if v != float32(want) {
				t.Fatalf("Channel %d: expected %d everywhere, got %f", c, want, v)
			}
		}
	}
}

func TestCropAndResizeOverhangMatchesPadding(t *testing.T) {
	img := createTestImage(50, 40)
	border := color.NRGBA{1, 2, 3, 255}
	center := types.CenterBox{Cy: 5, Cx: 45, H: 10, W: 10}

	got, err := CropAndResize(img, center, 21, 21, border, Nearest)
	if err != nil {
		t.Fatalf("CropAndResize failed: %v", err)
	}

	// Corners at (-5, 35) overhang the top by 5 and the right by 6.
	padded := Pad(img, 6, border)
	want := imaging.Crop(padded, image.Rect(35+6, -5+6, 56+6, 16+6))
	if !bytes.Equal(got.Pix, want.Pix) {
		t.Error("Expected the overhanging crop to match a border-padded crop")
	}
}

func TestCropTooLarge(t *testing.T) {
	img := createTestImage(64, 64)

	_, err := CropAndResize(img, types.CenterBox{Cy: 32, Cx: 32}, MaxCropSide+1, 127, color.Black, Linear)
	if !errors.Is(err, types.ErrInvalidGeometry) {
		t.Errorf("Expected invalid geometry, got %v", err)
	}

	box := types.Box{X: 1, Y: 1, W: 1e6, H: 1e6}
	p := quietPipeline(DefaultConfig())
	if _, err := p.Prepare(newRand(1), img, img, box, box); !errors.Is(err, types.ErrInvalidGeometry) {
		t.Errorf("Expected invalid geometry for %v, got %v", box, err)
	}
}

func TestCenterCropIdempotent(t *testing.T) {
	img := createTestImage(50, 50)

	out, err := NewCenterCrop(50).Apply(img, nil)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	if !bytes.Equal(out.Pix, img.Pix) {
		t.Error("Center crop to the same size should return the image unchanged")
	}
}

func TestCenterCropShrinks(t *testing.T) {
	img := createTestImage(60, 40)

	out, err := CenterCrop{Width: 20, Height: 10}.Apply(img, nil)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	if out.Bounds().Dx() != 20 || out.Bounds().Dy() != 10 {
		t.Fatalf("Expected 20x10, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
	if out.NRGBAAt(0, 0) != img.NRGBAAt(20, 15) {
		t.Error("Expected crop to start at (20, 15)")
	}
}

func TestCenterCropPads(t *testing.T) {
	img := createTestImage(10, 10)
	mean := MeanColor(img)

	for _, size := range []int{13, 15, 16} {
		out, err := NewCenterCrop(size).Apply(img, nil)
		if err != nil {
			t.Fatalf("CenterCrop failed: %v", err)
		}
		if out.Bounds().Dx() != size || out.Bounds().Dy() != size {
			t.Errorf("Expected %dx%d, got %dx%d", size, size, out.Bounds().Dx(), out.Bounds().Dy())
		}
		if out.NRGBAAt(0, 0) != mean {
			t.Errorf("Expected padding %v, got %v", mean, out.NRGBAAt(0, 0))
		}
	}
}

func TestRandomCrop(t *testing.T) {
	img := createTestImage(30, 30)
	crop := NewRandomCrop(20)

	a, err := crop.Apply(img, newRand(7))
	if err != nil {
		t.Fatalf("RandomCrop failed: %v", err)
	}
	b, _ := crop.Apply(img, newRand(7))

	if a.Bounds().Dx() != 20 || a.Bounds().Dy() != 20 {
		t.Errorf("Expected 20x20, got %v", a.Bounds())
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("Expected the same crop for the same seed")
	}
}

func TestRandomCropPadsSmallSource(t *testing.T) {
	img := createTestImage(10, 12)

	out, err := NewRandomCrop(15).Apply(img, newRand(3))
	if err != nil {
		t.Fatalf("RandomCrop failed: %v", err)
	}
	if out.Bounds().Dx() != 15 || out.Bounds().Dy() != 15 {
		t.Errorf("Expected 15x15, got %v", out.Bounds())
	}
}

func TestRandomStretch(t *testing.T) {
	img := createTestImage(100, 100)
	stretch := RandomStretch{MaxStretch: 0.05}
	rng := newRand(11)

	for i := 0; i < 20; i++ {
		out, err := stretch.Apply(img, rng)
		if err != nil {
			t.Fatalf("RandomStretch failed: %v", err)
		}
		w, h := out.Bounds().Dx(), out.Bounds().Dy()
		if w < 95 || w > 105 || w != h {
			t.Errorf("Stretched size %dx%d outside [95, 105]", w, h)
		}
	}
}

func TestMeanColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{0, 10, 255, 255})
	img.SetNRGBA(1, 0, color.NRGBA{100, 20, 255, 255})

	if got := MeanColor(img); got != (color.NRGBA{50, 15, 255, 255}) {
		t.Errorf("Unexpected mean %v", got)
	}
}

func TestToTensor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{1, 2, 3, 255})
	img.SetNRGBA(1, 0, color.NRGBA{4, 5, 6, 255})

	tt := ToTensor(img)
	if !tt.Shape().Eq([]int{3, 1, 2}) {
		t.Fatalf("Expected shape (3,1,2), got %v", tt.Shape())
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	got := tt.Data().([]float32)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestInterpolation(t *testing.T) {
	seen := map[Interpolation]bool{}
	rng := newRand(5)
	for i := 0; i < 200; i++ {
		seen[RandomInterpolation(rng)] = true
	}
	if len(seen) != 5 {
		t.Errorf("Expected all 5 kernels to be drawn, got %d", len(seen))
	}

	for _, interp := range Interpolations() {
		parsed, err := ParseInterpolation(interp.String())
		if err != nil || parsed != interp {
			t.Errorf("Round trip of %s failed: %v", interp, err)
		}
	}
	if _, err := ParseInterpolation("bogus"); err == nil {
		t.Error("Expected error for unknown kernel")
	}
}

func TestPrepareEndToEnd(t *testing.T) {
	img := imaging.New(640, 480, color.NRGBA{128, 128, 128, 255})
	box := types.Box{X: 100, Y: 100, W: 50, H: 80}
	p := quietPipeline(DefaultConfig())

	pair, err := p.Prepare(newRand(42), img, img, box, box)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if !pair.Exemplar.Shape().Eq([]int{3, 127, 127}) {
		t.Errorf("Expected exemplar (3,127,127), got %v", pair.Exemplar.Shape())
	}
	if !pair.Instance.Shape().Eq([]int{3, 239, 239}) {
		t.Errorf("Expected instance (3,239,239), got %v", pair.Instance.Shape())
	}

	for name, data := range map[string][]float32{
		"exemplar": pair.Exemplar.Data().([]float32),
		"instance": pair.Instance.Data().([]float32),
	} {
		for i, v := range data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("%s value %d is not finite", name, i)
			}
			if v != 128 {
				t.Fatalf("%s value %d: expected 128 on a gray image, got %f", name, i, v)
			}
		}
	}
}

func TestPrepareExemplarShapeInvariant(t *testing.T) {
	p := quietPipeline(DefaultConfig())
	rng := newRand(9)

	images := []*image.NRGBA{createTestImage(320, 240), createTestImage(90, 400), createTestImage(1000, 60)}
	boxes := []types.Box{
		{X: 10, Y: 10, W: 200, H: 20},
		{X: 50, Y: 30, W: 5, H: 150},
		{X: 1, Y: 1, W: 1, H: 1},
		{X: -40, Y: 500, W: 60, H: 60},
	}

	for _, img := range images {
		for _, box := range boxes {
			pair, err := p.Prepare(rng, img, img, box, box)
			if err != nil {
				t.Fatalf("Prepare failed for %v: %v", box, err)
			}
			if !pair.Exemplar.Shape().Eq(p.ExemplarShape()) {
				t.Errorf("Exemplar shape %v for box %v", pair.Exemplar.Shape(), box)
			}
			if !pair.Instance.Shape().Eq(p.InstanceShape()) {
				t.Errorf("Instance shape %v for box %v", pair.Instance.Shape(), box)
			}
		}
	}
}

func TestPrepareDeterministic(t *testing.T) {
	img := createTestImage(200, 150)
	box := types.Box{X: 70, Y: 50, W: 60, H: 40}
	p := quietPipeline(DefaultConfig())

	a, err := p.Prepare(newRand(123), img, img, box, box)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b, _ := p.Prepare(newRand(123), img, img, box, box)

	av, bv := a.Instance.Data().([]float32), b.Instance.Data().([]float32)
	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("Instance tensors differ at %d for the same seed", i)
		}
	}
}

func BenchmarkPrepare(b *testing.B) {
	img := createTestImage(640, 480)
	box := types.Box{X: 100, Y: 100, W: 50, H: 80}
	p := quietPipeline(DefaultConfig())
	rng := newRand(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Prepare(rng, img, img, box, box)
	}
}
