package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/menta2k/siamfc-go"
	"github.com/menta2k/siamfc-go/internal/config"
	"github.com/menta2k/siamfc-go/internal/dataset"
	"github.com/menta2k/siamfc-go/internal/imageio"
	"github.com/menta2k/siamfc-go/internal/utils"
	"github.com/menta2k/siamfc-go/pkg/transforms"
	"github.com/menta2k/siamfc-go/pkg/types"
)

func main() {
	var cfgPath, zPath, xPath, zBox, xBox, seqDir string
	var outDir, ext, interpName string
	var quality int
	var lossless, debug, eval bool
	var seed uint64
	var count int

	flag.StringVar(&cfgPath, "config", "", "JSON config file (default "+config.GetConfigPath()+" if present)")
	flag.StringVar(&zPath, "z", "", "exemplar frame path or URL")
	flag.StringVar(&xPath, "x", "", "instance frame path or URL (defaults to -z)")
	flag.StringVar(&zBox, "zbox", "", "exemplar box x,y,w,h (1-indexed)")
	flag.StringVar(&xBox, "xbox", "", "instance box x,y,w,h (defaults to -zbox)")
	flag.StringVar(&seqDir, "seq", "", "sequence directory with frames and groundtruth.txt; samples pairs instead of -z/-x")
	flag.IntVar(&count, "n", 1, "number of pairs to prepare")
	flag.Uint64Var(&seed, "seed", 1, "random seed")
	flag.BoolVar(&eval, "eval", false, "write deterministic context crops without augmentation")
	flag.StringVar(&interpName, "interp", "linear", "kernel for -eval crops: linear|cubic|area|nearest|lanczos")

	flag.StringVar(&outDir, "out", "", "output directory (overrides config)")
	flag.StringVar(&ext, "ext", "", "output format for patches: jpg|png|webp (overrides config)")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100, overrides config)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode")
	flag.BoolVar(&debug, "debug", false, "write source frames with the target box drawn")

	flag.Parse()

	cfgPath = resolveConfigPath(cfgPath, config.GetConfigPath())

	cfg := config.Default()
	if cfgPath != "" {
		log.WithField("path", cfgPath).Info("loading config")
		var err error
		if cfg, err = config.LoadFromFile(cfgPath); err != nil {
			log.Fatal(err)
		}
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if ext != "" {
		cfg.Output.Format = strings.ToLower(ext)
	}
	if quality != 0 {
		cfg.Output.Quality = quality
	}
	cfg.Output.Lossless = cfg.Output.Lossless || lossless
	interp, err := transforms.ParseInterpolation(strings.ToLower(interpName))
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	level, err := log.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	log.SetLevel(level)

	if seqDir == "" && (zPath == "" || zBox == "") {
		log.Fatalf("usage: %s (-z frame.jpg -zbox x,y,w,h [-x frame.jpg -xbox x,y,w,h] | -seq dir) [-n 8] [-seed 1] [-out dir] [-ext png|jpg|webp]", filepath.Base(os.Args[0]))
	}
	if err := utils.EnsureDir(cfg.Output.Dir); err != nil {
		log.Fatal(err)
	}

	tracker := siamfc.NewWithConfig(cfg.Transform, cfg.Head, cfg.Loss)
	tracker.Pipeline().SetLogger(log.StandardLogger())
	rng := rand.New(rand.NewPCG(seed, seed+1))

	var source func() (dataset.Sample, error)
	if seqDir != "" {
		seq, err := dataset.LoadSequence(seqDir)
		if err != nil {
			log.Fatal(err)
		}
		log.WithFields(log.Fields{
			"frames": len(seq.Frames),
			"valid":  len(seq.ValidIndices(cfg.Dataset)),
		}).Info("loaded sequence")
		source = func() (dataset.Sample, error) { return seq.Pair(rng, cfg.Dataset) }
	} else {
		sample, err := loadPair(zPath, xPath, zBox, xBox)
		if err != nil {
			log.Fatal(err)
		}
		source = func() (dataset.Sample, error) { return sample, nil }
	}

	for i := 0; i < count; i++ {
		sample, err := source()
		if err != nil {
			log.Fatal(err)
		}
		prefix := fmt.Sprintf("%03d_", i+1)

		if debug {
			writeDebug(cfg, prefix+"z_frame", sample.Z, sample.BoxZ)
			writeDebug(cfg, prefix+"x_frame", sample.X, sample.BoxX)
		}

		if eval {
			writeEval(tracker.Pipeline(), cfg, prefix, sample, interp)
			continue
		}

		pair, err := tracker.Prepare(rng, sample.Z, sample.X, sample.BoxZ, sample.BoxX)
		if err != nil {
			log.Fatalf("prepare pair %d: %v", i+1, err)
		}

		z, err := siamfc.Batch(pair.Exemplar)
		if err != nil {
			log.Fatal(err)
		}
		x, err := siamfc.Batch(pair.Instance)
		if err != nil {
			log.Fatal(err)
		}
		response, err := tracker.Respond(z, x)
		if err != nil {
			log.Fatal(err)
		}
		l, err := tracker.Loss(response)
		if err != nil {
			log.Fatal(err)
		}

		log.WithFields(log.Fields{
			"pair":     i + 1,
			"frames":   fmt.Sprintf("%d->%d", sample.IndexZ, sample.IndexX),
			"exemplar": pair.Exemplar.Shape(),
			"instance": pair.Instance.Shape(),
			"response": response.Shape(),
			"loss":     fmt.Sprintf("%.4f", l),
		}).Info("prepared pair")

		writePatch(cfg, prefix+"z", tensorImage(pair.Exemplar.Data().([]float32), pair.Exemplar.Shape()))
		writePatch(cfg, prefix+"x", tensorImage(pair.Instance.Data().([]float32), pair.Instance.Shape()))
	}
}

// resolveConfigPath falls back to the per-user config file when no path
// was given and that file exists.
func resolveConfigPath(path, fallback string) string {
	if path == "" && utils.FileExists(fallback) {
		return fallback
	}
	return path
}

func loadPair(zPath, xPath, zBox, xBox string) (dataset.Sample, error) {
	if xPath == "" {
		xPath = zPath
	}
	if xBox == "" {
		xBox = zBox
	}

	bz, err := parseBox(zBox)
	if err != nil {
		return dataset.Sample{}, fmt.Errorf("-zbox: %w", err)
	}
	bx, err := parseBox(xBox)
	if err != nil {
		return dataset.Sample{}, fmt.Errorf("-xbox: %w", err)
	}

	z, err := imageio.Open(zPath)
	if err != nil {
		return dataset.Sample{}, err
	}
	x := z
	if xPath != zPath {
		if x, err = imageio.Open(xPath); err != nil {
			return dataset.Sample{}, err
		}
	}
	return dataset.Sample{Z: z, X: x, BoxZ: bz, BoxX: bx}, nil
}

func parseBox(s string) (types.Box, error) {
	boxes, err := dataset.ParseBoxes(strings.NewReader(s))
	if err != nil {
		return types.Box{}, err
	}
	if len(boxes) != 1 {
		return types.Box{}, fmt.Errorf("expected one box, got %q", s)
	}
	return boxes[0], boxes[0].Validate()
}

func writeEval(p *transforms.Pipeline, cfg *config.Config, prefix string, sample dataset.Sample, interp transforms.Interpolation) {
	z, err := p.Eval(sample.Z, sample.BoxZ, cfg.Transform.ExemplarSize, interp)
	if err != nil {
		log.Fatalf("eval crop z: %v", err)
	}
	x, err := p.Eval(sample.X, sample.BoxX, cfg.Transform.InstanceSize, interp)
	if err != nil {
		log.Fatalf("eval crop x: %v", err)
	}
	writePatch(cfg, prefix+"z_eval", z)
	writePatch(cfg, prefix+"x_eval", x)
}

func writePatch(cfg *config.Config, name string, img image.Image) {
	path := utils.GenerateOutputFilename(name, cfg.Output.Dir, "", "", cfg.Output.Format)
	if err := imageio.Save(img, path, cfg.Output.Format, cfg.Output.Quality, cfg.Output.Lossless); err != nil {
		log.Errorf("save %s failed: %v", path, err)
		return
	}
	fields := log.Fields{"path": path}
	if info, err := os.Stat(path); err == nil {
		fields["size"] = utils.FormatFileSize(info.Size())
	}
	log.WithFields(fields).Debug("wrote patch")
}

func writeDebug(cfg *config.Config, name string, img image.Image, box types.Box) {
	overlay := imageio.DrawBox(img, box, color.NRGBA{0, 255, 0, 255})
	writePatch(cfg, name, overlay)
}

// tensorImage converts a (3, H, W) 0..255 tensor back into an image
func tensorImage(data []float32, shape []int) image.Image {
	h, w := shape[1], shape[2]
	plane := h * w
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < plane; i++ {
		img.Pix[i*4] = clampByte(data[i])
		img.Pix[i*4+1] = clampByte(data[plane+i])
		img.Pix[i*4+2] = clampByte(data[2*plane+i])
		img.Pix[i*4+3] = 255
	}
	return img
}

func clampByte(v float32) uint8 {
	f := math.RoundToEven(float64(v))
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return uint8(f)
}
