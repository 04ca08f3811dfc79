package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/siamfc-go/pkg/types"
)

// Load reads a frame from disk with WebP support
func Load(path string) (*image.NRGBA, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return imaging.Clone(img), nil
	}

	// Fallback: explicit WebP decode
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return Decode(data)
}

// FetchTimeout bounds a single frame download
const FetchTimeout = 30 * time.Second

// MaxFrameBytes caps the size of a downloaded frame
const MaxFrameBytes = 64 << 20

// ErrFrameDownload marks frames that could not be fetched over HTTP
var ErrFrameDownload = errors.New("frame download failed")

var frameClient = &http.Client{Timeout: FetchTimeout}

// Fetch downloads a frame over http or https
func Fetch(frameURL string) (*image.NRGBA, error) {
	u, err := url.Parse(frameURL)
	if err != nil {
		return nil, fmt.Errorf("frame URL %q: %w", frameURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("frame URL %q: scheme %q is not http(s): %w", frameURL, u.Scheme, ErrFrameDownload)
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("frame URL %q: %w", frameURL, err)
	}
	req.Header.Set("User-Agent", "siamfc-prepare/1.0")
	req.Header.Set("Accept", "image/*")

	resp, err := frameClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFrameDownload, u.Host, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: %s is %q, not a frame", ErrFrameDownload, u.Path, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDownload, err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame larger than %d bytes", ErrFrameDownload, MaxFrameBytes)
	}
	return Decode(data)
}

// Open loads a frame from either a file path or an http(s) URL
func Open(source string) (*image.NRGBA, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return Fetch(source)
	}
	return Load(source)
}

// Decode decodes an image from byte data with WebP support
func Decode(data []byte) (*image.NRGBA, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return imaging.Clone(img), nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return imaging.Clone(img), nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// Save writes an image in the given format: jpg, png or webp
func Save(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	case "jpg", "jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// DrawBox returns a copy of img with box outlined. The box is in the
// 1-indexed corner convention.
func DrawBox(img image.Image, box types.Box, c color.NRGBA) *image.NRGBA {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	stroke := int(math.Max(1, 0.004*float64(min(w, h)))) // ~0.4% of min side

	x0 := int(math.Round(box.X - 1))
	y0 := int(math.Round(box.Y - 1))
	x1 := int(math.Round(box.X - 1 + box.W))
	y1 := int(math.Round(box.Y - 1 + box.H))
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}

	for s := 0; s < stroke; s++ {
		drawHLine(out, y0+s, x0, x1, c)
		drawHLine(out, y1-1-s, x0, x1, c)
		drawVLine(out, x0+s, y0, y1, c)
		drawVLine(out, x1-1-s, y0, y1, c)
	}
	return out
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
