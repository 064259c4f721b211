package publish

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	// Dimensions under this on the short side qualify for upscaling.
	upscaleBelowPx = 400
	// JPEG is used above this pixel area; tiny frames stay PNG.
	jpegAreaThreshold = 160 * 160
	jpegQuality       = 85

	stripRatio = 0.14
)

// UpscaleMethod selects the enlargement filter. EDSR is accepted for
// compatibility but renders through Lanczos; a native implementation would
// need a model runtime this process does not carry.
type UpscaleMethod string

const (
	UpscaleLanczos UpscaleMethod = "lanczos"
	UpscaleEDSR    UpscaleMethod = "edsr"
)

// Composer downloads listing images and renders the price strip.
type Composer struct {
	http    *http.Client
	upscale bool
	method  UpscaleMethod
	log     *slog.Logger

	fontOnce sync.Once
	fontTTF  *opentype.Font
	fontErr  error

	edsrWarned sync.Once
}

// ComposerOption configures the Composer.
type ComposerOption func(*Composer)

// WithComposerHTTPClient sets a custom HTTP client for image downloads.
func WithComposerHTTPClient(c *http.Client) ComposerOption {
	return func(cp *Composer) {
		cp.http = c
	}
}

// WithUpscale enables enlargement of small images with the given method.
func WithUpscale(enabled bool, method UpscaleMethod) ComposerOption {
	return func(cp *Composer) {
		cp.upscale = enabled
		cp.method = method
	}
}

// WithComposerLogger sets a custom logger.
func WithComposerLogger(l *slog.Logger) ComposerOption {
	return func(cp *Composer) {
		cp.log = l
	}
}

// NewComposer creates an image composer.
func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{
		http:   &http.Client{Timeout: 30 * time.Second},
		method: UpscaleLanczos,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads the raw image bytes.
func (c *Composer) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// Compose decodes the image, optionally upscales it, and attaches a white
// strip carrying "<price> / -<discount>%". The strip goes below a portrait
// frame and above a landscape one.
func (c *Composer) Compose(data []byte, overlay Overlay) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	upscaled := false
	if c.upscale && shortSide(src) < upscaleBelowPx {
		src = c.enlarge(src)
		upscaled = true
	}

	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	stripH := int(float64(h) * stripRatio)
	if stripH < 24 {
		stripH = 24
	}

	landscape := w > h
	frame := imaging.New(w, h+stripH, color.White)
	stripTop := h
	imageTop := 0
	if landscape {
		stripTop = 0
		imageTop = stripH
	}
	frame = imaging.Paste(frame, src, image.Pt(0, imageTop))

	label := overlay.Price
	if overlay.Discount > 0 {
		label = fmt.Sprintf("%s / -%d%%", overlay.Price, overlay.Discount)
	}
	if err := c.drawLabel(frame, label, stripTop, w, stripH); err != nil {
		return nil, err
	}

	return c.encode(frame, upscaled)
}

// enlarge doubles the image. EDSR has no native runtime here, so it warns
// once and falls through to Lanczos.
func (c *Composer) enlarge(src image.Image) image.Image {
	if c.method == UpscaleEDSR {
		c.edsrWarned.Do(func() {
			c.log.Warn("edsr upscaling unavailable, using lanczos")
		})
	}
	return imaging.Resize(src, src.Bounds().Dx()*2, 0, imaging.Lanczos)
}

// drawLabel centers the label in the strip with the largest bold face that
// fits.
func (c *Composer) drawLabel(frame *image.NRGBA, label string, stripTop, stripW, stripH int) error {
	ttf, err := c.font()
	if err != nil {
		return err
	}

	face, adv, err := fitFace(ttf, label, stripW*9/10, stripH*7/10)
	if err != nil {
		return err
	}
	defer face.Close()

	m := face.Metrics()
	x := (stripW - adv.Round()) / 2
	baseline := stripTop + stripH/2 + m.Ascent.Round()/2 - m.Descent.Round()/2

	d := font.Drawer{
		Dst:  frame,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(label)
	return nil
}

// fitFace binary-searches the largest face size whose rendered label fits
// the given box.
func fitFace(ttf *opentype.Font, label string, maxW, maxH int) (font.Face, fixed.Int26_6, error) {
	lo, hi := 8, 96
	var (
		best    font.Face
		bestAdv fixed.Int26_6
	)
	for lo <= hi {
		size := (lo + hi) / 2
		face, err := opentype.NewFace(ttf, &opentype.FaceOptions{
			Size:    float64(size),
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("building font face: %w", err)
		}

		adv := font.MeasureString(face, label)
		height := face.Metrics().Ascent.Round() + face.Metrics().Descent.Round()
		if adv.Round() <= maxW && height <= maxH {
			if best != nil {
				best.Close()
			}
			best, bestAdv = face, adv
			lo = size + 1
		} else {
			face.Close()
			hi = size - 1
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("label %q does not fit strip", label)
	}
	return best, bestAdv, nil
}

func (c *Composer) font() (*opentype.Font, error) {
	c.fontOnce.Do(func() {
		c.fontTTF, c.fontErr = opentype.Parse(gobold.TTF)
	})
	if c.fontErr != nil {
		return nil, fmt.Errorf("parsing font: %w", c.fontErr)
	}
	return c.fontTTF, nil
}

// encode picks the output format: PNG for upscaled frames, JPEG at quality
// 85 for everything above the area threshold.
func (c *Composer) encode(frame *image.NRGBA, upscaled bool) ([]byte, error) {
	var buf bytes.Buffer
	area := frame.Bounds().Dx() * frame.Bounds().Dy()
	if !upscaled && area >= jpegAreaThreshold {
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encoding jpeg: %w", err)
		}
	} else {
		if err := png.Encode(&buf, frame); err != nil {
			return nil, fmt.Errorf("encoding png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func shortSide(img image.Image) int {
	b := img.Bounds()
	if b.Dx() < b.Dy() {
		return b.Dx()
	}
	return b.Dy()
}
