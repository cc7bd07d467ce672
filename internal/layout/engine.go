// ============================================================================
// Layout Engine
// ============================================================================
//
// Package: internal/layout
// File: engine.go
// Function: Draws a caption on a photo inside a translucent band.
//
// Algorithm:
//   1. Uppercase the caption if configured.
//   2. Binary search the largest font size in [MinFontSize, MaxFontSize] for
//      which textWidth + 2*padding <= imageWidth. The midpoint is fractional
//      and bounds move by one point per step; MinFontSize is used when no
//      size fits.
//   3. Band: full image width, textHeight + 2*padding tall, at the top or the
//      bottom of the image.
//   4. Fill the band with black at the configured alpha, then draw the
//      caption in white centered inside it.
//
// Engine holds only the parsed font, which is read-only; every call builds
// its own faces and images, so one Engine is safe for concurrent use.
//
// ============================================================================

package layout

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Font size search bounds, in points at 72 DPI (one point per pixel).
const (
	MinFontSize = 1.0
	MaxFontSize = 65.0
)

// ContentType of rendered artifacts.
const ContentType = "image/jpeg"

// JPEGQuality used for rendered artifacts.
const JPEGQuality = 90

// Layout describes where the band and the caption were placed.
type Layout struct {
	FontSize   float64
	Band       image.Rectangle
	TextWidth  int
	TextHeight int
	TextOrigin image.Point // top-left corner of the caption box
}

// Engine renders captions with one font.
type Engine struct {
	font *opentype.Font
}

// NewEngine uses the embedded Go Regular font.
func NewEngine() (*Engine, error) {
	return NewEngineFromTTF(goregular.TTF)
}

// NewEngineFromTTF parses a TrueType or OpenType font.
func NewEngineFromTTF(ttf []byte) (*Engine, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	return &Engine{font: f}, nil
}

func (e *Engine) face(size float64) (font.Face, error) {
	return opentype.NewFace(e.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}

// Measure returns the pixel width and height of text at size.
func (e *Engine) Measure(text string, size float64) (width, height int, err error) {
	face, err := e.face(size)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = face.Close() }()
	width, height = measureWith(face, text)
	return width, height, nil
}

func measureWith(face font.Face, text string) (int, int) {
	m := face.Metrics()
	w := font.MeasureString(face, text).Ceil()
	h := (m.Ascent + m.Descent).Ceil()
	return w, h
}

// FitFontSize finds the largest size whose rendering of text, plus padding on
// both sides, fits in width.
func (e *Engine) FitFontSize(text string, width, padding int) float64 {
	lo, hi := MinFontSize, MaxFontSize
	best := MinFontSize
	for lo <= hi {
		mid := (lo + hi) / 2
		w, _, err := e.Measure(text, mid)
		if err != nil || w+2*padding > width {
			hi = mid - 1
		} else {
			lo = mid + 1
			best = mid
		}
	}
	return best
}

// Draw composites caption onto a copy of src.
func (e *Engine) Draw(caption string, src image.Image, cfg types.RenderConfig) (*image.RGBA, Layout, error) {
	if cfg.UpperCaseText {
		caption = strings.ToUpper(caption)
	}
	padding := cfg.EffectivePadding()

	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)

	width, height := dst.Bounds().Dx(), dst.Bounds().Dy()
	size := e.FitFontSize(caption, width, padding)

	face, err := e.face(size)
	if err != nil {
		return nil, Layout{}, fmt.Errorf("failed to create face: %w", err)
	}
	defer func() { _ = face.Close() }()

	textW, textH := measureWith(face, caption)
	bandH := int(math.Min(float64(textH+2*padding), float64(height)))

	band := image.Rect(0, 0, width, bandH)
	if !cfg.TextAtTop {
		band = image.Rect(0, height-bandH, width, height)
	}

	alpha := cfg.EffectiveOpacity()
	draw.Draw(dst, band, image.NewUniform(color.NRGBA{A: alpha}), image.Point{}, draw.Over)

	origin := image.Point{
		X: band.Min.X + (band.Dx()-textW)/2,
		Y: band.Min.Y + (band.Dy()-textH)/2,
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(origin.X), Y: fixed.I(origin.Y) + face.Metrics().Ascent},
	}
	d.DrawString(caption)

	return dst, Layout{
		FontSize:   size,
		Band:       band,
		TextWidth:  textW,
		TextHeight: textH,
		TextOrigin: origin,
	}, nil
}

// Render decodes a JPEG, PNG or WebP source, draws caption and encodes the
// result as JPEG. Only an undecodable source yields types.ErrLayout.
func (e *Engine) Render(caption string, source []byte, cfg types.RenderConfig) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: decode source: %v", types.ErrLayout, err)
	}

	out, _, err := e.Draw(caption, src, cfg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
