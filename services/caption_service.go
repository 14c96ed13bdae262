package services

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

// CaptionService renders the display name onto a transparent overlay
type CaptionService struct {
	font     *truetype.Font
	fontSize float64
	color    color.Color
}

// NewCaptionService loads the caption font. An empty fontPath selects the
// bundled Go Regular face; a configured path must load, there is no fallback.
func NewCaptionService(fontPath string, fontSize float64) (*CaptionService, error) {
	data := goregular.TTF
	if fontPath != "" {
		b, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, kindError(ErrResourceUnavailable, "failed to read font %s: %v", fontPath, err)
		}
		data = b
	}

	parsed, err := truetype.Parse(data)
	if err != nil {
		return nil, kindError(ErrResourceUnavailable, "failed to parse font: %v", err)
	}

	return &CaptionService{
		font:     parsed,
		fontSize: fontSize,
		color:    color.Black,
	}, nil
}

// Render draws text centered on a transparent width x height canvas.
// Text larger than the canvas is clipped.
func (cs *CaptionService) Render(text string, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid caption size %dx%d", width, height)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	face := truetype.NewFace(cs.font, &truetype.Options{Size: cs.fontSize, DPI: 72})
	defer face.Close()

	metrics := face.Metrics()
	textWidth := font.MeasureString(face, text).Ceil()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	x := (width - textWidth) / 2
	y := (height - textHeight) / 2

	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(cs.color),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y) + metrics.Ascent},
	}
	d.DrawString(text)

	return canvas, nil
}

// RenderToFile renders the caption and writes it as PNG to path
func (cs *CaptionService) RenderToFile(text string, width, height int, path string) error {
	canvas, err := cs.Render(text, width, height)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return kindError(ErrEncode, "failed to create caption file: %v", err)
	}
	defer file.Close()

	if err := png.Encode(file, canvas); err != nil {
		return kindError(ErrEncode, "failed to encode caption: %v", err)
	}

	return file.Close()
}
