package mask

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

var (
	// DynamicTint colours the region that should move.
	DynamicTint = color.RGBA{R: 114, G: 229, B: 40, A: 255}
	// StaticTint colours the region that should stay still.
	StaticTint = color.RGBA{R: 0, G: 128, B: 0, A: 255}
)

// Options controls compositing.
type Options struct {
	DynamicTint color.RGBA
	StaticTint  color.RGBA
}

// DefaultOptions returns the standard motion-brush tints.
func DefaultOptions() Options {
	return Options{DynamicTint: DynamicTint, StaticTint: StaticTint}
}

// Luma converts c to 8-bit grayscale using ITU-R 601-2 weights.
func Luma(c color.Color) uint8 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return uint8((uint32(n.R)*299 + uint32(n.G)*587 + uint32(n.B)*114) / 1000)
}

// Colorize maps the layer's grayscale onto a black-to-tint ramp. The
// result is opaque and has the layer's bounds.
func Colorize(layer image.Image, tint color.RGBA) *image.RGBA {
	b := layer.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint32(Luma(layer.At(x, y)))
			out.SetRGBA(x, y, color.RGBA{
				R: uint8(uint32(tint.R) * v / 255),
				G: uint8(uint32(tint.G) * v / 255),
				B: uint8(uint32(tint.B) * v / 255),
				A: 255,
			})
		}
	}
	return out
}

// fit resamples img to size when its dimensions differ, returning an image
// anchored at the origin.
func fit(img image.Image, size image.Rectangle) image.Image {
	b := img.Bounds()
	if b.Dx() == size.Dx() && b.Dy() == size.Dy() && b.Min == (image.Point{}) {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, size.Dx(), size.Dy()))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// Composite pastes the colorized dynamic layer and then the colorized
// static layer onto a transparent canvas the size of the dynamic layer,
// each masked by its own alpha. static may be nil.
func Composite(dynamic, static image.Image, opts Options) (*image.RGBA, error) {
	if dynamic == nil {
		return nil, errors.New("composite: dynamic layer is required")
	}
	size := image.Rect(0, 0, dynamic.Bounds().Dx(), dynamic.Bounds().Dy())
	if size.Empty() {
		return nil, fmt.Errorf("composite: empty dynamic layer %v", dynamic.Bounds())
	}
	canvas := image.NewRGBA(size)

	paste := func(layer image.Image, tint color.RGBA) {
		layer = fit(layer, size)
		tinted := Colorize(layer, tint)
		xdraw.DrawMask(canvas, size, tinted, image.Point{}, layer, layer.Bounds().Min, xdraw.Over)
	}
	paste(dynamic, opts.DynamicTint)
	if static != nil {
		paste(static, opts.StaticTint)
	}
	return canvas, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTemp writes img as a PNG file in dir (os.TempDir when empty) and
// returns its path. The caller owns the file.
func WriteTemp(dir string, img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "composite-*.png")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}
