// Package warp resamples a camera image into canvas space through a fitted
// transform.
package warp

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"golang.org/x/image/draw"

	"yardstitch/internal/raster"
	"yardstitch/internal/transform"
)

var (
	// ErrInvalidImage is returned for a nil or empty source image.
	ErrInvalidImage = errors.New("invalid source image")
	// ErrWarpFailed is returned when the mapping cannot be inverted or the
	// inputs disagree on dimensions.
	ErrWarpFailed = errors.New("warp failed")
)

// Warp resamples img into a buffer of the given size. Every destination pixel
// centre is pulled back through the inverse of m; colour is interpolated
// bilinearly, validity is taken from the nearest source pixel. Destination
// pixels with no valid source are black in the colour buffer and false in the
// returned mask.
//
// A nil valid mask treats every source pixel as valid.
func Warp(img image.Image, valid *raster.Mask, m transform.Mapping, size image.Point) (*image.NRGBA, *raster.Mask, error) {
	if img == nil {
		return nil, nil, ErrInvalidImage
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, nil, fmt.Errorf("%w: empty bounds %v", ErrInvalidImage, b)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, nil, fmt.Errorf("%w: canvas %dx%d", ErrWarpFailed, size.X, size.Y)
	}
	w, h := b.Dx(), b.Dy()
	if valid == nil {
		valid = raster.Full(w, h)
	}
	if valid.Width != w || valid.Height != h {
		return nil, nil, fmt.Errorf("%w: mask %dx%d for image %dx%d", ErrWarpFailed, valid.Width, valid.Height, w, h)
	}
	inv, err := m.Inverse()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrWarpFailed, err)
	}

	src := toNRGBA(img)
	out := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	mask := raster.NewMask(size.X, size.Y)
	fw, fh := float64(w), float64(h)

	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			s, ok := inv.Apply(r2.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5})
			if !ok || s.X < 0 || s.Y < 0 || s.X >= fw || s.Y >= fh {
				continue
			}
			if !valid.At(int(s.X), int(s.Y)) {
				continue
			}
			mask.Pix[y*size.X+x] = true
			i := out.PixOffset(x, y)
			bilinear(src, s.X-0.5, s.Y-0.5, out.Pix[i:i+4])
		}
	}
	return out, mask, nil
}

// toNRGBA returns a zero-origin NRGBA copy of img, or img itself when it
// already has that layout.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)
	return dst
}

// bilinear writes the interpolated colour at continuous pixel coordinate
// (fx, fy) into px. Taps outside the image clamp to the edge, and alpha is
// forced opaque since coverage is carried by the mask.
func bilinear(src *image.NRGBA, fx, fy float64, px []uint8) {
	maxX, maxY := src.Rect.Dx()-1, src.Rect.Dy()-1
	x0f, y0f := math.Floor(fx), math.Floor(fy)
	ax, ay := fx-x0f, fy-y0f
	x0, y0 := clamp(int(x0f), maxX), clamp(int(y0f), maxY)
	x1, y1 := clamp(int(x0f)+1, maxX), clamp(int(y0f)+1, maxY)

	p00 := src.PixOffset(x0, y0)
	p10 := src.PixOffset(x1, y0)
	p01 := src.PixOffset(x0, y1)
	p11 := src.PixOffset(x1, y1)
	for c := 0; c < 3; c++ {
		top := float64(src.Pix[p00+c])*(1-ax) + float64(src.Pix[p10+c])*ax
		bot := float64(src.Pix[p01+c])*(1-ax) + float64(src.Pix[p11+c])*ax
		v := top*(1-ay) + bot*ay
		px[c] = uint8(math.Min(255, math.Max(0, math.Round(v))))
	}
	px[3] = 0xff
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
