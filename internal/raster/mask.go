package raster

import (
	"image"
	"image/color"
)

// Mask is a boolean per-pixel raster. It backs validity, coverage and yard masks.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// NewMask allocates an all-false mask.
func NewMask(width, height int) *Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Mask{Width: width, Height: height, Pix: make([]bool, width*height)}
}

// Full allocates an all-true mask.
func Full(width, height int) *Mask {
	m := NewMask(width, height)
	for i := range m.Pix {
		m.Pix[i] = true
	}
	return m
}

// At reports the mask value, false outside the raster.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x]
}

// Set writes a mask value; out of range writes are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Pix[y*m.Width+x] = v
}

// Count returns the number of true pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// ValidityMask derives the per-pixel validity of a decoded camera image.
// Images without an alpha channel (or fully opaque ones) are valid everywhere;
// otherwise a pixel is valid when its alpha is non-zero.
func ValidityMask(img image.Image) *Mask {
	b := img.Bounds()
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return Full(b.Dx(), b.Dy())
	}
	m := NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA).A > 0 {
				m.Pix[(y-b.Min.Y)*m.Width+(x-b.Min.X)] = true
			}
		}
	}
	return m
}
