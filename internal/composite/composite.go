// Package composite merges warped camera contributions into one canvas.
package composite

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"yardstitch/internal/raster"
)

// ErrUnsupportedBlendMode is returned for an unknown blend policy name.
var ErrUnsupportedBlendMode = errors.New("unsupported blend mode")

// BlendMode selects how overlapping contributions are merged.
type BlendMode string

const (
	BlendAverage   BlendMode = "average"
	BlendMax       BlendMode = "max"
	BlendOverwrite BlendMode = "overwrite"
)

// ParseBlendMode validates a blend mode name. The empty string selects average.
func ParseBlendMode(s string) (BlendMode, error) {
	switch m := BlendMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return BlendAverage, nil
	case BlendAverage, BlendMax, BlendOverwrite:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBlendMode, s)
	}
}

// Accumulator holds the per-call blend state. It must not be reused across
// stitch calls or shared between goroutines.
type Accumulator struct {
	width  int
	height int
	mode   BlendMode

	// average
	sum []float64
	// max and overwrite work directly in 8-bit space
	pix   []uint8
	count []int
}

// NewAccumulator allocates a zeroed accumulator for a canvas of w x h pixels.
func NewAccumulator(w, h int, mode BlendMode) (*Accumulator, error) {
	switch mode {
	case BlendAverage, BlendMax, BlendOverwrite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBlendMode, mode)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("accumulator size %dx%d", w, h)
	}
	a := &Accumulator{width: w, height: h, mode: mode, count: make([]int, w*h)}
	if mode == BlendAverage {
		a.sum = make([]float64, w*h*3)
	} else {
		a.pix = make([]uint8, w*h*3)
	}
	return a, nil
}

// Accumulate merges one warped contribution wherever mask is true.
func (a *Accumulator) Accumulate(img *image.NRGBA, mask *raster.Mask) error {
	if img == nil || mask == nil {
		return errors.New("accumulate: nil contribution")
	}
	if img.Rect.Dx() != a.width || img.Rect.Dy() != a.height || mask.Width != a.width || mask.Height != a.height {
		return fmt.Errorf("accumulate: contribution %dx%d (mask %dx%d) does not match canvas %dx%d",
			img.Rect.Dx(), img.Rect.Dy(), mask.Width, mask.Height, a.width, a.height)
	}

	for y := 0; y < a.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < a.width; x++ {
			i := y*a.width + x
			if !mask.Pix[i] {
				continue
			}
			src := row[x*4 : x*4+3]
			dst := i * 3
			switch a.mode {
			case BlendAverage:
				a.sum[dst] += float64(src[0])
				a.sum[dst+1] += float64(src[1])
				a.sum[dst+2] += float64(src[2])
				a.count[i]++
			case BlendMax:
				for c := 0; c < 3; c++ {
					if src[c] > a.pix[dst+c] {
						a.pix[dst+c] = src[c]
					}
				}
				a.count[i]++
			case BlendOverwrite:
				copy(a.pix[dst:dst+3], src)
				a.count[i] = 1
			}
		}
	}
	return nil
}

// Finalize produces the merged colour image and its coverage mask. Pixels no
// contribution touched are black and uncovered. The returned image is fully
// opaque; transparency is applied by the caller from the coverage mask.
func (a *Accumulator) Finalize() (*image.NRGBA, *raster.Mask) {
	out := image.NewNRGBA(image.Rect(0, 0, a.width, a.height))
	cov := raster.NewMask(a.width, a.height)
	for i, n := range a.count {
		o := i * 4
		out.Pix[o+3] = 0xff
		if n == 0 {
			continue
		}
		cov.Pix[i] = true
		s := i * 3
		if a.mode == BlendAverage {
			d := float64(n)
			for c := 0; c < 3; c++ {
				out.Pix[o+c] = uint8(math.Min(255, math.Round(a.sum[s+c]/d)))
			}
			continue
		}
		copy(out.Pix[o:o+3], a.pix[s:s+3])
	}
	return out, cov
}
