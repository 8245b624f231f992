package transform

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// ErrNotInvertible is returned by Inverse for a singular mapping.
var ErrNotInvertible = errors.New("mapping is not invertible")

// Family identifies a transform family.
type Family int

const (
	FamilyHomography Family = iota
	FamilyAffine
	FamilySimilarity
	FamilyTranslation
)

func (f Family) String() string {
	switch f {
	case FamilyHomography:
		return "homography"
	case FamilyAffine:
		return "affine"
	case FamilySimilarity:
		return "similarity"
	case FamilyTranslation:
		return "translation"
	default:
		return "unknown"
	}
}

// Mapping is a fitted 2D to 2D transform. Every family can map a point, invert
// itself and expose its 3x3 homogeneous matrix, so warping never needs to know
// which family it holds.
type Mapping interface {
	Family() Family
	// Apply maps p; ok is false when p maps to infinity.
	Apply(p r2.Point) (q r2.Point, ok bool)
	Inverse() (Mapping, error)
	Matrix() f64.Mat3
}

// Homography is a projective transform (8 degrees of freedom).
type Homography struct {
	H f64.Mat3
}

func (h Homography) Family() Family { return FamilyHomography }

func (h Homography) Matrix() f64.Mat3 { return h.H }

func (h Homography) Apply(p r2.Point) (r2.Point, bool) {
	w := h.H[6]*p.X + h.H[7]*p.Y + h.H[8]
	if math.Abs(w) < 1e-12 {
		return r2.Point{}, false
	}
	return r2.Point{
		X: (h.H[0]*p.X + h.H[1]*p.Y + h.H[2]) / w,
		Y: (h.H[3]*p.X + h.H[4]*p.Y + h.H[5]) / w,
	}, true
}

func (h Homography) Inverse() (Mapping, error) {
	m := mat.NewDense(3, 3, h.H[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	var out f64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c)
		}
	}
	if s := out[8]; math.Abs(s) > 1e-12 {
		for i := range out {
			out[i] /= s
		}
	}
	return Homography{H: out}, nil
}

// Affine is a general 2x3 affine transform.
type Affine struct {
	M f64.Aff3
}

func (a Affine) Family() Family { return FamilyAffine }

func (a Affine) Matrix() f64.Mat3 { return affToMat3(a.M) }

func (a Affine) Apply(p r2.Point) (r2.Point, bool) {
	return applyAff3(a.M, p), true
}

func (a Affine) Inverse() (Mapping, error) {
	inv, err := invertAff3(a.M)
	if err != nil {
		return nil, err
	}
	return Affine{M: inv}, nil
}

// Similarity is a uniform scale, rotation and translation.
type Similarity struct {
	M f64.Aff3
}

// NewSimilarity builds the mapping q = s*R(theta)*p + t.
func NewSimilarity(scale, theta float64, t r2.Point) Similarity {
	c, s := math.Cos(theta)*scale, math.Sin(theta)*scale
	return Similarity{M: f64.Aff3{c, -s, t.X, s, c, t.Y}}
}

func (s Similarity) Family() Family { return FamilySimilarity }

func (s Similarity) Matrix() f64.Mat3 { return affToMat3(s.M) }

func (s Similarity) Apply(p r2.Point) (r2.Point, bool) {
	return applyAff3(s.M, p), true
}

func (s Similarity) Inverse() (Mapping, error) {
	inv, err := invertAff3(s.M)
	if err != nil {
		return nil, err
	}
	return Similarity{M: inv}, nil
}

// Translation is a pure offset.
type Translation struct {
	D r2.Point
}

func (t Translation) Family() Family { return FamilyTranslation }

func (t Translation) Matrix() f64.Mat3 {
	return f64.Mat3{1, 0, t.D.X, 0, 1, t.D.Y, 0, 0, 1}
}

func (t Translation) Apply(p r2.Point) (r2.Point, bool) {
	return p.Add(t.D), true
}

func (t Translation) Inverse() (Mapping, error) {
	return Translation{D: t.D.Mul(-1)}, nil
}

func applyAff3(m f64.Aff3, p r2.Point) r2.Point {
	return r2.Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}

func affToMat3(m f64.Aff3) f64.Mat3 {
	return f64.Mat3{m[0], m[1], m[2], m[3], m[4], m[5], 0, 0, 1}
}

func invertAff3(m f64.Aff3) (f64.Aff3, error) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < 1e-12 {
		return f64.Aff3{}, ErrNotInvertible
	}
	a := m[4] / det
	b := -m[1] / det
	c := -m[3] / det
	d := m[0] / det
	return f64.Aff3{
		a, b, -(a*m[2] + b*m[5]),
		c, d, -(c*m[2] + d*m[5]),
	}, nil
}
