package transform

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientCorrespondence is returned when the point lists are
	// empty or of different lengths.
	ErrInsufficientCorrespondence = errors.New("insufficient correspondence points")
	// ErrDegenerateCorrespondence is returned when the points cannot
	// constrain the selected family (collinear or coincident points).
	ErrDegenerateCorrespondence = errors.New("degenerate correspondence points")
	// ErrHomographyFailed is returned when robust fitting finds no consensus.
	ErrHomographyFailed = errors.New("homography estimation failed")
)

const (
	// DefaultReprojThreshold is the RANSAC inlier tolerance in pixels.
	DefaultReprojThreshold = 5.0
	// DefaultIterations bounds the RANSAC search.
	DefaultIterations = 2000
	// DefaultSeed makes the inlier search reproducible.
	DefaultSeed = 1

	// similarityEpsilon is the source-pair distance below which a two-point
	// fit falls back to a translation.
	similarityEpsilon = 1e-9
	collinearEpsilon  = 1e-9
)

// Estimator fits a Mapping from correspondences. The family is chosen by the
// number of pairs: 4+ homography, 3 affine, 2 similarity, 1 translation.
type Estimator struct {
	ReprojThreshold float64
	Iterations      int
	Seed            int64
}

// DefaultEstimator returns an estimator with the stock RANSAC settings.
func DefaultEstimator() Estimator {
	return Estimator{
		ReprojThreshold: DefaultReprojThreshold,
		Iterations:      DefaultIterations,
		Seed:            DefaultSeed,
	}
}

// Estimate fits with DefaultEstimator.
func Estimate(src, dst []r2.Point) (Mapping, error) {
	return DefaultEstimator().Estimate(src, dst)
}

// Estimate selects the least constrained family supported by len(src) and
// fits it.
func (e Estimator) Estimate(src, dst []r2.Point) (Mapping, error) {
	n := len(src)
	if n < 1 || n != len(dst) {
		return nil, fmt.Errorf("%w: %d source, %d destination", ErrInsufficientCorrespondence, len(src), len(dst))
	}
	switch {
	case n >= 4:
		return e.fitHomography(src, dst)
	case n == 3:
		return fitAffine(src, dst)
	case n == 2:
		return fitSimilarity(src[0], src[1], dst[0], dst[1]), nil
	default:
		return Translation{D: dst[0].Sub(src[0])}, nil
	}
}

// MeanReprojectionError is the average distance between m(src[i]) and dst[i].
func MeanReprojectionError(m Mapping, src, dst []r2.Point) float64 {
	if len(src) == 0 || len(src) != len(dst) {
		return math.Inf(1)
	}
	var total float64
	for i := range src {
		q, ok := m.Apply(src[i])
		if !ok {
			return math.Inf(1)
		}
		total += q.Sub(dst[i]).Norm()
	}
	return total / float64(len(src))
}

// fitSimilarity solves scale, rotation and translation from two pairs so that
// p0 maps exactly onto q0. Coincident source points degrade to a translation.
func fitSimilarity(p0, p1, q0, q1 r2.Point) Mapping {
	v := p1.Sub(p0)
	u := q1.Sub(q0)
	nv := v.Norm()
	if nv < similarityEpsilon {
		return Translation{D: q0.Sub(p0)}
	}
	scale := u.Norm() / nv
	theta := math.Atan2(u.Y, u.X) - math.Atan2(v.Y, v.X)
	c, s := math.Cos(theta)*scale, math.Sin(theta)*scale
	t := r2.Point{
		X: q0.X - (c*p0.X - s*p0.Y),
		Y: q0.Y - (s*p0.X + c*p0.Y),
	}
	return NewSimilarity(scale, theta, t)
}

// fitAffine solves the exact 2x3 affine through three pairs.
func fitAffine(src, dst []r2.Point) (Mapping, error) {
	if collinear(src[0], src[1], src[2]) {
		return nil, fmt.Errorf("%w: affine source points are collinear", ErrDegenerateCorrespondence)
	}

	// [x', y'] = [a b tx; c d ty] * [x y 1]
	A := mat.NewDense(6, 6, nil)
	B := mat.NewVecDense(6, nil)
	for i := 0; i < 3; i++ {
		x, y := src[i].X, src[i].Y
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, dst[i].X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, dst[i].Y)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateCorrespondence, err)
	}
	var m f64.Aff3
	for i := range m {
		m[i] = params.AtVec(i)
	}
	return Affine{M: m}, nil
}

// fitHomography fits exactly through four pairs, and runs a seeded RANSAC over
// minimal samples followed by a least-squares refit on the inliers when more
// pairs are supplied.
func (e Estimator) fitHomography(src, dst []r2.Point) (Mapping, error) {
	n := len(src)
	if n == 4 {
		return homographyExact(src, dst)
	}

	threshold := e.ReprojThreshold
	if threshold <= 0 {
		threshold = DefaultReprojThreshold
	}
	iterations := e.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	rng := rand.New(rand.NewSource(e.Seed))

	var best Homography
	var bestInliers []int
	sample := make([]r2.Point, 4)
	target := make([]r2.Point, 4)
	for iter := 0; iter < iterations; iter++ {
		idx := rng.Perm(n)[:4]
		for i, j := range idx {
			sample[i] = src[j]
			target[i] = dst[j]
		}
		h, err := homographyExact(sample, target)
		if err != nil {
			continue
		}
		inliers := inlierSet(h, src, dst, threshold)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			best = h
			if len(inliers) == n {
				break
			}
		}
	}

	if len(bestInliers) < 4 {
		return nil, fmt.Errorf("%w: no consensus among %d points", ErrHomographyFailed, n)
	}
	if len(bestInliers) == 4 {
		return best, nil
	}

	inSrc := make([]r2.Point, len(bestInliers))
	inDst := make([]r2.Point, len(bestInliers))
	for i, j := range bestInliers {
		inSrc[i] = src[j]
		inDst[i] = dst[j]
	}
	refined, err := solveHomography(inSrc, inDst)
	if err != nil {
		return best, nil
	}
	if len(inlierSet(refined, inSrc, inDst, threshold)) < len(bestInliers) {
		return best, nil
	}
	return refined, nil
}

func inlierSet(h Homography, src, dst []r2.Point, threshold float64) []int {
	var inliers []int
	for i := range src {
		q, ok := h.Apply(src[i])
		if ok && q.Sub(dst[i]).Norm() < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func homographyExact(src, dst []r2.Point) (Homography, error) {
	for _, set := range [][]r2.Point{src, dst} {
		for i := 0; i < 4; i++ {
			if collinear(set[i], set[(i+1)%4], set[(i+2)%4]) {
				return Homography{}, fmt.Errorf("%w: three of four points are collinear", ErrDegenerateCorrespondence)
			}
		}
	}
	return solveHomography(src, dst)
}

// solveHomography runs a normalised DLT with h22 fixed to 1, solved by QR so
// the same path serves exact (n=4) and overdetermined systems.
func solveHomography(src, dst []r2.Point) (Homography, error) {
	ns, ts, ok := normalise(src)
	if !ok {
		return Homography{}, fmt.Errorf("%w: coincident source points", ErrDegenerateCorrespondence)
	}
	nd, td, ok := normalise(dst)
	if !ok {
		return Homography{}, fmt.Errorf("%w: coincident destination points", ErrDegenerateCorrespondence)
	}

	n := len(ns)
	A := mat.NewDense(n*2, 8, nil)
	B := mat.NewVecDense(n*2, nil)
	for i := 0; i < n; i++ {
		X, Y := ns[i].X, ns[i].Y
		x, y := nd[i].X, nd[i].Y
		r := 2 * i
		A.Set(r, 0, X)
		A.Set(r, 1, Y)
		A.Set(r, 2, 1)
		A.Set(r, 6, -X*x)
		A.Set(r, 7, -Y*x)
		B.SetVec(r, x)

		A.Set(r+1, 3, X)
		A.Set(r+1, 4, Y)
		A.Set(r+1, 5, 1)
		A.Set(r+1, 6, -X*y)
		A.Set(r+1, 7, -Y*y)
		B.SetVec(r+1, y)
	}

	var qr mat.QR
	qr.Factorize(A)
	var h mat.VecDense
	if err := qr.SolveVecTo(&h, false, B); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrHomographyFailed, err)
	}

	hn := mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	})

	// H = Td^-1 * Hn * Ts
	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrHomographyFailed, err)
	}
	var tmp, full mat.Dense
	tmp.Mul(hn, ts)
	full.Mul(&tdInv, &tmp)

	s := full.At(2, 2)
	if math.Abs(s) < 1e-12 {
		return Homography{}, fmt.Errorf("%w: homography at infinity", ErrHomographyFailed)
	}
	var out f64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = full.At(r, c) / s
		}
	}
	return Homography{H: out}, nil
}

// normalise moves the centroid to the origin and scales the mean distance to
// sqrt(2). It returns the normalised points and the 3x3 conditioning matrix.
func normalise(pts []r2.Point) ([]r2.Point, *mat.Dense, bool) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))

	var mean float64
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	if mean < collinearEpsilon {
		return nil, nil, false
	}

	s := math.Sqrt2 / mean
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
	return out, t, true
}

func collinear(a, b, c r2.Point) bool {
	ab := b.Sub(a)
	ac := c.Sub(a)
	scale := ab.Norm() * ac.Norm()
	if scale < collinearEpsilon {
		return true
	}
	return math.Abs(ab.Cross(ac)) <= collinearEpsilon*scale
}
