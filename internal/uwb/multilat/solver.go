package multilat

import (
	"errors"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

const (
	// DefaultEpsilon is the relative threshold below which the anchor
	// geometry is treated as degenerate.
	DefaultEpsilon = 1e-9
	// DefaultZTolerance is how far below zero (in cm²) z² may fall before
	// the 3D solve reports ErrNoRealSolution. Smaller deficits are clamped
	// to a planar solution.
	DefaultZTolerance = 1.0
)

// Solver turns anchor distances into a position. The zero value solves in 2D
// with the default thresholds and the lower-z branch.
type Solver struct {
	// Dims is 2 or 3. Zero means 2.
	Dims       int
	Branch     Branch
	Epsilon    float64
	ZTolerance float64
}

func (s Solver) dims() int {
	if s.Dims == 3 {
		return 3
	}
	return 2
}

func (s Solver) epsilon() float64 {
	if s.Epsilon > 0 {
		return s.Epsilon
	}
	return DefaultEpsilon
}

func (s Solver) zTolerance() float64 {
	if s.ZTolerance > 0 {
		return s.ZTolerance
	}
	return DefaultZTolerance
}

// Solve computes a position from the observations. Exactly three
// observations use the closed-form solve for the configured dimension; more
// use a linear least-squares fit. The observations are ordered by anchor id so
// the result does not depend on map iteration order.
func (s Solver) Solve(obs map[ranging.AnchorID]Observation) (Estimate, error) {
	if len(obs) < 3 {
		return Estimate{}, ErrInsufficientAnchors
	}
	ids := make([]ranging.AnchorID, 0, len(obs))
	for id := range obs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	ms := make([]Measurement, len(ids))
	for i, id := range ids {
		o := obs[id]
		if s.dims() == 2 {
			o.Position.Z = 0
		}
		ms[i] = Measurement{Anchor: id, Observation: o}
	}

	var (
		est Estimate
		err error
	)
	switch {
	case len(ms) > 3:
		est, err = s.leastSquares(ms)
	case s.dims() == 3:
		est, err = s.exact3D(ms)
	default:
		est, err = s.exact2D(ms)
	}
	if err != nil {
		return Estimate{}, err
	}
	est.Anchors = ms
	est.Residual = residual(est.Point, ms)
	return est, nil
}

// exact2D solves three 2D observations in closed form. Subtracting the
// squared-distance equation of the first anchor from the other two leaves a
// 2x2 linear system, solved by Cramer's rule.
func (s Solver) exact2D(ms []Measurement) (Estimate, error) {
	p1, p2, p3 := ms[0].Position, ms[1].Position, ms[2].Position
	d1, d2, d3 := ms[0].Distance, ms[1].Distance, ms[2].Distance

	a := 2 * (p2.X - p1.X)
	b := 2 * (p2.Y - p1.Y)
	c := d1*d1 - d2*d2 - p1.X*p1.X + p2.X*p2.X - p1.Y*p1.Y + p2.Y*p2.Y
	d := 2 * (p3.X - p1.X)
	e := 2 * (p3.Y - p1.Y)
	f := d1*d1 - d3*d3 - p1.X*p1.X + p3.X*p3.X - p1.Y*p1.Y + p3.Y*p3.Y

	det := a*e - b*d
	// det is |u||v|sin(angle) for the baselines u, v; compare the sine
	scale := math.Hypot(a, b) * math.Hypot(d, e)
	if scale == 0 || math.Abs(det) <= s.epsilon()*scale {
		return Estimate{}, ErrDegenerate
	}

	return Estimate{
		Point:  Point{X: (c*e - f*b) / det, Y: (a*f - d*c) / det},
		Method: MethodExact2D,
	}, nil
}

// exact3D solves three 3D observations in closed form in the frame spanned by
// the anchors, then maps both mirror candidates back to world coordinates.
func (s Solver) exact3D(ms []Measurement) (Estimate, error) {
	p1, p2, p3 := ms[0].Position.vec(), ms[1].Position.vec(), ms[2].Position.vec()
	d1, d2, d3 := ms[0].Distance, ms[1].Distance, ms[2].Distance

	u := r3.Sub(p2, p1)
	d := r3.Norm(u)
	w := r3.Sub(p3, p1)
	if d == 0 || d <= s.epsilon()*r3.Norm(w) {
		return Estimate{}, ErrDegenerate
	}
	ex := r3.Scale(1/d, u)
	i := r3.Dot(ex, w)
	v := r3.Sub(w, r3.Scale(i, ex))
	vn := r3.Norm(v)
	if vn == 0 || vn <= s.epsilon()*math.Max(d, r3.Norm(w)) {
		return Estimate{}, ErrDegenerate
	}
	ey := r3.Scale(1/vn, v)
	ez := r3.Cross(ex, ey)
	j := r3.Dot(ey, w)

	x := (d1*d1 - d2*d2 + d*d) / (2 * d)
	y := (d1*d1-d3*d3+i*i+j*j)/(2*j) - (i/j)*x
	z2 := d1*d1 - x*x - y*y
	if z2 < 0 {
		if z2 < -s.zTolerance() {
			return Estimate{}, ErrNoRealSolution
		}
		z2 = 0
	}
	z := math.Sqrt(z2)

	base := r3.Add(p1, r3.Add(r3.Scale(x, ex), r3.Scale(y, ey)))
	a := pointOf(r3.Add(base, r3.Scale(z, ez)))
	b := pointOf(r3.Sub(base, r3.Scale(z, ez)))

	chosen, alt := s.pick(a, b)
	return Estimate{Point: chosen, Method: MethodExact3D, Alternative: &alt}, nil
}

// pick orders two mirror candidates by z and returns the configured branch
// first.
func (s Solver) pick(a, b Point) (chosen, alt Point) {
	lower, upper := a, b
	if b.Z < a.Z {
		lower, upper = b, a
	}
	if s.Branch == BranchUpperZ {
		return upper, lower
	}
	return lower, upper
}

// leastSquares linearises every observation against the first one and fits
// the overdetermined system with a QR decomposition. In 3D with every anchor
// at one height the z column vanishes, so x and y are fitted alone and z is
// recovered from the distances.
func (s Solver) leastSquares(ms []Measurement) (Estimate, error) {
	n := s.dims()
	level := n == 3 && s.level(ms)
	if level {
		n = 2
	}
	p1 := ms[0].Position.vec()
	r1 := ms[0].Distance
	rows := len(ms) - 1
	if rows < n {
		return Estimate{}, ErrInsufficientAnchors
	}

	a := mat.NewDense(rows, n, nil)
	b := mat.NewVecDense(rows, nil)
	for k, m := range ms[1:] {
		p := m.Position.vec()
		diff := r3.Sub(p, p1)
		a.Set(k, 0, 2*diff.X)
		a.Set(k, 1, 2*diff.Y)
		if n == 3 {
			a.Set(k, 2, 2*diff.Z)
		}
		b.SetVec(k, r1*r1-m.Distance*m.Distance+r3.Norm2(p)-r3.Norm2(p1))
	}

	var qr mat.QR
	qr.Factorize(a)

	var sol mat.VecDense
	illConditioned := false
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Estimate{}, ErrDegenerate
		}
		illConditioned = true
	}

	pt := Point{X: sol.AtVec(0), Y: sol.AtVec(1)}
	if n == 3 {
		pt.Z = sol.AtVec(2)
	}
	if !finite(pt.X) || !finite(pt.Y) || !finite(pt.Z) {
		return Estimate{}, ErrDegenerate
	}
	est := Estimate{Point: pt, Method: MethodLeastSquares, IllConditioned: illConditioned}
	if level {
		var err error
		if est.Point, est.Alternative, err = s.liftZ(pt, ms); err != nil {
			return Estimate{}, err
		}
	}
	return est, nil
}

// level reports whether every anchor sits at the height of the first one.
func (s Solver) level(ms []Measurement) bool {
	p1 := ms[0].Position
	var spread, extent float64
	for _, m := range ms[1:] {
		spread = math.Max(spread, math.Abs(m.Position.Z-p1.Z))
		extent = math.Max(extent, r3.Norm(r3.Sub(m.Position.vec(), p1.vec())))
	}
	return spread <= s.epsilon()*extent
}

// liftZ places pt above and below the common anchor plane at the height that
// best matches the distances, and returns the configured branch first.
func (s Solver) liftZ(pt Point, ms []Measurement) (Point, *Point, error) {
	h := ms[0].Position.Z
	var z2 float64
	for _, m := range ms {
		dx, dy := pt.X-m.Position.X, pt.Y-m.Position.Y
		z2 += m.Distance*m.Distance - dx*dx - dy*dy
	}
	z2 /= float64(len(ms))
	if z2 < 0 {
		if z2 < -s.zTolerance() {
			return Point{}, nil, ErrNoRealSolution
		}
		z2 = 0
	}
	z := math.Sqrt(z2)

	above, below := pt, pt
	above.Z, below.Z = h+z, h-z
	chosen, alt := s.pick(above, below)
	return chosen, &alt, nil
}

func residual(p Point, ms []Measurement) float64 {
	if len(ms) == 0 {
		return 0
	}
	pv := p.vec()
	var sum float64
	for _, m := range ms {
		e := r3.Norm(r3.Sub(pv, m.Position.vec())) - m.Distance
		sum += e * e
	}
	return math.Sqrt(sum / float64(len(ms)))
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
