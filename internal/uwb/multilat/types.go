// Package multilat computes a tag position from distances to anchors at
// known positions.
package multilat

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

var (
	// ErrInsufficientAnchors means fewer than three usable distances were
	// supplied.
	ErrInsufficientAnchors = errors.New("multilat: need at least 3 anchors")
	// ErrDegenerate means the anchor geometry has no unique solution
	// (coincident or collinear anchors).
	ErrDegenerate = errors.New("multilat: degenerate anchor geometry")
	// ErrNoRealSolution means the distances are inconsistent with the
	// anchors (negative z squared in the 3D solve).
	ErrNoRealSolution = errors.New("multilat: no real solution")
)

// Point is a position in centimetres. Z is zero for 2D layouts.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Point) vec() r3.Vec { return r3.Vec{X: p.X, Y: p.Y, Z: p.Z} }

func pointOf(v r3.Vec) Point { return Point{X: v.X, Y: v.Y, Z: v.Z} }

func (p Point) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Observation pairs an anchor position with a measured distance to it.
type Observation struct {
	Position Point   `json:"position"`
	Distance float64 `json:"distance_cm"`
}

// Measurement is an Observation tagged with the anchor it came from.
type Measurement struct {
	Anchor ranging.AnchorID `json:"anchor"`
	Observation
}

// Method names the algorithm that produced an estimate.
type Method string

const (
	MethodExact2D      Method = "exact_2d"
	MethodExact3D      Method = "exact_3d"
	MethodLeastSquares Method = "least_squares"
)

// Branch selects which of the two mirror solutions of the 3D exact solve is
// returned.
type Branch string

const (
	// BranchLowerZ picks the candidate closer to the ground.
	BranchLowerZ Branch = "lower_z"
	// BranchUpperZ picks the candidate with the larger z.
	BranchUpperZ Branch = "upper_z"
)

// ParseBranch validates a branch name. The empty string selects BranchLowerZ.
func ParseBranch(s string) (Branch, error) {
	switch Branch(s) {
	case "", BranchLowerZ:
		return BranchLowerZ, nil
	case BranchUpperZ:
		return BranchUpperZ, nil
	}
	return "", fmt.Errorf("invalid branch %q (want %q or %q)", s, BranchLowerZ, BranchUpperZ)
}

// Estimate is a solved position plus the inputs that produced it.
type Estimate struct {
	Point  Point  `json:"point"`
	Method Method `json:"method"`
	// Anchors lists the measurements used, ordered by anchor id. The first
	// entry is the reference anchor of the linear elimination.
	Anchors []Measurement `json:"anchors"`
	// Alternative is the mirror candidate of a 3D solve whose anchors do not
	// fix the side of their plane.
	Alternative *Point `json:"alternative,omitempty"`
	// Residual is the RMS difference in cm between measured distances and
	// the distances from Point to each anchor.
	Residual float64 `json:"residual_cm"`
	// IllConditioned marks a least-squares solve whose matrix was close to
	// singular. The point is returned but may be inaccurate.
	IllConditioned bool `json:"ill_conditioned,omitempty"`
}
