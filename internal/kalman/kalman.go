// Package kalman implements the linear predict/update steps shared by every
// track, on top of gonum matrices.
package kalman

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaxInnovationCondition is the largest condition number accepted for the
// innovation covariance S. Anything worse is treated as singular.
const MaxInnovationCondition = 1e14

// ErrSingularInnovation is returned when S cannot be inverted, which points
// at a degenerate measurement covariance.
var ErrSingularInnovation = errors.New("singular innovation covariance")

// ErrNonFinite is returned when an update produced NaN or ±Inf.
var ErrNonFinite = errors.New("non-finite state after update")

// Innovation is the residual of one measurement against a predicted state.
type Innovation struct {
	// Y is z − H x'.
	Y *mat.VecDense
	// S is H P' Hᵀ + R.
	S *mat.SymDense
	// D2 is the squared Mahalanobis distance yᵀ S⁻¹ y, the gating statistic.
	D2 float64

	chol mat.Cholesky
}

// Predict returns x' = F x and P' = F P Fᵀ + Q.
func Predict(x mat.Vector, P mat.Symmetric, F mat.Matrix, Q mat.Symmetric) (*mat.VecDense, *mat.SymDense) {
	var xp mat.VecDense
	xp.MulVec(F, x)

	var fp, fpf mat.Dense
	fp.Mul(F, P)
	fpf.Mul(&fp, F.T())
	fpf.Add(&fpf, Q)
	return &xp, Symmetrize(&fpf)
}

// Innovate computes the innovation of z against the predicted state. It
// returns ErrSingularInnovation when S is not positive definite or is too
// badly conditioned to invert.
func Innovate(x mat.Vector, P mat.Symmetric, H mat.Matrix, z mat.Vector, R mat.Symmetric) (*Innovation, error) {
	var hx mat.VecDense
	hx.MulVec(H, x)

	inn := &Innovation{Y: mat.NewVecDense(z.Len(), nil)}
	inn.Y.SubVec(z, &hx)

	var hp, hph mat.Dense
	hp.Mul(H, P)
	hph.Mul(&hp, H.T())
	hph.Add(&hph, R)
	inn.S = Symmetrize(&hph)

	if ok := inn.chol.Factorize(inn.S); !ok || inn.chol.Cond() > MaxInnovationCondition {
		return nil, ErrSingularInnovation
	}

	var w mat.VecDense
	if err := inn.chol.SolveVecTo(&w, inn.Y); err != nil {
		return nil, ErrSingularInnovation
	}
	inn.D2 = mat.Dot(inn.Y, &w)
	if math.IsNaN(inn.D2) || math.IsInf(inn.D2, 0) {
		return nil, ErrSingularInnovation
	}
	return inn, nil
}

// Update applies the correction for an innovation computed against the same
// predicted x and P: K = P Hᵀ S⁻¹, x = x + K y, P = (I − K H) P.
func Update(x mat.Vector, P mat.Symmetric, H mat.Matrix, inn *Innovation) (*mat.VecDense, *mat.SymDense, error) {
	n := x.Len()

	var pht mat.Dense
	pht.Mul(P, H.T())

	// S Kᵀ = (P Hᵀ)ᵀ since S and P are symmetric.
	var kt mat.Dense
	if err := inn.chol.SolveTo(&kt, pht.T()); err != nil {
		return nil, nil, ErrSingularInnovation
	}
	K := kt.T()

	var ky mat.VecDense
	ky.MulVec(K, inn.Y)
	xu := mat.NewVecDense(n, nil)
	xu.AddVec(x, &ky)

	var kh, ikh, pu mat.Dense
	kh.Mul(K, H)
	ikh.Sub(identity(n), &kh)
	pu.Mul(&ikh, P)
	Pu := Symmetrize(&pu)

	if !IsFinite(xu, Pu) {
		return nil, nil, ErrNonFinite
	}
	return xu, Pu, nil
}

// Symmetrize returns (A + Aᵀ)/2, removing the asymmetry that accumulates
// from floating point error.
func Symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

// IsFinite reports whether every element of x and the diagonal of P is
// finite (not NaN or ±Inf).
func IsFinite(x mat.Vector, P mat.Symmetric) bool {
	for i := 0; i < x.Len(); i++ {
		if v := x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for i := 0; i < P.SymmetricDim(); i++ {
		if v := P.At(i, i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func identity(n int) *mat.DiagDense {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return mat.NewDiagDense(n, d)
}
