// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstsq

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// curvedResidual is a smooth 3×2 test objective with distinct columns.
func curvedResidual(x []float64) ([]float64, error) {
	return []float64{
		x[0] * math.Sin(x[1]),
		x[1] * math.Cos(x[0]),
		math.Pow(x[0], 3) * x[1],
	}, nil
}

func TestJacobianLinear(t *testing.T) {
	// y = A·x - b has the exact Jacobian A
	a := [][]float64{
		{2, -1},
		{0.5, 3},
		{-4, 0.25},
	}
	b := []float64{1, 2, 3}

	p := &Problem{
		Vars: 2, Conds: 3,
		Eval: func(x []float64) ([]float64, error) {
			y := make([]float64, 3)
			for r := range y {
				y[r] = a[r][0]*x[0] + a[r][1]*x[1] - b[r]
			}
			return y, nil
		},
	}
	require.NoError(t, p.Check())

	j, err := p.ComputeJacobian([]float64{0.3, -0.7}, nil)
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		for c := 0; c < 2; c++ {
			require.InDelta(t, a[r][c], j.At(r, c), 1e-6)
		}
	}
}

func TestJacobianDeterminism(t *testing.T) {
	x := []float64{-1.2, 0.8}

	compute := func(workers int, active []int) *mat.Dense {
		p := &Problem{Vars: 2, Conds: 3, Eval: curvedResidual, Workers: workers}
		require.NoError(t, p.SetActiveVars(active))
		require.NoError(t, p.Check())
		j, err := p.ComputeJacobian(x, nil)
		require.NoError(t, err)
		return j
	}

	// identical output bit-for-bit regardless of worker count
	j1 := compute(1, []int{0, 1})
	for _, workers := range []int{2, 4, 16} {
		require.True(t, mat.Equal(j1, compute(workers, []int{0, 1})))
	}

	// permuting the active ordering only permutes the columns
	jp := compute(4, []int{1, 0})
	for r := 0; r < 3; r++ {
		require.Equal(t, j1.At(r, 0), jp.At(r, 1))
		require.Equal(t, j1.At(r, 1), jp.At(r, 0))
	}
}

func TestJacobianMask(t *testing.T) {
	// residual 2 genuinely depends on both variables,
	// the pattern declares its second partial structurally zero
	pattern := []bool{
		true, true,
		true, false,
		false, false,
	}
	p := &Problem{Vars: 2, Conds: 3, Eval: curvedResidual, Pattern: pattern}
	require.NoError(t, p.Check())

	j, err := p.ComputeJacobian([]float64{1.5, 2.5}, nil)
	require.NoError(t, err)

	require.NotZero(t, j.At(0, 0))
	require.NotZero(t, j.At(0, 1))
	require.NotZero(t, j.At(1, 0))
	require.Zero(t, j.At(1, 1))
	require.Zero(t, j.At(2, 0))
	require.Zero(t, j.At(2, 1))
}

func TestJacobianBaseline(t *testing.T) {
	var evals atomic.Int64
	p := &Problem{
		Vars: 3, Conds: 3,
		Eval: func(x []float64) ([]float64, error) {
			evals.Add(1)
			return identityResidual(3)(x)
		},
	}
	require.NoError(t, p.Check())

	x := []float64{1, 2, 3}

	// a supplied baseline is reused across every column
	y, err := p.Evaluate(x)
	require.NoError(t, err)
	evals.Store(0)
	_, err = p.ComputeJacobian(x, y)
	require.NoError(t, err)
	require.Equal(t, int64(3), evals.Load())

	// without one the base residual is evaluated exactly once
	evals.Store(0)
	_, err = p.ComputeJacobian(x, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), evals.Load())
}

func TestJacobianEvalError(t *testing.T) {
	boom := errors.New("boom")
	base := []float64{1, 1}
	p := &Problem{
		Vars: 2, Conds: 2,
		Eval: func(x []float64) ([]float64, error) {
			if x[1] != base[1] { // fail on perturbation of the second variable
				return nil, boom
			}
			return identityResidual(2)(x)
		},
	}
	require.NoError(t, p.Check())

	_, err := p.ComputeJacobian(base, nil)
	require.ErrorIs(t, err, boom)
}
