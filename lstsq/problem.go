// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstsq

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)

// ErrVectorise reports a model state that could not be flattened to a vector.
var ErrVectorise = errors.New("vectorisation failed")

// Evaluation maps a full parameter vector to the residual vector:
//   - 𝒇(𝐱) : ℝⁿ → ℝᵐ
//
// The function must be pure with respect to x and safe to call
// concurrently from multiple goroutines with different x values,
// because the Jacobian routine invokes it many times in parallel.
type Evaluation func(x []float64) ([]float64, error)

// Problem specifies a nonlinear least-squares objective:
// minimize ‖𝒇(𝐱)‖ over a subset of the coordinates of 𝐱.
type Problem struct {
	Vars  int        // The number of parameters (dimension of x)
	Conds int        // The number of conditions (dimension of the residual)
	Eval  Evaluation // Residual function 𝒇(𝐱)
	// Optional model behind Eval. When present, EvaluateModel can seed an
	// evaluation from the model state and SetSolution commits the accepted
	// vector back into it.
	Model Vectorisable
	// Optional Conds×Vars row-major Jacobian sparsity pattern.
	// Pattern[r*Vars+v] == false declares ∂𝒇ᵣ/∂𝐱ᵥ structurally zero:
	// the entry is forced to 0 without consulting the perturbed residual.
	// A nil pattern is treated as fully dense.
	Pattern []bool
	// Forward difference step size. Defaults to √𝜀 (machine precision).
	DiffStep float64
	// Number of goroutines for numerical differentiation.
	// Defaults to the host's hardware concurrency.
	Workers int

	varIdx   []int
	solution []float64
}

// Check validates the problem and applies defaults.
// It must succeed before the problem is handed to a solver.
func (p *Problem) Check() (err error) {

	switch {
	case p.Vars <= 0 || p.Conds <= 0:
		err = errors.New("negative dimensions")
	case p.Eval == nil:
		err = errors.New("residual function is required")
	case p.Pattern != nil && len(p.Pattern) != p.Conds*p.Vars:
		err = errors.New("invalid pattern dimensions")
	case p.DiffStep < 0:
		err = errors.New("diff step must not less than 0")
	}
	if err != nil {
		return
	}

	if p.DiffStep == 0 {
		p.DiffStep = sqrtEps
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	if p.varIdx == nil {
		p.varIdx = make([]int, p.Vars)
		for i := range p.varIdx {
			p.varIdx[i] = i
		}
	}
	return
}

// SetActiveVars restricts optimization to a subset of the parameters,
// in the given order. Variables outside the set are held fixed.
// The current set is left untouched when any index is out of range
// or duplicated.
func (p *Problem) SetActiveVars(idx []int) error {
	if len(idx) == 0 {
		return errors.New("empty active set")
	}
	seen := make(map[int]struct{}, len(idx))
	for _, v := range idx {
		if v < 0 || v >= p.Vars {
			return fmt.Errorf("variable index %d out of range", v)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("variable index %d duplicated", v)
		}
		seen[v] = struct{}{}
	}
	p.varIdx = slices.Repeat(idx, 1)
	return nil
}

// ActiveVars returns a copy of the active-variable ordering.
func (p *Problem) ActiveVars() []int {
	return slices.Repeat(p.varIdx, 1)
}

// Evaluate computes the residual vector at x.
func (p *Problem) Evaluate(x []float64) ([]float64, error) {
	y, err := p.Eval(x)
	if err != nil {
		return nil, err
	}
	if len(y) != p.Conds {
		return nil, fmt.Errorf("residual dimension %d, want %d", len(y), p.Conds)
	}
	return y, nil
}

// EvaluateModel flattens the model state and evaluates the residual there.
func (p *Problem) EvaluateModel(m Vectorisable) ([]float64, error) {
	x, ok := m.Store()
	if !ok {
		return nil, ErrVectorise
	}
	return p.Evaluate(x)
}

// ApplyUpdate produces a new full vector from x0 by adding delta[k] to
// the k-th active coordinate. Inactive coordinates pass through unchanged.
// A delta longer than the active set is a precondition violation.
func (p *Problem) ApplyUpdate(x0, delta []float64) []float64 {
	if len(delta) > len(p.varIdx) {
		panic("update dimension not match active set")
	}
	x := slices.Repeat(x0, 1)
	for i, d := range delta {
		x[p.varIdx[i]] += d
	}
	return x
}

// SetSolution commits a vector as the accepted final answer.
// When a model is attached the vector is written back into it,
// and a rejected write-back fails the commit.
// The committed vector remains readable via Solution.
func (p *Problem) SetSolution(x []float64) bool {
	if p.Model != nil && !p.Model.Restore(x) {
		return false
	}
	p.solution = slices.Repeat(x, 1)
	return true
}

// Solution returns the last committed solution, or nil.
func (p *Problem) Solution() []float64 {
	return p.solution
}
