// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/leastsq/lstsq"
)

// lmSpec carries the immutable configuration of one solve.
type lmSpec struct {
	prob   *lstsq.Problem
	stop   Termination
	damp   Damping
	logger Logger
}

// lmSolver holds the mutable state threaded through the outer/inner loop,
// local to one solve so independent solves never interfere.
//
// The damping weight 𝛌 blends two regimes of the augmented normal equations
//
//	(𝐇 + 𝛌·𝚍𝚒𝚊𝚐(𝐇))·𝛅 = -𝐃  where 𝐇 = 𝐉ᵀ𝐉, 𝐃 = 𝐉ᵀ𝐲
//
// large 𝛌 approaches scaled gradient descent, small 𝛌 approaches Gauss-Newton.
// Every accepted update divides 𝛌 by 𝛈, every rejection multiplies it back,
// so the inner loop backs off until a descending step is found.
type lmSolver struct {
	lmSpec

	lambda float64
	x, y   []float64 // current best point and residual
	e      float64   // current best RMS error

	derr   []float64 // accepted error drops, append-only
	errors []float64 // accepted RMS errors, append-only

	updates int // accepted updates over the whole solve
	trials  int // trial steps over the whole solve

	derrRatio float64
	stepRatio float64

	status    Status
	converged bool
}

func (s *lmSolver) mainLoop() error {

	log := &s.logger
	if log.enable(LogTrace) {
		rule := strings.Repeat("=", 72)
		log.log("%s\n", rule)
		log.log("%6s %14s %16s %16s %16s\n", "Update", "RMSE", "lambda", "Rel. Step Size", "Rel. Error Drop")
		log.log("%s\n", rule)
		log.log("%6d %14.6e %16.6e\n", s.updates, s.e, s.lambda)
	}

	for !s.converged {
		if err := s.iterate(); err != nil {
			return err
		}
		if log.enable(LogTrace) {
			log.log("%6d %14.6e %16.6e %16.6e %16.6e\n",
				s.updates, s.e, s.lambda, s.stepRatio, s.derrRatio)
		}
	}
	return nil
}

// iterate performs one outer iteration: a fresh Jacobian at the best point,
// then damped trial steps until one is accepted or the solve converges.
func (s *lmSolver) iterate() error {

	j, err := s.prob.ComputeJacobian(s.x, s.y)
	if err != nil {
		return fmt.Errorf("compute jacobian: %w", err)
	}

	var h mat.Dense
	h.Mul(j.T(), j)

	var d mat.VecDense
	d.MulVec(j.T(), mat.NewVecDense(len(s.y), s.y))

	if s.lambda < 0 {
		s.lambda = meanDiag(&h)
	}

	better := false
	trials := 0
	for !better && !s.converged {
		if better, err = s.trial(&h, &d); err != nil {
			return err
		}
		trials++
		if !s.converged && !better && (s.lambda == 0 || trials >= s.stop.MaxIterations) {
			s.converged = true
			s.status = Stalled
		}
	}
	return nil
}

// trial attempts a single damped step and adapts 𝛌 from the outcome.
func (s *lmSolver) trial(h *mat.Dense, d *mat.VecDense) (better bool, err error) {

	n, _ := h.Dims()

	// augmented normal equations A = H + 𝛌·diag(H)
	a := mat.DenseCopyOf(h)
	for i := 0; i < n; i++ {
		a.Set(i, i, h.At(i, i)*(1+s.lambda))
	}

	var nd, delta mat.VecDense
	nd.ScaleVec(-1, d)

	// A near-singular solve still yields a usable step, only an exactly
	// singular one leaves the step undefined and the ill-posedness check
	// below turns that into a hard stop.
	stepNorm := math.Inf(1)
	var step []float64
	if err := delta.SolveVec(a, &nd); err == nil || isCondition(err) {
		step = delta.RawVector().Data
		stepNorm = floats.Norm(step, 2)
	}

	s.trials++
	if isFinite(stepNorm) {
		xTry := s.prob.ApplyUpdate(s.x, step)
		yTry, err := s.prob.Evaluate(xTry)
		if err != nil {
			return false, fmt.Errorf("evaluate trial point: %w", err)
		}

		eTry := rms(yTry)
		de := s.e - eTry

		if better = de > 0; better { // accept the update
			s.lambda /= s.damp.Eta
			s.x, s.y, s.e = xTry, yTry, eTry
			s.derr = append(s.derr, de)
			s.errors = append(s.errors, eTry)
			s.updates++
		} else { // reject the update
			s.lambda *= s.damp.Eta
		}
	}

	// convergence control
	// the ratio checks carry no signal until two updates were accepted
	s.derrRatio = 1.0
	if last := len(s.derr) - 1; last > 0 {
		s.derrRatio = s.derr[last] / s.derr[last-1]
	}
	s.stepRatio = stepNorm / floats.Norm(s.x, 2)

	switch {
	case s.updates >= s.stop.MaxIterations:
		s.converged, s.status = true, MaxUpdates
	case s.updates > 1 && s.derrRatio < s.stop.Epsilon:
		s.converged, s.status = true, SmallDecay
	case s.updates > 1 && s.stepRatio < s.stop.Epsilon:
		s.converged, s.status = true, SmallStep
	}

	ill := false
	for i, v := range s.prob.ActiveVars() {
		if h.At(i, i) == 0 {
			if s.logger.enable(LogWarn) {
				s.logger.log("change of parameter %d not responsive\n", v)
			}
			ill = true
		}
	}
	ill = ill || !isFinite(stepNorm)

	if ill {
		if s.logger.enable(LogWarn) {
			s.logger.log("problem ill-posed\n")
		}
		return false, ErrIllPosed
	}
	return better, nil
}

// rms computes √(𝚖𝚎𝚊𝚗(yᵢ²)).
func rms(y []float64) float64 {
	return floats.Norm(y, 2) / math.Sqrt(float64(len(y)))
}

func meanDiag(h *mat.Dense) float64 {
	n, _ := h.Dims()
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += h.At(i, i)
	}
	return sum / float64(n)
}

func isFinite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}

func isCondition(err error) bool {
	var cond mat.Condition
	return errors.As(err, &cond)
}
