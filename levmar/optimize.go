// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package levmar

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/curioloop/leastsq/lstsq"
)

var (
	// ErrIllPosed reports singular normal equations or a non-finite step:
	// a parameter with no local sensitivity makes further progress impossible.
	ErrIllPosed = errors.New("problem ill-posed")
	// ErrSolution reports a solution vector the model refused to accept.
	// It is distinct from a failed optimization.
	ErrSolution = errors.New("error setting solution")
)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of accepted updates exceeds limit.
	// The same limit bounds the number of rejected trials within one damping loop.
	MaxIterations int
	// The iteration will stop, once at least 2 updates were accepted, when either
	//   - the ratio of the two most recent error drops: 𝚫𝒆ₖ/𝚫𝒆ₖ₋₁ < 𝜀
	//   - the relative step size: ‖𝛅‖/‖𝐱‖ < 𝜀
	Epsilon float64
}

// Damping specifies the Levenberg-Marquardt regularization weight 𝛌
// blending gradient-descent and Gauss-Newton behaviour.
type Damping struct {
	// Initial 𝛌. A negative value selects 𝛌 automatically from the
	// mean Hessian diagonal on the first iteration.
	Init float64
	// Growth factor 𝛈 > 1: an accepted update divides 𝛌 by 𝛈,
	// a rejected trial multiplies 𝛌 by 𝛈.
	Eta float64
}

// DefaultDamping selects the initial weight automatically.
var DefaultDamping = Damping{Init: -1, Eta: 10}

// Problem specifies the problem for the Levenberg-Marquardt optimizer.
type Problem struct {
	LSQ  *lstsq.Problem // The least-squares objective
	Stop Termination    // Stop condition
	Damp Damping        // Damping adaptation
}

// New creates a new Levenberg-Marquardt optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}

	switch {
	case p.LSQ == nil:
		err = errors.New("least-squares problem is required")
	case p.Stop.MaxIterations <= 0:
		err = errors.New("max iteration must greater than 1")
	case p.Stop.Epsilon < 0:
		err = errors.New("relative epsilon must not less than 0")
	case p.Damp.Eta <= 1:
		err = errors.New("damping growth factor must greater than 1")
	}
	if err == nil {
		err = p.LSQ.Check()
	}
	if err != nil {
		return
	}

	optimizer = &Optimizer{
		lmSpec{
			prob:   p.LSQ,
			stop:   p.Stop,
			damp:   p.Damp,
			logger: *logger,
		},
	}
	return
}

// Optimizer implemented using the Levenberg-Marquardt algorithm.
type Optimizer struct {
	lmSpec
}

// Status indicates which criterion ended the iteration.
type Status int

const (
	// MaxUpdates the accepted-update count reached the configured limit.
	MaxUpdates Status = iota + 1
	// SmallDecay the error decay has flattened below epsilon.
	SmallDecay
	// SmallStep the relative step size has flattened below epsilon.
	SmallStep
	// Stalled a rejected trial left no viable direction.
	Stalled
)

// Result contains the final result of the optimization process.
// A non-nil result means the solution was committed into the problem.
type Result struct {
	X       []float64 // Final solution.
	RMSE    float64   // Final root-mean-square error.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status     Status        // Termination reason.
	NumUpdates int           // Number of accepted updates.
	NumTrials  int           // Total number of trial steps, accepted or not.
	Errors     []float64     // RMS error after each accepted update.
	Elapsed    time.Duration // Wall time spent in the solve.
}

// Fit runs the optimization process from the initial guess x0.
// On success the winning vector has been committed via SetSolution.
// Evaluation errors, ill-posed systems and rejected solutions are
// all reported as a non-nil error with no partial commit.
func (o *Optimizer) Fit(x0 []float64) (*Result, error) {

	if len(x0) != o.prob.Vars {
		panic("initial x dimension not match spec")
	}

	start := time.Now()

	y0, err := o.prob.Evaluate(x0)
	if err != nil {
		return nil, fmt.Errorf("evaluate initial guess: %w", err)
	}

	solver := lmSolver{
		lmSpec: o.lmSpec,
		lambda: o.damp.Init,
		x:      slices.Repeat(x0, 1),
		y:      y0,
		e:      rms(y0),
	}

	if err := solver.mainLoop(); err != nil {
		return nil, err
	}

	if !o.prob.SetSolution(solver.x) {
		if o.logger.enable(LogWarn) {
			o.logger.log("error setting solution\n")
		}
		return nil, fmt.Errorf("%w: x = %v", ErrSolution, solver.x)
	}

	return &Result{
		X:    solver.x,
		RMSE: solver.e,
		Summary: Summary{
			Status:     solver.status,
			NumUpdates: solver.updates,
			NumTrials:  solver.trials,
			Errors:     solver.errors,
			Elapsed:    time.Since(start),
		},
	}, nil
}

// FitModel flattens the attached model into the initial guess and runs Fit.
// The committed solution is restored into the model.
func (o *Optimizer) FitModel() (*Result, error) {
	if o.prob.Model == nil {
		return nil, errors.New("no model attached")
	}
	x0, ok := o.prob.Model.Store()
	if !ok {
		return nil, lstsq.ErrVectorise
	}
	return o.Fit(x0)
}
