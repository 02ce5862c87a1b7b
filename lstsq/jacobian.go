// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstsq

import (
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// jacobianSlice assigns one Jacobian column to a differentiation worker.
type jacobianSlice struct {
	col int // column of J
	v   int // index of the perturbed variable in x
}

// ComputeJacobian estimates the Conds×|active| Jacobian at x
// by forward finite differences:
//
//	J[:,i] = (𝒇(𝐱 + h·𝐞ᵥ) - 𝐲) / h
//
// where v is the i-th active variable and 𝐲 = 𝒇(𝐱) is the shared baseline,
// evaluated once here when y is nil. Reusing one baseline keeps the columns
// consistent no matter which worker computes them.
//
// Columns are assigned round-robin to a group of short-lived workers, each
// perturbing its own clone of x and writing a disjoint set of columns.
// The assignment depends only on the active set and the worker count,
// so the result is identical for any scheduling and any Workers value.
// The call blocks until every worker is done and returns the first
// evaluation error, if any.
func (p *Problem) ComputeJacobian(x, y []float64) (*mat.Dense, error) {

	if y == nil {
		var err error
		if y, err = p.Evaluate(x); err != nil {
			return nil, err
		}
	}

	workers := min(p.Workers, len(p.varIdx))
	parts := make([][]jacobianSlice, workers)
	for i, v := range p.varIdx {
		k := i % workers
		parts[k] = append(parts[k], jacobianSlice{col: i, v: v})
	}

	j := mat.NewDense(p.Conds, len(p.varIdx), nil)
	h := p.DiffStep

	var group errgroup.Group
	for _, part := range parts {
		group.Go(func() error {
			xw := slices.Repeat(x, 1)
			for _, s := range part {
				xw[s.v] = x[s.v] + h
				yt, err := p.Evaluate(xw)
				if err != nil {
					return err
				}
				for r := 0; r < p.Conds; r++ {
					if p.Pattern != nil && !p.Pattern[r*p.Vars+s.v] {
						continue
					}
					j.Set(r, s.col, (yt[r]-y[r])/h)
				}
				xw[s.v] = x[s.v]
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return j, nil
}
