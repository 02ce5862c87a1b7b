// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lstsq

// Vectorisable is implemented by any model state that can be flattened
// into an ordered float64 vector and rebuilt from one.
//
// The round-trip Store then Restore must reproduce an equivalent state
// bit-for-bit: the vector is the canonical form the solver machinery
// operates on, and no lossy conversion is allowed in either direction.
type Vectorisable interface {
	// Store serializes the current state into a flat vector.
	// It reports false (with no side effects) when the state
	// cannot be represented, e.g. uninitialized fields.
	Store() ([]float64, bool)
	// Restore rebuilds the state from a flat vector previously
	// produced by Store. It reports false when the vector cannot
	// be written back, e.g. wrong length for the model.
	Restore(v []float64) bool
}
