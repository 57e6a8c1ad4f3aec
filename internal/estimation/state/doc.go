// Package state owns the contiguous storage for estimated variables.
//
// An Arena is a single []float64 carved into blocks. Callers hold Handles,
// never slices, so the buffer can be relocated when it grows without
// invalidating anything outside this package. Growth at least doubles the
// capacity and happens under the arena's write lock.
package state
