package sensors

import "math"

// Forbidden marks a measurement/landmark pair that failed gating.
const Forbidden = 1e18

// Assign solves the rectangular assignment problem for a measurements ×
// landmarks cost matrix with the Kuhn-Munkres algorithm. It returns
// assign[i] = landmark column for measurement i, or -1. Costs at or above
// Forbidden are never selected.
func Assign(cost [][]float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := len(cost[0])
	out := make([]int, rows)
	for i := range out {
		out[i] = -1
	}
	if cols == 0 {
		return out
	}

	n := max(rows, cols)
	at := func(i, j int) float64 {
		if i < rows && j < cols {
			return cost[i][j]
		}
		return Forbidden
	}

	// Potentials and matching use 1-based indices; column 0 is virtual.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	match := make([]int, n+1) // match[j] = row holding column j
	prev := make([]int, n+1)
	slack := make([]float64, n+1)
	seen := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		match[0] = i
		col := 0
		for j := range slack {
			slack[j] = inf
			seen[j] = false
		}
		for {
			seen[col] = true
			row := match[col]
			delta := inf
			next := -1
			for j := 1; j <= n; j++ {
				if seen[j] {
					continue
				}
				if c := at(row-1, j-1) - u[row] - v[j]; c < slack[j] {
					slack[j] = c
					prev[j] = col
				}
				if slack[j] < delta {
					delta = slack[j]
					next = j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= n; j++ {
				if seen[j] {
					u[match[j]] += delta
					v[j] -= delta
				} else {
					slack[j] -= delta
				}
			}
			col = next
			if match[col] == 0 {
				break
			}
		}
		for col != 0 {
			match[col] = match[prev[col]]
			col = prev[col]
		}
	}

	for j := 1; j <= n; j++ {
		i := match[j] - 1
		if i < 0 || i >= rows || j-1 >= cols || cost[i][j-1] >= Forbidden {
			continue
		}
		out[i] = j - 1
	}
	diagf("assigned %dx%d cost matrix", rows, cols)
	return out
}
