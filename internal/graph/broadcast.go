package graph

import "fmt"

// OutDimsForElementwiseOp computes the NumPy-style broadcast shape of two
// operand shapes: trailing dimensions aligned, size-1 dimensions stretched.
// Two non-1 sizes that disagree cannot broadcast.
func OutDimsForElementwiseOp(a, b []int) ([]int, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if i >= rank-len(a) {
			da = a[i-(rank-len(a))]
		}
		if i >= rank-len(b) {
			db = b[i-(rank-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("graph: shapes %v and %v do not broadcast at axis %d", a, b, i)
		}
	}
	return out, nil
}
