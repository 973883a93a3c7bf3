package device

import (
	"math"
	"math/rand"
	"testing"
)

const tol = 1e-5

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestMatmulF32(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows, k, n := 7, 13, 5
	x := randSlice(rng, rows*k)
	w := randSlice(rng, k*n)
	out := make([]float32, rows*n)
	matmulF32(x, w, out, rows, k, n, 3)

	for r := 0; r < rows; r++ {
		for c := 0; c < n; c++ {
			var want float64
			for i := 0; i < k; i++ {
				want += float64(x[r*k+i]) * float64(w[i*n+c])
			}
			if math.Abs(float64(out[r*n+c])-want) > tol {
				t.Fatalf("out[%d][%d] = %f, want %f", r, c, out[r*n+c], want)
			}
		}
	}
}

func TestMatmulQCInt8MatchesDequantized(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	rows, k, n := 4, 8, 6
	x := randSlice(rng, rows*k)

	q := make([]byte, k*n)
	scales := make([]float32, n)
	for i := range q {
		q[i] = byte(int8(rng.Intn(255) - 127))
	}
	for c := range scales {
		scales[c] = rng.Float32()*0.1 + 0.01
	}

	got := make([]float32, rows*n)
	matmulQCInt8(x, q, scales, got, rows, k, n, 2)

	w := make([]float32, k*n)
	for i := 0; i < k; i++ {
		for c := 0; c < n; c++ {
			w[i*n+c] = float32(int8(q[i*n+c])) * scales[c]
		}
	}
	want := make([]float32, rows*n)
	matmulF32(x, w, want, rows, k, n, 1)

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Fatalf("quantized out[%d] = %f, dequantized %f", i, got[i], want[i])
		}
	}
}

func TestBatchMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	batch, m, k, n := 3, 4, 5, 2
	a := randSlice(rng, batch*m*k)
	b := randSlice(rng, batch*k*n)
	out := make([]float32, batch*m*n)
	batchMatMul(a, b, out, batch, m, k, n, false, 4)

	for bi := 0; bi < batch; bi++ {
		for r := 0; r < m; r++ {
			for c := 0; c < n; c++ {
				var want float64
				for i := 0; i < k; i++ {
					want += float64(a[(bi*m+r)*k+i]) * float64(b[(bi*k+i)*n+c])
				}
				got := out[(bi*m+r)*n+c]
				if math.Abs(float64(got)-want) > tol {
					t.Fatalf("batch %d out[%d][%d] = %f, want %f", bi, r, c, got, want)
				}
			}
		}
	}
}

func TestBatchMatMulTransposeRHS(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	batch, m, k, n := 2, 3, 6, 4
	a := randSlice(rng, batch*m*k)
	bT := randSlice(rng, batch*n*k) // [batch, n, k]

	got := make([]float32, batch*m*n)
	batchMatMul(a, bT, got, batch, m, k, n, true, 2)

	// Physically transpose the RHS and compare against the plain path.
	b := make([]float32, batch*k*n)
	for bi := 0; bi < batch; bi++ {
		for c := 0; c < n; c++ {
			for i := 0; i < k; i++ {
				b[(bi*k+i)*n+c] = bT[(bi*n+c)*k+i]
			}
		}
	}
	want := make([]float32, batch*m*n)
	batchMatMul(a, b, want, batch, m, k, n, false, 1)

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("transposed out[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestElementwiseBroadcast(t *testing.T) {
	// [2,3] + [3] broadcasts the vector over each row.
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{10, 20, 30}
	out := make([]float32, 6)
	elementwiseBinary(a, b, out, []int{2, 3}, []int{3}, []int{2, 3},
		func(x, y float32) float32 { return x + y }, 2)
	want := []float32{11, 22, 33, 14, 25, 36}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("row broadcast out[%d] = %f, want %f", i, out[i], w)
		}
	}

	// [2,1] * [2,3] broadcasts the column.
	c := []float32{2, 3}
	out2 := make([]float32, 6)
	elementwiseBinary(c, a, out2, []int{2, 1}, []int{2, 3}, []int{2, 3},
		func(x, y float32) float32 { return x * y }, 1)
	want2 := []float32{2, 4, 6, 12, 15, 18}
	for i, w := range want2 {
		if out2[i] != w {
			t.Errorf("col broadcast out[%d] = %f, want %f", i, out2[i], w)
		}
	}

	// Scalar [1] against everything.
	s := []float32{100}
	out3 := make([]float32, 6)
	elementwiseBinary(a, s, out3, []int{2, 3}, []int{1}, []int{2, 3},
		func(x, y float32) float32 { return x + y }, 3)
	for i := range a {
		if out3[i] != a[i]+100 {
			t.Errorf("scalar broadcast out[%d] = %f, want %f", i, out3[i], a[i]+100)
		}
	}
}

func TestSoftmaxLastAxis(t *testing.T) {
	in := []float32{1, 2, 3, 4, 1000, 1000, 1000, 1000}
	out := make([]float32, 8)
	softmaxLastAxis(in, out, 2, 4, 2)

	for r := 0; r < 2; r++ {
		var sum float64
		for c := 0; c < 4; c++ {
			v := out[r*4+c]
			if v < 0 || v > 1 || math.IsNaN(float64(v)) {
				t.Fatalf("softmax[%d][%d] = %f out of range", r, c, v)
			}
			sum += float64(v)
		}
		if math.Abs(sum-1) > tol {
			t.Errorf("row %d sums to %f", r, sum)
		}
	}
	// Uniform row stays uniform even at large magnitude.
	for c := 0; c < 4; c++ {
		if math.Abs(float64(out[4+c])-0.25) > tol {
			t.Errorf("uniform row[%d] = %f, want 0.25", c, out[4+c])
		}
	}
	if !(out[3] > out[2] && out[2] > out[1] && out[1] > out[0]) {
		t.Error("softmax did not preserve ordering")
	}
}

func TestReduceMeanLastAxis(t *testing.T) {
	in := []float32{1, 2, 3, 4, -2, 2, 0, 0}
	out := make([]float32, 2)
	reduceMeanLastAxis(in, out, 2, 4, 2)
	if math.Abs(float64(out[0])-2.5) > tol || math.Abs(float64(out[1])) > tol {
		t.Errorf("means = %v, want [2.5 0]", out)
	}
}

func TestPermute(t *testing.T) {
	// [2,3] with perm [1,0] is a transpose.
	in := []float32{1, 2, 3, 4, 5, 6}
	out := make([]float32, 6)
	permute(in, out, []int{2, 3}, []int{1, 0}, 2)
	want := []float32{1, 4, 2, 5, 3, 6}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("transposed[%d] = %f, want %f", i, out[i], w)
		}
	}

	// The head swap used by attention: [1,2,2,2] with perm [0,2,1,3].
	in4 := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	out4 := make([]float32, 8)
	permute(in4, out4, []int{1, 2, 2, 2}, []int{0, 2, 1, 3}, 1)
	want4 := []float32{0, 1, 4, 5, 2, 3, 6, 7}
	for i, w := range want4 {
		if out4[i] != w {
			t.Errorf("head swap[%d] = %f, want %f", i, out4[i], w)
		}
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	b, s, n, h := 1, 2, 2, 8
	in := randSlice(rng, b*s*n*h)
	out := make([]float32, len(in))
	segPos := []float32{0, 0}
	rope(in, out, segPos, b, s, n, h, 10000, 2)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("rope at position 0 changed element %d: %f -> %f", i, in[i], out[i])
		}
	}
}

func TestRopeRotatesPairs(t *testing.T) {
	h := 4
	in := []float32{1, 0, 0, 0} // pair (0,2) is (1,0)
	out := make([]float32, h)
	segPos := []float32{1}
	theta := float32(10000)
	rope(in, out, segPos, 1, 1, 1, h, theta, 1)

	// i=0: freq = 1 * theta^0 = 1
	if math.Abs(float64(out[0])-math.Cos(1)) > tol {
		t.Errorf("out[0] = %f, want cos(1) = %f", out[0], math.Cos(1))
	}
	if math.Abs(float64(out[2])-math.Sin(1)) > tol {
		t.Errorf("out[2] = %f, want sin(1) = %f", out[2], math.Sin(1))
	}
	if out[1] != 0 || out[3] != 0 {
		t.Errorf("zero pair rotated: %v", out)
	}
}

func TestRopePreservesNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	b, s, n, h := 1, 4, 2, 16
	in := randSlice(rng, b*s*n*h)
	out := make([]float32, len(in))
	segPos := []float32{0, 1, 2, 3}
	rope(in, out, segPos, b, s, n, h, 10000, 4)

	for r := 0; r < b*s*n; r++ {
		var nIn, nOut float64
		for i := 0; i < h; i++ {
			nIn += float64(in[r*h+i]) * float64(in[r*h+i])
			nOut += float64(out[r*h+i]) * float64(out[r*h+i])
		}
		if math.Abs(nIn-nOut) > 1e-4 {
			t.Fatalf("row %d norm changed: %f -> %f", r, nIn, nOut)
		}
	}
}

func TestRopeOddHeadDim(t *testing.T) {
	h := 5
	in := []float32{1, 2, 3, 4, 7}
	out := make([]float32, h)
	rope(in, out, []float32{3}, 1, 1, 1, h, 10000, 1)
	if out[4] != 7 {
		t.Errorf("odd trailing element changed: %f", out[4])
	}
}

func TestTranspose2DRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	rows, cols := 6, 11
	src := randSlice(rng, rows*cols)
	mid := make([]float32, rows*cols)
	back := make([]float32, rows*cols)
	Transpose2DF32(src, mid, rows, cols)
	Transpose2DF32(mid, back, cols, rows)
	for i := range src {
		if back[i] != src[i] {
			t.Fatalf("round trip changed element %d", i)
		}
	}
	if mid[0*rows+3] != src[3*cols+0] {
		t.Error("transpose misplaced element")
	}
}

func TestParallelRowsWorkerCountInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	rows, k, n := 17, 31, 13
	x := randSlice(rng, rows*k)
	w := randSlice(rng, k*n)

	one := make([]float32, rows*n)
	many := make([]float32, rows*n)
	matmulF32(x, w, one, rows, k, n, 1)
	matmulF32(x, w, many, rows, k, n, 8)
	for i := range one {
		if one[i] != many[i] {
			t.Fatalf("worker count changed result at %d: %f vs %f", i, one[i], many[i])
		}
	}
}
