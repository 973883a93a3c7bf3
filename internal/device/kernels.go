package device

import (
	"math"
	"sync"
)

// parallelRows splits [0, rows) into contiguous chunks across workers.
// Kernels accumulate each output element sequentially so results do not
// depend on the worker count.
func parallelRows(rows, workers int, fn func(start, end int)) {
	if workers < 1 {
		workers = 1
	}
	chunk := (rows + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunk {
		end := i + chunk
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(i, end)
	}
	wg.Wait()
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// matmulF32 computes out[m,n] = sum_k x[m,k] * w[k,n] for x flattened to
// [rows, k] over its leading dims.
func matmulF32(x, w, out []float32, rows, k, n, workers int) {
	parallelRows(rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			xRow := x[r*k : (r+1)*k]
			oRow := out[r*n : (r+1)*n]
			for c := 0; c < n; c++ {
				var sum float32
				for i := 0; i < k; i++ {
					sum += xRow[i] * w[i*n+c]
				}
				oRow[c] = sum
			}
		}
	})
}

// matmulQCInt8 is matmulF32 with an int8 weight carrying one scale per
// output channel (scale axis must be the n axis).
func matmulQCInt8(x []float32, w []byte, scales []float32, out []float32, rows, k, n, workers int) {
	parallelRows(rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			xRow := x[r*k : (r+1)*k]
			oRow := out[r*n : (r+1)*n]
			for c := 0; c < n; c++ {
				var sum float32
				for i := 0; i < k; i++ {
					sum += xRow[i] * float32(int8(w[i*n+c]))
				}
				oRow[c] = sum * scales[c]
			}
		}
	})
}

func addBias(out, bias []float32, rows, n int) {
	for r := 0; r < rows; r++ {
		oRow := out[r*n : (r+1)*n]
		for c := range oRow {
			oRow[c] += bias[c]
		}
	}
}

// batchMatMul multiplies the trailing two axes; leading axes are batch.
// a is [batch, m, k]; b is [batch, k, n], or [batch, n, k] when the RHS is
// transposed.
func batchMatMul(a, b, out []float32, batch, m, k, n int, transposeRHS bool, workers int) {
	parallelRows(batch*m, workers, func(start, end int) {
		for rm := start; rm < end; rm++ {
			bi := rm / m
			r := rm % m
			aRow := a[(bi*m+r)*k : (bi*m+r+1)*k]
			oRow := out[(bi*m+r)*n : (bi*m+r+1)*n]
			if transposeRHS {
				bBase := b[bi*n*k : (bi+1)*n*k]
				for c := 0; c < n; c++ {
					bRow := bBase[c*k : (c+1)*k]
					var sum float32
					for i := 0; i < k; i++ {
						sum += aRow[i] * bRow[i]
					}
					oRow[c] = sum
				}
			} else {
				bBase := b[bi*k*n : (bi+1)*k*n]
				for c := 0; c < n; c++ {
					var sum float32
					for i := 0; i < k; i++ {
						sum += aRow[i] * bBase[i*n+c]
					}
					oRow[c] = sum
				}
			}
		}
	})
}

// broadcastStrides returns element strides for in against the output dims,
// with stride 0 on broadcast (size-1 or missing) axes. Dims are aligned on
// trailing axes.
func broadcastStrides(inDims, outDims []int) []int {
	strides := make([]int, len(outDims))
	stride := 1
	off := len(outDims) - len(inDims)
	for i := len(inDims) - 1; i >= 0; i-- {
		if inDims[i] == 1 {
			strides[off+i] = 0
		} else {
			strides[off+i] = stride
		}
		stride *= inDims[i]
	}
	return strides
}

// elementwiseBinary applies fn with NumPy-style broadcasting of a and b
// against the output dims.
func elementwiseBinary(a, b, out []float32, aDims, bDims, outDims []int, fn func(x, y float32) float32, workers int) {
	aStrides := broadcastStrides(aDims, outDims)
	bStrides := broadcastStrides(bDims, outDims)
	total := numElements(outDims)
	rank := len(outDims)
	parallelRows(total, workers, func(start, end int) {
		idx := make([]int, rank)
		// decompose start into a multi-index once, then increment
		rem := start
		for i := rank - 1; i >= 0; i-- {
			idx[i] = rem % outDims[i]
			rem /= outDims[i]
		}
		aOff, bOff := 0, 0
		for i := 0; i < rank; i++ {
			aOff += idx[i] * aStrides[i]
			bOff += idx[i] * bStrides[i]
		}
		for e := start; e < end; e++ {
			out[e] = fn(a[aOff], b[bOff])
			for i := rank - 1; i >= 0; i-- {
				idx[i]++
				aOff += aStrides[i]
				bOff += bStrides[i]
				if idx[i] < outDims[i] {
					break
				}
				idx[i] = 0
				aOff -= outDims[i] * aStrides[i]
				bOff -= outDims[i] * bStrides[i]
			}
		}
	})
}

func elementwiseUnary(in, out []float32, fn func(x float32) float32, workers int) {
	parallelRows(len(in), workers, func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = fn(in[i])
		}
	})
}

// softmaxLastAxis normalizes each row of the last axis with the usual
// max-subtraction for stability.
func softmaxLastAxis(in, out []float32, rows, n, workers int) {
	parallelRows(rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			row := in[r*n : (r+1)*n]
			oRow := out[r*n : (r+1)*n]
			maxV := row[0]
			for _, v := range row {
				if v > maxV {
					maxV = v
				}
			}
			var sum float32
			for i, v := range row {
				e := float32(math.Exp(float64(v - maxV)))
				oRow[i] = e
				sum += e
			}
			if sum > 0 {
				inv := 1 / sum
				for i := range oRow {
					oRow[i] *= inv
				}
			}
		}
	})
}

func reduceMeanLastAxis(in, out []float32, rows, n, workers int) {
	parallelRows(rows, workers, func(start, end int) {
		for r := start; r < end; r++ {
			row := in[r*n : (r+1)*n]
			var sum float32
			for _, v := range row {
				sum += v
			}
			out[r] = sum / float32(n)
		}
	})
}

// permute rearranges axes so that out[i0,..] = in at the permuted index.
// perm maps output axis -> input axis.
func permute(in, out []float32, inDims, perm []int, workers int) {
	rank := len(inDims)
	outDims := make([]int, rank)
	for i, p := range perm {
		outDims[i] = inDims[p]
	}
	inStrides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		inStrides[i] = stride
		stride *= inDims[i]
	}
	// stride of each output axis in the input layout
	outStrides := make([]int, rank)
	for i, p := range perm {
		outStrides[i] = inStrides[p]
	}
	total := numElements(inDims)
	parallelRows(total, workers, func(start, end int) {
		idx := make([]int, rank)
		rem := start
		for i := rank - 1; i >= 0; i-- {
			idx[i] = rem % outDims[i]
			rem /= outDims[i]
		}
		inOff := 0
		for i := 0; i < rank; i++ {
			inOff += idx[i] * outStrides[i]
		}
		for e := start; e < end; e++ {
			out[e] = in[inOff]
			for i := rank - 1; i >= 0; i-- {
				idx[i]++
				inOff += outStrides[i]
				if idx[i] < outDims[i] {
					break
				}
				idx[i] = 0
				inOff -= outDims[i] * outStrides[i]
			}
		}
	})
}

// rope applies rotary position embedding to x shaped [B, S, N, H] using the
// per-position values in segPos (length S). Pairs are split across head
// halves: (i, i+H/2) rotate together at frequency theta^(-2i/H).
func rope(in, out, segPos []float32, b, s, n, h int, theta float32, workers int) {
	half := h / 2
	parallelRows(b*s*n, workers, func(start, end int) {
		for r := start; r < end; r++ {
			si := (r / n) % s
			pos := float64(segPos[si])
			base := r * h
			for i := 0; i < half; i++ {
				freq := pos * math.Pow(float64(theta), -2.0*float64(i)/float64(h))
				cos := float32(math.Cos(freq))
				sin := float32(math.Sin(freq))
				x0 := in[base+i]
				x1 := in[base+i+half]
				out[base+i] = x0*cos - x1*sin
				out[base+i+half] = x0*sin + x1*cos
			}
			// odd head dims leave the middle element untouched
			if h%2 == 1 {
				out[base+h-1] = in[base+h-1]
			}
		}
	})
}

// Transpose2DF32 physically transposes src [rows, cols] into dst [cols, rows].
// Used standalone by the tensor layer for weight preparation before any
// subgraph exists.
func Transpose2DF32(src, dst []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}

// Transpose2DInt8 is Transpose2DF32 for raw int8 weight bytes.
func Transpose2DInt8(src, dst []byte, rows, cols int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}
