package tensor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
)

// parallelRows splits [0, rows) into NumCPU-sized chunks and runs fn on each.
func parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	if chunkSize < 1 {
		chunkSize = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// MatMul computes a[m,k] x b[k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	m, k := a.Dim(0), a.Dim(1)
	k2, n := b.Dim(0), b.Dim(1)
	if k != k2 {
		panic(fmt.Sprintf("matmul shape mismatch: [%d,%d] x [%d,%d]", m, k, k2, n))
	}
	out := make([]float32, m*n)
	parallelRows(m, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			for col := 0; col < n; col++ {
				var sum float32
				for i := 0; i < k; i++ {
					sum += a.data[row*k+i] * b.data[i*n+col]
				}
				out[row*n+col] = sum
			}
		}
	})
	return NewNode("matmul", out, []int{m, n}, []*Tensor{a, b}, func(grad []float32) {
		if a.requires {
			ga := a.Grad()
			for row := 0; row < m; row++ {
				for i := 0; i < k; i++ {
					var sum float32
					for col := 0; col < n; col++ {
						sum += grad[row*n+col] * b.data[i*n+col]
					}
					ga[row*k+i] += sum
				}
			}
		}
		if b.requires {
			gb := b.Grad()
			for i := 0; i < k; i++ {
				for col := 0; col < n; col++ {
					var sum float32
					for row := 0; row < m; row++ {
						sum += a.data[row*k+i] * grad[row*n+col]
					}
					gb[i*n+col] += sum
				}
			}
		}
	})
}

// Linear computes x[n,in] x w[out,in]^T (+ bias[out]) -> [n,out], the
// affine transform of a standard weight-bearing layer. bias may be nil.
func Linear(x, w, bias *Tensor) *Tensor {
	n, in := x.Dim(0), x.Dim(1)
	outF, in2 := w.Dim(0), w.Dim(1)
	if in != in2 {
		panic(fmt.Sprintf("linear shape mismatch: x[%d,%d], w[%d,%d]", n, in, outF, in2))
	}
	out := make([]float32, n*outF)
	parallelRows(n, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			xOff := row * in
			oOff := row * outF
			for o := 0; o < outF; o++ {
				wOff := o * in
				var sum float32
				for i := 0; i < in; i++ {
					sum += x.data[xOff+i] * w.data[wOff+i]
				}
				if bias != nil {
					sum += bias.data[o]
				}
				out[oOff+o] = sum
			}
		}
	})
	prev := []*Tensor{x, w}
	if bias != nil {
		prev = append(prev, bias)
	}
	return NewNode("linear", out, []int{n, outF}, prev, func(grad []float32) {
		if x.requires {
			gx := x.Grad()
			for row := 0; row < n; row++ {
				for i := 0; i < in; i++ {
					var sum float32
					for o := 0; o < outF; o++ {
						sum += grad[row*outF+o] * w.data[o*in+i]
					}
					gx[row*in+i] += sum
				}
			}
		}
		if w.requires {
			gw := w.Grad()
			for o := 0; o < outF; o++ {
				for i := 0; i < in; i++ {
					var sum float32
					for row := 0; row < n; row++ {
						sum += grad[row*outF+o] * x.data[row*in+i]
					}
					gw[o*in+i] += sum
				}
			}
		}
		if bias != nil && bias.requires {
			gb := bias.Grad()
			for row := 0; row < n; row++ {
				for o := 0; o < outF; o++ {
					gb[o] += grad[row*outF+o]
				}
			}
		}
	})
}

// LinearT computes x[n,in] x wt[in,out] (+ bias[out]) -> [n,out], the
// transposed-weight affine variant used by certain attention-projection
// layers that store their weight as [in, out].
func LinearT(x, wt, bias *Tensor) *Tensor {
	n, in := x.Dim(0), x.Dim(1)
	in2, outF := wt.Dim(0), wt.Dim(1)
	if in != in2 {
		panic(fmt.Sprintf("linear_t shape mismatch: x[%d,%d], wt[%d,%d]", n, in, in2, outF))
	}
	out := make([]float32, n*outF)
	parallelRows(n, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			xOff := row * in
			oOff := row * outF
			for o := 0; o < outF; o++ {
				var sum float32
				for i := 0; i < in; i++ {
					sum += x.data[xOff+i] * wt.data[i*outF+o]
				}
				if bias != nil {
					sum += bias.data[o]
				}
				out[oOff+o] = sum
			}
		}
	})
	prev := []*Tensor{x, wt}
	if bias != nil {
		prev = append(prev, bias)
	}
	return NewNode("linear_t", out, []int{n, outF}, prev, func(grad []float32) {
		if x.requires {
			gx := x.Grad()
			for row := 0; row < n; row++ {
				for i := 0; i < in; i++ {
					var sum float32
					for o := 0; o < outF; o++ {
						sum += grad[row*outF+o] * wt.data[i*outF+o]
					}
					gx[row*in+i] += sum
				}
			}
		}
		if wt.requires {
			gw := wt.Grad()
			for i := 0; i < in; i++ {
				for o := 0; o < outF; o++ {
					var sum float32
					for row := 0; row < n; row++ {
						sum += x.data[row*in+i] * grad[row*outF+o]
					}
					gw[i*outF+o] += sum
				}
			}
		}
		if bias != nil && bias.requires {
			gb := bias.Grad()
			for row := 0; row < n; row++ {
				for o := 0; o < outF; o++ {
					gb[o] += grad[row*outF+o]
				}
			}
		}
	})
}

// Add computes elementwise a + b (same shape), the residual connection.
func Add(a, b *Tensor) *Tensor {
	if len(a.data) != len(b.data) {
		panic(fmt.Sprintf("add shape mismatch: %v vs %v", a.dims, b.dims))
	}
	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = a.data[i] + b.data[i]
	}
	return NewNode("add", out, a.dims, []*Tensor{a, b}, func(grad []float32) {
		if a.requires {
			ga := a.Grad()
			for i, g := range grad {
				ga[i] += g
			}
		}
		if b.requires {
			gb := b.Grad()
			for i, g := range grad {
				gb[i] += g
			}
		}
	})
}

// Mul computes elementwise a * b (same shape).
func Mul(a, b *Tensor) *Tensor {
	if len(a.data) != len(b.data) {
		panic(fmt.Sprintf("mul shape mismatch: %v vs %v", a.dims, b.dims))
	}
	out := make([]float32, len(a.data))
	for i := range out {
		out[i] = a.data[i] * b.data[i]
	}
	return NewNode("mul", out, a.dims, []*Tensor{a, b}, func(grad []float32) {
		if a.requires {
			ga := a.Grad()
			for i, g := range grad {
				ga[i] += g * b.data[i]
			}
		}
		if b.requires {
			gb := b.Grad()
			for i, g := range grad {
				gb[i] += g * a.data[i]
			}
		}
	})
}

// SiLU computes x * sigmoid(x).
func SiLU(x *Tensor) *Tensor {
	out := make([]float32, len(x.data))
	for i, v := range x.data {
		out[i] = v / (1.0 + math32.Exp(-v))
	}
	return NewNode("silu", out, x.dims, []*Tensor{x}, func(grad []float32) {
		if !x.requires {
			return
		}
		gx := x.Grad()
		for i, v := range x.data {
			sig := 1.0 / (1.0 + math32.Exp(-v))
			gx[i] += grad[i] * (sig + v*sig*(1.0-sig))
		}
	})
}

// GELU computes the tanh approximation of the Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	const c = 0.7978845608 // sqrt(2/pi)
	out := make([]float32, len(x.data))
	for i, v := range x.data {
		inner := c * (v + 0.044715*v*v*v)
		out[i] = 0.5 * v * (1.0 + math32.Tanh(inner))
	}
	return NewNode("gelu", out, x.dims, []*Tensor{x}, func(grad []float32) {
		if !x.requires {
			return
		}
		gx := x.Grad()
		for i, v := range x.data {
			inner := c * (v + 0.044715*v*v*v)
			th := math32.Tanh(inner)
			sech2 := 1.0 - th*th
			dinner := c * (1.0 + 3.0*0.044715*v*v)
			gx[i] += grad[i] * (0.5*(1.0+th) + 0.5*v*sech2*dinner)
		}
	})
}

// RMSNorm normalizes each row by its root-mean-square and scales by w.
func RMSNorm(x, w *Tensor, eps float32) *Tensor {
	rows, cols := x.Dim(0), x.Dim(1)
	if w.NumElements() != cols {
		panic(fmt.Sprintf("rmsnorm weight size %d != cols %d", w.NumElements(), cols))
	}
	out := make([]float32, rows*cols)
	inv := make([]float32, rows)
	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			off := row * cols
			var sum float32
			for j := 0; j < cols; j++ {
				v := x.data[off+j]
				sum += v * v
			}
			iv := 1.0 / math32.Sqrt(sum/float32(cols)+eps)
			inv[row] = iv
			for j := 0; j < cols; j++ {
				out[off+j] = x.data[off+j] * iv * w.data[j]
			}
		}
	})
	return NewNode("rmsnorm", out, x.dims, []*Tensor{x, w}, func(grad []float32) {
		if x.requires {
			gx := x.Grad()
			for row := 0; row < rows; row++ {
				off := row * cols
				iv := inv[row]
				var dot float32
				for j := 0; j < cols; j++ {
					dot += grad[off+j] * w.data[j] * x.data[off+j]
				}
				k := iv * iv * iv / float32(cols)
				for j := 0; j < cols; j++ {
					gx[off+j] += grad[off+j]*w.data[j]*iv - x.data[off+j]*k*dot
				}
			}
		}
		if w.requires {
			gw := w.Grad()
			for row := 0; row < rows; row++ {
				off := row * cols
				iv := inv[row]
				for j := 0; j < cols; j++ {
					gw[j] += grad[off+j] * x.data[off+j] * iv
				}
			}
		}
	})
}

// MSE computes the mean squared error between pred and tgt as a scalar node.
func MSE(pred, tgt *Tensor) *Tensor {
	if len(pred.data) != len(tgt.data) {
		panic(fmt.Sprintf("mse shape mismatch: %v vs %v", pred.dims, tgt.dims))
	}
	var sum float32
	for i := range pred.data {
		d := pred.data[i] - tgt.data[i]
		sum += d * d
	}
	n := float32(len(pred.data))
	out := []float32{sum / n}
	return NewNode("mse", out, []int{1}, []*Tensor{pred, tgt}, func(grad []float32) {
		g := grad[0]
		if pred.requires {
			gp := pred.Grad()
			for i := range pred.data {
				gp[i] += g * 2.0 * (pred.data[i] - tgt.data[i]) / n
			}
		}
		if tgt.requires {
			gt := tgt.Grad()
			for i := range tgt.data {
				gt[i] += g * 2.0 * (tgt.data[i] - pred.data[i]) / n
			}
		}
	})
}
