package device

import "math"

// MatVec computes out = W @ x for a [out, in] weight shard. Sequential
// on purpose: parallelism lives at the rank level, and deterministic
// accumulation order keeps greedy decoding reproducible.
func MatVec(w *Tensor, x, out []float32) {
	for r := 0; r < w.Rows; r++ {
		row := w.Data[r*w.Cols : (r+1)*w.Cols]
		var sum float32
		for c, v := range row {
			sum += v * x[c]
		}
		out[r] = sum
	}
}

// RMSNorm writes weight * x / rms(x) into out.
func RMSNorm(x, weight, out []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(float64(sum/float32(len(x)))+float64(eps)))
	for i := range x {
		out[i] = x[i] * inv * weight[i]
	}
}

// Softmax normalizes x in place with the usual max-subtraction guard.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1.0 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// SwiGLU writes up * silu(gate) into out.
func SwiGLU(gate, up, out []float32) {
	for i := range gate {
		g := gate[i]
		sigmoid := float32(1.0) / (float32(1.0) + float32(math.Exp(float64(-g))))
		out[i] = up[i] * g * sigmoid
	}
}

// Rope applies rotary position embedding in the half-split layout used
// by the checkpoint contract: pair (i, i+headDim/2) within each head.
func Rope(v []float32, heads, headDim, pos int, theta float32) {
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(float64(theta), float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			cos := float32(math.Cos(angle))
			sin := float32(math.Sin(angle))
			x0 := v[base+i]
			x1 := v[base+i+half]
			v[base+i] = x0*cos - x1*sin
			v[base+i+half] = x0*sin + x1*cos
		}
	}
}

// Add accumulates b into a.
func Add(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// ArgMax returns the index and value of the largest finite element.
// NaN entries are skipped so a single bad logit cannot poison greedy
// selection.
func ArgMax(x []float32) (int, float32) {
	idx := 0
	val := float32(math.Inf(-1))
	for i, v := range x {
		if math.IsNaN(float64(v)) {
			continue
		}
		if v > val {
			val = v
			idx = i
		}
	}
	return idx, val
}
