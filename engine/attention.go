package engine

import (
	"math"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/tensor"
)

// attentionKernel is multi-head scaled dot-product self-attention over
// [batch, tokens, features] with query, key, value and output projections.
type attentionKernel struct {
	heads  int
	keyDim int
	scale  float32

	wq, bq, wk, bk, wv, bv, wo, bo *Parameter

	x       *tensor.Tensor
	q, k, v []float32
	probs   []float32 // [batch, heads, tokens, tokens]
	context []float32 // [batch*tokens, heads*keyDim]
}

func newAttentionKernel(ls *layers.LayerSpec, params []*Parameter) *attentionKernel {
	keyDim := ls.Int("key_dim", 1)
	return &attentionKernel{
		heads:  ls.Int("num_heads", 1),
		keyDim: keyDim,
		scale:  float32(1 / math.Sqrt(float64(keyDim))),
		wq:     params[0],
		bq:     params[1],
		wk:     params[2],
		bk:     params[3],
		wv:     params[4],
		bv:     params[5],
		wo:     params[6],
		bo:     params[7],
	}
}

func project(x []float32, rows, in, out int, w, b *Parameter) []float32 {
	y := make([]float32, rows*out)
	for r := 0; r < rows; r++ {
		copy(y[r*out:(r+1)*out], b.Value.Data)
	}
	tensor.Gemm(false, false, rows, out, in, 1, x, w.Value.Data, 1, y)
	return y
}

// projectBackward accumulates weight and bias gradients of y = x·W + b and
// adds dy·Wᵀ into dx when dx is non-nil.
func projectBackward(x, dy []float32, rows, in, out int, w, b *Parameter, dx []float32) {
	if w.Trainable {
		tensor.Gemm(true, false, in, out, rows, 1, x, dy, 1, w.Grad.Data)
		for r := 0; r < rows; r++ {
			for j, v := range dy[r*out : (r+1)*out] {
				b.Grad.Data[j] += v
			}
		}
	}
	if dx != nil {
		tensor.Gemm(false, true, rows, in, out, 1, dy, w.Value.Data, 1, dx)
	}
}

func (a *attentionKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	batch, tokens, width := x.Shape[0], x.Shape[1], x.Shape[2]
	rows, hk, dk := batch*tokens, a.heads*a.keyDim, a.keyDim

	a.x = x
	a.q = project(x.Data, rows, width, hk, a.wq, a.bq)
	a.k = project(x.Data, rows, width, hk, a.wk, a.bk)
	a.v = project(x.Data, rows, width, hk, a.wv, a.bv)
	a.probs = make([]float32, batch*a.heads*tokens*tokens)
	a.context = make([]float32, rows*hk)

	for n := 0; n < batch; n++ {
		for h := 0; h < a.heads; h++ {
			p := a.probs[(n*a.heads+h)*tokens*tokens : (n*a.heads+h+1)*tokens*tokens]
			for t := 0; t < tokens; t++ {
				qt := a.q[(n*tokens+t)*hk+h*dk : (n*tokens+t)*hk+(h+1)*dk]
				row := p[t*tokens : (t+1)*tokens]
				maxScore := float32(math.Inf(-1))
				for s := 0; s < tokens; s++ {
					ks := a.k[(n*tokens+s)*hk+h*dk : (n*tokens+s)*hk+(h+1)*dk]
					var dot float32
					for j := range qt {
						dot += qt[j] * ks[j]
					}
					row[s] = dot * a.scale
					if row[s] > maxScore {
						maxScore = row[s]
					}
				}
				var sum float32
				for s := range row {
					row[s] = float32(math.Exp(float64(row[s] - maxScore)))
					sum += row[s]
				}
				ctx := a.context[(n*tokens+t)*hk+h*dk : (n*tokens+t)*hk+(h+1)*dk]
				for s := range row {
					row[s] /= sum
					vs := a.v[(n*tokens+s)*hk+h*dk : (n*tokens+s)*hk+(h+1)*dk]
					for j := range ctx {
						ctx[j] += row[s] * vs[j]
					}
				}
			}
		}
	}

	y := tensor.Zeros(batch, tokens, width)
	copy(y.Data, project(a.context, rows, hk, width, a.wo, a.bo))
	return y, nil
}

func (a *attentionKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	batch, tokens, width := a.x.Shape[0], a.x.Shape[1], a.x.Shape[2]
	rows, hk, dk := batch*tokens, a.heads*a.keyDim, a.keyDim

	dctx := make([]float32, rows*hk)
	projectBackward(a.context, dy.Data, rows, hk, width, a.wo, a.bo, dctx)

	dq := make([]float32, rows*hk)
	dkk := make([]float32, rows*hk)
	dv := make([]float32, rows*hk)
	dA := make([]float32, tokens)

	for n := 0; n < batch; n++ {
		for h := 0; h < a.heads; h++ {
			p := a.probs[(n*a.heads+h)*tokens*tokens : (n*a.heads+h+1)*tokens*tokens]
			for t := 0; t < tokens; t++ {
				off := (n*tokens+t)*hk + h*dk
				gctx := dctx[off : off+dk]
				row := p[t*tokens : (t+1)*tokens]

				var weighted float32
				for s := 0; s < tokens; s++ {
					soff := (n*tokens+s)*hk + h*dk
					vs := a.v[soff : soff+dk]
					var dot float32
					for j := range gctx {
						dot += gctx[j] * vs[j]
						dv[soff+j] += row[s] * gctx[j]
					}
					dA[s] = dot
					weighted += row[s] * dot
				}

				qt := a.q[off : off+dk]
				for s := 0; s < tokens; s++ {
					dS := row[s] * (dA[s] - weighted) * a.scale
					soff := (n*tokens+s)*hk + h*dk
					ks := a.k[soff : soff+dk]
					for j := 0; j < dk; j++ {
						dq[off+j] += dS * ks[j]
						dkk[soff+j] += dS * qt[j]
					}
				}
			}
		}
	}

	var dx *tensor.Tensor
	var dxData []float32
	if need[0] {
		dx = tensor.Zeros(a.x.Shape...)
		dxData = dx.Data
	}
	projectBackward(a.x.Data, dq, rows, width, hk, a.wq, a.bq, dxData)
	projectBackward(a.x.Data, dkk, rows, width, hk, a.wk, a.bk, dxData)
	projectBackward(a.x.Data, dv, rows, width, hk, a.wv, a.bv, dxData)
	return []*tensor.Tensor{dx}, nil
}
