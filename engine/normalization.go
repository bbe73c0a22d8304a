package engine

import (
	"math"

	"github.com/dronepilot/pilotnet/tensor"
)

// layerNormKernel normalizes each row of the last axis to zero mean and
// unit variance, then applies gamma and beta.
type layerNormKernel struct {
	gamma *Parameter
	beta  *Parameter
	eps   float32

	xhat   []float32
	invStd []float32
}

func (k *layerNormKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	width := x.Shape[len(x.Shape)-1]
	rows := x.NumElems / width

	y := tensor.Zeros(x.Shape...)
	k.xhat = make([]float32, x.NumElems)
	k.invStd = make([]float32, rows)
	gamma, beta := k.gamma.Value.Data, k.beta.Value.Data

	for r := 0; r < rows; r++ {
		row := x.Data[r*width : (r+1)*width]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(width)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(width)
		inv := float32(1 / math.Sqrt(variance+float64(k.eps)))
		k.invStd[r] = inv

		xh := k.xhat[r*width : (r+1)*width]
		out := y.Data[r*width : (r+1)*width]
		for j, v := range row {
			xh[j] = (v - float32(mean)) * inv
			out[j] = xh[j]*gamma[j] + beta[j]
		}
	}
	return y, nil
}

func (k *layerNormKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	width := dy.Shape[len(dy.Shape)-1]
	rows := dy.NumElems / width
	gamma := k.gamma.Value.Data

	if k.gamma.Trainable {
		dg, db := k.gamma.Grad.Data, k.beta.Grad.Data
		for r := 0; r < rows; r++ {
			g := dy.Data[r*width : (r+1)*width]
			xh := k.xhat[r*width : (r+1)*width]
			for j, v := range g {
				dg[j] += v * xh[j]
				db[j] += v
			}
		}
	}
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}

	dx := tensor.Zeros(dy.Shape...)
	dxhat := make([]float32, width)
	n := float32(width)
	for r := 0; r < rows; r++ {
		g := dy.Data[r*width : (r+1)*width]
		xh := k.xhat[r*width : (r+1)*width]
		var sum, dot float32
		for j, v := range g {
			dxhat[j] = v * gamma[j]
			sum += dxhat[j]
			dot += dxhat[j] * xh[j]
		}
		out := dx.Data[r*width : (r+1)*width]
		for j := range out {
			out[j] = k.invStd[r] / n * (n*dxhat[j] - sum - xh[j]*dot)
		}
	}
	return []*tensor.Tensor{dx}, nil
}
